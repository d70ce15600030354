package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tpmdaq/ingest/pkg/config"
	"github.com/tpmdaq/ingest/pkg/engine"
	"github.com/tpmdaq/ingest/pkg/registry"
	"github.com/tpmdaq/ingest/pkg/transport/replay"
)

type replayFlags struct {
	PcapFile         string
	DaemonConfigPath string
	Speed            float64
}

var replayFlagValues replayFlags

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "replay a pcap capture of SPEAD traffic through the ingest pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(replayFlagValues)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFlagValues.PcapFile, "pcap", "", "pcap file to replay (required)")
	replayCmd.MarkFlagRequired("pcap")
	replayCmd.Flags().StringVarP(&replayFlagValues.DaemonConfigPath, "config", "c", "", "daemon deployment YAML describing which consumers to load (required)")
	replayCmd.MarkFlagRequired("config")
	replayCmd.Flags().Float64Var(&replayFlagValues.Speed, "speed", 1.0, "replay pacing relative to the capture's original rate; 0 replays as fast as possible")
}

// runReplay brings up the same consumer set a deployment file would start
// under the daemon, then feeds it from a pcap file instead of a live
// socket (SPEC_FULL.md §3 "Packet replay / capture tooling").
func runReplay(f replayFlags) error {
	logger, closeLog, err := buildLogger("")
	if err != nil {
		return fmt.Errorf("daqd replay: %w", err)
	}
	defer closeLog()

	daemonCfg, err := config.LoadDaemon(f.DaemonConfigPath)
	if err != nil {
		return fmt.Errorf("daqd replay: %w", err)
	}
	stationCfg, err := config.LoadStation(daemonCfg.StationFile)
	if err != nil {
		return fmt.Errorf("daqd replay: %w", err)
	}

	e := engine.New(logger)
	registerBuiltinFactories(e)
	if err := e.Receiver().Start(); err != nil {
		return fmt.Errorf("daqd replay: starting receiver: %w", err)
	}

	replay.Speed = f.Speed
	src, err := replay.NewSource(f.PcapFile)
	if err != nil {
		return fmt.Errorf("daqd replay: opening %s: %w", f.PcapFile, err)
	}
	replaySrc := src.(*replay.Source)
	if err := replaySrc.Subscribe(e.Receiver()); err != nil {
		return fmt.Errorf("daqd replay: %w", err)
	}

	for _, spec := range daemonCfg.Consumers {
		if status := e.LoadConsumer(spec.Name, spec.Library, spec.Factory); status != registry.StatusSuccess {
			return fmt.Errorf("daqd replay: loadConsumer %s: %s", spec.Name, status)
		}
		cfg := json.RawMessage(spec.Config)
		if status := e.InitialiseConsumer(spec.Name, cfg, stationCfg.RingCapacity, stationCfg.RingSlotSize); status != registry.StatusSuccess {
			return fmt.Errorf("daqd replay: initialiseConsumer %s: %s", spec.Name, status)
		}
		if status := e.StartConsumer(spec.Name, loggingCallback(logger, spec.Name)); status != registry.StatusSuccess {
			return fmt.Errorf("daqd replay: startConsumer %s: %s", spec.Name, status)
		}
	}

	if err := replaySrc.Connect(); err != nil {
		return fmt.Errorf("daqd replay: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	select {
	case <-replaySrc.Done():
		logger.Info("replay complete")
	case <-ctx.Done():
		logger.Info("replay interrupted")
	}
	replaySrc.Disconnect()

	for _, spec := range daemonCfg.Consumers {
		e.StopConsumer(spec.Name)
		e.TeardownConsumer(spec.Name)
	}
	return nil
}
