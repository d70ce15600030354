// Command daqd is the ingest daemon entrypoint: it reads a station
// bootstrap file and a daemon deployment file, brings up an engine.Engine
// with every configured consumer loaded, initialised, and started, and
// blocks serving the diagnostics endpoint until interrupted.
//
// Grounded on sakateka-yanet2's coordinator/cmd/coordinator/main.go: a
// cobra root command parsing a config flag, an errgroup.WithContext group
// running the long-lived service call alongside a signal-wait goroutine,
// and a typed Interrupted error distinguishing a clean shutdown from a
// real failure.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/agilira/lethe"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tpmdaq/ingest/pkg/config"
	"github.com/tpmdaq/ingest/pkg/consumer"
	"github.com/tpmdaq/ingest/pkg/engine"
	"github.com/tpmdaq/ingest/pkg/registry"
)

type runFlags struct {
	DaemonConfigPath string
	LogFile          string
}

var flags runFlags

var rootCmd = &cobra.Command{
	Use:   "daqd",
	Short: "TPM SPEAD ingest daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(flags)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&flags.DaemonConfigPath, "config", "c", "", "path to the daemon deployment YAML file (required)")
	rootCmd.MarkFlagRequired("config")
	rootCmd.Flags().StringVar(&flags.LogFile, "log-file", "", "rotating log file path (stderr if empty)")
	rootCmd.AddCommand(replayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

// interrupted distinguishes a clean signal-driven shutdown from a real
// engine failure so main doesn't report SIGINT/SIGTERM as an error exit.
type interrupted struct{ os.Signal }

func (i interrupted) Error() string { return i.String() }

func run(f runFlags) error {
	logger, closeLog, err := buildLogger(f.LogFile)
	if err != nil {
		return fmt.Errorf("daqd: %w", err)
	}
	defer closeLog()

	daemonCfg, err := config.LoadDaemon(f.DaemonConfigPath)
	if err != nil {
		return fmt.Errorf("daqd: %w", err)
	}
	stationCfg, err := config.LoadStation(daemonCfg.StationFile)
	if err != nil {
		return fmt.Errorf("daqd: %w", err)
	}

	e := engine.New(logger)
	registerBuiltinFactories(e)

	if status := e.StartReceiver("udp", fmt.Sprintf("%s:%d", stationCfg.Interface, stationCfg.Ports[0])); status != registry.StatusSuccess {
		return fmt.Errorf("daqd: startReceiver: %s", status)
	}
	for _, port := range stationCfg.Ports[1:] {
		if status := e.AddReceiverPort("udp", fmt.Sprintf("%s:%d", stationCfg.Interface, port)); status != registry.StatusSuccess {
			return fmt.Errorf("daqd: addReceiverPort %d: %s", port, status)
		}
	}

	for _, spec := range daemonCfg.Consumers {
		if status := e.LoadConsumer(spec.Name, spec.Library, spec.Factory); status != registry.StatusSuccess {
			return fmt.Errorf("daqd: loadConsumer %s: %s", spec.Name, status)
		}
		cfg := json.RawMessage(spec.Config)
		if status := e.InitialiseConsumer(spec.Name, cfg, stationCfg.RingCapacity, stationCfg.RingSlotSize); status != registry.StatusSuccess {
			return fmt.Errorf("daqd: initialiseConsumer %s: %s", spec.Name, status)
		}
		if status := e.StartConsumer(spec.Name, loggingCallback(logger, spec.Name)); status != registry.StatusSuccess {
			return fmt.Errorf("daqd: startConsumer %s: %s", spec.Name, status)
		}
	}

	ctx, stop := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.Run(gctx, daemonCfg.MetricsBind)
	})
	group.Go(func() error {
		err := waitInterrupted(gctx)
		logger.Info("caught signal", "error", err)
		stop()
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	for _, spec := range daemonCfg.Consumers {
		e.StopConsumer(spec.Name)
		e.TeardownConsumer(spec.Name)
	}
	e.StopReceiver()
	return nil
}

// registerBuiltinFactories statically registers the eight bundled
// consumer modes under their config-file names (spec.md §4.G "statically
// registering one"). A deployment that needs a mode not built in here
// sets ConsumerSpec.Library to a *.so built with
// `go build -buildmode=plugin` instead.
func registerBuiltinFactories(e *engine.Engine) {
	r := e.Registry()
	r.RegisterFactory("raw", consumer.NewRaw)
	r.RegisterFactory("burst_channel", consumer.NewBurstChannel)
	r.RegisterFactory("continuous_channel", consumer.NewContinuousChannel)
	r.RegisterFactory("integrated_channel", consumer.NewIntegratedChannel)
	r.RegisterFactory("burst_beam", consumer.NewBurstBeam)
	r.RegisterFactory("integrated_beam", consumer.NewIntegratedBeam)
	r.RegisterFactory("station_beam", consumer.NewStationBeam)
	r.RegisterFactory("antenna_buffer", consumer.NewAntennaBuffer)
}

// loggingCallback is the default data callback wired into every
// configured consumer absent a richer downstream sink: it logs arrival at
// debug level rather than dropping the data on the floor silently.
func loggingCallback(logger *slog.Logger, name string) consumer.Callback {
	log := logger.With("consumer", name)
	return func(data []byte, timestampSeconds float64, tile uint32, channel int) {
		log.Debug("data ready", "bytes", len(data), "timestamp", timestampSeconds, "tile", tile, "channel", channel)
	}
}

// buildLogger wires slog's JSON handler to a rotating file sink when
// logFile is set (SPEC_FULL.md §1.1), or stderr otherwise.
func buildLogger(logFile string) (*slog.Logger, func(), error) {
	if logFile == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil)), func() {}, nil
	}
	rotator, err := lethe.NewWithDefaults(logFile)
	if err != nil {
		return nil, nil, fmt.Errorf("building rotating log sink: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(rotator, nil))
	return logger, func() { rotator.Close() }, nil
}

// waitInterrupted blocks until SIGINT/SIGTERM or ctx cancellation.
func waitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)
	select {
	case sig := <-ch:
		return interrupted{sig}
	case <-ctx.Done():
		return ctx.Err()
	}
}
