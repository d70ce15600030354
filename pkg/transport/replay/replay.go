// Package replay is a development transport.Source backend that reads a
// pcap capture of SPEAD traffic and replays its UDP payloads into the
// ingest pipeline, for local testing without a live TPM (SPEC_FULL.md §3
// "packet replay / capture tooling").
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"

	"github.com/tpmdaq/ingest/pkg/transport"
)

func init() {
	transport.RegisterBackend("replay", NewSource)
}

// Speed controls inter-packet pacing. 1.0 replays at the capture's
// original rate, 0 replays as fast as possible.
var Speed = 1.0

// Source replays UDP payloads from a pcap file.
type Source struct {
	path     string
	listener transport.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
	done     chan struct{}
}

// NewSource opens path lazily; the file is read when Connect is called.
func NewSource(path string) (transport.Source, error) {
	return &Source{
		path:   path,
		logger: slog.Default().With("component", "transport.replay", "path", path),
		done:   make(chan struct{}),
	}, nil
}

// Done closes once the capture has been fully replayed or Disconnect was
// called, letting a driver (cmd/daqd replay) distinguish "finished" from
// "still running" without polling.
func (s *Source) Done() <-chan struct{} { return s.done }

// Subscribe implements transport.Source.
func (s *Source) Subscribe(l transport.Listener) error {
	s.listener = l
	return nil
}

// Connect implements transport.Source.
func (s *Source) Connect() error {
	handle, err := openCapture(s.path)
	if err != nil {
		return fmt.Errorf("replay: open %s: %w", s.path, err)
	}
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer handle.Close()
		s.replayLoop(ctx, handle)
	}()
	return nil
}

// Disconnect implements transport.Source.
func (s *Source) Disconnect() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	return nil
}

type capture struct {
	reader *pcapgo.Reader
	file   interface{ Close() error }
}

func (c *capture) Close() error { return c.file.Close() }

func openCapture(path string) (*capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &capture{reader: r, file: f}, nil
}

func (s *Source) replayLoop(ctx context.Context, cap *capture) {
	defer close(s.done)
	var lastTS time.Time
	first := true
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("replay stopped")
			return
		default:
		}
		data, ci, err := cap.reader.ReadPacketData()
		if err != nil {
			s.logger.Info("replay finished", "error", err)
			return
		}
		if Speed > 0 && !first {
			gap := ci.Timestamp.Sub(lastTS)
			if gap > 0 {
				time.Sleep(time.Duration(float64(gap) / Speed))
			}
		}
		lastTS = ci.Timestamp
		first = false

		payload := extractUDPPayload(data)
		if payload == nil || s.listener == nil {
			continue
		}
		s.listener.Handle(transport.Datagram{
			Payload:   payload,
			Timestamp: ci.Timestamp.UnixNano(),
		})
	}
}

func extractUDPPayload(data []byte) []byte {
	pkt := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.NoCopy)
	udpLayer := pkt.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil
	}
	out := make([]byte, len(udp.Payload))
	copy(out, udp.Payload)
	return out
}
