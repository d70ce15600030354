// Package receiver implements the network receiver described in spec.md
// §4.C: one transport.Source per configured port, packet classification
// against every registered consumer's filter, and ring dispatch.
//
// The per-interface background loop and rolling-rate sampler follow the
// teacher's NodeProcessor-style context+ticker goroutine (pkg/node's
// background processing loop), applied here to rate sampling instead of
// protocol heartbeats.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tpmdaq/ingest/internal/ring"
	"github.com/tpmdaq/ingest/internal/spead"
	"github.com/tpmdaq/ingest/pkg/consumer"
	"github.com/tpmdaq/ingest/pkg/transport"
)

// rateSampleInterval is how often the rolling bytes/packets/drops-per-second
// counters are recomputed (spec.md §4.C "rolling counters").
const rateSampleInterval = time.Second

type consumerBinding struct {
	name string
	mode consumer.Mode
	ring *ring.Ring
}

// Receiver owns every bound transport.Source and dispatches classified
// packets into the matching consumers' rings (spec.md §4.C, §9
// "Global-state process receiver": one explicit instance whose socket and
// goroutine lifetimes are tied to Start/Stop calls made on it, rather than
// a package-level singleton).
type Receiver struct {
	mu       sync.Mutex
	sources  map[string]transport.Source
	bindings []consumerBinding
	logger   *slog.Logger

	bytesTotal   atomic.Uint64
	packetsTotal atomic.Uint64
	dropsTotal   atomic.Uint64

	bytesRate   atomic.Uint64 // math.Float64bits
	packetsRate atomic.Uint64
	dropsRate   atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an empty Receiver. No sockets are opened until AddPort.
func New(logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		sources: make(map[string]transport.Source),
		logger:  logger.With("component", "receiver"),
	}
}

// Start launches the rolling-rate sampler. Call before AddPort so the
// first sample window is accounted for.
func (r *Receiver) Start() error {
	var ctx context.Context
	ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sampleRates(ctx)
	}()
	return nil
}

// AddPort binds a new transport.Source under the given backend (spec.md
// §4.C "May add ports dynamically" / SPEC_FULL.md §3 "Dynamic port
// addition"). bind is backend-specific: "host:port" for udp, a file path
// for replay, a label for virtual.
func (r *Receiver) AddPort(backend, bind string) error {
	src, err := transport.NewSource(backend, bind)
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	if err := src.Subscribe(r); err != nil {
		return fmt.Errorf("receiver: subscribe %s/%s: %w", backend, bind, err)
	}
	if err := src.Connect(); err != nil {
		return fmt.Errorf("receiver: connect %s/%s: %w", backend, bind, err)
	}
	r.mu.Lock()
	r.sources[backend+"/"+bind] = src
	r.mu.Unlock()
	r.logger.Info("port added", "backend", backend, "bind", bind)
	return nil
}

// StopPort disconnects and removes one previously added port.
func (r *Receiver) StopPort(backend, bind string) error {
	key := backend + "/" + bind
	r.mu.Lock()
	src, ok := r.sources[key]
	delete(r.sources, key)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("receiver: no such port %s", key)
	}
	return src.Disconnect()
}

// RegisterConsumer adds a consumer to the classification set: every
// received datagram is offered to mode.Filter, and on a match dispatched
// into ring (spec.md §4.C "classifies by iterating configured per-consumer
// packet filters ... may match multiple consumers").
func (r *Receiver) RegisterConsumer(name string, mode consumer.Mode, ringBuf *ring.Ring) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, consumerBinding{name: name, mode: mode, ring: ringBuf})
}

// UnregisterConsumer removes a previously registered consumer from
// classification, called from stopConsumer/teardown.
func (r *Receiver) UnregisterConsumer(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.bindings[:0]
	for _, b := range r.bindings {
		if b.name != name {
			kept = append(kept, b)
		}
	}
	r.bindings = kept
}

// Handle implements transport.Listener. It is invoked once per received
// datagram, from the Source's own goroutine.
func (r *Receiver) Handle(dg transport.Datagram) {
	r.bytesTotal.Add(uint64(len(dg.Payload)))
	r.packetsTotal.Add(1)

	var items [spead.MaxItems]spead.Item
	n, _, ok := spead.ParseInto(dg.Payload, items[:])
	if !ok {
		return // parser reject: silently dropped, spec.md §7
	}

	r.mu.Lock()
	bindings := make([]consumerBinding, len(r.bindings))
	copy(bindings, r.bindings)
	r.mu.Unlock()

	for _, b := range bindings {
		if !b.mode.Filter(items[:n]) {
			continue
		}
		slot := b.ring.ReserveWrite()
		if slot == nil {
			r.dropsTotal.Add(1)
			continue
		}
		raw := slot.Raw()
		n := copy(raw, dg.Payload) // truncates if dg.Payload exceeds the ring slot size; the Processor's ParseInto rejects the result only if the cut falls inside the item table
		b.ring.CommitWrite(slot, n)
	}
}

func (r *Receiver) sampleRates(ctx context.Context) {
	ticker := time.NewTicker(rateSampleInterval)
	defer ticker.Stop()

	var lastBytes, lastPackets, lastDrops uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bytes := r.bytesTotal.Load()
			packets := r.packetsTotal.Load()
			drops := r.dropsTotal.Load()

			r.bytesRate.Store(math.Float64bits(float64(bytes - lastBytes)))
			r.packetsRate.Store(math.Float64bits(float64(packets - lastPackets)))
			r.dropsRate.Store(math.Float64bits(float64(drops - lastDrops)))

			lastBytes, lastPackets, lastDrops = bytes, packets, drops
		}
	}
}

// BytesPerSecond, PacketsPerSecond, and DropsPerSecond return the most
// recently sampled rolling rate (spec.md §4.C, §7 "exported via read-only
// accessors").
func (r *Receiver) BytesPerSecond() float64   { return math.Float64frombits(r.bytesRate.Load()) }
func (r *Receiver) PacketsPerSecond() float64 { return math.Float64frombits(r.packetsRate.Load()) }
func (r *Receiver) DropsPerSecond() float64   { return math.Float64frombits(r.dropsRate.Load()) }

// BytesTotal, PacketsTotal, and DropsTotal return cumulative counters since
// Start.
func (r *Receiver) BytesTotal() uint64   { return r.bytesTotal.Load() }
func (r *Receiver) PacketsTotal() uint64 { return r.packetsTotal.Load() }
func (r *Receiver) DropsTotal() uint64   { return r.dropsTotal.Load() }

// Stop disconnects every bound port and halts the rate sampler.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	sources := make([]transport.Source, 0, len(r.sources))
	for _, src := range r.sources {
		sources = append(sources, src)
	}
	r.sources = make(map[string]transport.Source)
	r.mu.Unlock()

	var firstErr error
	for _, src := range sources {
		if err := src.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return firstErr
}
