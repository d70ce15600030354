// Package engine wires together the receiver, registry, persister, and
// metrics layers behind the process-wide lifecycle calls spec.md §6
// specifies (startReceiver, addReceiverPort, stopReceiver, loadConsumer,
// initialiseConsumer, startConsumer(Dynamic), stopConsumer).
//
// Run's goroutine supervision follows sakateka-yanet2's coordinator
// (coordinator/coordinator.go): an errgroup.WithContext group collecting
// every top-level blocking call (here: the metrics HTTP server) and
// propagating the first error from Wait, with cancellation of the shared
// context stopping every other member of the group.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tpmdaq/ingest/pkg/consumer"
	"github.com/tpmdaq/ingest/pkg/doublebuffer"
	"github.com/tpmdaq/ingest/pkg/metrics"
	"github.com/tpmdaq/ingest/pkg/persister"
	"github.com/tpmdaq/ingest/pkg/receiver"
	"github.com/tpmdaq/ingest/pkg/registry"
)

// doubleBufferOwner is implemented by the one consumer mode (station beam)
// whose data path hands reassembled slots to a doublebuffer.DoubleBuffer
// instead of a pkg/container, per spec.md §4.H.
type doubleBufferOwner interface {
	DoubleBuffer() *doublebuffer.DoubleBuffer
}

// Engine is the top-level process object: one Registry, one Receiver, one
// Metrics instance, and the set of persister threads its running
// consumers have spawned.
type Engine struct {
	mu         sync.Mutex
	registry   *registry.Registry
	receiver   *receiver.Receiver
	metrics    *metrics.Metrics
	logger     *slog.Logger
	persisters map[string]*persister.Persister
}

// New creates an Engine. Call StartReceiver before adding ports or
// consumers.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		registry:   registry.New(logger),
		receiver:   receiver.New(logger),
		metrics:    metrics.New(),
		logger:     logger.With("component", "engine"),
		persisters: make(map[string]*persister.Persister),
	}
}

// Registry exposes the underlying registry for callers (cmd/daqd) that
// need direct access beyond the lifecycle calls below.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Receiver exposes the underlying receiver, for callers (cmd/daqd replay)
// that need to subscribe a transport.Source directly rather than going
// through StartReceiver/AddReceiverPort's backend-registry lookup.
func (e *Engine) Receiver() *receiver.Receiver { return e.receiver }

// Metrics exposes the underlying metrics instance. Neither the engine nor
// cmd/daqd sets its counters or gauges; Run only serves them.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Run blocks serving the diagnostics endpoint until ctx is cancelled, and
// is the one long-lived call an operator's process supervisor (systemd,
// cmd/daqd's own signal handler) needs to wait on; every other engine
// method is a short-lived lifecycle call returning a registry.Status.
func (e *Engine) Run(ctx context.Context, metricsAddr string) error {
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.metrics.Serve(gctx, metricsAddr)
	})
	return group.Wait()
}

// StartReceiver begins accepting packets on the given transport backend
// ("udp" in production, "virtual" or "replay" elsewhere) and bind
// address. spec.md §6's startReceiver additionally takes frame-size/
// block-count arguments describing the distilled spec's C-heritage
// fixed-frame socket ring; this receiver's equivalent sizing knob is the
// per-consumer ring passed to InitialiseConsumer, so no frame/block
// arguments are carried here.
func (e *Engine) StartReceiver(backend, bind string) registry.Status {
	if err := e.receiver.Start(); err != nil {
		e.logger.Warn("startReceiver failed", "error", err)
		return registry.StatusFailure
	}
	if err := e.receiver.AddPort(backend, bind); err != nil {
		e.logger.Warn("startReceiver: AddPort failed", "error", err)
		return registry.StatusFailure
	}
	return registry.StatusSuccess
}

// AddReceiverPort binds an additional port on a live receiver
// (SPEC_FULL.md §3 "Dynamic port addition").
func (e *Engine) AddReceiverPort(backend, bind string) registry.Status {
	if err := e.receiver.AddPort(backend, bind); err != nil {
		e.logger.Warn("addReceiverPort failed", "error", err)
		return registry.StatusFailure
	}
	return registry.StatusSuccess
}

// StopReceiver closes every bound socket and joins the receiver's
// background goroutines.
func (e *Engine) StopReceiver() registry.Status {
	if err := e.receiver.Stop(); err != nil {
		e.logger.Warn("stopReceiver failed", "error", err)
		return registry.StatusFailure
	}
	return registry.StatusSuccess
}

// LoadConsumer resolves a consumer factory (statically registered, or
// dynamically via a Go plugin when library is non-empty) and binds it
// under name, the handle InitialiseConsumer and every later lifecycle call
// take (spec.md §6 "loadConsumer(library, factory_name)" — the distilled
// signature omits a separate instance name, so this one adds it; loading
// the same factoryName under several names gives independently configured
// instances).
func (e *Engine) LoadConsumer(name, library, factoryName string) registry.Status {
	return e.registry.Load(name, library, factoryName)
}

// InitialiseConsumer constructs the named consumer's Mode and ring, then
// wires it into the receiver's classification set.
func (e *Engine) InitialiseConsumer(name string, cfg json.RawMessage, ringCapacity, slotSize int) registry.Status {
	status := e.registry.Init(name, cfg, ringCapacity, slotSize)
	if status != registry.StatusSuccess {
		return status
	}
	mode, ok := e.registry.Mode(name)
	if !ok {
		return registry.StatusFailure
	}
	ringBuf, ok := e.registry.Ring(name)
	if !ok {
		return registry.StatusFailure
	}
	e.receiver.RegisterConsumer(name, mode, ringBuf)
	return registry.StatusSuccess
}

// StartConsumer starts the named consumer's processing loop and installs
// the simple callback (spec.md §6). For a double-buffer-owning mode
// (station beam), the callback is only ever reached through the
// persister this starts alongside the processing loop: the mode's
// Processor never calls a callback directly, it only absorbs packets into
// the buffer (spec.md §4.H).
func (e *Engine) StartConsumer(name string, cb consumer.Callback) registry.Status {
	if status := e.registry.SetCallback(name, cb); status != registry.StatusSuccess {
		return status
	}
	if status := e.registry.Start(name); status != registry.StatusSuccess {
		return status
	}
	e.startPersisterIfOwned(name, func(slot *doublebuffer.Slot) {
		cb(slot.Data(), slot.RefTime(), 0, slot.ChannelOrSample())
	})
	return registry.StatusSuccess
}

// StartConsumerDynamic starts the named consumer's processing loop and
// installs the metadata-carrying callback.
func (e *Engine) StartConsumerDynamic(name string, cb consumer.DynamicCallback) registry.Status {
	if status := e.registry.SetDynamicCallback(name, cb); status != registry.StatusSuccess {
		return status
	}
	if status := e.registry.Start(name); status != registry.StatusSuccess {
		return status
	}
	e.startPersisterIfOwned(name, func(slot *doublebuffer.Slot) {
		cb(slot.Data(), slot.RefTime(), consumer.Metadata{
			Channel:     slot.ChannelOrSample(),
			PacketCount: slot.Packets(),
			Extra: map[string]any{
				"seq":                 slot.Seq(),
				"samples_per_channel": slot.SamplesPerChannel(),
				"id":                  slot.ID().String(),
			},
		})
	})
	return registry.StatusSuccess
}

// startPersisterIfOwned spins up a drain thread for name if its mode owns
// a double buffer. A no-op for every mode backed by a pkg/container
// instead, which already delivers through the callback Processor's loop
// holds.
func (e *Engine) startPersisterIfOwned(name string, cb persister.Callback) {
	mode, ok := e.registry.Mode(name)
	if !ok {
		return
	}
	owner, ok := mode.(doubleBufferOwner)
	if !ok {
		return
	}
	p := persister.New(name, owner.DoubleBuffer())
	p.SetCallback(cb)
	if err := e.RunPersister(name, p); err != nil {
		e.logger.Warn("starting persister failed", "name", name, "error", err)
	}
}

// StopConsumer stops the named consumer's processing loop, unregisters it
// from the receiver's classification set, and stops any persister started
// for it via RunPersister.
func (e *Engine) StopConsumer(name string) registry.Status {
	status := e.registry.Stop(name)
	e.receiver.UnregisterConsumer(name)

	e.mu.Lock()
	p, ok := e.persisters[name]
	delete(e.persisters, name)
	e.mu.Unlock()
	if ok {
		if err := p.Stop(); err != nil {
			e.logger.Warn("stopConsumer: persister stop failed", "name", name, "error", err)
			return registry.StatusFailure
		}
	}
	return status
}

// TeardownConsumer releases the named consumer's backing memory.
func (e *Engine) TeardownConsumer(name string) registry.Status {
	return e.registry.Teardown(name)
}

// RunPersister starts a persister thread for a mode that owns its own
// double buffer (station beam being the one such mode, spec.md §4.H). p
// is tracked under name so a later StopConsumer(name) stops it too; the
// caller builds p from the mode's own double-buffer accessor since the
// common Mode interface carries no double-buffer capability.
func (e *Engine) RunPersister(name string, p *persister.Persister) error {
	e.mu.Lock()
	e.persisters[name] = p
	e.mu.Unlock()
	return p.Start()
}
