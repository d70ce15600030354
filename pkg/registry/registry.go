// Package registry implements the process-wide, name-keyed consumer table
// (spec.md §4.G). It generalizes the teacher's Network.controllers map
// (pkg/network/network.go: one NodeProcessor per CAN node id, added with
// AddNode, stopped and removed with RemoveNode) to a name-keyed table of
// consumer state machines, each wrapped in its own pkg/consumer.Processor.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"plugin"
	"sync"

	"github.com/tpmdaq/ingest/internal/ring"
	"github.com/tpmdaq/ingest/pkg/consumer"
)

// Status is the typed result returned by every lifecycle call, mirroring
// the teacher's typed CANopen result codes (spec.md §6).
type Status int

const (
	StatusSuccess Status = iota
	StatusFailure
	StatusNotFound
	StatusNotAllowed
	StatusRejected
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusNotAllowed:
		return "NOT_ALLOWED"
	case StatusRejected:
		return "REJECTED"
	case StatusAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNameConflict = errors.New("registry: name already loaded")
	ErrNotLoaded    = errors.New("registry: consumer not loaded")
	ErrNotInit      = errors.New("registry: consumer not initialised")
)

// entryState tracks where a named consumer sits in its lifecycle, so
// e.g. Start before Init is rejected rather than attempted.
type entryState int

const (
	stateLoaded entryState = iota
	stateInitialised
	stateRunning
	stateStopped
)

type entry struct {
	mu        sync.Mutex
	factory   consumer.Factory
	mode      consumer.Mode
	processor *consumer.Processor
	ring      *ring.Ring
	state     entryState
}

// Registry is the process-wide consumer table. One Registry instance is
// created by pkg/engine and lives for the process's lifetime, same as the
// teacher's Network is created once per CAN bus and owns every node on it.
type Registry struct {
	mu        sync.Mutex
	factories map[string]consumer.Factory
	entries   map[string]*entry
	logger    *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]consumer.Factory),
		entries:   make(map[string]*entry),
		logger:    logger.With("component", "registry"),
	}
}

// RegisterFactory statically registers a consumer Factory under a symbol
// name, the no-shared-library path Load's factoryName resolves through
// when library is empty. The consumer mode packages do not self-register;
// cmd/daqd's registerBuiltinFactories calls this once per bundled mode
// (spec.md §4.G "statically registering one").
func (r *Registry) RegisterFactory(symbol string, factory consumer.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[symbol] = factory
}

// Load resolves a consumer factory and binds it to name, a process-wide
// handle used by every subsequent call. If library is non-empty, the
// factory symbol is resolved dynamically from a Go plugin (built with
// `go build -buildmode=plugin`); otherwise factoryName is looked up among
// statically registered factories (spec.md §4.G).
func (r *Registry) Load(name, library, factoryName string) Status {
	factory, err := r.resolveFactory(library, factoryName)
	if err != nil {
		r.logger.Warn("load failed", "name", name, "error", err)
		return StatusFailure
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return StatusRejected
	}
	r.entries[name] = &entry{factory: factory, state: stateLoaded}
	return StatusSuccess
}

func (r *Registry) resolveFactory(library, factoryName string) (consumer.Factory, error) {
	if library == "" {
		r.mu.Lock()
		factory, ok := r.factories[factoryName]
		r.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("registry: no statically registered factory %q", factoryName)
		}
		return factory, nil
	}

	plug, err := plugin.Open(library)
	if err != nil {
		return nil, fmt.Errorf("registry: opening plugin %s: %w", library, err)
	}
	sym, err := plug.Lookup(factoryName)
	if err != nil {
		return nil, fmt.Errorf("registry: looking up %s in %s: %w", factoryName, library, err)
	}
	factory, ok := sym.(func(json.RawMessage) (consumer.Mode, error))
	if !ok {
		return nil, fmt.Errorf("registry: symbol %s in %s is not a consumer.Factory", factoryName, library)
	}
	return consumer.Factory(factory), nil
}

// Init constructs the consumer's Mode from cfg and its backing ring
// (spec.md §4.G "init(name, json)").
func (r *Registry) Init(name string, cfg json.RawMessage, ringCapacity, slotSize int) Status {
	e, ok := r.lookup(name)
	if !ok {
		return StatusNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateLoaded {
		return StatusNotAllowed
	}
	mode, err := e.factory(cfg)
	if err != nil {
		r.logger.Warn("init failed", "name", name, "error", err)
		return StatusFailure
	}
	e.mode = mode
	e.ring = ring.New(ringCapacity, slotSize)
	e.processor = consumer.NewProcessor(name, mode, e.ring)
	e.state = stateInitialised
	return StatusSuccess
}

// SetCallback installs the simple four-argument callback (spec.md §6),
// adapting it to the mode's DynamicCallback by passing on Metadata's Tile
// and Channel and dropping its other fields.
func (r *Registry) SetCallback(name string, cb consumer.Callback) Status {
	return r.setCallback(name, func(data []byte, ts float64, meta consumer.Metadata) {
		cb(data, ts, meta.Tile, meta.Channel)
	})
}

// SetDynamicCallback installs the metadata-carrying callback (spec.md §6).
func (r *Registry) SetDynamicCallback(name string, cb consumer.DynamicCallback) Status {
	return r.setCallback(name, cb)
}

func (r *Registry) setCallback(name string, cb consumer.DynamicCallback) Status {
	e, ok := r.lookup(name)
	if !ok {
		return StatusNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.mode == nil {
		return StatusNotAllowed
	}
	setter, ok := e.mode.(consumer.CallbackSetter)
	if !ok {
		return StatusNotAllowed
	}
	setter.SetCallback(cb)
	return StatusSuccess
}

// Start begins the consumer's processing loop (spec.md §4.G "start(name)").
func (r *Registry) Start(name string) Status {
	e, ok := r.lookup(name)
	if !ok {
		return StatusNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateInitialised && e.state != stateStopped {
		return StatusNotAllowed
	}
	if err := e.processor.Start(); err != nil {
		r.logger.Warn("start failed", "name", name, "error", err)
		return StatusFailure
	}
	e.state = stateRunning
	return StatusSuccess
}

// Stop signals the consumer's stop flag and waits for its loop to exit
// (spec.md §5 "Cancellation").
func (r *Registry) Stop(name string) Status {
	e, ok := r.lookup(name)
	if !ok {
		return StatusNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return StatusNotAllowed
	}
	if err := e.processor.Stop(); err != nil {
		r.logger.Warn("stop failed", "name", name, "error", err)
		return StatusFailure
	}
	e.state = stateStopped
	return StatusSuccess
}

// Teardown releases the consumer's backing memory and removes it from the
// table. A running consumer is stopped first.
func (r *Registry) Teardown(name string) Status {
	e, ok := r.lookup(name)
	if !ok {
		return StatusNotFound
	}
	e.mu.Lock()
	if e.state == stateRunning {
		if err := e.processor.Stop(); err != nil {
			e.mu.Unlock()
			r.logger.Warn("teardown: stop failed", "name", name, "error", err)
			return StatusFailure
		}
	}
	var err error
	if e.mode != nil {
		err = e.mode.Cleanup()
	}
	e.mu.Unlock()
	if err != nil {
		r.logger.Warn("teardown: cleanup failed", "name", name, "error", err)
		return StatusAborted
	}

	r.mu.Lock()
	delete(r.entries, name)
	r.mu.Unlock()
	return StatusSuccess
}

// Ring returns the named consumer's ring, so the receiver can dispatch
// matching packets into it (spec.md §4.C).
func (r *Registry) Ring(name string) (*ring.Ring, bool) {
	e, ok := r.lookup(name)
	if !ok || e.ring == nil {
		return nil, false
	}
	return e.ring, true
}

// Names returns every currently loaded consumer name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	return names
}

// Mode returns the named consumer's Mode for callers (the receiver) that
// need its Filter/ProcessOne surface directly rather than through the
// registry.
func (r *Registry) Mode(name string) (consumer.Mode, bool) {
	e, ok := r.lookup(name)
	if !ok || e.mode == nil {
		return nil, false
	}
	return e.mode, true
}

func (r *Registry) lookup(name string) (*entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	return e, ok
}
