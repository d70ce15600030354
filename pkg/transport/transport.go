// Package transport defines the receiver's datagram source abstraction and
// a registry of named backend constructors (spec.md §4.C, §9 "global-state
// process receiver").
//
// Generalized from the teacher's pkg/can Bus interface + interfaceRegistry:
// the same shape (one small interface, one RegisterInterface side-effect
// call per backend's init, one factory lookup in NewBus) here selects a
// packet source instead of a CAN bus — a live UDP socket, an in-memory
// virtual bus for tests, or a pcap replay source for the daqd replay tool.
package transport

import "fmt"

// Datagram is one received packet and its kernel or synthetic arrival
// timestamp, in nanoseconds since the Unix epoch.
type Datagram struct {
	Payload   []byte
	Timestamp int64
}

// Listener receives datagrams read off a Source.
type Listener interface {
	Handle(dg Datagram)
}

// Source is a bound packet source: a live socket, a replay file, or an
// in-memory test double. One Source is created per receiver port.
type Source interface {
	// Connect starts delivering datagrams to the subscribed Listener on
	// an internal goroutine. It returns once the source is ready to
	// receive, not once it stops.
	Connect() error
	// Disconnect stops delivery and releases any underlying resource.
	Disconnect() error
	// Subscribe registers the Listener invoked for each datagram. Must
	// be called before Connect.
	Subscribe(l Listener) error
}

// NewSourceFunc constructs a Source bound to the given interface/address
// string, whose meaning is backend-specific (a host:port address for udp,
// a file path for replay, an arbitrary label for virtual).
type NewSourceFunc func(bind string) (Source, error)

var registry = make(map[string]NewSourceFunc)

// RegisterBackend registers a named Source constructor. Backends call this
// from an init() function.
func RegisterBackend(name string, fn NewSourceFunc) {
	registry[name] = fn
}

// NewSource constructs a Source using the named backend.
func NewSource(backend, bind string) (Source, error) {
	fn, ok := registry[backend]
	if !ok {
		return nil, fmt.Errorf("transport: unknown backend %q", backend)
	}
	return fn(bind)
}
