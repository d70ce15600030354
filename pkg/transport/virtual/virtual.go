// Package virtual is an in-memory transport.Source used by tests and local
// development to inject synthetic datagrams without a real socket,
// mirroring the teacher's pkg/can/virtual loopback bus.
package virtual

import (
	"sync"

	"github.com/tpmdaq/ingest/pkg/transport"
)

func init() {
	transport.RegisterBackend("virtual", NewSource)
}

// Source is an in-process packet source fed by calling Inject directly.
type Source struct {
	mu        sync.Mutex
	listener  transport.Listener
	connected bool
}

// NewSource creates a virtual Source. The label is accepted to satisfy the
// transport.NewSourceFunc signature but otherwise unused.
func NewSource(_ string) (transport.Source, error) {
	return &Source{}, nil
}

// Connect implements transport.Source.
func (s *Source) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

// Disconnect implements transport.Source.
func (s *Source) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

// Subscribe implements transport.Source.
func (s *Source) Subscribe(l transport.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = l
	return nil
}

// Inject delivers dg to the subscribed listener as if it had arrived on the
// wire. It is a no-op if the source isn't connected or has no listener.
func (s *Source) Inject(dg transport.Datagram) {
	s.mu.Lock()
	connected := s.connected
	listener := s.listener
	s.mu.Unlock()
	if !connected || listener == nil {
		return
	}
	listener.Handle(dg)
}
