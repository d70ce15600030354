// Package persister implements the drain loop for modes that own a
// doublebuffer.DoubleBuffer (station beam being the one mode in pkg/consumer
// that does), per spec.md §4.H. It mirrors pkg/consumer.Processor's
// context + loop shape, itself modeled on the teacher's NodeProcessor, but
// polls a double buffer instead of pulling from a ring.
package persister

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tpmdaq/ingest/pkg/doublebuffer"
)

// defaultIdleSleep is how long the loop sleeps after an unready ReadBuffer
// before retrying (spec.md §4.H "if null, sleep briefly").
const defaultIdleSleep = 5 * time.Millisecond

// Callback is invoked once per ready slot, outside any doublebuffer lock
// (spec.md §7 "Callback invocations are outside any lock"). The slot is
// released whether or not Callback panics-free execution is assumed by the
// caller; Persister recovers from a panicking callback so the loop and the
// slot's release are never skipped.
type Callback func(slot *doublebuffer.Slot)

// Persister drains one DoubleBuffer on its own goroutine.
type Persister struct {
	name string
	db   *doublebuffer.DoubleBuffer
	cb   Callback

	idleSleep time.Duration
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Persister for the named mode's double buffer. cb must be
// set (via SetCallback) before Start.
func New(name string, db *doublebuffer.DoubleBuffer) *Persister {
	return &Persister{
		name:      name,
		db:        db,
		idleSleep: defaultIdleSleep,
		logger:    slog.Default().With("service", "persister", "name", name),
	}
}

// SetCallback installs the per-slot callback.
func (p *Persister) SetCallback(cb Callback) { p.cb = cb }

// Start begins the drain loop on its own goroutine.
func (p *Persister) Start() error {
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	return nil
}

// Stop signals the loop to exit after its current iteration and waits for
// it to return. A callback already in flight is allowed to finish (spec.md
// §4.H "never interrupts mid-callback").
func (p *Persister) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Persister) loop(ctx context.Context) {
	p.logger.Info("starting persister loop")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("exiting persister loop")
			return
		default:
		}

		slot := p.db.ReadBuffer()
		if slot == nil {
			time.Sleep(p.idleSleep)
			continue
		}

		p.invoke(slot)
		p.db.ReleaseBuffer()
	}
}

// invoke calls the callback and recovers from a panic so a misbehaving
// user callback can't leave the slot unreleased or the loop dead (spec.md
// §7 "an exception thrown by the user callback must not corrupt buffer
// state").
func (p *Persister) invoke(slot *doublebuffer.Slot) {
	if p.cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("persister callback panicked", "error", r)
		}
	}()
	p.cb(slot)
}
