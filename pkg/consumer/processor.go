package consumer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tpmdaq/ingest/internal/ring"
	"github.com/tpmdaq/ingest/internal/spead"
)

// defaultPullTimeout is the consumer loop's blocking wait before invoking
// OnStreamEnd (spec.md §4.F "the top-level loop calls pull_timeout(0.1…1 s)").
const defaultPullTimeout = 200 * time.Millisecond

// Processor drives one Mode's reassembly loop against its SPSC ring,
// generalizing the teacher's NodeProcessor (context + ticker background
// loop over a Node) to a context + ring.PullTimeout loop over a Mode.
type Processor struct {
	name  string
	mode  Mode
	ring  *ring.Ring
	clock time.Duration

	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	malformed uint64
	processed uint64
	mu        sync.Mutex
}

// NewProcessor creates a Processor for the named consumer, reading from r
// and dispatching decoded packets to mode.
func NewProcessor(name string, mode Mode, r *ring.Ring) *Processor {
	return &Processor{
		name:   name,
		mode:   mode,
		ring:   r,
		clock:  defaultPullTimeout,
		logger: slog.Default().With("service", "consumer", "name", name),
	}
}

// Ring returns the processor's ring, for the receiver to classify packets
// into.
func (p *Processor) Ring() *ring.Ring { return p.ring }

// Filter delegates to the mode.
func (p *Processor) Filter(items []spead.Item) bool { return p.mode.Filter(items) }

// Start begins the reassembly loop on its own goroutine.
func (p *Processor) Start() error {
	var ctx context.Context
	ctx, p.cancel = context.WithCancel(context.Background())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx)
	}()
	return nil
}

// Stop signals the loop to exit. It returns once the in-flight
// pull_timeout wakes up and observes cancellation (spec.md §5
// "Cancellation: stop(name) sets the consumer's stop flag; the consumer
// returns from pull_timeout within the timeout and exits").
func (p *Processor) Stop() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	return nil
}

// Cleanup releases the mode's resources. Call after Stop.
func (p *Processor) Cleanup() error {
	return p.mode.Cleanup()
}

func (p *Processor) loop(ctx context.Context) {
	p.logger.Info("starting reassembly loop")
	var items [spead.MaxItems]spead.Item
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("exiting reassembly loop")
			return
		default:
		}

		slot, ok := p.ring.PullTimeout(p.clock)
		if !ok {
			p.mode.OnStreamEnd()
			continue
		}

		n, payload, valid := spead.ParseInto(slot.Bytes(), items[:])
		if !valid {
			p.ring.ReleaseRead()
			p.incrMalformed()
			continue
		}
		arrival := time.Now().UnixNano()
		err := p.mode.ProcessOne(items[:n], payload, arrival)
		p.ring.ReleaseRead()
		if err != nil {
			p.incrMalformed()
			p.logger.Warn("dropping packet", "error", err)
			continue
		}
		p.incrProcessed()
	}
}

func (p *Processor) incrMalformed() {
	p.mu.Lock()
	p.malformed++
	p.mu.Unlock()
}

func (p *Processor) incrProcessed() {
	p.mu.Lock()
	p.processed++
	p.mu.Unlock()
}

// Malformed returns the count of packets dropped for failing to parse or
// for mode-level rejection (spec.md §7 diagnostic counters).
func (p *Processor) Malformed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.malformed
}

// Processed returns the count of packets successfully absorbed.
func (p *Processor) Processed() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed
}
