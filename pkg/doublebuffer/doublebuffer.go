// Package doublebuffer implements the generational, lock-protected N-slot
// handoff between a consumer's reassembly loop and its persister thread
// (spec.md §3 "Double-buffer slot", §4.E).
package doublebuffer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/tpmdaq/ingest/internal/pinned"
)

// State is a double-buffer slot's lifecycle stage.
type State int

const (
	StateEmpty State = iota
	StateProducing
	StateReady
	StateConsuming
)

// Slot is one generational handoff unit (spec.md §3 "Double-buffer slot").
type Slot struct {
	mu sync.Mutex

	state State
	id    xid.ID

	buf  *pinned.Buffer
	used int

	epochBase         uint64
	refTime           float64
	seq               uint64
	channelOrSample   int
	packets           uint64
	samplesPerChannel uint64
}

// SetChannelOrSample records the logical channel or sample index this slot
// represents (spec.md §3 "logical channel or sample index"), set by the
// consumer that owns the double buffer. Station beam does not call it, so
// its slots report 0. Must be called while the slot is in StateProducing.
func (s *Slot) SetChannelOrSample(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelOrSample = v
}

// ChannelOrSample returns the value set by SetChannelOrSample.
func (s *Slot) ChannelOrSample() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelOrSample
}

// SetSamplesPerChannel records the samples-per-channel counter
// (spec.md §3 "counters (packets, samples-per-channel)").
func (s *Slot) SetSamplesPerChannel(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samplesPerChannel = v
}

// SamplesPerChannel returns the value set by SetSamplesPerChannel.
func (s *Slot) SamplesPerChannel() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samplesPerChannel
}

// Data returns the written portion of the slot's backing buffer. Must be
// called only while holding a reference returned by ReadBuffer (i.e. while
// the slot is StateReady/StateConsuming).
func (s *Slot) Data() []byte { return s.buf.Bytes()[:s.used] }

// RefTime returns the slot's minimum absorbed timestamp.
func (s *Slot) RefTime() float64 { return s.refTime }

// Seq returns the slot's monotonic generational sequence number.
func (s *Slot) Seq() uint64 { return s.seq }

// Packets returns the number of packets absorbed into this slot.
func (s *Slot) Packets() uint64 { return s.packets }

// ID returns the slot's short correlation id for structured logs
// (SPEC_FULL.md §2 "github.com/rs/xid").
func (s *Slot) ID() xid.ID { return s.id }

// DoubleBuffer is an N-slot ring (N a power of two) used to hand reassembled
// epochs from a consumer's reassembly loop to its persister thread.
type DoubleBuffer struct {
	slots []*Slot
	mask  uint64

	epochSize uint64

	producerIdx uint64
	consumerIdx uint64
	nextSeq     uint64

	lostPushes uint64

	overwriteWait time.Duration
	logger        *slog.Logger

	mu sync.Mutex
}

// Option configures a DoubleBuffer at construction.
type Option func(*DoubleBuffer)

// WithOverwriteWait overrides the bounded wait (spec.md §4.E step 3,
// "wait up to a bounded duration (≈10 ms)") before a producer overwrites a
// still-ready slot.
func WithOverwriteWait(d time.Duration) Option {
	return func(db *DoubleBuffer) { db.overwriteWait = d }
}

// WithLogger overrides the logger used for lost-push warnings.
func WithLogger(l *slog.Logger) Option {
	return func(db *DoubleBuffer) { db.logger = l }
}

// New creates a DoubleBuffer with nSlots slots (power of two), each able to
// hold slotSize bytes, handing off an epoch every epochSize units of the
// caller's key space (packet counter, sample index, etc).
func New(nSlots, slotSize int, epochSize uint64, opts ...Option) (*DoubleBuffer, error) {
	if nSlots <= 0 || nSlots&(nSlots-1) != 0 {
		return nil, fmt.Errorf("doublebuffer: nSlots must be a power of two, got %d", nSlots)
	}
	db := &DoubleBuffer{
		slots:         make([]*Slot, nSlots),
		mask:          uint64(nSlots - 1),
		epochSize:     epochSize,
		overwriteWait: 10 * time.Millisecond,
		logger:        slog.Default().With("component", "doublebuffer"),
	}
	for i := range db.slots {
		buf, err := pinned.Allocate(slotSize)
		if err != nil {
			return nil, fmt.Errorf("doublebuffer: slot %d: %w", i, err)
		}
		db.slots[i] = &Slot{buf: buf, id: xid.New()}
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// AdoptExternal replaces slot i's backing buffer with externally-owned
// memory (spec.md §3 "optionally externally-owned pinned memory for the
// GPU path", §9 "GPU-fed double buffer takes an externally-provided
// allocation policy"). Must be called before any WriteData.
func (db *DoubleBuffer) AdoptExternal(i int, data []byte) error {
	if i < 0 || i >= len(db.slots) {
		return fmt.Errorf("doublebuffer: slot index %d out of range", i)
	}
	slot := db.slots[i]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if err := slot.buf.Release(); err != nil {
		return err
	}
	slot.buf = pinned.Wrap(data)
	return nil
}

// WriteData writes src at byte offset off into the slot for the epoch
// containing key, handling epoch advancement and late-packet placement
// per spec.md §4.E:
//  1. If the producer slot is empty, it becomes the new epoch's base.
//  2. A key older than epochBase but within the previous epoch goes to the
//     previous slot; older still is dropped.
//  3. A key that crosses epochSize advances the epoch: the slot two behind
//     is finalised ready, the producer pointer advances, and a bounded
//     wait (then overwrite, logged, lost-push counted) protects against a
//     slow consumer.
func (db *DoubleBuffer) WriteData(key uint64, off int, src []byte, refTime float64) error {
	db.mu.Lock()
	producerIdx := db.producerIdx
	producer := db.slots[producerIdx&db.mask]
	db.mu.Unlock()

	producer.mu.Lock()
	if producer.state == StateEmpty {
		producer.state = StateProducing
		producer.epochBase = key - key%db.epochSize
	}
	epochBase := producer.epochBase
	producer.mu.Unlock()

	if key < epochBase {
		return db.writeLate(producerIdx, key, epochBase, off, src, refTime)
	}

	if key-epochBase >= db.epochSize {
		if err := db.advanceEpoch(producerIdx, key); err != nil {
			return err
		}
		db.mu.Lock()
		producerIdx = db.producerIdx
		producer = db.slots[producerIdx&db.mask]
		db.mu.Unlock()
		producer.mu.Lock()
		producer.epochBase = key - key%db.epochSize
		producer.mu.Unlock()
	}

	return db.writeInto(producer, off, src, refTime)
}

func (db *DoubleBuffer) writeLate(producerIdx, key, epochBase uint64, off int, src []byte, refTime float64) error {
	if producerIdx == 0 {
		return nil // nothing "previous" exists yet; drop silently
	}
	prev := db.slots[(producerIdx-1)&db.mask]
	prev.mu.Lock()
	prevBase := prev.epochBase
	prev.mu.Unlock()
	if key < prevBase {
		return nil // past the previous epoch's base: dropped silently
	}
	return db.writeInto(prev, off, src, refTime)
}

func (db *DoubleBuffer) writeInto(slot *Slot, off int, src []byte, refTime float64) error {
	slot.mu.Lock()
	defer slot.mu.Unlock()
	data := slot.buf.Bytes()
	if off < 0 || off+len(src) > len(data) {
		return fmt.Errorf("doublebuffer: write [%d,%d) out of bounds for slot size %d", off, off+len(src), len(data))
	}
	copy(data[off:off+len(src)], src)
	if off+len(src) > slot.used {
		slot.used = off + len(src)
	}
	if slot.packets == 0 || refTime < slot.refTime {
		slot.refTime = refTime
	}
	slot.packets++
	return nil
}

// advanceEpoch finalises the slot two-behind the new producer pointer
// (spec.md §4.E step 3): with producerIdx currently producing and
// producerIdx-1 held as the "previous" slot for late packets, advancing to
// producerIdx+1 makes the old producerIdx the new "previous" slot, so the
// slot that falls out of reach is producerIdx-1.
func (db *DoubleBuffer) advanceEpoch(producerIdx, newKeyHint uint64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if producerIdx >= 1 {
		finalize := db.slots[(producerIdx-1)&db.mask]
		finalize.mu.Lock()
		if finalize.state == StateProducing {
			finalize.state = StateReady
			db.nextSeq++
			finalize.seq = db.nextSeq
		}
		finalize.mu.Unlock()
	}

	nextIdx := producerIdx + 1
	next := db.slots[nextIdx&db.mask]

	deadline := time.Now().Add(db.overwriteWait)
	for {
		next.mu.Lock()
		state := next.state
		if state != StateReady {
			next.state = StateProducing
			next.used = 0
			next.packets = 0
			next.mu.Unlock()
			break
		}
		next.mu.Unlock()
		if time.Now().After(deadline) {
			db.lostPushes++
			db.logger.Warn("overwriting unread slot", "seq", next.seq)
			next.mu.Lock()
			next.state = StateProducing
			next.used = 0
			next.packets = 0
			next.mu.Unlock()
			break
		}
		time.Sleep(time.Millisecond)
	}

	db.producerIdx = nextIdx
	return nil
}

// ReadBuffer returns the oldest ready slot, or nil if none is ready yet
// (the caller should sleep briefly and retry, per spec.md §4.E).
func (db *DoubleBuffer) ReadBuffer() *Slot {
	db.mu.Lock()
	consumerIdx := db.consumerIdx
	db.mu.Unlock()

	slot := db.slots[consumerIdx&db.mask]
	slot.mu.Lock()
	defer slot.mu.Unlock()
	if slot.state != StateReady {
		return nil
	}
	slot.state = StateConsuming
	return slot
}

// ReleaseBuffer clears the current consumer slot and advances the consumer
// pointer. Must be called exactly once per non-nil ReadBuffer result.
func (db *DoubleBuffer) ReleaseBuffer() {
	db.mu.Lock()
	consumerIdx := db.consumerIdx
	db.consumerIdx++
	db.mu.Unlock()

	slot := db.slots[consumerIdx&db.mask]
	slot.mu.Lock()
	slot.state = StateEmpty
	slot.used = 0
	slot.packets = 0
	slot.mu.Unlock()
}

// LostPushes returns the number of times a producer overwrote a still-ready
// slot after the bounded wait expired (spec.md §7 diagnostic counters).
func (db *DoubleBuffer) LostPushes() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.lostPushes
}

// Release frees every slot's backing memory.
func (db *DoubleBuffer) Release() error {
	for _, s := range db.slots {
		if err := s.buf.Release(); err != nil {
			return err
		}
	}
	return nil
}
