// Package container implements the per-consumer typed reassembly buffer
// described in spec.md §3 "Container" and §4.D: a dense backing array keyed
// by a dynamically discovered tile-id map, filled packet by packet and
// handed to a per-tile callback on persist.
package container

import (
	"fmt"

	"github.com/tpmdaq/ingest/internal/pinned"
)

// Layout names the canonical dimension order a mode's container uses,
// purely documentary: callers compute byte offsets themselves, but
// the layout says what those dimensions mean (spec.md §4.D).
type Layout int

const (
	LayoutRawAntennaSamplePol Layout = iota
	LayoutTileChannelSampleAntennaPol
	LayoutTileBeamChannelSamplePol
	LayoutTilePolSampleChannel
	LayoutTileAntennaSamplePol
)

// Metadata accompanies a persisted tile's data in the dynamic callback
// signature (spec.md §6).
type Metadata struct {
	Tile        int
	Timestamp   float64
	PacketCount uint64
	SyncTime    int64
	Seq         uint64
	Extra       map[string]any
}

// Callback receives one tile's assembled buffer. Invoked once per tile that
// received data in the epoch being persisted, outside of any container
// lock.
type Callback func(data []byte, meta Metadata)

// Container is a dense backing array for one consumer, indexed by a
// dynamically built tile map. It is single-threaded: only the owning
// consumer goroutine touches it (spec.md §5 "Containers are
// single-threaded (consumer-only)").
type Container struct {
	layout       Layout
	bytesPerTile int
	maxTiles     int

	buf *pinned.Buffer

	tileIndex map[uint32]int
	nextSlot  int

	minTimestamp []float64
	packetCount  []uint64
	touched      []bool

	callback Callback
}

// New allocates a Container able to hold maxTiles tiles, each bytesPerTile
// bytes, in the given layout. The backing memory is page-locked and
// cache-aligned (spec.md §3).
func New(layout Layout, maxTiles, bytesPerTile int) (*Container, error) {
	buf, err := pinned.Allocate(maxTiles * bytesPerTile)
	if err != nil {
		return nil, fmt.Errorf("container: %w", err)
	}
	return &Container{
		layout:       layout,
		bytesPerTile: bytesPerTile,
		maxTiles:     maxTiles,
		buf:          buf,
		tileIndex:    make(map[uint32]int, maxTiles),
		minTimestamp: make([]float64, maxTiles),
		packetCount:  make([]uint64, maxTiles),
		touched:      make([]bool, maxTiles),
	}, nil
}

// SetCallback registers the function invoked once per tile on PersistContainer.
func (c *Container) SetCallback(cb Callback) { c.callback = cb }

// ErrTileMapFull is returned by tileSlot when a previously-unseen tile id
// arrives after the dense map has filled (spec.md §4.F "a consumer whose
// tile map is full rejects new tile ids with a warning").
var ErrTileMapFull = fmt.Errorf("container: tile map full")

// tileSlot resolves an external tile id to its dense slot, assigning a new
// slot on first sight.
func (c *Container) tileSlot(tileID uint32) (int, error) {
	if slot, ok := c.tileIndex[tileID]; ok {
		return slot, nil
	}
	if c.nextSlot >= c.maxTiles {
		return 0, ErrTileMapFull
	}
	slot := c.nextSlot
	c.tileIndex[tileID] = slot
	c.nextSlot++
	return slot, nil
}

// AddData resolves tileID to a dense slot, copies src into the tile's
// region at byte offset off, updates the tile's minimum timestamp and
// packet counter, and marks the tile touched for the next persist
// (spec.md §4.D).
func (c *Container) AddData(tileID uint32, off int, src []byte, timestamp float64) error {
	slot, err := c.tileSlot(tileID)
	if err != nil {
		return err
	}
	base := slot * c.bytesPerTile
	if off < 0 || off+len(src) > c.bytesPerTile {
		return fmt.Errorf("container: write [%d,%d) out of bounds for tile size %d", off, off+len(src), c.bytesPerTile)
	}
	dst := c.buf.Bytes()[base+off : base+off+len(src)]
	copy(dst, src)

	if !c.touched[slot] || timestamp < c.minTimestamp[slot] {
		c.minTimestamp[slot] = timestamp
	}
	c.touched[slot] = true
	c.packetCount[slot]++
	return nil
}

// ScatterWrite is one (offset, source) pair within a scattered packet's
// placement, for AddDataScatter.
type ScatterWrite struct {
	Off int
	Src []byte
}

// AddDataScatter resolves tileID to a dense slot and copies every write in
// writes into the tile's region, but counts the whole call as a single
// logical packet (spec.md §4.D "add_data(tile, start_indices, samples,
// src, …)" is one call per packet even when a packet scatters many
// antenna/sample/pol sub-writes across the tile's region). Use this
// instead of a per-sample loop of AddData whenever one packet fans out
// into more than one placement, so Metadata.PacketCount reflects packets
// received, not bytes or samples written.
func (c *Container) AddDataScatter(tileID uint32, writes []ScatterWrite, timestamp float64) error {
	slot, err := c.tileSlot(tileID)
	if err != nil {
		return err
	}
	base := slot * c.bytesPerTile
	buf := c.buf.Bytes()
	for _, w := range writes {
		if w.Off < 0 || w.Off+len(w.Src) > c.bytesPerTile {
			return fmt.Errorf("container: write [%d,%d) out of bounds for tile size %d", w.Off, w.Off+len(w.Src), c.bytesPerTile)
		}
		copy(buf[base+w.Off:base+w.Off+len(w.Src)], w.Src)
	}

	if !c.touched[slot] || timestamp < c.minTimestamp[slot] {
		c.minTimestamp[slot] = timestamp
	}
	c.touched[slot] = true
	c.packetCount[slot]++
	return nil
}

// TileRegion returns the byte region for a given dense tile slot, for
// callers that need direct access rather than AddData's copy semantics.
func (c *Container) TileRegion(tileID uint32) ([]byte, error) {
	slot, err := c.tileSlot(tileID)
	if err != nil {
		return nil, err
	}
	base := slot * c.bytesPerTile
	return c.buf.Bytes()[base : base+c.bytesPerTile], nil
}

// TileCount returns the number of distinct tiles seen since the container
// was created; Clear keeps the tile map, so this does not reset per epoch.
func (c *Container) TileCount() int { return c.nextSlot }

// PacketCount returns the number of packets absorbed for the dense tile
// slot assigned to tileID, or 0 if tileID has not been seen.
func (c *Container) PacketCount(tileID uint32) uint64 {
	slot, ok := c.tileIndex[tileID]
	if !ok {
		return 0
	}
	return c.packetCount[slot]
}

// PersistContainer invokes the callback once for every tile that received
// data since the last persist, then clears all per-tile state (spec.md
// §4.D "persist_container ... then clears"). seq is the caller's
// monotonic epoch number, carried through to Metadata.Seq so a downstream
// consumer can detect a skipped or overwritten epoch (spec.md §4.E).
func (c *Container) PersistContainer(syncTime int64, seq uint64) {
	if c.callback == nil {
		c.Clear()
		return
	}
	for tileID, slot := range c.tileIndex {
		if !c.touched[slot] {
			continue
		}
		base := slot * c.bytesPerTile
		c.callback(c.buf.Bytes()[base:base+c.bytesPerTile], Metadata{
			Tile:        int(tileID),
			Timestamp:   c.minTimestamp[slot],
			PacketCount: c.packetCount[slot],
			SyncTime:    syncTime,
			Seq:         seq,
		})
	}
	c.Clear()
}

// Clear resets touched/count/timestamp state for all tiles without
// reassigning the tile map (so the same external tile ids keep their dense
// slots across epochs) and zeroes the backing memory.
func (c *Container) Clear() {
	for i := range c.touched {
		c.touched[i] = false
		c.packetCount[i] = 0
		c.minTimestamp[i] = 0
	}
	b := c.buf.Bytes()
	for i := range b {
		b[i] = 0
	}
}

// Release frees the container's pinned backing memory. Call once at
// consumer cleanup.
func (c *Container) Release() error {
	return c.buf.Release()
}

// AnyTouched reports whether any tile has received data since the last
// clear, used by the modes' on_stream_end "flush if partially filled" rule
// and by the ring-pool modes' "persist the outgoing container if
// non-empty" check.
func (c *Container) AnyTouched() bool {
	for _, t := range c.touched {
		if t {
			return true
		}
	}
	return false
}
