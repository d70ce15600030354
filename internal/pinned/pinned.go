// Package pinned provides the page-locked, cache-aligned backing storage
// containers and double buffers allocate (spec.md §3 "cache-aligned and
// page-locked backing", §5 "memory for reassembly is page-locked (mlock)
// and cache-aligned", §9 "manual mlock / cache alignment abstracted as a
// pinned aligned buffer capability").
//
// Grounded on the teacher's socketcanv2/socketcanv3 backends, the only
// places in the teacher reaching past net/syscall into raw golang.org/x/sys/unix
// calls for kernel-level control the standard library doesn't expose; here
// the same escape hatch locks memory instead of opening a CAN socket.
package pinned

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const cacheLineSize = 64

// Policy selects who owns the backing memory of a Buffer.
type Policy int

const (
	// PolicyOwned allocates and mlocks a fresh, cache-aligned slice.
	PolicyOwned Policy = iota
	// PolicyExternal wraps memory the caller already allocated and owns
	// (e.g. write-combined pinned host memory supplied by the GPU
	// correlator path, per spec.md §9); this package never frees or
	// mlocks it.
	PolicyExternal
)

// Buffer is a page-locked, cache-line-aligned byte region.
type Buffer struct {
	policy Policy
	raw    []byte
	data   []byte
	locked bool
}

// Allocate creates an owned Buffer of at least size bytes, aligned to a
// cache line boundary and locked into physical memory with mlock so the
// ingest hot path never pages fault.
func Allocate(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pinned: size must be positive, got %d", size)
	}
	raw := make([]byte, size+cacheLineSize)
	off := cacheAlignOffset(raw)
	data := raw[off : off+size]

	if err := unix.Mlock(data); err != nil {
		return nil, fmt.Errorf("pinned: mlock failed: %w", err)
	}
	return &Buffer{policy: PolicyOwned, raw: raw, data: data, locked: true}, nil
}

// Wrap adopts externally-owned memory (e.g. GPU pinned host memory) without
// allocating or mlocking it; the caller retains ownership and is
// responsible for its lifetime.
func Wrap(data []byte) *Buffer {
	return &Buffer{policy: PolicyExternal, data: data}
}

// Bytes returns the usable, cache-aligned region.
func (b *Buffer) Bytes() []byte { return b.data }

// Policy reports how this Buffer's memory is owned.
func (b *Buffer) Policy() Policy { return b.policy }

// Release unlocks owned memory. It is a no-op for externally-owned buffers.
func (b *Buffer) Release() error {
	if b.policy != PolicyOwned || !b.locked {
		return nil
	}
	b.locked = false
	return unix.Munlock(b.data)
}

func cacheAlignOffset(raw []byte) int {
	if len(raw) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(&raw[0]))
	rem := int(addr % cacheLineSize)
	if rem == 0 {
		return 0
	}
	return cacheLineSize - rem
}
