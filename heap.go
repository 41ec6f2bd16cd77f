package bussun

import (
	"github.com/pkg/errors"
)

// DefaultHeapSize is the room the stock system heap leaves for custom code
// and its zero-fill data.
const DefaultHeapSize = 81920

// DefaultHeapBase is where the default heap starts in guest memory.
const DefaultHeapBase = 0x80700000

// Allocator hands out zeroed guest memory.
type Allocator interface {
	Alloc(size uint32, align uint32) (*Region, error)
}

// Heap is a bump allocator over a fixed guest address range. Blocks are never
// freed; they live until the host shuts down.
type Heap struct {
	region *Region
	used   uint32
}

// NewHeap reserves size bytes of guest memory at base.
func NewHeap(base uint32, size uint32) *Heap {
	return &Heap{region: NewRegion("heap", base, size)}
}

// Region returns the memory backing the whole heap.
func (h *Heap) Region() *Region {
	return h.region
}

// Size is the capacity of the heap in bytes.
func (h *Heap) Size() uint32 {
	return h.region.Size()
}

// Free is the number of bytes not yet handed out. Alignment padding of the
// next allocation is not accounted for.
func (h *Heap) Free() uint32 {
	return h.region.Size() - h.used
}

// Alloc returns a zeroed block of size bytes whose guest address is a
// multiple of align. align must be a power of two.
func (h *Heap) Alloc(size uint32, align uint32) (*Region, error) {
	if align == 0 || align&(align-1) != 0 {
		return nil, errors.Errorf("alignment %d is not a power of two", align)
	}

	addr := uint64(h.region.base) + uint64(h.used)
	addr = (addr + uint64(align) - 1) &^ uint64(align-1)
	end := addr + uint64(size)
	if end > uint64(h.region.base)+uint64(h.region.Size()) {
		return nil, errors.Wrapf(ErrAllocationFailure, "%d bytes requested, %d free", size, h.Free())
	}

	off := uint32(addr) - h.region.base
	block := h.region.data[off : off+size : off+size]
	clear(block)
	h.used = off + size

	return NewRegionFrom("image", uint32(addr), block), nil
}
