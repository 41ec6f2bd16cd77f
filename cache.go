package bussun

import (
	"fmt"
)

// CacheLineSize is the data and instruction cache line size of the target.
const CacheLineSize = 32

// CacheSynchronizer makes patched code visible to instruction fetch.
type CacheSynchronizer interface {
	// FlushDataLine writes the data cache line holding addr back to memory.
	FlushDataLine(addr uint32)
	// Barrier waits for outstanding memory accesses to complete.
	Barrier()
	// InvalidateInstructionLine drops the instruction cache line holding addr.
	InvalidateInstructionLine(addr uint32)
	// InstructionSync discards any prefetched instructions.
	InstructionSync()
}

// SyncAddress runs the per-write sequence: flush, barrier, invalidate.
func SyncAddress(c CacheSynchronizer, addr uint32) {
	c.FlushDataLine(addr)
	c.Barrier()
	c.InvalidateInstructionLine(addr)
}

// NopCache is used when the patched memory has no caches to maintain, such
// as an emulator's guest RAM written from outside.
type NopCache struct{}

func (NopCache) FlushDataLine(uint32)             {}
func (NopCache) Barrier()                         {}
func (NopCache) InvalidateInstructionLine(uint32) {}
func (NopCache) InstructionSync()                 {}

// CacheOpKind names a cache operation.
type CacheOpKind int

const (
	OpFlushData CacheOpKind = iota
	OpBarrier
	OpInvalidateInstruction
	OpInstructionSync
)

func (k CacheOpKind) String() string {
	switch k {
	case OpFlushData:
		return "dcbst"
	case OpBarrier:
		return "sync"
	case OpInvalidateInstruction:
		return "icbi"
	case OpInstructionSync:
		return "isync"
	}
	return fmt.Sprintf("cacheop(%d)", int(k))
}

// CacheOp is one recorded operation. Line is the line-aligned address, zero
// for barriers.
type CacheOp struct {
	Kind CacheOpKind
	Line uint32
}

func (op CacheOp) String() string {
	if op.Kind == OpBarrier || op.Kind == OpInstructionSync {
		return op.Kind.String()
	}
	return fmt.Sprintf("%s %#08x", op.Kind, op.Line)
}

// RecordingCache keeps every operation in order. It also tracks which
// instruction lines are stale: written by a flush but not yet invalidated.
// The zero value is ready to use.
type RecordingCache struct {
	Ops   []CacheOp
	stale map[uint32]bool
}

func NewRecordingCache() *RecordingCache {
	return &RecordingCache{stale: make(map[uint32]bool)}
}

func lineOf(addr uint32) uint32 {
	return addr &^ (CacheLineSize - 1)
}

func (c *RecordingCache) FlushDataLine(addr uint32) {
	c.Ops = append(c.Ops, CacheOp{Kind: OpFlushData, Line: lineOf(addr)})
	if c.stale == nil {
		c.stale = make(map[uint32]bool)
	}
	c.stale[lineOf(addr)] = true
}

func (c *RecordingCache) Barrier() {
	c.Ops = append(c.Ops, CacheOp{Kind: OpBarrier})
}

func (c *RecordingCache) InvalidateInstructionLine(addr uint32) {
	c.Ops = append(c.Ops, CacheOp{Kind: OpInvalidateInstruction, Line: lineOf(addr)})
	delete(c.stale, lineOf(addr))
}

func (c *RecordingCache) InstructionSync() {
	c.Ops = append(c.Ops, CacheOp{Kind: OpInstructionSync})
}

// Stale reports whether the line holding addr was flushed but never
// invalidated.
func (c *RecordingCache) Stale(addr uint32) bool {
	return c.stale[lineOf(addr)]
}

// Count returns how many operations of kind k were recorded.
func (c *RecordingCache) Count(k CacheOpKind) int {
	n := 0
	for _, op := range c.Ops {
		if op.Kind == k {
			n++
		}
	}
	return n
}
