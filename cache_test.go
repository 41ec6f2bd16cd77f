package bussun

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSyncAddress(t *testing.T) {
	c := NewRecordingCache()
	SyncAddress(c, 0x8070003F)

	assert.Equal(t, []CacheOp{
		{Kind: OpFlushData, Line: 0x80700020},
		{Kind: OpBarrier},
		{Kind: OpInvalidateInstruction, Line: 0x80700020},
	}, c.Ops)
	assert.False(t, c.Stale(0x80700020))
}

func TestRecordingCacheStale(t *testing.T) {
	c := NewRecordingCache()
	c.FlushDataLine(0x80700004)
	assert.True(t, c.Stale(0x8070001F))
	assert.False(t, c.Stale(0x80700020))

	c.InvalidateInstructionLine(0x80700000)
	assert.False(t, c.Stale(0x80700004))
}

func TestRecordingCacheZeroValue(t *testing.T) {
	var c RecordingCache
	assert.False(t, c.Stale(0x80700000))
	assert.NotPanics(t, func() { SyncAddress(&c, 0x80700010) })
	assert.Equal(t, 1, c.Count(OpFlushData))
	assert.False(t, c.Stale(0x80700010))

	c.FlushDataLine(0x80700040)
	assert.True(t, c.Stale(0x80700040))
}

func TestCacheOpString(t *testing.T) {
	assert.Equal(t, "dcbst 0x80700020", CacheOp{Kind: OpFlushData, Line: 0x80700020}.String())
	assert.Equal(t, "isync", CacheOp{Kind: OpInstructionSync}.String())
}
