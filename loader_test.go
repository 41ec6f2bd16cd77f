package bussun

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(strict bool, heapSize uint32, host ...Mapping) (*Loader, *countingAllocator, *testReporter) {
	reporter := &testReporter{}
	cfg := NewConfig()
	cfg.Strict = strict
	cfg.Reporter = reporter
	alloc := &countingAllocator{Allocator: NewHeap(testImageBase, heapSize)}
	return NewLoader(cfg, alloc, host...), alloc, reporter
}

func TestLoadEndToEnd(t *testing.T) {
	loader, _, _ := newTestLoader(false, 0x1000)
	source := container(Header{Version: 1, CodeSize: 32, DataSize: 16}, make([]byte, 32),
		Command{Op: OpWrite8, Offset: 0, Value: 0x4E},
	)

	img, stats, err := loader.Load(source)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Applied)
	assert.Equal(t, uint32(testImageBase), img.Base)
	assert.Equal(t, uint32(64), img.Size)
	require.Len(t, img.Bytes(), 64)
	assert.Equal(t, uint8(0x4E), img.Bytes()[0])
	assert.Equal(t, make([]byte, 16), img.Bytes()[32:48])
}

func TestLoadCopiesCodeAndZeroesData(t *testing.T) {
	loader, _, _ := newTestLoader(false, 0x1000)
	code := make([]byte, 40)
	for i := range code {
		code[i] = byte(i + 1)
	}
	img, _, err := loader.Load(container(Header{Version: 1, CodeSize: 40, DataSize: 20}, code))
	require.NoError(t, err)

	assert.Equal(t, uint32(64+32), img.Size)
	assert.Equal(t, code, img.Code())
	assert.Equal(t, make([]byte, 96-40), img.Data())
}

func TestLoadClearsSource(t *testing.T) {
	loader, _, _ := newTestLoader(false, 0x1000)
	source := container(Header{Version: 1, CodeSize: 4}, []byte{1, 2, 3, 4},
		Command{Op: OpWrite32, Offset: 0, Value: 0x60000000},
	)
	_, _, err := loader.Load(source)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, len(source)), source)
}

func TestLoadVersion2SkipsExtraBlock(t *testing.T) {
	loader, _, _ := newTestLoader(false, 0x1000)
	code := []byte{0x4E, 0x80, 0x00, 0x20}
	img, _, err := loader.Load(container(Header{Version: 2, CodeSize: 4}, code,
		Command{Op: OpWrite8, Offset: 4, Value: 0x01},
	))
	require.NoError(t, err)
	assert.Equal(t, code, img.Code())
	assert.Equal(t, uint8(0x01), img.Bytes()[4])
}

func TestLoadBadMagicDoesNotAllocate(t *testing.T) {
	loader, alloc, _ := newTestLoader(false, 0x1000)
	source := container(Header{Version: 1, CodeSize: 4}, make([]byte, 4))
	source[3] = 'x'

	_, _, err := loader.Load(source)
	assert.Equal(t, ErrBadMagic, errors.Cause(err))
	assert.Equal(t, 0, alloc.calls)
}

func TestLoadTruncatedCode(t *testing.T) {
	loader, alloc, _ := newTestLoader(false, 0x1000)
	source := container(Header{Version: 1, CodeSize: 64}, make([]byte, 10))

	_, _, err := loader.Load(source)
	assert.Equal(t, ErrTruncatedInput, errors.Cause(err))
	assert.Equal(t, 0, alloc.calls)
}

func TestLoadAllocationFailure(t *testing.T) {
	loader, _, _ := newTestLoader(false, 0x40)
	_, _, err := loader.Load(container(Header{Version: 1, CodeSize: 64, DataSize: 1}, make([]byte, 64)))
	assert.Equal(t, ErrAllocationFailure, errors.Cause(err))
}

func TestLoadUnknownVersion(t *testing.T) {
	source := func() []byte {
		return container(Header{Version: 9, CodeSize: 4}, []byte{9, 9, 9, 9})
	}

	loader, _, reporter := newTestLoader(false, 0x1000)
	img, _, err := loader.Load(source())
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9}, img.Code())
	require.Len(t, reporter.reports, 1)
	assert.Contains(t, reporter.reports[0], "Unknown version 9")

	strict, alloc, _ := newTestLoader(true, 0x1000)
	_, _, err = strict.Load(source())
	assert.Equal(t, ErrUnsupportedVersion, errors.Cause(err))
	assert.Equal(t, 0, alloc.calls)
}

func TestLoadPatchesHostMemory(t *testing.T) {
	ram := NewRegion("ram", testRAMBase, 0x100)
	loader, _, _ := newTestLoader(false, 0x1000, ram)
	endian.PutUint32(ram.Bytes()[0x40:], 0x7C0802A6)

	img, _, err := loader.Load(container(Header{Version: 1, CodeSize: 8}, make([]byte, 8),
		Command{Op: OpBranch, Absolute: true, Offset: 0x80000040, Value: 0x4},
	))
	require.NoError(t, err)

	delta := img.Base + 4 - 0x80000040
	assert.Equal(t, uint32(branchInsn)|delta&rel24Mask, endian.Uint32(ram.Bytes()[0x40:]))
}

func TestLoadMalformedStream(t *testing.T) {
	loader, _, _ := newTestLoader(false, 0x1000)
	source := container(Header{Version: 1, CodeSize: 4}, make([]byte, 4))
	source = append(source, 32, 0, 0)

	_, _, err := loader.Load(source)
	assert.Equal(t, ErrMalformedCommandStream, errors.Cause(err))
}

func TestBoot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CustomCode.bin")
	source := container(Header{Version: 1, CodeSize: 8, DataSize: 8, CtorStart: 4, CtorEnd: 8}, make([]byte, 8),
		Command{Op: OpAddr32, Offset: 4, Value: 0x0},
	)
	require.NoError(t, os.WriteFile(path, source, 0o644))

	loader, _, reporter := newTestLoader(false, 0x1000)
	img, err := loader.Boot(path)
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.Empty(t, reporter.fatals)

	ctors, err := img.Ctors()
	require.NoError(t, err)
	assert.Equal(t, []uint32{img.Base}, ctors)
}

func TestBootMissingFile(t *testing.T) {
	loader, alloc, reporter := newTestLoader(false, 0x1000)
	img, err := loader.Boot(filepath.Join(t.TempDir(), "nope.bin"))
	assert.NoError(t, err)
	assert.Nil(t, img)
	assert.Empty(t, reporter.fatals)
	assert.Equal(t, 0, alloc.calls)
}

func TestBootReportsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CustomCode.bin")
	require.NoError(t, os.WriteFile(path, []byte("Kamek"), 0o644))

	loader, _, reporter := newTestLoader(false, 0x1000)
	_, err := loader.Boot(path)
	assert.Equal(t, ErrTruncatedInput, errors.Cause(err))
	assert.Equal(t, []string{"BSN_ERR\n\nBinary too small\n"}, reporter.fatals)
}

func TestLoadImageSizeOverflow(t *testing.T) {
	loader, alloc, reporter := newTestLoader(false, 0x1000)
	img, _, err := loader.Load(container(Header{Version: 1, CodeSize: 8, DataSize: 0xFFFFFFE0}, make([]byte, 8)))
	assert.Equal(t, ErrAllocationFailure, errors.Cause(err))
	assert.Nil(t, img)
	assert.Zero(t, alloc.calls)
	assert.Empty(t, reporter.reports)
}

func TestBootImageSizeOverflow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CustomCode.bin")
	source := container(Header{Version: 1, CodeSize: 8, DataSize: 0xFFFFFFE0}, make([]byte, 8))
	require.NoError(t, os.WriteFile(path, source, 0o644))

	loader, alloc, reporter := newTestLoader(false, 0x1000)
	img, err := loader.Boot(path)
	assert.Equal(t, ErrAllocationFailure, errors.Cause(err))
	assert.Nil(t, img)
	assert.Zero(t, alloc.calls)
	assert.Equal(t, []string{"BSN_ERR\n\nOut of memory\n"}, reporter.fatals)
}

func TestLoadFileDoesNotReportFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "CustomCode.bin")
	require.NoError(t, os.WriteFile(path, []byte("Kamek"), 0o644))

	loader, _, reporter := newTestLoader(false, 0x1000)
	_, err := loader.LoadFile(path)
	assert.Equal(t, ErrTruncatedInput, errors.Cause(err))
	assert.Empty(t, reporter.fatals)
}

func TestNewLoaderDefaultHeap(t *testing.T) {
	cfg := NewConfig()
	cfg.HeapBase = 0x80600000
	cfg.HeapSize = 0x40
	loader := NewLoader(cfg, nil)

	img, _, err := loader.Load(container(Header{Version: 1, CodeSize: 32, DataSize: 32}, make([]byte, 32)))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x80600000), img.Base)

	_, _, err = loader.Load(container(Header{Version: 1, CodeSize: 4}, make([]byte, 4)))
	assert.Equal(t, ErrAllocationFailure, errors.Cause(err))
}

func TestLoadThroughOverlay(t *testing.T) {
	ram := NewRegion("ram", testRAMBase, 0x100)
	hook := Command{Op: OpBranch, Absolute: true, Offset: testRAMBase + 0x40, Value: 0}

	overlay, err := NewOverlay(ram)
	require.NoError(t, err)
	loader, _, _ := newTestLoader(false, 0x1000, overlay)
	bad := container(Header{Version: 1, CodeSize: 4}, make([]byte, 4), hook)
	bad = append(bad, byte(OpWrite32), 0, 0)
	_, _, err = loader.Load(bad)
	assert.Equal(t, ErrMalformedCommandStream, errors.Cause(err))
	assert.NotEqual(t, make([]byte, 4), overlay.Bytes()[0x40:0x44])
	assert.Equal(t, make([]byte, 0x100), ram.Bytes())

	overlay, err = NewOverlay(ram)
	require.NoError(t, err)
	loader, _, _ = newTestLoader(false, 0x1000, overlay)
	img, _, err := loader.Load(container(Header{Version: 1, CodeSize: 4}, make([]byte, 4), hook))
	require.NoError(t, err)
	n, err := overlay.Commit()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	word := endian.Uint32(ram.Bytes()[0x40:])
	assert.Equal(t, SpliceRel24(0x48000000, testRAMBase+0x40, img.Base), word)
}
