package bussun

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ImageAlign is the alignment of the allocated image.
const ImageAlign = 32

// Loader reads a container, copies its code into freshly allocated memory and
// links it.
type Loader struct {
	cfg   *Config
	alloc Allocator
	host  []Mapping
}

// NewLoader builds a loader that allocates from alloc. A nil alloc gets a Heap
// at the config's HeapBase and HeapSize. host lists the memory outside the
// image that absolute commands may patch.
func NewLoader(cfg *Config, alloc Allocator, host ...Mapping) *Loader {
	cfg = cfg.withDefaults()
	if alloc == nil {
		alloc = NewHeap(cfg.HeapBase, cfg.HeapSize)
	}
	return &Loader{
		cfg:   cfg,
		alloc: alloc,
		host:  host,
	}
}

// Load validates the container in source, allocates and fills the image, and
// applies the command stream that follows the code. source is zeroed before
// Load returns, whatever the outcome after the header has been read.
func (l *Loader) Load(source []byte) (*Image, LinkStats, error) {
	logger := l.cfg.Logger

	h, err := ParseHeader(source)
	if err != nil {
		return nil, LinkStats{}, err
	}
	defer clear(source)

	if !h.Known {
		if l.cfg.Strict {
			return nil, LinkStats{}, errors.Wrapf(ErrUnsupportedVersion, "version %d", h.Version)
		}
		l.cfg.Reporter.Reportf("BUSSUN -- Unknown version %d, using version 1 layout\n", h.Version)
	}

	codeStart := uint64(h.CodeOffset())
	codeEnd := codeStart + uint64(h.CodeSize)
	if codeEnd > uint64(len(source)) {
		return nil, LinkStats{}, errors.Wrapf(ErrTruncatedInput, "code segment ends at %d, binary is %d bytes", codeEnd, len(source))
	}

	size, err := h.ImageSize()
	if err != nil {
		return nil, LinkStats{}, err
	}
	region, err := l.alloc.Alloc(size, ImageAlign)
	if err != nil {
		return nil, LinkStats{}, errors.Wrapf(err, "allocate %d bytes for custom code", size)
	}
	buf := region.Bytes()
	n := copy(buf, source[codeStart:codeEnd])
	clear(buf[n:])

	img := newImage(h, region)
	fields := []zap.Field{
		zap.String("addr", hex32(img.Base)),
		zap.Uint32("size", img.Size),
	}
	if heap, ok := l.alloc.(*Heap); ok {
		fields = append(fields, zap.Uint32("heap", heap.Size()))
	}
	logger.Info("Patch addr", fields...)

	mem := NewAddressSpace(append([]Mapping{region}, l.host...)...)
	stream := source[codeEnd:]
	stats, err := NewLinker(mem, l.cfg).Link(img.Base, stream)
	if err != nil {
		return nil, stats, err
	}

	logger.Debug("[LINK DEBUG] done",
		zap.Int("stream", len(stream)),
		zap.Int("applied", stats.Applied),
		zap.Int("skipped", stats.Skipped),
		zap.Int("unknown", stats.Unknown))
	return img, stats, nil
}

// Boot runs the whole start-up sequence for the binary at path: probe the
// header, read the file, load and link. A missing file is not an error and
// yields a nil image. Any other failure goes to the fatal sink before being
// returned.
func (l *Loader) Boot(path string) (*Image, error) {
	img, err := l.LoadFile(path)
	if err != nil {
		l.cfg.Reporter.Fatal(FatalMessage(err))
		return nil, err
	}
	return img, nil
}

// LoadFile is Boot without the fatal sink: errors are only returned, so a
// caller holding resources can release them first.
func (l *Loader) LoadFile(path string) (*Image, error) {
	logger := l.cfg.Logger

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no custom code", zap.String("path", path))
			return nil, nil
		}
		return nil, errors.Wrap(err, "can't create file handle")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrap(err, "stat binary")
	}
	size, err := ProbeSize(f, info.Size())
	if err != nil {
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}

	logger.Info("BUSSUN_INIT", zap.String("path", path), zap.Uint32("size", size))

	source := make([]byte, info.Size())
	if _, err := f.ReadAt(source, 0); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "read binary")
	}

	img, _, err := l.Load(source)
	return img, err
}
