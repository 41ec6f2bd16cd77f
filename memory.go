package bussun

import (
	"bytes"

	"github.com/pkg/errors"
)

// Mapping is a range of guest memory the linker can patch.
type Mapping interface {
	Name() string
	Base() uint32
	Size() uint32
	// ReadAt fills p from guest address addr. The whole range lies inside the
	// mapping.
	ReadAt(p []byte, addr uint32) error
	// WriteAt stores p at guest address addr. The whole range lies inside the
	// mapping.
	WriteAt(p []byte, addr uint32) error
}

// Region is guest memory backed by a local byte slice.
type Region struct {
	name string
	base uint32
	data []byte
}

// NewRegion creates a zeroed region of size bytes starting at base.
func NewRegion(name string, base uint32, size uint32) *Region {
	return &Region{name: name, base: base, data: make([]byte, size)}
}

// NewRegionFrom wraps data as a region starting at base. The slice is used
// directly, not copied.
func NewRegionFrom(name string, base uint32, data []byte) *Region {
	return &Region{name: name, base: base, data: data}
}

func (r *Region) Name() string { return r.name }
func (r *Region) Base() uint32 { return r.base }
func (r *Region) Size() uint32 { return uint32(len(r.data)) }

// Bytes returns the backing slice.
func (r *Region) Bytes() []byte { return r.data }

func (r *Region) ReadAt(p []byte, addr uint32) error {
	off := addr - r.base
	copy(p, r.data[off:off+uint32(len(p))])
	return nil
}

func (r *Region) WriteAt(p []byte, addr uint32) error {
	off := addr - r.base
	copy(r.data[off:off+uint32(len(p))], p)
	return nil
}

// contains is true when [addr, addr+n) lies inside m.
func contains(m Mapping, addr uint32, n uint32) bool {
	start := uint64(m.Base())
	end := start + uint64(m.Size())
	return uint64(addr) >= start && uint64(addr)+uint64(n) <= end
}

// Overlay stages writes to another mapping in a local copy of it. The target
// is read once up front and only touched again by Commit, so a link that fails
// half way leaves it as it was.
type Overlay struct {
	*Region
	target   Mapping
	original []byte
}

// NewOverlay snapshots the whole of m.
func NewOverlay(m Mapping) (*Overlay, error) {
	data := make([]byte, m.Size())
	if err := m.ReadAt(data, m.Base()); err != nil {
		return nil, errors.Wrapf(err, "snapshot %s", m.Name())
	}
	return &Overlay{
		Region:   NewRegionFrom(m.Name(), m.Base(), data),
		target:   m,
		original: bytes.Clone(data),
	}, nil
}

// Commit writes every run of bytes that differs from the snapshot back to the
// target and returns how many bytes it wrote. Unchanged bytes are never
// written.
func (o *Overlay) Commit() (int, error) {
	data := o.Region.data
	written := 0
	for i := 0; i < len(data); {
		if data[i] == o.original[i] {
			i++
			continue
		}
		j := i
		for j < len(data) && data[j] != o.original[j] {
			j++
		}
		addr := o.base + uint32(i)
		if err := o.target.WriteAt(data[i:j], addr); err != nil {
			return written, errors.Wrapf(err, "commit %d bytes at %#08x to %s", j-i, addr, o.target.Name())
		}
		copy(o.original[i:j], data[i:j])
		written += j - i
		i = j
	}
	return written, nil
}

// AddressSpace routes guest addresses to the first mapping that holds the
// whole access. All multi-byte values are big-endian.
type AddressSpace struct {
	mappings []Mapping
}

func NewAddressSpace(mappings ...Mapping) *AddressSpace {
	return &AddressSpace{mappings: mappings}
}

// Map appends a mapping. Mappings added earlier take precedence on overlap.
func (as *AddressSpace) Map(m Mapping) {
	as.mappings = append(as.mappings, m)
}

func (as *AddressSpace) lookup(addr uint32, n uint32) (Mapping, error) {
	for _, m := range as.mappings {
		if contains(m, addr, n) {
			return m, nil
		}
	}
	return nil, errors.Wrapf(ErrUnmappedAddress, "%d bytes at %#08x", n, addr)
}

func (as *AddressSpace) read(addr uint32, p []byte) error {
	m, err := as.lookup(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	return errors.Wrapf(m.ReadAt(p, addr), "read %s at %#08x", m.Name(), addr)
}

func (as *AddressSpace) write(addr uint32, p []byte) error {
	m, err := as.lookup(addr, uint32(len(p)))
	if err != nil {
		return err
	}
	return errors.Wrapf(m.WriteAt(p, addr), "write %s at %#08x", m.Name(), addr)
}

func (as *AddressSpace) Read8(addr uint32) (uint8, error) {
	var b [1]byte
	err := as.read(addr, b[:])
	return b[0], err
}

func (as *AddressSpace) Read16(addr uint32) (uint16, error) {
	var b [2]byte
	err := as.read(addr, b[:])
	return endian.Uint16(b[:]), err
}

func (as *AddressSpace) Read32(addr uint32) (uint32, error) {
	var b [4]byte
	err := as.read(addr, b[:])
	return endian.Uint32(b[:]), err
}

func (as *AddressSpace) Write8(addr uint32, v uint8) error {
	return as.write(addr, []byte{v})
}

func (as *AddressSpace) Write16(addr uint32, v uint16) error {
	var b [2]byte
	endian.PutUint16(b[:], v)
	return as.write(addr, b[:])
}

func (as *AddressSpace) Write32(addr uint32, v uint32) error {
	var b [4]byte
	endian.PutUint32(b[:], v)
	return as.write(addr, b[:])
}
