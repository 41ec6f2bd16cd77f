package bussun

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// HeaderSize is the fixed size of the container header. The reader always
// consumes this much before looking at anything else.
const HeaderSize = 32

// ExtraBlockSize is the size of the block that follows the header in
// version 2 containers.
const ExtraBlockSize = 32

const (
	magic1 = "Kame"
	magic2 = "k\x00"
)

// Format versions understood by the reader.
const (
	Version1 = 1
	Version2 = 2
)

var endian = binary.BigEndian

// Header is the decoded container header.
//
//	0  magic1    "Kame"
//	4  magic2    "k\0"
//	6  version   u16
//	8  bssSize   u32
//	12 codeSize  u32
//	16 ctorStart u32
//	20 ctorEnd   u32
//	24 reserved  8 bytes
type Header struct {
	Version   uint16
	CodeSize  uint32
	DataSize  uint32
	CtorStart uint32
	CtorEnd   uint32
	// Known is false when Version was neither 1 nor 2 and the header has been
	// read with the version 1 layout.
	Known bool
}

// ParseHeader validates the first HeaderSize bytes of raw. Unknown versions
// are accepted and laid out as version 1; callers decide whether that is an
// error by checking Known.
func ParseHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, errors.Wrapf(ErrTruncatedInput, "header needs %d bytes, got %d", HeaderSize, len(raw))
	}
	if string(raw[0:4]) != magic1 || string(raw[4:6]) != magic2 {
		return Header{}, errors.Wrapf(ErrBadMagic, "% x", raw[0:6])
	}

	h := Header{
		Version:   endian.Uint16(raw[6:8]),
		DataSize:  endian.Uint32(raw[8:12]),
		CodeSize:  endian.Uint32(raw[12:16]),
		CtorStart: endian.Uint32(raw[16:20]),
		CtorEnd:   endian.Uint32(raw[20:24]),
	}
	h.Known = h.Version == Version1 || h.Version == Version2
	return h, nil
}

// CodeOffset is the position of the code segment in the container.
func (h Header) CodeOffset() uint32 {
	if h.Version == Version2 {
		return HeaderSize + ExtraBlockSize
	}
	return HeaderSize
}

// ImageSize is the number of bytes the linked image occupies: code and
// zero-fill data, each rounded up to 32 bytes. A size past the 32-bit address
// space can never be allocated and fails with ErrAllocationFailure.
func (h Header) ImageSize() (uint32, error) {
	size := align32(uint64(h.CodeSize)) + align32(uint64(h.DataSize))
	if size > math.MaxUint32 {
		return 0, errors.Wrapf(ErrAllocationFailure, "image of %#x code and %#x data bytes exceeds 32 bits", h.CodeSize, h.DataSize)
	}
	return uint32(size), nil
}

// Encode writes the header layout into the first HeaderSize bytes of dst.
func (h Header) Encode(dst []byte) {
	_ = dst[HeaderSize-1]
	copy(dst[0:4], magic1)
	copy(dst[4:6], magic2)
	endian.PutUint16(dst[6:8], h.Version)
	endian.PutUint32(dst[8:12], h.DataSize)
	endian.PutUint32(dst[12:16], h.CodeSize)
	endian.PutUint32(dst[16:20], h.CtorStart)
	endian.PutUint32(dst[20:24], h.CtorEnd)
	for i := 24; i < HeaderSize; i++ {
		dst[i] = 0
	}
}

// ProbeSize reads just the header from r and returns the size the linked
// image will need. It is used to size the heap before the real load.
func ProbeSize(r io.ReaderAt, length int64) (uint32, error) {
	if length < HeaderSize {
		return 0, errors.Wrapf(ErrTruncatedInput, "binary is %d bytes", length)
	}
	raw := make([]byte, HeaderSize)
	if _, err := r.ReadAt(raw, 0); err != nil {
		return 0, errors.Wrap(err, "read header")
	}
	h, err := ParseHeader(raw)
	if err != nil {
		return 0, err
	}
	return h.ImageSize()
}

func align32(n uint64) uint64 {
	return (n + 31) &^ 31
}
