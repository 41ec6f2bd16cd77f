package bussun

import (
	"bytes"

	"github.com/pkg/errors"
)

// Image is a loaded and linked code block. The first CodeSize bytes are the
// container's code, the rest up to Size is zero-fill data.
type Image struct {
	Header Header
	// Base is the guest address of the first code byte.
	Base uint32
	// Size covers code and data, each rounded up to 32 bytes.
	Size uint32

	region *Region
}

func newImage(h Header, region *Region) *Image {
	return &Image{
		Header: h,
		Base:   region.Base(),
		Size:   region.Size(),
		region: region,
	}
}

// Bytes returns the image memory.
func (img *Image) Bytes() []byte {
	return img.region.Bytes()
}

// Code returns the code part of the image.
func (img *Image) Code() []byte {
	return img.region.Bytes()[:img.Header.CodeSize]
}

// Data returns the zero-fill part of the image.
func (img *Image) Data() []byte {
	return img.region.Bytes()[img.Header.CodeSize:]
}

// Contains reports whether addr falls inside the image.
func (img *Image) Contains(addr uint32) bool {
	return addr >= img.Base && addr-img.Base < img.Size
}

// Ctors returns the static constructor addresses listed in the image between
// the header's ctorStart and ctorEnd offsets. The host calls them in order
// once linking is done.
func (img *Image) Ctors() ([]uint32, error) {
	start, end := img.Header.CtorStart, img.Header.CtorEnd
	if start == end {
		return nil, nil
	}
	if start > end || end > img.Header.CodeSize || (end-start)%4 != 0 {
		return nil, errors.Errorf("bad constructor table %#x..%#x in %d bytes of code", start, end, img.Header.CodeSize)
	}

	code := img.Code()
	ctors := make([]uint32, 0, (end-start)/4)
	for off := start; off < end; off += 4 {
		ctors = append(ctors, endian.Uint32(code[off:]))
	}
	return ctors, nil
}

// Install copies the image into m at its own base address. It is used to
// install an image linked locally into memory owned by someone else.
func (img *Image) Install(m Mapping) error {
	if !contains(m, img.Base, img.Size) {
		return errors.Wrapf(ErrUnmappedAddress, "%s does not hold image %#08x+%#x", m.Name(), img.Base, img.Size)
	}
	return errors.Wrapf(m.WriteAt(img.Bytes(), img.Base), "install image into %s", m.Name())
}

// Installed reports whether m already holds this image's code at its base,
// so a second install can be skipped. The data part is not compared since the
// running code may have changed it.
func (img *Image) Installed(m Mapping) (bool, error) {
	code := img.Code()
	if len(code) == 0 || !contains(m, img.Base, uint32(len(code))) {
		return false, nil
	}
	current := make([]byte, len(code))
	if err := m.ReadAt(current, img.Base); err != nil {
		return false, errors.Wrapf(err, "read %s at %#08x", m.Name(), img.Base)
	}
	return bytes.Equal(current, code), nil
}
