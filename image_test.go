package bussun

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadedImage(t *testing.T, h Header, code []byte) *Image {
	t.Helper()
	loader, _, _ := newTestLoader(false, 0x1000)
	img, _, err := loader.Load(container(h, code))
	require.NoError(t, err)
	return img
}

func TestImageCtors(t *testing.T) {
	code := []byte{
		0x4E, 0x80, 0x00, 0x20,
		0x80, 0x70, 0x00, 0x00,
		0x80, 0x00, 0x12, 0x34,
	}
	img := loadedImage(t, Header{Version: 1, CodeSize: 12, CtorStart: 4, CtorEnd: 12}, code)

	ctors, err := img.Ctors()
	require.NoError(t, err)
	assert.Equal(t, []uint32{0x80700000, 0x80001234}, ctors)
	assert.True(t, img.Contains(ctors[0]))
	assert.False(t, img.Contains(ctors[1]))
}

func TestImageCtorsBadTable(t *testing.T) {
	img := loadedImage(t, Header{Version: 1, CodeSize: 8, CtorStart: 4, CtorEnd: 12}, make([]byte, 8))
	_, err := img.Ctors()
	assert.Error(t, err)

	img = loadedImage(t, Header{Version: 1, CodeSize: 8}, make([]byte, 8))
	ctors, err := img.Ctors()
	assert.NoError(t, err)
	assert.Empty(t, ctors)
}

func TestImageInstall(t *testing.T) {
	img := loadedImage(t, Header{Version: 1, CodeSize: 4, DataSize: 4}, []byte{1, 2, 3, 4})
	target := NewRegion("guest", testImageBase-0x100, 0x1000)

	installed, err := img.Installed(target)
	require.NoError(t, err)
	assert.False(t, installed)

	require.NoError(t, img.Install(target))
	assert.Equal(t, []byte{1, 2, 3, 4}, target.Bytes()[0x100:0x104])

	installed, err = img.Installed(target)
	require.NoError(t, err)
	assert.True(t, installed)

	small := NewRegion("small", testImageBase, 8)
	assert.Equal(t, ErrUnmappedAddress, errors.Cause(img.Install(small)))
}
