package bussun

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterSymbolName(t *testing.T) {
	assert.Equal(t, "@123", FilterSymbolName("@123"))
	assert.Equal(t, "@stringBase0", FilterSymbolName("@stringBase0"))
	assert.Equal(t, "foo1234", FilterSymbolName("foo@1234"))
	assert.Equal(t, "TVec3f", FilterSymbolName("TVec3<f>"))
}

func TestReadWriteSymbolMap(t *testing.T) {
	in := strings.Join([]string{
		"OSReport=0x803CE2D0",
		"",
		"  TVec3<f>=0x80010000  ",
		"@1234=0x80000004",
		"sym@56=0x80000004",
	}, "\n")

	syms, err := ReadSymbolMap(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, map[string]uint32{
		"OSReport": 0x803CE2D0,
		"TVec3<f>": 0x80010000,
		"TVec3f":   0x80010000,
		"@1234":    0x80000004,
		"sym@56":   0x80000004,
		"sym56":    0x80000004,
	}, syms)

	var out bytes.Buffer
	require.NoError(t, WriteSymbolMap(&out, syms))
	assert.Equal(t, strings.Join([]string{
		"@1234=0x80000004",
		"sym56=0x80000004",
		"sym@56=0x80000004",
		"TVec3<f>=0x80010000",
		"TVec3f=0x80010000",
		"OSReport=0x803CE2D0",
		"",
	}, "\n"), out.String())
}

func TestReadSymbolMapErrors(t *testing.T) {
	_, err := ReadSymbolMap(strings.NewReader("nothing here"))
	assert.Error(t, err)

	_, err = ReadSymbolMap(strings.NewReader("foo=0xZZ"))
	assert.Error(t, err)
}
