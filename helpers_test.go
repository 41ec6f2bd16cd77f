package bussun

import (
	"fmt"
)

// container assembles a binary from a header, its code and a command stream.
// The version 2 extra block is filled with 0xEE so tests notice if it leaks
// into the image.
func container(h Header, code []byte, cmds ...Command) []byte {
	raw := make([]byte, HeaderSize)
	h.Encode(raw)
	if h.Version == Version2 {
		extra := make([]byte, ExtraBlockSize)
		for i := range extra {
			extra[i] = 0xEE
		}
		raw = append(raw, extra...)
	}
	raw = append(raw, code...)
	return append(raw, stream(cmds...)...)
}

func stream(cmds ...Command) []byte {
	var out []byte
	for _, c := range cmds {
		out = c.Encode(out)
	}
	return out
}

type testReporter struct {
	reports []string
	fatals  []string
}

func (r *testReporter) Reportf(format string, args ...interface{}) {
	r.reports = append(r.reports, fmt.Sprintf(format, args...))
}

func (r *testReporter) Fatal(msg string) {
	r.fatals = append(r.fatals, msg)
}

type countingAllocator struct {
	Allocator
	calls int
}

func (a *countingAllocator) Alloc(size uint32, align uint32) (*Region, error) {
	a.calls++
	return a.Allocator.Alloc(size, align)
}
