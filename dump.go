package bussun

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// DumpHeader writes a description of h.
func DumpHeader(w io.Writer, h Header) error {
	bw := bufio.NewWriter(w)
	version := fmt.Sprint(h.Version)
	if !h.Known {
		version += " (unknown, read as 1)"
	}
	fmt.Fprintf(bw, "version     %s\n", version)
	fmt.Fprintf(bw, "code        %#x bytes at file offset %#x\n", h.CodeSize, h.CodeOffset())
	fmt.Fprintf(bw, "data        %#x bytes\n", h.DataSize)
	fmt.Fprintf(bw, "ctors       %#x..%#x\n", h.CtorStart, h.CtorEnd)
	if size, err := h.ImageSize(); err != nil {
		fmt.Fprintf(bw, "image size  overflows\n")
	} else {
		fmt.Fprintf(bw, "image size  %#x\n", size)
	}
	return bw.Flush()
}

// Dump lists the commands in stream, one per line, without applying them.
// base is the image address used to resolve relative addresses; pass zero to
// print them as offsets.
func Dump(w io.Writer, stream []byte, base uint32) error {
	bw := bufio.NewWriter(w)
	pos := 0
	for pos < len(stream) {
		c, err := DecodeCommand(stream[pos:])
		if err != nil {
			bw.Flush()
			return errors.Wrapf(err, "command at stream offset %#x", pos)
		}
		fmt.Fprintf(bw, "%06x  %s", pos, c)
		if base != 0 && c.Op.Known() {
			fmt.Fprintf(bw, "  ; %#08x <- %#08x", c.WriteAddress(base), c.Target(base))
		}
		bw.WriteByte('\n')
		pos += c.Size()
	}
	return bw.Flush()
}

// DumpContainer prints the header and command listing of a whole container.
func DumpContainer(w io.Writer, source []byte, base uint32) error {
	h, err := ParseHeader(source)
	if err != nil {
		return err
	}
	if err := DumpHeader(w, h); err != nil {
		return err
	}
	codeEnd := uint64(h.CodeOffset()) + uint64(h.CodeSize)
	if codeEnd > uint64(len(source)) {
		return errors.Wrapf(ErrTruncatedInput, "code segment ends at %d, binary is %d bytes", codeEnd, len(source))
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	return Dump(w, source[codeEnd:], base)
}
