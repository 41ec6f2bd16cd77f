package bussun

import (
	"fmt"

	"github.com/pkg/errors"
)

// Opcode selects what a relocation command does to its target.
type Opcode uint8

const (
	OpAddr32           Opcode = 1
	OpAddr16Lo         Opcode = 4
	OpAddr16Hi         Opcode = 5
	OpAddr16Ha         Opcode = 6
	OpRel24            Opcode = 10
	OpWrite32          Opcode = 32
	OpWrite16          Opcode = 33
	OpWrite8           Opcode = 34
	OpCondWritePointer Opcode = 35
	OpCondWrite32      Opcode = 36
	OpCondWrite16      Opcode = 37
	OpCondWrite8       Opcode = 38
	OpBranch           Opcode = 64
	OpBranchLink       Opcode = 65
)

var opcodeNames = map[Opcode]string{
	OpAddr32:           "Addr32",
	OpAddr16Lo:         "Addr16Lo",
	OpAddr16Hi:         "Addr16Hi",
	OpAddr16Ha:         "Addr16Ha",
	OpRel24:            "Rel24",
	OpWrite32:          "Write32",
	OpWrite16:          "Write16",
	OpWrite8:           "Write8",
	OpCondWritePointer: "CondWritePointer",
	OpCondWrite32:      "CondWrite32",
	OpCondWrite16:      "CondWrite16",
	OpCondWrite8:       "CondWrite8",
	OpBranch:           "Branch",
	OpBranchLink:       "BranchLink",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", uint8(op))
}

// Known is false for opcodes the interpreter has no handler for.
func (op Opcode) Known() bool {
	_, ok := opcodeNames[op]
	return ok
}

// OperandSize is the number of operand bytes following the command header
// and optional absolute address. Unknown opcodes report zero.
func (op Opcode) OperandSize() int {
	switch op {
	case OpCondWritePointer, OpCondWrite32, OpCondWrite16, OpCondWrite8:
		return 8
	case OpAddr32, OpAddr16Lo, OpAddr16Hi, OpAddr16Ha, OpRel24,
		OpWrite32, OpWrite16, OpWrite8, OpBranch, OpBranchLink:
		return 4
	}
	return 0
}

// resolvesOperand is true when the first operand word is an address that
// goes through ResolveOperand.
func (op Opcode) resolvesOperand() bool {
	switch op {
	case OpAddr32, OpAddr16Lo, OpAddr16Hi, OpAddr16Ha, OpRel24,
		OpCondWritePointer, OpBranch, OpBranchLink:
		return true
	}
	return false
}

// AbsoluteMarker in the address field of a command header means the full
// write address follows the header.
const AbsoluteMarker = 0xFFFFFE

const (
	commandHeaderSize = 4
	addressMask       = 0xFFFFFF
)

// Command is one decoded entry of the relocation stream.
type Command struct {
	Op Opcode
	// Absolute is set when the write address was carried in the stream.
	Absolute bool
	// Offset is the image-relative write offset when Absolute is false, the
	// absolute address otherwise.
	Offset uint32
	// Value is the first operand word as stored in the stream.
	Value uint32
	// Original is the expected current value of a conditional write.
	Original uint32
}

// WriteAddress resolves where the command patches, given the image base.
func (c Command) WriteAddress(base uint32) uint32 {
	if c.Absolute {
		return c.Offset
	}
	return base + c.Offset
}

// Target resolves the first operand. Address operands go through
// ResolveOperand; literal values are returned as is.
func (c Command) Target(base uint32) uint32 {
	if c.Op.resolvesOperand() {
		return ResolveOperand(base, c.Value)
	}
	return c.Value
}

// Size is the number of stream bytes the command occupies.
func (c Command) Size() int {
	n := commandHeaderSize + c.Op.OperandSize()
	if c.Absolute {
		n += 4
	}
	return n
}

// Encode appends the stream form of c to dst.
func (c Command) Encode(dst []byte) []byte {
	var word [4]byte
	put := func(v uint32) {
		endian.PutUint32(word[:], v)
		dst = append(dst, word[:]...)
	}

	if c.Absolute {
		put(uint32(c.Op)<<24 | AbsoluteMarker)
		put(c.Offset)
	} else {
		put(uint32(c.Op)<<24 | c.Offset&addressMask)
	}
	switch c.Op.OperandSize() {
	case 4:
		put(c.Value)
	case 8:
		put(c.Value)
		put(c.Original)
	}
	return dst
}

func (c Command) String() string {
	addr := fmt.Sprintf("+%#06x", c.Offset)
	if c.Absolute {
		addr = fmt.Sprintf("%#08x", c.Offset)
	}
	switch c.Op.OperandSize() {
	case 4:
		return fmt.Sprintf("%-16s %s %#08x", c.Op, addr, c.Value)
	case 8:
		return fmt.Sprintf("%-16s %s %#08x if %#08x", c.Op, addr, c.Value, c.Original)
	}
	return fmt.Sprintf("%-16s %s", c.Op, addr)
}

// ResolveOperand turns an address operand into a guest address. Values with
// the top bit set are already absolute; anything else is an offset from the
// image base.
func ResolveOperand(base uint32, raw uint32) uint32 {
	if raw&0x80000000 != 0 {
		return raw
	}
	return base + raw
}

// DecodeCommand reads one command from the start of stream. Unknown opcodes
// decode without error and consume only the header and absolute address.
func DecodeCommand(stream []byte) (Command, error) {
	if len(stream) < commandHeaderSize {
		return Command{}, errors.Wrapf(ErrMalformedCommandStream, "%d bytes left, need a command header", len(stream))
	}
	header := endian.Uint32(stream)
	c := Command{
		Op:     Opcode(header >> 24),
		Offset: header & addressMask,
	}
	pos := commandHeaderSize

	if c.Offset == AbsoluteMarker {
		if len(stream) < pos+4 {
			return Command{}, errors.Wrapf(ErrMalformedCommandStream, "%s: absolute address cut short", c.Op)
		}
		c.Absolute = true
		c.Offset = endian.Uint32(stream[pos:])
		pos += 4
	}

	need := c.Op.OperandSize()
	if len(stream) < pos+need {
		return Command{}, errors.Wrapf(ErrMalformedCommandStream, "%s: needs %d operand bytes, %d left", c.Op, need, len(stream)-pos)
	}
	if need >= 4 {
		c.Value = endian.Uint32(stream[pos:])
	}
	if need == 8 {
		c.Original = endian.Uint32(stream[pos+4:])
	}
	return c, nil
}
