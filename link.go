package bussun

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Instruction words seeded by the branch commands before the displacement is
// spliced in.
const (
	branchInsn     = 0x48000000
	branchLinkInsn = 0x48000001
)

const (
	rel24Keep = 0xFC000003
	rel24Mask = 0x03FFFFFC
)

// LinkStats summarises a pass over a command stream.
type LinkStats struct {
	// Applied counts commands that were dispatched to a handler, including
	// conditional writes whose guard did not match.
	Applied int
	// Skipped counts conditional writes left untouched.
	Skipped int
	// Unknown counts commands with no handler.
	Unknown int
}

// Linker applies relocation commands to guest memory.
type Linker struct {
	mem      *AddressSpace
	cache    CacheSynchronizer
	reporter Reporter
	logger   *zap.Logger
	strict   bool
}

// NewLinker builds a linker that patches mem. Nil collaborators in cfg fall
// back to their defaults.
func NewLinker(mem *AddressSpace, cfg *Config) *Linker {
	cfg = cfg.withDefaults()
	return &Linker{
		mem:      mem,
		cache:    cfg.Cache,
		reporter: cfg.Reporter,
		logger:   cfg.Logger,
		strict:   cfg.Strict,
	}
}

// Link walks stream and patches memory around the image at base. Every
// command is followed by a cache sync on its write address and the pass ends
// with a global instruction sync. The first malformed command stops the pass.
func (l *Linker) Link(base uint32, stream []byte) (LinkStats, error) {
	var stats LinkStats

	pos := 0
	for pos < len(stream) {
		c, err := DecodeCommand(stream[pos:])
		if err != nil {
			return stats, errors.Wrapf(err, "command at stream offset %#x", pos)
		}
		at := pos
		pos += c.Size()

		if !c.Op.Known() {
			if l.strict {
				return stats, errors.Wrapf(ErrUnknownOpcode, "opcode %d at stream offset %#x", uint8(c.Op), at)
			}
			l.reporter.Reportf("BUSSUN -- Unknown command: %d\n", uint8(c.Op))
			stats.Unknown++
			continue
		}

		addr := c.WriteAddress(base)
		l.logger.Debug("[LINK DEBUG] apply",
			zap.Stringer("op", c.Op),
			zap.String("addr", hex32(addr)),
			zap.String("value", hex32(c.Value)))

		wrote, err := l.apply(c, base, addr)
		if err != nil {
			return stats, errors.Wrapf(err, "%s at stream offset %#x", c.Op, at)
		}
		stats.Applied++
		if !wrote {
			stats.Skipped++
		}

		SyncAddress(l.cache, addr)
	}

	l.cache.Barrier()
	l.cache.InstructionSync()
	return stats, nil
}

// apply dispatches c. It reports false when a conditional write found an
// unexpected value and left memory alone.
func (l *Linker) apply(c Command, base uint32, addr uint32) (bool, error) {
	target := c.Target(base)

	switch c.Op {
	case OpAddr32:
		return true, l.mem.Write32(addr, target)
	case OpAddr16Lo:
		return true, l.mem.Write16(addr, uint16(target))
	case OpAddr16Hi:
		return true, l.mem.Write16(addr, uint16(target>>16))
	case OpAddr16Ha:
		return true, l.mem.Write16(addr, HighAdjusted(target))
	case OpRel24:
		return true, l.rel24(addr, target)

	case OpWrite32:
		return true, l.mem.Write32(addr, target)
	case OpWrite16:
		return true, l.mem.Write16(addr, uint16(target))
	case OpWrite8:
		return true, l.mem.Write8(addr, uint8(target))

	case OpCondWritePointer, OpCondWrite32:
		cur, err := l.mem.Read32(addr)
		if err != nil || cur != c.Original {
			return false, err
		}
		return true, l.mem.Write32(addr, target)
	case OpCondWrite16:
		cur, err := l.mem.Read16(addr)
		if err != nil || cur != uint16(c.Original) {
			return false, err
		}
		return true, l.mem.Write16(addr, uint16(target))
	case OpCondWrite8:
		cur, err := l.mem.Read8(addr)
		if err != nil || cur != uint8(c.Original) {
			return false, err
		}
		return true, l.mem.Write8(addr, uint8(target))

	case OpBranch:
		if err := l.mem.Write32(addr, branchInsn); err != nil {
			return false, err
		}
		return true, l.rel24(addr, target)
	case OpBranchLink:
		if err := l.mem.Write32(addr, branchLinkInsn); err != nil {
			return false, err
		}
		return true, l.rel24(addr, target)
	}

	return false, errors.Wrapf(ErrUnknownOpcode, "opcode %d", uint8(c.Op))
}

func (l *Linker) rel24(addr uint32, target uint32) error {
	word, err := l.mem.Read32(addr)
	if err != nil {
		return err
	}
	return l.mem.Write32(addr, SpliceRel24(word, addr, target))
}

// SpliceRel24 replaces the 24-bit word displacement of a branch instruction
// with target-addr, keeping the opcode and AA/LK bits of word.
func SpliceRel24(word uint32, addr uint32, target uint32) uint32 {
	delta := target - addr
	return word&rel24Keep | delta&rel24Mask
}

// HighAdjusted is the high half of addr, plus one when the low half is
// negative as a signed 16-bit immediate.
func HighAdjusted(addr uint32) uint16 {
	hi := uint16(addr >> 16)
	if addr&0x8000 != 0 {
		hi++
	}
	return hi
}
