package bussun

import (
	"github.com/pkg/errors"
)

// Error kinds returned by the loader. Use errors.Cause (or errors.Is) to
// compare a wrapped error against them.
var (
	ErrTruncatedInput         = errors.New("truncated input")
	ErrBadMagic               = errors.New("bad magic")
	ErrUnsupportedVersion     = errors.New("unsupported format version")
	ErrAllocationFailure      = errors.New("allocation failure")
	ErrMalformedCommandStream = errors.New("malformed command stream")
	ErrUnknownOpcode          = errors.New("unknown opcode")
	ErrUnmappedAddress        = errors.New("unmapped address")
)

// FatalMessage maps an error kind onto the short text shown by the fatal sink.
func FatalMessage(err error) string {
	switch errors.Cause(err) {
	case ErrTruncatedInput:
		return "BSN_ERR\n\nBinary too small\n"
	case ErrBadMagic:
		return "BSN_ERR\n\nInvalid header\n"
	case ErrUnsupportedVersion:
		return "BSN_ERR\n\nUnsupported version\n"
	case ErrAllocationFailure:
		return "BSN_ERR\n\nOut of memory\n"
	case ErrMalformedCommandStream:
		return "BSN_ERR\n\nBad link data\n"
	case ErrUnknownOpcode:
		return "BSN_ERR\n\nUnknown command\n"
	case ErrUnmappedAddress:
		return "BSN_ERR\n\nBad patch address\n"
	default:
		return "BSN_ERR\n\n" + err.Error() + "\n"
	}
}
