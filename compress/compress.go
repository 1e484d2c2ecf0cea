// Package compress implements the two row compression schemes used by
// SAS7BDAT files: SASYZCRL (run-length encoding) and SASYZCR2 (Ross Data
// Compression).  Both are byte-oriented command interpreters that expand a
// compressed row into a fixed-length row buffer.
package compress

import (
	"errors"
	"fmt"
)

// ErrCorrupt indicates a malformed compressed stream: an unknown command
// byte, a back-reference past the start of the output, or a command that
// would write beyond the fixed row length.
var ErrCorrupt = errors.New("compress: corrupt stream")

// A Decompressor expands one compressed row into dst.  dst has the fixed
// row length of the file; if the source ends before dst is full, the
// remainder of dst is zeroed.  Decompressors are stateless across rows and
// safe to reuse.
type Decompressor interface {
	Decompress(dst, src []byte) error
}

// None copies src verbatim, zero-padding dst when src is short.
type None struct{}

func (None) Decompress(dst, src []byte) error {
	if len(src) > len(dst) {
		return fmt.Errorf("%w: row of %d bytes exceeds row length %d", ErrCorrupt, len(src), len(dst))
	}
	n := copy(dst, src)
	zero(dst[n:])
	return nil
}

// For selects the decompressor for a compression literal found in the
// file metadata.  An empty literal means the file is uncompressed.
func For(literal string) (Decompressor, error) {
	switch literal {
	case "":
		return None{}, nil
	case "SASYZCRL":
		return RLE{}, nil
	case "SASYZCR2":
		return RDC{}, nil
	default:
		return nil, fmt.Errorf("unknown compression literal %q", literal)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
