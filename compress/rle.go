package compress

import "fmt"

// RLE command nibbles for the SASYZCRL scheme.
const (
	rleCopy64        = 0x0
	rleInsertByte18  = 0x4
	rleInsertAt17    = 0x5
	rleInsertBlank17 = 0x6
	rleInsertZero17  = 0x7
	rleCopy1         = 0x8
	rleCopy17        = 0x9
	rleCopy33        = 0xA
	rleCopy49        = 0xB
	rleInsertByte3   = 0xC
	rleInsertAt2     = 0xD
	rleInsertBlank2  = 0xE
	rleInsertZero2   = 0xF
)

// RLE decompresses the SASYZCRL scheme.  Each control byte splits into a
// command nibble and a count nibble; commands either copy a run of literal
// bytes from the source or insert a run of a constant byte ('@', space, or
// NUL), with several count-width encodings.
type RLE struct{}

func (RLE) Decompress(dst, src []byte) error {
	var i, n int
	fill := func(b byte, count int) error {
		if n+count > len(dst) {
			return fmt.Errorf("%w: fill of %d bytes overruns row length %d at offset %d", ErrCorrupt, count, len(dst), n)
		}
		for j := 0; j < count; j++ {
			dst[n+j] = b
		}
		n += count
		return nil
	}
	copyBytes := func(count int) error {
		if remaining := len(src) - i; count > remaining {
			count = remaining
		}
		if n+count > len(dst) {
			return fmt.Errorf("%w: copy of %d bytes overruns row length %d at offset %d", ErrCorrupt, count, len(dst), n)
		}
		copy(dst[n:], src[i:i+count])
		i += count
		n += count
		return nil
	}
loop:
	for i < len(src) && n < len(dst) {
		control := src[i]
		i++
		cmd, cnt := int(control>>4), int(control&0xf)
		var err error
		switch cmd {
		case rleCopy64:
			if i >= len(src) {
				break loop
			}
			count := cnt<<8 + int(src[i]) + 64
			i++
			err = copyBytes(count)
		case rleInsertByte18:
			if len(src)-i < 2 {
				break loop
			}
			count := cnt<<4 + int(src[i]) + 18
			b := src[i+1]
			i += 2
			err = fill(b, count)
		case rleInsertAt17, rleInsertBlank17, rleInsertZero17:
			if i >= len(src) {
				break loop
			}
			count := cnt<<8 + int(src[i]) + 17
			i++
			err = fill(constByte(cmd), count)
		case rleCopy1:
			err = copyBytes(cnt + 1)
		case rleCopy17:
			err = copyBytes(cnt + 17)
		case rleCopy33:
			err = copyBytes(cnt + 33)
		case rleCopy49:
			err = copyBytes(cnt + 49)
		case rleInsertByte3:
			if i >= len(src) {
				break loop
			}
			b := src[i]
			i++
			err = fill(b, cnt+3)
		case rleInsertAt2, rleInsertBlank2, rleInsertZero2:
			err = fill(constByte(cmd), cnt+2)
		default:
			return fmt.Errorf("%w: unknown command nibble 0x%X at source offset %d", ErrCorrupt, cmd, i-1)
		}
		if err != nil {
			return err
		}
	}
	zero(dst[n:])
	return nil
}

func constByte(cmd int) byte {
	switch cmd {
	case rleInsertAt17, rleInsertAt2:
		return '@'
	case rleInsertBlank17, rleInsertBlank2:
		return ' '
	default:
		return 0
	}
}
