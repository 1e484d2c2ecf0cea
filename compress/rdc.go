package compress

import "fmt"

// RDC decompresses the SASYZCR2 (Ross Data Compression) scheme.  A 16-bit
// control word governs the next 16 tokens, high bit first: a clear bit
// copies one literal byte, a set bit introduces a command byte whose high
// nibble selects run-length fills (commands 0 and 1) or back-reference
// copies into the already-written output (commands 2..15).
type RDC struct{}

func (RDC) Decompress(dst, src []byte) error {
	var d rdcState
	d.dst = dst
	d.src = src
	if err := d.run(); err != nil {
		return err
	}
	zero(dst[d.n:])
	return nil
}

type rdcState struct {
	dst, src []byte
	i, n     int // source and destination cursors

	ctrl uint16
	mask uint16
	done bool // source ended mid-command
}

func (d *rdcState) run() error {
	for d.i < len(d.src) && d.n < len(d.dst) {
		if d.mask == 0 {
			if len(d.src)-d.i < 2 {
				break
			}
			d.ctrl = uint16(d.src[d.i])<<8 | uint16(d.src[d.i+1])
			d.i += 2
			d.mask = 0x8000
		}
		if d.ctrl&d.mask == 0 {
			if err := d.fill(d.src[d.i], 1); err != nil {
				return err
			}
			d.i++
		} else if err := d.command(); err != nil {
			return err
		}
		if d.done {
			break
		}
		d.mask >>= 1
	}
	return nil
}

func (d *rdcState) command() error {
	cmd, cnt := int(d.src[d.i]>>4), int(d.src[d.i]&0xf)
	d.i++
	switch {
	case cmd == 0: // short run-length fill
		if !d.have(1) {
			d.done = true
			return nil
		}
		b := d.src[d.i]
		d.i++
		return d.fill(b, cnt+3)
	case cmd == 1: // long run-length fill
		if !d.have(2) {
			d.done = true
			return nil
		}
		extra, b := int(d.src[d.i]), d.src[d.i+1]
		d.i += 2
		return d.fill(b, cnt+(extra<<4)+19)
	case cmd == 2: // long back-reference copy
		if !d.have(2) {
			d.done = true
			return nil
		}
		extra, count := int(d.src[d.i]), int(d.src[d.i+1])
		d.i += 2
		return d.pattern(cnt+3+(extra<<4), count+16)
	default: // short back-reference copy, length in the command nibble
		if !d.have(1) {
			d.done = true
			return nil
		}
		extra := int(d.src[d.i])
		d.i++
		return d.pattern(cnt+3+(extra<<4), cmd)
	}
}

func (d *rdcState) have(n int) bool {
	return len(d.src)-d.i >= n
}

func (d *rdcState) fill(b byte, n int) error {
	if d.n+n > len(d.dst) {
		return fmt.Errorf("%w: fill of %d bytes overruns row length %d at offset %d", ErrCorrupt, n, len(d.dst), d.n)
	}
	for i := 0; i < n; i++ {
		d.dst[d.n+i] = b
	}
	d.n += n
	return nil
}

// pattern copies n bytes from the output written so far, starting offset
// bytes back from the cursor.  The regions may overlap, which repeats the
// pattern, so this must copy byte by byte.
func (d *rdcState) pattern(offset, n int) error {
	if offset > d.n {
		return fmt.Errorf("%w: back-reference offset %d exceeds %d bytes written", ErrCorrupt, offset, d.n)
	}
	if d.n+n > len(d.dst) {
		return fmt.Errorf("%w: copy of %d bytes overruns row length %d at offset %d", ErrCorrupt, n, len(d.dst), d.n)
	}
	for i := 0; i < n; i++ {
		d.dst[d.n+i] = d.dst[d.n-offset+i]
	}
	d.n += n
	return nil
}
