package sas7bdat

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// magic is the 32-byte signature that opens every SAS7BDAT file.
var magic = []byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xc2, 0xea, 0x81, 0x60,
	0xb3, 0x14, 0x11, 0xcf, 0xbd, 0x92, 0x08, 0x00,
	0x09, 0xc7, 0x31, 0x8c, 0x18, 0x1f, 0x10, 0x11,
}

const minHeaderSize = 288

// header is the decoded file header.  It fixes the word size (32 or 64
// bit), byte order, and page geometry for everything that follows.
type header struct {
	u64      bool
	align    int // extra alignment before the size fields
	order    binary.ByteOrder
	encoding byte
	name     string

	headerSize int
	pageSize   int
	pageCount  int64
}

// parseHeader decodes the fixed-layout file header.  b must hold at least
// the first 288 bytes of the file.
func parseHeader(b []byte) (*header, error) {
	if len(b) < minHeaderSize {
		return nil, fmt.Errorf("%w: short header (%d bytes)", ErrInvalidFile, len(b))
	}
	if !bytes.Equal(b[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad magic number", ErrInvalidFile)
	}
	h := &header{order: binary.BigEndian}
	if b[32] == 0x33 {
		h.u64 = true
	}
	if b[35] == 0x33 {
		h.align = 4
	}
	if b[37] == 0x01 {
		h.order = binary.LittleEndian
	}
	h.encoding = b[70]
	h.name = string(trimPadding(b[92 : 92+64]))
	h.headerSize = int(h.order.Uint32(b[196+h.align:]))
	h.pageSize = int(h.order.Uint32(b[200+h.align:]))
	h.pageCount = h.word(b, 204+h.align)
	if h.headerSize < minHeaderSize || h.pageSize <= 0 || h.pageCount < 0 {
		return nil, fmt.Errorf("%w: impossible geometry (header %d, page %d x %d)",
			ErrInvalidFile, h.headerSize, h.pageSize, h.pageCount)
	}
	return h, nil
}

// wordSize is the width of offsets and counts throughout the file.
func (h *header) wordSize() int {
	if h.u64 {
		return 8
	}
	return 4
}

// word reads one offset-or-count field at off.
func (h *header) word(b []byte, off int) int64 {
	if h.u64 {
		return int64(h.order.Uint64(b[off:]))
	}
	return int64(h.order.Uint32(b[off:]))
}

// pageBitOffset is the distance from the start of a page to its type and
// count fields, past the page sequence-number area.
func (h *header) pageBitOffset() int {
	if h.u64 {
		return 32
	}
	return 16
}

// subheaderPointerSize is the encoded size of one subheader pointer.
func (h *header) subheaderPointerSize() int {
	if h.u64 {
		return 24
	}
	return 12
}
