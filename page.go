package sas7bdat

import "fmt"

// Page types.  Meta pages carry only subheaders, data pages only packed
// rows, and mix pages carry subheaders followed by packed rows.
const (
	pageMeta uint16 = 0x0000
	pageData uint16 = 0x0100
	pageMix  uint16 = 0x0200
	pageAMD  uint16 = 0x0400
)

// Subheader pointer compression tags.
const (
	ptrPlain      = 0 // uncompressed subheader
	ptrTruncated  = 1 // zero-length leftover, skip
	ptrCompressed = 4 // compressed row payload
)

type subheaderPointer struct {
	offset      int
	length      int
	compression byte
	typ         byte
}

// page wraps one raw page buffer with its decoded counts.
type page struct {
	h   *header
	buf []byte

	typ            uint16
	blockCount     int
	subheaderCount int
}

func parsePage(h *header, buf []byte) (*page, error) {
	bit := h.pageBitOffset()
	if len(buf) < bit+8 {
		return nil, fmt.Errorf("%w: short page (%d bytes)", ErrInvalidFile, len(buf))
	}
	p := &page{
		h:              h,
		buf:            buf,
		typ:            h.order.Uint16(buf[bit:]),
		blockCount:     int(h.order.Uint16(buf[bit+2:])),
		subheaderCount: int(h.order.Uint16(buf[bit+4:])),
	}
	if need := bit + 8 + p.subheaderCount*h.subheaderPointerSize(); need > len(buf) {
		return nil, fmt.Errorf("%w: page declares %d subheaders but is %d bytes", ErrInvalidFile, p.subheaderCount, len(buf))
	}
	return p, nil
}

// hasMeta reports whether the page can carry metadata subheaders.
func (p *page) hasMeta() bool {
	return p.typ == pageMeta || p.typ == pageMix || p.typ == pageAMD
}

func (p *page) pointer(i int) subheaderPointer {
	h := p.h
	off := h.pageBitOffset() + 8 + i*h.subheaderPointerSize()
	b := p.buf[off:]
	w := h.wordSize()
	return subheaderPointer{
		offset:      int(h.word(b, 0)),
		length:      int(h.word(b, w)),
		compression: b[2*w],
		typ:         b[2*w+1],
	}
}

// payload bounds-checks a pointer against the page and returns its bytes.
func (p *page) payload(ptr subheaderPointer) ([]byte, error) {
	if ptr.offset < 0 || ptr.length < 0 || ptr.offset+ptr.length > len(p.buf) {
		return nil, fmt.Errorf("%w: subheader at %d+%d overruns page of %d bytes",
			ErrInvalidFile, ptr.offset, ptr.length, len(p.buf))
	}
	return p.buf[ptr.offset : ptr.offset+ptr.length], nil
}

// dataOffset is where packed row data begins: past the pointer array,
// rounded up to an 8-byte boundary.
func (p *page) dataOffset() int {
	off := p.h.pageBitOffset() + 8 + p.subheaderCount*p.h.subheaderPointerSize()
	return (off + 7) &^ 7
}

// packedRows returns how many whole rows of the given length fit in the
// packed region, capped by the page's own block count.
func (p *page) packedRows(rowLength, declared int) int {
	if rowLength <= 0 {
		return 0
	}
	fit := (len(p.buf) - p.dataOffset()) / rowLength
	if declared < fit {
		fit = declared
	}
	if fit < 0 {
		return 0
	}
	return fit
}

// packedRow returns the i'th packed row on a data or mix page.
func (p *page) packedRow(rowLength, i int) []byte {
	off := p.dataOffset() + i*rowLength
	return p.buf[off : off+rowLength]
}
