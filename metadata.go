package sas7bdat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"regexp"
)

// Metadata subheader signatures, as they read in the low 32 signature bits.
const (
	sigRowSize   = 0xF7F7F7F7
	sigColSize   = 0xF6F6F6F6
	sigCounts    = 0xFFFFFC00
	sigColText   = 0xFFFFFFFD
	sigColName   = 0xFFFFFFFF
	sigColAttrs  = 0xFFFFFFFC
	sigColList   = 0xFFFFFFFE
	sigColFormat = 0xFFFFFBFE
)

var compressionLiterals = [][]byte{[]byte("SASYZCRL"), []byte("SASYZCR2")}

// textRef locates a string inside one of the column-text subheaders.
type textRef struct {
	idx, off, length int
}

type colAttr struct {
	offset  int
	width   int
	numeric bool
}

type colFormat struct {
	width    int
	decimals int
	name     textRef
	label    textRef
}

// metadata accumulates the column description spread across the metadata
// subheaders of the leading pages.  Subheaders may arrive over several
// pages and in any order except that text subheaders precede the name and
// format subheaders that reference them.
type metadata struct {
	h *header

	rowLength   int
	rowCount    int64
	mixRowCount int64
	colCount    int
	compression string

	texts   [][]byte
	names   []textRef
	attrs   []colAttr
	formats []colFormat
}

// signature reads a subheader signature.  In 64-bit files the signature
// field widens to eight bytes but the distinctive half carries over.
func (m *metadata) signature(b []byte) uint32 {
	if len(b) < m.h.wordSize() {
		return 0
	}
	if m.h.u64 && m.h.order == binary.BigEndian {
		return m.h.order.Uint32(b[4:])
	}
	return m.h.order.Uint32(b)
}

// apply folds one metadata subheader payload into the accumulated state.
// Unrecognized signatures are skipped; SAS writes several bookkeeping
// subheaders a reader has no use for.
func (m *metadata) apply(b []byte) error {
	w := m.h.wordSize()
	switch m.signature(b) {
	case sigRowSize:
		if len(b) < 16*w {
			return fmt.Errorf("%w: short row-size subheader (%d bytes)", ErrInvalidFile, len(b))
		}
		m.rowLength = int(m.h.word(b, 5*w))
		m.rowCount = m.h.word(b, 6*w)
		m.mixRowCount = m.h.word(b, 15*w)
		if m.rowLength <= 0 || m.rowCount < 0 {
			return fmt.Errorf("%w: impossible row geometry (%d x %d)", ErrInvalidFile, m.rowLength, m.rowCount)
		}
	case sigColSize:
		if len(b) < 2*w {
			return fmt.Errorf("%w: short column-size subheader", ErrInvalidFile)
		}
		m.colCount = int(m.h.word(b, w))
	case sigColText:
		// The payload aliases a reused page buffer; text subheaders are
		// referenced long after the page is gone.
		text := append([]byte(nil), b[w:]...)
		if len(m.texts) == 0 {
			for _, lit := range compressionLiterals {
				if i := bytes.Index(text, lit); i >= 0 {
					m.compression = string(lit)
					break
				}
			}
		}
		m.texts = append(m.texts, text)
	case sigColName:
		for off := w + 8; off+8 <= len(b); off += 8 {
			r := textRef{
				idx:    int(m.h.order.Uint16(b[off:])),
				off:    int(m.h.order.Uint16(b[off+2:])),
				length: int(m.h.order.Uint16(b[off+4:])),
			}
			if r.length == 0 {
				continue
			}
			m.names = append(m.names, r)
		}
	case sigColAttrs:
		entry := w + 8
		for off := w + 8; off+entry <= len(b); off += entry {
			a := colAttr{
				offset:  int(m.h.word(b, off)),
				width:   int(m.h.order.Uint32(b[off+w:])),
				numeric: b[off+w+6] == 1,
			}
			if a.width == 0 {
				continue
			}
			m.attrs = append(m.attrs, a)
		}
	case sigColFormat:
		if len(b) < 3*w+34 {
			return fmt.Errorf("%w: short column-format subheader", ErrInvalidFile)
		}
		base := 3 * w
		m.formats = append(m.formats, colFormat{
			width:    int(m.h.order.Uint16(b[base+8:])),
			decimals: int(m.h.order.Uint16(b[base+10:])),
			name:     m.readTextRef(b, base+22),
			label:    m.readTextRef(b, base+28),
		})
	case sigCounts, sigColList:
		// Bookkeeping only.
	}
	return nil
}

func (m *metadata) readTextRef(b []byte, off int) textRef {
	return textRef{
		idx:    int(m.h.order.Uint16(b[off:])),
		off:    int(m.h.order.Uint16(b[off+2:])),
		length: int(m.h.order.Uint16(b[off+4:])),
	}
}

// text resolves a reference into the collected text subheaders.  Out of
// range references resolve to the empty string rather than an error; SAS
// files in the wild contain dangling label references.
func (m *metadata) text(r textRef) string {
	if r.idx < 0 || r.idx >= len(m.texts) || r.length <= 0 {
		return ""
	}
	t := m.texts[r.idx]
	if r.off < 0 || r.off+r.length > len(t) {
		return ""
	}
	return string(trimPadding(t[r.off : r.off+r.length]))
}

// schema assembles the column descriptors once all metadata pages have
// been applied.
func (m *metadata) schema() (*Schema, error) {
	if m.rowLength == 0 {
		return nil, fmt.Errorf("%w: no row-size subheader", ErrInvalidFile)
	}
	if m.colCount == 0 || len(m.names) < m.colCount || len(m.attrs) < m.colCount {
		return nil, fmt.Errorf("%w: incomplete column metadata (%d columns, %d names, %d attributes)",
			ErrInvalidFile, m.colCount, len(m.names), len(m.attrs))
	}
	s := &Schema{
		Columns:   make([]Column, 0, m.colCount),
		RowCount:  m.rowCount,
		rowLength: m.rowLength,
	}
	for i := 0; i < m.colCount; i++ {
		a := m.attrs[i]
		if a.offset < 0 || a.offset+a.width > m.rowLength {
			return nil, fmt.Errorf("%w: column %d extends past row length %d", ErrInvalidFile, i, m.rowLength)
		}
		c := Column{
			Name:   m.text(m.names[i]),
			Offset: a.offset,
			Length: a.width,
		}
		var f colFormat
		if i < len(m.formats) {
			f = m.formats[i]
			c.Format = m.text(f.name)
		}
		if a.numeric {
			c.Type = classifyNumeric(c.Format, f.decimals)
		} else {
			c.Type = TypeString
		}
		s.Columns = append(s.Columns, c)
	}
	return s, nil
}

// Display formats that mark a numeric column as carrying a date, a
// datetime, or a time-of-day.  Datetime formats are matched first since
// several share a prefix with the date and time families.
var (
	datetimeFormats = regexp.MustCompile(`^(DATETIME|E8601DT|B8601DT|MDYAMPM|DTDATE|DTMONYY|DTWKDATX|DTYEAR|TODSTAMP)`)
	timeFormats     = regexp.MustCompile(`^(TIME|HHMM|HOUR|MMSS|TOD|E8601TM|B8601TM)`)
	dateFormats     = regexp.MustCompile(`^(DATE|DAY|DDMMYY|DOWNAME|JULDAY|JULIAN|MMDDYY|MMYY|MONNAME|MONTH|MONYY|NENGO|QTR|WEEKDATE|WEEKDAY|WORDDATE|YEAR|YYMM|YYMMDD|YYMON|E8601DA|B8601DA|MINGUO)`)
)

// classifyNumeric refines a numeric column using its display format.  A
// plain numeric format with no declared decimal places marks an integer
// column; everything else stays a double.
func classifyNumeric(format string, decimals int) Type {
	switch {
	case format == "":
		return TypeNumber
	case datetimeFormats.MatchString(format):
		return TypeDateTime
	case timeFormats.MatchString(format):
		return TypeTime
	case dateFormats.MatchString(format):
		return TypeDate
	case decimals == 0:
		return TypeInteger
	default:
		return TypeNumber
	}
}
