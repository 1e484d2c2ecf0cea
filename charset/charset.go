// Package charset converts column text from the character encoding a
// SAS7BDAT file declares in its header into UTF-8.  Conversion is built
// once per file and applied in bulk to finished string columns.
package charset

import (
	"fmt"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// Strategy tells callers whether conversion work is needed at all.  Files
// already in UTF-8 (or its ASCII subset) take the None path and column
// bytes pass through untouched.
type Strategy int

const (
	None Strategy = iota
	Bulk
)

// Converter decodes raw column bytes into UTF-8 strings.  A value that
// fails to decode keeps its raw bytes; a broken cell should not poison
// the rest of a column.
type Converter struct {
	name     string
	strategy Strategy
	decoder  *encoding.Decoder
}

// encodingNames maps the header encoding byte to an IANA charset name.
// Zero means the file does not declare an encoding; such files are almost
// always Windows Latin-1 in practice.
var encodingNames = map[byte]string{
	0:   "windows-1252",
	20:  "UTF-8",
	28:  "US-ASCII",
	29:  "ISO-8859-1",
	30:  "ISO-8859-2",
	31:  "ISO-8859-3",
	34:  "ISO-8859-6",
	35:  "ISO-8859-7",
	36:  "ISO-8859-8",
	39:  "ISO-8859-9",
	40:  "ISO-8859-11",
	41:  "ISO-8859-15",
	60:  "windows-1250",
	61:  "windows-1251",
	62:  "windows-1252",
	63:  "windows-1253",
	64:  "windows-1254",
	65:  "windows-1255",
	66:  "windows-1256",
	67:  "windows-1257",
	119: "Big5",
	123: "GB18030",
	125: "GBK",
	134: "EUC-JP",
	136: "Shift_JIS",
	140: "EUC-KR",
}

// FromByte builds the converter for a header encoding byte.  Unknown
// bytes are an error; the caller can override with an explicit name or
// fall back to Raw.
func FromByte(b byte) (*Converter, error) {
	name, ok := encodingNames[b]
	if !ok {
		return nil, fmt.Errorf("charset: unknown encoding byte 0x%X", b)
	}
	return ForName(name)
}

// Raw is the pass-through converter: bytes are taken as they are.
func Raw() *Converter {
	return &Converter{name: "raw"}
}

// ForName builds a converter for an IANA charset name.
func ForName(name string) (*Converter, error) {
	e, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("charset: %q: %w", name, err)
	}
	c := &Converter{name: name}
	// A nil encoding means the index knows the name but x/text carries
	// no table for it; UTF-8 and ASCII need no conversion either way.
	if e == nil || name == "UTF-8" || name == "US-ASCII" {
		return c, nil
	}
	c.strategy = Bulk
	c.decoder = e.NewDecoder()
	return c, nil
}

func (c *Converter) Name() string { return c.name }

func (c *Converter) Strategy() Strategy { return c.strategy }

// Decode converts one value.  On conversion failure the raw bytes are
// returned unchanged.
func (c *Converter) Decode(b []byte) string {
	if c.strategy == None || len(b) == 0 {
		return string(b)
	}
	out, err := c.decoder.Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(out)
}

// DecodeAll converts a finished column in one pass.  nil entries stay
// empty; the builder tracks nulls separately.
func (c *Converter) DecodeAll(values [][]byte) []string {
	out := make([]string, len(values))
	for i, b := range values {
		if b == nil {
			continue
		}
		out[i] = c.Decode(b)
	}
	return out
}
