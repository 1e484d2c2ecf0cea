package sas7bdat

import (
	"encoding/binary"
	"math"
)

// SAS stores dates as days and datetimes as seconds since 1960-01-01.
// Emitted values are relative to the Unix epoch.
const (
	epochShiftDays    = 3653
	epochShiftSeconds = 315619200
	microsPerSecond   = 1_000_000
)

// Value is one decoded cell.  Exactly one of Bytes, Int, or Float is
// meaningful, selected by the column type; Null overrides all of them.
// A numeric missing value (NaN in the source) is always reported as Null,
// never as NaN.
type Value struct {
	Null  bool
	Bytes []byte
	Int   int64
	Float float64
}

var null = Value{Null: true}

// Extract decodes the cell for column c from a decompressed row buffer.
// It is a pure function of the buffer contents and the column descriptor.
// The returned Bytes alias the row buffer and are only valid until the
// buffer is overwritten by the next row.
func (c *Column) Extract(row []byte, order binary.ByteOrder) Value {
	switch c.Type {
	case TypeString, TypeUnknown:
		b := trimPadding(row[c.Offset : c.Offset+c.Length])
		if b == nil {
			return null
		}
		return Value{Bytes: b}
	case TypeInteger:
		f, ok := c.number(row, order)
		if !ok {
			return null
		}
		return Value{Int: int64(f)}
	case TypeNumber:
		f, ok := c.number(row, order)
		if !ok {
			return null
		}
		return Value{Float: f}
	case TypeDate:
		f, ok := c.number(row, order)
		if !ok {
			return null
		}
		return Value{Int: int64(f) - epochShiftDays}
	case TypeDateTime:
		f, ok := c.number(row, order)
		if !ok {
			return null
		}
		return Value{Int: (int64(f) - epochShiftSeconds) * microsPerSecond}
	case TypeTime:
		f, ok := c.number(row, order)
		if !ok {
			return null
		}
		return Value{Int: int64(f * microsPerSecond)}
	default:
		return null
	}
}

// number decodes a SAS numeric field.  Fields are IEEE doubles truncated
// to 3..8 bytes: the stored bytes are the most significant ones, so the
// value is reconstructed by zero-filling the low-order end.  Any NaN bit
// pattern (including the special missing values .A-.Z and ._) is the
// missing-value sentinel and reports !ok.
func (c *Column) number(row []byte, order binary.ByteOrder) (float64, bool) {
	var full [8]byte
	b := row[c.Offset : c.Offset+c.Length]
	if len(b) > 8 {
		b = b[:8]
	}
	if order == binary.LittleEndian {
		copy(full[8-len(b):], b)
	} else {
		copy(full[:], b)
	}
	f := math.Float64frombits(order.Uint64(full[:]))
	if math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// trimPadding strips the trailing space and NUL padding of a fixed-width
// string field.  An all-blank field is indistinguishable from a missing
// one in this format, so it yields nil rather than an empty string.
func trimPadding(b []byte) []byte {
	i := len(b)
	for i > 0 && (b[i-1] == ' ' || b[i-1] == 0) {
		i--
	}
	if i == 0 {
		return nil
	}
	return b[:i]
}
