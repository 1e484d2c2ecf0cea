package sas7bdat

import (
	"encoding/binary"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/sasio/sas7bdat/charset"
)

// batchBuilder accumulates decoded rows into per-column Arrow builders
// and emits them as records.  Finalizing and resetting are separate
// steps: a finalized record stays valid while the caller consumes it, and
// the builders are cleared only when the next batch begins.
type batchBuilder struct {
	schema *arrow.Schema
	cols   []*Column
	b      []columnBuilder
	rows   int
}

type columnBuilder interface {
	append(v Value)
	finish() arrow.Array
	reset()
	release()
}

func newBatchBuilder(s *Schema, proj []int, conv *charset.Converter, mem memory.Allocator) *batchBuilder {
	fields := make([]arrow.Field, 0, len(proj))
	cols := make([]*Column, 0, len(proj))
	builders := make([]columnBuilder, 0, len(proj))
	for _, i := range proj {
		c := &s.Columns[i]
		fields = append(fields, arrow.Field{Name: c.Name, Type: c.Type.arrowType(), Nullable: true})
		cols = append(cols, c)
		builders = append(builders, newColumnBuilder(c.Type, conv, mem))
	}
	return &batchBuilder{
		schema: arrow.NewSchema(fields, nil),
		cols:   cols,
		b:      builders,
	}
}

func newColumnBuilder(t Type, conv *charset.Converter, mem memory.Allocator) columnBuilder {
	switch t {
	case TypeInteger:
		return &int64Builder{b: array.NewInt64Builder(mem)}
	case TypeNumber:
		return &float64Builder{b: array.NewFloat64Builder(mem)}
	case TypeDate:
		return &date32Builder{b: array.NewDate32Builder(mem)}
	case TypeDateTime:
		return &timestampBuilder{b: array.NewTimestampBuilder(mem, arrow.FixedWidthTypes.Timestamp_us.(*arrow.TimestampType))}
	case TypeTime:
		return &time64Builder{b: array.NewTime64Builder(mem, arrow.FixedWidthTypes.Time64us.(*arrow.Time64Type))}
	default:
		return &stringBuilder{b: array.NewStringBuilder(mem), conv: conv}
	}
}

// appendRow decodes one row buffer into every projected column.
func (bb *batchBuilder) appendRow(row []byte, order binary.ByteOrder) {
	for i, c := range bb.cols {
		bb.b[i].append(c.Extract(row, order))
	}
	bb.rows++
}

func (bb *batchBuilder) len() int { return bb.rows }

// finalize emits the accumulated rows as one record.  The builders keep
// their state until reset; the caller owns the returned record.
func (bb *batchBuilder) finalize() arrow.Record {
	arrays := make([]arrow.Array, len(bb.b))
	for i, cb := range bb.b {
		arrays[i] = cb.finish()
	}
	rec := array.NewRecord(bb.schema, arrays, int64(bb.rows))
	for _, a := range arrays {
		a.Release()
	}
	return rec
}

func (bb *batchBuilder) reset() {
	for _, cb := range bb.b {
		cb.reset()
	}
	bb.rows = 0
}

func (bb *batchBuilder) release() {
	for _, cb := range bb.b {
		cb.release()
	}
}

type int64Builder struct{ b *array.Int64Builder }

func (c *int64Builder) append(v Value) {
	if v.Null {
		c.b.AppendNull()
		return
	}
	c.b.Append(v.Int)
}
func (c *int64Builder) finish() arrow.Array { return c.b.NewArray() }
func (c *int64Builder) reset()              {}
func (c *int64Builder) release()            { c.b.Release() }

type float64Builder struct{ b *array.Float64Builder }

func (c *float64Builder) append(v Value) {
	if v.Null {
		c.b.AppendNull()
		return
	}
	c.b.Append(v.Float)
}
func (c *float64Builder) finish() arrow.Array { return c.b.NewArray() }
func (c *float64Builder) reset()              {}
func (c *float64Builder) release()            { c.b.Release() }

type date32Builder struct{ b *array.Date32Builder }

func (c *date32Builder) append(v Value) {
	if v.Null {
		c.b.AppendNull()
		return
	}
	c.b.Append(arrow.Date32(v.Int))
}
func (c *date32Builder) finish() arrow.Array { return c.b.NewArray() }
func (c *date32Builder) reset()              {}
func (c *date32Builder) release()            { c.b.Release() }

type timestampBuilder struct{ b *array.TimestampBuilder }

func (c *timestampBuilder) append(v Value) {
	if v.Null {
		c.b.AppendNull()
		return
	}
	c.b.Append(arrow.Timestamp(v.Int))
}
func (c *timestampBuilder) finish() arrow.Array { return c.b.NewArray() }
func (c *timestampBuilder) reset()              {}
func (c *timestampBuilder) release()            { c.b.Release() }

type time64Builder struct{ b *array.Time64Builder }

func (c *time64Builder) append(v Value) {
	if v.Null {
		c.b.AppendNull()
		return
	}
	c.b.Append(arrow.Time64(v.Int))
}
func (c *time64Builder) finish() arrow.Array { return c.b.NewArray() }
func (c *time64Builder) reset()              {}
func (c *time64Builder) release()            { c.b.Release() }

// stringBuilder defers work: values accumulate as raw byte copies and the
// charset conversion for the whole column runs once at finish.
type stringBuilder struct {
	b    *array.StringBuilder
	conv *charset.Converter
	raw  [][]byte
}

func (c *stringBuilder) append(v Value) {
	if v.Null {
		c.raw = append(c.raw, nil)
		return
	}
	// The value aliases the shared row buffer.
	c.raw = append(c.raw, append([]byte(nil), v.Bytes...))
}

func (c *stringBuilder) finish() arrow.Array {
	decoded := c.conv.DecodeAll(c.raw)
	for i, s := range decoded {
		if c.raw[i] == nil {
			c.b.AppendNull()
			continue
		}
		c.b.Append(s)
	}
	return c.b.NewArray()
}

func (c *stringBuilder) reset()   { c.raw = c.raw[:0] }
func (c *stringBuilder) release() { c.b.Release() }
