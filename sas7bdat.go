// Package sas7bdat reads SAS7BDAT data sets and streams their contents as
// Apache Arrow record batches.  A Reader decodes the file incrementally,
// one page at a time, so arbitrarily large files can be scanned without
// materializing them in memory.  Compressed files (both the RLE and RDC
// schemes) are decompressed row by row into a shared scratch buffer.
package sas7bdat

import (
	"errors"

	"github.com/apache/arrow/go/v12/arrow"
	"golang.org/x/exp/slices"
)

var (
	ErrNotFound        = errors.New("sas7bdat: file not found")
	ErrInvalidFile     = errors.New("sas7bdat: invalid file")
	ErrInvalidRange    = errors.New("sas7bdat: invalid row range")
	ErrIndexOutOfRange = errors.New("sas7bdat: column index out of range")
	ErrEndOfData       = errors.New("sas7bdat: end of data")
)

// Type is the logical type of a column.  Numeric columns are refined into
// Date, DateTime, and Time based on the column's display format.
type Type int

const (
	TypeUnknown Type = iota
	TypeString
	TypeInteger
	TypeNumber
	TypeDate
	TypeDateTime
	TypeTime
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeNumber:
		return "number"
	case TypeDate:
		return "date"
	case TypeDateTime:
		return "datetime"
	case TypeTime:
		return "time"
	default:
		return "unknown"
	}
}

// arrowType maps a column type to the Arrow type carried in emitted batches.
// Dates are days since the Unix epoch, datetimes and times are microseconds.
func (t Type) arrowType() arrow.DataType {
	switch t {
	case TypeInteger:
		return arrow.PrimitiveTypes.Int64
	case TypeNumber:
		return arrow.PrimitiveTypes.Float64
	case TypeDate:
		return arrow.FixedWidthTypes.Date32
	case TypeDateTime:
		return arrow.FixedWidthTypes.Timestamp_us
	case TypeTime:
		return arrow.FixedWidthTypes.Time64us
	default:
		return arrow.BinaryTypes.String
	}
}

// Column describes one variable of the data set: its position and width
// within a decompressed row buffer and its logical type.  Columns are built
// once from the file metadata and never mutated.
type Column struct {
	Name   string
	Type   Type
	Offset int
	Length int
	Format string
}

// ColumnInfo is the flattened column descriptor returned by
// Reader.ColumnInfo.
type ColumnInfo struct {
	Name     string
	TypeName string
	Index    int
}

// Schema is the ordered sequence of columns plus the file's declared
// source character encoding.  Column order defines output column order.
type Schema struct {
	Columns  []Column
	Encoding string
	RowCount int64

	rowLength int
	arrow     *arrow.Schema
}

func (s *Schema) LookupColumn(name string) int {
	return slices.IndexFunc(s.Columns, func(c Column) bool { return c.Name == name })
}

// Arrow returns the Arrow schema of emitted record batches.
func (s *Schema) Arrow() *arrow.Schema {
	if s.arrow == nil {
		fields := make([]arrow.Field, 0, len(s.Columns))
		for _, c := range s.Columns {
			fields = append(fields, arrow.Field{
				Name:     c.Name,
				Type:     c.Type.arrowType(),
				Nullable: true,
			})
		}
		s.arrow = arrow.NewSchema(fields, nil)
	}
	return s.arrow
}
