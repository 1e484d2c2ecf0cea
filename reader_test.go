package sas7bdat

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/array"
	"github.com/sasio/sas7bdat/pkg/storage"
	"github.com/stretchr/testify/require"
)

const (
	testHeaderSize = 1024
	testPageSize   = 4096
)

func le16(b []byte, off int, v uint16) { binary.LittleEndian.PutUint16(b[off:], v) }
func le32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:], v) }

// Fixture files are little-endian 32-bit throughout: page and subheader
// layouts are built to the same offsets the parser reads.

func testFileHeader(pageCount int) []byte {
	b := make([]byte, testHeaderSize)
	copy(b, magic)
	b[37] = 0x01 // little-endian
	b[70] = 20   // UTF-8
	copy(b[92:], "TESTDATA")
	le32(b, 196, testHeaderSize)
	le32(b, 200, testPageSize)
	le32(b, 204, uint32(pageCount))
	return b
}

func shRowSize(rowLength, rowCount, mixRowCount int) []byte {
	b := make([]byte, 64)
	le32(b, 0, sigRowSize)
	le32(b, 20, uint32(rowLength))
	le32(b, 24, uint32(rowCount))
	le32(b, 60, uint32(mixRowCount))
	return b
}

func shColSize(n int) []byte {
	b := make([]byte, 8)
	le32(b, 0, sigColSize)
	le32(b, 4, uint32(n))
	return b
}

func shColText(blob []byte) []byte {
	b := make([]byte, 4+len(blob))
	le32(b, 0, sigColText)
	copy(b[4:], blob)
	return b
}

func shColName(refs []textRef) []byte {
	b := make([]byte, 12+8*len(refs))
	le32(b, 0, sigColName)
	for i, r := range refs {
		off := 12 + 8*i
		le16(b, off, uint16(r.idx))
		le16(b, off+2, uint16(r.off))
		le16(b, off+4, uint16(r.length))
	}
	return b
}

func shColAttrs(attrs []colAttr) []byte {
	b := make([]byte, 12+12*len(attrs))
	le32(b, 0, sigColAttrs)
	for i, a := range attrs {
		off := 12 + 12*i
		le32(b, off, uint32(a.offset))
		le32(b, off+4, uint32(a.width))
		if a.numeric {
			b[off+10] = 1
		} else {
			b[off+10] = 2
		}
	}
	return b
}

func shColFormat(decimals int, name textRef) []byte {
	b := make([]byte, 48)
	le32(b, 0, sigColFormat)
	le16(b, 22, uint16(decimals))
	le16(b, 34, uint16(name.idx))
	le16(b, 36, uint16(name.off))
	le16(b, 38, uint16(name.length))
	return b
}

type testPointer struct {
	payload     []byte
	compression byte
	typ         byte
}

// testPage lays out one page: subheader payloads pack down from the page
// tail with their pointers in the array after the page prefix, and packed
// rows start on the first 8-byte boundary past the pointer array.
func testPage(typ uint16, ptrs []testPointer, rows [][]byte) []byte {
	b := make([]byte, testPageSize)
	le16(b, 16, typ)
	le16(b, 18, uint16(len(ptrs)+len(rows)))
	le16(b, 20, uint16(len(ptrs)))
	tail := testPageSize
	for i, p := range ptrs {
		tail -= len(p.payload)
		copy(b[tail:], p.payload)
		off := 24 + 12*i
		le32(b, off, uint32(tail))
		le32(b, off+4, uint32(len(p.payload)))
		b[off+8] = p.compression
		b[off+9] = p.typ
	}
	rowOff := (24 + 12*len(ptrs) + 7) &^ 7
	for _, r := range rows {
		copy(b[rowOff:], r)
		rowOff += len(r)
	}
	return b
}

type testColumn struct {
	name     string
	format   string
	offset   int
	width    int
	numeric  bool
	decimals int
}

// metaPointers builds the metadata subheaders describing cols.
func metaPointers(cols []testColumn, rowLength, rowCount, mixRowCount int, compression string) []testPointer {
	var blob []byte
	addText := func(s string) textRef {
		r := textRef{idx: 0, off: len(blob), length: len(s)}
		blob = append(blob, s...)
		return r
	}
	if compression != "" {
		addText(compression)
	}
	nameRefs := make([]textRef, len(cols))
	formatRefs := make([]textRef, len(cols))
	attrs := make([]colAttr, len(cols))
	for i, c := range cols {
		nameRefs[i] = addText(c.name)
		if c.format != "" {
			formatRefs[i] = addText(c.format)
		}
		attrs[i] = colAttr{offset: c.offset, width: c.width, numeric: c.numeric}
	}
	ptrs := []testPointer{
		{payload: shRowSize(rowLength, rowCount, mixRowCount)},
		{payload: shColSize(len(cols))},
		{payload: shColText(blob)},
		{payload: shColName(nameRefs)},
		{payload: shColAttrs(attrs)},
	}
	for i, c := range cols {
		ptrs = append(ptrs, testPointer{payload: shColFormat(c.decimals, formatRefs[i])})
	}
	return ptrs
}

var testColumns = []testColumn{
	{name: "id", format: "BEST", offset: 0, width: 8, numeric: true},
	{name: "name", offset: 8, width: 8},
	{name: "score", offset: 16, width: 8, numeric: true},
	{name: "when", format: "DATETIME", offset: 24, width: 8, numeric: true},
	{name: "day", format: "DATE", offset: 32, width: 8, numeric: true},
}

const testRowLength = 40

func testRow(id int) []byte {
	row := make([]byte, testRowLength)
	putFloat(row[0:], float64(id))
	copy(row[8:16], fmt.Sprintf("%-8s", fmt.Sprintf("r%03d", id)))
	putFloat(row[16:], float64(id)/2)
	putFloat(row[24:], 315619200+float64(id))
	putFloat(row[32:], 3653+float64(id))
	return row
}

// buildTestFile assembles an uncompressed file: one metadata page, then
// data pages of packed rows.
func buildTestFile(rowCount int) []byte {
	ptrs := metaPointers(testColumns, testRowLength, rowCount, 0, "")
	pages := [][]byte{testPage(pageMeta, ptrs, nil)}
	perPage := (testPageSize - 24) / testRowLength
	var rows [][]byte
	for i := 0; i < rowCount; i++ {
		rows = append(rows, testRow(i))
		if len(rows) == perPage || i == rowCount-1 {
			pages = append(pages, testPage(pageData, nil, rows))
			rows = nil
		}
	}
	file := testFileHeader(len(pages))
	for _, p := range pages {
		file = append(file, p...)
	}
	return file
}

// buildMixFile puts the metadata subheaders and the first mixRows rows
// on one mix page, with any remaining rows on a trailing data page.
func buildMixFile(mixRows, extraRows, declaredMix int) []byte {
	total := mixRows + extraRows
	ptrs := metaPointers(testColumns, testRowLength, total, declaredMix, "")
	var rows [][]byte
	for i := 0; i < mixRows; i++ {
		rows = append(rows, testRow(i))
	}
	pages := [][]byte{testPage(pageMix, ptrs, rows)}
	if extraRows > 0 {
		rows = nil
		for i := mixRows; i < total; i++ {
			rows = append(rows, testRow(i))
		}
		pages = append(pages, testPage(pageData, nil, rows))
	}
	file := testFileHeader(len(pages))
	for _, p := range pages {
		file = append(file, p...)
	}
	return file
}

func TestMixPageRows(t *testing.T) {
	r := newTestReader(t, buildMixFile(6, 2, 6))
	rec, err := r.NextBatch()
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(8), rec.NumRows())
	ids := rec.Column(0).(*array.Int64)
	for i := 0; i < 8; i++ {
		require.Equal(t, int64(i), ids.Value(i))
	}
	_, err = r.NextBatch()
	require.ErrorIs(t, err, ErrEndOfData)
}

func TestMixPageDeclaredRowCap(t *testing.T) {
	// The row-size subheader declares more mix rows than the data set
	// holds; the total row count caps the page scan.
	r := newTestReader(t, buildMixFile(3, 0, 50))
	rec, err := r.NextBatch()
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(3), rec.NumRows())
	require.Equal(t, int64(2), rec.Column(0).(*array.Int64).Value(2))
}

func newTestReader(t *testing.T, data []byte, opts ...Option) *Reader {
	t.Helper()
	r, err := NewReader(storage.NewBytesReader(data), int64(len(data)), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestSchema(t *testing.T) {
	r := newTestReader(t, buildTestFile(10))
	s, err := r.Schema()
	require.NoError(t, err)
	require.Equal(t, int64(10), s.RowCount)
	require.Equal(t, "UTF-8", s.Encoding)
	var names []string
	var types []Type
	for _, c := range s.Columns {
		names = append(names, c.Name)
		types = append(types, c.Type)
	}
	require.Equal(t, []string{"id", "name", "score", "when", "day"}, names)
	require.Equal(t, []Type{TypeInteger, TypeString, TypeNumber, TypeDateTime, TypeDate}, types)

	// Schema is parsed once and cached.
	again, err := r.Schema()
	require.NoError(t, err)
	require.Same(t, s, again)

	as := s.Arrow()
	require.Equal(t, 5, len(as.Fields()))
	require.Equal(t, arrow.PrimitiveTypes.Int64, as.Field(0).Type)
	require.Same(t, as, s.Arrow())
}

func TestReadAll(t *testing.T) {
	r := newTestReader(t, buildTestFile(100), WithChunkSize(32))
	var sizes []int64
	next := 0
	for {
		rec, err := r.NextBatch()
		if err == ErrEndOfData {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, rec.NumRows())
		ids := rec.Column(0).(*array.Int64)
		names := rec.Column(1).(*array.String)
		scores := rec.Column(2).(*array.Float64)
		whens := rec.Column(3).(*array.Timestamp)
		days := rec.Column(4).(*array.Date32)
		for i := 0; i < int(rec.NumRows()); i++ {
			require.Equal(t, int64(next), ids.Value(i))
			require.Equal(t, fmt.Sprintf("r%03d", next), names.Value(i))
			require.Equal(t, float64(next)/2, scores.Value(i))
			require.Equal(t, arrow.Timestamp(next)*1_000_000, whens.Value(i))
			require.Equal(t, arrow.Date32(next), days.Value(i))
			next++
		}
		rec.Release()
	}
	require.Equal(t, 100, next)
	require.Equal(t, []int64{32, 32, 32, 4}, sizes)
}

func TestRowRange(t *testing.T) {
	r := newTestReader(t, buildTestFile(100), WithChunkSize(4))
	require.NoError(t, r.SetRowRange(10, 20))
	var ids []int64
	var sizes []int64
	for {
		rec, err := r.NextBatch()
		if err == ErrEndOfData {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, rec.NumRows())
		col := rec.Column(0).(*array.Int64)
		for i := 0; i < col.Len(); i++ {
			ids = append(ids, col.Value(i))
		}
		rec.Release()
	}
	require.Len(t, ids, 10)
	require.Equal(t, int64(10), ids[0])
	require.Equal(t, int64(19), ids[9])
	// The final batch is capped where the range ends.
	require.Equal(t, []int64{4, 4, 2}, sizes)
}

func TestRowRangeUnbounded(t *testing.T) {
	r := newTestReader(t, buildTestFile(20), WithChunkSize(64))
	require.NoError(t, r.SetRowRange(3, 0))
	rec, err := r.NextBatch()
	require.NoError(t, err)
	defer rec.Release()
	require.Equal(t, int64(17), rec.NumRows())
	require.Equal(t, int64(3), rec.Column(0).(*array.Int64).Value(0))
}

func TestRowRangePastEnd(t *testing.T) {
	r := newTestReader(t, buildTestFile(5))
	require.NoError(t, r.SetRowRange(100, 0))
	_, err := r.NextBatch()
	require.ErrorIs(t, err, ErrEndOfData)
}

func TestInvalidRowRange(t *testing.T) {
	r := newTestReader(t, buildTestFile(5))
	require.ErrorIs(t, r.SetRowRange(5, 5), ErrInvalidRange)
	require.ErrorIs(t, r.SetRowRange(7, 3), ErrInvalidRange)
	require.ErrorIs(t, r.SetRowRange(-1, 0), ErrInvalidRange)
	require.NotEmpty(t, r.LastError())

	// The range is fixed once streaming begins.
	rec, err := r.NextBatch()
	require.NoError(t, err)
	rec.Release()
	require.ErrorIs(t, r.SetRowRange(0, 2), ErrInvalidRange)
}

func TestEndOfDataIsSticky(t *testing.T) {
	r := newTestReader(t, buildTestFile(3))
	rec, err := r.NextBatch()
	require.NoError(t, err)
	require.Equal(t, int64(3), rec.NumRows())
	rec.Release()
	for i := 0; i < 3; i++ {
		_, err := r.NextBatch()
		require.ErrorIs(t, err, ErrEndOfData)
	}
}

func TestColumnProjection(t *testing.T) {
	r := newTestReader(t, buildTestFile(4), WithColumns("day", "id"))
	rec, err := r.NextBatch()
	require.NoError(t, err)
	defer rec.Release()
	// Projection keeps file column order.
	require.Equal(t, int64(2), rec.NumCols())
	require.Equal(t, "id", rec.Schema().Field(0).Name)
	require.Equal(t, "day", rec.Schema().Field(1).Name)
	require.Equal(t, arrow.Date32(2), rec.Column(1).(*array.Date32).Value(2))
}

func TestColumnProjectionUnknownName(t *testing.T) {
	r := newTestReader(t, buildTestFile(4), WithColumns("nope"))
	_, err := r.Schema()
	require.ErrorContains(t, err, `unknown column "nope"`)
}

func TestColumnInfo(t *testing.T) {
	r := newTestReader(t, buildTestFile(4))
	info, err := r.ColumnInfo(2)
	require.NoError(t, err)
	require.Equal(t, ColumnInfo{Name: "score", TypeName: "number", Index: 2}, info)

	_, err = r.ColumnInfo(9)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
	require.NotEmpty(t, r.LastError())
	_, err = r.ColumnInfo(-1)
	require.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestInvalidMagic(t *testing.T) {
	data := buildTestFile(4)
	data[12] ^= 0xFF
	r := newTestReader(t, data)
	_, err := r.Schema()
	require.ErrorIs(t, err, ErrInvalidFile)
	require.NotEmpty(t, r.LastError())
}

func TestTruncatedFile(t *testing.T) {
	data := buildTestFile(4)
	r := newTestReader(t, data[:100])
	_, err := r.Schema()
	require.ErrorIs(t, err, ErrInvalidFile)
}

func TestOpenNotFound(t *testing.T) {
	_, err := Open("/no/such/file.sas7bdat")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestChunkSizeValidation(t *testing.T) {
	_, err := NewReader(storage.NewBytesReader(buildTestFile(1)), 1, WithChunkSize(0))
	require.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newTestReader(t, buildTestFile(1))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err := r.NextBatch()
	require.ErrorContains(t, err, "closed")
}
