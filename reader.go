package sas7bdat

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow/go/v12/arrow"
	"github.com/apache/arrow/go/v12/arrow/memory"
	"github.com/sasio/sas7bdat/charset"
	"github.com/sasio/sas7bdat/compress"
	"github.com/sasio/sas7bdat/pkg/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultChunkSize is the number of rows per emitted record batch.
const DefaultChunkSize = 10_000

type state int

const (
	stateUninitialized state = iota
	stateSchemaReady
	stateStreaming
	stateExhausted
)

// Reader streams a SAS7BDAT data set as Arrow record batches.  It moves
// through four states: construction performs no I/O, the first Schema or
// NextBatch call parses the header and metadata pages, NextBatch then
// emits batches until the file (or the configured row range) is
// exhausted, after which every call reports ErrEndOfData.
//
// A Reader is not safe for concurrent use.
type Reader struct {
	src    storage.Reader
	size   int64
	logger *zap.Logger
	mem    memory.Allocator

	chunkSize    int
	columns      []string
	encodingName string

	state     state
	closed    bool
	lastErr   string
	finalized bool

	h       *header
	meta    *metadata
	schema  *Schema
	conv    *charset.Converter
	decomp  compress.Decompressor
	builder *batchBuilder

	// Page walk state.
	pageIndex   int64
	cur         *page
	pageBuf     []byte
	ptrIndex    int
	packedIndex int
	packedCount int
	scratch     []byte
	produced    int64

	// Row range state.
	startRow int64
	endRow   int64 // 0 means unbounded
	emitted  int64
}

type Option func(*Reader)

// WithChunkSize sets the number of rows per batch.
func WithChunkSize(n int) Option {
	return func(r *Reader) { r.chunkSize = n }
}

// WithColumns restricts output to the named columns.  Output column
// order stays the file's column order.
func WithColumns(names ...string) Option {
	return func(r *Reader) { r.columns = names }
}

// WithEncoding overrides the character encoding declared in the file
// header with an IANA charset name.
func WithEncoding(name string) Option {
	return func(r *Reader) { r.encodingName = name }
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Reader) { r.logger = logger }
}

// Open opens a SAS7BDAT file on the local file system.
func Open(path string, opts ...Option) (*Reader, error) {
	src, err := storage.OpenFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	size, err := storage.Size(src)
	if err != nil {
		src.Close()
		return nil, err
	}
	r, err := NewReader(src, size, opts...)
	if err != nil {
		src.Close()
		return nil, err
	}
	return r, nil
}

// NewReader wraps an open byte source of the given total size.  The
// reader takes ownership and closes it on Close.  No bytes are read
// until the first Schema or NextBatch call.
func NewReader(src storage.Reader, size int64, opts ...Option) (*Reader, error) {
	r := &Reader{
		src:       src,
		size:      size,
		logger:    zap.NewNop(),
		mem:       memory.DefaultAllocator,
		chunkSize: DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.chunkSize <= 0 {
		return nil, fmt.Errorf("sas7bdat: chunk size must be positive, got %d", r.chunkSize)
	}
	return r, nil
}

// Schema parses the header and metadata pages on first call and returns
// the cached column descriptions afterwards.
func (r *Reader) Schema() (*Schema, error) {
	if err := r.init(); err != nil {
		return nil, err
	}
	return r.schema, nil
}

// ColumnInfo describes the i'th column of the data set.
func (r *Reader) ColumnInfo(i int) (ColumnInfo, error) {
	if err := r.init(); err != nil {
		return ColumnInfo{}, err
	}
	if i < 0 || i >= len(r.schema.Columns) {
		return ColumnInfo{}, r.fail(fmt.Errorf("%w: column %d of %d", ErrIndexOutOfRange, i, len(r.schema.Columns)))
	}
	c := r.schema.Columns[i]
	return ColumnInfo{Name: c.Name, TypeName: c.Type.String(), Index: i}, nil
}

// SetRowRange limits streaming to the half-open logical row interval
// [start, end).  end == 0 means no upper bound.  The range must be set
// before the first NextBatch call.
func (r *Reader) SetRowRange(start, end int64) error {
	if r.state == stateStreaming || r.state == stateExhausted {
		return r.fail(fmt.Errorf("%w: row range must be set before streaming starts", ErrInvalidRange))
	}
	if start < 0 || end < 0 || (end != 0 && start >= end) {
		return r.fail(fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, start, end))
	}
	r.startRow, r.endRow = start, end
	return nil
}

// NextBatch decodes and returns the next batch of rows.  The final batch
// may be shorter than the chunk size; once the data (or the row range) is
// exhausted, every call returns ErrEndOfData.  The caller owns the
// returned record and must Release it.
func (r *Reader) NextBatch() (arrow.Record, error) {
	if r.closed {
		return nil, r.fail(errors.New("sas7bdat: reader is closed"))
	}
	if err := r.init(); err != nil {
		return nil, err
	}
	if r.state == stateExhausted {
		return nil, ErrEndOfData
	}
	if r.state == stateSchemaReady {
		r.state = stateStreaming
		if err := r.skipRows(r.startRow); err != nil {
			return nil, err
		}
	}
	// The previous batch's builders are still holding their arrays for
	// the caller; clear them now that a new batch begins.
	if r.finalized {
		r.builder.reset()
		r.finalized = false
	}
	// A bounded read never decodes past the range: the batch target is
	// the chunk size capped at the rows left before end_row, so rows
	// beyond the range are not even decompressed.
	want := int64(r.chunkSize)
	if r.endRow != 0 {
		if remaining := r.endRow - r.startRow - r.emitted; remaining < want {
			want = remaining
		}
	}
	eof := false
	for int64(r.builder.len()) < want {
		row, err := r.nextRow()
		if err == io.EOF {
			eof = true
			break
		}
		if err != nil {
			return nil, r.fail(err)
		}
		r.builder.appendRow(row, r.h.order)
	}
	rows := int64(r.builder.len())
	if rows == 0 {
		r.state = stateExhausted
		return nil, ErrEndOfData
	}
	rec := r.builder.finalize()
	r.finalized = true
	r.emitted += rows
	if eof || (r.endRow != 0 && r.emitted >= r.endRow-r.startRow) {
		r.state = stateExhausted
	}
	r.logger.Debug("batch emitted", zap.Int64("rows", rows), zap.Int64("total", r.emitted))
	return rec, nil
}

// Close releases the builders and closes the byte source.  It is
// idempotent.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	var err error
	if r.builder != nil {
		r.builder.release()
	}
	err = multierr.Append(err, r.src.Close())
	return err
}

// LastError returns the text of the most recent failure on this reader,
// or the empty string.  ErrEndOfData is not a failure.
func (r *Reader) LastError() string {
	return r.lastErr
}

func (r *Reader) fail(err error) error {
	r.lastErr = err.Error()
	return err
}

// init parses the header and walks the metadata pages.  It runs once;
// later calls are free.
func (r *Reader) init() error {
	if r.state != stateUninitialized {
		return nil
	}
	hdr := make([]byte, minHeaderSize)
	if _, err := r.src.ReadAt(hdr, 0); err != nil {
		return r.fail(fmt.Errorf("%w: %v", ErrInvalidFile, err))
	}
	h, err := parseHeader(hdr)
	if err != nil {
		return r.fail(err)
	}
	r.h = h
	r.logger.Debug("header parsed",
		zap.String("dataset", h.name),
		zap.Bool("u64", h.u64),
		zap.Int("page_size", h.pageSize),
		zap.Int64("page_count", h.pageCount))
	r.pageBuf = make([]byte, h.pageSize)
	r.meta = &metadata{h: h}
	if err := r.scanMetadata(); err != nil {
		return r.fail(err)
	}
	schema, err := r.meta.schema()
	if err != nil {
		return r.fail(err)
	}
	r.schema = schema
	if err := r.setupConversion(); err != nil {
		return r.fail(err)
	}
	r.decomp, err = compress.For(r.meta.compression)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %v", ErrInvalidFile, err))
	}
	r.logger.Debug("metadata parsed",
		zap.Int("columns", len(schema.Columns)),
		zap.Int64("rows", schema.RowCount),
		zap.String("compression", r.meta.compression),
		zap.String("encoding", schema.Encoding))
	proj, err := r.projection()
	if err != nil {
		return r.fail(err)
	}
	r.scratch = make([]byte, schema.rowLength)
	r.builder = newBatchBuilder(schema, proj, r.conv, r.mem)
	r.state = stateSchemaReady
	return nil
}

// scanMetadata applies the metadata subheaders of the leading pages until
// the column description is complete.
func (r *Reader) scanMetadata() error {
	for i := int64(0); i < r.h.pageCount; i++ {
		p, err := r.readPage(i)
		if err != nil {
			return err
		}
		if !p.hasMeta() {
			break
		}
		for j := 0; j < p.subheaderCount; j++ {
			ptr := p.pointer(j)
			if ptr.compression != ptrPlain || ptr.length == 0 {
				continue
			}
			payload, err := p.payload(ptr)
			if err != nil {
				return err
			}
			if err := r.meta.apply(payload); err != nil {
				return err
			}
		}
		if p.typ == pageMix {
			break
		}
	}
	return nil
}

func (r *Reader) setupConversion() error {
	if r.encodingName != "" {
		conv, err := charset.ForName(r.encodingName)
		if err != nil {
			return err
		}
		r.conv = conv
	} else if conv, err := charset.FromByte(r.h.encoding); err == nil {
		r.conv = conv
	} else {
		// An encoding byte we have no table for; pass bytes through
		// rather than refuse the file.
		r.logger.Warn("unknown encoding byte, passing text through", zap.Uint8("byte", r.h.encoding))
		r.conv = charset.Raw()
	}
	r.schema.Encoding = r.conv.Name()
	return nil
}

// projection resolves the configured column names to column indices, in
// file order.  No names selects every column.
func (r *Reader) projection() ([]int, error) {
	if len(r.columns) == 0 {
		proj := make([]int, len(r.schema.Columns))
		for i := range proj {
			proj[i] = i
		}
		return proj, nil
	}
	want := make(map[string]bool, len(r.columns))
	for _, name := range r.columns {
		if r.schema.LookupColumn(name) < 0 {
			return nil, fmt.Errorf("sas7bdat: unknown column %q", name)
		}
		want[name] = true
	}
	var proj []int
	for i, c := range r.schema.Columns {
		if want[c.Name] {
			proj = append(proj, i)
		}
	}
	return proj, nil
}

// skipRows advances past the rows before the requested start row by
// decoding and discarding them.
func (r *Reader) skipRows(n int64) error {
	for ; n > 0; n-- {
		if _, err := r.nextRow(); err != nil {
			if err == io.EOF {
				return nil
			}
			return r.fail(err)
		}
	}
	return nil
}

// nextRow returns the next decompressed row buffer, advancing through
// pages as needed.  It returns io.EOF when the file runs out of rows.
// The buffer is only valid until the following nextRow call.
func (r *Reader) nextRow() ([]byte, error) {
	if r.produced >= r.meta.rowCount {
		return nil, io.EOF
	}
	for {
		if r.cur == nil {
			if r.pageIndex >= r.h.pageCount {
				return nil, io.EOF
			}
			p, err := r.readPage(r.pageIndex)
			if err != nil {
				return nil, err
			}
			r.cur = p
			r.ptrIndex = 0
			r.packedIndex = 0
			r.packedCount = 0
			switch p.typ {
			case pageData:
				r.packedCount = p.packedRows(r.schema.rowLength, p.blockCount)
			case pageMix:
				declared := r.meta.mixRowCount
				if left := r.meta.rowCount - r.produced; declared > left {
					declared = left
				}
				r.packedCount = p.packedRows(r.schema.rowLength, int(declared))
			}
		}
		for r.ptrIndex < r.cur.subheaderCount {
			ptr := r.cur.pointer(r.ptrIndex)
			r.ptrIndex++
			switch {
			case ptr.compression == ptrCompressed:
				payload, err := r.cur.payload(ptr)
				if err != nil {
					return nil, err
				}
				if err := r.decomp.Decompress(r.scratch, payload); err != nil {
					return nil, fmt.Errorf("row %d: %w", r.produced, err)
				}
				r.produced++
				return r.scratch, nil
			case ptr.compression == ptrPlain && ptr.typ == 1 && ptr.length == r.schema.rowLength:
				// An incompressible row stored verbatim.
				payload, err := r.cur.payload(ptr)
				if err != nil {
					return nil, err
				}
				r.produced++
				return payload, nil
			}
		}
		if r.packedIndex < r.packedCount {
			row := r.cur.packedRow(r.schema.rowLength, r.packedIndex)
			r.packedIndex++
			r.produced++
			return row, nil
		}
		r.cur = nil
		r.pageIndex++
	}
}

// readPage reads and parses page i.  Pages follow the header back to
// back, each pageSize bytes.
func (r *Reader) readPage(i int64) (*page, error) {
	off := int64(r.h.headerSize) + i*int64(r.h.pageSize)
	if _, err := r.src.ReadAt(r.pageBuf, off); err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", ErrInvalidFile, i, err)
	}
	return parsePage(r.h, r.pageBuf)
}
