package storage

import "bytes"

// BytesReader adapts an in-memory buffer to the Reader interface, for
// sources that are already materialized (and for test fixtures).
type BytesReader struct {
	*bytes.Reader
}

var _ Reader = (*BytesReader)(nil)
var _ Sizer = (*BytesReader)(nil)

func NewBytesReader(b []byte) *BytesReader {
	return &BytesReader{bytes.NewReader(b)}
}

// Close is a no-op; there is no handle behind the buffer.
func (*BytesReader) Close() error {
	return nil
}

func (r *BytesReader) Size() (int64, error) {
	return r.Reader.Size(), nil
}
