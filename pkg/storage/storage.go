// Package storage abstracts the byte sources a data set can be decoded
// from: local files and in-memory buffers.  Readers combine sequential
// and positional access since header and metadata reads are positional
// while page scans are sequential.
package storage

import (
	"errors"
	"io"
)

type Reader interface {
	io.Reader
	io.ReaderAt
	io.Closer
}

type Sizer interface {
	Size() (int64, error)
}

var ErrNotSupported = errors.New("method call on storage reader not supported")

// Size reports the total size of a Reader when it is knowable.
func Size(r Reader) (int64, error) {
	if sizer, ok := r.(Sizer); ok {
		return sizer.Size()
	}
	return 0, ErrNotSupported
}
