package storage

import (
	"os"
)

type fileReader struct {
	*os.File
}

var _ Reader = (*fileReader)(nil)
var _ Sizer = (*fileReader)(nil)

// OpenFile opens a local file as a Reader.  Not-found errors pass
// through as os errors for the caller to classify.
func OpenFile(path string) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return &fileReader{f}, nil
}

func (f *fileReader) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
