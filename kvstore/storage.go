package kvstore

import (
	"errors"
	"io"
	"os"
)

// Storage is what a Store needs from the backing medium: sequential reads
// and writes at the current position and seeking to absolute offsets.
// *os.File and *MemFile implement it.
//
// If Storage also implements io.Closer, Store.Close() closes it.
// If it implements Sync() error, it's called after writes when Store.SyncWrite is set.
// If it implements Truncate(size int64) error, a partially written frame is
// removed after a failed write. Otherwise the store refuses writes after
// such a failure.
type Storage interface {
	io.Reader
	io.Writer
	io.Seeker
}

type syncer interface {
	Sync() error
}

type truncater interface {
	Truncate(size int64) error
}

var (
	errNegativeOffset = errors.New("negative offset")
	errInvalidWhence  = errors.New("invalid whence")

	// ensure we implement desired interface
	_ Storage = &MemFile{}
	_ Storage = &os.File{}

	_ truncater = &MemFile{}
	_ truncater = &os.File{}
)

// MemFile is a growable in-memory Storage.
// Writing past the end extends it.
type MemFile struct {
	data []byte
	off  int64
}

// NewMemFile creates MemFile with initial content d.
// MemFile takes ownership of d.
func NewMemFile(d []byte) *MemFile {
	return &MemFile{
		data: d,
	}
}

// NewMemFileWithCapacity creates an empty MemFile which can grow
// up to capacity bytes without re-allocating
func NewMemFileWithCapacity(capacity int) *MemFile {
	return &MemFile{
		data: make([]byte, 0, capacity),
	}
}

// Read implements io.Reader
func (f *MemFile) Read(b []byte) (int, error) {
	if f.off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(b, f.data[f.off:])
	f.off += int64(n)
	return n, nil
}

// Write implements io.Writer. Over-writes existing data at current position
// and appends the rest.
func (f *MemFile) Write(b []byte) (int, error) {
	end := f.off + int64(len(b))
	if end > int64(len(f.data)) {
		if end > int64(cap(f.data)) {
			// if we seeked past the end, the gap is zero-filled
			d := make([]byte, end, max(end, 2*int64(cap(f.data))))
			copy(d, f.data)
			f.data = d
		} else {
			n := int64(len(f.data))
			f.data = f.data[:end]
			if f.off > n {
				clear(f.data[n:f.off])
			}
		}
	}
	copy(f.data[f.off:], b)
	f.off = end
	return len(b), nil
}

// Seek implements io.Seeker
func (f *MemFile) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, errInvalidWhence
	}
	if abs < 0 {
		return 0, errNegativeOffset
	}
	f.off = abs
	return abs, nil
}

// Truncate changes the size of the content. Growing zero-fills.
func (f *MemFile) Truncate(size int64) error {
	if size < 0 {
		return errNegativeOffset
	}
	n := int64(len(f.data))
	if size <= n {
		f.data = f.data[:size]
		return nil
	}
	if size > int64(cap(f.data)) {
		d := make([]byte, size)
		copy(d, f.data)
		f.data = d
		return nil
	}
	f.data = f.data[:size]
	clear(f.data[n:])
	return nil
}

// Bytes returns the content. It's valid until the next Write.
func (f *MemFile) Bytes() []byte {
	return f.data
}

// Len returns the size of the content
func (f *MemFile) Len() int {
	return len(f.data)
}

// OpenFile opens (creating if necessary) a file to be used as Storage
func OpenFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
}
