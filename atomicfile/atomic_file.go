package atomicfile

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrCancelled is returned by Write() and Close() after RemoveIfNotClosed()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &File{}
)

// File is written to a temporary file and renamed to its destination on Close()
type File struct {
	dstPath string
	dir     string
	tmp     *os.File
	tmpPath string
	// first error we got, sticky
	err error
}

// New creates a temporary file next to path.
// Fails early if the directory of path doesn't exist.
func New(path string) (*File, error) {
	dir, name := filepath.Split(path)
	if name == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &File{
		dstPath: path,
		dir:     dir,
		tmp:     tmp,
		tmpPath: tmp.Name(),
	}, nil
}

func (f *File) closed() bool {
	return f.tmp == nil
}

// fail remembers the first error and removes the temporary file
func (f *File) fail(err error) error {
	if f.err == nil {
		f.err = err
	}
	_ = f.Close()
	return err
}

// Write implements io.Writer
func (f *File) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmp.Write(d)
	if err != nil {
		return n, f.fail(err)
	}
	return n, nil
}

// RemoveIfNotClosed abandons the write: the temporary file is removed
// and destination is not touched. A no-op after Close().
// Meant to be used with defer.
func (f *File) RemoveIfNotClosed() {
	if f == nil || f.closed() {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close syncs the temporary file and renames it to destination.
// Returns the first error from Write() / Sync() / Close() / Rename().
// Calling Close() more than once returns the same result.
func (f *File) Close() error {
	if f.closed() {
		return f.err
	}
	tmp := f.tmp
	f.tmp = nil

	errSync := tmp.Sync()
	errClose := tmp.Close()

	if f.err == nil {
		f.err = errSync
	}
	if f.err == nil {
		f.err = errClose
	}
	if f.err != nil {
		_ = os.Remove(f.tmpPath)
		return f.err
	}

	if err := os.Rename(f.tmpPath, f.dstPath); err != nil {
		_ = os.Remove(f.tmpPath)
		f.err = err
		return err
	}
	// persist the rename; failing that is not fatal
	if fdir, _ := os.Open(f.dir); fdir != nil {
		_ = fdir.Sync()
		_ = fdir.Close()
	}
	return nil
}

// WriteFile atomically replaces content of path with d
func WriteFile(path string, d []byte) error {
	f, err := New(path)
	if err != nil {
		return err
	}
	defer f.RemoveIfNotClosed()
	if _, err = f.Write(d); err != nil {
		return err
	}
	return f.Close()
}
