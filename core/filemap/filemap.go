// Package filemap maps static files read-only into memory so handlers can
// serve them without copying.
package filemap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

var (
	ErrNotFound   = errors.New("filemap: file not found")
	ErrPermission = errors.New("filemap: permission denied")
)

// File is a read-only mapping of a whole file
type File struct {
	path string
	data []byte
}

// Map maps path read-only. An empty file yields a File with no data.
// Missing files and permission failures wrap ErrNotFound and ErrPermission.
func Map(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, classify(path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, classify(path, err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("filemap: %s: not a regular file", path)
	}

	m := &File{path: path}
	if st.Size() == 0 {
		return m, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("filemap: mmap %s: %w", path, err)
	}
	m.data = data
	return m, nil
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s", ErrPermission, path)
	default:
		return fmt.Errorf("filemap: %s: %w", path, err)
	}
}

// Path returns the mapped file's path
func (m *File) Path() string { return m.path }

// Bytes returns the mapped contents. The slice must not be written to and
// is invalid after Close.
func (m *File) Bytes() []byte { return m.data }

// Len returns the mapped size
func (m *File) Len() int { return len(m.data) }

// Close unmaps the file. It is safe on a nil File and idempotent.
func (m *File) Close() error {
	if m == nil || m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	return unix.Munmap(data)
}
