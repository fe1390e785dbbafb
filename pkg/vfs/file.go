package vfs

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// IsWriteFlag reports whether open flags request any kind of write access.
func IsWriteFlag(flag int) bool {
	return flag&(unix.O_WRONLY|unix.O_RDWR|unix.O_APPEND|unix.O_CREAT|unix.O_TRUNC) != 0
}

// AccessMask converts open flags into the access mask checked against Stats.
func AccessMask(flag int) uint32 {
	switch flag & unix.O_ACCMODE {
	case unix.O_WRONLY:
		return unix.W_OK
	case unix.O_RDWR:
		return unix.R_OK | unix.W_OK
	default:
		return unix.R_OK
	}
}

// File is an open handle over an immutable byte buffer. The buffer is
// shared with the cache and never written through the handle.
type File struct {
	path  string
	stats Stats
	flag  int
	data  []byte

	mu     sync.Mutex
	off    int64
	closed bool
}

var (
	_ io.ReadSeekCloser = (*File)(nil)
	_ io.ReaderAt       = (*File)(nil)
	_ io.Writer         = (*File)(nil)
)

// NewFile wraps data in a handle. Directories pass nil data.
func NewFile(path string, stats Stats, flag int, data []byte) *File {
	return &File{
		path:  path,
		stats: stats,
		flag:  flag,
		data:  data,
	}
}

// Path returns the path the handle was opened with.
func (f *File) Path() string {
	return f.path
}

// Flag returns the open flags.
func (f *File) Flag() int {
	return f.flag
}

// Stat returns the stats captured when the handle was opened.
func (f *File) Stat() Stats {
	return f.stats
}

// Size returns the length of the wrapped buffer.
func (f *File) Size() int64 {
	return int64(len(f.data))
}

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, BadHandle("read", f.path)
	}
	if f.stats.IsDir() {
		return 0, IsDir("read", f.path)
	}
	if f.off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[f.off:])
	f.off += int64(n)
	return n, nil
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()

	if closed {
		return 0, BadHandle("read", f.path)
	}
	if f.stats.IsDir() {
		return 0, IsDir("read", f.path)
	}
	if off < 0 {
		return 0, NewError("read", f.path, unix.EINVAL, nil)
	}
	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return 0, BadHandle("seek", f.path)
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = f.off + offset
	case io.SeekEnd:
		abs = int64(len(f.data)) + offset
	default:
		return 0, NewError("seek", f.path, unix.EINVAL, nil)
	}
	if abs < 0 {
		return 0, NewError("seek", f.path, unix.EINVAL, nil)
	}
	f.off = abs
	return abs, nil
}

// Write always fails: handles are read-only.
func (f *File) Write(p []byte) (int, error) {
	return 0, ReadOnly("write", f.path)
}

// Bytes returns a copy of the wrapped buffer.
func (f *File) Bytes() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Close releases the handle. Closing twice is an error.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return BadHandle("close", f.path)
	}
	f.closed = true
	return nil
}
