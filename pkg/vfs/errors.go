// Package vfs provides the filesystem building blocks shared by remotefs and
// its front ends: errno-typed errors, stat records, credentials and an
// in-memory file handle.
package vfs

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a filesystem error carrying a POSIX errno.
type Error struct {
	Op    string
	Path  string
	Errno syscall.Errno
	Err   error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Errno.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the errno itself and the io/fs sentinels it maps to, so both
// errors.Is(err, syscall.ENOENT) and errors.Is(err, fs.ErrNotExist) hold.
func (e *Error) Is(target error) bool {
	if errno, ok := target.(syscall.Errno); ok {
		return errno == e.Errno
	}
	return e.Errno.Is(target)
}

// NewError creates an Error.
func NewError(op, path string, errno syscall.Errno, err error) *Error {
	return &Error{Op: op, Path: path, Errno: errno, Err: err}
}

// NotFound reports a path that does not resolve to any node.
func NotFound(op, path string) error {
	return NewError(op, path, syscall.ENOENT, nil)
}

// NotDir reports a directory operation on a file.
func NotDir(op, path string) error {
	return NewError(op, path, syscall.ENOTDIR, nil)
}

// IsDir reports a file operation on a directory.
func IsDir(op, path string) error {
	return NewError(op, path, syscall.EISDIR, nil)
}

// PermissionDenied reports a failed credential check.
func PermissionDenied(op, path string) error {
	return NewError(op, path, syscall.EACCES, nil)
}

// ReadOnly reports a write attempt on a read-only filesystem.
func ReadOnly(op, path string) error {
	return NewError(op, path, syscall.EPERM, nil)
}

// IOFailure wraps a transport failure.
func IOFailure(op, path string, err error) error {
	return NewError(op, path, syscall.EIO, err)
}

// InvalidConfig wraps a configuration or listing failure.
func InvalidConfig(op string, err error) error {
	return NewError(op, "", syscall.EINVAL, err)
}

// BadHandle reports use of a closed or wrongly opened handle.
func BadHandle(op, path string) error {
	return NewError(op, path, syscall.EBADF, nil)
}

// ToErrno extracts the errno from err. Unknown errors map to EIO.
func ToErrno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var fsErr *Error
	if errors.As(err, &fsErr) {
		return fsErr.Errno
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}

// IsErrno reports whether err carries errno.
func IsErrno(err error, errno syscall.Errno) bool {
	return ToErrno(err) == errno
}

// Errorf is a convenience for wrapping a formatted cause into an Error.
func Errorf(op, path string, errno syscall.Errno, format string, args ...interface{}) error {
	return NewError(op, path, errno, fmt.Errorf(format, args...))
}
