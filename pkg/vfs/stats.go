package vfs

import (
	"io/fs"
	"time"

	"golang.org/x/sys/unix"
)

// Default permission bits for the read-only tree.
const (
	FilePerm uint32 = 0o444
	DirPerm  uint32 = 0o555

	// DirSize is the size reported for directories.
	DirSize int64 = 4096

	// UnknownSize marks a file whose size has not been fetched yet.
	UnknownSize int64 = -1
)

// Stats is a stat record. Mode holds both the type bits (S_IFREG, S_IFDIR)
// and the permission bits.
type Stats struct {
	Ino   uint64
	Size  int64
	Mode  uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time

	// Extra is an opaque payload slot for front ends.
	Extra interface{}
}

// NewFileStats returns stats for a regular read-only file.
func NewFileStats(size int64, stamp time.Time) Stats {
	return Stats{
		Size:  size,
		Mode:  unix.S_IFREG | FilePerm,
		Atime: stamp,
		Mtime: stamp,
		Ctime: stamp,
	}
}

// NewDirStats returns stats for a read-only directory.
func NewDirStats(stamp time.Time) Stats {
	return Stats{
		Size:  DirSize,
		Mode:  unix.S_IFDIR | DirPerm,
		Atime: stamp,
		Mtime: stamp,
		Ctime: stamp,
	}
}

// IsDir reports whether the record describes a directory.
func (s Stats) IsDir() bool {
	return s.Mode&unix.S_IFMT == unix.S_IFDIR
}

// IsFile reports whether the record describes a regular file.
func (s Stats) IsFile() bool {
	return s.Mode&unix.S_IFMT == unix.S_IFREG
}

// Perm returns the permission bits.
func (s Stats) Perm() uint32 {
	return s.Mode & 0o777
}

// FileMode converts Mode to an io/fs mode.
func (s Stats) FileMode() fs.FileMode {
	mode := fs.FileMode(s.Perm())
	if s.IsDir() {
		mode |= fs.ModeDir
	}
	return mode
}

// HasAccess reports whether cred may access the node with the requested
// mask (a combination of unix.R_OK, unix.W_OK and unix.X_OK).
func (s Stats) HasAccess(mask uint32, cred Cred) bool {
	if cred.IsRoot() {
		return true
	}

	perm := s.Perm()
	var bits uint32
	switch {
	case cred.UID == s.Uid:
		bits = perm >> 6
	case cred.InGroup(s.Gid):
		bits = perm >> 3
	default:
		bits = perm
	}
	return bits&7&mask == mask
}
