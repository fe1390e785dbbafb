// Package fuse mounts a remotefs filesystem read-only through FUSE.
package fuse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/remotefs/internal/logging"
	"github.com/fruitsalade/remotefs/pkg/index"
	"github.com/fruitsalade/remotefs/pkg/remotefs"
	"github.com/fruitsalade/remotefs/pkg/vfs"
)

// Extended attributes exposed on every node.
const (
	XattrCached = "user.remotefs.cached"
	XattrSize   = "user.remotefs.size"
	XattrURL    = "user.remotefs.url"
)

var xattrNames = []string{XattrCached, XattrSize, XattrURL}

// Config holds mount configuration.
type Config struct {
	AllowOther bool
	Debug      bool

	// CacheTimeout is how long the kernel may cache entries and
	// attributes. The tree never changes, so long timeouts are safe.
	CacheTimeout time.Duration
}

// unknownSizeTimeout is the attribute lifetime of a file whose size is not
// known yet. It is non-zero so go-fuse keeps it, and short enough that the
// kernel asks Getattr again before trusting the size.
const unknownSizeTimeout = time.Nanosecond

// Mount mounts fsys at mountPoint. The filesystem should be ready; any
// load error surfaces as EINVAL from every operation otherwise.
func Mount(fsys *remotefs.FS, mountPoint string, cfg Config) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}
	if cfg.CacheTimeout == 0 {
		cfg.CacheTimeout = time.Minute
	}

	root := &RemoteNode{fsys: fsys, path: "/"}

	opts := &fs.Options{
		EntryTimeout: &cfg.CacheTimeout,
		AttrTimeout:  &cfg.CacheTimeout,
		MountOptions: gofuse.MountOptions{
			AllowOther: cfg.AllowOther,
			Debug:      cfg.Debug,
			FsName:     "remotefs",
			Name:       "remotefs",
			Options:    []string{"ro"},
		},
	}

	server, err := fs.Mount(mountPoint, root, opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}

	logging.Info("mounted", logging.String("mount_point", mountPoint))
	return server, nil
}

// RemoteNode is a file or directory of the mounted tree.
type RemoteNode struct {
	fs.Inode

	fsys *remotefs.FS
	path string
}

var _ fs.InodeEmbedder = (*RemoteNode)(nil)
var _ fs.NodeGetattrer = (*RemoteNode)(nil)
var _ fs.NodeLookuper = (*RemoteNode)(nil)
var _ fs.NodeReaddirer = (*RemoteNode)(nil)
var _ fs.NodeOpener = (*RemoteNode)(nil)
var _ fs.NodeReader = (*RemoteNode)(nil)
var _ fs.NodeGetxattrer = (*RemoteNode)(nil)
var _ fs.NodeListxattrer = (*RemoteNode)(nil)

// FileHandle wraps an open remotefs file.
type FileHandle struct {
	file *vfs.File
}

var _ fs.FileReleaser = (*FileHandle)(nil)

// Getattr returns file attributes.
// CRITICAL: This must NEVER trigger a content download. An unknown file
// size is probed with HEAD.
func (n *RemoteNode) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	st, err := n.fsys.Stat(ctx, n.path, callerCred(ctx))
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, st)
	if sizeUnknown(st) {
		out.SetTimeout(unknownSizeTimeout)
	}
	return 0
}

// Lookup finds a child by name. It sends no request: a size not known yet
// gets a short attribute timeout so that Getattr probes it.
func (n *RemoteNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	childPath := index.BuildChildPath(n.path, name)

	st, err := n.fsys.Peek(ctx, childPath, callerCred(ctx))
	if err != nil {
		return nil, toErrno(err)
	}
	fillAttr(&out.Attr, st)
	if sizeUnknown(st) {
		out.SetAttrTimeout(unknownSizeTimeout)
	}

	child := &RemoteNode{fsys: n.fsys, path: childPath}
	stableAttr := fs.StableAttr{Mode: st.Mode & syscall.S_IFMT, Ino: st.Ino}
	return n.NewInode(ctx, child, stableAttr), 0
}

// Readdir lists directory contents in listing order.
func (n *RemoteNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	children, err := n.fsys.ReadDirEntries(ctx, n.path, callerCred(ctx))
	if err != nil {
		return nil, toErrno(err)
	}

	entries := make([]gofuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		if child.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, gofuse.DirEntry{
			Name: child.Name,
			Mode: mode,
			Ino:  child.Ino,
		})
	}

	return fs.NewListDirStream(entries), 0
}

// Open fetches the file content unless it is cached. Write intent fails.
func (n *RemoteNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	file, err := n.fsys.OpenFile(ctx, n.path, int(flags), callerCred(ctx))
	if err != nil {
		logging.Debug("open failed", logging.String("path", n.path), logging.Err(err))
		return nil, 0, toErrno(err)
	}
	if file.Stat().IsDir() {
		file.Close()
		return nil, 0, syscall.EISDIR
	}

	// Content never changes once fetched.
	return &FileHandle{file: file}, gofuse.FOPEN_KEEP_CACHE, 0
}

// Read reads file content from the open handle.
func (n *RemoteNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*FileHandle)
	if !ok {
		return nil, syscall.EBADF
	}

	bytesRead, err := handle.file.ReadAt(dest, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, toErrno(err)
	}
	return gofuse.ReadResultData(dest[:bytesRead]), 0
}

// Release closes the handle.
func (fh *FileHandle) Release(ctx context.Context) syscall.Errno {
	if err := fh.file.Close(); err != nil {
		return toErrno(err)
	}
	return 0
}

// Getxattr returns extended attribute value.
func (n *RemoteNode) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	var value string

	switch attr {
	case XattrCached:
		cached, err := n.fsys.Cached(ctx, n.path)
		if err != nil {
			return 0, toErrno(err)
		}
		value = strconv.FormatBool(cached)
	case XattrSize:
		st, err := n.fsys.Stat(ctx, n.path, callerCred(ctx))
		if err != nil {
			return 0, toErrno(err)
		}
		value = strconv.FormatInt(st.Size, 10)
	case XattrURL:
		u, err := n.fsys.URL(ctx, n.path)
		if err != nil {
			return 0, syscall.ENODATA
		}
		value = u
	default:
		return 0, syscall.ENODATA
	}

	return copyXattr(dest, value)
}

// Listxattr lists extended attributes.
func (n *RemoteNode) Listxattr(ctx context.Context, dest []byte) (uint32, syscall.Errno) {
	return copyXattrList(dest, xattrNames)
}

// copyXattr follows getxattr(2): an empty dest asks for the size.
func copyXattr(dest []byte, value string) (uint32, syscall.Errno) {
	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

// copyXattrList writes NUL-terminated names as listxattr(2) expects.
func copyXattrList(dest []byte, names []string) (uint32, syscall.Errno) {
	var total int
	for _, name := range names {
		total += len(name) + 1
	}

	if len(dest) == 0 {
		return uint32(total), 0
	}
	if len(dest) < total {
		return 0, syscall.ERANGE
	}

	offset := 0
	for _, name := range names {
		copy(dest[offset:], name)
		offset += len(name)
		dest[offset] = 0
		offset++
	}
	return uint32(total), 0
}

// fillAttr copies a stat record into a FUSE attribute. An unknown size is
// reported as zero.
func fillAttr(out *gofuse.Attr, st vfs.Stats) {
	out.Ino = st.Ino
	out.Mode = st.Mode
	out.Nlink = 1
	if st.Size > 0 {
		out.Size = uint64(st.Size)
	}
	out.Blocks = (out.Size + 511) / 512
	out.Mtime = uint64(st.Mtime.Unix())
	out.Atime = uint64(st.Atime.Unix())
	out.Ctime = uint64(st.Ctime.Unix())
	out.Uid = st.Uid
	out.Gid = st.Gid
}

func sizeUnknown(st vfs.Stats) bool {
	return st.IsFile() && st.Size == vfs.UnknownSize
}

// callerCred returns the credential of the process behind a FUSE request.
func callerCred(ctx context.Context) vfs.Cred {
	caller, ok := gofuse.FromContext(ctx)
	if !ok {
		return vfs.RootCred
	}
	return vfs.Cred{UID: caller.Uid, GID: caller.Gid}
}

func toErrno(err error) syscall.Errno {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return syscall.EINTR
	}
	return vfs.ToErrno(err)
}
