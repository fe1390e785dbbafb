package fuse

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/fruitsalade/remotefs/pkg/client"
	"github.com/fruitsalade/remotefs/pkg/index"
	"github.com/fruitsalade/remotefs/pkg/remotefs"
	"github.com/fruitsalade/remotefs/pkg/retry"
	"github.com/fruitsalade/remotefs/pkg/vfs"
)

type testRemote struct {
	server *httptest.Server
	gets   atomic.Int64
	heads  atomic.Int64
}

func newTestRemote(t *testing.T, files map[string]string) *testRemote {
	t.Helper()
	r := &testRemote{}
	r.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		content, ok := files[req.URL.Path]
		if !ok {
			http.NotFound(w, req)
			return
		}
		if req.Method == http.MethodHead {
			r.heads.Add(1)
		} else {
			r.gets.Add(1)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.Write([]byte(content))
	}))
	t.Cleanup(r.server.Close)
	return r
}

func newTestNode(t *testing.T, r *testRemote, path string) *RemoteNode {
	t.Helper()
	fsys, err := remotefs.New(context.Background(), remotefs.Config{
		BaseURL: r.server.URL,
		Client:  client.New(client.Config{RetryConfig: retry.Once()}),
		Listing: index.Tree{
			index.File("a.txt"),
			index.Dir("dir", index.File("b.txt")),
		},
	}).Ready(context.Background())
	if err != nil {
		t.Fatalf("Ready: %v", err)
	}
	return &RemoteNode{fsys: fsys, path: path}
}

func TestGetattrProbesWithoutDownloading(t *testing.T) {
	r := newTestRemote(t, map[string]string{"/a.txt": "hello"})
	n := newTestNode(t, r, "/a.txt")

	var out gofuse.AttrOut
	if errno := n.Getattr(context.Background(), nil, &out); errno != 0 {
		t.Fatalf("Getattr errno = %v", errno)
	}
	if out.Size != 5 {
		t.Errorf("Size = %d, want 5", out.Size)
	}
	if out.Mode&syscall.S_IFMT != syscall.S_IFREG {
		t.Errorf("Mode = %o, want a regular file", out.Mode)
	}
	if r.gets.Load() != 0 {
		t.Errorf("Getattr downloaded content %d times", r.gets.Load())
	}
	if r.heads.Load() != 1 {
		t.Errorf("HEAD count = %d, want 1", r.heads.Load())
	}
	if out.Timeout() != 0 {
		t.Errorf("known size should keep the mount timeout, got %v", out.Timeout())
	}
}

func TestSizeUnknown(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		st   vfs.Stats
		want bool
	}{
		{"unprobed file", vfs.NewFileStats(vfs.UnknownSize, now), true},
		{"known file", vfs.NewFileStats(5, now), false},
		{"empty file", vfs.NewFileStats(0, now), false},
		{"directory", vfs.NewDirStats(now), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sizeUnknown(tt.st); got != tt.want {
				t.Errorf("sizeUnknown = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetattrMissing(t *testing.T) {
	r := newTestRemote(t, nil)
	n := newTestNode(t, r, "/nope")

	var out gofuse.AttrOut
	if errno := n.Getattr(context.Background(), nil, &out); errno != syscall.ENOENT {
		t.Errorf("Getattr errno = %v, want ENOENT", errno)
	}
}

func TestReaddir(t *testing.T) {
	r := newTestRemote(t, nil)
	n := newTestNode(t, r, "/")

	stream, errno := n.Readdir(context.Background())
	if errno != 0 {
		t.Fatalf("Readdir errno = %v", errno)
	}
	defer stream.Close()

	var names []string
	for stream.HasNext() {
		e, errno := stream.Next()
		if errno != 0 {
			t.Fatalf("Next errno = %v", errno)
		}
		names = append(names, e.Name)
		if e.Name == "dir" && e.Mode != syscall.S_IFDIR {
			t.Errorf("dir mode = %o", e.Mode)
		}
	}
	if strings.Join(names, ",") != "a.txt,dir" {
		t.Errorf("names = %v", names)
	}

	file := newTestNode(t, r, "/a.txt")
	if _, errno := file.Readdir(context.Background()); errno != syscall.ENOTDIR {
		t.Errorf("Readdir(file) errno = %v, want ENOTDIR", errno)
	}
}

func TestOpenReadRelease(t *testing.T) {
	r := newTestRemote(t, map[string]string{"/dir/b.txt": "hello world"})
	n := newTestNode(t, r, "/dir/b.txt")
	ctx := context.Background()

	fh, flags, errno := n.Open(ctx, syscall.O_RDONLY)
	if errno != 0 {
		t.Fatalf("Open errno = %v", errno)
	}
	if flags&gofuse.FOPEN_KEEP_CACHE == 0 {
		t.Error("expected FOPEN_KEEP_CACHE")
	}

	dest := make([]byte, 5)
	res, errno := n.Read(ctx, fh, dest, 6)
	if errno != 0 {
		t.Fatalf("Read errno = %v", errno)
	}
	data, _ := res.Bytes(nil)
	if string(data) != "world" {
		t.Errorf("Read = %q, want world", data)
	}

	// Reading past the end returns no data rather than an error.
	res, errno = n.Read(ctx, fh, make([]byte, 8), 100)
	if errno != 0 {
		t.Fatalf("Read past EOF errno = %v", errno)
	}
	if data, _ := res.Bytes(nil); len(data) != 0 {
		t.Errorf("Read past EOF = %q", data)
	}

	if errno := fh.(*FileHandle).Release(ctx); errno != 0 {
		t.Errorf("Release errno = %v", errno)
	}

	// A second open is served from memory.
	if _, _, errno := n.Open(ctx, syscall.O_RDONLY); errno != 0 {
		t.Fatalf("second Open errno = %v", errno)
	}
	if r.gets.Load() != 1 {
		t.Errorf("GET count = %d, want 1", r.gets.Load())
	}
}

func TestOpenRejectsWrites(t *testing.T) {
	r := newTestRemote(t, map[string]string{"/a.txt": "x"})
	n := newTestNode(t, r, "/a.txt")

	for _, flags := range []uint32{syscall.O_WRONLY, syscall.O_RDWR, syscall.O_RDONLY | syscall.O_TRUNC} {
		if _, _, errno := n.Open(context.Background(), flags); errno != syscall.EPERM {
			t.Errorf("Open(%#o) errno = %v, want EPERM", flags, errno)
		}
	}
	if r.gets.Load() != 0 {
		t.Errorf("write attempts fetched content")
	}
}

func TestOpenDirectory(t *testing.T) {
	r := newTestRemote(t, nil)
	n := newTestNode(t, r, "/dir")

	if _, _, errno := n.Open(context.Background(), syscall.O_RDONLY); errno != syscall.EISDIR {
		t.Errorf("Open(dir) errno = %v, want EISDIR", errno)
	}
}

func TestXattrs(t *testing.T) {
	r := newTestRemote(t, map[string]string{"/a.txt": "hey"})
	n := newTestNode(t, r, "/a.txt")
	ctx := context.Background()

	get := func(attr string) (string, syscall.Errno) {
		buf := make([]byte, 256)
		sz, errno := n.Getxattr(ctx, attr, buf)
		return string(buf[:sz]), errno
	}

	if v, errno := get(XattrCached); errno != 0 || v != "false" {
		t.Errorf("cached before open = %q, %v", v, errno)
	}
	if v, errno := get(XattrSize); errno != 0 || v != "3" {
		t.Errorf("size = %q, %v", v, errno)
	}
	if v, errno := get(XattrURL); errno != 0 || v != r.server.URL+"/a.txt" {
		t.Errorf("url = %q, %v", v, errno)
	}
	if _, errno := get("user.other"); errno != syscall.ENODATA {
		t.Errorf("unknown attr errno = %v, want ENODATA", errno)
	}

	if _, _, errno := n.Open(ctx, syscall.O_RDONLY); errno != 0 {
		t.Fatalf("Open errno = %v", errno)
	}
	if v, _ := get(XattrCached); v != "true" {
		t.Errorf("cached after open = %q", v)
	}

	dir := newTestNode(t, r, "/dir")
	if _, errno := dir.Getxattr(ctx, XattrURL, make([]byte, 64)); errno != syscall.ENODATA {
		t.Errorf("dir url errno = %v, want ENODATA", errno)
	}

	size, errno := n.Listxattr(ctx, nil)
	if errno != 0 {
		t.Fatalf("Listxattr size errno = %v", errno)
	}
	buf := make([]byte, size)
	if _, errno := n.Listxattr(ctx, buf); errno != 0 {
		t.Fatalf("Listxattr errno = %v", errno)
	}
	names := strings.Split(strings.TrimSuffix(string(buf), "\x00"), "\x00")
	if strings.Join(names, " ") != strings.Join(xattrNames, " ") {
		t.Errorf("Listxattr = %q", names)
	}
}

func TestCopyXattr(t *testing.T) {
	if sz, errno := copyXattr(nil, "abc"); errno != 0 || sz != 3 {
		t.Errorf("size query = %d, %v", sz, errno)
	}
	if _, errno := copyXattr(make([]byte, 2), "abc"); errno != syscall.ERANGE {
		t.Errorf("short buffer errno = %v, want ERANGE", errno)
	}
	if _, errno := copyXattrList(make([]byte, 3), []string{"ab", "c"}); errno != syscall.ERANGE {
		t.Errorf("short list buffer errno = %v, want ERANGE", errno)
	}
}

func TestFillAttr(t *testing.T) {
	stamp := time.Unix(1700000000, 0)

	var out gofuse.Attr
	st := vfs.NewFileStats(vfs.UnknownSize, stamp)
	st.Ino = 7
	fillAttr(&out, st)
	if out.Size != 0 || out.Ino != 7 || out.Mtime != 1700000000 {
		t.Errorf("unknown size attr = %+v", out)
	}

	out = gofuse.Attr{}
	fillAttr(&out, vfs.NewFileStats(1000, stamp))
	if out.Size != 1000 || out.Blocks != 2 {
		t.Errorf("attr = %+v", out)
	}
}

func TestToErrno(t *testing.T) {
	tests := []struct {
		err  error
		want syscall.Errno
	}{
		{vfs.NotFound("stat", "/x"), syscall.ENOENT},
		{vfs.ReadOnly("open", "/x"), syscall.EPERM},
		{vfs.IOFailure("open", "/x", context.Canceled), syscall.EINTR},
		{context.DeadlineExceeded, syscall.EINTR},
		{errors.New("boom"), syscall.EIO},
	}
	for _, tt := range tests {
		if got := toErrno(tt.err); got != tt.want {
			t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestCallerCredDefaultsToRoot(t *testing.T) {
	if cred := callerCred(context.Background()); !cred.IsRoot() {
		t.Errorf("callerCred = %+v, want root", cred)
	}
}
