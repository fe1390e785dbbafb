// Package remotefs implements a read-only filesystem over a listing index
// whose file contents and sizes are fetched over HTTP on first use.
package remotefs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"

	"github.com/fruitsalade/remotefs/internal/logging"
	"github.com/fruitsalade/remotefs/internal/metrics"
	"github.com/fruitsalade/remotefs/pkg/client"
	"github.com/fruitsalade/remotefs/pkg/index"
	"github.com/fruitsalade/remotefs/pkg/retry"
	"github.com/fruitsalade/remotefs/pkg/vfs"
)

// DefaultIndex is the listing fetched when Config.Index is empty.
const DefaultIndex = "index.json"

// Config holds filesystem configuration.
type Config struct {
	// Index is the URL of the listing document. A relative URL is resolved
	// against BaseURL. Ignored when Listing is set.
	Index string

	// Listing is an inline listing. When non-nil no index request is made.
	Listing index.Tree

	// BaseURL prefixes every file path. A trailing "/" is added if missing.
	BaseURL string

	// Client performs the HTTP requests. Defaults to a client that does not
	// retry.
	Client *client.Client

	// Options sets node ownership and permissions. The zero value means
	// index.DefaultOptions.
	Options index.Options
}

// Metadata describes the filesystem.
type Metadata struct {
	Name     string
	BaseURL  string
	ReadOnly bool
}

// DirEntry is one child of a directory.
type DirEntry struct {
	Name  string
	IsDir bool
	Ino   uint64
}

// FS is a lazily populated, read-only remote filesystem. All methods except
// Metadata, State and Stats wait for the index to finish loading.
type FS struct {
	client *client.Client
	prefix string
	gate   *gate
	flight singleflight.Group
	stats  Stats
}

// Available reports whether this backend can run in the current process.
func Available() bool {
	return client.Available()
}

// New creates a filesystem and starts loading its index in the background.
// Load failures are reported by Ready and by every other operation.
func New(ctx context.Context, cfg Config) *FS {
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	if cfg.Options == (index.Options{}) {
		cfg.Options = index.DefaultOptions()
	}
	if cfg.Client == nil {
		cfg.Client = client.New(client.Config{RetryConfig: retry.Once()})
	}

	f := &FS{
		client: cfg.Client,
		prefix: normalizePrefix(cfg.BaseURL),
		gate:   newGate(),
	}
	go f.init(ctx, cfg)
	return f
}

func normalizePrefix(baseURL string) string {
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		return baseURL + "/"
	}
	return baseURL
}

func (f *FS) init(ctx context.Context, cfg Config) {
	start := time.Now()

	tree, err := f.loadListing(ctx, cfg)
	var idx *index.Index
	if err == nil {
		idx, err = index.FromListingWith(tree, cfg.Options)
	}
	f.gate.finish(idx, err)

	if err != nil {
		logging.Error("index load failed", logging.Err(err))
		return
	}
	metrics.SetIndexNodes(idx.Len())
	logging.Info("index loaded",
		logging.Int("nodes", idx.Len()),
		logging.String("base_url", f.prefix),
		logging.Duration("duration", time.Since(start)))
}

func (f *FS) loadListing(ctx context.Context, cfg Config) (index.Tree, error) {
	if cfg.Listing != nil {
		return cfg.Listing, nil
	}

	u, err := f.indexURL(cfg.Index)
	if err != nil {
		return nil, vfs.InvalidConfig("load index", err)
	}

	var tree index.Tree
	start := time.Now()
	err = f.client.GetJSON(ctx, u, &tree)
	metrics.RecordFetch(metrics.KindIndex, err, time.Since(start))
	f.stats.IndexFetches.Add(1)
	if err != nil {
		f.stats.FailedFetches.Add(1)
		return nil, vfs.InvalidConfig("load index", err)
	}
	logging.Debug("fetched index", logging.String("url", u), logging.Int("entries", tree.Count()))
	return tree, nil
}

func (f *FS) indexURL(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("index url %q: %w", ref, err)
	}
	if u.IsAbs() {
		return u.String(), nil
	}
	if f.prefix == "" {
		return "", fmt.Errorf("relative index url %q needs a base url", ref)
	}
	base, err := url.Parse(f.prefix)
	if err != nil {
		return "", fmt.Errorf("base url %q: %w", f.prefix, err)
	}
	return base.ResolveReference(u).String(), nil
}

// Ready waits for the index to load and returns f, or the load error.
func (f *FS) Ready(ctx context.Context) (*FS, error) {
	if _, err := f.gate.wait(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// State returns the initialization state without waiting.
func (f *FS) State() State {
	return f.gate.current()
}

// Stats returns the filesystem counters.
func (f *FS) Stats() *Stats {
	return &f.stats
}

// Health returns the reachability of the remote as seen by the last request.
func (f *FS) Health() Health {
	return Health{Online: f.client.IsOnline(), LastContact: f.client.LastContact()}
}

// Metadata returns the static descriptor of the filesystem.
func (f *FS) Metadata() Metadata {
	return Metadata{
		Name:     "remotefs",
		BaseURL:  f.prefix,
		ReadOnly: true,
	}
}

func (f *FS) lookup(ctx context.Context, op, p string) (*index.Index, *index.Node, error) {
	idx, err := f.gate.wait(ctx)
	if err != nil {
		return nil, nil, err
	}
	node, err := idx.Resolve(p)
	if err != nil {
		var verr *vfs.Error
		if errors.As(err, &verr) {
			return nil, nil, vfs.NewError(op, p, verr.Errno, nil)
		}
		return nil, nil, err
	}
	return idx, node, nil
}

// fileURL joins the prefix with the escaped segments of the node path.
func (f *FS) fileURL(node *index.Node) string {
	segs := index.Segments(node.Path())
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return f.prefix + strings.Join(segs, "/")
}

// Stat returns the stat record for p. A file of unknown size is probed with
// a HEAD request; content is never downloaded.
func (f *FS) Stat(ctx context.Context, p string, cred vfs.Cred) (vfs.Stats, error) {
	_, node, err := f.lookup(ctx, "stat", p)
	if err != nil {
		return vfs.Stats{}, err
	}
	if !node.Stats().HasAccess(unix.R_OK, cred) {
		return vfs.Stats{}, vfs.PermissionDenied("stat", p)
	}

	if node.IsFile() && node.Size() == vfs.UnknownSize {
		if err := f.probeSize(ctx, node); err != nil {
			return vfs.Stats{}, vfs.IOFailure("stat", p, err)
		}
	}
	return node.Stats(), nil
}

// Peek returns the stat record for p as currently known, without any
// network request. The size of a file not yet probed or fetched is
// vfs.UnknownSize.
func (f *FS) Peek(ctx context.Context, p string, cred vfs.Cred) (vfs.Stats, error) {
	_, node, err := f.lookup(ctx, "stat", p)
	if err != nil {
		return vfs.Stats{}, err
	}
	if !node.Stats().HasAccess(unix.R_OK, cred) {
		return vfs.Stats{}, vfs.PermissionDenied("stat", p)
	}
	return node.Stats(), nil
}

func (f *FS) probeSize(ctx context.Context, node *index.Node) error {
	_, err := f.do(ctx, "head:"+node.Path(), func(ctx context.Context) (interface{}, error) {
		u := f.fileURL(node)
		start := time.Now()
		resp, err := f.client.Head(ctx, u)
		metrics.RecordFetch(metrics.KindHead, err, time.Since(start))
		f.stats.SizeProbes.Add(1)
		if err != nil {
			f.stats.FailedFetches.Add(1)
			logging.Error("size probe failed", logging.String("url", u), logging.Err(err))
			return nil, err
		}

		size := resp.ContentLength()
		node.AdoptSize(size)
		logging.Debug("size probed", logging.String("url", u), logging.Int64("size", size))
		return size, nil
	})
	return err
}

// OpenFile opens p for reading. Any write intent fails with EPERM before
// the path is looked at. Directories open without a fetch; files are
// served from cache or fetched once with GET.
func (f *FS) OpenFile(ctx context.Context, p string, flag int, cred vfs.Cred) (*vfs.File, error) {
	if vfs.IsWriteFlag(flag) {
		return nil, vfs.ReadOnly("open", p)
	}

	_, node, err := f.lookup(ctx, "open", p)
	if err != nil {
		return nil, err
	}
	if !node.Stats().HasAccess(vfs.AccessMask(flag), cred) {
		return nil, vfs.PermissionDenied("open", p)
	}

	if node.IsDir() {
		return vfs.NewFile(node.Path(), node.Stats(), flag, nil), nil
	}

	data, err := f.content(ctx, node)
	if err != nil {
		return nil, vfs.IOFailure("open", p, err)
	}
	return vfs.NewFile(node.Path(), node.Stats(), flag, data), nil
}

func (f *FS) content(ctx context.Context, node *index.Node) ([]byte, error) {
	if data, ok := node.Cached(); ok {
		f.stats.CacheHits.Add(1)
		metrics.RecordCacheHit()
		return data, nil
	}
	f.stats.CacheMisses.Add(1)
	metrics.RecordCacheMiss()

	v, err := f.do(ctx, "get:"+node.Path(), func(ctx context.Context) (interface{}, error) {
		// A flight that finished just before this one started may have
		// filled the cell.
		if data, ok := node.Cached(); ok {
			return data, nil
		}

		u := f.fileURL(node)
		start := time.Now()
		resp, err := f.client.Get(ctx, u)
		metrics.RecordFetch(metrics.KindGet, err, time.Since(start))
		f.stats.ContentFetches.Add(1)
		if err != nil {
			f.stats.FailedFetches.Add(1)
			logging.Error("content fetch failed", logging.String("url", u), logging.Err(err))
			return nil, err
		}

		data := resp.Body
		if data == nil {
			data = []byte{}
		}
		// Return the fetched slice, not the cell: Empty may clear it at any time.
		node.SetData(data)
		f.stats.BytesDownloaded.Add(int64(len(data)))
		metrics.RecordDownload(len(data))
		logging.Debug("content fetched", logging.String("url", u), logging.Int("bytes", len(data)))
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// do runs fn at most once per key among concurrent callers. The request is
// detached from the caller's cancellation so one caller giving up does not
// fail the others; each caller still stops waiting when its own ctx ends.
func (f *FS) do(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	detached := context.WithoutCancel(ctx)
	ch := f.flight.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadFile opens p, reads it whole and closes it.
func (f *FS) ReadFile(ctx context.Context, p string, flag int, cred vfs.Cred) ([]byte, error) {
	file, err := f.OpenFile(ctx, p, flag, cred)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if file.Stat().IsDir() {
		return nil, vfs.IsDir("read", p)
	}
	return io.ReadAll(file)
}

// ReadDir returns the child names of directory p in listing order.
func (f *FS) ReadDir(ctx context.Context, p string, cred vfs.Cred) ([]string, error) {
	idx, node, err := f.readableDir(ctx, p, cred)
	if err != nil {
		return nil, err
	}
	return idx.ChildNames(node), nil
}

// ReadDirEntries is ReadDir with the kind and inode number of each child.
func (f *FS) ReadDirEntries(ctx context.Context, p string, cred vfs.Cred) ([]DirEntry, error) {
	idx, node, err := f.readableDir(ctx, p, cred)
	if err != nil {
		return nil, err
	}
	children := idx.Children(node)
	out := make([]DirEntry, 0, len(children))
	for _, c := range children {
		out = append(out, DirEntry{Name: c.Name(), IsDir: c.IsDir(), Ino: c.Stats().Ino})
	}
	return out, nil
}

func (f *FS) readableDir(ctx context.Context, p string, cred vfs.Cred) (*index.Index, *index.Node, error) {
	idx, node, err := f.lookup(ctx, "readdir", p)
	if err != nil {
		return nil, nil, err
	}
	if !node.IsDir() {
		return nil, nil, vfs.NotDir("readdir", p)
	}
	if !node.Stats().HasAccess(unix.R_OK, cred) {
		return nil, nil, vfs.PermissionDenied("readdir", p)
	}
	return idx, node, nil
}

// PreloadFile seeds the cache for p with a copy of data. No request is made.
func (f *FS) PreloadFile(ctx context.Context, p string, data []byte) error {
	idx, err := f.gate.wait(ctx)
	if err != nil {
		return err
	}
	node := idx.GetNode(p)
	if node == nil {
		return vfs.NotFound("preload", p)
	}
	if node.IsDir() {
		return vfs.IsDir("preload", p)
	}

	node.SetData(bytes.Clone(data))
	f.stats.Preloads.Add(1)
	metrics.RecordPreload()
	return nil
}

// Empty drops the cached bytes of every file so the next open fetches
// again. Sizes already learned are kept.
func (f *FS) Empty(ctx context.Context) error {
	idx, err := f.gate.wait(ctx)
	if err != nil {
		return err
	}

	n := 0
	for node := range idx.Files() {
		if _, ok := node.Cached(); ok {
			n++
		}
		node.ClearData()
	}
	f.stats.Resets.Add(1)
	metrics.RecordReset()
	logging.Info("content cache emptied", logging.Int("files", n))
	return nil
}

// Cached reports whether the content of p is held in memory.
func (f *FS) Cached(ctx context.Context, p string) (bool, error) {
	_, node, err := f.lookup(ctx, "cached", p)
	if err != nil {
		return false, err
	}
	_, ok := node.Cached()
	return ok, nil
}

// URL returns the URL p is fetched from. Directories have no URL.
func (f *FS) URL(ctx context.Context, p string) (string, error) {
	_, node, err := f.lookup(ctx, "url", p)
	if err != nil {
		return "", err
	}
	if node.IsDir() {
		return "", vfs.IsDir("url", p)
	}
	return f.fileURL(node), nil
}
