// Package indexer builds listings from a local directory and serves that
// directory in the layout remotefs expects.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/fruitsalade/remotefs/internal/logging"
	"github.com/fruitsalade/remotefs/pkg/index"
)

// ListingPath is where Handler serves the generated listing.
const ListingPath = "/index.json"

// Indexer walks a local directory tree.
type Indexer struct {
	rootDir string

	// Exclude holds slash-separated paths relative to the root that are
	// left out of the listing.
	Exclude map[string]bool
}

// New creates an indexer rooted at rootDir.
func New(rootDir string) (*Indexer, error) {
	absPath, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("root directory error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absPath)
	}
	return &Indexer{rootDir: absPath, Exclude: make(map[string]bool)}, nil
}

// Root returns the absolute root directory.
func (ix *Indexer) Root() string {
	return ix.rootDir
}

// Build returns the listing of the whole tree. Hidden entries, entries
// that cannot be read and anything that is neither a regular file nor a
// directory are skipped.
func (ix *Indexer) Build(ctx context.Context) (index.Tree, error) {
	return ix.buildDir(ctx, "")
}

func (ix *Indexer) buildDir(ctx context.Context, relPath string) (index.Tree, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(ix.rootDir, filepath.FromSlash(relPath)))
	if err != nil {
		return nil, err
	}

	tree := make(index.Tree, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		// Skip hidden files
		if strings.HasPrefix(name, ".") {
			continue
		}
		childPath := path.Join(relPath, name)
		if ix.Exclude[childPath] {
			continue
		}

		// Stat follows symlinks.
		info, err := os.Stat(filepath.Join(ix.rootDir, filepath.FromSlash(childPath)))
		if err != nil {
			logging.Debug("skipping unreadable entry", logging.String("path", childPath), logging.Err(err))
			continue
		}

		switch {
		case info.IsDir():
			children, err := ix.buildDir(ctx, childPath)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logging.Debug("skipping unreadable directory", logging.String("path", childPath), logging.Err(err))
				continue
			}
			tree = append(tree, index.Dir(name, children...))
		case info.Mode().IsRegular():
			tree = append(tree, index.File(name))
		}
	}
	return tree, nil
}

// WriteListing writes the listing of the tree as JSON to path.
func (ix *Indexer) WriteListing(ctx context.Context, path string) (index.Tree, error) {
	tree, err := ix.Build(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("encode listing: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("write listing: %w", err)
	}
	return tree, nil
}

// Handler serves the directory for remotefs clients: ListingPath returns a
// listing built on each request, every other path is a file under the
// root. Hidden paths are not served.
func (ix *Indexer) Handler() http.Handler {
	files := http.FileServer(http.Dir(ix.rootDir))

	mux := http.NewServeMux()
	mux.HandleFunc(ListingPath, func(w http.ResponseWriter, r *http.Request) {
		tree, err := ix.Build(r.Context())
		if err != nil {
			logging.WithContext(r.Context()).Error("build listing failed", logging.Err(err))
			http.Error(w, "listing unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tree)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if hiddenPath(r.URL.Path) || ix.Exclude[strings.TrimPrefix(path.Clean(r.URL.Path), "/")] {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
	return mux
}

func hiddenPath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
