package index

import (
	"sync"

	"github.com/fruitsalade/remotefs/pkg/vfs"
)

// Kind tags a node as a directory or a file.
type Kind uint8

const (
	KindDir Kind = iota
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// NodeID addresses a node in the index arena. The root is always 0.
type NodeID uint32

// RootID is the ID of the root directory.
const RootID NodeID = 0

// Node is a single entry of the index. Structure (name, kind, children) is
// fixed at build time; only a file's size and cached bytes change later.
type Node struct {
	id     NodeID
	parent NodeID
	name   string
	path   string
	kind   Kind
	stats  vfs.Stats

	// directories
	children []NodeID
	byName   map[string]NodeID

	// files
	cell *fileCell
}

// fileCell is the lazily populated part of a file node.
type fileCell struct {
	mu     sync.RWMutex
	size   int64
	data   []byte
	cached bool
}

// ID returns the node's arena ID.
func (n *Node) ID() NodeID { return n.id }

// Name returns the last path segment ("" for the root).
func (n *Node) Name() string { return n.name }

// Path returns the absolute path, "/" for the root.
func (n *Node) Path() string { return n.path }

// Kind returns the node kind.
func (n *Node) Kind() Kind { return n.kind }

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.kind == KindDir }

// IsFile reports whether the node is a file.
func (n *Node) IsFile() bool { return n.kind == KindFile }

// Stats returns a snapshot of the node's stat record.
func (n *Node) Stats() vfs.Stats {
	st := n.stats
	if n.cell != nil {
		n.cell.mu.RLock()
		st.Size = n.cell.size
		n.cell.mu.RUnlock()
	}
	return st
}

// Size returns the file size, vfs.UnknownSize if not fetched yet. For
// directories it returns vfs.DirSize.
func (n *Node) Size() int64 {
	if n.cell == nil {
		return n.stats.Size
	}
	n.cell.mu.RLock()
	defer n.cell.mu.RUnlock()
	return n.cell.size
}

// AdoptSize records a size learned without fetching content. It is a no-op
// once bytes are cached, since the cached length is authoritative.
func (n *Node) AdoptSize(size int64) {
	if n.cell == nil {
		return
	}
	n.cell.mu.Lock()
	defer n.cell.mu.Unlock()
	if n.cell.cached {
		return
	}
	n.cell.size = size
}

// Cached returns the cached bytes, if any. The slice must not be modified.
func (n *Node) Cached() ([]byte, bool) {
	if n.cell == nil {
		return nil, false
	}
	n.cell.mu.RLock()
	defer n.cell.mu.RUnlock()
	return n.cell.data, n.cell.cached
}

// SetData replaces the cached bytes wholesale and sets the size to their
// length. The caller hands over ownership of data.
func (n *Node) SetData(data []byte) {
	if n.cell == nil {
		return
	}
	if data == nil {
		data = []byte{}
	}
	n.cell.mu.Lock()
	defer n.cell.mu.Unlock()
	n.cell.data = data
	n.cell.size = int64(len(data))
	n.cell.cached = true
}

// ClearData drops the cached bytes. The size is left as last observed.
func (n *Node) ClearData() {
	if n.cell == nil {
		return
	}
	n.cell.mu.Lock()
	defer n.cell.mu.Unlock()
	n.cell.data = nil
	n.cell.cached = false
}
