// Package index turns a declarative listing into a navigable tree of typed
// nodes and resolves paths against it.
package index

import (
	"errors"
	"fmt"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/fruitsalade/remotefs/pkg/vfs"
)

// Index is an immutable tree of nodes stored in a flat arena. Parent and
// child links are NodeIDs into the arena.
type Index struct {
	nodes []*Node
	opts  Options
	stamp time.Time
}

// Options control the ownership and permissions stamped on every node.
type Options struct {
	UID      uint32
	GID      uint32
	FilePerm uint32
	DirPerm  uint32
}

// DefaultOptions returns root-owned, world-readable nodes.
func DefaultOptions() Options {
	return Options{FilePerm: vfs.FilePerm, DirPerm: vfs.DirPerm}
}

// FromListing builds an index from a listing with DefaultOptions. Entry
// names must be non-empty single path segments.
func FromListing(tree Tree) (*Index, error) {
	return FromListingWith(tree, DefaultOptions())
}

// FromListingWith builds an index from a listing.
func FromListingWith(tree Tree, opts Options) (*Index, error) {
	idx := &Index{opts: opts, stamp: time.Now()}

	root := idx.add(RootID, "", "/", KindDir)
	if err := idx.build(root, tree); err != nil {
		return nil, vfs.InvalidConfig("build index", err)
	}
	return idx, nil
}

func (idx *Index) add(parent NodeID, name, p string, kind Kind) *Node {
	n := &Node{
		id:     NodeID(len(idx.nodes)),
		parent: parent,
		name:   name,
		path:   p,
		kind:   kind,
	}
	if kind == KindDir {
		n.stats = vfs.NewDirStats(idx.stamp)
		n.stats.Mode = (n.stats.Mode &^ 0o777) | (idx.opts.DirPerm & 0o777)
		n.byName = make(map[string]NodeID)
	} else {
		n.stats = vfs.NewFileStats(vfs.UnknownSize, idx.stamp)
		n.stats.Mode = (n.stats.Mode &^ 0o777) | (idx.opts.FilePerm & 0o777)
		n.cell = &fileCell{size: vfs.UnknownSize}
	}
	n.stats.Uid = idx.opts.UID
	n.stats.Gid = idx.opts.GID
	n.stats.Ino = uint64(n.id) + 1
	idx.nodes = append(idx.nodes, n)
	return n
}

func (idx *Index) build(dir *Node, tree Tree) error {
	for _, e := range tree {
		if err := validName(e.Name); err != nil {
			return fmt.Errorf("entry %q under %s: %w", e.Name, dir.path, err)
		}
		if _, dup := dir.byName[e.Name]; dup {
			return fmt.Errorf("duplicate entry %q under %s", e.Name, dir.path)
		}

		kind := KindFile
		if e.IsDir() {
			kind = KindDir
		}
		child := idx.add(dir.id, e.Name, BuildChildPath(dir.path, e.Name), kind)
		dir.children = append(dir.children, child.id)
		dir.byName[e.Name] = child.id

		if kind == KindDir {
			if err := idx.build(child, e.Children); err != nil {
				return err
			}
		}
	}
	return nil
}

func validName(name string) error {
	switch {
	case name == "":
		return errors.New("empty name")
	case name == "." || name == "..":
		return errors.New("reserved name")
	case strings.ContainsRune(name, '/'):
		return errors.New("name contains a path separator")
	case strings.ContainsRune(name, 0):
		return errors.New("name contains a NUL byte")
	}
	return nil
}

// Root returns the root directory node.
func (idx *Index) Root() *Node {
	return idx.nodes[RootID]
}

// Len returns the number of nodes, root included.
func (idx *Index) Len() int {
	return len(idx.nodes)
}

// Node returns the node with the given ID, or nil.
func (idx *Index) Node(id NodeID) *Node {
	if int(id) >= len(idx.nodes) {
		return nil
	}
	return idx.nodes[id]
}

// Parent returns the parent of n. The root is its own parent.
func (idx *Index) Parent(n *Node) *Node {
	return idx.nodes[n.parent]
}

// Children returns the children of a directory in listing order.
func (idx *Index) Children(n *Node) []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, id := range n.children {
		out = append(out, idx.nodes[id])
	}
	return out
}

// ChildNames returns the names of a directory's children in listing order.
func (idx *Index) ChildNames(n *Node) []string {
	out := make([]string, 0, len(n.children))
	for _, id := range n.children {
		out = append(out, idx.nodes[id].name)
	}
	return out
}

// Child looks up a single child by name.
func (idx *Index) Child(n *Node, name string) (*Node, bool) {
	id, ok := n.byName[name]
	if !ok {
		return nil, false
	}
	return idx.nodes[id], true
}

// Resolve walks p from the root. Leading, trailing and repeated separators
// are ignored; "" and "/" resolve to the root. It fails with ENOENT when a
// segment is missing and ENOTDIR when a file is used as a directory.
func (idx *Index) Resolve(p string) (*Node, error) {
	node := idx.Root()
	for _, seg := range Segments(p) {
		if !node.IsDir() {
			return nil, vfs.NotDir("resolve", p)
		}
		child, ok := idx.Child(node, seg)
		if !ok {
			return nil, vfs.NotFound("resolve", p)
		}
		node = child
	}
	return node, nil
}

// GetNode is Resolve without the error.
func (idx *Index) GetNode(p string) *Node {
	n, err := idx.Resolve(p)
	if err != nil {
		return nil
	}
	return n
}

// Files yields every file node, depth first in listing order. Each call
// starts a fresh traversal.
func (idx *Index) Files() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		idx.walk(idx.Root(), func(n *Node) bool {
			if n.IsFile() {
				return yield(n)
			}
			return true
		})
	}
}

// Walk visits every node depth first, the root first. Returning false from
// fn stops the walk.
func (idx *Index) Walk(fn func(n *Node) bool) {
	idx.walk(idx.Root(), fn)
}

func (idx *Index) walk(n *Node, fn func(*Node) bool) bool {
	if !fn(n) {
		return false
	}
	for _, id := range n.children {
		if !idx.walk(idx.nodes[id], fn) {
			return false
		}
	}
	return true
}

// Segments splits a path into its non-empty segments after lexical
// cleaning, so "/a//b/" and "a/./b" both give [a b].
func Segments(p string) []string {
	clean := path.Clean("/" + p)
	if clean == "/" {
		return nil
	}
	return strings.Split(clean[1:], "/")
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	if parentPath == "/" || parentPath == "" {
		return "/" + name
	}
	return parentPath + "/" + name
}
