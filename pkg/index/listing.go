package index

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Entry is one name in a listing. Files have no children; directories
// have a (possibly empty) child Tree.
type Entry struct {
	Name     string
	Children Tree
	dir      bool
}

// Tree is a listing: an ordered set of named entries. In JSON a listing is
// an object whose values are either null (a file) or a nested object (a
// directory, {} being an empty one). Key order is preserved.
type Tree []Entry

// File returns a file entry.
func File(name string) Entry {
	return Entry{Name: name}
}

// Dir returns a directory entry holding children.
func Dir(name string, children ...Entry) Entry {
	return Entry{Name: name, Children: Tree(children), dir: true}
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.dir
}

// ParseListing decodes a listing document.
func ParseListing(data []byte) (Tree, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	return decodeListing(dec)
}

// ReadListing decodes a listing document from r.
func ReadListing(r io.Reader) (Tree, error) {
	return decodeListing(json.NewDecoder(r))
}

func decodeListing(dec *json.Decoder) (Tree, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("listing must be a JSON object, got %v", tok)
	}

	tree, err := decodeObject(dec, "")
	if err != nil {
		return nil, err
	}

	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after listing object")
	}
	return tree, nil
}

// decodeObject reads entries up to and including the closing brace. The
// opening brace has already been consumed.
func decodeObject(dec *json.Decoder, parent string) (Tree, error) {
	tree := Tree{}
	seen := make(map[string]struct{})

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read listing key: %w", err)
		}
		name, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("listing key must be a string, got %v", tok)
		}
		path := BuildChildPath(parent, name)
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate listing entry %q", path)
		}
		seen[name] = struct{}{}

		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read listing value for %q: %w", path, err)
		}
		switch v := tok.(type) {
		case nil:
			tree = append(tree, File(name))
		case json.Delim:
			if v != '{' {
				return nil, fmt.Errorf("invalid listing value for %q: %v", path, v)
			}
			children, err := decodeObject(dec, path)
			if err != nil {
				return nil, err
			}
			tree = append(tree, Dir(name, children...))
		default:
			return nil, fmt.Errorf("invalid listing value for %q: %T", path, v)
		}
	}

	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("read listing: %w", err)
	}
	return tree, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Tree) UnmarshalJSON(data []byte) error {
	tree, err := ParseListing(data)
	if err != nil {
		return err
	}
	*t = tree
	return nil
}

// MarshalJSON implements json.Marshaler, keeping entry order.
func (t Tree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (t Tree) encode(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, e := range t {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if !e.dir {
			buf.WriteString("null")
			continue
		}
		if err := e.Children.encode(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// Count returns the number of entries in the listing, recursively.
func (t Tree) Count() int {
	count := 0
	for _, e := range t {
		count++
		if e.dir {
			count += e.Children.Count()
		}
	}
	return count
}
