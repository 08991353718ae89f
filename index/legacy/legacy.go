// Package legacy implements the first-generation index layout: the whole key
// hierarchy held as nested directory maps and frozen as a single dag-cbor
// tree. It exists to read datasets written before the HAMT layout; new
// datasets should use index/hamt.
//
// The layout has no delete operation. Delete fails with a not-implemented
// error rather than silently succeeding, so data-loss bugs cannot hide
// behind it.
package legacy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"

	ipldstore "github.com/ipld/go-ipldstore"
	"github.com/ipld/go-ipldstore/index"
)

// Index is a nested-directory index. Interior path segments are directories,
// terminal segments hold values.
type Index struct {
	cas    ipldstore.Interface
	tree   map[string]any
	frozen cid.Cid
	clean  bool
}

var _ index.Interface = (*Index)(nil)

// New creates an empty legacy index storing its frozen form in cas.
func New(cas ipldstore.Interface) *Index {
	return &Index{
		cas:  cas,
		tree: make(map[string]any),
	}
}

// Open reconstructs a legacy index from a previously frozen root CID.
func Open(ctx context.Context, cas ipldstore.Interface, root cid.Cid) (*Index, error) {
	idx := New(cas)
	if err := idx.Load(ctx, root); err != nil {
		return nil, err
	}
	return idx, nil
}

func (idx *Index) Get(_ context.Context, path []string) (index.Value, error) {
	if len(path) == 0 {
		return index.Value{}, index.ErrInvalidPath
	}
	node := any(idx.tree)
	for _, seg := range path {
		dir, ok := node.(map[string]any)
		if !ok {
			return index.Value{}, &ipldstore.KeyNotFoundError{Key: joinKey(path)}
		}
		node, ok = dir[seg]
		if !ok {
			return index.Value{}, &ipldstore.KeyNotFoundError{Key: joinKey(path)}
		}
	}
	if _, ok := node.(map[string]any); ok {
		// The path names a directory, not a value.
		return index.Value{}, &ipldstore.KeyNotFoundError{Key: joinKey(path)}
	}
	return index.FromNode(node)
}

func (idx *Index) Set(_ context.Context, path []string, value index.Value) error {
	if len(path) == 0 {
		return index.ErrInvalidPath
	}
	dir := idx.tree
	for _, seg := range path[:len(path)-1] {
		next, ok := dir[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			dir[seg] = next
		}
		dir = next
	}
	dir[path[len(path)-1]] = value.AsNode()
	idx.clean = false
	return nil
}

func (idx *Index) Delete(_ context.Context, path []string) error {
	return fmt.Errorf("delete %q from legacy index: %w", joinKey(path), ipldstore.ErrNotImplemented)
}

func (idx *Index) ForEach(_ context.Context, fn func(key string, value index.Value) bool) error {
	_, err := walk("", idx.tree, fn)
	return err
}

func walk(prefix string, dir map[string]any, fn func(key string, value index.Value) bool) (bool, error) {
	segs := make([]string, 0, len(dir))
	for seg := range dir {
		segs = append(segs, seg)
	}
	sort.Strings(segs)

	for _, seg := range segs {
		switch node := dir[seg].(type) {
		case map[string]any:
			cont, err := walk(prefix+seg+index.Sep, node, fn)
			if err != nil || !cont {
				return cont, err
			}
		default:
			value, err := index.FromNode(node)
			if err != nil {
				return false, err
			}
			if !fn(prefix+seg, value) {
				return false, nil
			}
		}
	}
	return true, nil
}

// Flush stores the whole directory tree as one dag-cbor block.
func (idx *Index) Flush(ctx context.Context) (cid.Cid, error) {
	if idx.clean && idx.frozen.Defined() {
		return idx.frozen, nil
	}
	c, err := ipldstore.Put(ctx, idx.cas, ipldstore.NodeValue(idx.tree))
	if err != nil {
		return cid.Undef, err
	}
	idx.frozen = c
	idx.clean = true
	return c, nil
}

func (idx *Index) Load(ctx context.Context, root cid.Cid) error {
	v, err := ipldstore.Get(ctx, idx.cas, root)
	if err != nil {
		return err
	}
	tree, ok := v.Node().(map[string]any)
	if v.Kind() != ipldstore.KindNode || !ok {
		return fmt.Errorf("legacy index root %s: not a directory map", root)
	}
	idx.tree = tree
	idx.frozen = ipldstore.Normalize(root)
	idx.clean = true
	return nil
}

func (idx *Index) Clear() {
	idx.tree = make(map[string]any)
	idx.frozen = cid.Undef
	idx.clean = false
}

func joinKey(path []string) string {
	return strings.Join(path, index.Sep)
}
