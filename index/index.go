// Package index defines the persistent mapping from hierarchical keys to
// values that gives a dataset its root CID. Implementations store their own
// nodes as blocks in a content-addressable store, so a frozen index is
// reachable from a single CID.
package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Value is an index entry: either a link to a block holding the real payload
// or a small inline byte value encoded directly in the index.
type Value struct {
	c      cid.Cid
	inline []byte
	isLink bool
}

// Link creates a Value pointing at a stored block.
func Link(c cid.Cid) Value {
	return Value{c: c, isLink: true}
}

// Inline creates a Value holding bytes directly in the index.
func Inline(data []byte) Value {
	return Value{inline: data}
}

func (v Value) IsLink() bool { return v.isLink }

// Link returns the target CID of a link value, cid.Undef otherwise.
func (v Value) Link() cid.Cid { return v.c }

// Inline returns the inline bytes of an inline value, nil otherwise.
func (v Value) Inline() []byte { return v.inline }

func (v Value) Equal(other Value) bool {
	if v.isLink != other.isLink {
		return false
	}
	if v.isLink {
		return v.c.Equals(other.c)
	}
	return string(v.inline) == string(other.inline)
}

// AsNode returns the dag-cbor representation of the value: a CID for links,
// a byte string for inline values.
func (v Value) AsNode() any {
	if v.isLink {
		return v.c
	}
	return v.inline
}

// FromNode reverses AsNode.
func FromNode(node any) (Value, error) {
	switch n := node.(type) {
	case cid.Cid:
		return Link(n), nil
	case []byte:
		return Inline(n), nil
	default:
		return Value{}, fmt.Errorf("invalid index value of type %T", node)
	}
}

// Interface is implemented by all index variants. Keys are sequences of path
// segments; implementations define how segments map onto their internal
// structure. None of the methods are safe for concurrent use; callers
// serialize access (see the engine's locking discipline).
type Interface interface {
	// Get returns the value at the given path, or an error matching
	// ipldstore.ErrKeyNotFound.
	Get(ctx context.Context, path []string) (Value, error)

	// Set stores a value at the given path, replacing any existing value.
	Set(ctx context.Context, path []string, value Value) error

	// Delete removes the value at the given path. Implementations that
	// cannot delete return an error matching ipldstore.ErrNotImplemented,
	// never a silent no-op.
	Delete(ctx context.Context, path []string) error

	// ForEach visits every key in the index with its value, stopping early
	// if fn returns false. The traversal reflects the index state at the
	// time of the call; mutations made while a traversal is in progress do
	// not change the set of keys it observes.
	ForEach(ctx context.Context, fn func(key string, value Value) bool) error

	// Flush persists the index as blocks and returns its root CID. Flush is
	// idempotent: if nothing changed since the last call it returns the
	// cached root without re-writing.
	Flush(ctx context.Context) (cid.Cid, error)

	// Load replaces the index contents with the state frozen under the
	// given root CID.
	Load(ctx context.Context, root cid.Cid) error

	// Clear resets the index to empty.
	Clear()
}

// Sep joins path segments into flat keys.
const Sep = "/"

// ErrInvalidPath reports an empty or otherwise unusable path.
var ErrInvalidPath = errors.New("invalid index path")
