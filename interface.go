package ipldstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/ipld/go-ipldstore/dagcbor"
)

// Interface is the content-addressable store implemented by all backends. A
// store maps CIDs to the raw bytes that hash to them, and nothing else; all
// structure on top of blocks (chunk trees, indexes, archives) is built by the
// packages that use a store.
type Interface interface {
	// GetRaw retrieves the raw block for a CID. It returns an error matching
	// ErrNotFound if the store does not have the block, or one matching
	// ErrTransient if the backing medium is unreachable.
	GetRaw(ctx context.Context, c cid.Cid) ([]byte, error)

	// PutRaw stores data under the given codec and returns its CID. PutRaw is
	// deterministic: the same bytes and codec always produce the same CID.
	// Re-putting existing content is a no-op observationally.
	PutRaw(ctx context.Context, data []byte, codec uint64) (cid.Cid, error)

	// Close releases any resources held by the store.
	Close() error
}

// Get retrieves a block and decodes it into a Value according to the codec
// tagged in its CID. Raw blocks come back as a bytes value, dag-cbor blocks
// are decoded into a node value, and dag-pb blocks are passed through as
// opaque bytes. Any other codec yields an error matching ErrUnsupportedCodec.
func Get(ctx context.Context, s Interface, c cid.Cid) (Value, error) {
	data, err := s.GetRaw(ctx, c)
	if err != nil {
		return Value{}, err
	}
	switch c.Type() {
	case cid.Raw, cid.DagProtobuf:
		return BytesValue(data), nil
	case cid.DagCBOR:
		node, err := dagcbor.Decode(data)
		if err != nil {
			return Value{}, err
		}
		return NodeValue(node), nil
	default:
		return Value{}, &UnsupportedCodecError{Codec: c.Type(), Cid: c}
	}
}

// Put encodes a Value and stores it, returning the resulting CID. Bytes
// values are stored under the raw codec, node values are encoded as dag-cbor.
func Put(ctx context.Context, s Interface, v Value) (cid.Cid, error) {
	switch v.Kind() {
	case KindBytes:
		return s.PutRaw(ctx, v.Bytes(), cid.Raw)
	case KindNode:
		data, err := dagcbor.Encode(v.Node())
		if err != nil {
			return cid.Undef, err
		}
		return s.PutRaw(ctx, data, cid.DagCBOR)
	default:
		return cid.Undef, &UnsupportedCodecError{}
	}
}

// Has reports whether the store can produce the block for a CID. It is
// defined as GetRaw succeeding; backends do not special-case it.
func Has(ctx context.Context, s Interface, c cid.Cid) (bool, error) {
	_, err := s.GetRaw(ctx, c)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
