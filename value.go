package ipldstore

// Kind discriminates the two shapes of data a store can hold: raw bytes and
// structured dag-cbor nodes.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBytes
	KindNode
)

// Value is the closed union of storable data. Exactly one of the two shapes
// is set; callers dispatch on Kind rather than inspecting the data itself.
type Value struct {
	kind  Kind
	bytes []byte
	node  any
}

// BytesValue wraps raw bytes for storage under the raw codec.
func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bytes: b}
}

// NodeValue wraps a structured value for storage under the dag-cbor codec.
// The node must be composed of the dag-cbor data model: nil, bool, int64,
// float64, string, []byte, []any, map[string]any and cid.Cid links.
func NodeValue(node any) Value {
	return Value{kind: KindNode, node: node}
}

func (v Value) Kind() Kind { return v.kind }

// Bytes returns the raw bytes of a KindBytes value, nil otherwise.
func (v Value) Bytes() []byte { return v.bytes }

// Node returns the structured node of a KindNode value, nil otherwise.
func (v Value) Node() any { return v.node }
