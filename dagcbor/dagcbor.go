// Package dagcbor implements the structured self-describing codec used for
// interior blocks: CBOR restricted to the dag-cbor data model, with CID links
// carried as tag 42 over the identity-multibase-prefixed binary CID.
//
// Encoding is canonical (sorted map keys, definite lengths) so that equal
// nodes always serialize to equal bytes and therefore equal CIDs.
package dagcbor

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/ipfs/go-cid"
)

// linkTag is the CBOR tag number assigned to IPLD content identifiers.
const linkTag = 42

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		ShortestFloat: cbor.ShortestFloatNone,
		IndefLength:   cbor.IndefLengthForbidden,
		TagsMd:        cbor.TagsAllowed,
	}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		IntDec:         cbor.IntDecConvertSigned,
		IndefLength:    cbor.IndefLengthForbidden,
		TagsMd:         cbor.TagsAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a node composed of the dag-cbor data model: nil, bool,
// int64, float64, string, []byte, []any, map[string]any and cid.Cid.
func Encode(node any) ([]byte, error) {
	prepared, err := prepare(node)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(prepared)
}

// Decode parses dag-cbor bytes back into the data model. Links come back as
// cid.Cid values and integers as int64.
func Decode(data []byte) (any, error) {
	var raw any
	if err := decMode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding dag-cbor: %w", err)
	}
	return restore(raw)
}

// Links walks a decoded node and collects every embedded CID, in traversal
// order. Maps and lists are recursed into; any other value is a leaf.
func Links(node any) []cid.Cid {
	return appendLinks(nil, node)
}

func appendLinks(acc []cid.Cid, node any) []cid.Cid {
	switch v := node.(type) {
	case cid.Cid:
		return append(acc, v)
	case []any:
		for _, item := range v {
			acc = appendLinks(acc, item)
		}
	case map[string]any:
		for _, item := range v {
			acc = appendLinks(acc, item)
		}
	}
	return acc
}

// prepare rewrites cid.Cid values into tag 42 so the CBOR library can
// serialize them, recursing through maps and lists.
func prepare(node any) (any, error) {
	switch v := node.(type) {
	case nil, bool, int, int64, uint64, float64, string, []byte:
		return v, nil
	case cid.Cid:
		if !v.Defined() {
			return nil, errors.New("cannot encode undefined CID")
		}
		content := make([]byte, 0, len(v.Bytes())+1)
		content = append(content, 0) // identity multibase prefix
		content = append(content, v.Bytes()...)
		return cbor.Tag{Number: linkTag, Content: content}, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			prepared, err := prepare(item)
			if err != nil {
				return nil, err
			}
			out[i] = prepared
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			prepared, err := prepare(item)
			if err != nil {
				return nil, err
			}
			out[key] = prepared
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot encode %T as dag-cbor", node)
	}
}

// restore rewrites tag 42 back into cid.Cid values.
func restore(node any) (any, error) {
	switch v := node.(type) {
	case cbor.Tag:
		if v.Number != linkTag {
			return nil, fmt.Errorf("unexpected CBOR tag %d", v.Number)
		}
		content, ok := v.Content.([]byte)
		if !ok || len(content) == 0 || content[0] != 0 {
			return nil, errors.New("malformed CID link")
		}
		c, err := cid.Cast(content[1:])
		if err != nil {
			return nil, fmt.Errorf("malformed CID link: %w", err)
		}
		return c, nil
	case []any:
		for i, item := range v {
			restored, err := restore(item)
			if err != nil {
				return nil, err
			}
			v[i] = restored
		}
		return v, nil
	case map[string]any:
		for key, item := range v {
			restored, err := restore(item)
			if err != nil {
				return nil, err
			}
			v[key] = restored
		}
		return v, nil
	default:
		return v, nil
	}
}
