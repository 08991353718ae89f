package ipldstore

import (
	"github.com/ipfs/go-cid"
	mb "github.com/multiformats/go-multibase"
)

// DefaultBase is the multibase used for the canonical string form of CIDs.
const DefaultBase = mb.Base32

// Normalize re-encodes a CID to its canonical form: version 1, leaving codec
// and digest untouched. Normalization never recomputes a hash; it only
// changes presentation, so two CIDs that differ only in version or base must
// normalize to the same value before use as a map key.
func Normalize(c cid.Cid) cid.Cid {
	if c.Version() == 1 {
		return c
	}
	return cid.NewCidV1(c.Type(), c.Hash())
}

// CidString renders a CID in the given multibase. The zero encoding falls
// back to DefaultBase.
func CidString(c cid.Cid, base mb.Encoding) (string, error) {
	if base == 0 {
		base = DefaultBase
	}
	return Normalize(c).StringOfBase(base)
}
