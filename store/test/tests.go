// Package test provides the conformance tests that every store backend must
// pass. Backend packages call these from their own tests.
package test

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	ipldstore "github.com/ipld/go-ipldstore"
)

// RandomBytes generates n pseudo-random bytes from a fixed seed.
func RandomBytes(t *testing.T, n int) []byte {
	t.Helper()
	prng := rand.New(rand.NewSource(42))
	b := make([]byte, n)
	prng.Read(b)
	return b
}

// RoundTripTest checks that raw blocks come back byte-identical.
func RoundTripTest(t *testing.T, s ipldstore.Interface) {
	ctx := context.Background()
	data := RandomBytes(t, 1024)

	c, err := s.PutRaw(ctx, data, cid.Raw)
	if err != nil {
		t.Fatalf("Error putting block: %s", err)
	}
	got, err := s.GetRaw(ctx, c)
	if err != nil {
		t.Fatalf("Error getting block: %s", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("Got wrong bytes for block")
	}
}

// DeterminismTest checks that putting identical content twice yields the
// same CID both times, and that the CID's digest matches an independent
// recomputation from the returned bytes.
func DeterminismTest(t *testing.T, s ipldstore.Interface) {
	ctx := context.Background()
	data := []byte("determinism test block")

	c1, err := s.PutRaw(ctx, data, cid.Raw)
	if err != nil {
		t.Fatal(err)
	}
	c2, err := s.PutRaw(ctx, data, cid.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if !c1.Equals(c2) {
		t.Fatalf("Same content produced different CIDs: %s != %s", c1, c2)
	}

	got, err := s.GetRaw(ctx, c1)
	if err != nil {
		t.Fatal(err)
	}
	check, err := c1.Prefix().Sum(got)
	if err != nil {
		t.Fatal(err)
	}
	if !ipldstore.Normalize(check).Equals(ipldstore.Normalize(c1)) {
		t.Fatalf("Recomputed digest does not match CID: %s != %s", check, c1)
	}
}

// NotFoundTest checks that a CID the store never saw fails with an error
// matching ErrNotFound, and that Has reports it as absent.
func NotFoundTest(t *testing.T, s ipldstore.Interface) {
	ctx := context.Background()
	prefix := cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   multihash.SHA2_256,
		MhLength: -1,
	}
	c, err := prefix.Sum([]byte("block that was never stored"))
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.GetRaw(ctx, c)
	if err == nil {
		t.Fatal("expected error getting absent block")
	}
	if !errors.Is(err, ipldstore.ErrNotFound) {
		t.Fatalf("expected not-found error, got: %s", err)
	}

	found, err := ipldstore.Has(ctx, s, c)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("Has reported an absent block as present")
	}
}

// TypedTest checks the typed Get/Put layer: bytes values round-trip through
// the raw codec, node values through dag-cbor, links included.
func TypedTest(t *testing.T, s ipldstore.Interface) {
	ctx := context.Background()

	leaf, err := ipldstore.Put(ctx, s, ipldstore.BytesValue([]byte("leaf")))
	if err != nil {
		t.Fatal(err)
	}
	if leaf.Type() != cid.Raw {
		t.Fatalf("bytes value stored under codec %d", leaf.Type())
	}

	node := map[string]any{
		"name":  "value",
		"count": int64(3),
		"child": leaf,
	}
	c, err := ipldstore.Put(ctx, s, ipldstore.NodeValue(node))
	if err != nil {
		t.Fatal(err)
	}
	if c.Type() != cid.DagCBOR {
		t.Fatalf("node value stored under codec %d", c.Type())
	}

	v, err := ipldstore.Get(ctx, s, c)
	if err != nil {
		t.Fatal(err)
	}
	if v.Kind() != ipldstore.KindNode {
		t.Fatal("expected node value")
	}
	got, ok := v.Node().(map[string]any)
	if !ok {
		t.Fatalf("expected map node, got %T", v.Node())
	}
	if got["name"] != "value" || got["count"] != int64(3) {
		t.Fatalf("node fields corrupted: %v", got)
	}
	child, ok := got["child"].(cid.Cid)
	if !ok || !child.Equals(leaf) {
		t.Fatalf("link corrupted: %v", got["child"])
	}

	lv, err := ipldstore.Get(ctx, s, leaf)
	if err != nil {
		t.Fatal(err)
	}
	if lv.Kind() != ipldstore.KindBytes || string(lv.Bytes()) != "leaf" {
		t.Fatal("bytes value corrupted")
	}
}

// NormalizeTest checks that a block stored under a v1 CID is retrievable
// through any CID normalizing to the same codec and digest.
func NormalizeTest(t *testing.T, s ipldstore.Interface) {
	ctx := context.Background()
	data := []byte("normalization test block")

	c, err := s.PutRaw(ctx, data, cid.DagProtobuf)
	if err != nil {
		t.Fatal(err)
	}
	if c.Prefix().MhType != multihash.SHA2_256 {
		// v0 CIDs only exist for sha2-256 dag-pb.
		return
	}
	v0 := cid.NewCidV0(c.Hash())
	got, err := s.GetRaw(ctx, v0)
	if err != nil {
		t.Fatalf("Error getting block through v0 CID: %s", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("Got wrong bytes through v0 CID")
	}
}
