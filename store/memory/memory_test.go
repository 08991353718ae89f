package memory_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/ipld/go-ipldstore/store/memory"
	"github.com/ipld/go-ipldstore/store/test"
)

func TestRoundTrip(t *testing.T) {
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	test.RoundTripTest(t, s)
}

func TestDeterminism(t *testing.T) {
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	test.DeterminismTest(t, s)
}

func TestNotFound(t *testing.T) {
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	test.NotFoundTest(t, s)
}

func TestTyped(t *testing.T) {
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	test.TypedTest(t, s)
}

func TestNormalize(t *testing.T) {
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	test.NormalizeTest(t, s)
}

func TestBlake3Hash(t *testing.T) {
	s, err := memory.New(memory.WithHash(multihash.BLAKE3))
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("blake3 hashed block")
	c, err := s.PutRaw(context.Background(), data, cid.Raw)
	if err != nil {
		t.Fatal(err)
	}
	if c.Prefix().MhType != multihash.BLAKE3 {
		t.Fatalf("expected blake3 multihash, got %d", c.Prefix().MhType)
	}
	test.RoundTripTest(t, s)
}

func TestLen(t *testing.T) {
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err = s.PutRaw(ctx, []byte("a"), cid.Raw); err != nil {
		t.Fatal(err)
	}
	if _, err = s.PutRaw(ctx, []byte("b"), cid.Raw); err != nil {
		t.Fatal(err)
	}
	// Identical content must deduplicate.
	if _, err = s.PutRaw(ctx, []byte("a"), cid.Raw); err != nil {
		t.Fatal(err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 blocks, got %d", s.Len())
	}
}
