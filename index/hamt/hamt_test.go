package hamt_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/ipfs/go-cid"

	ipldstore "github.com/ipld/go-ipldstore"
	"github.com/ipld/go-ipldstore/index"
	"github.com/ipld/go-ipldstore/index/hamt"
	"github.com/ipld/go-ipldstore/store/memory"
)

// smallOpts forces deep trees out of a handful of keys so the split and
// collapse paths are actually exercised.
var smallOpts = []hamt.Option{hamt.WithBitWidth(4), hamt.WithBucketSize(2)}

func newMap(t *testing.T, opts ...hamt.Option) (*hamt.Map, ipldstore.Interface) {
	t.Helper()
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	m, err := hamt.New(s, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return m, s
}

func testValue(t *testing.T, s ipldstore.Interface, data string) index.Value {
	t.Helper()
	c, err := s.PutRaw(context.Background(), []byte(data), cid.Raw)
	if err != nil {
		t.Fatal(err)
	}
	return index.Link(c)
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	m, s := newMap(t, smallOpts...)

	keys := make([][]string, 0, 100)
	for i := 0; i < 100; i++ {
		keys = append(keys, []string{"group", fmt.Sprintf("key%03d", i)})
	}
	for i, key := range keys {
		if err := m.Set(ctx, key, testValue(t, s, fmt.Sprintf("value %d", i))); err != nil {
			t.Fatal(err)
		}
	}
	for i, key := range keys {
		got, err := m.Get(ctx, key)
		if err != nil {
			t.Fatalf("get %v: %s", key, err)
		}
		if !got.Equal(testValue(t, s, fmt.Sprintf("value %d", i))) {
			t.Fatalf("get %v: wrong value", key)
		}
	}

	_, err := m.Get(ctx, []string{"absent"})
	if !errors.Is(err, ipldstore.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	for _, key := range keys {
		if err := m.Delete(ctx, key); err != nil {
			t.Fatalf("delete %v: %s", key, err)
		}
		if _, err := m.Get(ctx, key); !errors.Is(err, ipldstore.ErrKeyNotFound) {
			t.Fatalf("deleted key %v still present", key)
		}
	}
	if err := m.Delete(ctx, []string{"absent"}); !errors.Is(err, ipldstore.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound deleting absent key, got %v", err)
	}
}

func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	m, s := newMap(t)

	key := []string{"a", "b"}
	if err := m.Set(ctx, key, index.Inline([]byte("first"))); err != nil {
		t.Fatal(err)
	}
	want := testValue(t, s, "second")
	if err := m.Set(ctx, key, want); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(want) {
		t.Fatal("overwrite not visible")
	}
}

func TestEmptyPath(t *testing.T) {
	ctx := context.Background()
	m, _ := newMap(t)
	if err := m.Set(ctx, nil, index.Inline([]byte("x"))); !errors.Is(err, index.ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
}

func TestFlushLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, s := newMap(t, smallOpts...)

	want := map[string]index.Value{}
	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("k%02d", i)
		v := index.Inline([]byte(key))
		if i%3 == 0 {
			v = testValue(t, s, key)
		}
		want[key] = v
		if err := m.Set(ctx, []string{key}, v); err != nil {
			t.Fatal(err)
		}
	}

	root, err := m.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := hamt.Open(ctx, s, root)
	if err != nil {
		t.Fatal(err)
	}
	got := map[string]index.Value{}
	err = reopened.ForEach(ctx, func(key string, value index.Value) bool {
		got[key] = value
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys after reopen, got %d", len(want), len(got))
	}
	for key, v := range want {
		if !got[key].Equal(v) {
			t.Fatalf("key %q differs after reopen", key)
		}
	}
}

func TestFlushDeterministic(t *testing.T) {
	ctx := context.Background()

	build := func(order []int) cid.Cid {
		m, s := newMap(t, smallOpts...)
		for _, i := range order {
			key := fmt.Sprintf("k%02d", i)
			if err := m.Set(ctx, []string{key}, testValue(t, s, key)); err != nil {
				t.Fatal(err)
			}
		}
		root, err := m.Flush(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return root
	}

	forward := make([]int, 40)
	backward := make([]int, 40)
	for i := range forward {
		forward[i] = i
		backward[i] = len(backward) - 1 - i
	}
	if !build(forward).Equals(build(backward)) {
		t.Fatal("insertion order changed the frozen root")
	}
}

func TestFlushIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := newMap(t)
	if err := m.Set(ctx, []string{"a"}, index.Inline([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	root1, err := m.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	root2, err := m.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !root1.Equals(root2) {
		t.Fatal("flush without changes produced a different root")
	}
}

// TestFlushAfterPartialLoad checks that mutating one subtree of a reopened
// map re-writes only that path: the flush still succeeds while untouched
// children are carried as their stored CIDs.
func TestFlushAfterPartialLoad(t *testing.T) {
	ctx := context.Background()
	m, s := newMap(t, smallOpts...)

	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("k%02d", i)
		if err := m.Set(ctx, []string{key}, index.Inline([]byte(key))); err != nil {
			t.Fatal(err)
		}
	}
	root, err := m.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}

	reopened, err := hamt.Open(ctx, s, root)
	if err != nil {
		t.Fatal(err)
	}
	if err := reopened.Set(ctx, []string{"k00"}, index.Inline([]byte("changed"))); err != nil {
		t.Fatal(err)
	}
	newRoot, err := reopened.Flush(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if newRoot.Equals(root) {
		t.Fatal("mutation did not change the root")
	}

	// Everything must still be reachable from the new root.
	final, err := hamt.Open(ctx, s, newRoot)
	if err != nil {
		t.Fatal(err)
	}
	got, err := final.Get(ctx, []string{"k00"})
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Inline()) != "changed" {
		t.Fatal("mutation lost after reopen")
	}
	for i := 1; i < 64; i++ {
		key := fmt.Sprintf("k%02d", i)
		got, err := final.Get(ctx, []string{key})
		if err != nil {
			t.Fatalf("get %s: %s", key, err)
		}
		if string(got.Inline()) != key {
			t.Fatalf("key %s differs after partial re-flush", key)
		}
	}
}

// TestForEachSnapshot checks that a traversal keeps seeing the contents from
// when it started even while the map is being mutated.
func TestForEachSnapshot(t *testing.T) {
	ctx := context.Background()
	m, _ := newMap(t, smallOpts...)

	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("k%02d", i)
		if err := m.Set(ctx, []string{key}, index.Inline([]byte(key))); err != nil {
			t.Fatal(err)
		}
	}

	var visited []string
	err := m.ForEach(ctx, func(key string, _ index.Value) bool {
		visited = append(visited, key)
		// Mutate mid-walk: add new keys and remove a yet-unvisited one.
		if len(visited) == 1 {
			if err := m.Set(ctx, []string{"zz-new"}, index.Inline([]byte("x"))); err != nil {
				t.Fatal(err)
			}
			if err := m.Delete(ctx, []string{"k31"}); err != nil {
				t.Fatal(err)
			}
		}
		return true
	})
	if err != nil {
		t.Fatal(err)
	}

	sort.Strings(visited)
	if len(visited) != 32 {
		t.Fatalf("expected the 32 keys present at entry, got %d", len(visited))
	}
	for _, key := range visited {
		if key == "zz-new" {
			t.Fatal("traversal observed a key added mid-walk")
		}
	}
	// The mutations themselves took effect on the map.
	if _, err := m.Get(ctx, []string{"zz-new"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, []string{"k31"}); !errors.Is(err, ipldstore.ErrKeyNotFound) {
		t.Fatal("mid-walk delete did not take effect")
	}
}

func TestForEachEarlyStop(t *testing.T) {
	ctx := context.Background()
	m, _ := newMap(t)
	for i := 0; i < 10; i++ {
		if err := m.Set(ctx, []string{fmt.Sprintf("k%d", i)}, index.Inline(nil)); err != nil {
			t.Fatal(err)
		}
	}
	count := 0
	err := m.ForEach(ctx, func(string, index.Value) bool {
		count++
		return count < 3
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Fatalf("expected traversal to stop after 3 keys, got %d", count)
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	m, _ := newMap(t)
	if err := m.Set(ctx, []string{"a"}, index.Inline([]byte("x"))); err != nil {
		t.Fatal(err)
	}
	m.Clear()
	if _, err := m.Get(ctx, []string{"a"}); !errors.Is(err, ipldstore.ErrKeyNotFound) {
		t.Fatal("cleared map still holds keys")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	s, err := memory.New()
	if err != nil {
		t.Fatal(err)
	}
	c, err := ipldstore.Put(ctx, s, ipldstore.NodeValue(map[string]any{"not": "a hamt"}))
	if err != nil {
		t.Fatal(err)
	}
	if _, err = hamt.Open(ctx, s, c); err == nil {
		t.Fatal("expected an error opening a non-hamt block")
	}
}
