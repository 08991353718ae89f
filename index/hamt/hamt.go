// Package hamt implements the index as a hash-array-mapped trie persisted in
// a content-addressable store.
//
// Keys are hashed with sha2-256 and the digest is consumed bitWidth bits per
// level to pick a slot. Leaves are small sorted buckets; a bucket that
// overflows is split into a child node one level deeper. Nodes are immutable:
// every mutation copies the path from the root down, so a traversal that
// captured the old root keeps seeing the old contents (structural sharing
// instead of a deep copy).
//
// Nodes loaded from a frozen root stay on the store until first touched; a
// flush re-uses the stored CID of any subtree that was never modified.
package hamt

import (
	"bytes"
	"context"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	ipldstore "github.com/ipld/go-ipldstore"
	"github.com/ipld/go-ipldstore/index"
)

const (
	DefaultBitWidth   = 8
	DefaultBucketSize = 5
)

type Map struct {
	cas        ipldstore.Interface
	bitWidth   int
	bucketSize int

	// loadMutex guards lazy loading of child nodes, which is the only
	// mutation that can happen outside the caller's own serialization.
	loadMutex sync.Mutex

	root   *node
	frozen cid.Cid
	clean  bool
}

var _ index.Interface = (*Map)(nil)

type entry struct {
	key   []byte
	value index.Value
}

// pointer is one occupied slot of a node: either a bucket of entries or a
// child node. A child may still live on the store, represented only by its
// CID until first accessed.
type pointer struct {
	bucket   []entry
	child    *node
	childCid cid.Cid
}

func (p *pointer) isBucket() bool { return p.bucket != nil }

type node struct {
	bitmap   []byte
	pointers []*pointer
}

// New creates an empty HAMT index storing its nodes in cas.
func New(cas ipldstore.Interface, options ...Option) (*Map, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	m := &Map{
		cas:        cas,
		bitWidth:   opts.bitWidth,
		bucketSize: opts.bucketSize,
	}
	m.root = m.emptyNode()
	return m, nil
}

// Open reconstructs a HAMT index from a previously frozen root CID. The
// layout parameters are read from the root block.
func Open(ctx context.Context, cas ipldstore.Interface, root cid.Cid) (*Map, error) {
	m := &Map{cas: cas}
	if err := m.Load(ctx, root); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Map) emptyNode() *node {
	return &node{bitmap: make([]byte, (1<<m.bitWidth)/8)}
}

func (m *Map) Get(ctx context.Context, path []string) (index.Value, error) {
	key, err := joinPath(path)
	if err != nil {
		return index.Value{}, err
	}
	digest, err := sum(key)
	if err != nil {
		return index.Value{}, err
	}

	n := m.root
	for depth := 0; ; depth++ {
		idx := indexAt(digest, depth, m.bitWidth)
		if idx < 0 {
			return index.Value{}, &ipldstore.KeyNotFoundError{Key: key}
		}
		if !n.bitSet(idx) {
			return index.Value{}, &ipldstore.KeyNotFoundError{Key: key}
		}
		p := n.pointers[n.dataIndex(idx)]
		if p.isBucket() {
			for _, e := range p.bucket {
				if string(e.key) == key {
					return e.value, nil
				}
			}
			return index.Value{}, &ipldstore.KeyNotFoundError{Key: key}
		}
		n, err = m.loadChild(ctx, p)
		if err != nil {
			return index.Value{}, err
		}
	}
}

func (m *Map) Set(ctx context.Context, path []string, value index.Value) error {
	key, err := joinPath(path)
	if err != nil {
		return err
	}
	digest, err := sum(key)
	if err != nil {
		return err
	}
	newRoot, err := m.setNode(ctx, m.root, digest, 0, entry{key: []byte(key), value: value})
	if err != nil {
		return err
	}
	m.root = newRoot
	m.clean = false
	return nil
}

func (m *Map) setNode(ctx context.Context, n *node, digest []byte, depth int, e entry) (*node, error) {
	idx := indexAt(digest, depth, m.bitWidth)
	if idx < 0 {
		return nil, fmt.Errorf("hash exhausted at depth %d", depth)
	}

	if !n.bitSet(idx) {
		out := n.clone()
		out.insertPointer(idx, &pointer{bucket: []entry{e}})
		return out, nil
	}

	di := n.dataIndex(idx)
	p := n.pointers[di]

	if p.isBucket() {
		for i, existing := range p.bucket {
			if bytes.Equal(existing.key, e.key) {
				bucket := cloneBucket(p.bucket)
				bucket[i].value = e.value
				out := n.clone()
				out.pointers[di] = &pointer{bucket: bucket}
				return out, nil
			}
		}
		if len(p.bucket) < m.bucketSize {
			bucket := cloneBucket(p.bucket)
			bucket = append(bucket, e)
			sort.Slice(bucket, func(i, j int) bool {
				return bytes.Compare(bucket[i].key, bucket[j].key) < 0
			})
			out := n.clone()
			out.pointers[di] = &pointer{bucket: bucket}
			return out, nil
		}

		// Bucket overflow: push every entry one level deeper.
		child := m.emptyNode()
		for _, existing := range p.bucket {
			d, err := sum(string(existing.key))
			if err != nil {
				return nil, err
			}
			child, err = m.setNode(ctx, child, d, depth+1, existing)
			if err != nil {
				return nil, err
			}
		}
		child, err := m.setNode(ctx, child, digest, depth+1, e)
		if err != nil {
			return nil, err
		}
		out := n.clone()
		out.pointers[di] = &pointer{child: child}
		return out, nil
	}

	child, err := m.loadChild(ctx, p)
	if err != nil {
		return nil, err
	}
	newChild, err := m.setNode(ctx, child, digest, depth+1, e)
	if err != nil {
		return nil, err
	}
	out := n.clone()
	out.pointers[di] = &pointer{child: newChild}
	return out, nil
}

func (m *Map) Delete(ctx context.Context, path []string) error {
	key, err := joinPath(path)
	if err != nil {
		return err
	}
	digest, err := sum(key)
	if err != nil {
		return err
	}
	newRoot, err := m.deleteNode(ctx, m.root, digest, 0, key)
	if err != nil {
		return err
	}
	m.root = newRoot
	m.clean = false
	return nil
}

func (m *Map) deleteNode(ctx context.Context, n *node, digest []byte, depth int, key string) (*node, error) {
	idx := indexAt(digest, depth, m.bitWidth)
	if idx < 0 || !n.bitSet(idx) {
		return nil, &ipldstore.KeyNotFoundError{Key: key}
	}

	di := n.dataIndex(idx)
	p := n.pointers[di]

	if p.isBucket() {
		found := -1
		for i, existing := range p.bucket {
			if string(existing.key) == key {
				found = i
				break
			}
		}
		if found < 0 {
			return nil, &ipldstore.KeyNotFoundError{Key: key}
		}
		out := n.clone()
		if len(p.bucket) == 1 {
			out.removePointer(idx)
			return out, nil
		}
		bucket := make([]entry, 0, len(p.bucket)-1)
		bucket = append(bucket, p.bucket[:found]...)
		bucket = append(bucket, p.bucket[found+1:]...)
		out.pointers[di] = &pointer{bucket: bucket}
		return out, nil
	}

	child, err := m.loadChild(ctx, p)
	if err != nil {
		return nil, err
	}
	newChild, err := m.deleteNode(ctx, child, digest, depth+1, key)
	if err != nil {
		return nil, err
	}

	out := n.clone()
	switch {
	case len(newChild.pointers) == 0:
		out.removePointer(idx)
	case len(newChild.pointers) == 1 && newChild.pointers[0].isBucket():
		// A child holding a single bucket collapses into this level.
		out.pointers[di] = &pointer{bucket: newChild.pointers[0].bucket}
	default:
		out.pointers[di] = &pointer{child: newChild}
	}
	return out, nil
}

// ForEach visits every key. The walk holds the root captured at entry, so
// mutations made by fn or by the caller mid-walk do not change the visited
// set.
func (m *Map) ForEach(ctx context.Context, fn func(key string, value index.Value) bool) error {
	root := m.root
	_, err := m.walk(ctx, root, fn)
	return err
}

func (m *Map) walk(ctx context.Context, n *node, fn func(key string, value index.Value) bool) (bool, error) {
	for _, p := range n.pointers {
		if p.isBucket() {
			for _, e := range p.bucket {
				if !fn(string(e.key), e.value) {
					return false, nil
				}
			}
			continue
		}
		child, err := m.loadChild(ctx, p)
		if err != nil {
			return false, err
		}
		cont, err := m.walk(ctx, child, fn)
		if err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

// Flush persists all modified nodes and returns the root CID. Unmodified
// subtrees keep their stored CIDs and are not re-written.
func (m *Map) Flush(ctx context.Context) (cid.Cid, error) {
	if m.clean && m.frozen.Defined() {
		return m.frozen, nil
	}

	bitmap, data, err := m.flushNode(ctx, m.root)
	if err != nil {
		return cid.Undef, err
	}
	rootNode := map[string]any{
		"version":    int64(1),
		"hashAlg":    int64(multihash.SHA2_256),
		"bitWidth":   int64(m.bitWidth),
		"bucketSize": int64(m.bucketSize),
		"map":        bitmap,
		"data":       data,
	}
	c, err := ipldstore.Put(ctx, m.cas, ipldstore.NodeValue(rootNode))
	if err != nil {
		return cid.Undef, err
	}
	m.frozen = c
	m.clean = true
	return c, nil
}

func (m *Map) flushNode(ctx context.Context, n *node) ([]byte, []any, error) {
	data := make([]any, len(n.pointers))
	for i, p := range n.pointers {
		switch {
		case p.isBucket():
			bucket := make([]any, len(p.bucket))
			for j, e := range p.bucket {
				bucket[j] = []any{e.key, e.value.AsNode()}
			}
			data[i] = bucket
		case p.child == nil:
			// Never loaded, therefore never modified.
			data[i] = p.childCid
		default:
			bitmap, childData, err := m.flushNode(ctx, p.child)
			if err != nil {
				return nil, nil, err
			}
			c, err := ipldstore.Put(ctx, m.cas, ipldstore.NodeValue([]any{bitmap, childData}))
			if err != nil {
				return nil, nil, err
			}
			p.childCid = c
			data[i] = c
		}
	}
	bitmap := make([]byte, len(n.bitmap))
	copy(bitmap, n.bitmap)
	return bitmap, data, nil
}

// Load replaces the map contents with the state frozen under root. Layout
// parameters come from the root block.
func (m *Map) Load(ctx context.Context, root cid.Cid) error {
	v, err := ipldstore.Get(ctx, m.cas, root)
	if err != nil {
		return err
	}
	rootNode, ok := v.Node().(map[string]any)
	if v.Kind() != ipldstore.KindNode || !ok {
		return fmt.Errorf("hamt root %s: not a map", root)
	}
	if version, ok := rootNode["version"].(int64); !ok || version != 1 {
		return fmt.Errorf("hamt root %s: unsupported version", root)
	}
	if hashAlg, ok := rootNode["hashAlg"].(int64); !ok || uint64(hashAlg) != multihash.SHA2_256 {
		return fmt.Errorf("hamt root %s: unsupported hash algorithm", root)
	}
	bitWidth, ok := rootNode["bitWidth"].(int64)
	if !ok || bitWidth < 3 || bitWidth > 8 {
		return fmt.Errorf("hamt root %s: invalid bit width", root)
	}
	bucketSize, ok := rootNode["bucketSize"].(int64)
	if !ok || bucketSize < 1 {
		return fmt.Errorf("hamt root %s: invalid bucket size", root)
	}

	m.bitWidth = int(bitWidth)
	m.bucketSize = int(bucketSize)
	n, err := m.parseNode([]any{rootNode["map"], rootNode["data"]})
	if err != nil {
		return fmt.Errorf("hamt root %s: %w", root, err)
	}
	m.root = n
	m.frozen = ipldstore.Normalize(root)
	m.clean = true
	return nil
}

func (m *Map) Clear() {
	m.root = m.emptyNode()
	m.frozen = cid.Undef
	m.clean = false
}

func (m *Map) loadChild(ctx context.Context, p *pointer) (*node, error) {
	if p.child != nil {
		return p.child, nil
	}
	m.loadMutex.Lock()
	defer m.loadMutex.Unlock()
	if p.child != nil {
		return p.child, nil
	}

	v, err := ipldstore.Get(ctx, m.cas, p.childCid)
	if err != nil {
		return nil, err
	}
	if v.Kind() != ipldstore.KindNode {
		return nil, fmt.Errorf("hamt node %s: not a dag-cbor block", p.childCid)
	}
	list, ok := v.Node().([]any)
	if !ok {
		return nil, fmt.Errorf("hamt node %s: not a list", p.childCid)
	}
	n, err := m.parseNode(list)
	if err != nil {
		return nil, fmt.Errorf("hamt node %s: %w", p.childCid, err)
	}
	p.child = n
	return n, nil
}

func (m *Map) parseNode(list []any) (*node, error) {
	if len(list) != 2 {
		return nil, fmt.Errorf("expected [bitmap, data], got %d elements", len(list))
	}
	bitmap, ok := list[0].([]byte)
	if !ok || len(bitmap) != (1<<m.bitWidth)/8 {
		return nil, fmt.Errorf("invalid bitmap")
	}
	data, ok := list[1].([]any)
	if !ok {
		return nil, fmt.Errorf("invalid data list")
	}
	occupied := 0
	for _, b := range bitmap {
		occupied += bits.OnesCount8(b)
	}
	if occupied != len(data) {
		return nil, fmt.Errorf("bitmap occupancy %d does not match %d pointers", occupied, len(data))
	}

	pointers := make([]*pointer, len(data))
	for i, item := range data {
		switch elem := item.(type) {
		case cid.Cid:
			pointers[i] = &pointer{childCid: elem}
		case []any:
			bucket := make([]entry, len(elem))
			for j, pairNode := range elem {
				pair, ok := pairNode.([]any)
				if !ok || len(pair) != 2 {
					return nil, fmt.Errorf("bucket entry %d is not a pair", j)
				}
				key, ok := pair[0].([]byte)
				if !ok {
					return nil, fmt.Errorf("bucket entry %d has no key", j)
				}
				value, err := index.FromNode(pair[1])
				if err != nil {
					return nil, err
				}
				bucket[j] = entry{key: key, value: value}
			}
			pointers[i] = &pointer{bucket: bucket}
		default:
			return nil, fmt.Errorf("pointer %d has invalid type %T", i, item)
		}
	}
	return &node{bitmap: bitmap, pointers: pointers}, nil
}

func (n *node) bitSet(idx int) bool {
	return n.bitmap[idx/8]&(1<<(7-uint(idx%8))) != 0
}

// dataIndex counts the occupied slots before idx, which is the position of
// idx's pointer in the compacted pointers slice.
func (n *node) dataIndex(idx int) int {
	count := 0
	for i := 0; i < idx/8; i++ {
		count += bits.OnesCount8(n.bitmap[i])
	}
	if idx%8 > 0 {
		count += bits.OnesCount8(n.bitmap[idx/8] >> (8 - uint(idx%8)))
	}
	return count
}

func (n *node) clone() *node {
	bitmap := make([]byte, len(n.bitmap))
	copy(bitmap, n.bitmap)
	pointers := make([]*pointer, len(n.pointers))
	copy(pointers, n.pointers)
	return &node{bitmap: bitmap, pointers: pointers}
}

func (n *node) insertPointer(idx int, p *pointer) {
	di := n.dataIndex(idx)
	n.pointers = append(n.pointers, nil)
	copy(n.pointers[di+1:], n.pointers[di:])
	n.pointers[di] = p
	n.bitmap[idx/8] |= 1 << (7 - uint(idx%8))
}

func (n *node) removePointer(idx int) {
	di := n.dataIndex(idx)
	n.pointers = append(n.pointers[:di], n.pointers[di+1:]...)
	n.bitmap[idx/8] &^= 1 << (7 - uint(idx%8))
}

func cloneBucket(bucket []entry) []entry {
	out := make([]entry, len(bucket))
	copy(out, bucket)
	return out
}

func sum(key string) ([]byte, error) {
	h, err := multihash.Sum([]byte(key), multihash.SHA2_256, -1)
	if err != nil {
		return nil, err
	}
	decoded, err := multihash.Decode(h)
	if err != nil {
		return nil, err
	}
	return decoded.Digest, nil
}

// indexAt extracts the bitWidth-bit slot index for the given depth, or -1
// when the digest is exhausted.
func indexAt(digest []byte, depth, bitWidth int) int {
	start := depth * bitWidth
	if start+bitWidth > len(digest)*8 {
		return -1
	}
	out := 0
	for i := start; i < start+bitWidth; i++ {
		out <<= 1
		if digest[i/8]&(1<<(7-uint(i%8))) != 0 {
			out |= 1
		}
	}
	return out
}

func joinPath(path []string) (string, error) {
	if len(path) == 0 {
		return "", index.ErrInvalidPath
	}
	return strings.Join(path, index.Sep), nil
}

// Option configures a new Map.
type Option func(*config) error

type config struct {
	bitWidth   int
	bucketSize int
}

func getOpts(opts []Option) (config, error) {
	cfg := config{
		bitWidth:   DefaultBitWidth,
		bucketSize: DefaultBucketSize,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithBitWidth sets how many digest bits select a slot per level. Widths
// between 3 and 8 keep the bitmap byte-aligned.
func WithBitWidth(w int) Option {
	return func(c *config) error {
		if w < 3 || w > 8 {
			return fmt.Errorf("bit width must be in [3, 8], got %d", w)
		}
		c.bitWidth = w
		return nil
	}
}

// WithBucketSize sets how many entries a leaf bucket holds before it is
// split into a deeper node.
func WithBucketSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("bucket size must be positive, got %d", size)
		}
		c.bucketSize = size
		return nil
	}
}
