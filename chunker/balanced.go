// Package chunker splits oversized blobs into a bounded-fanout Merkle tree of
// blocks and reconstructs arbitrary byte ranges from it.
//
// Leaves are raw blocks of at most the configured leaf size. When a level
// holds more entries than the fan-out limit, entries are grouped into
// ceil(n/ceil(n/limit)) near-equal groups, one interior node per group, until
// a single node remains. Interior nodes are dag-cbor lists of [length, link]
// pairs, so the sum of lengths in a node always equals the byte span of its
// subtree.
package chunker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ipfs/go-cid"

	ipldstore "github.com/ipld/go-ipldstore"
)

const (
	// DefaultLeafSize is the maximum byte length of a single leaf block.
	DefaultLeafSize = 262144
	// DefaultFanout is the maximum number of children of an interior node.
	DefaultFanout = 1000
)

type link struct {
	length int64
	c      cid.Cid
}

// Split stores data as a balanced chunk tree and returns the root CID. A
// blob that fits in one leaf produces just that leaf; empty input produces a
// single empty leaf.
func Split(ctx context.Context, s ipldstore.Interface, data []byte, options ...Option) (cid.Cid, error) {
	opts, err := getOpts(options)
	if err != nil {
		return cid.Undef, err
	}

	var links []link
	for start := 0; ; start += opts.leafSize {
		end := start + opts.leafSize
		if end > len(data) {
			end = len(data)
		}
		c, err := s.PutRaw(ctx, data[start:end], cid.Raw)
		if err != nil {
			return cid.Undef, err
		}
		links = append(links, link{length: int64(end - start), c: c})
		if end == len(data) {
			break
		}
	}

	for len(links) > 1 {
		if len(links) <= opts.fanout {
			return putNode(ctx, s, links)
		}
		ngroups := (len(links) + opts.fanout - 1) / opts.fanout
		size := (len(links) + ngroups - 1) / ngroups
		next := make([]link, 0, ngroups)
		for start := 0; start < len(links); start += size {
			end := start + size
			if end > len(links) {
				end = len(links)
			}
			group := links[start:end]
			c, err := putNode(ctx, s, group)
			if err != nil {
				return cid.Undef, err
			}
			var total int64
			for _, l := range group {
				total += l.length
			}
			next = append(next, link{length: total, c: c})
		}
		links = next
	}
	return links[0].c, nil
}

func putNode(ctx context.Context, s ipldstore.Interface, links []link) (cid.Cid, error) {
	node := make([]any, len(links))
	for i, l := range links {
		node[i] = []any{l.length, l.c}
	}
	return ipldstore.Put(ctx, s, ipldstore.NodeValue(node))
}

// FetchFunc resolves a CID to its decoded value. It is typically
// ipldstore.Get over some store, but reads only need this one capability.
type FetchFunc func(ctx context.Context, c cid.Cid) (ipldstore.Value, error)

// Read reconstructs the byte range [offset, end) of the blob rooted at root.
// A negative end means read to the end of the blob. Ranges extending past the
// blob's length are clamped rather than failing, so a caller that does not
// know the total length can pass a large end.
func Read(ctx context.Context, fetch FetchFunc, root cid.Cid, offset, end int64) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("negative offset %d", offset)
	}
	if end >= 0 && end <= offset {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := read(ctx, fetch, root, offset, end, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func read(ctx context.Context, fetch FetchFunc, c cid.Cid, offset, end int64, buf *bytes.Buffer) error {
	v, err := fetch(ctx, c)
	if err != nil {
		return err
	}

	switch v.Kind() {
	case ipldstore.KindBytes:
		data := v.Bytes()
		if offset >= int64(len(data)) {
			return nil
		}
		if end < 0 || end > int64(len(data)) {
			end = int64(len(data))
		}
		buf.Write(data[offset:end])
		return nil

	case ipldstore.KindNode:
		links, err := parseNode(c, v.Node())
		if err != nil {
			return err
		}
		var total int64
		for _, l := range links {
			if end >= 0 && total >= end {
				return nil
			}
			childEnd := total + l.length
			if offset < childEnd {
				childOffset := int64(0)
				if offset > total {
					childOffset = offset - total
				}
				subEnd := int64(-1)
				if end >= 0 {
					subEnd = end - total
				}
				if err = read(ctx, fetch, l.c, childOffset, subEnd, buf); err != nil {
					return err
				}
			}
			total = childEnd
		}
		return nil

	default:
		return &ipldstore.UnsupportedCodecError{Codec: c.Type(), Cid: c}
	}
}

func parseNode(c cid.Cid, node any) ([]link, error) {
	list, ok := node.([]any)
	if !ok {
		return nil, fmt.Errorf("chunk node %s: not a link list", c)
	}
	links := make([]link, len(list))
	for i, item := range list {
		pair, ok := item.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("chunk node %s: entry %d is not a [length, link] pair", c, i)
		}
		length, ok := pair[0].(int64)
		if !ok || length < 0 {
			return nil, fmt.Errorf("chunk node %s: entry %d has invalid length", c, i)
		}
		child, ok := pair[1].(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("chunk node %s: entry %d has no link", c, i)
		}
		links[i] = link{length: length, c: child}
	}
	return links, nil
}

// Option configures Split.
type Option func(*config) error

type config struct {
	leafSize int
	fanout   int
}

func getOpts(opts []Option) (config, error) {
	cfg := config{
		leafSize: DefaultLeafSize,
		fanout:   DefaultFanout,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithLeafSize sets the maximum leaf block length in bytes.
func WithLeafSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("leaf size must be positive, got %d", size)
		}
		c.leafSize = size
		return nil
	}
}

// WithFanout sets the maximum number of children of an interior node.
func WithFanout(fanout int) Option {
	return func(c *config) error {
		if fanout < 2 {
			return fmt.Errorf("fanout must be at least 2, got %d", fanout)
		}
		c.fanout = fanout
		return nil
	}
}
