// Package memory defines an in-memory content-addressable store.
//
// Blocks are not persisted. This store is primarily useful for testing, for
// staging blocks before a CAR export, and as the working store behind
// short-lived indexes.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/gammazero/radixtree"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	ipldstore "github.com/ipld/go-ipldstore"
)

type memoryStore struct {
	mutex  sync.Mutex
	blocks *radixtree.Bytes
	mhType uint64
}

var _ ipldstore.Interface = (*memoryStore)(nil)

// New creates an ipldstore.Interface backed by a radixtree keyed on the
// binary form of the normalized CID.
func New(options ...Option) (*memoryStore, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}
	return &memoryStore{
		blocks: radixtree.New(),
		mhType: opts.mhType,
	}, nil
}

func (s *memoryStore) GetRaw(_ context.Context, c cid.Cid) ([]byte, error) {
	k := ipldstore.Normalize(c).KeyString()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	v, found := s.blocks.Get(k)
	if !found {
		return nil, &ipldstore.BlockNotFoundError{Cid: c}
	}
	data := v.([]byte)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *memoryStore) PutRaw(_ context.Context, data []byte, codec uint64) (cid.Cid, error) {
	prefix := cid.Prefix{
		Version:  1,
		Codec:    codec,
		MhType:   s.mhType,
		MhLength: -1,
	}
	c, err := prefix.Sum(data)
	if err != nil {
		return cid.Undef, err
	}

	stored := make([]byte, len(data))
	copy(stored, data)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.blocks.Put(c.KeyString(), stored)
	return c, nil
}

// Len returns the number of distinct blocks held.
func (s *memoryStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.blocks.Len()
}

func (s *memoryStore) Close() error { return nil }

// Option configures the memory store.
type Option func(*config) error

type config struct {
	mhType uint64
}

func getOpts(opts []Option) (config, error) {
	cfg := config{
		mhType: multihash.SHA2_256,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithHash sets the multihash algorithm used to derive CIDs on PutRaw.
func WithHash(mhType uint64) Option {
	return func(c *config) error {
		if _, ok := multihash.Codes[mhType]; !ok {
			return fmt.Errorf("unknown multihash code %d", mhType)
		}
		c.mhType = mhType
		return nil
	}
}
