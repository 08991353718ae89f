// Package pogreb defines a disk-backed content-addressable store on top of
// the pogreb key-value database. Blocks are keyed by the binary form of their
// normalized CID.
//
// NOTE: pogreb can store at most 4 billion records
// (https://github.com/akrylysov/pogreb/issues/38). Block counts at that scale
// should use a remote store instead.
package pogreb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/akrylysov/pogreb"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	ipldstore "github.com/ipld/go-ipldstore"
)

const DefaultSyncInterval = time.Second

type pStorage struct {
	dir    string
	db     *pogreb.DB
	mhType uint64
}

var _ ipldstore.Interface = (*pStorage)(nil)

// New opens (creating if needed) a pogreb-backed store in dir.
func New(dir string, options ...Option) (*pStorage, error) {
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	db, err := pogreb.Open(dir, &pogreb.Options{BackgroundSyncInterval: opts.syncInterval})
	if err != nil {
		return nil, err
	}
	return &pStorage{
		dir:    dir,
		db:     db,
		mhType: opts.mhType,
	}, nil
}

func (s *pStorage) GetRaw(_ context.Context, c cid.Cid) ([]byte, error) {
	data, err := s.db.Get(ipldstore.Normalize(c).Bytes())
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, &ipldstore.BlockNotFoundError{Cid: c}
	}
	return data, nil
}

func (s *pStorage) PutRaw(_ context.Context, data []byte, codec uint64) (cid.Cid, error) {
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
	if err = s.db.Put(c.Bytes(), data); err != nil {
		return cid.Undef, err
	}
	return c, nil
}

// Flush commits pending writes to disk.
func (s *pStorage) Flush() error {
	return s.db.Sync()
}

// Size returns the bytes of disk storage used by the block database.
func (s *pStorage) Size() (int64, error) {
	var size int64
	err := filepath.Walk(s.dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size, err
}

func (s *pStorage) Close() error {
	return s.db.Close()
}

// Option configures the pogreb store.
type Option func(*config) error

type config struct {
	mhType       uint64
	syncInterval time.Duration
}

func getOpts(opts []Option) (config, error) {
	cfg := config{
		mhType:       multihash.SHA2_256,
		syncInterval: DefaultSyncInterval,
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

// WithSyncInterval sets how often pogreb syncs to disk in the background.
func WithSyncInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval > 0 {
			c.syncInterval = interval
		}
		return nil
	}
}
