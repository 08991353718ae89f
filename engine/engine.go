// Package engine combines an index and a content-addressable store into a
// single key-to-bytes mapping: the store facade opened by dataset readers and
// writers.
//
// A small fixed set of terminal path segments (dataset metadata such as
// .zgroup) is kept inline in the index to avoid a block round trip for tiny,
// frequently read values. Every other key resolves to a CID whose bytes are
// reconstructed through the balanced chunk tree.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gammazero/workerpool"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"

	ipldstore "github.com/ipld/go-ipldstore"
	"github.com/ipld/go-ipldstore/chunker"
	"github.com/ipld/go-ipldstore/index"
	"github.com/ipld/go-ipldstore/metrics"
)

var log = logging.Logger("ipldstore/engine")

// Engine is the store facade. In writable mode one coarse lock guards every
// index-touching operation; in read-only mode reads proceed unsynchronized,
// which is sound because read-only is a promise that no writer exists.
type Engine struct {
	idx index.Interface
	cas ipldstore.Interface

	mutex    sync.Mutex
	readOnly bool

	inline      map[string]struct{}
	leafSize    int
	fanout      int
	poolSize    int
	omitOnError bool
}

// New creates an Engine over the given index and store.
func New(idx index.Interface, cas ipldstore.Interface, options ...Option) (*Engine, error) {
	if idx == nil {
		panic("index is required")
	}
	if cas == nil {
		panic("store is required")
	}
	opts, err := getOpts(options)
	if err != nil {
		return nil, err
	}

	inline := make(map[string]struct{}, len(opts.inlineKeys))
	for _, k := range opts.inlineKeys {
		inline[k] = struct{}{}
	}

	return &Engine{
		idx:         idx,
		cas:         cas,
		readOnly:    opts.readOnly,
		inline:      inline,
		leafSize:    opts.leafSize,
		fanout:      opts.fanout,
		poolSize:    opts.poolSize,
		omitOnError: opts.omitOnError,
	}, nil
}

// Get returns the bytes stored under key.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := e.lockIfWritable()
	v, err := e.resolve(ctx, key)
	unlock()
	if err != nil {
		return nil, err
	}
	if !v.IsLink() {
		return v.Inline(), nil
	}
	return e.fetchValue(ctx, v.Link())
}

// GetMany returns the bytes for a batch of keys. Inline keys are answered
// from the index; CID-backed keys are fetched from the store concurrently
// and joined before returning. By default any individual failure is
// surfaced, attributed to its key; with WithOmitOnError the failed keys are
// instead logged and left out of the result.
func (e *Engine) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	results := make(map[string][]byte, len(keys))
	links := make(map[string]cid.Cid)
	var errs *multierror.Error

	unlock := e.lockIfWritable()
	for _, key := range keys {
		v, err := e.resolve(ctx, key)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if v.IsLink() {
			links[key] = v.Link()
		} else {
			results[key] = v.Inline()
		}
	}
	unlock()

	if len(links) != 0 {
		stats.Record(context.Background(), metrics.FetchFanout.M(int64(len(links))))

		var resMutex sync.Mutex
		wp := workerpool.New(e.poolSize)
		for key, c := range links {
			key, c := key, c
			wp.Submit(func() {
				data, err := e.fetchValue(ctx, c)
				resMutex.Lock()
				defer resMutex.Unlock()
				if err != nil {
					errs = multierror.Append(errs, &keyError{key: key, err: err})
					return
				}
				results[key] = data
			})
		}
		wp.StopWait()
	}

	if err := errs.ErrorOrNil(); err != nil {
		if !e.omitOnError {
			return nil, err
		}
		log.Warnw("Omitting failed keys from batched get", "err", err)
	}
	return results, nil
}

// Set stores value under key. Inline keys go directly into the index; all
// other values are chunked into the store and linked from the index.
func (e *Engine) Set(ctx context.Context, key string, value []byte) error {
	if e.readOnly {
		return ipldstore.ErrReadOnly
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()

	path := strings.Split(key, index.Sep)
	if _, ok := e.inline[path[len(path)-1]]; ok {
		stored := make([]byte, len(value))
		copy(stored, value)
		return e.idx.Set(ctx, path, index.Inline(stored))
	}

	root, err := chunker.Split(ctx, e.cas, value,
		chunker.WithLeafSize(e.leafSize), chunker.WithFanout(e.fanout))
	if err != nil {
		return err
	}
	return e.idx.Set(ctx, path, index.Link(root))
}

// Delete removes key from the index. The blocks it pointed at stay in the
// store; reclaiming them is the store's concern, not the index's.
func (e *Engine) Delete(ctx context.Context, key string) error {
	if e.readOnly {
		return ipldstore.ErrReadOnly
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.idx.Delete(ctx, strings.Split(key, index.Sep))
}

// Keys returns every key in the store, in index traversal order. The listing
// is a point-in-time snapshot: writes that land after Keys returns are not
// reflected in the returned slice.
func (e *Engine) Keys(ctx context.Context) ([]string, error) {
	unlock := e.lockIfWritable()
	defer unlock()

	var keys []string
	err := e.idx.ForEach(ctx, func(key string, _ index.Value) bool {
		keys = append(keys, key)
		return true
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// Len returns the number of keys in the store.
func (e *Engine) Len(ctx context.Context) (int, error) {
	unlock := e.lockIfWritable()
	defer unlock()

	count := 0
	err := e.idx.ForEach(ctx, func(string, index.Value) bool {
		count++
		return true
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Freeze persists the index and returns the dataset's root CID, the sole
// handle needed to reopen this snapshot later. Freezing an unmodified store
// returns the cached root without re-writing anything.
func (e *Engine) Freeze(ctx context.Context) (cid.Cid, error) {
	unlock := e.lockIfWritable()
	defer unlock()
	return e.idx.Flush(ctx)
}

// SetRoot replaces the store contents with the snapshot frozen under root.
func (e *Engine) SetRoot(ctx context.Context, root cid.Cid) error {
	unlock := e.lockIfWritable()
	defer unlock()
	return e.idx.Load(ctx, root)
}

// Clear resets the store to empty.
func (e *Engine) Clear() error {
	if e.readOnly {
		return ipldstore.ErrReadOnly
	}
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.idx.Clear()
	return nil
}

// MakeReadOnly switches the store to read-only mode. The switch itself is
// lock-guarded; the caller must externally serialize it against in-flight
// operations.
func (e *Engine) MakeReadOnly() {
	e.mutex.Lock()
	e.readOnly = true
	e.mutex.Unlock()
}

// EnableWrite switches the store to writable mode.
func (e *Engine) EnableWrite() {
	e.mutex.Lock()
	e.readOnly = false
	e.mutex.Unlock()
}

// ReadOnly reports whether the store is in read-only mode.
func (e *Engine) ReadOnly() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.readOnly
}

func (e *Engine) Close() error {
	return e.cas.Close()
}

func (e *Engine) lockIfWritable() func() {
	if e.readOnly {
		return func() {}
	}
	e.mutex.Lock()
	return e.mutex.Unlock
}

func (e *Engine) resolve(ctx context.Context, key string) (index.Value, error) {
	path := strings.Split(key, index.Sep)
	v, err := e.idx.Get(ctx, path)
	if err != nil {
		return index.Value{}, err
	}
	if _, ok := e.inline[path[len(path)-1]]; ok {
		if v.IsLink() {
			return index.Value{}, fmt.Errorf("inline key %q resolves to a link", key)
		}
		return v, nil
	}
	if !v.IsLink() {
		return index.Value{}, fmt.Errorf("key %q resolves to an inline value", key)
	}
	return v, nil
}

// fetchValue reconstructs the bytes behind a link. chunker.Read handles both
// plain raw blocks and multi-level chunk trees.
func (e *Engine) fetchValue(ctx context.Context, root cid.Cid) ([]byte, error) {
	return chunker.Read(ctx, e.fetch, root, 0, -1)
}

func (e *Engine) fetch(ctx context.Context, c cid.Cid) (ipldstore.Value, error) {
	return ipldstore.Get(ctx, e.cas, c)
}

// keyError attributes a fetch failure to the key whose value failed.
type keyError struct {
	key string
	err error
}

func (e *keyError) Error() string {
	return fmt.Sprintf("key %q: %s", e.key, e.err)
}

func (e *keyError) Unwrap() error { return e.err }
