package engine

import (
	"fmt"

	"github.com/ipld/go-ipldstore/chunker"
)

const defaultPoolSize = 16

// DefaultInlineKeys are the terminal path segments stored inline in the
// index: the small array-store metadata documents that are read on nearly
// every dataset open.
var DefaultInlineKeys = []string{".zarray", ".zgroup", ".zmetadata", ".zattrs"}

// config contains all options for configuring Engine.
type config struct {
	readOnly    bool
	inlineKeys  []string
	leafSize    int
	fanout      int
	poolSize    int
	omitOnError bool
}

type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		inlineKeys: DefaultInlineKeys,
		leafSize:   chunker.DefaultLeafSize,
		fanout:     chunker.DefaultFanout,
		poolSize:   defaultPoolSize,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithReadOnly opens the store in read-only mode.
func WithReadOnly(readOnly bool) Option {
	return func(c *config) error {
		c.readOnly = readOnly
		return nil
	}
}

// WithInlineKeys replaces the set of terminal segments whose values are
// stored inline in the index instead of as store blocks.
func WithInlineKeys(keys []string) Option {
	return func(c *config) error {
		c.inlineKeys = keys
		return nil
	}
}

// WithLeafSize sets the chunker leaf size used when storing values.
func WithLeafSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("leaf size must be positive, got %d", size)
		}
		c.leafSize = size
		return nil
	}
}

// WithFanout sets the chunk tree fan-out limit used when storing values.
func WithFanout(fanout int) Option {
	return func(c *config) error {
		if fanout < 2 {
			return fmt.Errorf("fanout must be at least 2, got %d", fanout)
		}
		c.fanout = fanout
		return nil
	}
}

// WithPoolSize bounds how many block fetches GetMany has outstanding at
// once.
func WithPoolSize(size int) Option {
	return func(c *config) error {
		if size < 1 {
			return fmt.Errorf("pool size must be positive, got %d", size)
		}
		c.poolSize = size
		return nil
	}
}

// WithOmitOnError makes GetMany drop keys whose fetch failed instead of
// failing the whole batch. Failures are still logged. Off by default: a
// silent hole in a batched read is worse than a loud error.
func WithOmitOnError(omit bool) Option {
	return func(c *config) error {
		c.omitOnError = omit
		return nil
	}
}
