package ipfs

import (
	"fmt"
	"time"

	"github.com/multiformats/go-multihash"
)

const (
	defaultHTTPTimeout  = 30 * time.Second
	defaultMaxIdleConns = 128
	defaultMaxRetries   = 5
)

// config contains all options for configuring the ipfs store.
type config struct {
	httpTimeout  time.Duration
	maxIdleConns int
	maxRetries   uint64
	mhName       string
	pin          bool
}

type Option func(*config) error

// getOpts creates a config and applies Options to it.
func getOpts(opts []Option) (config, error) {
	cfg := config{
		httpTimeout:  defaultHTTPTimeout,
		maxIdleConns: defaultMaxIdleConns,
		maxRetries:   defaultMaxRetries,
		mhName:       "sha2-256",
		pin:          true,
	}
	for i, opt := range opts {
		if err := opt(&cfg); err != nil {
			return config{}, fmt.Errorf("option %d error: %s", i, err)
		}
	}
	return cfg, nil
}

// WithHTTPTimeout sets the timeout for each request to the daemon.
func WithHTTPTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout > 0 {
			c.httpTimeout = timeout
		}
		return nil
	}
}

// WithMaxRetries bounds how many times a failed request is retried before
// the error is surfaced as transient.
func WithMaxRetries(n uint64) Option {
	return func(c *config) error {
		c.maxRetries = n
		return nil
	}
}

// WithHash sets the multihash algorithm the daemon derives CIDs with.
func WithHash(mhName string) Option {
	return func(c *config) error {
		if _, ok := multihash.Names[mhName]; !ok {
			return fmt.Errorf("unknown multihash %q", mhName)
		}
		c.mhName = mhName
		return nil
	}
}

// WithPin sets whether stored blocks are pinned on the daemon. Pinning is on
// by default; an unpinned block may be garbage collected by the daemon.
func WithPin(pin bool) Option {
	return func(c *config) error {
		c.pin = pin
		return nil
	}
}
