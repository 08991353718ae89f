package ipfs_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/require"

	ipldstore "github.com/ipld/go-ipldstore"
	"github.com/ipld/go-ipldstore/store/ipfs"
	"github.com/ipld/go-ipldstore/store/test"
)

// fakeDaemon implements just enough of the IPFS block RPC to exercise the
// store: block/get serves from a map, block/put hashes and remembers.
type fakeDaemon struct {
	mutex    sync.Mutex
	blocks   map[string][]byte
	getFails int
	lastPin  string
}

func (d *fakeDaemon) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/block/get", d.handleGet)
	mux.HandleFunc("/api/v0/block/put", d.handlePut)
	return mux
}

func (d *fakeDaemon) handleGet(w http.ResponseWriter, r *http.Request) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.getFails > 0 {
		d.getFails--
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	c, err := cid.Decode(r.URL.Query().Get("arg"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, ok := d.blocks[c.KeyString()]
	if !ok {
		http.Error(w, "block not found", http.StatusNotFound)
		return
	}
	w.Write(data)
}

func (d *fakeDaemon) handlePut(w http.ResponseWriter, r *http.Request) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.lastPin = r.URL.Query().Get("pin")

	codecName := r.URL.Query().Get("cid-codec")
	codec, ok := cid.Codecs[codecName]
	if !ok {
		http.Error(w, "unknown codec", http.StatusBadRequest)
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	prefix := cid.Prefix{Version: 1, Codec: codec, MhType: multihash.SHA2_256, MhLength: -1}
	c, err := prefix.Sum(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	d.blocks[c.KeyString()] = data

	json.NewEncoder(w).Encode(map[string]any{"Key": c.String(), "Size": len(data)})
}

func newFake(t *testing.T) (*fakeDaemon, *httptest.Server) {
	t.Helper()
	daemon := &fakeDaemon{blocks: make(map[string][]byte)}
	srv := httptest.NewServer(daemon.handler())
	t.Cleanup(srv.Close)
	return daemon, srv
}

func TestRoundTrip(t *testing.T) {
	_, srv := newFake(t)
	s, err := ipfs.New(srv.URL)
	require.NoError(t, err)
	defer s.Close()
	test.RoundTripTest(t, s)
	test.DeterminismTest(t, s)
	test.TypedTest(t, s)
}

func TestNotFound(t *testing.T) {
	_, srv := newFake(t)
	s, err := ipfs.New(srv.URL)
	require.NoError(t, err)
	defer s.Close()
	test.NotFoundTest(t, s)
}

func TestRetryOnTransientFailure(t *testing.T) {
	daemon, srv := newFake(t)
	s, err := ipfs.New(srv.URL, ipfs.WithMaxRetries(4))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	data := []byte("retried block")
	c, err := s.PutRaw(ctx, data, cid.Raw)
	require.NoError(t, err)

	daemon.mutex.Lock()
	daemon.getFails = 2
	daemon.mutex.Unlock()

	got, err := s.GetRaw(ctx, c)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestTransientErrorAfterRetriesExhausted(t *testing.T) {
	daemon, srv := newFake(t)
	s, err := ipfs.New(srv.URL, ipfs.WithMaxRetries(1))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	c, err := s.PutRaw(ctx, []byte("doomed block"), cid.Raw)
	require.NoError(t, err)

	daemon.mutex.Lock()
	daemon.getFails = 10
	daemon.mutex.Unlock()

	_, err = s.GetRaw(ctx, c)
	require.Error(t, err)
	require.True(t, errors.Is(err, ipldstore.ErrTransient), "expected transient error, got: %s", err)
}

func TestDigestVerification(t *testing.T) {
	daemon, srv := newFake(t)
	s, err := ipfs.New(srv.URL, ipfs.WithMaxRetries(0))
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	c, err := s.PutRaw(ctx, []byte("original bytes"), cid.Raw)
	require.NoError(t, err)

	// Corrupt the daemon's copy; the store must refuse to return it.
	daemon.mutex.Lock()
	daemon.blocks[ipldstore.Normalize(c).KeyString()] = []byte("tampered bytes")
	daemon.mutex.Unlock()

	_, err = s.GetRaw(ctx, c)
	require.Error(t, err)
}

func TestPinFlag(t *testing.T) {
	daemon, srv := newFake(t)

	s, err := ipfs.New(srv.URL, ipfs.WithPin(false))
	require.NoError(t, err)
	_, err = s.PutRaw(context.Background(), []byte("unpinned"), cid.Raw)
	require.NoError(t, err)
	s.Close()

	daemon.mutex.Lock()
	require.Equal(t, "false", daemon.lastPin)
	daemon.mutex.Unlock()
}

func TestUnsupportedCodecOnPut(t *testing.T) {
	_, srv := newFake(t)
	s, err := ipfs.New(srv.URL)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.PutRaw(context.Background(), []byte("x"), 0xdeadbeef)
	require.True(t, errors.Is(err, ipldstore.ErrUnsupportedCodec), fmt.Sprintf("got: %v", err))
}
