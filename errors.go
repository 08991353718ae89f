package ipldstore

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
)

// Sentinel errors for the failure taxonomy. Concrete errors carry the
// offending CID, key or byte offset and match these with errors.Is.
var (
	// ErrNotFound indicates a block CID absent from the store.
	ErrNotFound = errors.New("block not found")
	// ErrKeyNotFound indicates an index key with no entry.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTransient indicates the backing medium was unreachable after the
	// store's own bounded retries were exhausted.
	ErrTransient = errors.New("store unreachable")
	// ErrUnsupportedCodec indicates a CID tagging a codec this store cannot
	// decode.
	ErrUnsupportedCodec = errors.New("unsupported codec")
	// ErrMalformedArchive indicates a fatal CAR parse failure.
	ErrMalformedArchive = errors.New("malformed archive")
	// ErrNotImplemented indicates an operation intentionally unsupported by
	// an implementation, such as delete on the legacy index.
	ErrNotImplemented = errors.New("not implemented")
	// ErrReadOnly indicates a mutation attempted while the store is in
	// read-only mode.
	ErrReadOnly = errors.New("store is read-only")
)

// BlockNotFoundError reports the CID of an absent block.
type BlockNotFoundError struct {
	Cid cid.Cid
}

func (e *BlockNotFoundError) Error() string {
	return fmt.Sprintf("block not found: %s", e.Cid)
}

func (e *BlockNotFoundError) Is(target error) bool { return target == ErrNotFound }

// KeyNotFoundError reports the index key that has no entry.
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key not found: %q", e.Key)
}

func (e *KeyNotFoundError) Is(target error) bool { return target == ErrKeyNotFound }

// TransientError wraps the final error from an unreachable backing medium.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("store unreachable: %s", e.Err)
}

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

func (e *TransientError) Unwrap() error { return e.Err }

// UnsupportedCodecError reports a codec tag the store cannot decode.
type UnsupportedCodecError struct {
	Codec uint64
	Cid   cid.Cid
}

func (e *UnsupportedCodecError) Error() string {
	name, ok := cid.CodecToStr[e.Codec]
	if !ok {
		name = fmt.Sprintf("0x%x", e.Codec)
	}
	return fmt.Sprintf("unsupported codec %s for %s", name, e.Cid)
}

func (e *UnsupportedCodecError) Is(target error) bool { return target == ErrUnsupportedCodec }

// MalformedArchiveError reports a CAR parse failure and the byte offset at
// which it occurred.
type MalformedArchiveError struct {
	Offset int64
	Reason string
}

func (e *MalformedArchiveError) Error() string {
	return fmt.Sprintf("malformed archive at byte %d: %s", e.Offset, e.Reason)
}

func (e *MalformedArchiveError) Is(target error) bool { return target == ErrMalformedArchive }
