// Package car serializes the DAG reachable from a root CID into a flat CARv1
// byte stream and reconstructs the blocks from such a stream.
//
// Layout: varint(len(header)) || header || frames, where the header is the
// dag-cbor encoding of {version: 1, roots: [...]} and each frame is
// varint(len(cid)+len(data)) || cid || data. Blocks are written the first
// time they are discovered by a depth-first walk from the root and never
// duplicated; import tolerates frames in any order.
package car

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-varint"

	ipldstore "github.com/ipld/go-ipldstore"
	"github.com/ipld/go-ipldstore/dagcbor"
)

// Export writes the archive of the DAG rooted at root to w and returns the
// number of bytes written.
func Export(ctx context.Context, s ipldstore.Interface, root cid.Cid, w io.Writer) (int64, error) {
	header, err := dagcbor.Encode(map[string]any{
		"version": int64(1),
		"roots":   []any{ipldstore.Normalize(root)},
	})
	if err != nil {
		return 0, err
	}

	cw := &countingWriter{w: w}
	if _, err = cw.Write(varint.ToUvarint(uint64(len(header)))); err != nil {
		return cw.n, err
	}
	if _, err = cw.Write(header); err != nil {
		return cw.n, err
	}

	visited := make(map[cid.Cid]struct{})
	if err = exportBlock(ctx, s, root, cw, visited); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

// ExportBytes is Export into a memory buffer.
func ExportBytes(ctx context.Context, s ipldstore.Interface, root cid.Cid) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := Export(ctx, s, root, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func exportBlock(ctx context.Context, s ipldstore.Interface, c cid.Cid, w io.Writer, visited map[cid.Cid]struct{}) error {
	norm := ipldstore.Normalize(c)
	if _, ok := visited[norm]; ok {
		return nil
	}
	visited[norm] = struct{}{}

	data, err := s.GetRaw(ctx, norm)
	if err != nil {
		return err
	}

	cidBytes := norm.Bytes()
	if _, err = w.Write(varint.ToUvarint(uint64(len(cidBytes) + len(data)))); err != nil {
		return err
	}
	if _, err = w.Write(cidBytes); err != nil {
		return err
	}
	if _, err = w.Write(data); err != nil {
		return err
	}

	// Only dag-cbor blocks carry traversable edges. Raw and dag-pb blocks
	// are leaves from the archive's point of view.
	if norm.Type() != cid.DagCBOR {
		return nil
	}
	node, err := dagcbor.Decode(data)
	if err != nil {
		return fmt.Errorf("block %s: %w", norm, err)
	}
	for _, child := range dagcbor.Links(node) {
		if err = exportBlock(ctx, s, child, w, visited); err != nil {
			return err
		}
	}
	return nil
}

// Import parses an archive from r, stores every block it contains into s,
// and returns the normalized roots declared in the header. The archive's
// block order does not matter and the destination store need not already
// contain any of the blocks.
func Import(ctx context.Context, s ipldstore.Interface, r io.Reader) ([]cid.Cid, error) {
	or := &offsetReader{r: r}

	headerLen, err := varint.ReadUvarint(or)
	if err != nil {
		return nil, &ipldstore.MalformedArchiveError{Offset: 0, Reason: "invalid header length varint"}
	}
	headerStart := or.offset
	header := make([]byte, headerLen)
	if _, err = io.ReadFull(or, header); err != nil {
		return nil, &ipldstore.MalformedArchiveError{Offset: or.offset, Reason: "truncated header"}
	}
	roots, err := parseHeader(header)
	if err != nil {
		return nil, &ipldstore.MalformedArchiveError{Offset: headerStart, Reason: err.Error()}
	}

	for {
		frameStart := or.offset
		frameLen, err := varint.ReadUvarint(or)
		if err != nil {
			// A clean EOF at a frame boundary ends the archive; EOF after
			// consuming part of a varint is a truncation.
			if err == io.EOF && or.offset == frameStart {
				break
			}
			return nil, &ipldstore.MalformedArchiveError{Offset: frameStart, Reason: "invalid frame length varint"}
		}
		if frameLen == 0 {
			return nil, &ipldstore.MalformedArchiveError{Offset: frameStart, Reason: "zero-length frame"}
		}
		frame := make([]byte, frameLen)
		if _, err = io.ReadFull(or, frame); err != nil {
			return nil, &ipldstore.MalformedArchiveError{Offset: or.offset, Reason: "truncated frame"}
		}
		n, c, err := cid.CidFromBytes(frame)
		if err != nil {
			return nil, &ipldstore.MalformedArchiveError{Offset: frameStart, Reason: fmt.Sprintf("invalid CID: %s", err)}
		}
		if _, err = s.PutRaw(ctx, frame[n:], c.Type()); err != nil {
			return nil, err
		}
	}

	for i, root := range roots {
		roots[i] = ipldstore.Normalize(root)
	}
	return roots, nil
}

func parseHeader(header []byte) ([]cid.Cid, error) {
	node, err := dagcbor.Decode(header)
	if err != nil {
		return nil, fmt.Errorf("undecodable header: %s", err)
	}
	m, ok := node.(map[string]any)
	if !ok {
		return nil, errors.New("header is not a map")
	}
	if version, ok := m["version"].(int64); !ok || version != 1 {
		return nil, errors.New("unsupported archive version")
	}
	rootsNode, ok := m["roots"].([]any)
	if !ok {
		return nil, errors.New("header has no roots")
	}
	roots := make([]cid.Cid, len(rootsNode))
	for i, item := range rootsNode {
		c, ok := item.(cid.Cid)
		if !ok {
			return nil, fmt.Errorf("root %d is not a CID", i)
		}
		roots[i] = c
	}
	return roots, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

type offsetReader struct {
	r      io.Reader
	offset int64
}

func (or *offsetReader) Read(p []byte) (int, error) {
	n, err := or.r.Read(p)
	or.offset += int64(n)
	return n, err
}

func (or *offsetReader) ReadByte() (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(or.r, b[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return 0, err
	}
	or.offset++
	return b[0], nil
}
