// Package engine composes the codec-agnostic core of LiNa Store: it applies
// WRITE/READ/DELETE against the blob store and name index as a single
// logical operation per request.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	logging "github.com/ipfs/go-log/v2"

	"github.com/linastore/lina/internal/blobstore"
	"github.com/linastore/lina/internal/nameindex"
)

var log = logging.Logger("lina/engine")

// Engine is the transactional center of LiNa Store: blob I/O happens
// before the index commit for writes and after the index commit for
// deletes, so a crash can only ever leave an unreferenced blob, never a
// dangling or missing index entry.
type Engine struct {
	blobs      *blobstore.Store
	names      *nameindex.Index
	maxPayload int
}

// New wires a ready-to-use Engine over an already-open blob store and name
// index. maxPayload bounds WRITE payload size; the connection-level cap is
// enforced again here so the local linastore command, which never goes
// through the connection loop, gets the same guarantee.
func New(blobs *blobstore.Store, names *nameindex.Index, maxPayload int) *Engine {
	return &Engine{blobs: blobs, names: names, maxPayload: maxPayload}
}

// Digest computes the content hash that is the blob store's key: SHA-256
// of the decompressed payload, hex-encoded.
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// WriteResult reports the outcome of a successful Write.
type WriteResult struct {
	Hash       string
	Compressed bool
	Created    bool // true iff this call actually wrote new blob bytes
}

// Write stores payload under a content hash and binds name to it,
// optionally overwriting (cover) an existing binding and compressing
// (compress) the stored blob.
func (e *Engine) Write(name string, payload []byte, cover, compress bool) (WriteResult, error) {
	if len(name) == 0 {
		return WriteResult{}, NameEmpty
	}
	if len(name) > 255 {
		return WriteResult{}, NameTooLong
	}
	if e.maxPayload > 0 && len(payload) > e.maxPayload {
		return WriteResult{}, PayloadTooLarge
	}

	hash := Digest(payload)
	putRes, err := e.blobs.Put(hash, payload, compress)
	if err != nil {
		return WriteResult{}, InternalIO{Cause: err}
	}

	bindRes, err := e.names.Bind(name, hash, putRes.Compressed, uint32(len(payload)), cover)
	if err != nil {
		// Blob I/O happened before the index commit; if this call is the
		// one that created the blob and the bind never succeeded, the
		// blob has zero references and must be rolled back.
		if putRes.Created {
			e.blobs.Release(hash)
		}
		return WriteResult{}, translateBindErr(err)
	}

	if bindRes.ShouldRelease {
		e.blobs.Release(bindRes.ReleaseHash)
	}

	return WriteResult{Hash: hash, Compressed: putRes.Compressed, Created: putRes.Created}, nil
}

func translateBindErr(err error) error {
	switch {
	case errors.Is(err, nameindex.ErrExists):
		return Exists
	case errors.Is(err, nameindex.ErrNameTooLong):
		return NameTooLong
	case errors.Is(err, nameindex.ErrNameEmpty):
		return NameEmpty
	default:
		return InternalIO{Cause: err}
	}
}

// ReadResult carries the bytes and metadata a successful Read returns.
type ReadResult struct {
	Payload    []byte
	Compressed bool
}

// Read resolves name to its bound hash and returns the stored payload.
func (e *Engine) Read(name string) (ReadResult, error) {
	resolved, err := e.names.Resolve(name)
	if err != nil {
		if errors.Is(err, nameindex.ErrNotFound) {
			return ReadResult{}, NotFound
		}
		return ReadResult{}, InternalIO{Cause: err}
	}

	payload, err := e.blobs.Get(resolved.Hash)
	if err != nil {
		log.Errorf("read %q: blob %s unreadable: %v", name, resolved.Hash, err)
		return ReadResult{}, InternalIO{Cause: err}
	}
	if uint32(len(payload)) != resolved.SizeRaw {
		err := fmt.Errorf("engine: %q resolved to %d bytes, index says %d", name, len(payload), resolved.SizeRaw)
		return ReadResult{}, InternalIO{Cause: err}
	}

	return ReadResult{Payload: payload, Compressed: resolved.Compressed}, nil
}

// Delete unbinds name and releases its blob if no other name still
// references it.
func (e *Engine) Delete(name string) error {
	res, err := e.names.Unbind(name)
	if err != nil {
		if errors.Is(err, nameindex.ErrNotFound) {
			return NotFound
		}
		return InternalIO{Cause: err}
	}
	if res.ShouldRelease {
		// Best-effort: release failures are logged and swallowed, never
		// surfaced to the client, since the index has already committed
		// and the blob is provably unreferenced.
		e.blobs.Release(res.Hash)
	}
	return nil
}
