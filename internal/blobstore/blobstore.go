// Package blobstore implements the LiNa blob store: content-addressed,
// optionally-compressed payload storage with a two-level fan-out directory
// layout.
package blobstore

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"github.com/klauspost/compress/flate"
	"github.com/tidwall/hashmap"

	"github.com/linastore/lina/internal/linametrics"
)

var log = logging.Logger("lina/blobstore")

// metaSize is the sidecar layout: 1 byte compressed flag, 1 reserved byte,
// 4 bytes little-endian raw (decompressed) size.
const metaSize = 1 + 1 + 4

// codecTag identifies the compression codec recorded in a blob's meta
// sidecar. Only codecRaw and codecDeflate are understood; any other value
// on disk is refused at Get time.
type codecTag byte

const (
	codecRaw     codecTag = 0
	codecDeflate codecTag = 1
)

// ErrUnknownCodec is returned by Get when a blob's meta sidecar names a
// compression codec this build does not understand.
var ErrUnknownCodec = fmt.Errorf("blobstore: unknown codec tag in meta")

// Store is the on-disk, content-addressed blob store.
type Store struct {
	root string

	// creationLocks holds a *sync.Mutex per in-flight hash so concurrent
	// Put calls for the same hash are serialized and only the first
	// performs the write.
	creationLocks sync.Map

	cache    *lru.Cache[string, []byte]
	exists   hashmap.Map[string, struct{}]
	existsMu sync.Mutex
}

// New opens (creating if absent) a blob store rooted at dir. cacheEntries
// bounds the number of decompressed payloads held in the read-through LRU.
func New(dir string, cacheEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore: create root %s: %w", dir, err)
	}
	cache, err := lru.New[string, []byte](cacheEntries)
	if err != nil {
		return nil, fmt.Errorf("blobstore: init cache: %w", err)
	}
	return &Store{
		root:  dir,
		cache: cache,
	}, nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.root, hash[0:2], hash[2:4], hash)
}

func (s *Store) metaPath(hash string) string {
	return s.blobPath(hash) + ".meta"
}

// PutResult reports the outcome of Put.
type PutResult struct {
	Created    bool
	Compressed bool
}

// Put stores payload under hash if it is not already present. If the hash
// already has a blob, no file I/O occurs and the existing blob's
// compressed flag is authoritative — the incoming compress request is
// ignored.
func (s *Store) Put(hash string, payload []byte, compress bool) (PutResult, error) {
	if s.Exists(hash) {
		compressed, _, err := s.readMeta(hash)
		if err != nil {
			return PutResult{}, err
		}
		return PutResult{Created: false, Compressed: compressed}, nil
	}

	lockIface, _ := s.creationLocks.LoadOrStore(hash, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer func() {
		lock.Unlock()
		s.creationLocks.Delete(hash)
	}()

	// Re-check now that we hold the per-hash lock: another goroutine may
	// have finished the write while we were waiting for it.
	if s.Exists(hash) {
		compressed, _, err := s.readMeta(hash)
		if err != nil {
			return PutResult{}, err
		}
		return PutResult{Created: false, Compressed: compressed}, nil
	}

	compressed, err := s.writeNew(hash, payload, compress)
	if err != nil {
		return PutResult{}, err
	}
	s.markExists(hash)
	return PutResult{Created: true, Compressed: compressed}, nil
}

func (s *Store) writeNew(hash string, payload []byte, compress bool) (bool, error) {
	dir := filepath.Dir(s.blobPath(hash))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}

	codec := codecRaw
	body := payload
	if compress {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return false, fmt.Errorf("blobstore: open deflate writer: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return false, fmt.Errorf("blobstore: deflate payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return false, fmt.Errorf("blobstore: close deflate writer: %w", err)
		}
		codec = codecDeflate
		body = buf.Bytes()
		if len(body) > 0 {
			linametrics.CompressionRatio.Observe(float64(len(payload)) / float64(len(body)))
		}
	}

	if err := s.writeTemp(s.blobPath(hash), body); err != nil {
		return false, err
	}
	if err := s.writeMeta(hash, codec, uint32(len(payload))); err != nil {
		return false, err
	}
	if err := fsyncDir(dir); err != nil {
		return false, err
	}
	log.Debugf("stored blob %s (%s raw, codec=%d)", hash, humanize.Bytes(uint64(len(payload))), codec)
	return codec != codecRaw, nil
}

func (s *Store) writeTemp(finalPath string, body []byte) error {
	tmp := finalPath + ".tmp-" + uuid.NewString()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("blobstore: create temp %s: %w", tmp, err)
	}
	w := bufio.NewWriterSize(f, 64*1024)
	if _, err := w.Write(body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: write %s: %w", tmp, err)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: flush %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("blobstore: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, finalPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("blobstore: rename %s -> %s: %w", tmp, finalPath, err)
	}
	return nil
}

func (s *Store) writeMeta(hash string, codec codecTag, rawSize uint32) error {
	var buf [metaSize]byte
	buf[0] = byte(codec)
	buf[1] = 0
	binary.LittleEndian.PutUint32(buf[2:], rawSize)
	return s.writeTemp(s.metaPath(hash), buf[:])
}

func (s *Store) readMeta(hash string) (compressed bool, rawSize uint32, err error) {
	b, err := os.ReadFile(s.metaPath(hash))
	if err != nil {
		return false, 0, fmt.Errorf("blobstore: read meta %s: %w", hash, err)
	}
	if len(b) != metaSize {
		return false, 0, fmt.Errorf("blobstore: meta %s has bad size %d", hash, len(b))
	}
	codec := codecTag(b[0])
	switch codec {
	case codecRaw:
		compressed = false
	case codecDeflate:
		compressed = true
	default:
		return false, 0, fmt.Errorf("%w: hash=%s tag=%d", ErrUnknownCodec, hash, codec)
	}
	rawSize = binary.LittleEndian.Uint32(b[2:])
	return compressed, rawSize, nil
}

// Get reads and, if stored compressed, inflates the blob for hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if cached, ok := s.cache.Get(hash); ok {
		linametrics.BlobCacheHits.Inc()
		return cached, nil
	}
	linametrics.BlobCacheMisses.Inc()

	compressed, rawSize, err := s.readMeta(hash)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		return nil, fmt.Errorf("blobstore: read blob %s: %w", hash, err)
	}

	var payload []byte
	if compressed {
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		payload, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("blobstore: inflate %s: %w", hash, err)
		}
	} else {
		payload = raw
	}
	if uint32(len(payload)) != rawSize {
		return nil, fmt.Errorf("blobstore: %s decoded to %d bytes, meta says %d", hash, len(payload), rawSize)
	}

	s.cache.Add(hash, payload)
	return payload, nil
}

// Release removes both files backing hash. Called exclusively by the name
// index once a blob's refcount reaches zero. Failures are logged and
// swallowed: the blob is already unreferenced, and nothing in this package
// retries the removal.
func (s *Store) Release(hash string) {
	if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
		log.Errorf("release: unlink blob %s: %v", hash, err)
	}
	if err := os.Remove(s.metaPath(hash)); err != nil && !os.IsNotExist(err) {
		log.Errorf("release: unlink meta %s: %v", hash, err)
	}
	s.cache.Remove(hash)
	s.unmarkExists(hash)
}

// Exists reports whether hash currently has a stored blob.
func (s *Store) Exists(hash string) bool {
	s.existsMu.Lock()
	_, known := s.exists.Get(hash)
	s.existsMu.Unlock()
	if known {
		return true
	}
	if _, err := os.Stat(s.metaPath(hash)); err == nil {
		s.markExists(hash)
		return true
	}
	return false
}

func (s *Store) markExists(hash string) {
	s.existsMu.Lock()
	s.exists.Set(hash, struct{}{})
	s.existsMu.Unlock()
}

func (s *Store) unmarkExists(hash string) {
	s.existsMu.Lock()
	s.exists.Delete(hash)
	s.existsMu.Unlock()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("blobstore: open dir %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("blobstore: fsync dir %s: %w", dir, err)
	}
	return nil
}
