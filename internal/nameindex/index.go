// Package nameindex implements the LiNa name index: the persistent mapping
// from filename to content hash, plus the reverse refcount map that drives
// blob-store reaping.
//
// There is no SQLite or other embedded SQL engine among this module's
// dependencies, so the index is backed by a small hand-rolled single-writer
// engine: an append-only mutation log (log.go) gives durability, and this
// file holds the authoritative in-memory table rebuilt from that log at
// Open time.
package nameindex

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("lina/nameindex")

// nameEntry is the in-memory form of a names(…) row.
type nameEntry struct {
	hash       string
	compressed bool
	sizeRaw    uint32
}

// BindOutcome reports what Bind actually did.
type BindOutcome int

const (
	Bound BindOutcome = iota
	AlreadyBound
	Covered
)

// Index is the single-writer, concurrently-readable name index. All
// mutating methods take the write lock for their whole critical section,
// so a mutation is never partially applied; Resolve takes only the read
// lock, so readers are not blocked by readers.
type Index struct {
	mu sync.RWMutex

	names map[string]nameEntry
	refs  map[string]uint32 // hash -> refcount

	logFile   *mutationLog
	logPath   string
	threshold int // compact once appended reaches this (0 disables)

	appended int
}

// Open rebuilds the index from <dir>/index.log (creating it if absent) and
// returns a ready-to-use Index. compactThreshold is the number of log
// records appended since the last compaction (or since Open) at which a
// compaction pass runs: the mutation that brings the count to it triggers
// the pass. 0 disables automatic compaction.
func Open(dir string, compactThreshold int) (*Index, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("nameindex: create dir %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, "index.log")
	idx := &Index{
		names:     make(map[string]nameEntry),
		refs:      make(map[string]uint32),
		logPath:   logPath,
		threshold: compactThreshold,
	}

	if err := replayLog(logPath, idx.applyReplay); err != nil {
		return nil, err
	}

	l, err := openLog(logPath)
	if err != nil {
		return nil, err
	}
	idx.logFile = l
	return idx, nil
}

// applyReplay folds one durable record into the in-memory tables during
// startup replay. It must agree exactly with the effects Bind/Unbind apply
// live, since it is reconstructing the same history.
func (idx *Index) applyReplay(r record) error {
	switch r.kind {
	case recordBind:
		if old, ok := idx.names[r.name]; ok && old.hash != r.hash {
			idx.decref(old.hash)
		}
		idx.names[r.name] = nameEntry{hash: r.hash, compressed: r.compressed, sizeRaw: r.sizeRaw}
		idx.refs[r.hash]++
	case recordUnbind:
		if old, ok := idx.names[r.name]; ok {
			delete(idx.names, r.name)
			idx.decref(old.hash)
		}
	default:
		return fmt.Errorf("nameindex: unexpected record kind %d during replay", r.kind)
	}
	return nil
}

func (idx *Index) decref(hash string) {
	if idx.refs[hash] == 0 {
		return
	}
	idx.refs[hash]--
	if idx.refs[hash] == 0 {
		delete(idx.refs, hash)
	}
}

// BindResult carries the committed state a caller needs to know after Bind.
type BindResult struct {
	Outcome BindOutcome
	// ReleaseHash is set when a cover-bind dropped the old hash's refcount
	// to zero; the caller (the engine) must call blob_store.release on it
	// after this method returns, since log/index durability does not imply
	// blob cleanup has happened yet.
	ReleaseHash   string
	ShouldRelease bool
}

// Bind records that name now resolves to hash, optionally overwriting an
// existing binding (cover). The whole operation — log append, fsync,
// in-memory commit — is one critical section.
func (idx *Index) Bind(name, hash string, compressed bool, sizeRaw uint32, cover bool) (BindResult, error) {
	if len(name) == 0 {
		return BindResult{}, ErrNameEmpty
	}
	if len(name) > 255 {
		return BindResult{}, ErrNameTooLong
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	existing, had := idx.names[name]
	if had && existing.hash == hash {
		return BindResult{Outcome: AlreadyBound}, nil
	}
	if had && !cover {
		return BindResult{}, ErrExists
	}

	rec := record{kind: recordBind, name: name, hash: hash, compressed: compressed, sizeRaw: sizeRaw}
	if err := idx.logFile.append(rec); err != nil {
		return BindResult{}, fmt.Errorf("nameindex: append bind: %w", err)
	}
	if err := idx.logFile.flush(); err != nil {
		return BindResult{}, err
	}

	result := BindResult{Outcome: Bound}
	if had {
		result.Outcome = Covered
		idx.decref(existing.hash)
		if _, stillLive := idx.refs[existing.hash]; !stillLive {
			result.ShouldRelease = true
			result.ReleaseHash = existing.hash
		}
	}
	idx.names[name] = nameEntry{hash: hash, compressed: compressed, sizeRaw: sizeRaw}
	idx.refs[hash]++

	idx.afterMutation()
	return result, nil
}

// ResolveResult is the success shape of Resolve.
type ResolveResult struct {
	Hash       string
	Compressed bool
	SizeRaw    uint32
}

// Resolve looks up the hash and metadata currently bound to name; it
// takes only the read lock, so concurrent resolves never block each
// other.
func (idx *Index) Resolve(name string) (ResolveResult, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.names[name]
	if !ok {
		return ResolveResult{}, ErrNotFound
	}
	return ResolveResult{Hash: e.hash, Compressed: e.compressed, SizeRaw: e.sizeRaw}, nil
}

// UnbindResult carries the outcome of a successful Unbind.
type UnbindResult struct {
	Hash          string
	ShouldRelease bool
}

// Unbind removes name's binding. As with Bind, ShouldRelease tells the
// caller whether the referenced blob must now be released.
func (idx *Index) Unbind(name string) (UnbindResult, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	e, ok := idx.names[name]
	if !ok {
		return UnbindResult{}, ErrNotFound
	}

	rec := record{kind: recordUnbind, name: name}
	if err := idx.logFile.append(rec); err != nil {
		return UnbindResult{}, fmt.Errorf("nameindex: append unbind: %w", err)
	}
	if err := idx.logFile.flush(); err != nil {
		return UnbindResult{}, err
	}

	delete(idx.names, name)
	idx.decref(e.hash)
	_, stillLive := idx.refs[e.hash]

	idx.afterMutation()
	return UnbindResult{Hash: e.hash, ShouldRelease: !stillLive}, nil
}

// Refcount reports the current reference count for hash (0 if unknown).
// Exposed for tests and for the engine's invariant checks; callers must not
// treat the returned snapshot as current beyond the call that produced it.
func (idx *Index) Refcount(hash string) uint32 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.refs[hash]
}

// Len reports the number of live names. Used by tests and metrics.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.names)
}

// Close flushes and closes the underlying log file.
func (idx *Index) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.logFile.close()
}

// afterMutation counts one appended record and triggers a compaction once
// the count since the last compaction reaches the threshold; called with
// idx.mu already held for writing.
func (idx *Index) afterMutation() {
	idx.appended++
	if idx.threshold <= 0 || idx.appended < idx.threshold {
		return
	}
	if err := idx.compactLocked(); err != nil {
		log.Errorf("compaction failed, continuing with uncompacted log: %v", err)
		return
	}
	idx.appended = 0
}
