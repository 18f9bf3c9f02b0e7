package nameindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	hashHello = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	hashWorld = "486ea46224d1bb4fb680f34f7c9ad96a8f24ec88be73ea8e5a6c65260e9cb8a7"
)

func TestBindResolveUnbindBasic(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	res, err := idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	require.Equal(t, Bound, res.Outcome)

	got, err := idx.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashHello, got.Hash)
	require.EqualValues(t, 1, idx.Refcount(hashHello))

	ub, err := idx.Unbind("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashHello, ub.Hash)
	require.True(t, ub.ShouldRelease)

	_, err = idx.Resolve("a.txt")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBindSameHashIsAlreadyBound(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)

	res, err := idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	require.Equal(t, AlreadyBound, res.Outcome)
}

func TestBindConflictWithoutCoverFails(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashWorld, false, 5, false)
	require.ErrorIs(t, err, ErrExists)
}

func TestBindCoverRebindsAndReleasesOldHashWhenUnreferenced(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)

	res, err := idx.Bind("a.txt", hashWorld, false, 5, true)
	require.NoError(t, err)
	require.Equal(t, Covered, res.Outcome)
	require.True(t, res.ShouldRelease)
	require.Equal(t, hashHello, res.ReleaseHash)

	got, err := idx.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashWorld, got.Hash)
	require.EqualValues(t, 0, idx.Refcount(hashHello))
	require.EqualValues(t, 1, idx.Refcount(hashWorld))
}

func TestBindCoverDoesNotReleaseHashStillReferencedByOtherName(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	_, err = idx.Bind("b.txt", hashHello, false, 5, false)
	require.NoError(t, err)

	res, err := idx.Bind("a.txt", hashWorld, false, 5, true)
	require.NoError(t, err)
	require.False(t, res.ShouldRelease, "b.txt still references hashHello")
	require.EqualValues(t, 1, idx.Refcount(hashHello))
}

func TestTwoNamesSameHashGiveRefcountTwo(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	_, err = idx.Bind("b.txt", hashHello, false, 5, false)
	require.NoError(t, err)

	require.EqualValues(t, 2, idx.Refcount(hashHello))
	require.Equal(t, 2, idx.Len())
}

func TestUnbindUnknownNameIsNotFound(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	_, err = idx.Unbind("nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNameLengthBoundaries(t *testing.T) {
	idx, err := Open(t.TempDir(), 0)
	require.NoError(t, err)

	name255 := make([]byte, 255)
	for i := range name255 {
		name255[i] = 'n'
	}
	_, err = idx.Bind(string(name255), hashHello, false, 5, false)
	require.NoError(t, err)

	name256 := append(name255, 'x')
	_, err = idx.Bind(string(name256), hashHello, false, 5, false)
	require.ErrorIs(t, err, ErrNameTooLong)

	_, err = idx.Bind("", hashHello, false, 5, false)
	require.ErrorIs(t, err, ErrNameEmpty)
}

func TestReopenReplaysLogToIdenticalState(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	_, err = idx.Bind("b.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	_, err = idx.Bind("a.txt", hashWorld, true, 5, true)
	require.NoError(t, err)
	require.NoError(t, idx.Close())

	reopened, err := Open(dir, 0)
	require.NoError(t, err)

	a, err := reopened.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashWorld, a.Hash)
	require.True(t, a.Compressed)

	b, err := reopened.Resolve("b.txt")
	require.NoError(t, err)
	require.Equal(t, hashHello, b.Hash)

	require.EqualValues(t, 1, reopened.Refcount(hashHello))
	require.EqualValues(t, 1, reopened.Refcount(hashWorld))
}

func TestCompactionPreservesLiveStateAndShrinksLog(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 0)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	_, err = idx.Bind("a.txt", hashWorld, false, 5, true)
	require.NoError(t, err)
	_, err = idx.Bind("b.txt", hashWorld, false, 5, false)
	require.NoError(t, err)

	logPath := filepath.Join(dir, "index.log")
	before, err := os.Stat(logPath)
	require.NoError(t, err)

	require.NoError(t, idx.Compact())

	after, err := os.Stat(logPath)
	require.NoError(t, err)
	require.Less(t, after.Size(), before.Size())

	got, err := idx.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashWorld, got.Hash)
	require.EqualValues(t, 2, idx.Refcount(hashWorld))
	require.EqualValues(t, 0, idx.Refcount(hashHello))

	require.NoError(t, idx.Close())

	reopened, err := Open(dir, 0)
	require.NoError(t, err)
	got2, err := reopened.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashWorld, got2.Hash)
}

func TestAutomaticCompactionTriggersAtThreshold(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, 2)
	require.NoError(t, err)

	_, err = idx.Bind("a.txt", hashHello, false, 5, false)
	require.NoError(t, err)
	_, err = idx.Bind("a.txt", hashWorld, false, 5, true)
	require.NoError(t, err)
	_, err = idx.Bind("a.txt", hashHello, false, 5, true)
	require.NoError(t, err)

	got, err := idx.Resolve("a.txt")
	require.NoError(t, err)
	require.Equal(t, hashHello, got.Hash)

	// The second bind compacted the log down to one 76-byte bind record
	// (2 header + 5 name + 64 hash + 5 tail); the third appended another.
	// Without compaction the log would hold three.
	info, err := os.Stat(filepath.Join(dir, "index.log"))
	require.NoError(t, err)
	require.EqualValues(t, 2*76, info.Size())
}
