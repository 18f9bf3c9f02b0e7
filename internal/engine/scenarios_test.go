package engine

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linastore/lina/internal/blobstore"
	"github.com/linastore/lina/internal/nameindex"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), 64)
	require.NoError(t, err)
	names, err := nameindex.Open(filepath.Join(dir, "index"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { names.Close() })
	return New(blobs, names, 64*1024*1024)
}

func TestIdenticalPayloadsDedupOnWrite(t *testing.T) {
	e := newTestEngine(t)

	wa, err := e.Write("a.txt", []byte("hello"), false, false)
	require.NoError(t, err)
	require.True(t, wa.Created)

	wb, err := e.Write("b.txt", []byte("hello"), false, false)
	require.NoError(t, err)
	require.False(t, wb.Created, "dedup hit must not write new bytes")
	require.Equal(t, wa.Hash, wb.Hash)

	require.EqualValues(t, 2, e.names.Refcount(wa.Hash))
}

func TestCoverRebindsNameToNewPayload(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Write("a.txt", []byte("hello"), false, false)
	require.NoError(t, err)
	_, err = e.Write("b.txt", []byte("hello"), false, false)
	require.NoError(t, err)

	_, err = e.Write("a.txt", []byte("world"), true, false)
	require.NoError(t, err)

	got, err := e.Read("a.txt")
	require.NoError(t, err)
	require.Equal(t, []byte("world"), got.Payload)

	helloHash := Digest([]byte("hello"))
	require.True(t, e.blobs.Exists(helloHash), "b.txt still references the hello blob")
	require.EqualValues(t, 1, e.names.Refcount(helloHash))
}

func TestDeleteReleasesBlobOnlyWhenUnreferenced(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Write("a.txt", []byte("hello"), false, false)
	require.NoError(t, err)
	_, err = e.Write("b.txt", []byte("hello"), false, false)
	require.NoError(t, err)
	_, err = e.Write("a.txt", []byte("world"), true, false)
	require.NoError(t, err)

	helloHash := Digest([]byte("hello"))

	require.NoError(t, e.Delete("b.txt"))
	require.False(t, e.blobs.Exists(helloHash))

	err = e.Delete("b.txt")
	require.ErrorIs(t, err, NotFound)
}

func TestCompressedWriteRoundTripsToOriginalPayload(t *testing.T) {
	e := newTestEngine(t)

	payload := bytes.Repeat([]byte{0}, 1<<20)
	wr, err := e.Write("z", payload, false, true)
	require.NoError(t, err)
	require.True(t, wr.Compressed)

	got, err := e.Read("z")
	require.NoError(t, err)
	require.Equal(t, payload, got.Payload)
}

func TestWriteRejectsOversizedName(t *testing.T) {
	e := newTestEngine(t)

	longName := string(bytes.Repeat([]byte("n"), 256))
	_, err := e.Write(longName, []byte("x"), false, false)
	require.ErrorIs(t, err, NameTooLong)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Write("n", []byte("v"), false, false)
	require.NoError(t, err)
	got, err := e.Read("n")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), got.Payload)
}

func TestRepeatWriteWithoutCoverIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	first, err := e.Write("n", []byte("v"), false, false)
	require.NoError(t, err)
	second, err := e.Write("n", []byte("v"), false, false)
	require.NoError(t, err)
	require.Equal(t, first.Hash, second.Hash)
	require.False(t, second.Created)
}

func TestDeleteTwiceIsNotFoundSecondTime(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Write("n", []byte("v"), false, false)
	require.NoError(t, err)
	require.NoError(t, e.Delete("n"))
	require.ErrorIs(t, e.Delete("n"), NotFound)
}

func TestEmptyPayloadRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Write("empty", nil, false, false)
	require.NoError(t, err)
	got, err := e.Read("empty")
	require.NoError(t, err)
	require.Empty(t, got.Payload)
}

func TestIdenticalPayloadsShareOneBlobRefcountTwo(t *testing.T) {
	e := newTestEngine(t)
	wa, err := e.Write("x", []byte("same"), false, false)
	require.NoError(t, err)
	wb, err := e.Write("y", []byte("same"), false, false)
	require.NoError(t, err)
	require.Equal(t, wa.Hash, wb.Hash)
	require.EqualValues(t, 2, e.names.Refcount(wa.Hash))
}

func TestWriteConflictWithoutCoverIsExists(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Write("n", []byte("v1"), false, false)
	require.NoError(t, err)
	_, err = e.Write("n", []byte("v2"), false, false)
	require.True(t, errors.Is(err, Exists))
}

func TestReadUnknownNameIsNotFound(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Read("ghost")
	require.ErrorIs(t, err, NotFound)
}

func TestWriteRejectsPayloadOverMax(t *testing.T) {
	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), 4)
	require.NoError(t, err)
	names, err := nameindex.Open(filepath.Join(dir, "index"), 0)
	require.NoError(t, err)
	defer names.Close()
	e := New(blobs, names, 4)

	_, err = e.Write("n", []byte("12345"), false, false)
	require.ErrorIs(t, err, PayloadTooLarge)
}
