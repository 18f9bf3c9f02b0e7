package httpapi

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/linastore/lina/internal/blobstore"
	"github.com/linastore/lina/internal/engine"
	"github.com/linastore/lina/internal/nameindex"
)

func newTestHandler(t *testing.T) fasthttp.RequestHandler {
	t.Helper()
	dir := t.TempDir()
	blobs, err := blobstore.New(filepath.Join(dir, "blobs"), 64)
	require.NoError(t, err)
	names, err := nameindex.Open(filepath.Join(dir, "index"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { names.Close() })
	eng := engine.New(blobs, names, 64*1024*1024)
	return Handler(eng)
}

func newCtx(method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	return ctx
}

func TestPutThenGetReturnsPayload(t *testing.T) {
	h := newTestHandler(t)

	put := newCtx(fasthttp.MethodPut, "/files/a.txt", []byte("hello"))
	h(put)
	require.Equal(t, fasthttp.StatusCreated, put.Response.StatusCode())

	get := newCtx(fasthttp.MethodGet, "/files/a.txt", nil)
	h(get)
	require.Equal(t, fasthttp.StatusOK, get.Response.StatusCode())
	require.Equal(t, []byte("hello"), get.Response.Body())
}

func TestGetMissingNameIs404(t *testing.T) {
	h := newTestHandler(t)
	get := newCtx(fasthttp.MethodGet, "/files/ghost", nil)
	h(get)
	require.Equal(t, fasthttp.StatusNotFound, get.Response.StatusCode())
}

func TestPutConflictWithoutCoverIs409(t *testing.T) {
	h := newTestHandler(t)

	h(newCtx(fasthttp.MethodPut, "/files/a.txt", []byte("v1")))
	again := newCtx(fasthttp.MethodPut, "/files/a.txt", []byte("v2"))
	h(again)
	require.Equal(t, fasthttp.StatusConflict, again.Response.StatusCode())
}

func TestPutWithCoverSucceeds(t *testing.T) {
	h := newTestHandler(t)

	h(newCtx(fasthttp.MethodPut, "/files/a.txt", []byte("v1")))
	cover := newCtx(fasthttp.MethodPut, "/files/a.txt?cover=1", []byte("v2"))
	h(cover)
	require.Equal(t, fasthttp.StatusOK, cover.Response.StatusCode())

	get := newCtx(fasthttp.MethodGet, "/files/a.txt", nil)
	h(get)
	require.Equal(t, []byte("v2"), get.Response.Body())
}

func TestDeleteThenGetIs404(t *testing.T) {
	h := newTestHandler(t)

	h(newCtx(fasthttp.MethodPut, "/files/a.txt", []byte("v1")))
	del := newCtx(fasthttp.MethodDelete, "/files/a.txt", nil)
	h(del)
	require.Equal(t, fasthttp.StatusOK, del.Response.StatusCode())

	get := newCtx(fasthttp.MethodGet, "/files/a.txt", nil)
	h(get)
	require.Equal(t, fasthttp.StatusNotFound, get.Response.StatusCode())
}

func TestPutCompressedRoundTrip(t *testing.T) {
	h := newTestHandler(t)
	payload := make([]byte, 1<<20)

	h(newCtx(fasthttp.MethodPut, "/files/z?compress=1", payload))
	get := newCtx(fasthttp.MethodGet, "/files/z", nil)
	h(get)
	require.Equal(t, payload, get.Response.Body())
}
