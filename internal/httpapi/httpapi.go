// Package httpapi implements the HTTP façade: a translator into the same
// core engine operations the LiNa protocol server calls, routing
// PUT/GET/DELETE on /files/{name} with jsoniter-encoded JSON error bodies.
package httpapi

import (
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	logging "github.com/ipfs/go-log/v2"
	"github.com/valyala/fasthttp"

	"github.com/linastore/lina/internal/engine"
	"github.com/linastore/lina/internal/linametrics"
)

var log = logging.Logger("lina/httpapi")

const filesPrefix = "/files/"

// Handler builds a fasthttp request handler backed by eng, implementing
// the HTTP surface:
//
//	PUT    /files/{name}?cover=1&compress=1
//	GET    /files/{name}
//	DELETE /files/{name}
func Handler(eng *engine.Engine) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		started := time.Now()
		defer func() {
			log.Debugf("%s %s took %s", ctx.Method(), ctx.Path(), time.Since(started))
		}()

		path := string(ctx.Path())
		if path == "/metrics" {
			// Routed separately by the caller in practice; fall through to
			// a 404 here so this handler stays a pure files façade when
			// wired standalone (e.g. in tests).
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}

		if !strings.HasPrefix(path, filesPrefix) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		name := strings.TrimPrefix(path, filesPrefix)
		if name == "" {
			replyJSON(ctx, fasthttp.StatusBadRequest, errorBody{Error: "missing file name"})
			return
		}

		switch {
		case ctx.IsPut():
			linametrics.RequestsByOp.WithLabelValues("write", "http").Inc()
			handlePut(ctx, eng, name)
		case ctx.IsGet():
			linametrics.RequestsByOp.WithLabelValues("read", "http").Inc()
			handleGet(ctx, eng, name)
		case ctx.IsDelete():
			linametrics.RequestsByOp.WithLabelValues("delete", "http").Inc()
			handleDelete(ctx, eng, name)
		default:
			ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		}
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func replyJSON(ctx *fasthttp.RequestCtx, code int, v interface{}) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(code)
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(ctx).Encode(v); err != nil {
		log.Errorf("failed to marshal response: %v", err)
	}
}

func handlePut(ctx *fasthttp.RequestCtx, eng *engine.Engine, name string) {
	cover := queryBool(ctx, "cover")
	compress := queryBool(ctx, "compress")

	res, err := eng.Write(name, ctx.PostBody(), cover, compress)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	status := fasthttp.StatusOK
	if res.Created {
		status = fasthttp.StatusCreated
	}
	ctx.SetStatusCode(status)
}

func handleGet(ctx *fasthttp.RequestCtx, eng *engine.Engine, name string) {
	res, err := eng.Read(name)
	if err != nil {
		writeEngineError(ctx, err)
		return
	}
	ctx.SetContentType("application/octet-stream")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetBody(res.Payload)
}

func handleDelete(ctx *fasthttp.RequestCtx, eng *engine.Engine, name string) {
	if err := eng.Delete(name); err != nil {
		writeEngineError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
}

func queryBool(ctx *fasthttp.RequestCtx, key string) bool {
	v := ctx.QueryArgs().Peek(key)
	return len(v) == 1 && v[0] == '1'
}

// writeEngineError maps engine errors to HTTP status codes: 404 not
// found, 409 exists-without-cover, 413 too large, 422 invalid name, 500
// otherwise. 422 is nominally the checksum-mismatch status, but no wire
// checksum exists over HTTP, so the façade reuses it for invalid names
// rather than mislabeling a client mistake as a 500.
func writeEngineError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, engine.NotFound):
		replyJSON(ctx, fasthttp.StatusNotFound, errorBody{Error: "not found"})
	case errors.Is(err, engine.Exists):
		replyJSON(ctx, fasthttp.StatusConflict, errorBody{Error: "exists, cover not requested"})
	case errors.Is(err, engine.PayloadTooLarge):
		replyJSON(ctx, fasthttp.StatusRequestEntityTooLarge, errorBody{Error: "payload too large"})
	case errors.Is(err, engine.NameTooLong), errors.Is(err, engine.NameEmpty):
		replyJSON(ctx, fasthttp.StatusUnprocessableEntity, errorBody{Error: "invalid name"})
	default:
		var internal engine.InternalIO
		if errors.As(err, &internal) {
			log.Errorf("internal error: %v", internal.Cause)
		}
		replyJSON(ctx, fasthttp.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}
