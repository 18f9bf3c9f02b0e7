// Package linaserver implements the LiNa protocol's connection loop: one
// listening socket, one independent worker per accepted connection, one
// frame in and one frame out per connection.
package linaserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/linastore/lina/internal/engine"
	"github.com/linastore/lina/internal/linametrics"
	"github.com/linastore/lina/internal/linaproto"
)

var log = logging.Logger("lina/server")

// Config bounds the connection loop's resource usage and timeouts.
type Config struct {
	Addr         string
	MaxConns     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns LiNa Store's stated defaults: port 8086, 5s/5s
// deadlines, and a worker pool sized generously for a single host.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8086",
		MaxConns:     256,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
}

// Server is the LiNa protocol's connection loop: net.Listen once, then an
// accept loop handing each connection to a bounded worker pool coordinated
// through errgroup and a semaphore channel sized by Config.MaxConns.
type Server struct {
	cfg Config
	eng *engine.Engine
}

// New wires a Server over an already-open Engine.
func New(cfg Config, eng *engine.Engine) *Server {
	return &Server{cfg: cfg, eng: eng}
}

// ListenAndServe binds cfg.Addr and serves connections until ctx is
// canceled or the listener fails. It returns the first fatal error, if any.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("linaserver: listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the accept loop over an already-bound listener until ctx is
// canceled or the listener fails. Splitting this from ListenAndServe lets
// callers (and tests) bind port 0, inspect the chosen address, and hand the
// same listener in without a close-then-rebind race.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	defer lis.Close()

	log.Infof("listening for LiNa protocol connections on %s", lis.Addr())

	group, groupCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, maxInt(s.cfg.MaxConns, 1))

	group.Go(func() error {
		<-groupCtx.Done()
		return lis.Close()
	})

	group.Go(func() error {
		for {
			conn, err := lis.Accept()
			if err != nil {
				if groupCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("linaserver: accept: %w", err)
			}

			select {
			case sem <- struct{}{}:
			case <-groupCtx.Done():
				conn.Close()
				return nil
			}

			group.Go(func() error {
				defer func() { <-sem }()
				s.handleConn(conn)
				return nil
			})
		}
	})

	return group.Wait()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// handleConn runs one connection through its four-state lifecycle:
// RECEIVING_HEADER -> RECEIVING_PAYLOAD -> EXECUTING -> RESPONDING. It
// never returns an error to the caller — every failure is either a silent
// close or a framed error response, both handled here.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	if err := applyDeadlines(conn, s.cfg.ReadTimeout, s.cfg.WriteTimeout); err != nil {
		log.Debugf("set deadlines: %v", err)
		return
	}

	req, err := linaproto.Decode(conn)
	if err != nil {
		switch {
		case errors.Is(err, linaproto.ErrChecksumMismatch):
			s.reply(conn, linaproto.ErrorResponse("", linaproto.WireChecksumMismatch))
		case errors.Is(err, linaproto.ErrPayloadTooLarge):
			s.reply(conn, linaproto.ErrorResponse("", linaproto.WirePayloadTooLarge))
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			// Short read during RECEIVING_HEADER/RECEIVING_PAYLOAD: close
			// without reply.
		default:
			log.Debugf("decode frame: %v", err)
		}
		return
	}

	if req.Flags.Op() == linaproto.OpNone || req.Flags.Reserved() != 0 {
		s.reply(conn, linaproto.ErrorResponse(req.Name, linaproto.WireNameInvalid))
		return
	}

	resp := s.execute(req)
	s.reply(conn, resp)
}

// execute runs the EXECUTING state: dispatch to the engine and translate
// its result into a response frame.
func (s *Server) execute(req linaproto.Frame) linaproto.Frame {
	op := strings.ToLower(req.Flags.Op().String())
	linametrics.RequestsByOp.WithLabelValues(op, "lina").Inc()
	started := time.Now()

	var resp linaproto.Frame
	switch req.Flags.Op() {
	case linaproto.OpWrite:
		_, err := s.eng.Write(req.Name, req.Payload, req.Flags.Cover(), req.Flags.Compress())
		if err != nil {
			resp = linaproto.ErrorResponse(req.Name, wireCodeFor(err))
		} else {
			resp = linaproto.OKResponse(req.Name)
		}

	case linaproto.OpRead:
		res, err := s.eng.Read(req.Name)
		if err != nil {
			resp = linaproto.ErrorResponse(req.Name, wireCodeFor(err))
		} else {
			resp = linaproto.ReadResponse(req.Name, res.Payload)
		}

	case linaproto.OpDelete:
		if err := s.eng.Delete(req.Name); err != nil {
			resp = linaproto.ErrorResponse(req.Name, wireCodeFor(err))
		} else {
			resp = linaproto.OKResponse(req.Name)
		}

	default:
		resp = linaproto.ErrorResponse(req.Name, linaproto.WireNameInvalid)
	}

	linametrics.RequestLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
	linametrics.ResponsesByWireCode.WithLabelValues(fmt.Sprintf("0x%02x", byte(resp.Flags))).Inc()
	return resp
}

func (s *Server) reply(conn net.Conn, resp linaproto.Frame) {
	encoded, err := linaproto.Encode(resp)
	if err != nil {
		log.Errorf("encode response for %q: %v", resp.Name, err)
		return
	}
	if _, err := writeFull(conn, encoded); err != nil {
		log.Debugf("write response for %q: %v", resp.Name, err)
	}
}

// writeFull retries partial writes until the whole buffer is sent or the
// connection fails.
func writeFull(w io.Writer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := w.Write(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func wireCodeFor(err error) linaproto.WireCode {
	switch {
	case errors.Is(err, engine.NotFound):
		return linaproto.WireNotFound
	case errors.Is(err, engine.Exists):
		return linaproto.WireExists
	case errors.Is(err, engine.NameTooLong), errors.Is(err, engine.NameEmpty):
		return linaproto.WireNameInvalid
	case errors.Is(err, engine.PayloadTooLarge):
		return linaproto.WirePayloadTooLarge
	default:
		var internal engine.InternalIO
		if errors.As(err, &internal) {
			log.Errorf("internal error: %v", internal.Cause)
		}
		return linaproto.WireInternalIO
	}
}
