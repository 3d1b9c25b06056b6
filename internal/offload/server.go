package offload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/drive.sync/internal/monitoring"
)

// Handler answers one request payload with one response payload.
type Handler interface {
	Handle(ctx context.Context, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

// NewHandler builds a Handler that decodes Req, calls fn and encodes Resp
// with codec.
func NewHandler[Req, Resp any](codec Codec, fn func(context.Context, Req) (Resp, error)) Handler {
	if codec == nil {
		codec = CBORCodec{}
	}
	return HandlerFunc(func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := codec.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode %T: %w", req, err)
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		return codec.Marshal(resp)
	})
}

// ServerConfig configures a Server.
type ServerConfig struct {
	// Name labels log lines.
	Name string

	// MaxFrameSize bounds request frames. Defaults to MaxFrameSize.
	MaxFrameSize int

	// IdleTimeout closes connections that send no request for this long.
	// Zero disables it.
	IdleTimeout time.Duration

	Logger *monitoring.Logger
}

// ServerStats counts server activity.
type ServerStats struct {
	Connections int64
	Requests    int64
	Errors      int64
}

// Server accepts framed connections and answers each request in order.
// Requests on one connection are processed serially; connections are
// served concurrently.
type Server struct {
	handler Handler
	cfg     ServerConfig
	log     *monitoring.Logger

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	closing bool
	wg      sync.WaitGroup

	connections atomic.Int64
	requests    atomic.Int64
	failures    atomic.Int64
}

// NewServer creates a server for h.
func NewServer(h Handler, cfg ServerConfig) *Server {
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = MaxFrameSize
	}
	if cfg.Name == "" {
		cfg.Name = "offload"
	}
	return &Server{
		handler: h,
		cfg:     cfg,
		log:     cfg.Logger.Named("[" + cfg.Name + "] "),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Stats returns the server counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Connections: s.connections.Load(),
		Requests:    s.requests.Load(),
		Errors:      s.failures.Load(),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln
// and every open connection and waits for their goroutines. It returns nil
// after a cancellation-driven shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Diagf("serving on %s", ln.Addr())
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
		s.closeAll()
	})
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.log.Diagf("stopped: %v", ctx.Err())
				return nil
			}
			s.closeAll()
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.connections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	peer := conn.RemoteAddr()
	s.log.Diagf("client %s connected", peer)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		req, err := ReadFrame(conn, s.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.log.Diagf("client %s disconnected", peer)
			} else {
				s.failures.Add(1)
				s.log.Opsf("client %s: read: %v", peer, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		s.requests.Add(1)
		resp, err := s.handler.Handle(ctx, req)
		if err != nil {
			// No error frame exists in the protocol; the client observes a
			// closed connection.
			s.failures.Add(1)
			s.log.Opsf("client %s: handler: %v", peer, err)
			return
		}
		if err := WriteFrame(conn, resp); err != nil {
			s.failures.Add(1)
			s.log.Opsf("client %s: write: %v", peer, err)
			return
		}
	}
}
