// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	agenterrors "github.com/zeus911/vagent2/pkg/errors"
	"github.com/zeus911/vagent2/pkg/metrics"
	"github.com/zeus911/vagent2/pkg/ratelimit"
	"github.com/zeus911/vagent2/pkg/router"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
)

const (
	defaultChunkSize   = 32 * 1024
	defaultMaxBodySize = 2 * 1000 * 1024
)

// Dispatcher receives the per-request callbacks for each connection.
type Dispatcher interface {
	Handle(conn router.Conn, method, url string, upload []byte, slot **router.ConnState) int
	Completed(slot **router.ConnState)
}

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// IdleTimeout bounds the wait for the next request on a connection.
	IdleTimeout time.Duration

	// ChunkSize is the largest body chunk handed to the dispatcher per call.
	ChunkSize int

	// MaxBodySize caps the request body. Larger requests are answered with
	// 413 and the connection is closed. Negative disables the cap.
	MaxBodySize int64

	// GlobalLimiter and ClientLimiter refuse connections when exhausted.
	// Both are optional.
	GlobalLimiter *ratelimit.TokenBucket
	ClientLimiter *ratelimit.Limiter

	// Logger for server events
	Logger *slog.Logger

	Metrics *metrics.Metrics
}

// Server accepts HTTP/1.x connections and feeds each request to the
// dispatcher as a sequence of callbacks.
type Server struct {
	config     Config
	dispatcher Dispatcher
	wg         sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]bool // value reports whether the conn waits for a request
}

// New creates a new TCP server with the given configuration and dispatcher.
func New(cfg Config, d Dispatcher) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}

	return &Server{
		config:     cfg,
		dispatcher: d,
		conns:      make(map[net.Conn]bool),
	}
}

// Bind opens the listening socket. Errors wrap errors.ErrBind.
func (s *Server) Bind() error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", agenterrors.ErrBind, s.config.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Bind.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Listen binds if needed and serves until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	listener := s.listenerOrNil()
	if listener == nil {
		if err := s.Bind(); err != nil {
			return err
		}
		listener = s.listenerOrNil()
	}

	s.config.Logger.Info("HTTP server started", slog.String("address", listener.Addr().String()))

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			nc, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					// Expected error during shutdown
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if !s.admit(nc) {
				s.config.Metrics.ConnectionRejected()
				s.config.Logger.Debug("connection refused",
					slog.String("remote", nc.RemoteAddr().String()),
					slog.String("error", agenterrors.ErrRateLimited.Error()))
				nc.Close()
				continue
			}

			s.track(nc, true)
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.track(nc, false)
				if err := s.handleConn(ctx, nc); err != nil {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", nc.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone
	s.interruptIdle()

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure")
		s.closeAll()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

func (s *Server) admit(nc net.Conn) bool {
	if s.config.GlobalLimiter != nil && !s.config.GlobalLimiter.Allow() {
		return false
	}
	if s.config.ClientLimiter != nil {
		host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
		if err != nil {
			host = nc.RemoteAddr().String()
		}
		return s.config.ClientLimiter.Allow(host)
	}
	return true
}

func (s *Server) listenerOrNil() net.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *Server) track(nc net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[nc] = false
		return
	}
	delete(s.conns, nc)
}

// awaitRequest marks nc idle and arms its idle deadline. It returns false
// once shutdown has begun.
func (s *Server) awaitRequest(ctx context.Context, nc net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conns[nc] = true
	nc.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
	return true
}

func (s *Server) busy(nc net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[nc] = false
}

// interruptIdle wakes connections blocked waiting for their next request.
func (s *Server) interruptIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc, idle := range s.conns {
		if idle {
			nc.SetReadDeadline(time.Now())
		}
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for nc := range s.conns {
		nc.Close()
	}
}

// handleConn serves requests on one connection until it closes. The
// connection state lives across keep-alive requests and is released once.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) error {
	defer nc.Close()

	sessionID := uuid.New().String()
	remote := nc.RemoteAddr().String()

	s.config.Metrics.ConnectionOpened()
	defer s.config.Metrics.ConnectionClosed()

	var slot *router.ConnState
	defer s.dispatcher.Completed(&slot)

	s.config.Logger.Debug("connection established",
		slog.String("session", sessionID),
		slog.String("client", remote))
	defer s.config.Logger.Debug("connection closed", slog.String("session", sessionID))

	br := bufio.NewReader(nc)
	bw := bufio.NewWriter(nc)
	buf := make([]byte, s.config.ChunkSize)

	for {
		if !s.awaitRequest(ctx, nc) {
			return nil
		}
		req, err := http.ReadRequest(br)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			s.writeBadRequest(bw)
			return agenterrors.New("read request", sessionID, remote, err)
		}
		s.busy(nc)

		if s.tooLarge(req.ContentLength) {
			s.writeTooLarge(bw, req)
			return agenterrors.New("read request", sessionID, remote, agenterrors.ErrBodyTooLarge)
		}

		c := &conn{req: req, remote: remote}
		path := req.URL.Path
		if path == "" {
			path = "/"
		}

		s.dispatcher.Handle(c, req.Method, path, nil, &slot)

		if expectsContinue(req) {
			bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
			if err := bw.Flush(); err != nil {
				return agenterrors.New("write continue", sessionID, remote, err)
			}
		}

		if err := s.feedBody(nc, c, path, buf, &slot); err != nil {
			if errors.Is(err, agenterrors.ErrBodyTooLarge) {
				s.writeTooLarge(bw, req)
			}
			return agenterrors.New("read body", sessionID, remote, err)
		}

		s.dispatcher.Handle(c, req.Method, path, nil, &slot)

		if !c.queued {
			s.config.Logger.Warn("no response queued",
				slog.String("session", sessionID),
				slog.String("method", req.Method),
				slog.String("url", path))
			c.Queue(http.StatusInternalServerError, []byte("Failed"), nil)
		}

		closing := req.Close || ctx.Err() != nil
		s.config.Metrics.ObserveResponse(methodLabel(req.Method), c.status)
		if err := c.writeResponse(bw, closing); err != nil {
			return agenterrors.New("write response", sessionID, remote, err)
		}
		if closing {
			return nil
		}
	}
}

// feedBody hands the request body to the dispatcher chunk by chunk,
// re-offering bytes the dispatcher did not consume. The body is closed only
// after EOF since Close drains any unread remainder.
func (s *Server) feedBody(nc net.Conn, c *conn, path string, buf []byte, slot **router.ConnState) error {
	req := c.req
	var total int64
	for {
		nc.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))
		n, err := req.Body.Read(buf)
		total += int64(n)
		if s.tooLarge(total) {
			return agenterrors.ErrBodyTooLarge
		}
		chunk := buf[:n]
		for len(chunk) > 0 {
			used := s.dispatcher.Handle(c, req.Method, path, chunk, slot)
			if used <= 0 {
				break
			}
			chunk = chunk[used:]
		}
		if errors.Is(err, io.EOF) {
			return req.Body.Close()
		}
		if err != nil {
			return err
		}
	}
}

func (s *Server) tooLarge(n int64) bool {
	return s.config.MaxBodySize > 0 && n > s.config.MaxBodySize
}

// writeTooLarge answers 413 and marks the connection for closing.
func (s *Server) writeTooLarge(bw *bufio.Writer, req *http.Request) {
	c := &conn{req: req}
	c.Queue(http.StatusRequestEntityTooLarge, []byte("Request body too large\n"), nil)
	s.config.Metrics.ObserveResponse(methodLabel(req.Method), c.status)
	c.writeResponse(bw, true)
}

func (s *Server) writeBadRequest(bw *bufio.Writer) {
	bw.WriteString("HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n")
	bw.Flush()
}

// isClosed reports errors that end a connection without a reply.
func isClosed(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// methodLabel bounds metric label values to the methods the router knows.
func methodLabel(method string) string {
	return router.ParseMethod(method).String()
}

func expectsContinue(req *http.Request) bool {
	return req.ProtoAtLeast(1, 1) && strings.EqualFold(req.Header.Get("Expect"), "100-continue") && req.ContentLength != 0
}
