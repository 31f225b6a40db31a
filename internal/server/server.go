package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/mattjoyce/dgworker/internal/handler"
	"github.com/mattjoyce/dgworker/internal/protocol"
	"github.com/mattjoyce/dgworker/internal/router"
)

// ErrShutdown is returned by Listen and Serve once the server has been shut
// down.
var ErrShutdown = errors.New("server: shut down")

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Router handles one decoded envelope. *router.Router satisfies it.
type Router interface {
	Route(ctx context.Context, env *protocol.Envelope) router.Result
}

// Config holds socket server configuration.
type Config struct {
	Host string
	Port int // 0 picks a free port
	// ReadTimeout bounds how long a connection may take to deliver its
	// request frame. Zero means no limit.
	ReadTimeout time.Duration
}

// Server accepts one connection at a time and answers exactly one request
// per connection.
type Server struct {
	config Config
	router Router
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	shutdown bool
	ready    chan struct{}
	once     sync.Once
}

// New creates a server. Call Serve to start accepting.
func New(config Config, rt Router, logger *slog.Logger) *Server {
	if config.Host == "" {
		config.Host = "127.0.0.1"
	}
	return &Server{
		config: config,
		router: rt,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Listen binds the listening socket. Serve calls it if needed; calling it
// first lets a caller learn Addr before serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShutdown
	}
	if s.ln != nil {
		return nil
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Ready is closed once Serve is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Serve runs the accept loop until ctx is cancelled, Shutdown is called, or
// a client sends the shutdown command. It returns ctx.Err() when stopped by
// the context and nil for the other two. Transient accept errors are logged
// and retried with a capped backoff.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	return s.serve(ctx, ln)
}

// ServeListener is Serve on a listener the caller already bound. The server
// owns ln from then on and closes it on shutdown.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	switch {
	case s.shutdown:
		s.mu.Unlock()
		_ = ln.Close()
		return ErrShutdown
	case s.ln != nil:
		s.mu.Unlock()
		return errors.New("server: already listening")
	}
	s.ln = ln
	s.mu.Unlock()
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	s.logger.Info("worker listening", "addr", ln.Addr().String())
	s.once.Do(func() { close(s.ready) })

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			delay = nextAcceptDelay(delay)
			s.logger.Warn("accept failed, retrying", "error", err, "retry_in", delay)
			pause(ctx, delay)
			continue
		}
		delay = 0
		if s.handle(ctx, conn) {
			s.logger.Info("shutdown requested by client")
			s.Shutdown()
		}
	}

	s.logger.Info("worker stopped")
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// nextAcceptDelay doubles prev from minAcceptDelay up to maxAcceptDelay.
func nextAcceptDelay(prev time.Duration) time.Duration {
	if prev == 0 {
		return minAcceptDelay
	}
	return min(prev*2, maxAcceptDelay)
}

// pause sleeps for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Shutdown closes the listener, which unblocks a pending Accept. The
// connection being served, if any, is finished first by the accept loop.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	if s.ln != nil {
		_ = s.ln.Close()
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// handle serves one connection and reports whether the client asked the
// worker to shut down.
func (s *Server) handle(ctx context.Context, conn net.Conn) bool {
	defer conn.Close()
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	if s.config.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	payload, err := protocol.ReadFrame(conn)
	if err != nil {
		if errors.Is(err, io.EOF) {
			logger.Debug("connection closed before a full frame")
		} else {
			logger.Warn("dropping connection", "kind", handler.ProtocolError, "error", err)
		}
		return false
	}
	_ = conn.SetReadDeadline(time.Time{})

	res, err := s.process(ctx, payload)
	if err != nil {
		logger.Error("request processing failed", "error", err)
		s.writeError(conn, logger, err)
		return false
	}

	if err := protocol.WriteMessage(conn, res.Body); err != nil {
		logger.Error("failed to write response", "error", err)
		if errors.Is(err, protocol.ErrEncode) {
			s.writeError(conn, logger, err)
		}
	}
	return res.Shutdown
}

// process decodes and routes one payload, containing panics from the
// routing path.
func (s *Server) process(ctx context.Context, payload []byte) (res router.Result, err error) {
	defer func() {
		if v := recover(); v != nil {
			herr := handler.Recovered(v)
			s.logger.Error("panic while routing", "error", herr.Message, "trace", herr.Trace)
			err = herr
		}
	}()

	env, err := protocol.DecodeEnvelope(payload)
	if err != nil {
		return router.Result{}, err
	}
	s.logger.Debug("request received", "command", env.Command,
		"handler", handler.Join(env.HandlerModule, env.HandlerClass))
	return s.router.Route(ctx, env), nil
}

func (s *Server) writeError(conn net.Conn, logger *slog.Logger, cause error) {
	body := protocol.CommandError{Status: protocol.StatusError, ErrorMessage: cause.Error()}
	if err := protocol.WriteMessage(conn, body); err != nil {
		logger.Debug("could not send error response", "error", err)
	}
}
