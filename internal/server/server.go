// Package server runs the optimization daemon behind an HTTP listener and
// shuts both down gracefully.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Daemon is the scheduled work started and stopped with the server.
type Daemon interface {
	Start(ctx context.Context) error
	Stop() error
}

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ShutdownTimeout bounds how long in-flight requests may drain.
	// Default: 30 seconds
	ShutdownTimeout time.Duration
}

// Server owns the HTTP listener, the daemon and the resources closed after
// them.
type Server struct {
	config Config
	http   *http.Server
	daemon Daemon
	logger logrus.FieldLogger

	shuttingDown int32
	inFlight     int64

	closersMu sync.Mutex
	closers   []io.Closer

	addrMu sync.Mutex
	addr   net.Addr
}

// New creates a server. daemon may be nil.
func New(config Config, handler http.Handler, daemon Daemon, logger logrus.FieldLogger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		config: config,
		daemon: daemon,
		logger: logger.WithField("component", "server"),
	}
	s.http = &http.Server{
		Addr:         config.Addr,
		Handler:      s.track(handler),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// RegisterCloser adds a resource closed after the listener and daemon stop.
// Closers run in reverse order of registration.
func (s *Server) RegisterCloser(c io.Closer) {
	s.closersMu.Lock()
	defer s.closersMu.Unlock()
	s.closers = append(s.closers, c)
}

// Addr returns the bound listen address once Run is serving.
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", s.config.Addr, err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	if s.daemon != nil {
		if err := s.daemon.Start(ctx); err != nil {
			ln.Close()
			return fmt.Errorf("server: start daemon: %w", err)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.WithField("addr", ln.Addr().String()).Info("Server listening")

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down")
	case serveErr = <-errCh:
		s.logger.WithError(serveErr).Error("Server stopped unexpectedly")
	}

	if err := s.shutdown(); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (s *Server) shutdown() error {
	atomic.StoreInt32(&s.shuttingDown, 1)

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		keep(fmt.Errorf("server: drain %d in-flight requests: %w", s.InFlight(), err))
	}

	if s.daemon != nil {
		keep(s.daemon.Stop())
	}

	s.closersMu.Lock()
	closers := s.closers
	s.closersMu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		keep(closers[i].Close())
	}
	return firstErr
}

// InFlight returns the number of requests being served.
func (s *Server) InFlight() int64 {
	return atomic.LoadInt64(&s.inFlight)
}

// track counts in-flight requests and rejects new ones during shutdown.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			w.Header().Set("Connection", "close")
			http.Error(w, "Service Unavailable - Shutting Down", http.StatusServiceUnavailable)
			return
		}
		atomic.AddInt64(&s.inFlight, 1)
		defer atomic.AddInt64(&s.inFlight, -1)
		next.ServeHTTP(w, r)
	})
}

// CloserFunc is an adapter to allow ordinary functions to be used as io.Closer.
type CloserFunc func() error

// Close calls the underlying function.
func (f CloserFunc) Close() error {
	return f()
}
