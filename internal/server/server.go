package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	transportTCP       = "tcp"
	transportWebSocket = "websocket"

	tracerName = "realtime-echo/server"
)

// Server owns the listening socket, the running flag and the client registry.
//
// Stop pauses the server: the listener stays bound and a later Run resumes
// accepting. Shutdown and Close are final.
type Server struct {
	config   *Config
	listener *net.TCPListener
	codec    Codec
	registry *Registry
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger

	// running and closed only change with mu held; the atomics let readers skip the lock.
	running atomic.Bool
	closed  atomic.Bool

	// accepting is held by the accept loop, so a restarted Run never
	// overlaps the loop of the previous one.
	accepting sync.Mutex

	mu sync.Mutex
	// runCtx is cancelled when the current run stops; every session of the run observes it.
	runCtx    context.Context
	runCancel context.CancelFunc
	conns     map[net.Conn]struct{}
	sessions  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New binds the listening socket. Nothing is accepted until Run is called.
func New(config *Config, codec Codec) (*Server, error) {
	if codec == nil {
		return nil, errors.New("server: nil codec")
	}
	config = config.withDefaults()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tp := config.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	ln, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, &BindError{Address: config.Address, Err: err}
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, &BindError{Address: config.Address, Err: errors.New("not a TCP listener")}
	}

	s := &Server{
		config:   config,
		listener: tcpLn,
		codec:    codec,
		registry: NewRegistry(logger),
		metrics:  NewMetrics(config.Registerer),
		tracer:   tp.Tracer(tracerName),
		logger:   logger.With("component", "server"),
		conns:    make(map[net.Conn]struct{}),
	}
	s.logger.Info("server bound", "address", tcpLn.Addr().String())
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound port, which is the OS-assigned one when the
// configured port was 0.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Running reports whether the accept loop is active.
func (s *Server) Running() bool {
	return s.running.Load()
}

// Clients returns the currently connected peers.
func (s *Server) Clients() []ClientInfo {
	return s.registry.List()
}

// Metrics returns the collectors updated by this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run accepts connections until Stop is called, spawning one session
// goroutine per connection. It may be called again after Stop.
func (s *Server) Run() error {
	ctx, err := s.start()
	if err != nil {
		return err
	}

	s.accepting.Lock()
	defer s.accepting.Unlock()
	s.logger.Info("server is running", "address", s.listener.Addr().String())

	for ctx.Err() == nil {
		if err := s.listener.SetDeadline(time.Now().Add(s.config.AcceptPollInterval)); err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("error setting accept deadline", "error", err)
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			// A deadline expiry only means nothing is pending; recheck the run context.
			if !errors.Is(err, os.ErrDeadlineExceeded) {
				s.logger.Error("error accepting connection", "error", err)
				s.metrics.IOErrors.WithLabelValues("accept").Inc()
				s.backoff(ctx)
			}
			continue
		}
		s.serve(conn)
	}

	s.logger.Info("server stopped")
	return nil
}

// start flips the server to running and opens a fresh run context.
func (s *Server) start() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrServerClosed
	}
	if s.running.Load() {
		return nil, ErrAlreadyRunning
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.running.Store(true)
	return s.runCtx, nil
}

// halt ends the current run. The caller holds mu.
func (s *Server) halt() {
	s.running.Store(false)
	if s.runCancel != nil {
		s.runCancel()
	}
}

// backoff waits one poll interval, returning early when the run ends.
func (s *Server) backoff(ctx context.Context) {
	t := time.NewTimer(s.config.AcceptPollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// serve registers conn and hands it to its own session goroutine.
func (s *Server) serve(conn net.Conn) {
	client := newClient(conn, s)
	info := ClientInfo{
		Addr:        client.Peer(),
		ID:          client.ID(),
		Transport:   transportTCP,
		ConnectedAt: time.Now(),
	}
	ctx, ok := s.begin(conn, info)
	if !ok {
		conn.Close()
		return
	}

	go func() {
		defer s.end(conn, info)
		if err := client.handle(ctx); err != nil {
			s.logger.Error("error handling client", "peer", info.Addr, "session", info.ID, "error", err)
		}
	}()
}

// begin records a new session and returns the context of the run it belongs to.
// It reports false unless the server is running.
func (s *Server) begin(conn net.Conn, info ClientInfo) (context.Context, bool) {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return nil, false
	}
	ctx := s.runCtx
	s.conns[conn] = struct{}{}
	s.sessions.Add(1)
	s.mu.Unlock()

	s.metrics.ConnectionsTotal.WithLabelValues(info.Transport).Inc()
	s.metrics.ActiveSessions.WithLabelValues(info.Transport).Inc()
	s.registry.Add(info)
	s.logger.Info("new client connected", "peer", info.Addr, "session", info.ID, "transport", info.Transport)
	s.logger.Debug("connected clients", "clients", s.registry.Addrs())
	return ctx, true
}

// end removes a finished session and closes its connection.
func (s *Server) end(conn net.Conn, info ClientInfo) {
	// Unregister before closing so the address cannot be reused under a stale entry.
	s.registry.Remove(info)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("error closing connection", "peer", info.Addr, "error", err)
	}
	s.metrics.ActiveSessions.WithLabelValues(info.Transport).Dec()
	s.metrics.SessionDuration.Observe(time.Since(info.ConnectedAt).Seconds())
	s.logger.Info("client session ended", "peer", info.Addr, "session", info.ID)
	s.logger.Debug("connected clients", "clients", s.registry.Addrs())
	s.sessions.Done()
}

// Stop ends the accept loop and signals every session to finish. The
// listener stays bound, so Run can resume later. Stopping a server that is
// not running only logs a warning.
func (s *Server) Stop() {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		s.logger.Warn("server was already stopped or not running")
		return
	}
	s.halt()
	s.mu.Unlock()

	s.logger.Info("stopping server")
	// Wake a pending Accept; the loop then sees the cancelled run context.
	if err := s.listener.SetDeadline(time.Now()); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Error("error waking accept loop", "error", err)
	}
}

// terminate ends the current run for good and closes the listener.
// Once it returns no session can begin.
func (s *Server) terminate() error {
	s.mu.Lock()
	s.closed.Store(true)
	s.halt()
	s.mu.Unlock()

	s.closeOnce.Do(func() {
		if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.closeErr = err
		}
	})
	return s.closeErr
}

// Shutdown stops the server for good and waits for sessions to finish. If ctx
// ends first, the remaining connections are closed and ctx.Err() is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.running.Load() {
		s.logger.Info("shutting down server")
	}
	if err := s.terminate(); err != nil {
		s.logger.Error("error closing listener", "error", err)
	}

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.conns)
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.logger.Warn("shutdown deadline exceeded, closed remaining connections", "connections", n)
		return ctx.Err()
	}
}

// Close tears the server down: the listener is closed and the registry stops.
func (s *Server) Close() error {
	err := s.terminate()
	s.registry.Close()
	return err
}
