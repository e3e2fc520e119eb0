// Package session implements the agent-facing TCP listener and the
// per-connection session handler on the server side.
//
// Each accepted connection walks a small state machine: handshake (when TCP
// auth is enabled), then authenticated-but-unregistered, then registered
// once the first HostInfo arrives. A registered session runs two
// goroutines: the read loop on the accept goroutine, and a dedicated writer
// that drains the registry entry's outbound queue onto the socket.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/metrics"
	"github.com/opsfleet-io/opsfleet/internal/registry"
	"github.com/opsfleet-io/opsfleet/internal/store"
)

const (
	// handshakeTimeout bounds the whole challenge/response exchange,
	// measured from TCP accept.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds each outbound frame. A writer blocked this long
	// means the agent is not reading; the session is torn down.
	writeTimeout = 10 * time.Second
)

// Config holds the listener and session parameters.
type Config struct {
	// BindAddr and Port form the agent-facing listen address.
	BindAddr string
	Port     int

	// MaxConnections caps concurrent sessions. Excess accepts are closed
	// immediately.
	MaxConnections int

	// ClientTimeout is the registry liveness window. A session with no
	// inbound frame for twice this duration is closed as idle.
	ClientTimeout time.Duration

	// AuthEnabled turns on the challenge/response handshake. When false the
	// first HostInfo is the implicit identity assertion (compat path).
	AuthEnabled bool
	AuthSecret  string
}

// Server accepts agent connections and runs their sessions.
type Server struct {
	cfg      Config
	registry *registry.Registry
	store    *store.Store
	metrics  *metrics.Metrics
	logger   *zap.Logger

	wg  sync.WaitGroup
	sem chan struct{}
}

// NewServer creates a Server. Call ListenAndServe to start accepting.
func NewServer(cfg Config, reg *registry.Registry, st *store.Store, m *metrics.Metrics, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		store:    st,
		metrics:  m,
		logger:   logger.Named("session"),
		sem:      make(chan struct{}, cfg.MaxConnections),
	}
}

// ListenAndServe runs the accept loop until ctx is cancelled, then closes
// the listener. Running sessions are not interrupted here — the caller
// shuts them down via the registry and Drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.BindAddr, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("session: listen on %s: %w", addr, err)
	}

	s.logger.Info("agent listener started",
		zap.String("addr", addr),
		zap.Bool("auth_enabled", s.cfg.AuthEnabled),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Warn("connection limit reached, rejecting",
				zap.String("remote_addr", conn.RemoteAddr().String()),
			)
			conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

// Drain waits up to timeout for all sessions to finish. Called during
// graceful shutdown after the registry has cancelled every session.
func (s *Server) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("session drain timed out", zap.Duration("timeout", timeout))
	}
}
