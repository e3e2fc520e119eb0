package session

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/authn"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
	"github.com/opsfleet-io/opsfleet/internal/registry"
)

// state is the per-connection state machine position.
type state int

const (
	// stateHandshaking: challenge sent, waiting for the response. Skipped
	// entirely when auth is disabled.
	stateHandshaking state = iota

	// stateAuth: handshake passed (or auth is disabled), waiting for the
	// first HostInfo.
	stateAuth

	// stateRegistered: entry installed in the registry, read loop running.
	stateRegistered
)

// handleConn runs one agent session to completion. The socket closes when
// this function returns or when the session context is cancelled (registry
// replacement, sweeper eviction, server shutdown), whichever comes first.
func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation closes the socket, which unblocks any in-flight read or
	// write. Signalling is idempotent: cancel may be called by the registry
	// (replace/sweep), the writer, or this defer — the first one wins.
	go func() {
		<-sessCtx.Done()
		nc.Close()
	}()

	logger := s.logger.With(zap.String("remote_addr", nc.RemoteAddr().String()))
	codec := protocol.NewCodec(nc)
	idleTimeout := 2 * s.cfg.ClientTimeout

	st := stateAuth
	authedAgentID := ""

	if s.cfg.AuthEnabled {
		st = stateHandshaking
		agentID, err := s.handshake(codec)
		if err != nil {
			logger.Warn("auth_failed", zap.Error(err))
			s.metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
			return
		}
		authedAgentID = agentID
		st = stateAuth
		logger = logger.With(zap.String("agent_id", agentID))
		logger.Debug("handshake complete")
	}

	var entry *registry.Entry
	defer func() {
		if entry != nil {
			s.registry.Remove(entry)
		}
	}()

	for {
		msg, err := codec.Receive(idleTimeout)
		if err != nil {
			switch {
			case errors.Is(err, protocol.ErrMalformed) && st == stateRegistered:
				// The frame was intact but the payload was not — drop it,
				// keep the session.
				logger.Warn("dropping malformed message", zap.Error(err))
				continue
			case sessCtx.Err() != nil:
				logger.Debug("session cancelled")
			default:
				logger.Warn("session read failed", zap.Error(err))
			}
			return
		}

		switch m := msg.(type) {
		case *protocol.HostInfo:
			if st == stateAuth {
				// First HostInfo: the registration signal. Under auth it
				// must carry the identity that passed the handshake.
				if s.cfg.AuthEnabled && m.AgentID != authedAgentID {
					logger.Warn("first host_info does not match handshake identity",
						zap.String("host_info_agent_id", m.AgentID),
					)
					return
				}
				if m.AgentID == "" {
					logger.Warn("first host_info missing agent_id")
					return
				}

				entry = registry.NewEntry(m.AgentID, cancel)
				go s.writeLoop(sessCtx, codec, entry, logger)
				s.registry.Register(entry, *m)
				st = stateRegistered
				logger = s.logger.With(
					zap.String("remote_addr", nc.RemoteAddr().String()),
					zap.String("agent_id", m.AgentID),
				)
				s.metrics.HeartbeatsReceived.Inc()
				continue
			}

			if m.AgentID != entry.AgentID() {
				logger.Warn("dropping host_info with foreign agent_id",
					zap.String("got", m.AgentID),
				)
				continue
			}
			if !s.registry.Heartbeat(entry, *m) {
				// The entry was replaced or swept while this frame was in
				// flight; the session is no longer the owner.
				logger.Info("session superseded, closing")
				return
			}
			s.metrics.HeartbeatsReceived.Inc()

		case *protocol.CommandResult:
			if st != stateRegistered {
				logger.Warn("dropping command_result before registration")
				continue
			}
			err := s.store.Complete(
				m.CommandID, entry.AgentID(),
				m.ExitCode, m.Stdout, m.Stderr, m.FinishedAt,
			)
			if err != nil {
				logger.Warn("dropping command_result",
					zap.String("command_id", m.CommandID),
					zap.Error(err),
				)
				continue
			}
			s.metrics.CommandsCompleted.Inc()
			logger.Info("command completed",
				zap.String("command_id", m.CommandID),
				zap.Int("exit_code", m.ExitCode),
			)

		default:
			if st != stateRegistered {
				// Anything unexpected during the handshake window is a
				// protocol error and closes the connection.
				logger.Warn("unexpected message before registration",
					zap.String("type", string(msg.Kind())),
				)
				return
			}
			logger.Warn("dropping unexpected message",
				zap.String("type", string(msg.Kind())),
			)
		}
	}
}

// handshake drives the server half of the challenge/response exchange and
// returns the authenticated agent id. The whole exchange must finish within
// handshakeTimeout of accept.
func (s *Server) handshake(codec *protocol.Codec) (string, error) {
	deadline := time.Now().Add(handshakeTimeout)

	nonce, err := authn.NewNonce()
	if err != nil {
		return "", err
	}
	now := time.Now()

	challenge := protocol.AuthChallenge{
		Type:  protocol.TypeAuthChallenge,
		Nonce: nonce,
		Ts:    now.Unix(),
	}
	if err := codec.Send(challenge, time.Until(deadline)); err != nil {
		return "", err
	}

	msg, err := codec.Receive(time.Until(deadline))
	if err != nil {
		return "", err
	}
	resp, ok := msg.(*protocol.AuthResponse)
	if !ok {
		return "", errors.New("expected auth_response, got " + string(msg.Kind()))
	}

	if err := authn.Verify(
		s.cfg.AuthSecret,
		resp.AgentID, nonce, resp.Nonce, resp.Mac, resp.Ts,
		time.Now(),
	); err != nil {
		// The reason goes back to the agent so its logs explain the retry
		// loop; it never includes the expected MAC or the secret.
		result := protocol.AuthResult{Type: protocol.TypeAuthResult, OK: false, Reason: err.Error()}
		_ = codec.Send(result, time.Until(deadline))
		return "", err
	}

	ok2 := protocol.AuthResult{Type: protocol.TypeAuthResult, OK: true}
	if err := codec.Send(ok2, time.Until(deadline)); err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

// authFailureReason collapses handshake errors to a bounded metric label
// set: the three verification reasons plus "transport" for everything else.
func authFailureReason(err error) string {
	switch {
	case errors.Is(err, authn.ErrExpired):
		return authn.ErrExpired.Error()
	case errors.Is(err, authn.ErrNonceMismatch):
		return authn.ErrNonceMismatch.Error()
	case errors.Is(err, authn.ErrBadMAC):
		return authn.ErrBadMAC.Error()
	default:
		return "transport"
	}
}

// writeLoop is the session's dedicated writer. It drains the registry
// entry's outbound queue onto the socket; a frame that cannot be written
// within writeTimeout tears the session down.
func (s *Server) writeLoop(ctx context.Context, codec *protocol.Codec, entry *registry.Entry, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-entry.Outbound():
			if err := codec.Send(msg, writeTimeout); err != nil {
				logger.Warn("session write failed", zap.Error(err))
				s.registry.Remove(entry)
				return
			}
		}
	}
}
