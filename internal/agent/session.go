// Package agent implements the agent-side session: the connect-run-retry
// loop, the challenge/response handshake, the heartbeat producer, the
// inbound reader, and the command executor.
//
// One TCP session exists at a time. Inside a session three activities
// cooperate: the heartbeat ticker, the reader (this goroutine), and the
// executor worker. Any read/write error tears the session down and returns
// control to the retry loop, which backs off exponentially with jitter.
package agent

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/authn"
	"github.com/opsfleet-io/opsfleet/internal/hostinfo"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
)

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	sendTimeout      = 10 * time.Second

	// jitterFraction spreads reconnect delays ±25% so a fleet restarted
	// together does not stampede the server.
	jitterFraction = 0.25
)

// ErrRetriesExhausted is returned by Run when the configured number of
// consecutive connection failures is reached. The process exits with
// status 3 on this error.
var ErrRetriesExhausted = errors.New("agent: retry budget exhausted")

// Config holds the session parameters.
type Config struct {
	ServerAddr string
	AgentID    string

	AuthEnabled bool
	AuthSecret  string

	HeartbeatInterval time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration

	// MotdFile receives broadcast messages, one line per broadcast.
	MotdFile string
}

// Session owns the agent's connection lifecycle.
type Session struct {
	cfg       Config
	collector *hostinfo.Collector
	executor  *Executor
	logger    *zap.Logger
}

// New creates a Session.
func New(cfg Config, collector *hostinfo.Collector, executor *Executor, logger *zap.Logger) *Session {
	return &Session{
		cfg:       cfg,
		collector: collector,
		executor:  executor,
		logger:    logger.Named("session"),
	}
}

// Run drives the connect-run-retry cycle until ctx is cancelled or the
// retry budget is exhausted. The failure counter resets on every successful
// handshake.
func (s *Session) Run(ctx context.Context) error {
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.logger.Info("connecting", zap.String("server", s.cfg.ServerAddr))
		handshook, err := s.runOnce(ctx)

		if ctx.Err() != nil {
			return nil
		}
		if handshook {
			failures = 0
		}
		if err != nil {
			failures++
			if failures >= s.cfg.RetryMaxAttempts {
				s.logger.Error("giving up after consecutive failures",
					zap.Int("failures", failures),
				)
				return ErrRetriesExhausted
			}

			delay := Backoff(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, failures-1)
			s.logger.Warn("session ended, retrying",
				zap.Error(err),
				zap.Int("consecutive_failures", failures),
				zap.Duration("backoff", delay),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
		}
	}
}

// Backoff computes the reconnect delay for the given zero-based attempt:
// min(maxDelay, baseDelay·2^attempt) with ±25% jitter applied on top.
func Backoff(baseDelay, maxDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}

	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	return time.Duration(float64(delay) * jitter)
}

// runOnce runs a single session: dial, handshake, then the heartbeat and
// reader loops until something fails. Returns whether the handshake
// completed (resets the retry counter) and the terminating error.
func (s *Session) runOnce(ctx context.Context) (handshook bool, err error) {
	nc, err := net.DialTimeout("tcp", s.cfg.ServerAddr, dialTimeout)
	if err != nil {
		return false, fmt.Errorf("agent: dial %s: %w", s.cfg.ServerAddr, err)
	}
	defer nc.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cancellation closes the socket to unblock the reader and writer.
	go func() {
		<-connCtx.Done()
		nc.Close()
	}()

	codec := protocol.NewCodec(nc)
	out := newSender(codec)

	if s.cfg.AuthEnabled {
		if err := s.handshake(codec); err != nil {
			return false, err
		}
		s.logger.Info("handshake complete")
	}

	// With auth disabled the first HostInfo is the identity assertion, so
	// either way the session counts as established once the heartbeat
	// below goes out.
	handshook = true

	var wg sync.WaitGroup
	errc := make(chan error, 2)

	// Heartbeat producer. The first heartbeat goes out immediately — it is
	// also the registration signal.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.heartbeatLoop(connCtx, out); err != nil {
			errc <- err
			cancel()
		}
	}()

	// Executor worker: validates and runs commands handed over by the
	// reader, emitting one CommandResult per command on the session.
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.executor.Run(connCtx, out)
	}()

	readErr := s.readLoop(connCtx, codec)
	cancel()
	wg.Wait()

	if connCtx.Err() != nil && ctx.Err() != nil {
		return handshook, nil
	}
	select {
	case err := <-errc:
		return handshook, err
	default:
		return handshook, readErr
	}
}

// handshake answers the server's challenge. Any verdict other than ok is an
// error so the retry loop counts it as a failed attempt.
func (s *Session) handshake(codec *protocol.Codec) error {
	deadline := time.Now().Add(handshakeTimeout)

	msg, err := codec.Receive(time.Until(deadline))
	if err != nil {
		return fmt.Errorf("agent: read challenge: %w", err)
	}
	challenge, ok := msg.(*protocol.AuthChallenge)
	if !ok {
		return fmt.Errorf("agent: expected auth_challenge, got %s", msg.Kind())
	}

	resp := protocol.AuthResponse{
		Type:    protocol.TypeAuthResponse,
		AgentID: s.cfg.AgentID,
		Nonce:   challenge.Nonce,
		Ts:      challenge.Ts,
		Mac:     authn.ComputeMAC(s.cfg.AuthSecret, s.cfg.AgentID, challenge.Nonce, challenge.Ts),
	}
	if err := codec.Send(resp, time.Until(deadline)); err != nil {
		return fmt.Errorf("agent: send auth response: %w", err)
	}

	msg, err = codec.Receive(time.Until(deadline))
	if err != nil {
		return fmt.Errorf("agent: read auth result: %w", err)
	}
	result, ok := msg.(*protocol.AuthResult)
	if !ok {
		return fmt.Errorf("agent: expected auth_result, got %s", msg.Kind())
	}
	if !result.OK {
		return fmt.Errorf("agent: server rejected handshake: %s", result.Reason)
	}
	return nil
}

// heartbeatLoop sends HostInfo immediately and then on every tick.
func (s *Session) heartbeatLoop(ctx context.Context, out *sender) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		info := s.collector.Collect(ctx)
		if err := out.send(info); err != nil {
			return fmt.Errorf("agent: send heartbeat: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// readLoop dispatches server messages until the connection dies.
func (s *Session) readLoop(ctx context.Context, codec *protocol.Codec) error {
	for {
		msg, err := codec.Receive(0)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, protocol.ErrMalformed) {
				s.logger.Warn("dropping malformed message", zap.Error(err))
				continue
			}
			return fmt.Errorf("agent: session read: %w", err)
		}

		switch m := msg.(type) {
		case *protocol.Command:
			s.executor.Submit(m.CommandID, m.Command)
		case *protocol.Broadcast:
			s.logger.Info("broadcast received", zap.String("message", m.Message))
			if err := s.appendMotd(m.Message); err != nil {
				s.logger.Warn("failed to persist broadcast", zap.Error(err))
			}
		default:
			s.logger.Warn("dropping unexpected message",
				zap.String("type", string(msg.Kind())),
			)
		}
	}
}

// appendMotd persists a broadcast to the motd file with a timestamp prefix.
func (s *Session) appendMotd(message string) error {
	if s.cfg.MotdFile == "" {
		return nil
	}
	f, err := os.OpenFile(s.cfg.MotdFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("%s [broadcast] %s\n", time.Now().UTC().Format(time.RFC3339), message)
	_, err = f.WriteString(line)
	return err
}

// sender serialises frame writes from the heartbeat producer and the
// executor onto the single session codec.
type sender struct {
	mu    sync.Mutex
	codec *protocol.Codec
}

func newSender(codec *protocol.Codec) *sender {
	return &sender{codec: codec}
}

func (s *sender) send(msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.codec.Send(msg, sendTimeout)
}
