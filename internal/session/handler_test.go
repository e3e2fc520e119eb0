package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/authn"
	"github.com/opsfleet-io/opsfleet/internal/metrics"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
	"github.com/opsfleet-io/opsfleet/internal/registry"
	"github.com/opsfleet-io/opsfleet/internal/store"
)

const testSecret = "fleet-secret"

type harness struct {
	srv      *Server
	registry *registry.Registry
	store    *store.Store
	agent    *protocol.Codec
	cancel   context.CancelFunc
	done     chan struct{}
}

// newHarness wires a session handler to one end of a pipe and hands the
// other end to the test as the "agent".
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	reg := registry.New(logger, m)
	st := store.New(15*time.Minute, 200, logger)
	if cfg.ClientTimeout == 0 {
		cfg.ClientTimeout = 2 * time.Second
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	srv := NewServer(cfg, reg, st, m, logger)

	serverConn, agentConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleConn(ctx, serverConn)
	}()

	h := &harness{
		srv:      srv,
		registry: reg,
		store:    st,
		agent:    protocol.NewCodec(agentConn),
		cancel:   cancel,
		done:     done,
	}
	t.Cleanup(func() {
		cancel()
		agentConn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session handler did not exit")
		}
	})
	return h
}

func testHostInfo(agentID string) protocol.HostInfo {
	return protocol.HostInfo{
		Type:     protocol.TypeHostInfo,
		AgentID:  agentID,
		Hostname: "host-1",
		SentAt:   time.Now().UTC(),
	}
}

func waitRegistered(t *testing.T, reg *registry.Registry, agentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := reg.Clients()[agentID]
		return ok
	}, 2*time.Second, 10*time.Millisecond, "agent %s never registered", agentID)
}

func TestSessionRegistersOnFirstHostInfoWithoutAuth(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: false})

	require.NoError(t, h.agent.Send(testHostInfo("a1"), time.Second))
	waitRegistered(t, h.registry, "a1")

	// A second HostInfo updates the entry in place.
	info := testHostInfo("a1")
	info.Hostname = "host-renamed"
	require.NoError(t, h.agent.Send(info, time.Second))
	require.Eventually(t, func() bool {
		return h.registry.Clients()["a1"].Hostname == "host-renamed"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionHandshakeAndCommandRoundTrip(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: true, AuthSecret: testSecret})

	// Challenge arrives first.
	msg, err := h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	challenge, ok := msg.(*protocol.AuthChallenge)
	require.True(t, ok)

	// Answer it.
	resp := protocol.AuthResponse{
		Type:    protocol.TypeAuthResponse,
		AgentID: "a1",
		Nonce:   challenge.Nonce,
		Ts:      challenge.Ts,
		Mac:     authn.ComputeMAC(testSecret, "a1", challenge.Nonce, challenge.Ts),
	}
	require.NoError(t, h.agent.Send(resp, time.Second))

	msg, err = h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	result, ok := msg.(*protocol.AuthResult)
	require.True(t, ok)
	require.True(t, result.OK, "handshake should succeed: %s", result.Reason)

	// Register.
	require.NoError(t, h.agent.Send(testHostInfo("a1"), time.Second))
	waitRegistered(t, h.registry, "a1")

	// Server dispatches a command; the agent receives it on the wire.
	h.store.Insert("c1", "a1", "whoami")
	require.NoError(t, h.registry.Send("a1", protocol.NewCommand("c1", "whoami")))

	msg, err = h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	cmd, ok := msg.(*protocol.Command)
	require.True(t, ok)
	assert.Equal(t, "c1", cmd.CommandID)

	// The agent answers; the completion store records it.
	cr := protocol.CommandResult{
		Type:       protocol.TypeCommandResult,
		CommandID:  "c1",
		ExitCode:   0,
		Stdout:     "ops\n",
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, h.agent.Send(cr, time.Second))

	require.Eventually(t, func() bool {
		rec, err := h.store.Get("c1")
		return err == nil && rec.State == store.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionRejectsBadSecret(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: true, AuthSecret: testSecret})

	msg, err := h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	challenge := msg.(*protocol.AuthChallenge)

	resp := protocol.AuthResponse{
		Type:    protocol.TypeAuthResponse,
		AgentID: "a1",
		Nonce:   challenge.Nonce,
		Ts:      challenge.Ts,
		Mac:     authn.ComputeMAC("wrong-secret", "a1", challenge.Nonce, challenge.Ts),
	}
	require.NoError(t, h.agent.Send(resp, time.Second))

	msg, err = h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	result := msg.(*protocol.AuthResult)
	assert.False(t, result.OK)
	assert.Equal(t, authn.ErrBadMAC.Error(), result.Reason)

	// The connection closes and the agent never registers.
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should close after failed handshake")
	}
	assert.Empty(t, h.registry.Clients())
}

func TestSessionClosesOnIdentityMismatchAfterHandshake(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: true, AuthSecret: testSecret})

	msg, err := h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	challenge := msg.(*protocol.AuthChallenge)

	resp := protocol.AuthResponse{
		Type:    protocol.TypeAuthResponse,
		AgentID: "a1",
		Nonce:   challenge.Nonce,
		Ts:      challenge.Ts,
		Mac:     authn.ComputeMAC(testSecret, "a1", challenge.Nonce, challenge.Ts),
	}
	require.NoError(t, h.agent.Send(resp, time.Second))
	msg, err = h.agent.Receive(2 * time.Second)
	require.NoError(t, err)
	require.True(t, msg.(*protocol.AuthResult).OK)

	// First HostInfo claims a different identity than the handshake.
	require.NoError(t, h.agent.Send(testHostInfo("imposter"), time.Second))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should close on identity mismatch")
	}
	assert.Empty(t, h.registry.Clients())
}

func TestSessionDropsForeignCommandResult(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: false})

	require.NoError(t, h.agent.Send(testHostInfo("a1"), time.Second))
	waitRegistered(t, h.registry, "a1")

	// A command dispatched to a different agent must not be completable
	// by this session.
	h.store.Insert("c9", "someone-else", "whoami")
	cr := protocol.CommandResult{
		Type:       protocol.TypeCommandResult,
		CommandID:  "c9",
		ExitCode:   0,
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, h.agent.Send(cr, time.Second))

	// The result is dropped without closing the session: a subsequent
	// heartbeat still lands.
	require.NoError(t, h.agent.Send(testHostInfo("a1"), time.Second))
	time.Sleep(50 * time.Millisecond)

	rec, err := h.store.Get("c9")
	require.NoError(t, err)
	assert.Equal(t, store.StatePending, rec.State)
}

func TestSessionEvictionClosesConnection(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: false})

	require.NoError(t, h.agent.Send(testHostInfo("a1"), time.Second))
	waitRegistered(t, h.registry, "a1")

	// Simulate the sweeper: evicting the entry cancels the session.
	h.registry.Sweep(0)

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should close when its entry is evicted")
	}
}

func TestSessionIdleTimeoutClosesConnection(t *testing.T) {
	h := newHarness(t, Config{AuthEnabled: false, ClientTimeout: 50 * time.Millisecond})

	require.NoError(t, h.agent.Send(testHostInfo("a1"), time.Second))
	waitRegistered(t, h.registry, "a1")

	// Silence for longer than 2x the client timeout.
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session should close after prolonged silence")
	}
	require.Eventually(t, func() bool {
		return len(h.registry.Clients()) == 0
	}, time.Second, 10*time.Millisecond)
}
