package agent

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/authn"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
)

func newTestSession(cfg Config) *Session {
	return New(cfg, nil, nil, zap.NewNop())
}

// serveHandshake plays the server half of the exchange on the given codec
// and reports the verification outcome it sent.
func serveHandshake(t *testing.T, codec *protocol.Codec, secret string) {
	t.Helper()

	nonce, err := authn.NewNonce()
	require.NoError(t, err)
	ts := time.Now().Unix()

	challenge := protocol.AuthChallenge{Type: protocol.TypeAuthChallenge, Nonce: nonce, Ts: ts}
	require.NoError(t, codec.Send(challenge, time.Second))

	msg, err := codec.Receive(2 * time.Second)
	require.NoError(t, err)
	resp, ok := msg.(*protocol.AuthResponse)
	require.True(t, ok)

	verifyErr := authn.Verify(secret, resp.AgentID, nonce, resp.Nonce, resp.Mac, resp.Ts, time.Now())
	result := protocol.AuthResult{Type: protocol.TypeAuthResult, OK: verifyErr == nil}
	if verifyErr != nil {
		result.Reason = verifyErr.Error()
	}
	require.NoError(t, codec.Send(result, time.Second))
}

func TestAgentHandshakeSucceedsWithSharedSecret(t *testing.T) {
	serverConn, agentConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		agentConn.Close()
	})

	sess := newTestSession(Config{AgentID: "a1", AuthSecret: "fleet-secret", AuthEnabled: true})

	go serveHandshake(t, protocol.NewCodec(serverConn), "fleet-secret")
	assert.NoError(t, sess.handshake(protocol.NewCodec(agentConn)))
}

func TestAgentHandshakeFailsOnSecretMismatch(t *testing.T) {
	serverConn, agentConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		agentConn.Close()
	})

	sess := newTestSession(Config{AgentID: "a1", AuthSecret: "agent-secret", AuthEnabled: true})

	go serveHandshake(t, protocol.NewCodec(serverConn), "server-secret")
	err := sess.handshake(protocol.NewCodec(agentConn))
	require.Error(t, err)
	assert.Contains(t, err.Error(), authn.ErrBadMAC.Error())
}

func TestAppendMotd(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motd")
	sess := newTestSession(Config{MotdFile: path})

	require.NoError(t, sess.appendMotd("maintenance at noon"))
	require.NoError(t, sess.appendMotd("all clear"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "maintenance at noon")
	assert.Contains(t, content, "all clear")
	assert.Contains(t, content, "[broadcast]")
}

func TestAppendMotdDisabledWhenUnconfigured(t *testing.T) {
	sess := newTestSession(Config{})
	assert.NoError(t, sess.appendMotd("ignored"))
}
