package protocol

import (
	"encoding/binary"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*Codec, *Codec) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewCodec(a), NewCodec(b)
}

func TestCodecRoundTrip(t *testing.T) {
	client, server := pipePair(t)

	sent := NewCommand("cmd-1", "ps aux")
	go func() {
		_ = client.Send(sent, time.Second)
	}()

	msg, err := server.Receive(time.Second)
	require.NoError(t, err)

	got, ok := msg.(*Command)
	require.True(t, ok, "expected *Command, got %T", msg)
	assert.Equal(t, "cmd-1", got.CommandID)
	assert.Equal(t, "ps aux", got.Command)
	assert.Equal(t, TypeCommand, got.Kind())
}

func TestCodecRoundTripAllTypes(t *testing.T) {
	client, server := pipePair(t)

	now := time.Now().UTC().Truncate(time.Second)
	messages := []Message{
		HostInfo{Type: TypeHostInfo, AgentID: "a1", Hostname: "h1", Heartbeat: 42, SentAt: now},
		CommandResult{Type: TypeCommandResult, CommandID: "c1", ExitCode: 0, Stdout: "ok\n", FinishedAt: now},
		NewBroadcast("maintenance at noon"),
		AuthChallenge{Type: TypeAuthChallenge, Nonce: "ab12", Ts: now.Unix()},
		AuthResponse{Type: TypeAuthResponse, AgentID: "a1", Nonce: "ab12", Ts: now.Unix(), Mac: "deadbeef"},
		AuthResult{Type: TypeAuthResult, OK: false, Reason: "bad-mac"},
	}

	go func() {
		for _, m := range messages {
			_ = client.Send(m, time.Second)
		}
	}()

	for _, want := range messages {
		got, err := server.Receive(time.Second)
		require.NoError(t, err)
		assert.Equal(t, want.Kind(), got.Kind())
	}
}

func TestCodecRejectsOversizeAnnouncement(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// Announce a frame one byte over the limit.
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
	go func() {
		_, _ = a.Write(prefix[:])
	}()

	_, err := NewCodec(b).Receive(time.Second)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecAcceptsFrameAtLimit(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	// Build a broadcast whose JSON payload is exactly MaxFrameSize bytes.
	probe, err := json.Marshal(NewBroadcast(""))
	require.NoError(t, err)
	padding := MaxFrameSize - len(probe)
	payload, err := json.Marshal(NewBroadcast(strings.Repeat("x", padding)))
	require.NoError(t, err)
	require.Len(t, payload, MaxFrameSize)

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	go func() {
		_, _ = a.Write(prefix[:])
		_, _ = a.Write(payload)
	}()

	msg, err := NewCodec(b).Receive(5 * time.Second)
	require.NoError(t, err)
	got, ok := msg.(*Broadcast)
	require.True(t, ok)
	assert.Len(t, got.Message, padding)
}

func TestCodecRejectsEmptyFrame(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	var prefix [4]byte
	go func() {
		_, _ = a.Write(prefix[:])
	}()

	_, err := NewCodec(b).Receive(time.Second)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestCodecSendRefusesOversizePayload(t *testing.T) {
	a, _ := net.Pipe()
	t.Cleanup(func() { a.Close() })

	big := NewBroadcast(strings.Repeat("x", MaxFrameSize+1))
	err := NewCodec(a).Send(big, time.Second)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCodecReceiveTimesOut(t *testing.T) {
	_, b := pipePair(t)

	start := time.Now()
	_, err := b.Receive(50 * time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte(`{"type":"no_such_type"}`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodePartialFieldsTolerated(t *testing.T) {
	// Older agents may omit fields added later; decoding is lenient.
	msg, err := Decode([]byte(`{"type":"host_info","agent_id":"a1"}`))
	require.NoError(t, err)
	hi, ok := msg.(*HostInfo)
	require.True(t, ok)
	assert.Equal(t, "a1", hi.AgentID)
	assert.Zero(t, hi.Heartbeat)
}
