// Package protocol defines the wire messages exchanged between the opsfleet
// server and its agents, and the framed codec that carries them.
//
// Every message is a flat JSON object with a "type" discriminator field.
// A frame on the wire is a 4-byte big-endian length prefix followed by that
// many bytes of JSON. The codec in codec.go is the only place that touches
// the socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed wraps every Decode failure: bad JSON or an unknown type
// discriminator. The frame itself was read successfully, so session layers
// may treat this as droppable once a peer is registered, while it is fatal
// during the handshake.
var ErrMalformed = errors.New("protocol: malformed message")

// Type discriminates wire messages. It is the value of the "type" field
// present in every frame.
type Type string

const (
	// Agent → server.
	TypeHostInfo      Type = "host_info"
	TypeCommandResult Type = "command_result"
	TypeAuthResponse  Type = "auth_response"

	// Server → agent.
	TypeCommand       Type = "command"
	TypeBroadcast     Type = "broadcast"
	TypeAuthChallenge Type = "auth_challenge"
	TypeAuthResult    Type = "auth_result"
)

// Message is implemented by every wire message type. Kind returns the
// discriminator that Decode switches on; it must match the struct's Type
// field, which the constructors below guarantee.
type Message interface {
	Kind() Type
}

// AppVersion is one discovered application on the agent host. The server
// treats these as opaque metadata and only displays them.
type AppVersion struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HostInfo is the periodic heartbeat payload. The first HostInfo after a
// handshake doubles as the registration signal.
type HostInfo struct {
	Type        Type         `json:"type"`
	AgentID     string       `json:"agent_id"`
	Hostname    string       `json:"hostname"`
	OS          string       `json:"os"`
	OSVersion   string       `json:"os_version"`
	Kernel      string       `json:"kernel"`
	Arch        string       `json:"arch"`
	CPUCount    int          `json:"cpu_count"`
	MemoryTotal uint64       `json:"memory_total"`
	LocalIP     string       `json:"local_ip"`
	UptimeSecs  uint64       `json:"uptime_seconds"`
	Heartbeat   uint64       `json:"heartbeat"`
	SentAt      time.Time    `json:"sent_at"`
	Apps        []AppVersion `json:"apps,omitempty"`
}

func (HostInfo) Kind() Type { return TypeHostInfo }

// Command instructs the agent to execute a validated shell command.
type Command struct {
	Type      Type   `json:"type"`
	CommandID string `json:"command_id"`
	Command   string `json:"command"`
}

func (Command) Kind() Type { return TypeCommand }

// NewCommand builds a Command message ready for sending.
func NewCommand(commandID, command string) Command {
	return Command{Type: TypeCommand, CommandID: commandID, Command: command}
}

// CommandResult carries the outcome of a single command execution.
// ExitCode is -1 for admission-policy rejections and -2 for executions
// killed by the wall-clock timeout.
type CommandResult struct {
	Type       Type      `json:"type"`
	CommandID  string    `json:"command_id"`
	ExitCode   int       `json:"exit_code"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	FinishedAt time.Time `json:"finished_at"`
}

func (CommandResult) Kind() Type { return TypeCommandResult }

// Broadcast is a free-form operator message delivered to agents.
// Delivery is fire-and-forget; agents persist it locally (motd file).
type Broadcast struct {
	Type    Type   `json:"type"`
	Message string `json:"message"`
}

func (Broadcast) Kind() Type { return TypeBroadcast }

// NewBroadcast builds a Broadcast message ready for sending.
func NewBroadcast(message string) Broadcast {
	return Broadcast{Type: TypeBroadcast, Message: message}
}

// AuthChallenge opens the handshake. Nonce is 16 random bytes hex-encoded,
// Ts is server wall-clock seconds.
type AuthChallenge struct {
	Type  Type   `json:"type"`
	Nonce string `json:"nonce"`
	Ts    int64  `json:"ts"`
}

func (AuthChallenge) Kind() Type { return TypeAuthChallenge }

// AuthResponse answers a challenge. Mac is
// HMAC-SHA256(secret, agent_id ":" nonce ":" ts) hex-encoded.
type AuthResponse struct {
	Type    Type   `json:"type"`
	AgentID string `json:"agent_id"`
	Nonce   string `json:"nonce"`
	Ts      int64  `json:"ts"`
	Mac     string `json:"mac"`
}

func (AuthResponse) Kind() Type { return TypeAuthResponse }

// AuthResult closes the handshake. Reason is set only on failure and never
// contains secret material.
type AuthResult struct {
	Type   Type   `json:"type"`
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func (AuthResult) Kind() Type { return TypeAuthResult }

// envelope is used to peek at the discriminator before full decoding.
type envelope struct {
	Type Type `json:"type"`
}

// Decode parses a single frame payload into its concrete message type.
// Unknown discriminators and malformed JSON return an error; the session
// layer decides whether that is fatal (during handshake) or droppable
// (once registered).
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	switch env.Type {
	case TypeHostInfo:
		msg = &HostInfo{}
	case TypeCommand:
		msg = &Command{}
	case TypeCommandResult:
		msg = &CommandResult{}
	case TypeBroadcast:
		msg = &Broadcast{}
	case TypeAuthChallenge:
		msg = &AuthChallenge{}
	case TypeAuthResponse:
		msg = &AuthResponse{}
	case TypeAuthResult:
		msg = &AuthResult{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: bad %s frame: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}
