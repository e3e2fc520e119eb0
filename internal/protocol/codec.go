package protocol

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// MaxFrameSize is the largest accepted frame payload. A peer announcing
	// a larger frame is speaking a different protocol or misbehaving; the
	// connection is closed.
	MaxFrameSize = 1 << 20 // 1 MiB

	// lenPrefixSize is the byte width of the big-endian length prefix.
	lenPrefixSize = 4
)

var (
	// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize in
	// either direction. Callers must treat it as fatal for the connection.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

	// ErrEmptyFrame is returned when a peer announces a zero-length frame.
	ErrEmptyFrame = errors.New("protocol: empty frame")
)

// Codec frames and parses JSON messages on a byte stream. It owns the
// connection's read buffering; nothing else may read from or write to the
// underlying conn while a Codec is in use.
//
// Codec is not safe for concurrent Send or concurrent Receive. The session
// layers guarantee a single writer and a single reader per connection.
type Codec struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewCodec wraps conn. The caller retains ownership of the connection and
// is responsible for closing it.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{conn: conn, r: bufio.NewReader(conn)}
}

// Send marshals msg and writes it as a single length-prefixed frame.
// timeout bounds the whole write; zero means no deadline.
func (c *Codec) Send(msg Message, timeout time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal %s: %w", msg.Kind(), err)
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	frame := make([]byte, lenPrefixSize+len(payload))
	binary.BigEndian.PutUint32(frame[:lenPrefixSize], uint32(len(payload)))
	copy(frame[lenPrefixSize:], payload)

	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return fmt.Errorf("protocol: set write deadline: %w", err)
		}
		defer c.conn.SetWriteDeadline(time.Time{}) //nolint:errcheck
	}

	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("protocol: write frame: %w", err)
	}
	return nil
}

// Receive reads one frame and decodes it. timeout bounds the whole read
// (prefix and payload together); zero means no deadline. Partial reads are
// accumulated by io.ReadFull — there is no delimiter sniffing.
func (c *Codec) Receive(timeout time.Duration) (Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("protocol: set read deadline: %w", err)
		}
		defer c.conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	var prefix [lenPrefixSize]byte
	if _, err := io.ReadFull(c.r, prefix[:]); err != nil {
		return nil, fmt.Errorf("protocol: read frame prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("protocol: read frame payload: %w", err)
	}

	return Decode(payload)
}
