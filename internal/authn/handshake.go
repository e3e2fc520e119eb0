// Package authn implements the shared-secret challenge/response handshake
// that mutually authenticates agents and server on a fresh TCP session.
//
// The handshake authenticates but does not encrypt: deployments that need
// confidentiality add transport crypto below this layer. The MAC is
// HMAC-SHA256 over "agent_id:nonce:ts" and is always compared in constant
// time.
package authn

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxClockSkew is the accepted difference between the challenge timestamp
// and the verifier's clock. Challenges older (or newer) than this are
// rejected as expired.
const MaxClockSkew = 30 * time.Second

const nonceBytes = 16

// Handshake failure reasons. These travel in the AuthResult frame and in
// logs; they never include the secret or the expected MAC.
var (
	ErrExpired       = errors.New("expired")
	ErrNonceMismatch = errors.New("nonce-mismatch")
	ErrBadMAC        = errors.New("bad-mac")
)

// NewNonce returns a fresh 16-byte nonce, hex-encoded.
func NewNonce() (string, error) {
	buf := make([]byte, nonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("authn: generate nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ComputeMAC produces the hex-encoded response MAC for a challenge.
// Used by the agent to answer and by the server to verify.
func ComputeMAC(secret, agentID, nonce string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(agentID))
	mac.Write([]byte(":"))
	mac.Write([]byte(nonce))
	mac.Write([]byte(":"))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an agent's handshake response against the nonce the server
// issued on this connection. now is injected for testability.
//
// The checks run in a fixed order: timestamp freshness, nonce equality,
// MAC equality. The returned error is one of the reason sentinels above.
func Verify(secret, agentID, issuedNonce, gotNonce, gotMAC string, ts int64, now time.Time) error {
	skew := now.Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return ErrExpired
	}

	if gotNonce != issuedNonce {
		return ErrNonceMismatch
	}

	want, err := hex.DecodeString(ComputeMAC(secret, agentID, gotNonce, ts))
	if err != nil {
		return ErrBadMAC
	}
	got, err := hex.DecodeString(gotMAC)
	if err != nil {
		return ErrBadMAC
	}
	if !hmac.Equal(want, got) {
		return ErrBadMAC
	}
	return nil
}
