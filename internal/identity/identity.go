// Package identity manages the agent's persistent identity: a UUID
// generated on first start and written to a local file so every subsequent
// run (and every reconnect) presents the same id to the server.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreate returns the agent id stored at path, creating and persisting
// a fresh UUIDv4 if the file does not exist. A file that exists but does
// not contain a valid UUID is an error rather than silently regenerated —
// replacing an identity severs the agent from its server-side history, so
// that decision is left to the operator.
func LoadOrCreate(path string) (string, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		id := strings.TrimSpace(string(data))
		if _, parseErr := uuid.Parse(id); parseErr != nil {
			return "", fmt.Errorf("identity: %s does not contain a valid UUID: %w", path, parseErr)
		}
		return id, nil
	case errors.Is(err, os.ErrNotExist):
		// First start — fall through to generation.
	default:
		return "", fmt.Errorf("identity: read %s: %w", path, err)
	}

	id := uuid.NewString()
	if err := write(path, id); err != nil {
		return "", err
	}
	return id, nil
}

// write persists the id atomically via temp file + rename, matching how
// the rest of the system treats on-disk state.
func write(path, id string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("identity: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "client_id.*.tmp")
	if err != nil {
		return fmt.Errorf("identity: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("identity: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("identity: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("identity: rename into place: %w", err)
	}
	ok = true
	return nil
}
