// Package store holds command records from submission to expiry: the
// completion store the operator UI polls for results, plus the bounded
// per-agent history index behind the client-history endpoint.
//
// Like the registry, the store is in-memory only. Records expire a fixed
// TTL after they finish; unfinished records for agents that vanish are
// garbage-collected once their submission age exceeds the same TTL.
package store

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the lifecycle position of a command record.
type State string

const (
	// StatePending: accepted by the HTTP layer, enqueued (or about to be)
	// to the agent, no result yet.
	StatePending State = "pending"

	// StateCompleted: a matching CommandResult arrived from the agent that
	// the command was sent to.
	StateCompleted State = "completed"

	// StateRejected: the server-side admission policy refused the command.
	// Kept so the operator history shows the rejection.
	StateRejected State = "rejected"
)

var (
	// ErrNotFound is returned when no record exists for a command id.
	ErrNotFound = errors.New("store: no such command")

	// ErrAgentMismatch is returned when a CommandResult's sender is not the
	// agent the command was dispatched to. The result is dropped.
	ErrAgentMismatch = errors.New("store: result sender does not match command agent")
)

// Record is one command's lifecycle. Result fields are set only once the
// record leaves StatePending.
type Record struct {
	CommandID   string    `json:"command_id"`
	AgentID     string    `json:"agent_id"`
	CommandText string    `json:"command"`
	SubmittedAt time.Time `json:"submitted_at"`
	State       State     `json:"state"`

	ExitCode   *int       `json:"exit_code,omitempty"`
	Stdout     string     `json:"stdout,omitempty"`
	Stderr     string     `json:"stderr,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// Store is the concurrent command-record table. Safe for use by the HTTP
// layer, the session handlers, and the TTL sweeper simultaneously. The
// zero value is not usable — create instances with New.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record

	// history maps agent id to command ids, oldest first, capped at
	// historyLimit. Ids stay listed even after the record itself expires;
	// History filters those out on read.
	history      map[string][]string
	historyLimit int

	ttl    time.Duration
	logger *zap.Logger
}

// New creates an empty Store. ttl is how long finished records remain
// queryable; historyLimit caps the per-agent index.
func New(ttl time.Duration, historyLimit int, logger *zap.Logger) *Store {
	return &Store{
		records:      make(map[string]*Record),
		history:      make(map[string][]string),
		historyLimit: historyLimit,
		ttl:          ttl,
		logger:       logger.Named("store"),
	}
}

// Insert adds a pending record for a freshly accepted command.
func (s *Store) Insert(commandID, agentID, commandText string) {
	s.put(&Record{
		CommandID:   commandID,
		AgentID:     agentID,
		CommandText: commandText,
		SubmittedAt: time.Now().UTC(),
		State:       StatePending,
	})
}

// InsertRejected records a command the server-side validator refused, so
// rejections are visible in history alongside executions.
func (s *Store) InsertRejected(commandID, agentID, commandText, reason string) {
	now := time.Now().UTC()
	s.put(&Record{
		CommandID:   commandID,
		AgentID:     agentID,
		CommandText: commandText,
		SubmittedAt: now,
		State:       StateRejected,
		FinishedAt:  &now,
		Error:       reason,
	})
}

func (s *Store) put(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.CommandID] = rec

	ids := append(s.history[rec.AgentID], rec.CommandID)
	if len(ids) > s.historyLimit {
		ids = ids[len(ids)-s.historyLimit:]
	}
	s.history[rec.AgentID] = ids
}

// Delete removes a record outright. Used when dispatch fails after the
// pending record was inserted (agent vanished between validation and send).
func (s *Store) Delete(commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[commandID]
	if !ok {
		return
	}
	delete(s.records, commandID)

	ids := s.history[rec.AgentID]
	for i, id := range ids {
		if id == commandID {
			s.history[rec.AgentID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// Complete transitions a pending record to completed with the agent's
// result. agentID must match the agent the command was dispatched to —
// results from anyone else are refused with ErrAgentMismatch.
func (s *Store) Complete(commandID, agentID string, exitCode int, stdout, stderr string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[commandID]
	if !ok {
		return ErrNotFound
	}
	if rec.AgentID != agentID {
		return ErrAgentMismatch
	}
	if rec.State != StatePending {
		// Duplicate or late result — first write wins.
		return nil
	}

	rec.State = StateCompleted
	rec.ExitCode = &exitCode
	rec.Stdout = stdout
	rec.Stderr = stderr
	ts := finishedAt.UTC()
	rec.FinishedAt = &ts
	return nil
}

// Get returns a copy of the record for commandID.
func (s *Store) Get(commandID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[commandID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

// History returns up to limit of the agent's most recent records, newest
// first. limit <= 0 or above the store's cap falls back to the cap.
func (s *Store) History(agentID string, limit int) []Record {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.history[agentID]
	out := make([]Record, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if rec, ok := s.records[ids[i]]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

// Counts returns the number of pending and finished records, for the stats
// endpoint.
func (s *Store) Counts() (pending, finished int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rec := range s.records {
		if rec.State == StatePending {
			pending++
		} else {
			finished++
		}
	}
	return pending, finished
}

// Sweep garbage-collects records whose finished_at (or, for records that
// never finished, submitted_at) is older than the TTL. Called periodically
// by the server's sweeper job.
func (s *Store) Sweep() {
	cutoff := time.Now().Add(-s.ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.records {
		ref := rec.SubmittedAt
		if rec.FinishedAt != nil {
			ref = *rec.FinishedAt
		}
		if ref.Before(cutoff) {
			delete(s.records, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("expired command records", zap.Int("removed", removed))
	}
}
