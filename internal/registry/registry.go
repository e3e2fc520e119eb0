// Package registry maintains the in-memory table of connected agents.
//
// When an agent completes its handshake and sends its first HostInfo, the
// session handler registers it here. The HTTP control plane uses the
// registry to enumerate agents and to enqueue outbound messages; the
// sweeper evicts entries whose agents have gone silent.
//
// All state is in-memory and intentionally non-persistent: if the server
// restarts, agents reconnect and re-register automatically via their
// reconnection loop.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/metrics"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
)

// QueueCapacity bounds each agent's outbound queue. A full queue means the
// agent is not draining frames fast enough; further sends fail with
// ErrBackpressure instead of growing memory.
const QueueCapacity = 64

var (
	// ErrNotFound is returned by Send when no agent with the id is registered.
	ErrNotFound = errors.New("registry: agent not connected")

	// ErrBackpressure is returned by Send when the agent's outbound queue is
	// full. The HTTP layer surfaces it as 503.
	ErrBackpressure = errors.New("registry: agent outbound queue full")
)

// Entry is one live agent session. The session handler that created it owns
// the socket and the writer goroutine; the registry owns only the table
// slot. The queue and cancel handle are fixed at construction — everything
// else is guarded by the registry lock.
type Entry struct {
	agentID string
	queue   chan protocol.Message
	cancel  context.CancelFunc

	// Guarded by the owning Registry's mutex.
	hostInfo protocol.HostInfo
	lastSeen time.Time
}

// NewEntry creates an entry for a freshly registered session. cancel is the
// session's cancellation handle: the registry signals it when the entry is
// replaced by a reconnect or evicted by the sweeper. Cancellation is
// idempotent.
func NewEntry(agentID string, cancel context.CancelFunc) *Entry {
	return &Entry{
		agentID: agentID,
		queue:   make(chan protocol.Message, QueueCapacity),
		cancel:  cancel,
	}
}

// AgentID returns the registry key for this entry.
func (e *Entry) AgentID() string { return e.agentID }

// Outbound returns the channel the session's writer goroutine drains.
func (e *Entry) Outbound() <-chan protocol.Message { return e.queue }

// Registry is the concurrent agent table. Safe for use by the session
// handlers, the HTTP layer, and the sweeper simultaneously. The zero value
// is not usable — create instances with New.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty Registry.
func New(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		logger:  logger.Named("registry"),
		metrics: m,
	}
}

// Register installs entry with the given first HostInfo, replacing any
// existing entry for the same agent id. The replaced entry's session is
// cancelled (its writer drains and the socket closes) and its queued
// messages are discarded. Install and replace happen atomically under the
// write lock.
func (r *Registry) Register(entry *Entry, info protocol.HostInfo) {
	r.mu.Lock()
	prior := r.entries[entry.agentID]
	entry.hostInfo = info
	entry.lastSeen = time.Now()
	r.entries[entry.agentID] = entry
	total := len(r.entries)
	r.mu.Unlock()

	if prior != nil {
		// Reconnect raced ahead of the old session's teardown (network blip
		// or an ungraceful kill). The old handler notices the cancellation
		// and closes without touching the new entry.
		prior.cancel()
		r.logger.Warn("replacing existing agent session",
			zap.String("agent_id", entry.agentID),
			zap.String("hostname", info.Hostname),
		)
	}

	r.metrics.ConnectedAgents.Set(float64(total))
	r.logger.Info("agent registered",
		zap.String("agent_id", entry.agentID),
		zap.String("hostname", info.Hostname),
		zap.Int("total_connected", total),
	)
}

// Heartbeat records a subsequent HostInfo for an already registered entry.
// last_seen is monotonically non-decreasing. Returns false if the entry is
// no longer the one installed for this agent id (it was replaced or swept),
// in which case the caller's session should shut down.
func (r *Registry) Heartbeat(entry *Entry, info protocol.HostInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[entry.agentID] != entry {
		return false
	}
	entry.hostInfo = info
	if now := time.Now(); now.After(entry.lastSeen) {
		entry.lastSeen = now
	}
	return true
}

// Remove deletes entry from the table if it is still the installed entry
// for its agent id — identity equality, so a handler tearing down late
// never removes the entry of a session that superseded it. The entry's
// session is cancelled either way.
func (r *Registry) Remove(entry *Entry) {
	r.mu.Lock()
	owned := r.entries[entry.agentID] == entry
	if owned {
		delete(r.entries, entry.agentID)
	}
	total := len(r.entries)
	r.mu.Unlock()

	entry.cancel()

	if owned {
		r.metrics.ConnectedAgents.Set(float64(total))
		r.logger.Info("agent deregistered",
			zap.String("agent_id", entry.agentID),
			zap.Int("total_connected", total),
		)
	}
}

// Clients returns a snapshot of the latest HostInfo per connected agent,
// keyed by agent id. The copy is taken under the read lock; mutations after
// return are not reflected.
func (r *Registry) Clients() map[string]protocol.HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]protocol.HostInfo, len(r.entries))
	for id, e := range r.entries {
		out[id] = e.hostInfo
	}
	return out
}

// Count returns the current number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Send enqueues msg to the agent's outbound queue. It never blocks: a full
// queue returns ErrBackpressure, an unknown agent returns ErrNotFound.
func (r *Registry) Send(agentID string, msg protocol.Message) error {
	r.mu.RLock()
	entry, ok := r.entries[agentID]
	r.mu.RUnlock()

	if !ok {
		return ErrNotFound
	}

	select {
	case entry.queue <- msg:
		return nil
	default:
		return ErrBackpressure
	}
}

// Broadcast enqueues msg to every connected agent. Per-agent failures are
// counted, never fatal: a slow agent drops its copy, the rest still get
// theirs. Returns how many enqueues succeeded and failed.
func (r *Registry) Broadcast(msg protocol.Message) (sent, failed int) {
	r.mu.RLock()
	targets := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	for _, e := range targets {
		select {
		case e.queue <- msg:
			sent++
			r.metrics.BroadcastsSent.Inc()
		default:
			failed++
			r.logger.Warn("broadcast dropped for slow agent",
				zap.String("agent_id", e.agentID),
			)
		}
	}
	return sent, failed
}

// Sweep evicts every entry whose last_seen is older than maxAge. Evicted
// sessions are cancelled. Called periodically by the server's sweeper job.
func (r *Registry) Sweep(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	var stale []*Entry
	for id, e := range r.entries {
		if e.lastSeen.Before(cutoff) {
			stale = append(stale, e)
			delete(r.entries, id)
		}
	}
	total := len(r.entries)
	r.mu.Unlock()

	if len(stale) == 0 {
		return
	}

	for _, e := range stale {
		e.cancel()
		r.logger.Info("swept stale agent",
			zap.String("agent_id", e.agentID),
			zap.Time("last_seen", e.lastSeen),
		)
	}
	r.metrics.ConnectedAgents.Set(float64(total))
}

// Shutdown cancels every session. Used during graceful server shutdown,
// after the accept loops have stopped.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		e.cancel()
	}
	r.metrics.ConnectedAgents.Set(0)
}
