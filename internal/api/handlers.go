package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/metrics"
	"github.com/opsfleet-io/opsfleet/internal/policy"
	"github.com/opsfleet-io/opsfleet/internal/protocol"
	"github.com/opsfleet-io/opsfleet/internal/registry"
	"github.com/opsfleet-io/opsfleet/internal/store"
)

// Handlers carries the control-plane dependencies shared by all endpoints.
type Handlers struct {
	registry  *registry.Registry
	store     *store.Store
	validator *policy.Validator
	metrics   *metrics.Metrics
	logger    *zap.Logger
	startedAt time.Time
}

// NewHandlers builds the endpoint set.
func NewHandlers(reg *registry.Registry, st *store.Store, v *policy.Validator, m *metrics.Metrics, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry:  reg,
		store:     st,
		validator: v,
		metrics:   m,
		logger:    logger.Named("api"),
		startedAt: time.Now(),
	}
}

// Health implements GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Clients implements GET /api/clients: the latest HostInfo per connected
// agent, keyed by agent id.
func (h *Handlers) Clients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"clients": h.registry.Clients(),
	})
}

// Stats implements GET /api/stats: a small operational summary for the UI
// header.
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	pending, finished := h.store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"connected_agents":   h.registry.Count(),
		"pending_commands":   pending,
		"finished_commands":  finished,
		"uptime_seconds":     int64(time.Since(h.startedAt).Seconds()),
	})
}

// PredefinedCommands implements GET /api/predefined-commands: the static
// command catalog the UI renders as quick actions.
func (h *Handlers) PredefinedCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": predefinedCategories,
	})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessage implements POST /api/send-message: a fire-and-forget
// broadcast to every connected agent. Per-agent enqueue failures are
// reported in the summary, never as an error status.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeReason(w, http.StatusBadRequest, "empty_message")
		return
	}

	sent, failed := h.registry.Broadcast(protocol.NewBroadcast(req.Message))
	h.logger.Info("broadcast submitted",
		zap.Int("sent", sent),
		zap.Int("failed", failed),
	)
	writeJSON(w, http.StatusOK, map[string]int{"sent": sent, "failed": failed})
}

type sendCommandRequest struct {
	ClientID string `json:"client_id"`
	Command  string `json:"command"`
}

// SendCommand implements POST /api/send-command. The admission policy runs
// here, before the registry is touched; the agent re-validates with the
// same rules before execution.
func (h *Handlers) SendCommand(w http.ResponseWriter, r *http.Request) {
	var req sendCommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClientID == "" {
		writeReason(w, http.StatusBadRequest, "missing_client_id")
		return
	}

	commandID := uuid.NewString()

	sanitized, rej := h.validator.Validate(req.Command)
	if rej != nil {
		// The rejection is recorded so history shows it, then surfaced to
		// the operator with the same reason code.
		h.store.InsertRejected(commandID, req.ClientID, req.Command, rej.Reason)
		h.metrics.CommandsRejected.WithLabelValues(rej.Reason).Inc()
		h.logger.Warn("command rejected",
			zap.String("client_id", req.ClientID),
			zap.String("reason", rej.Reason),
		)
		writeReason(w, http.StatusBadRequest, rej.Reason)
		return
	}

	h.store.Insert(commandID, req.ClientID, sanitized)

	err := h.registry.Send(req.ClientID, protocol.NewCommand(commandID, sanitized))
	switch {
	case errors.Is(err, registry.ErrNotFound):
		h.store.Delete(commandID)
		writeReason(w, http.StatusNotFound, "client_not_connected")
		return
	case errors.Is(err, registry.ErrBackpressure):
		h.store.Delete(commandID)
		h.logger.Warn("command dropped on backpressure",
			zap.String("client_id", req.ClientID),
		)
		writeReason(w, http.StatusServiceUnavailable, "backpressure")
		return
	}

	h.metrics.CommandsDispatched.Inc()
	h.logger.Info("command dispatched",
		zap.String("client_id", req.ClientID),
		zap.String("command_id", commandID),
	)
	writeJSON(w, http.StatusOK, map[string]string{"command_id": commandID})
}

// CommandResult implements GET /api/command-result?command_id=…
func (h *Handlers) CommandResult(w http.ResponseWriter, r *http.Request) {
	commandID := r.URL.Query().Get("command_id")
	if commandID == "" {
		writeReason(w, http.StatusBadRequest, "missing_command_id")
		return
	}

	rec, err := h.store.Get(commandID)
	if err != nil {
		writeReason(w, http.StatusNotFound, "command_not_found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// ClientHistory implements GET /api/client-history?client_id=…&limit=…
func (h *Handlers) ClientHistory(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		writeReason(w, http.StatusBadRequest, "missing_client_id")
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeReason(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"commands": h.store.History(clientID, limit),
	})
}
