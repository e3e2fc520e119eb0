package api

import (
	_ "embed"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

//go:embed ui.html
var uiHTML []byte

// RouterConfig holds everything needed to build the operator router.
type RouterConfig struct {
	Handlers *Handlers
	Logger   *zap.Logger

	// AuthToken protects /api/*. Empty disables API auth — a startup
	// warning is logged because that is a dev-only posture.
	AuthToken string

	// MetricsHandler serves GET /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler
}

// NewRouter builds the fully configured Chi router for the operator port.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.AuthToken == "" {
		cfg.Logger.Warn("OPS_AUTH_TOKEN not set — /api/* is unauthenticated (dev mode)")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	// Server-wide request ceiling from the resource model.
	r.Use(middleware.Timeout(60 * time.Second))

	h := cfg.Handlers

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(uiHTML)
	})
	r.Get("/health", h.Health)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(cfg.AuthToken))

		r.Get("/clients", h.Clients)
		r.Get("/stats", h.Stats)
		r.Get("/predefined-commands", h.PredefinedCommands)
		r.Post("/send-message", h.SendMessage)
		r.Post("/send-command", h.SendCommand)
		r.Get("/command-result", h.CommandResult)
		r.Get("/client-history", h.ClientHistory)
	})

	return r
}
