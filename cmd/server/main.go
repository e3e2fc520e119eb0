// Package main is the entry point for the opsfleet-server binary.
//
// Startup sequence:
//  1. Resolve configuration (flags > TOML file > environment > defaults)
//  2. Build logger
//  3. Build registry, completion store, validator, metrics
//  4. Start the agent-facing TCP listener and the operator HTTP server
//  5. Start the sweeper jobs (registry liveness, completion-store TTL)
//  6. Block until SIGINT/SIGTERM, then graceful shutdown: accept loops
//     stop first, then sweepers, then a bounded drain of open sessions
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/api"
	"github.com/opsfleet-io/opsfleet/internal/config"
	"github.com/opsfleet-io/opsfleet/internal/metrics"
	"github.com/opsfleet-io/opsfleet/internal/policy"
	"github.com/opsfleet-io/opsfleet/internal/registry"
	"github.com/opsfleet-io/opsfleet/internal/session"
	"github.com/opsfleet-io/opsfleet/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Exit codes: 0 normal, 1 configuration error, 2 fatal runtime error.
const (
	exitConfig  = 1
	exitRuntime = 2
)

// codedError carries the process exit code alongside the error.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

// drainTimeout bounds how long shutdown waits for open agent sessions.
const drainTimeout = 5 * time.Second

type flags struct {
	configPath string
	host       string
	tcpPort    int
	httpPort   int
	logLevel   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitRuntime)
	}
}

func newRootCmd() *cobra.Command {
	fl := &flags{}

	root := &cobra.Command{
		Use:   "opsfleet-server",
		Short: "opsfleet server — central operations control plane",
		Long: `opsfleet server accepts long-lived TCP connections from a fleet of
agents, tracks their liveness, and exposes an HTTP API and browser UI
for dispatching commands and broadcasts to them.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(fl.configPath)
			if err != nil {
				return &codedError{code: exitConfig, err: err}
			}
			applyFlags(cmd, fl, &cfg)

			if err := run(cmd.Context(), cfg); err != nil {
				return &codedError{code: exitRuntime, err: err}
			}
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&fl.configPath, "config", "", "Path to TOML configuration file")
	root.PersistentFlags().StringVar(&fl.host, "host", "", "Bind address for both listeners (overrides config)")
	root.PersistentFlags().IntVar(&fl.tcpPort, "tcp-port", 0, "Agent-facing TCP port (overrides config)")
	root.PersistentFlags().IntVar(&fl.httpPort, "http-port", 0, "Operator HTTP port (overrides config)")
	root.PersistentFlags().StringVar(&fl.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return root
}

// applyFlags copies explicitly passed flags over the resolved config,
// completing the precedence ladder: CLI > file > env > default.
func applyFlags(cmd *cobra.Command, fl *flags, cfg *config.Server) {
	if cmd.Flags().Changed("host") {
		cfg.TCPBindAddr = fl.host
		cfg.HTTPBindAddr = fl.host
	}
	if cmd.Flags().Changed("tcp-port") {
		cfg.TCPPort = fl.tcpPort
	}
	if cmd.Flags().Changed("http-port") {
		cfg.HTTPPort = fl.httpPort
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = fl.logLevel
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsfleet-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Server) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting opsfleet server",
		zap.String("version", version),
		zap.String("tcp_addr", fmt.Sprintf("%s:%d", cfg.TCPBindAddr, cfg.TCPPort)),
		zap.String("http_addr", fmt.Sprintf("%s:%d", cfg.HTTPBindAddr, cfg.HTTPPort)),
		zap.Bool("tcp_auth_enabled", cfg.TCPAuthEnabled),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	m := metrics.New()
	reg := registry.New(logger, m)
	st := store.New(cfg.ResultTTL.Std(), cfg.HistoryLimit, logger)
	validator := policy.New(cfg.AllowedCommands, cfg.AllowedScriptDirs, cfg.AllowedScriptExtensions)

	// --- Agent-facing TCP listener ---
	tcpSrv := session.NewServer(session.Config{
		BindAddr:       cfg.TCPBindAddr,
		Port:           cfg.TCPPort,
		MaxConnections: cfg.MaxConnections,
		ClientTimeout:  cfg.ClientTimeout.Std(),
		AuthEnabled:    cfg.TCPAuthEnabled,
		AuthSecret:     cfg.TCPAuthSecret,
	}, reg, st, m, logger)

	go func() {
		if err := tcpSrv.ListenAndServe(ctx); err != nil {
			logger.Error("tcp server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Operator HTTP server ---
	handlers := api.NewHandlers(reg, st, validator, m, logger)
	router := api.NewRouter(api.RouterConfig{
		Handlers:       handlers,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		MetricsHandler: m.Handler(),
	})

	httpSrv := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTPBindAddr, fmt.Sprintf("%d", cfg.HTTPPort)),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	// --- Sweepers ---
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create sweeper scheduler: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.CleanupInterval.Std()),
		gocron.NewTask(func() { reg.Sweep(cfg.ClientTimeout.Std()) }),
	); err != nil {
		return fmt.Errorf("failed to schedule registry sweeper: %w", err)
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(cfg.CleanupInterval.Std()),
		gocron.NewTask(st.Sweep),
	); err != nil {
		return fmt.Errorf("failed to schedule store sweeper: %w", err)
	}
	sched.Start()

	// --- Wait for shutdown signal ---
	<-ctx.Done()
	logger.Info("shutting down opsfleet server")

	// Accept loops first: the TCP listener closes with ctx, the HTTP server
	// gets a bounded graceful window.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	// Then sweepers, then the session drain.
	if err := sched.Shutdown(); err != nil {
		logger.Warn("sweeper shutdown error", zap.Error(err))
	}
	reg.Shutdown()
	tcpSrv.Drain(drainTimeout)

	logger.Info("opsfleet server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
