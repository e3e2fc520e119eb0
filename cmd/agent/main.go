// Package main is the entry point for the opsfleet-agent binary.
//
// Startup sequence:
//  1. Resolve configuration (flags > TOML file > environment > defaults)
//  2. Build logger
//  3. Load or generate the persistent agent identity
//  4. Build the host-info collector and the command executor
//  5. Run the connect-handshake-heartbeat loop until signalled
//
// Exit codes: 0 normal, 1 configuration error, 2 fatal runtime error,
// 3 retry budget exhausted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsfleet-io/opsfleet/internal/agent"
	"github.com/opsfleet-io/opsfleet/internal/config"
	"github.com/opsfleet-io/opsfleet/internal/hostinfo"
	"github.com/opsfleet-io/opsfleet/internal/identity"
	"github.com/opsfleet-io/opsfleet/internal/policy"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	exitConfig         = 1
	exitRuntime        = 2
	exitRetryExhausted = 3
)

type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

type flags struct {
	configPath        string
	host              string
	port              int
	heartbeatInterval string
	logLevel          string
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
		Use:   "opsfleet-agent",
		Short: "opsfleet agent — managed-host agent for the opsfleet control plane",
		Long: `opsfleet agent runs on each managed host. It maintains one TCP session
to the opsfleet server, reports host information on a heartbeat, and
executes commands that pass the local admission policy.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAgent(fl.configPath)
			if err != nil {
				return &codedError{code: exitConfig, err: err}
			}
			if err := applyFlags(cmd, fl, &cfg); err != nil {
				return &codedError{code: exitConfig, err: err}
			}

			err = run(cmd.Context(), cfg)
			switch {
			case errors.Is(err, agent.ErrRetriesExhausted):
				return &codedError{code: exitRetryExhausted, err: err}
			case err != nil:
				return &codedError{code: exitRuntime, err: err}
			}
			return nil
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&fl.configPath, "config", "", "Path to TOML configuration file")
	root.PersistentFlags().StringVar(&fl.host, "host", "", "Server host (overrides config)")
	root.PersistentFlags().IntVar(&fl.port, "port", 0, "Server TCP port (overrides config)")
	root.PersistentFlags().StringVar(&fl.heartbeatInterval, "heartbeat-interval", "", "Heartbeat interval, e.g. 3s (overrides config)")
	root.PersistentFlags().StringVar(&fl.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	return root
}

func applyFlags(cmd *cobra.Command, fl *flags, cfg *config.Agent) error {
	if cmd.Flags().Changed("host") {
		cfg.ServerHost = fl.host
	}
	if cmd.Flags().Changed("port") {
		cfg.ServerPort = fl.port
	}
	if cmd.Flags().Changed("heartbeat-interval") {
		var d config.Duration
		if err := d.UnmarshalText([]byte(fl.heartbeatInterval)); err != nil {
			return err
		}
		cfg.HeartbeatInterval = d
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = fl.logLevel
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("opsfleet-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg config.Agent) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if !cfg.TCPAuthEnabled {
		logger.Warn("TCP auth disabled — the session is unauthenticated (set OPS_TCP_AUTH_ENABLED in production)")
	}

	agentID, err := identity.LoadOrCreate(cfg.ClientIDFile)
	if err != nil {
		return err
	}

	logger.Info("starting opsfleet agent",
		zap.String("version", version),
		zap.String("agent_id", agentID),
		zap.String("server", net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort))),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	collector := hostinfo.New(agentID, cfg.AppScanDir)
	validator := policy.New(cfg.AllowedCommands, cfg.AllowedScriptDirs, cfg.AllowedScriptExtensions)
	executor := agent.NewExecutor(validator, logger)

	sess := agent.New(agent.Config{
		ServerAddr:        net.JoinHostPort(cfg.ServerHost, fmt.Sprintf("%d", cfg.ServerPort)),
		AgentID:           agentID,
		AuthEnabled:       cfg.TCPAuthEnabled,
		AuthSecret:        cfg.TCPAuthSecret,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		RetryBaseDelay:    cfg.RetryBaseDelay.Std(),
		RetryMaxDelay:     cfg.RetryMaxDelay.Std(),
		MotdFile:          cfg.MotdFile,
	}, collector, executor, logger)

	if err := sess.Run(ctx); err != nil {
		return err
	}

	logger.Info("opsfleet agent stopped")
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
