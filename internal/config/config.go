// Package config resolves server and agent configuration from, in rising
// precedence: built-in defaults, OPS_* environment variables, an optional
// TOML file (--config), and CLI flags. The flag layer is applied by the
// cobra commands (applyFlags in each cmd) so only flags the operator
// actually passed take effect.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML either as a Go
// duration string ("30s", "5m") or as a bare number of seconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Server holds the full server configuration after resolution.
type Server struct {
	TCPBindAddr string `toml:"tcp_bind_addr"`
	TCPPort     int    `toml:"tcp_port"`

	HTTPBindAddr string `toml:"http_bind_addr"`
	HTTPPort     int    `toml:"http_port"`

	CleanupInterval Duration `toml:"cleanup_interval"`
	ClientTimeout   Duration `toml:"client_timeout"`
	MaxConnections  int      `toml:"max_connections"`

	AuthToken string `toml:"auth_token"`

	TCPAuthEnabled bool   `toml:"tcp_auth_enabled"`
	TCPAuthSecret  string `toml:"tcp_auth_secret"`

	AllowedCommands         []string `toml:"allowed_commands"`
	AllowedScriptDirs       []string `toml:"allowed_script_dirs"`
	AllowedScriptExtensions []string `toml:"allowed_script_extensions"`

	ResultTTL    Duration `toml:"result_ttl"`
	HistoryLimit int      `toml:"history_limit"`

	LogLevel string `toml:"log_level"`
}

// Agent holds the full agent configuration after resolution.
type Agent struct {
	ServerHost string `toml:"server_host"`
	ServerPort int    `toml:"server_port"`

	HeartbeatInterval Duration `toml:"heartbeat_interval"`

	RetryMaxAttempts int      `toml:"retry_max_attempts"`
	RetryBaseDelay   Duration `toml:"retry_base_delay"`
	RetryMaxDelay    Duration `toml:"retry_max_delay"`

	ClientIDFile string `toml:"client_id_file"`
	MotdFile     string `toml:"motd_file"`
	AppScanDir   string `toml:"app_scan_dir"`

	TCPAuthEnabled bool   `toml:"tcp_auth_enabled"`
	TCPAuthSecret  string `toml:"tcp_auth_secret"`

	AllowedCommands         []string `toml:"allowed_commands"`
	AllowedScriptDirs       []string `toml:"allowed_script_dirs"`
	AllowedScriptExtensions []string `toml:"allowed_script_extensions"`

	LogLevel string `toml:"log_level"`
}

// file is the on-disk TOML shape: a [server] and an [agent] table so one
// file can configure both binaries.
type file struct {
	Server Server `toml:"server"`
	Agent  Agent  `toml:"agent"`
}

// DefaultServer returns the built-in server defaults from the protocol
// contract. Policy lists are left empty here — the policy package applies
// its own defaults so server and agent fall back identically.
func DefaultServer() Server {
	return Server{
		TCPBindAddr:     "0.0.0.0",
		TCPPort:         12345,
		HTTPBindAddr:    "0.0.0.0",
		HTTPPort:        3000,
		CleanupInterval: Duration(60 * time.Second),
		ClientTimeout:   Duration(300 * time.Second),
		MaxConnections:  1000,
		ResultTTL:       Duration(15 * time.Minute),
		HistoryLimit:    200,
		LogLevel:        "info",
	}
}

// DefaultAgent returns the built-in agent defaults.
func DefaultAgent() Agent {
	return Agent{
		ServerHost:        "127.0.0.1",
		ServerPort:        12345,
		HeartbeatInterval: Duration(3 * time.Second),
		RetryMaxAttempts:  10,
		RetryBaseDelay:    Duration(2 * time.Second),
		RetryMaxDelay:     Duration(60 * time.Second),
		ClientIDFile:      "/tmp/client_id.txt",
		MotdFile:          "/tmp/ops-motd",
		AppScanDir:        "/opt/apps",
		LogLevel:          "info",
	}
}

// LoadServer resolves the server configuration: defaults, then environment,
// then the TOML file at path (if path is non-empty). Flag overrides are the
// caller's responsibility.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	applyServerEnv(&cfg)

	if path != "" {
		var f file
		f.Server = cfg
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return Server{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = f.Server
	}

	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

// LoadAgent resolves the agent configuration the same way.
func LoadAgent(path string) (Agent, error) {
	cfg := DefaultAgent()
	applyAgentEnv(&cfg)

	if path != "" {
		var f file
		f.Agent = cfg
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return Agent{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg = f.Agent
	}

	if err := cfg.validate(); err != nil {
		return Agent{}, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	if c.TCPPort <= 0 || c.TCPPort > 65535 {
		return fmt.Errorf("config: invalid tcp_port %d", c.TCPPort)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid http_port %d", c.HTTPPort)
	}
	if c.TCPPort == c.HTTPPort {
		return fmt.Errorf("config: tcp_port and http_port are both %d", c.TCPPort)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.CleanupInterval.Std() <= 0 || c.ClientTimeout.Std() <= 0 {
		return fmt.Errorf("config: cleanup_interval and client_timeout must be positive")
	}
	if c.TCPAuthEnabled && c.TCPAuthSecret == "" {
		return fmt.Errorf("config: tcp_auth_enabled requires tcp_auth_secret")
	}
	return nil
}

func (c Agent) validate() error {
	if c.ServerHost == "" {
		return fmt.Errorf("config: server_host is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: invalid server_port %d", c.ServerPort)
	}
	if c.HeartbeatInterval.Std() <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.RetryMaxAttempts <= 0 {
		return fmt.Errorf("config: retry_max_attempts must be positive, got %d", c.RetryMaxAttempts)
	}
	if c.RetryBaseDelay.Std() <= 0 || c.RetryMaxDelay.Std() < c.RetryBaseDelay.Std() {
		return fmt.Errorf("config: retry delays must satisfy 0 < base <= max")
	}
	if c.ClientIDFile == "" {
		return fmt.Errorf("config: client_id_file is required")
	}
	if c.TCPAuthEnabled && c.TCPAuthSecret == "" {
		return fmt.Errorf("config: tcp_auth_enabled requires tcp_auth_secret")
	}
	return nil
}

func applyServerEnv(cfg *Server) {
	envString("OPS_TCP_BIND_ADDR", &cfg.TCPBindAddr)
	envInt("OPS_TCP_PORT", &cfg.TCPPort)
	envString("OPS_HTTP_BIND_ADDR", &cfg.HTTPBindAddr)
	envInt("OPS_HTTP_PORT", &cfg.HTTPPort)
	envDuration("OPS_CLEANUP_INTERVAL", &cfg.CleanupInterval)
	envDuration("OPS_CLIENT_TIMEOUT", &cfg.ClientTimeout)
	envInt("OPS_MAX_CONNECTIONS", &cfg.MaxConnections)
	envString("OPS_AUTH_TOKEN", &cfg.AuthToken)
	envBool("OPS_TCP_AUTH_ENABLED", &cfg.TCPAuthEnabled)
	envString("OPS_TCP_AUTH_SECRET", &cfg.TCPAuthSecret)
	envList("OPS_ALLOWED_COMMANDS", &cfg.AllowedCommands)
	envList("OPS_ALLOWED_SCRIPT_DIRS", &cfg.AllowedScriptDirs)
	envList("OPS_ALLOWED_SCRIPT_EXTENSIONS", &cfg.AllowedScriptExtensions)
	envDuration("OPS_RESULT_TTL", &cfg.ResultTTL)
	envInt("OPS_HISTORY_LIMIT", &cfg.HistoryLimit)
	envString("OPS_LOG_LEVEL", &cfg.LogLevel)
}

func applyAgentEnv(cfg *Agent) {
	envString("OPS_SERVER_HOST", &cfg.ServerHost)
	envInt("OPS_SERVER_PORT", &cfg.ServerPort)
	envDuration("OPS_HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval)
	envInt("OPS_RETRY_MAX_ATTEMPTS", &cfg.RetryMaxAttempts)
	envDuration("OPS_RETRY_BASE_DELAY", &cfg.RetryBaseDelay)
	envDuration("OPS_RETRY_MAX_DELAY", &cfg.RetryMaxDelay)
	envString("OPS_CLIENT_ID_FILE", &cfg.ClientIDFile)
	envString("OPS_MOTD_FILE", &cfg.MotdFile)
	envString("OPS_APP_SCAN_DIR", &cfg.AppScanDir)
	envBool("OPS_TCP_AUTH_ENABLED", &cfg.TCPAuthEnabled)
	envString("OPS_TCP_AUTH_SECRET", &cfg.TCPAuthSecret)
	envList("OPS_ALLOWED_COMMANDS", &cfg.AllowedCommands)
	envList("OPS_ALLOWED_SCRIPT_DIRS", &cfg.AllowedScriptDirs)
	envList("OPS_ALLOWED_SCRIPT_EXTENSIONS", &cfg.AllowedScriptExtensions)
	envString("OPS_LOG_LEVEL", &cfg.LogLevel)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := parseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envList(key string, dst *[]string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

// parseDuration accepts a Go duration string ("45s", "2m") or a bare
// integer interpreted as seconds, which is how the OPS_* variables have
// historically been written.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q", s)
	}
	return d, nil
}
