package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	Session   SessionConfig
	Runner    RunnerConfig
	Provider  ProviderConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Metrics   MetricsConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port              string        `envconfig:"PORT" default:"3000"`
	ReadHeaderTimeout time.Duration `envconfig:"SERVER_READ_HEADER_TIMEOUT" default:"5s"`
	IdleTimeout       time.Duration `envconfig:"SERVER_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout   time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"10s"`

	// Addr is derived from Port by Load.
	Addr string `ignored:"true"`
}

// SessionConfig controls session expiry and turn handling.
type SessionConfig struct {
	MaxAge        time.Duration `envconfig:"SESSION_MAX_AGE" default:"30m"`
	SweepInterval time.Duration `envconfig:"SESSION_SWEEP_INTERVAL" default:"5m"`
	// RejectUnknown makes chat turns carrying an unknown session id fail with 404
	// instead of running without history.
	RejectUnknown  bool `envconfig:"SESSION_REJECT_UNKNOWN" default:"false"`
	SerializeTurns bool `envconfig:"SESSION_SERIALIZE_TURNS" default:"true"`
}

// RunnerConfig bounds each assistant subprocess.
type RunnerConfig struct {
	Timeout        time.Duration `envconfig:"RUNNER_TIMEOUT" default:"5m"`
	MaxOutputBytes int64         `envconfig:"RUNNER_MAX_OUTPUT_BYTES" default:"1048576"`
	KillGrace      time.Duration `envconfig:"RUNNER_KILL_GRACE" default:"5s"`
	MaxConcurrent  int           `envconfig:"RUNNER_MAX_CONCURRENT" default:"0"`
}

// ProviderConfig locates the assistant executables.
type ProviderConfig struct {
	Default             string   `envconfig:"PROVIDER_DEFAULT" default:"claude"`
	ClaudeBinary        string   `envconfig:"CLAUDE_BIN" default:"claude"`
	OpencodeBinary      string   `envconfig:"OPENCODE_BIN" default:"/usr/local/bin/opencode"`
	OpencodeInterpreter string   `envconfig:"OPENCODE_INTERPRETER" default:"python3"`
	AllowedPaths        []string `envconfig:"ALLOWED_PATHS"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds per-client rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64 `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int     `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool    `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	cfg.Provider.Default = strings.TrimSpace(cfg.Provider.Default)
	cfg.Provider.AllowedPaths = trimAll(cfg.Provider.AllowedPaths)
	cfg.CORS.AllowedOrigins = trimAll(cfg.CORS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Session.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_MAX_AGE must be positive, got %s", c.Session.MaxAge))
	}
	if c.Session.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SESSION_SWEEP_INTERVAL must be positive, got %s", c.Session.SweepInterval))
	}
	if c.Runner.Timeout < 0 {
		errs = append(errs, fmt.Errorf("RUNNER_TIMEOUT must not be negative, got %s", c.Runner.Timeout))
	}
	if c.Runner.MaxOutputBytes < 0 {
		errs = append(errs, fmt.Errorf("RUNNER_MAX_OUTPUT_BYTES must not be negative, got %d", c.Runner.MaxOutputBytes))
	}
	if c.Runner.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("RUNNER_MAX_CONCURRENT must not be negative, got %d", c.Runner.MaxConcurrent))
	}
	if c.Provider.Default == "" {
		errs = append(errs, errors.New("PROVIDER_DEFAULT must not be empty"))
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive when rate limiting is enabled"))
	}
	return errors.Join(errs...)
}

// listenAddr 解析服务器监听地址。
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "3000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3000" 或 "127.0.0.1:3000"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
