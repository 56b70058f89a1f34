// Package config loads and validates bridgews' runtime configuration:
// admission control, provider endpoints, and server tuning knobs.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentCLIConfig configures the agent-assistant subprocess provider (C4).
type AgentCLIConfig struct {
	Path string `yaml:"path"`
	// DefaultTools is the csv passed to --tools. Unset in config.yaml means
	// the flag is omitted entirely; an explicit empty string means "no
	// tools" and is still passed through.
	DefaultTools *string `yaml:"default_tools"`
	MaxTurns     int     `yaml:"max_turns"` // 0 = unset, no --max-turns flag
}

// CodingCLIConfig configures the coding-assistant subprocess provider (C5).
type CodingCLIConfig struct {
	Path string `yaml:"path"`
}

// LocalModelConfig configures the HTTP-streaming provider (C6).
type LocalModelConfig struct {
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

// TelemetryConfig mirrors obs.TelemetryConfig's YAML shape so it can be
// embedded directly in config.yaml.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Config is the gateway's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel string `yaml:"log_level"`

	MaxFrameBytes     int64 `yaml:"max_frame_bytes"`
	HeartbeatSeconds  int   `yaml:"heartbeat_seconds"`
	RequestTimeoutSec int   `yaml:"request_timeout_seconds"`

	APIKey         string   `yaml:"api_key"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	AgentName string `yaml:"agent_name"`
	SessionDir string `yaml:"session_dir"`

	AgentCLI   AgentCLIConfig   `yaml:"agent_cli"`
	CodingCLI  CodingCLIConfig  `yaml:"coding_cli"`
	LocalModel LocalModelConfig `yaml:"local_model"`

	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              8787,
		LogLevel:          "info",
		MaxFrameBytes:     50 * 1024 * 1024,
		HeartbeatSeconds:  30,
		RequestTimeoutSec: 300,
		AgentName:         "bridge-ws",
		SessionDir:        filepath.Join(os.TempDir(), "bridgews-sessions"),
		AgentCLI: AgentCLIConfig{
			Path: "claude",
		},
		CodingCLI: CodingCLIConfig{
			Path: "codex",
		},
		LocalModel: LocalModelConfig{
			BaseURL:      "http://127.0.0.1:11434",
			DefaultModel: "llama3.2",
		},
	}
}

// HomeDir resolves the directory that holds config.yaml and logs, honoring
// BRIDGEWS_HOME the way the teacher honors its own *_HOME variable.
func HomeDir() string {
	if override := os.Getenv("BRIDGEWS_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".bridgews")
}

// Load reads config.yaml from HomeDir(), applies environment overrides, and
// normalizes/validates the result. A missing config.yaml is not an error —
// the gateway runs on defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create bridgews home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port <= 0 {
		cfg.Port = 8787
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 50 * 1024 * 1024
	}
	if cfg.HeartbeatSeconds <= 0 {
		cfg.HeartbeatSeconds = 30
	}
	if cfg.RequestTimeoutSec <= 0 {
		cfg.RequestTimeoutSec = 300
	}
	// Clamp per spec §6: subprocess timeout range is 1–3600s.
	if cfg.RequestTimeoutSec < 1 {
		cfg.RequestTimeoutSec = 1
	}
	if cfg.RequestTimeoutSec > 3600 {
		cfg.RequestTimeoutSec = 3600
	}
	if cfg.AgentName == "" {
		cfg.AgentName = "bridge-ws"
	}
	if strings.TrimSpace(cfg.SessionDir) == "" {
		cfg.SessionDir = filepath.Join(os.TempDir(), "bridgews-sessions")
	}
	if cfg.AgentCLI.Path == "" {
		cfg.AgentCLI.Path = "claude"
	}
	if cfg.CodingCLI.Path == "" {
		cfg.CodingCLI.Path = "codex"
	}
	if cfg.LocalModel.BaseURL == "" {
		cfg.LocalModel.BaseURL = "http://127.0.0.1:11434"
	}
	if cfg.LocalModel.DefaultModel == "" {
		cfg.LocalModel.DefaultModel = "llama3.2"
	}
}

func validate(cfg Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port out of range: %d", cfg.Port)
	}
	return nil
}

// RequestTimeout returns the per-request subprocess/HTTP timeout as a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// HeartbeatInterval returns the WebSocket ping interval as a duration.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// Addr returns the host:port listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Fingerprint returns a stable hash of the admission-relevant config, used to
// detect whether a reload actually changed anything worth logging.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "key=%s|origins=%v", c.APIKey, c.AllowedOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BRIDGEWS_HOST"); raw != "" {
		cfg.Host = raw
	}
	if raw := os.Getenv("BRIDGEWS_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Port = v
		}
	}
	if raw := os.Getenv("BRIDGEWS_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BRIDGEWS_API_KEY"); raw != "" {
		cfg.APIKey = raw
	}
	if raw := os.Getenv("BRIDGEWS_HEARTBEAT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatSeconds = v
		}
	}
	if raw := os.Getenv("BRIDGEWS_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSec = v
		}
	}
	if raw := os.Getenv("BRIDGEWS_AGENT_NAME"); raw != "" {
		cfg.AgentName = raw
	}
	if raw := os.Getenv("BRIDGEWS_SESSION_DIR"); raw != "" {
		cfg.SessionDir = raw
	}
	if raw := os.Getenv("BRIDGEWS_AGENT_CLI_PATH"); raw != "" {
		cfg.AgentCLI.Path = raw
	}
	if raw := os.Getenv("BRIDGEWS_CODING_CLI_PATH"); raw != "" {
		cfg.CodingCLI.Path = raw
	}
	if raw := os.Getenv("BRIDGEWS_LOCAL_MODEL_BASE_URL"); raw != "" {
		cfg.LocalModel.BaseURL = raw
	}
}
