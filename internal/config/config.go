// Package config loads handloop configuration: an optional config.yaml under
// the handloop home directory, overridden by HANDLOOP_* environment variables.
// Configuration is read once at startup and treated as immutable afterwards.
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

// LLMConfig holds settings for the orchestration model provider.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai",
	// "openai_compatible". Empty defaults to "google".
	Provider string `yaml:"provider"`

	// Model is the model name for the configured provider.
	Model string `yaml:"model"`

	// APIKey overrides the provider's env-sourced key.
	APIKey string `yaml:"api_key"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// OtelConfig holds OpenTelemetry settings.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "stdout" or "otlp"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// DeskConfig holds settings for the human query desk service.
type DeskConfig struct {
	BindAddr string `yaml:"bind_addr"`

	// RetentionHours is how long answered queries are kept before the sweep
	// prunes them. Zero disables pruning.
	RetentionHours int `yaml:"retention_hours"`

	// SweepIntervalMinutes is the retention sweep tick. Defaults to 10.
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
}

// Config is the root handloop configuration shared by both services.
type Config struct {
	HomeDir string `yaml:"-"`

	// Orchestrator HTTP bind address.
	BindAddr string `yaml:"bind_addr"`

	Desk DeskConfig `yaml:"desk"`

	// DeskBaseURL is where the orchestrator's human tool submits queries.
	DeskBaseURL string `yaml:"desk_base_url"`

	// OrchestratorBaseURL is the externally reachable base URL used to build
	// the callback address handed to the desk.
	OrchestratorBaseURL string `yaml:"orchestrator_base_url"`

	// QueryTimeoutSeconds is the wait budget for a delegated human question.
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds"`

	// MaxIterations caps tool calls per chat request before the loop forces a
	// final answer.
	MaxIterations int `yaml:"max_iterations"`

	LogLevel string `yaml:"log_level"`

	LLM  LLMConfig  `yaml:"llm"`
	Otel OtelConfig `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		BindAddr: ":8080",
		Desk: DeskConfig{
			BindAddr:             ":8081",
			RetentionHours:       24,
			SweepIntervalMinutes: 10,
		},
		DeskBaseURL:         "http://localhost:8081",
		OrchestratorBaseURL: "http://localhost:8080",
		QueryTimeoutSeconds: 300,
		MaxIterations:       15,
		LogLevel:            "info",
		LLM:                 LLMConfig{Provider: "google"},
		Otel:                OtelConfig{Exporter: "stdout", SampleRate: 1.0},
	}
}

// HomeDir resolves the handloop data directory (HANDLOOP_HOME or ~/.handloop).
func HomeDir() string {
	if override := os.Getenv("HANDLOOP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".handloop"
	}
	return filepath.Join(home, ".handloop")
}

// Load reads config.yaml (if present) and applies environment overrides.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
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
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("HANDLOOP_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("HANDLOOP_DESK_ADDR"); raw != "" {
		cfg.Desk.BindAddr = raw
	}
	if raw := os.Getenv("HANDLOOP_DESK_URL"); raw != "" {
		cfg.DeskBaseURL = raw
	}
	if raw := os.Getenv("HANDLOOP_ORCHESTRATOR_URL"); raw != "" {
		cfg.OrchestratorBaseURL = raw
	}
	if raw := os.Getenv("HANDLOOP_QUERY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.QueryTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("HANDLOOP_MAX_ITERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxIterations = v
		}
	}
	if raw := os.Getenv("HANDLOOP_RETENTION_HOURS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Desk.RetentionHours = v
		}
	}
	if raw := os.Getenv("HANDLOOP_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("HANDLOOP_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("HANDLOOP_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	// Provider keys follow the usual env conventions; the first one present
	// for the active provider wins inside the engine.
	if raw := os.Getenv("HANDLOOP_LLM_API_KEY"); raw != "" {
		cfg.LLM.APIKey = raw
	}
	if raw := os.Getenv("HANDLOOP_OTEL_ENABLED"); raw != "" {
		cfg.Otel.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("HANDLOOP_OTEL_EXPORTER"); raw != "" {
		cfg.Otel.Exporter = raw
	}
	if raw := os.Getenv("HANDLOOP_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}

func normalize(cfg *Config) {
	cfg.DeskBaseURL = strings.TrimRight(strings.TrimSpace(cfg.DeskBaseURL), "/")
	cfg.OrchestratorBaseURL = strings.TrimRight(strings.TrimSpace(cfg.OrchestratorBaseURL), "/")
	if cfg.QueryTimeoutSeconds <= 0 {
		cfg.QueryTimeoutSeconds = 300
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 15
	}
	if cfg.Desk.SweepIntervalMinutes <= 0 {
		cfg.Desk.SweepIntervalMinutes = 10
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
}

// QueryTimeout returns the delegation wait budget as a duration.
func (c Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSeconds) * time.Second
}

// CallbackURL is the address the desk notifies when a query is answered.
func (c Config) CallbackURL() string {
	return c.OrchestratorBaseURL + "/callback"
}

// Fingerprint returns a stable hash of the active config, logged at startup so
// operators can tell which configuration a running process observed.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%d|%s|%s",
		c.BindAddr, c.Desk.BindAddr, c.DeskBaseURL, c.OrchestratorBaseURL,
		c.QueryTimeoutSeconds, c.MaxIterations, c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("%x", h.Sum64())
}
