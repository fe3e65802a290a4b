// Package config provides configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the shellpilot configuration.
type Config struct {
	LLM       LLMConfig       `toml:"llm"`       // Model answering every oracle call
	SmallLLM  LLMConfig       `toml:"small_llm"` // Fast/cheap model for grading and classification
	Oracle    OracleConfig    `toml:"oracle"`
	Shell     ShellConfig     `toml:"shell"`
	Limits    LimitsConfig    `toml:"limits"`
	Decision  DecisionConfig  `toml:"decision"`
	Approval  ApprovalConfig  `toml:"approval"`
	Knowledge KnowledgeConfig `toml:"knowledge"`
	Session   SessionConfig   `toml:"session"` // Run log storage
	Telemetry TelemetryConfig `toml:"telemetry"`
	Events    EventsConfig    `toml:"events"` // Snapshot publishing
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Provider-level retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Provider-level max backoff (default "60s")
}

// OracleConfig bounds the retry loop around each structured call.
type OracleConfig struct {
	MaxAttempts    int           `toml:"max_attempts"`
	InitialBackoff time.Duration `toml:"initial_backoff"`
	MaxBackoff     time.Duration `toml:"max_backoff"`
}

// ShellConfig configures the persistent shell session.
type ShellConfig struct {
	Path           string        `toml:"path"` // Interpreter (default /bin/bash)
	Dir            string        `toml:"dir"`  // Starting directory (default: home)
	CommandTimeout time.Duration `toml:"command_timeout"`
	ReadyTimeout   time.Duration `toml:"ready_timeout"`
}

// LimitsConfig holds the loop ceilings.
type LimitsConfig struct {
	MaxSteps            int `toml:"max_steps"`             // Decision states per run
	MaxCorrectionRounds int `toml:"max_correction_rounds"` // Regenerations per command
	MaxAnalysisChunks   int `toml:"max_analysis_chunks"`   // Output chunks analysed per command
	ChunkSize           int `toml:"chunk_size"`            // Characters per analysed chunk
}

// DecisionConfig toggles optional decision machine behaviour.
type DecisionConfig struct {
	// GenerateContent routes steps that produce file content to the content
	// generator instead of running a command.
	GenerateContent bool `toml:"generate_content"`
}

// ApprovalConfig controls the human approval prompt.
type ApprovalConfig struct {
	Timeout time.Duration `toml:"timeout"` // Unanswered prompts count as no after this; 0 waits forever
}

// KnowledgeConfig configures the local document index.
type KnowledgeConfig struct {
	IndexPath   string `toml:"index_path"` // Empty = in-memory index
	TopK        int    `toml:"top_k"`
	Parallelism int    `toml:"parallelism"`
}

// SessionConfig controls run logs.
type SessionConfig struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// EventsConfig publishes run events to NATS when NATSURL is set.
type EventsConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Oracle: OracleConfig{
			MaxAttempts:    5,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Shell: ShellConfig{
			Path:           "/bin/bash",
			CommandTimeout: 5 * time.Minute,
			ReadyTimeout:   10 * time.Second,
		},
		Limits: LimitsConfig{
			MaxSteps:            100,
			MaxCorrectionRounds: 5,
			MaxAnalysisChunks:   20,
			ChunkSize:           3000,
		},
		Knowledge: KnowledgeConfig{
			IndexPath:   "~/.local/shellpilot/index",
			TopK:        4,
			Parallelism: 4,
		},
		Session: SessionConfig{
			Path:    "~/.local/shellpilot/runs",
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
		},
		Events: EventsConfig{
			Subject: "shellpilot.runs",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file. Keys absent from the file
// keep their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DefaultPaths lists the files LoadDefault tries, in order.
func DefaultPaths() []string {
	paths := []string{"shellpilot.toml"}
	if cwd, err := os.Getwd(); err == nil {
		paths[0] = filepath.Join(cwd, "shellpilot.toml")
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "shellpilot", "config.toml"))
	}
	return paths
}

// LoadDefault loads the first config file found in DefaultPaths. With no
// file present it returns the defaults.
func LoadDefault() (*Config, error) {
	for _, path := range DefaultPaths() {
		cfg, err := LoadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return cfg, err
	}
	return Default(), nil
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	return c.LLM.APIKey()
}

// APIKey resolves the key for this model from the environment.
func (l LLMConfig) APIKey() string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || (len(path) > 1 && path[0] == '~' && path[1] == '/') {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
