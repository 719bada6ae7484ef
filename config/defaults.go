// Package config loads mcp-terminal's configuration: a JSON file
// at ${HOME}/.mcp-terminal/config.json, overlaid on built-in defaults, with
// select fields overridable by environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// BashConfig holds the bash tool's own sub-object ("bashConfig.timeout").
type BashConfig struct {
	TimeoutMs int `json:"timeout"`
}

// Config holds all mcp-terminal configuration values.
type Config struct {
	AIProvider      string  `json:"ai_provider"`
	AnthropicAPIKey string  `json:"anthropic_api_key"`
	ClaudeModel     string  `json:"claude_model"`
	UseNativeTools  bool    `json:"use_native_tools"`
	EnableBashTool  bool    `json:"enable_bash_tool"`
	MaxTokens       int     `json:"max_tokens"`
	Temperature     float64 `json:"temperature"`

	BashConfig BashConfig `json:"bashConfig"`

	Debug bool   `json:"debug"`
	User  string `json:"user"`

	TursoURL   string `json:"turso_url"`
	TursoToken string `json:"turso_token"`

	// ConfigDir is derived, not JSON-configurable: the directory the config
	// file itself lives in (~/.mcp-terminal), used for sibling state such as
	// the local SQLite cache.
	ConfigDir string `json:"-"`

	// MaxToolTimeout/SessionIdleTimeout/StreamIdleTimeout are the §5 timeout
	// defaults; not externally configurable, kept here so callers have one
	// place to read them from.
	MaxToolTimeout     time.Duration `json:"-"`
	TurnTimeout        time.Duration `json:"-"`
	StreamIdleTimeout  time.Duration `json:"-"`
	SessionIdleTimeout time.Duration `json:"-"`
}

// DefaultConfig returns a Config with every documented default populated.
func DefaultConfig() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	configDir := filepath.Join(home, ".mcp-terminal")

	return Config{
		AIProvider:     "claude",
		ClaudeModel:    "claude-sonnet-4-5",
		UseNativeTools: false,
		EnableBashTool: false,
		MaxTokens:      4096,
		Temperature:    0.7,
		BashConfig:     BashConfig{TimeoutMs: 30000},
		Debug:          false,
		ConfigDir:      configDir,

		MaxToolTimeout:     30 * time.Second,
		TurnTimeout:        60 * time.Second,
		StreamIdleTimeout:  120 * time.Second,
		SessionIdleTimeout: 60 * time.Minute,
	}
}

// ConfigFilePath returns the path to the config file inside ConfigDir.
func (c Config) ConfigFilePath() string {
	return filepath.Join(c.ConfigDir, "config.json")
}

// Load loads configuration from the default location
// (~/.mcp-terminal/config.json), falling back to defaults if the file does
// not exist, then applies environment variable overrides.
func Load() (Config, []string, error) {
	defaults := DefaultConfig()
	cfg, warnings, err := LoadFrom(defaults.ConfigFilePath(), defaults)
	if err != nil {
		return Config{}, nil, err
	}
	cfg.applyEnv()
	return cfg, warnings, nil
}

// LoadFrom loads configuration from the given path, overlaying JSON values
// onto the provided defaults. If the file does not exist, defaults are
// returned without error (first-run case). If the file exists but is
// malformed, an error is returned. Unrecognized top-level keys produce
// warnings rather than failing the load, matching the teacher's
// unknown-key-warning idiom re-expressed over encoding/json.
func LoadFrom(path string, defaults Config) (Config, []string, error) {
	cfg := defaults

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, nil, nil
		}
		return Config{}, nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Config{}, nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	var warnings []string
	for key := range fields {
		if !knownConfigKeys[key] {
			warnings = append(warnings, fmt.Sprintf("unknown config key: %s", key))
		}
	}

	// ConfigDir is derived from the path actually loaded, not JSON-settable.
	cfg.ConfigDir = filepath.Dir(path)
	cfg.MaxToolTimeout = defaults.MaxToolTimeout
	cfg.TurnTimeout = defaults.TurnTimeout
	cfg.StreamIdleTimeout = defaults.StreamIdleTimeout
	cfg.SessionIdleTimeout = defaults.SessionIdleTimeout

	return cfg, warnings, nil
}

var knownConfigKeys = map[string]bool{
	"ai_provider": true, "anthropic_api_key": true, "claude_model": true,
	"use_native_tools": true, "enable_bash_tool": true,
	"max_tokens": true, "temperature": true, "bashConfig": true,
	"debug": true, "user": true, "turso_url": true, "turso_token": true,
}

// applyEnv overlays the documented environment variable overrides:
// MCP_USER beats the config file's "user", DEBUG enables verbose logging,
// ANTHROPIC_API_KEY is a fallback when the config file left the key blank.
func (c *Config) applyEnv() {
	if v := os.Getenv("MCP_USER"); v != "" {
		c.User = v
	}
	if v := strings.ToLower(os.Getenv("DEBUG")); v == "1" || v == "true" || v == "yes" {
		c.Debug = true
	}
	if c.AnthropicAPIKey == "" {
		if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
			c.AnthropicAPIKey = v
		}
	}
}

// EnsureDirs creates ConfigDir if it does not exist.
func (c Config) EnsureDirs() error {
	if c.ConfigDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return fmt.Errorf("creating directory %s: %w", c.ConfigDir, err)
	}
	return nil
}

// LocalCachePath is where the local SQLite write-ahead cache lives,
// alongside the config file.
func (c Config) LocalCachePath() string {
	return filepath.Join(c.ConfigDir, "cache.db")
}
