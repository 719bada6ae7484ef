package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.AIProvider != "claude" {
		t.Errorf("AIProvider = %q, want %q", cfg.AIProvider, "claude")
	}
	if cfg.ClaudeModel != "claude-sonnet-4-5" {
		t.Errorf("ClaudeModel = %q, want %q", cfg.ClaudeModel, "claude-sonnet-4-5")
	}
	if cfg.UseNativeTools {
		t.Errorf("UseNativeTools = true, want false")
	}
	if cfg.EnableBashTool {
		t.Errorf("EnableBashTool = true, want false")
	}
	if cfg.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", cfg.MaxTokens)
	}
	if cfg.Temperature != 0.7 {
		t.Errorf("Temperature = %v, want 0.7", cfg.Temperature)
	}
	if cfg.BashConfig.TimeoutMs != 30000 {
		t.Errorf("BashConfig.TimeoutMs = %d, want 30000", cfg.BashConfig.TimeoutMs)
	}
	if cfg.MaxToolTimeout != 30*time.Second {
		t.Errorf("MaxToolTimeout = %v, want %v", cfg.MaxToolTimeout, 30*time.Second)
	}
	if cfg.SessionIdleTimeout != 60*time.Minute {
		t.Errorf("SessionIdleTimeout = %v, want %v", cfg.SessionIdleTimeout, 60*time.Minute)
	}
}

func TestLoadNoFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "nonexistent.json")
	defaults := testDefaults(tmp)

	cfg, warnings, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error for missing file: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings, got %v", warnings)
	}
	if cfg != defaults {
		t.Errorf("LoadFrom with missing file returned non-default config")
	}
}

func TestLoadValidFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	content := `{
		"ai_provider": "claude",
		"anthropic_api_key": "sk-ant-abc123",
		"claude_model": "claude-3-5-sonnet-20241022",
		"enable_bash_tool": true,
		"max_tokens": 8192,
		"bashConfig": {"timeout": 15000}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, warnings, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings for valid keys, got %v", warnings)
	}

	if cfg.AnthropicAPIKey != "sk-ant-abc123" {
		t.Errorf("AnthropicAPIKey = %q, want %q", cfg.AnthropicAPIKey, "sk-ant-abc123")
	}
	if cfg.ClaudeModel != "claude-3-5-sonnet-20241022" {
		t.Errorf("ClaudeModel = %q, want %q", cfg.ClaudeModel, "claude-3-5-sonnet-20241022")
	}
	if !cfg.EnableBashTool {
		t.Errorf("EnableBashTool = false, want true")
	}
	if cfg.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want 8192", cfg.MaxTokens)
	}
	if cfg.BashConfig.TimeoutMs != 15000 {
		t.Errorf("BashConfig.TimeoutMs = %d, want 15000", cfg.BashConfig.TimeoutMs)
	}
	// Non-overridden fields keep defaults.
	if cfg.Temperature != defaults.Temperature {
		t.Errorf("Temperature = %v, want default %v", cfg.Temperature, defaults.Temperature)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	if err := os.WriteFile(path, []byte("{not valid json"), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	_, _, err := LoadFrom(path, defaults)
	if err == nil {
		t.Fatal("LoadFrom should return error for malformed JSON")
	}
}

func TestLoadUnknownKeys(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "config.json")

	content := `{
		"ai_provider": "claude",
		"ai_providre": "typo",
		"max_tokns": 1000
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, warnings, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}

	if cfg.AIProvider != "claude" {
		t.Errorf("AIProvider = %q, want %q", cfg.AIProvider, "claude")
	}

	if len(warnings) != 2 {
		t.Fatalf("expected 2 warnings, got %d: %v", len(warnings), warnings)
	}
	found := map[string]bool{"ai_providre": false, "max_tokns": false}
	for _, w := range warnings {
		for key := range found {
			if strings.Contains(w, key) {
				found[key] = true
			}
		}
	}
	for key, ok := range found {
		if !ok {
			t.Errorf("expected warning about %q, not found in %v", key, warnings)
		}
	}
}

func TestLoadConfigDirDerivedFromPath(t *testing.T) {
	tmp := t.TempDir()
	customDir := filepath.Join(tmp, "custom-mcp-terminal")
	if err := os.MkdirAll(customDir, 0700); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(customDir, "config.json")
	if err := os.WriteFile(path, []byte(`{}`), 0644); err != nil {
		t.Fatal(err)
	}

	defaults := testDefaults(tmp)
	cfg, _, err := LoadFrom(path, defaults)
	if err != nil {
		t.Fatalf("LoadFrom returned error: %v", err)
	}
	if cfg.ConfigDir != customDir {
		t.Errorf("ConfigDir = %q, want %q", cfg.ConfigDir, customDir)
	}
	wantCache := filepath.Join(customDir, "cache.db")
	if got := cfg.LocalCachePath(); got != wantCache {
		t.Errorf("LocalCachePath() = %q, want %q", got, wantCache)
	}
}

func TestApplyEnvOverridesUserAndDebugAndAPIKey(t *testing.T) {
	t.Setenv("MCP_USER", "alice")
	t.Setenv("DEBUG", "true")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg := DefaultConfig()
	cfg.User = "bob"
	cfg.applyEnv()

	if cfg.User != "alice" {
		t.Errorf("User = %q, want MCP_USER override %q", cfg.User, "alice")
	}
	if !cfg.Debug {
		t.Errorf("Debug = false, want true from DEBUG env")
	}
	if cfg.AnthropicAPIKey != "sk-ant-from-env" {
		t.Errorf("AnthropicAPIKey = %q, want env fallback %q", cfg.AnthropicAPIKey, "sk-ant-from-env")
	}
}

func TestApplyEnvDoesNotOverrideConfiguredAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")

	cfg := DefaultConfig()
	cfg.AnthropicAPIKey = "sk-ant-from-file"
	cfg.applyEnv()

	if cfg.AnthropicAPIKey != "sk-ant-from-file" {
		t.Errorf("AnthropicAPIKey = %q, want config file value preserved", cfg.AnthropicAPIKey)
	}
}

func TestEnsureDirs(t *testing.T) {
	tmp := t.TempDir()
	cfg := testDefaults(tmp)

	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs failed: %v", err)
	}

	info, err := os.Stat(cfg.ConfigDir)
	if err != nil {
		t.Fatalf("ConfigDir %q not created: %v", cfg.ConfigDir, err)
	}
	if !info.IsDir() {
		t.Errorf("%q is not a directory", cfg.ConfigDir)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("ConfigDir has mode %o, want %o", perm, 0700)
	}

	// Idempotent.
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs (idempotent) failed: %v", err)
	}
}

func TestConfigFilePath(t *testing.T) {
	tmp := t.TempDir()
	cfg := testDefaults(tmp)

	want := filepath.Join(cfg.ConfigDir, "config.json")
	if got := cfg.ConfigFilePath(); got != want {
		t.Errorf("ConfigFilePath() = %q, want %q", got, want)
	}
}

// testDefaults returns a Config rooted in a temp directory instead of $HOME.
func testDefaults(tmpDir string) Config {
	cfg := DefaultConfig()
	cfg.ConfigDir = filepath.Join(tmpDir, ".mcp-terminal")
	return cfg
}
