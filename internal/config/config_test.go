package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	if cfg.Model != want.Model || cfg.MaxTokens != want.MaxTokens || cfg.BaseURL != want.BaseURL {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadConfigOverridesAndBackfills(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	body := "api_key: sk-test\nmodel: glm-4.6\ncheckpoint_seconds: 5\ncontext_window_tokens: 100000\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.APIKey != "sk-test" || cfg.Model != "glm-4.6" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.CheckpointSeconds != 5 || cfg.ContextWindowTokens != 100000 {
		t.Fatalf("numeric overrides not applied: %+v", cfg)
	}
	// Unset fields fall back to defaults.
	if cfg.MaxTokens != 4096 || cfg.CompactionMinMessages != 20 || cfg.ToolResultMaxTokens != 2000 {
		t.Fatalf("defaults not backfilled: %+v", cfg)
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte("model: [unclosed"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")
	cfg := DefaultConfig()
	cfg.APIKey = "sk-roundtrip"
	cfg.StorageRoot = "/data/forge"

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.APIKey != "sk-roundtrip" || got.StorageRoot != "/data/forge" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
}
