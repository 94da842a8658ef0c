package config

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// MaxTokens caps the model's reply length per request.
	MaxTokens   int    `yaml:"max_tokens"`
	StorageRoot string `yaml:"storage_root"`

	// ContextWindowTokens overrides the model registry when providers change
	// limits before we do.
	ContextWindowTokens int `yaml:"context_window_tokens"`
	OutputReserveTokens int `yaml:"output_reserve_tokens"`

	CheckpointSeconds     int `yaml:"checkpoint_seconds"`
	CompactionMinMessages int `yaml:"compaction_min_messages"`
	CompactionKeepRecent  int `yaml:"compaction_keep_recent"`
	ToolResultMaxTokens   int `yaml:"tool_result_max_tokens"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:               "https://api.anthropic.com/v1/messages",
		Model:                 "claude-sonnet-4-5",
		MaxTokens:             4096,
		OutputReserveTokens:   8192,
		CheckpointSeconds:     30,
		CompactionMinMessages: 20,
		CompactionKeepRecent:  8,
		ToolResultMaxTokens:   2000,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-5"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.OutputReserveTokens <= 0 {
		cfg.OutputReserveTokens = 8192
	}
	if cfg.CheckpointSeconds <= 0 {
		cfg.CheckpointSeconds = 30
	}
	if cfg.CompactionMinMessages <= 0 {
		cfg.CompactionMinMessages = 20
	}
	if cfg.CompactionKeepRecent <= 0 {
		cfg.CompactionKeepRecent = 8
	}
	if cfg.ToolResultMaxTokens <= 0 {
		cfg.ToolResultMaxTokens = 2000
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		return errors.New("no path provided for config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "forge", "config.yml")
}
