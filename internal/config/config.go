// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads and watches the TOML configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/HyxiaoGe/nexus-chat/internal/model"
	"github.com/HyxiaoGe/nexus-chat/internal/util"
)

// Defaults applied when the file or a field is absent.
const (
	defaultProxyURL = "https://nexus-chat-proxy.hyxiaoge.workers.dev/v1/chat/completions"
	defaultRPM      = 60
)

// StorageConfig locates the local database.
type StorageConfig struct {
	Path string `toml:"path"`
}

// Config is the full application configuration.
type Config struct {
	LogLevel          string           `toml:"log_level"`
	ProxyURL          string           `toml:"proxy_url"`
	RequestsPerMinute int              `toml:"requests_per_minute"`
	Storage           StorageConfig    `toml:"storage"`
	Providers         []model.Provider `toml:"providers"`
	Agents            []model.Agent    `toml:"agents"`
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "nexus-chat", "config.toml")
}

// Default returns a runnable starter configuration: a keyless
// OpenRouter provider (free tier via the relay) plus a disabled Google
// provider awaiting a key.
func Default() *Config {
	dataDir, err := os.UserHomeDir()
	if err != nil {
		dataDir = "."
	}
	return &Config{
		LogLevel:          "info",
		ProxyURL:          defaultProxyURL,
		RequestsPerMinute: defaultRPM,
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, ".nexus-chat", "nexus.db"),
		},
		Providers: []model.Provider{
			{
				ID:      "openrouter",
				Name:    "OpenRouter",
				Type:    model.ProviderOpenAICompatible,
				BaseURL: "https://openrouter.ai/api/v1",
				Enabled: true,
			},
			{
				ID:      "google",
				Name:    "Google AI",
				Type:    model.ProviderGoogle,
				Enabled: false,
			},
		},
		Agents: []model.Agent{
			{
				ID:         "deepseek-r1",
				Name:       "DeepSeek R1",
				ProviderID: "openrouter",
				ModelID:    "deepseek/deepseek-r1:free",
				Enabled:    true,
			},
			{
				ID:         "gemini-flash",
				Name:       "Gemini Flash",
				ProviderID: "google",
				ModelID:    "gemini-2.5-flash",
				Enabled:    false,
			},
		},
	}
}

// Load reads the config at path, creating it with defaults when it does
// not exist. Environment overrides are applied after decoding.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	cfg := Default()
	cfg.Providers = nil
	cfg.Agents = nil
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables: NEXUS_LOG_LEVEL,
// NEXUS_PROXY_URL, and <PROVIDER-ID>_API_KEY per provider (dashes
// mapped to underscores).
func (c *Config) applyEnv() {
	if v := os.Getenv("NEXUS_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("NEXUS_PROXY_URL"); v != "" {
		c.ProxyURL = v
	}
	for i := range c.Providers {
		name := strings.ToUpper(strings.ReplaceAll(c.Providers[i].ID, "-", "_")) + "_API_KEY"
		if v := os.Getenv(name); v != "" {
			c.Providers[i].APIKey = v
		}
	}
}

// Validate checks referential integrity between agents and providers.
func (c *Config) Validate() error {
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("requests_per_minute must be positive, got %d", c.RequestsPerMinute)
	}

	providers := make(map[string]model.ProviderType, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider with empty id")
		}
		if _, dup := providers[p.ID]; dup {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		switch p.Type {
		case model.ProviderGoogle, model.ProviderOpenAICompatible:
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.ID, p.Type)
		}
		providers[p.ID] = p.Type
	}

	agents := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if agents[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		agents[a.ID] = true
		if a.ModelID == "" {
			return fmt.Errorf("agent %q: model is required", a.ID)
		}
		if _, ok := providers[a.ProviderID]; !ok {
			return fmt.Errorf("agent %q references unknown provider %q", a.ID, a.ProviderID)
		}
	}
	return nil
}
