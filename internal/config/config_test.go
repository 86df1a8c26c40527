// Copyright (c) 2025 HyxiaoGe
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HyxiaoGe/nexus-chat/internal/model"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.Providers)
	assert.NotEmpty(t, cfg.Agents)
	require.NoError(t, cfg.Validate())
}

func TestLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.RequestsPerMinute = 30
	cfg.Providers[0].APIKey = "sk-roundtrip"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", loaded.LogLevel)
	assert.Equal(t, 30, loaded.RequestsPerMinute)
	assert.Equal(t, "sk-roundtrip", loaded.Providers[0].APIKey)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, Default().Save(path))

	t.Setenv("NEXUS_LOG_LEVEL", "warn")
	t.Setenv("OPENROUTER_API_KEY", "sk-from-env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "sk-from-env", cfg.Providers[0].APIKey)
}

func TestValidateRejectsBrokenReferences(t *testing.T) {
	cfg := Default()
	cfg.Agents = append(cfg.Agents, model.Agent{ID: "broken", ModelID: "m", ProviderID: "nowhere"})
	assert.ErrorContains(t, cfg.Validate(), "unknown provider")
}

func TestValidateRejectsDuplicates(t *testing.T) {
	cfg := Default()
	cfg.Providers = append(cfg.Providers, cfg.Providers[0])
	assert.ErrorContains(t, cfg.Validate(), "duplicate provider")

	cfg = Default()
	cfg.Agents = append(cfg.Agents, cfg.Agents[0])
	assert.ErrorContains(t, cfg.Validate(), "duplicate agent")
}

func TestValidateRejectsUnknownProviderType(t *testing.T) {
	cfg := Default()
	cfg.Providers[0].Type = "carrier-pigeon"
	assert.ErrorContains(t, cfg.Validate(), "unknown type")
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
		ok   bool
	}{
		{"trace", LevelTrace, true},
		{"debug", slog.LevelDebug, true},
		{"info", slog.LevelInfo, true},
		{"", slog.LevelInfo, true},
		{"WARN", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
	}
	for _, tt := range tests {
		lvl, err := ParseLogLevel(tt.in)
		assert.Equal(t, tt.want, lvl, tt.in)
		if tt.ok {
			assert.NoError(t, err, tt.in)
		} else {
			assert.Error(t, err, tt.in)
		}
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, Default().Save(path))

	var mu sync.Mutex
	var got *Config
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, path, func(cfg *Config) {
			mu.Lock()
			got = cfg
			mu.Unlock()
		})
	}()

	// Give the watcher time to arm before writing.
	time.Sleep(100 * time.Millisecond)

	updated := Default()
	updated.RequestsPerMinute = 7
	require.NoError(t, updated.Save(path))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := got != nil && got.RequestsPerMinute == 7
		mu.Unlock()
		if ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	require.NotNil(t, got, "config was not reloaded")
	assert.Equal(t, 7, got.RequestsPerMinute)
	mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit on cancel")
	}
}

func TestWatchSkipsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, Default().Save(path))

	var calls int
	var mu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = Watch(ctx, path, func(*Config) {
			mu.Lock()
			calls++
			mu.Unlock()
		})
	}()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("this is not toml {{"), 0o600))
	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()
}
