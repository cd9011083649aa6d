// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for configuration loading, overrides, and watching.

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opscore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12220, cfg.Server.Port)
	assert.True(t, cfg.Monitoring.EnableOptimization)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9000
redis:
  addr: localhost:6379
monitoring:
  enableOptimization: false
  ruleIntervalSeconds: 15
  thresholds:
    cpuPercent: 75
    queueBacklog: 5000
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Monitoring.EnableOptimization)
	assert.Equal(t, 15*time.Second, cfg.Monitoring.RuleInterval())
	assert.Equal(t, 75.0, cfg.Monitoring.Thresholds.CPUPercent)
	assert.Equal(t, 5000.0, cfg.Monitoring.Thresholds.QueueBacklog)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPSCORE_PORT", "8123")
	t.Setenv("OPSCORE_REDIS_ADDR", "redis:6379")
	t.Setenv("OPSCORE_ENABLE_OPTIMIZATION", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.False(t, cfg.Monitoring.EnableOptimization)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 99999\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "validation")

	path = writeConfig(t, "monitoring:\n  thresholds:\n    cpuPercent: 150\n")
	_, err = Load(path)
	assert.ErrorContains(t, err, "validation")

	path = writeConfig(t, "{not yaml")
	_, err = Load(path)
	assert.ErrorContains(t, err, "parse")
}

func TestWatchAppliesThresholdChanges(t *testing.T) {
	path := writeConfig(t, "monitoring:\n  thresholds:\n    cpuPercent: 90\n")

	var mu sync.Mutex
	var got []ThresholdsConfig
	stop, err := Watch(path, nil, func(th ThresholdsConfig) {
		mu.Lock()
		got = append(got, th)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path,
		[]byte("monitoring:\n  thresholds:\n    cpuPercent: 70\n"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, th := range got {
			if th.CPUPercent == 70 {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestWatchSkipsInvalidIntermediate(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9000\n")

	var mu sync.Mutex
	calls := 0
	stop, err := Watch(path, nil, func(ThresholdsConfig) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 99999\n"), 0o644))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "invalid config must not reach the callback")
}
