package throttle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/druide/go-throttle-agent/internal/limiter"
)

func writeFixture(t *testing.T, contents map[string]any) string {
	t.Helper()
	b, err := yaml.Marshal(contents)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func TestLoadConfigReadsYAMLFixture(t *testing.T) {
	path := writeFixture(t, map[string]any{
		"rate":                 250,
		"rate_lower_weight":    18,
		"max_pending":          500,
		"max_buffer":           64,
		"check_before_request": true,
		"max_conns":            128,
		"timeout_ms":           2500,
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Rate())
	assert.Equal(t, 18, cfg.RateLowerWeight())
	assert.Equal(t, 500, cfg.MaxPending())
	assert.Equal(t, 64, cfg.MaxBuffer())
	assert.True(t, cfg.CheckBeforeRequest())
	assert.Equal(t, 128, cfg.MaxConns)
	require.NotNil(t, cfg.Timeout)
	assert.Equal(t, 2500*time.Millisecond, cfg.Timeout("h1", ""))
}

func TestLoadConfigAppliesDefaultsForMissingKeys(t *testing.T) {
	path := writeFixture(t, map[string]any{"rate": 42})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 42, cfg.Rate())
	assert.Equal(t, 0.2, cfg.RateLowerKoef())
	assert.Equal(t, 0.02, cfg.RateRaiseKoef())
	assert.Equal(t, 3000, cfg.MaxPending())
	assert.Equal(t, 500, cfg.MaxConns)
}

func TestLoadConfigDefaultsRateToMaxRate(t *testing.T) {
	path := writeFixture(t, map[string]any{"max_pending": 500})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, limiter.MaxRate, cfg.Rate())
}

func TestLoadConfigErrorsOnMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
