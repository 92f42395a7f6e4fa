package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kioku-ai/kioku/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Tenant)
	assert.Equal(t, "auto", cfg.EmbeddingProvider)
	assert.Equal(t, 1024, cfg.EmbeddingDimensions)
	assert.Equal(t, 180*24*time.Hour, cfg.PruneAfter)
	assert.Equal(t, -5.0, cfg.DeleteScoreFloor)
	assert.Equal(t, 3, cfg.LoopThreshold)
	assert.Equal(t, 500, cfg.MaxItemsPerProject)
	assert.Equal(t, 3, cfg.QuarantineErrors)
	assert.Equal(t, 200, cfg.CacheSize)
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.DefaultLimit)
	assert.Equal(t, 3, cfg.MaxGraphHops)
	assert.Equal(t, 30*time.Second, cfg.LockTimeout)
	assert.Equal(t, 5000, cfg.AuditKeep)
	assert.False(t, cfg.ForensicDetail)
	assert.NotEmpty(t, cfg.SQLitePath)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("KIOKU_TENANT", "team-red")
	t.Setenv("KIOKU_DB_PATH", "/tmp/red.db")
	t.Setenv("KIOKU_EMBEDDING_PROVIDER", "noop")
	t.Setenv("KIOKU_PRUNE_AFTER", "72h")
	t.Setenv("KIOKU_CACHE_SIZE", "50")
	t.Setenv("KIOKU_FORENSIC_VERBOSE", "true")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "team-red", cfg.Tenant)
	assert.Equal(t, "/tmp/red.db", cfg.SQLitePath)
	assert.Equal(t, "noop", cfg.EmbeddingProvider)
	assert.Equal(t, 72*time.Hour, cfg.PruneAfter)
	assert.Equal(t, 50, cfg.CacheSize)
	assert.True(t, cfg.ForensicDetail)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("KIOKU_CACHE_SIZE", "lots")
	t.Setenv("KIOKU_PRUNE_AFTER", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 200, cfg.CacheSize)
	assert.Equal(t, 180*24*time.Hour, cfg.PruneAfter)
}

func TestValidate(t *testing.T) {
	cfg := config.Config{
		SQLitePath:          "kioku.db",
		EmbeddingDimensions: 1024,
		LoopThreshold:       5,
		MaxItemsPerProject:  500,
		CacheSize:           200,
	}
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.SQLitePath = ""
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.EmbeddingDimensions = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.CacheSize = -1
	assert.Error(t, bad.Validate())
}
