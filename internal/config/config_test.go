package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8004, cfg.Server.Port)
	assert.Equal(t, int64(256), cfg.Server.InboundConcurrency)

	assert.Equal(t, 6334, cfg.Qdrant.Port)
	assert.Equal(t, 384, cfg.Qdrant.VectorSize)
	assert.Equal(t, "multimodal_text", cfg.Qdrant.CollectionText)
	assert.Equal(t, 2*time.Second, cfg.Qdrant.SearchTimeout)
	assert.Equal(t, int64(32), cfg.Qdrant.ConcurrencyPerModality)

	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.InDelta(t, 0.7, cfg.Search.SimilarityThreshold, 1e-9)
	assert.Equal(t, 10000, cfg.Search.CacheSize)
	assert.Equal(t, time.Minute, cfg.Search.CacheTTL)

	assert.Equal(t, time.Second, cfg.Metadata.EnrichmentTimeout)
	assert.Equal(t, int64(16), cfg.Metadata.EnrichmentConcurrency)
	assert.Equal(t, 500*time.Millisecond, cfg.Metadata.SessionWriteTimeout)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 9000
qdrant:
  host: qdrant.internal
  vector_size: 768
search:
  default_limit: 20
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "qdrant.internal", cfg.Qdrant.Host)
	assert.Equal(t, 768, cfg.Qdrant.VectorSize)
	assert.Equal(t, 20, cfg.Search.DefaultLimit)
	// Untouched fields keep defaults.
	assert.Equal(t, 100, cfg.Search.MaxLimit)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("SERVER_PORT", "9100")
	t.Setenv("QDRANT_HOST", "override.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "override.example", cfg.Qdrant.Host)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		applyDefaults(cfg)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = -1 }},
		{"negative inbound concurrency", func(c *Config) { c.Server.InboundConcurrency = -5 }},
		{"missing qdrant host", func(c *Config) { c.Qdrant.Host = "" }},
		{"zero vector size", func(c *Config) { c.Qdrant.VectorSize = 0 }},
		{"missing collection", func(c *Config) { c.Qdrant.CollectionImage = "" }},
		{"default above max limit", func(c *Config) { c.Search.DefaultLimit = 500 }},
		{"threshold out of range", func(c *Config) { c.Search.SimilarityThreshold = 1.5 }},
		{"missing worker url", func(c *Config) { c.Worker.URL = "" }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "super-secret", s.Value())
	assert.True(t, s.IsSet())

	b, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"[REDACTED]"`, string(b))

	var empty Secret
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}
