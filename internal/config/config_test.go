package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmbeddingProvider(t *testing.T) {
	assert.Equal(t, ProviderAzure, ParseEmbeddingProvider("azure"))
	assert.Equal(t, ProviderNomic, ParseEmbeddingProvider("nomic"))
	assert.Equal(t, ProviderIntelli, ParseEmbeddingProvider("intelli"))
	assert.Equal(t, ProviderIntelli, ParseEmbeddingProvider(""))
	assert.Equal(t, ProviderIntelli, ParseEmbeddingProvider("something-new"))
}

func TestLoadConfig(t *testing.T) {
	t.Run("defaults load without environment", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.ServerAddress)
		assert.Equal(t, "development", cfg.Environment)
		assert.Equal(t, 3*time.Second, cfg.ExtractionDrainTimeout)

		d := cfg.Dedup()
		assert.True(t, d.Enabled)
		assert.InDelta(t, 0.75, d.Threshold, 1e-9)
		assert.InDelta(t, 0.55, d.AzureThreshold, 1e-9)
		assert.InDelta(t, 0.55, d.IntelliThreshold, 1e-9)
	})

	t.Run("environment overrides are read", func(t *testing.T) {
		t.Setenv("DEDUP_THRESHOLD", "0.9")
		t.Setenv("EXTRACTION_DRAIN_TIMEOUT_MS", "500")

		cfg, err := LoadConfig()
		require.NoError(t, err)
		assert.InDelta(t, 0.9, cfg.Dedup().Threshold, 1e-9)
		assert.Equal(t, 500*time.Millisecond, cfg.ExtractionDrainTimeout)
	})

	t.Run("production requires credentials", func(t *testing.T) {
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("GRAPH_PASSWORD", "")
		t.Setenv("LLM_API_KEY", "")

		_, err := LoadConfig()
		assert.Error(t, err)
	})

	t.Run("out of range thresholds are rejected", func(t *testing.T) {
		t.Setenv("DEDUP_AZURE_THRESHOLD", "1.5")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestActiveEmbeddingProvider(t *testing.T) {
	cfg := &Config{Embedding: EmbeddingConfig{Provider: ProviderIntelli}}

	t.Run("environment wins when set", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "azure")
		assert.Equal(t, ProviderAzure, cfg.ActiveEmbeddingProvider())
	})

	t.Run("falls back to the loaded value", func(t *testing.T) {
		t.Setenv("EMBEDDING_PROVIDER", "")
		assert.Equal(t, ProviderIntelli, cfg.ActiveEmbeddingProvider())
	})
}

func TestDedupThresholdFor(t *testing.T) {
	cfg := &Config{}
	cfg.SetDedup(DedupConfig{Threshold: 0.75, AzureThreshold: 0.55, IntelliThreshold: 0.6})

	assert.InDelta(t, 0.55, cfg.DedupThresholdFor(ProviderAzure), 1e-9)
	assert.InDelta(t, 0.6, cfg.DedupThresholdFor(ProviderIntelli), 1e-9)
	assert.InDelta(t, 0.75, cfg.DedupThresholdFor(ProviderNomic), 1e-9)

	t.Run("per-provider values stay independent", func(t *testing.T) {
		d := cfg.Dedup()
		d.AzureThreshold = 0.99
		cfg.SetDedup(d)
		assert.InDelta(t, 0.6, cfg.DedupThresholdFor(ProviderIntelli), 1e-9)
	})
}
