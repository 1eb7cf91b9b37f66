// Package embedding provides vector-embedding clients for the supported
// providers: intelli (OpenAI-compatible), azure (Azure OpenAI) and nomic
// (Ollama-compatible local models).
package embedding

import (
	"context"

	"go.uber.org/zap"

	"engram-backend/internal/config"
	"engram-backend/pkg/observability"
)

// Embedder generates vector embeddings from text. Implementations are safe
// for concurrent use.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding vector dimension.
	Dimensions() int
}

// New constructs the embedder for the configured provider. The provider set
// is closed; config.ParseEmbeddingProvider already folded unknown names to
// intelli.
func New(cfg config.EmbeddingConfig, logger *zap.Logger, metrics *observability.Collector) Embedder {
	switch cfg.Provider {
	case config.ProviderAzure:
		return newAzureEmbedder(cfg, logger, metrics)
	case config.ProviderNomic:
		return newNomicEmbedder(cfg, logger, metrics)
	default:
		return newIntelliEmbedder(cfg, logger, metrics)
	}
}
