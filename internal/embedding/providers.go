package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"engram-backend/internal/config"
	"engram-backend/pkg/observability"
)

// httpEmbedder carries the pieces shared by all three providers. Calls go
// through a bounded retry and a circuit breaker, mirroring the chat client:
// every write embeds, so a dead provider must shed load fast.
type httpEmbedder struct {
	cfg     config.EmbeddingConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Collector
}

func newHTTPEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger, metrics *observability.Collector) httpEmbedder {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embedding",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.8
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return httpEmbedder{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}
}

func (e *httpEmbedder) Dimensions() int {
	return e.cfg.Dimension
}

func (e *httpEmbedder) post(ctx context.Context, kind, endpoint string, headers map[string]string, payload, out any) error {
	start := time.Now()

	var lastErr error
	attempts := e.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := e.breaker.Execute(func() (any, error) {
			return nil, e.postOnce(ctx, endpoint, headers, payload, out)
		})
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}

	if e.metrics != nil {
		status := "success"
		if lastErr != nil {
			status = "failure"
		}
		e.metrics.LLMCalls.WithLabelValues(kind, status).Inc()
		e.metrics.LLMDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}
	return lastErr
}

func (e *httpEmbedder) postOnce(ctx context.Context, endpoint string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// openAIEmbeddingRequest is the /v1/embeddings wire shape shared by the
// intelli and azure providers.
type openAIEmbeddingRequest struct {
	Model string   `json:"model,omitempty"`
	Input []string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// intelliEmbedder targets any OpenAI-compatible /v1/embeddings endpoint.
type intelliEmbedder struct {
	httpEmbedder
}

func newIntelliEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger, metrics *observability.Collector) *intelliEmbedder {
	return &intelliEmbedder{newHTTPEmbedder(cfg, logger, metrics)}
}

func (e *intelliEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *intelliEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp openAIEmbeddingResponse
	err := e.post(ctx, "embedding", e.cfg.IntelliBaseURL+"/v1/embeddings",
		map[string]string{"Authorization": "Bearer " + e.cfg.IntelliAPIKey},
		openAIEmbeddingRequest{Model: e.cfg.IntelliModel, Input: texts},
		&resp,
	)
	if err != nil {
		return nil, err
	}
	return orderedVectors(resp, len(texts))
}

// azureEmbedder targets an Azure OpenAI deployment; the model is part of the
// URL and authentication uses the api-key header.
type azureEmbedder struct {
	httpEmbedder
}

func newAzureEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger, metrics *observability.Collector) *azureEmbedder {
	return &azureEmbedder{newHTTPEmbedder(cfg, logger, metrics)}
}

func (e *azureEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *azureEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	endpoint := fmt.Sprintf("%s/openai/deployments/%s/embeddings?api-version=%s",
		e.cfg.AzureEndpoint,
		url.PathEscape(e.cfg.AzureDeployment),
		url.QueryEscape(e.cfg.AzureAPIVersion),
	)
	var resp openAIEmbeddingResponse
	err := e.post(ctx, "embedding", endpoint,
		map[string]string{"api-key": e.cfg.AzureAPIKey},
		openAIEmbeddingRequest{Input: texts},
		&resp,
	)
	if err != nil {
		return nil, err
	}
	return orderedVectors(resp, len(texts))
}

// nomicEmbedder targets an Ollama-compatible /api/embeddings endpoint running
// a nomic-embed model. The endpoint embeds one prompt per call.
type nomicEmbedder struct {
	httpEmbedder
}

func newNomicEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger, metrics *observability.Collector) *nomicEmbedder {
	return &nomicEmbedder{newHTTPEmbedder(cfg, logger, metrics)}
}

type nomicRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type nomicResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *nomicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp nomicResponse
	err := e.post(ctx, "embedding", e.cfg.NomicBaseURL+"/api/embeddings", nil,
		nomicRequest{Model: e.cfg.NomicModel, Prompt: text},
		&resp,
	)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("embedding provider returned empty vector")
	}
	return resp.Embedding, nil
}

func (e *nomicEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = vec
	}
	return results, nil
}

func orderedVectors(resp openAIEmbeddingResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("embedding provider returned %d vectors, want %d", len(resp.Data), want)
	}
	out := make([][]float32, want)
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= want {
			return nil, fmt.Errorf("embedding provider returned out-of-range index %d", item.Index)
		}
		out[item.Index] = item.Embedding
	}
	return out, nil
}
