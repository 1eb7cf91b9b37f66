package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"engram-backend/internal/config"
	"engram-backend/pkg/observability"
)

// Client is an OpenAI-compatible chat-completions provider. Calls carry a
// per-request timeout and a bounded retry; a circuit breaker sheds load when
// the provider is failing hard so background extraction cannot pile up
// requests against a dead endpoint.
type Client struct {
	cfg     config.LLMConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
	metrics *observability.Collector
}

// NewClient creates a chat-completion client from configuration.
func NewClient(cfg config.LLMConfig, logger *zap.Logger, metrics *observability.Collector) *Client {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
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

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		logger:  logger,
		metrics: metrics,
	}
}

// IsAvailable returns true when the client is configured and the breaker is
// not open.
func (c *Client) IsAvailable() bool {
	return c.cfg.BaseURL != "" && c.breaker.State() != gobreaker.StateOpen
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends a system/user message pair and returns the raw content of
// the first choice. Transport and 5xx failures are retried up to the
// configured bound.
func (c *Client) Complete(ctx context.Context, system, user string, options CompletionOptions) (string, error) {
	start := time.Now()

	var content string
	var lastErr error
	attempts := c.cfg.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		result, err := c.breaker.Execute(func() (any, error) {
			return c.completeOnce(ctx, system, user, options)
		})
		if err == nil {
			content = result.(string)
			lastErr = nil
			break
		}
		lastErr = err
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
	}

	if c.metrics != nil {
		status := "success"
		if lastErr != nil {
			status = "failure"
		}
		c.metrics.LLMCalls.WithLabelValues("chat", status).Inc()
		c.metrics.LLMDuration.WithLabelValues("chat").Observe(time.Since(start).Seconds())
	}

	if lastErr != nil {
		return "", lastErr
	}
	return content, nil
}

func (c *Client) completeOnce(ctx context.Context, system, user string, options CompletionOptions) (string, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
	}
	if options.JSONMode {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := c.cfg.BaseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llm provider returned %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm provider returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
