// Package config loads and validates application configuration.
//
// Configuration is read once at startup from environment variables into a
// single typed Config. The only values consulted again mid-request are the
// embedding provider switch and the dedup thresholds, both of which may be
// hot-reloaded (see watcher.go).
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// EmbeddingProvider is the closed set of supported embedding backends.
type EmbeddingProvider string

const (
	ProviderIntelli EmbeddingProvider = "intelli"
	ProviderAzure   EmbeddingProvider = "azure"
	ProviderNomic   EmbeddingProvider = "nomic"
)

// ParseEmbeddingProvider maps a raw provider name to the closed enum.
// Unknown names fall back to intelli.
func ParseEmbeddingProvider(raw string) EmbeddingProvider {
	switch raw {
	case string(ProviderAzure):
		return ProviderAzure
	case string(ProviderNomic):
		return ProviderNomic
	default:
		return ProviderIntelli
	}
}

// DedupConfig holds deduplication tuning. The three thresholds are
// independent: changing the Azure value must never affect the intelli path.
type DedupConfig struct {
	Enabled bool
	// Threshold is the fallback similarity floor for providers without a
	// dedicated value.
	Threshold float64
	// AzureThreshold applies when the active provider is azure.
	AzureThreshold float64
	// IntelliThreshold applies when the active provider is intelli.
	IntelliThreshold float64
	// MaxCandidates caps vector candidate recall.
	MaxCandidates int
	// RunnerUpMargin is the score gap under which the second candidate is
	// also verified when the first verifies DIFFERENT.
	RunnerUpMargin float64
	// PairCacheMaxEntries bounds the pair-verification cache.
	PairCacheMaxEntries int
}

// GraphConfig holds connection settings for the Cypher store.
type GraphConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

// LLMConfig holds chat-completion provider settings.
type LLMConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider  EmbeddingProvider
	Dimension int
	// Intelli (OpenAI-compatible) settings.
	IntelliBaseURL string
	IntelliAPIKey  string
	IntelliModel   string
	// Azure OpenAI settings.
	AzureEndpoint   string
	AzureAPIKey     string
	AzureDeployment string
	AzureAPIVersion string
	// Nomic (Ollama-compatible) settings.
	NomicBaseURL string
	NomicModel   string
	Timeout      time.Duration
	MaxRetries   int
}

// Config holds all application configuration.
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// Logging
	LogLevel string

	// Feature flags
	EnableMetrics bool
	EnableTracing bool
	TracingOTLP   string

	Graph     GraphConfig
	LLM       LLMConfig
	Embedding EmbeddingConfig

	// ExtractionDrainTimeout caps the wait for the previous batch item's
	// background extraction before the next write starts.
	ExtractionDrainTimeout time.Duration

	// MaxBackgroundTasks bounds the fire-and-forget spawner.
	MaxBackgroundTasks int

	// OverridesFile optionally points at a YAML file with hot-reloadable
	// dedup settings.
	OverridesFile string

	mu    sync.RWMutex
	dedup DedupConfig
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		EnableTracing: getEnvBool("ENABLE_TRACING", false),
		TracingOTLP:   getEnv("OTLP_ENDPOINT", "localhost:4317"),

		Graph: GraphConfig{
			URI:      getEnv("GRAPH_URI", "bolt://localhost:7687"),
			Username: getEnv("GRAPH_USERNAME", "neo4j"),
			Password: getEnv("GRAPH_PASSWORD", ""),
			Database: getEnv("GRAPH_DATABASE", ""),
		},

		LLM: LLMConfig{
			BaseURL:    getEnv("LLM_BASE_URL", "https://api.openai.com"),
			APIKey:     getEnv("LLM_API_KEY", ""),
			Model:      getEnv("LLM_MODEL", "gpt-4o-mini"),
			Timeout:    getEnvDurationMS("LLM_TIMEOUT_MS", 30000),
			MaxRetries: getEnvInt("LLM_MAX_RETRIES", 1),
		},

		Embedding: EmbeddingConfig{
			Provider:        ParseEmbeddingProvider(getEnv("EMBEDDING_PROVIDER", "intelli")),
			Dimension:       getEnvInt("EMBEDDING_DIMENSION", 1536),
			IntelliBaseURL:  getEnv("INTELLI_BASE_URL", "https://api.openai.com"),
			IntelliAPIKey:   getEnv("INTELLI_API_KEY", ""),
			IntelliModel:    getEnv("INTELLI_EMBEDDING_MODEL", "text-embedding-3-small"),
			AzureEndpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
			AzureAPIKey:     getEnv("AZURE_OPENAI_API_KEY", ""),
			AzureDeployment: getEnv("AZURE_EMBEDDING_DEPLOYMENT", "text-embedding-ada-002"),
			AzureAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", "2024-02-01"),
			NomicBaseURL:    getEnv("NOMIC_BASE_URL", "http://localhost:11434"),
			NomicModel:      getEnv("NOMIC_EMBEDDING_MODEL", "nomic-embed-text"),
			Timeout:         getEnvDurationMS("EMBEDDING_TIMEOUT_MS", 30000),
			MaxRetries:      getEnvInt("EMBEDDING_MAX_RETRIES", 1),
		},

		ExtractionDrainTimeout: getEnvDurationMS("EXTRACTION_DRAIN_TIMEOUT_MS", 3000),
		MaxBackgroundTasks:     getEnvInt("MAX_BACKGROUND_TASKS", 64),
		OverridesFile:          getEnv("CONFIG_OVERRIDES_FILE", ""),

		dedup: DedupConfig{
			Enabled:             getEnvBool("DEDUP_ENABLED", true),
			Threshold:           getEnvFloat("DEDUP_THRESHOLD", 0.75),
			AzureThreshold:      getEnvFloat("DEDUP_AZURE_THRESHOLD", 0.55),
			IntelliThreshold:    getEnvFloat("DEDUP_INTELLI_THRESHOLD", 0.55),
			MaxCandidates:       getEnvInt("DEDUP_MAX_CANDIDATES", 5),
			RunnerUpMargin:      getEnvFloat("DEDUP_RUNNER_UP_MARGIN", 0.05),
			PairCacheMaxEntries: getEnvInt("PAIR_CACHE_MAX_ENTRIES", 10000),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if all required configuration is present.
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if c.Graph.Password == "" {
			return fmt.Errorf("GRAPH_PASSWORD is required in production")
		}
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required in production")
		}
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSION must be positive")
	}
	d := c.Dedup()
	for name, v := range map[string]float64{
		"DEDUP_THRESHOLD":         d.Threshold,
		"DEDUP_AZURE_THRESHOLD":   d.AzureThreshold,
		"DEDUP_INTELLI_THRESHOLD": d.IntelliThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1]", name)
		}
	}
	return nil
}

// Dedup returns a snapshot of the current dedup settings.
func (c *Config) Dedup() DedupConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dedup
}

// SetDedup replaces the dedup settings (used by the overrides watcher).
func (c *Config) SetDedup(d DedupConfig) {
	c.mu.Lock()
	c.dedup = d
	c.mu.Unlock()
}

// ActiveEmbeddingProvider resolves the provider switch. The environment is
// consulted on every call: provider selection is the one setting the dedup
// path re-reads mid-request so operators can flip providers live.
func (c *Config) ActiveEmbeddingProvider() EmbeddingProvider {
	if raw := os.Getenv("EMBEDDING_PROVIDER"); raw != "" {
		return ParseEmbeddingProvider(raw)
	}
	return c.Embedding.Provider
}

// DedupThresholdFor returns the similarity floor for the given provider.
// The per-provider values are independent by contract.
func (c *Config) DedupThresholdFor(provider EmbeddingProvider) float64 {
	d := c.Dedup()
	switch provider {
	case ProviderAzure:
		return d.AzureThreshold
	case ProviderIntelli:
		return d.IntelliThreshold
	default:
		return d.Threshold
	}
}

// IsDevelopment checks if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDurationMS reads a millisecond-valued environment variable.
func getEnvDurationMS(key string, defaultMS int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMS)) * time.Millisecond
}
