package memory

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"engram-backend/internal/graph"
	"engram-backend/internal/llm"
)

// maxCategories bounds how many labels one memory carries.
const maxCategories = 3

// maxCategoryLength rejects runaway labels from the model.
const maxCategoryLength = 50

const categorizerSystemPrompt = `You assign 1 to 3 short category labels to a user memory.
Labels like "personal", "work", "health", "finance", "travel", "preferences" are typical but any concise label fits.
Respond with a JSON array of strings only.`

// Categorizer labels memories via the LLM and attaches shared Category
// nodes. Every failure is swallowed: categorization must never surface into
// a write result.
type Categorizer struct {
	store    graph.Querier
	provider llm.Provider
	logger   *zap.Logger
}

// NewCategorizer creates a categorizer.
func NewCategorizer(store graph.Querier, provider llm.Provider, logger *zap.Logger) *Categorizer {
	return &Categorizer{store: store, provider: provider, logger: logger}
}

// Categorize labels the memory and MERGEs the category edges.
func (c *Categorizer) Categorize(ctx context.Context, memoryID, text string) {
	response, err := c.provider.Complete(ctx, categorizerSystemPrompt, text, llm.CompletionOptions{
		Temperature: 0,
		MaxTokens:   100,
		JSONMode:    true,
	})
	if err != nil {
		c.logger.Debug("categorization completion failed", zap.Error(err))
		return
	}

	var raw []string
	if err := llm.DecodeArray(response, &raw); err != nil {
		c.logger.Debug("categorization response was not a string array", zap.Error(err))
		return
	}
	names := SanitizeCategories(raw)
	if len(names) == 0 {
		return
	}

	_, err = c.store.RunWrite(ctx, `
		MATCH (m:Memory {id: $memoryId})
		UNWIND $names AS name
		MERGE (c:Category {name: name})
		MERGE (m)-[:HAS_CATEGORY]->(c)`,
		map[string]any{"memoryId": memoryID, "names": names})
	if err != nil {
		c.logger.Debug("failed to write categories",
			zap.String("memory_id", memoryID),
			zap.Error(err),
		)
	}
}

// SanitizeCategories trims, drops over-long labels, dedupes
// case-insensitively, and caps the count.
func SanitizeCategories(raw []string) []string {
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, maxCategories)
	for _, name := range raw {
		name = strings.TrimSpace(name)
		if name == "" || len(name) > maxCategoryLength {
			continue
		}
		key := strings.ToLower(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, name)
		if len(out) == maxCategories {
			break
		}
	}
	return out
}
