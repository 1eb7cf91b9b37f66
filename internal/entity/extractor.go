package entity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"engram-backend/internal/domain"
	"engram-backend/internal/graph"
	"engram-backend/internal/llm"
	"engram-backend/pkg/observability"
)

// siblingContextLimit bounds how many recent sibling memories are shown to
// the extraction prompt for coreference ("she", "the company").
const siblingContextLimit = 3

const extractionSystemPrompt = `You extract entities and relationships from a user's memory statement.
Respond with a JSON object of this exact shape:
{"entities": [{"name": "...", "type": "PERSON|ORGANIZATION|LOCATION|PRODUCT|CONCEPT|OTHER or a better-fitting uppercase label", "description": "..."}],
 "relationships": [{"source": "...", "target": "...", "type": "UPPERCASE_VERB_PHRASE", "description": "...", "weight": 0.0}]}
Entity names must be the fullest form mentioned. Relationship source and target must be entity names from the entities list. Weight is relationship strength between 0 and 1. Extract nothing that is not stated.`

// extractionPayload is the shape the extraction prompt is asked to return.
type extractionPayload struct {
	Entities      []Input `json:"entities"`
	Relationships []struct {
		Source      string  `json:"source"`
		Target      string  `json:"target"`
		Type        string  `json:"type"`
		Description string  `json:"description"`
		Weight      float64 `json:"weight"`
	} `json:"relationships"`
}

// Extractor runs the post-write extraction pass: it pulls entities and
// relationships out of a stored memory and wires them into the user's graph.
type Extractor struct {
	store    graph.Querier
	resolver *Resolver
	provider llm.Provider
	logger   *zap.Logger
	metrics  *observability.Collector
}

// NewExtractor creates an extraction worker.
func NewExtractor(store graph.Querier, resolver *Resolver, provider llm.Provider, logger *zap.Logger, metrics *observability.Collector) *Extractor {
	return &Extractor{
		store:    store,
		resolver: resolver,
		provider: provider,
		logger:   logger,
		metrics:  metrics,
	}
}

// ExtractForMemory extracts entities from a stored memory and links them. It
// is designed to run fire-and-forget; the returned error feeds the caller's
// completion handle and its failure metric, never the write result.
func (x *Extractor) ExtractForMemory(ctx context.Context, userID, memoryID string) error {
	err := x.extract(ctx, userID, memoryID)
	if err != nil {
		if x.metrics != nil {
			x.metrics.ExtractionFailures.Inc()
		}
		x.logger.Warn("entity extraction failed",
			zap.String("user_id", userID),
			zap.String("memory_id", memoryID),
			zap.Error(err),
		)
	}
	return err
}

func (x *Extractor) extract(ctx context.Context, userID, memoryID string) error {
	content, siblings, err := x.loadContext(ctx, userID, memoryID)
	if err != nil {
		return err
	}
	if content == "" {
		return fmt.Errorf("memory %s not found", memoryID)
	}

	payload, err := x.callExtraction(ctx, content, siblings)
	if err != nil {
		return err
	}
	if len(payload.Entities) == 0 {
		return nil
	}

	// Resolve every mentioned entity, remembering name -> id for the
	// relationship pass. A single failed resolve skips that entity only.
	resolved := make(map[string]string, len(payload.Entities))
	for _, in := range payload.Entities {
		id, err := x.resolver.Resolve(ctx, in, userID)
		if err != nil {
			x.logger.Warn("entity resolve failed, skipping mention",
				zap.String("entity", in.Name),
				zap.Error(err),
			)
			continue
		}
		resolved[domain.NormalizeEntityName(in.Name)] = id
		if err := x.linkMention(ctx, memoryID, id); err != nil {
			return err
		}
	}

	for _, rel := range payload.Relationships {
		sourceID := resolved[domain.NormalizeEntityName(rel.Source)]
		targetID := resolved[domain.NormalizeEntityName(rel.Target)]
		if sourceID == "" || targetID == "" || sourceID == targetID {
			continue
		}
		relType := strings.TrimSpace(strings.ToUpper(rel.Type))
		if relType == "" {
			relType = "RELATED_TO"
		}
		weight := rel.Weight
		if weight <= 0 || weight > 1 {
			weight = domain.DefaultRelationshipWeight
		}
		if err := x.linkEntities(ctx, sourceID, targetID, relType, rel.Description, weight); err != nil {
			return err
		}
	}
	return nil
}

func (x *Extractor) loadContext(ctx context.Context, userID, memoryID string) (string, []string, error) {
	rows, err := x.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory {id: $memoryId})
		OPTIONAL MATCH (u)-[:HAS_MEMORY]->(p:Memory)
		WHERE p.id <> $memoryId AND p.state = 'active' AND p.invalidAt IS NULL
		WITH m, p ORDER BY p.createdAt DESC LIMIT toInteger($siblings)
		RETURN m.content AS content, collect(p.content) AS siblings`,
		map[string]any{
			"userId":   userID,
			"memoryId": memoryID,
			"siblings": siblingContextLimit,
		})
	if err != nil {
		return "", nil, fmt.Errorf("failed to load memory for extraction: %w", err)
	}
	if len(rows) == 0 {
		return "", nil, nil
	}
	return graph.AsString(rows[0]["content"]), graph.AsStringSlice(rows[0]["siblings"]), nil
}

func (x *Extractor) callExtraction(ctx context.Context, content string, siblings []string) (*extractionPayload, error) {
	var sb strings.Builder
	if len(siblings) > 0 {
		sb.WriteString("Recent context (do not extract from these):\n")
		for _, s := range siblings {
			sb.WriteString("- ")
			sb.WriteString(s)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Statement to extract from:\n")
	sb.WriteString(content)

	response, err := x.provider.Complete(ctx, extractionSystemPrompt, sb.String(), llm.CompletionOptions{
		Temperature: 0,
		MaxTokens:   1024,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion failed: %w", err)
	}

	var payload extractionPayload
	if err := llm.DecodeObject(response, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse extraction response: %w", err)
	}
	return &payload, nil
}

func (x *Extractor) linkMention(ctx context.Context, memoryID, entityID string) error {
	_, err := x.store.RunWrite(ctx, `
		MATCH (m:Memory {id: $memoryId}), (e:Entity {id: $entityId})
		MERGE (m)-[r:MENTIONS]->(e)
		ON CREATE SET r.createdAt = $now`,
		map[string]any{"memoryId": memoryID, "entityId": entityID, "now": time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to link mention: %w", err)
	}
	return nil
}

// linkEntities upserts the relationship and refreshes both endpoint ranks
// from their current degree so traversal ordering stays meaningful. The type
// is part of the MERGE key: WORKS_AT and FOUNDED between the same pair are
// distinct edges.
func (x *Extractor) linkEntities(ctx context.Context, sourceID, targetID, relType, description string, weight float64) error {
	_, err := x.store.RunWrite(ctx, `
		MATCH (a:Entity {id: $sourceId}), (b:Entity {id: $targetId})
		MERGE (a)-[r:RELATED_TO {type: $relType}]->(b)
		ON CREATE SET r.createdAt = $now
		SET r.description = $description,
			r.weight = $weight,
			r.updatedAt = $now
		WITH a, b
		SET a.rank = toFloat(COUNT { (a)-[:RELATED_TO]-() }),
			b.rank = toFloat(COUNT { (b)-[:RELATED_TO]-() })`,
		map[string]any{
			"sourceId":    sourceID,
			"targetId":    targetID,
			"relType":     relType,
			"description": description,
			"weight":      weight,
			"now":         time.Now().UTC(),
		})
	if err != nil {
		return fmt.Errorf("failed to link entities: %w", err)
	}
	return nil
}
