// Package entity resolves extracted entities against a user's subgraph and
// links memories to them. Resolution is idempotent and race-safe: the final
// create is a single atomic MERGE, so concurrent resolvers converge on one id.
package entity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engram-backend/internal/domain"
	"engram-backend/internal/embedding"
	"engram-backend/internal/graph"
	"engram-backend/internal/llm"
	"engram-backend/internal/tasks"
	appErrors "engram-backend/pkg/errors"
)

// semanticMatchFloor is the minimum description similarity considered for
// the semantic tier.
const semanticMatchFloor = 0.3

// semanticMatchLimit caps semantic candidates per resolve.
const semanticMatchLimit = 5

// Input describes an entity mention to resolve.
type Input struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// Resolver implements the three-tier match (exact, alias, semantic) with an
// atomic MERGE fallback.
type Resolver struct {
	store    graph.Querier
	embedder embedding.Embedder
	verifier llm.Provider
	spawner  *tasks.Spawner
	logger   *zap.Logger
}

// NewResolver creates an entity resolver.
func NewResolver(store graph.Querier, embedder embedding.Embedder, verifier llm.Provider, spawner *tasks.Spawner, logger *zap.Logger) *Resolver {
	return &Resolver{
		store:    store,
		embedder: embedder,
		verifier: verifier,
		spawner:  spawner,
		logger:   logger,
	}
}

// Resolve returns the id of the entity matching the input, creating it when
// no tier hits. The returned id is authoritative even under races: MERGE
// hands the loser the winner's node.
func (r *Resolver) Resolve(ctx context.Context, in Input, userID string) (string, error) {
	if in.Name == "" {
		return "", appErrors.NewValidation("entity name cannot be empty")
	}
	if in.Type == "" {
		in.Type = domain.EntityTypeOther
	}
	normalized := domain.NormalizeEntityName(in.Name)

	if err := r.ensureUser(ctx, userID); err != nil {
		return "", appErrors.Wrap(err, "failed to ensure user")
	}

	// Tier 1: exact normalized-name match, read-only to stay off the write lock.
	if id, err := r.exactMatch(ctx, userID, normalized, in); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	// Tier 2: alias prefix match for people ("Alice" vs "Alice Chen").
	if in.Type == domain.EntityTypePerson {
		if id, err := r.aliasMatch(ctx, userID, normalized, in); err != nil {
			return "", err
		} else if id != "" {
			return id, nil
		}
	}

	// Tier 3: semantic match over description embeddings. Failures here are
	// silent; creation is always a safe fallback.
	if id := r.semanticMatch(ctx, userID, in); id != "" {
		return id, nil
	}

	return r.create(ctx, userID, normalized, in)
}

func (r *Resolver) ensureUser(ctx context.Context, userID string) error {
	_, err := r.store.RunWrite(ctx, `
		MERGE (u:User {userId: $userId})
		ON CREATE SET u.createdAt = $now`,
		map[string]any{"userId": userID, "now": time.Now().UTC()})
	return err
}

func (r *Resolver) exactMatch(ctx context.Context, userID, normalized string, in Input) (string, error) {
	rows, err := r.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity {normalizedName: $normalized})
		RETURN e.id AS id, e.name AS name, e.type AS type, e.description AS description`,
		map[string]any{"userId": userID, "normalized": normalized})
	if err != nil {
		return "", appErrors.Wrap(err, "exact entity match failed")
	}
	if len(rows) == 0 {
		return "", nil
	}
	row := rows[0]
	id := graph.AsString(row["id"])
	r.upgrade(ctx, userID, id, row, in, "")
	return id, nil
}

func (r *Resolver) aliasMatch(ctx context.Context, userID, normalized string, in Input) (string, error) {
	rows, err := r.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity)
		WHERE e.type = 'PERSON'
		  AND (e.normalizedName STARTS WITH $normalized OR $normalized STARTS WITH e.normalizedName)
		RETURN e.id AS id, e.name AS name, e.type AS type, e.description AS description
		ORDER BY size(e.normalizedName) DESC
		LIMIT 1`,
		map[string]any{"userId": userID, "normalized": normalized})
	if err != nil {
		return "", appErrors.Wrap(err, "alias entity match failed")
	}
	if len(rows) == 0 {
		return "", nil
	}
	row := rows[0]
	id := graph.AsString(row["id"])

	// A strictly longer incoming name becomes the display name.
	displayUpgrade := ""
	if len(in.Name) > len(graph.AsString(row["name"])) {
		displayUpgrade = in.Name
	}
	r.upgrade(ctx, userID, id, row, in, displayUpgrade)
	return id, nil
}

func (r *Resolver) semanticMatch(ctx context.Context, userID string, in Input) string {
	if in.Description == "" || r.embedder == nil {
		return ""
	}
	vector, err := r.embedder.Embed(ctx, in.Description)
	if err != nil {
		r.logger.Debug("description embedding failed, skipping semantic match", zap.Error(err))
		return ""
	}

	rows, err := r.store.RunRead(ctx, `
		CALL vector_search.search($index, $k, $vector) YIELD node, similarity
		WHERE similarity >= $floor
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(node)
		RETURN node.id AS id, node.name AS name, node.description AS description, similarity
		ORDER BY similarity DESC`,
		map[string]any{
			"index":  graph.EntityVectorIndex,
			"k":      semanticMatchLimit,
			"vector": vector,
			"floor":  semanticMatchFloor,
			"userId": userID,
		})
	if err != nil {
		r.logger.Debug("semantic entity search failed, skipping", zap.Error(err))
		return ""
	}

	for _, row := range rows {
		if r.sameEntity(ctx, in, graph.AsString(row["name"]), graph.AsString(row["description"])) {
			return graph.AsString(row["id"])
		}
	}
	return ""
}

// sameEntity asks the verifier whether two descriptions denote the same
// real-world entity. Failures count as "no".
func (r *Resolver) sameEntity(ctx context.Context, in Input, candidateName, candidateDescription string) bool {
	if r.verifier == nil || !r.verifier.IsAvailable() {
		return false
	}
	prompt := fmt.Sprintf(
		"Entity A: %s (%s)\nEntity B: %s (%s)\nAre A and B the same real-world entity? Answer true or false.",
		in.Name, in.Description, candidateName, candidateDescription)
	response, err := r.verifier.Complete(ctx, "You answer entity identity questions with exactly true or false.", prompt, llm.CompletionOptions{
		Temperature: 0,
		MaxTokens:   5,
	})
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(llm.StripFences(response)), "true")
}

// create issues the atomic MERGE. ON CREATE stamps the new node; a concurrent
// winner's node is returned unchanged.
func (r *Resolver) create(ctx context.Context, userID, normalized string, in Input) (string, error) {
	rows, err := r.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})
		MERGE (u)-[:HAS_ENTITY]->(e:Entity {normalizedName: $normalized, userId: $userId})
		ON CREATE SET e.id = $id,
			e.name = $name,
			e.type = $type,
			e.description = $description,
			e.rank = 0.0,
			e.createdAt = $now,
			e.updatedAt = $now
		RETURN e.id AS id`,
		map[string]any{
			"userId":      userID,
			"normalized":  normalized,
			"id":          uuid.New().String(),
			"name":        in.Name,
			"type":        in.Type,
			"description": in.Description,
			"now":         time.Now().UTC(),
		})
	if err != nil {
		return "", appErrors.Wrap(err, "failed to create entity")
	}
	if len(rows) == 0 {
		return "", appErrors.NewInternal("entity merge returned no id", nil)
	}
	id := graph.AsString(rows[0]["id"])
	r.persistDescriptionEmbedding(id, in.Description)
	return id, nil
}

// upgrade applies the open-ontology type-upgrade rule and the longest-
// description rule to a matched entity, plus an optional display-name
// upgrade from the alias tier.
func (r *Resolver) upgrade(ctx context.Context, userID, id string, stored map[string]any, in Input, displayName string) {
	sets := map[string]any{}

	storedType := graph.AsString(stored["type"])
	if domain.EntityTypeRank(in.Type) > domain.EntityTypeRank(storedType) {
		sets["type"] = in.Type
	}
	storedDescription := graph.AsString(stored["description"])
	if len(in.Description) > len(storedDescription) {
		sets["description"] = in.Description
	}
	if displayName != "" {
		sets["name"] = displayName
	}
	if len(sets) == 0 {
		return
	}

	_, err := r.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity {id: $id})
		SET e += $props, e.updatedAt = $now`,
		map[string]any{
			"userId": userID,
			"id":     id,
			"props":  sets,
			"now":    time.Now().UTC(),
		})
	if err != nil {
		r.logger.Warn("entity upgrade failed",
			zap.String("entity_id", id),
			zap.Error(err),
		)
		return
	}
	if _, ok := sets["description"]; ok {
		r.persistDescriptionEmbedding(id, in.Description)
	}
}

// persistDescriptionEmbedding computes and stores the description embedding
// in the background. Failures are logged only.
func (r *Resolver) persistDescriptionEmbedding(id, description string) {
	if description == "" || r.embedder == nil || r.spawner == nil {
		return
	}
	r.spawner.Spawn("entity-description-embedding", func(ctx context.Context) error {
		vector, err := r.embedder.Embed(ctx, description)
		if err != nil {
			return fmt.Errorf("failed to embed entity description: %w", err)
		}
		_, err = r.store.RunWrite(ctx, `
			MATCH (e:Entity {id: $id})
			SET e.descriptionEmbedding = $vector`,
			map[string]any{"id": id, "vector": vector})
		return err
	})
}
