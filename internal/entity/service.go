package entity

import (
	"context"

	"go.uber.org/zap"

	"engram-backend/internal/domain"
	"engram-backend/internal/graph"
	appErrors "engram-backend/pkg/errors"
)

// Service exposes the entity read and admin operations behind the tool
// surface. Entity creation happens only through the resolver.
type Service struct {
	store    graph.Querier
	resolver *Resolver
	logger   *zap.Logger
}

// NewService creates the entity service.
func NewService(store graph.Querier, resolver *Resolver, logger *zap.Logger) *Service {
	return &Service{store: store, resolver: resolver, logger: logger}
}

// Resolver exposes the underlying resolver for callers creating explicit
// relations.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// GetEntity loads one entity by id or display name.
func (s *Service) GetEntity(ctx context.Context, userID, entityID, name string) (*domain.Entity, error) {
	var (
		match string
		key   any
	)
	switch {
	case entityID != "":
		match, key = "e.id = $key", entityID
	case name != "":
		match, key = "e.normalizedName = $key", domain.NormalizeEntityName(name)
	default:
		return nil, appErrors.NewValidation("either entity id or entity name is required")
	}

	rows, err := s.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity)
		WHERE `+match+`
		RETURN e.id AS id, e.name AS name, e.normalizedName AS normalizedName,
			e.type AS type, e.description AS description, e.rank AS rank,
			e.createdAt AS createdAt, e.updatedAt AS updatedAt`,
		map[string]any{"userId": userID, "key": key})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to load entity")
	}
	if len(rows) == 0 {
		ref := entityID
		if ref == "" {
			ref = name
		}
		return nil, appErrors.NewNotFound("entity", ref)
	}
	return entityFromRow(rows[0], userID), nil
}

// ListEntities pages a user's entities ordered by rank.
func (s *Service) ListEntities(ctx context.Context, userID string, limit, offset int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity)
		RETURN e.id AS id, e.name AS name, e.normalizedName AS normalizedName,
			e.type AS type, e.description AS description, e.rank AS rank,
			e.createdAt AS createdAt, e.updatedAt AS updatedAt
		ORDER BY e.rank DESC, e.name ASC
		SKIP toInteger($offset) LIMIT toInteger($limit)`,
		map[string]any{"userId": userID, "limit": limit, "offset": offset})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to list entities")
	}

	entities := make([]domain.Entity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, *entityFromRow(row, userID))
	}
	return entities, nil
}

// ListRelationships returns the live relationships touching one entity.
func (s *Service) ListRelationships(ctx context.Context, userID, entityID string) ([]domain.Relationship, error) {
	rows, err := s.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity {id: $entityId})
		MATCH (e)-[r:RELATED_TO]-(other:Entity)
		WHERE r.invalidAt IS NULL
		RETURN startNode(r).id AS sourceId, endNode(r).id AS targetId,
			r.type AS type, r.description AS description,
			r.weight AS weight, r.createdAt AS createdAt`,
		map[string]any{"userId": userID, "entityId": entityID})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to list relationships")
	}

	rels := make([]domain.Relationship, 0, len(rows))
	for _, row := range rows {
		weight := graph.AsFloat64(row["weight"])
		if weight == 0 {
			weight = domain.DefaultRelationshipWeight
		}
		rels = append(rels, domain.Relationship{
			SourceID:    graph.AsString(row["sourceId"]),
			TargetID:    graph.AsString(row["targetId"]),
			Type:        graph.AsString(row["type"]),
			Description: graph.AsString(row["description"]),
			Weight:      weight,
			CreatedAt:   graph.AsTime(row["createdAt"]),
		})
	}
	return rels, nil
}

// CreateRelationship resolves both ends and writes an explicit RELATED_TO
// edge between them.
func (s *Service) CreateRelationship(ctx context.Context, userID string, source, target Input, relType, description string, weight float64) error {
	sourceID, err := s.resolver.Resolve(ctx, source, userID)
	if err != nil {
		return err
	}
	targetID, err := s.resolver.Resolve(ctx, target, userID)
	if err != nil {
		return err
	}
	if sourceID == targetID {
		return appErrors.NewValidation("cannot relate an entity to itself")
	}
	if weight <= 0 || weight > 1 {
		weight = domain.DefaultRelationshipWeight
	}

	extractor := &Extractor{store: s.store, resolver: s.resolver, logger: s.logger}
	return extractor.linkEntities(ctx, sourceID, targetID, relType, description, weight)
}

// DeleteEntity is the explicit admin removal; ordinary writes never delete
// entities.
func (s *Service) DeleteEntity(ctx context.Context, userID, entityID string) error {
	rows, err := s.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity {id: $entityId})
		WITH e, e.id AS id
		DETACH DELETE e
		RETURN id`,
		map[string]any{"userId": userID, "entityId": entityID})
	if err != nil {
		return appErrors.Wrap(err, "failed to delete entity")
	}
	if len(rows) == 0 {
		return appErrors.NewNotFound("entity", entityID)
	}
	return nil
}

func entityFromRow(row map[string]any, userID string) *domain.Entity {
	return &domain.Entity{
		ID:             graph.AsString(row["id"]),
		UserID:         userID,
		Name:           graph.AsString(row["name"]),
		NormalizedName: graph.AsString(row["normalizedName"]),
		Type:           graph.AsString(row["type"]),
		Description:    graph.AsString(row["description"]),
		Rank:           graph.AsFloat64(row["rank"]),
		CreatedAt:      graph.AsTime(row["createdAt"]),
		UpdatedAt:      graph.AsTime(row["updatedAt"]),
	}
}
