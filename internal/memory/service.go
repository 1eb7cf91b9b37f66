// Package memory implements the write pipeline: deduplicated inserts,
// bi-temporal supersede and soft delete, sequential batch ingestion, and the
// list/get read operations the tool surface exposes.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engram-backend/internal/config"
	"engram-backend/internal/dedup"
	"engram-backend/internal/domain"
	"engram-backend/internal/embedding"
	"engram-backend/internal/entity"
	"engram-backend/internal/graph"
	"engram-backend/internal/tasks"
	appErrors "engram-backend/pkg/errors"
	"engram-backend/pkg/observability"
)

// WriteOptions carries the caller identity for a write.
type WriteOptions struct {
	UserID  string
	AppName string
	Tags    []string
}

// ListOptions filters a browse call.
type ListOptions struct {
	Limit             int
	Offset            int
	Category          string
	IncludeSuperseded bool
	// AsOf evaluates the list at a logical instant: memories valid at that
	// time, including since-superseded ones.
	AsOf *time.Time
}

// UpdateResult reports a supersede issued through the update operation.
type UpdateResult struct {
	OldID      string `json:"old_id"`
	NewID      string `json:"new_id"`
	OldContent string `json:"old_content"`
	NewContent string `json:"new_content"`
}

// Page is one page of a browse call.
type Page struct {
	Total    int64
	Memories []domain.Memory
}

// Service defines the write-pipeline operations.
type Service interface {
	AddMemory(ctx context.Context, text string, opts WriteOptions) (*domain.Memory, error)
	AddMemories(ctx context.Context, texts []string, opts WriteOptions) []domain.WriteResult
	SupersedeMemory(ctx context.Context, oldID, newText string, opts WriteOptions) (*domain.Memory, error)
	DeleteMemory(ctx context.Context, id, userID string) error
	GetMemory(ctx context.Context, id, userID string) (*domain.Memory, error)
	ListMemories(ctx context.Context, userID string, opts ListOptions) (*Page, error)
	UpdateMemory(ctx context.Context, memoryID, contentFragment, newText string, opts WriteOptions) (*UpdateResult, error)
}

type service struct {
	cfg         *config.Config
	store       graph.Querier
	embedder    embedding.Embedder
	deduper     *dedup.Engine
	extractor   *entity.Extractor
	categorizer *Categorizer
	spawner     *tasks.Spawner
	logger      *zap.Logger
	metrics     *observability.Collector
}

// NewService creates the write-pipeline service.
func NewService(
	cfg *config.Config,
	store graph.Querier,
	embedder embedding.Embedder,
	deduper *dedup.Engine,
	extractor *entity.Extractor,
	categorizer *Categorizer,
	spawner *tasks.Spawner,
	logger *zap.Logger,
	metrics *observability.Collector,
) Service {
	return &service{
		cfg:         cfg,
		store:       store,
		embedder:    embedder,
		deduper:     deduper,
		extractor:   extractor,
		categorizer: categorizer,
		spawner:     spawner,
		logger:      logger,
		metrics:     metrics,
	}
}

// AddMemory inserts a new active memory with validAt = now. The embedding is
// mandatory: a memory without a vector is invisible to half of retrieval, so
// embedding failure fails the write.
func (s *service) AddMemory(ctx context.Context, text string, opts WriteOptions) (*domain.Memory, error) {
	if text == "" {
		return nil, appErrors.NewValidation("memory content cannot be empty")
	}
	if opts.UserID == "" {
		return nil, appErrors.NewValidation("userId is required")
	}
	if opts.AppName == "" {
		opts.AppName = "default"
	}

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to embed memory content")
	}

	now := time.Now().UTC()
	m := &domain.Memory{
		ID:        uuid.New().String(),
		UserID:    opts.UserID,
		Content:   text,
		State:     domain.MemoryStateActive,
		Tags:      opts.Tags,
		CreatedAt: now,
		UpdatedAt: now,
		ValidAt:   now,
		Embedding: vector,
	}

	// invalidAt is deliberately absent: the store rejects null property
	// literals and absence already means "currently valid".
	_, err = s.store.RunWrite(ctx, `
		MERGE (u:User {userId: $userId})
		ON CREATE SET u.createdAt = $now
		MERGE (app:App {name: $appName})
		CREATE (m:Memory {
			id: $id,
			content: $content,
			state: $state,
			tags: $tags,
			createdAt: $now,
			updatedAt: $now,
			validAt: $now,
			embedding: $embedding
		})
		MERGE (u)-[:HAS_MEMORY]->(m)
		MERGE (m)-[:CREATED_BY]->(app)`,
		map[string]any{
			"userId":    opts.UserID,
			"appName":   opts.AppName,
			"id":        m.ID,
			"content":   m.Content,
			"state":     string(m.State),
			"tags":      tagsParam(m.Tags),
			"now":       now,
			"embedding": vector,
		})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to write memory")
	}

	if s.metrics != nil {
		s.metrics.MemoriesWritten.Inc()
	}
	return m, nil
}

// SupersedeMemory inserts newText and invalidates oldID in logical time. The
// old node is retained for history behind a SUPERSEDES edge.
func (s *service) SupersedeMemory(ctx context.Context, oldID, newText string, opts WriteOptions) (*domain.Memory, error) {
	if oldID == "" {
		return nil, appErrors.NewValidation("memory id is required")
	}

	m, err := s.AddMemory(ctx, newText, opts)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rows, err := s.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(old:Memory {id: $oldId})
		MATCH (u)-[:HAS_MEMORY]->(new:Memory {id: $newId})
		SET old.invalidAt = $now,
			old.state = $superseded,
			old.updatedAt = $now
		MERGE (new)-[r:SUPERSEDES]->(old)
		ON CREATE SET r.createdAt = $now
		RETURN old.id AS id`,
		map[string]any{
			"userId":     opts.UserID,
			"oldId":      oldID,
			"newId":      m.ID,
			"superseded": string(domain.MemoryStateSuperseded),
			"now":        now,
		})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to supersede memory")
	}
	if len(rows) == 0 {
		return nil, appErrors.NewNotFound("memory", oldID)
	}

	if s.metrics != nil {
		s.metrics.MemoriesSuperseded.Inc()
	}
	return m, nil
}

// DeleteMemory soft-deletes: the node stays for bi-temporal history.
func (s *service) DeleteMemory(ctx context.Context, id, userID string) error {
	now := time.Now().UTC()
	rows, err := s.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory {id: $id})
		SET m.state = $deleted,
			m.invalidAt = $now,
			m.updatedAt = $now
		RETURN m.id AS id`,
		map[string]any{
			"userId":  userID,
			"id":      id,
			"deleted": string(domain.MemoryStateDeleted),
			"now":     now,
		})
	if err != nil {
		return appErrors.Wrap(err, "failed to delete memory")
	}
	if len(rows) == 0 {
		return appErrors.NewNotFound("memory", id)
	}
	if s.metrics != nil {
		s.metrics.MemoriesDeleted.Inc()
	}
	return nil
}

// GetMemory loads one memory with its categories and records the access in
// the background.
func (s *service) GetMemory(ctx context.Context, id, userID string) (*domain.Memory, error) {
	rows, err := s.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory {id: $id})
		OPTIONAL MATCH (m)-[:HAS_CATEGORY]->(c:Category)
		RETURN m.id AS id, m.content AS content, m.state AS state, m.tags AS tags,
			m.createdAt AS createdAt, m.updatedAt AS updatedAt,
			m.validAt AS validAt, m.invalidAt AS invalidAt,
			collect(c.name) AS categories`,
		map[string]any{"userId": userID, "id": id})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to load memory")
	}
	if len(rows) == 0 {
		return nil, appErrors.NewNotFound("memory", id)
	}

	m := memoryFromRow(rows[0], userID)
	s.auditAccess(userID, id, "")
	return m, nil
}

// ListMemories pages through a user's memories. Default visibility is live
// only; IncludeSuperseded widens to everything but deleted; AsOf evaluates
// the bi-temporal window at the given instant.
func (s *service) ListMemories(ctx context.Context, userID string, opts ListOptions) (*Page, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	where := `m.state <> 'deleted' AND m.invalidAt IS NULL`
	params := map[string]any{
		"userId": userID,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	}
	switch {
	case opts.AsOf != nil:
		where = `m.state <> 'deleted' AND m.validAt <= $asOf AND (m.invalidAt IS NULL OR m.invalidAt > $asOf)`
		params["asOf"] = opts.AsOf.UTC()
	case opts.IncludeSuperseded:
		where = `m.state <> 'deleted'`
	}
	categoryMatch := ""
	if opts.Category != "" {
		categoryMatch = `
		MATCH (m)-[:HAS_CATEGORY]->(fc:Category)
		WHERE toLower(fc.name) = toLower($category)`
		params["category"] = opts.Category
	}

	rows, err := s.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory)
		WHERE `+where+categoryMatch+`
		WITH DISTINCT m
		WITH collect(m) AS all, count(m) AS total
		UNWIND all AS m
		WITH m, total ORDER BY m.createdAt DESC
		SKIP toInteger($offset) LIMIT toInteger($limit)
		OPTIONAL MATCH (m)-[:HAS_CATEGORY]->(c:Category)
		RETURN m.id AS id, m.content AS content, m.state AS state, m.tags AS tags,
			m.createdAt AS createdAt, m.updatedAt AS updatedAt,
			m.validAt AS validAt, m.invalidAt AS invalidAt,
			collect(c.name) AS categories, total`,
		params)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to list memories")
	}

	page := &Page{Memories: make([]domain.Memory, 0, len(rows))}
	for _, row := range rows {
		page.Total = graph.AsInt64(row["total"])
		page.Memories = append(page.Memories, *memoryFromRow(row, userID))
	}
	return page, nil
}

// UpdateMemory supersedes a memory addressed by id or, when no id is given,
// by a case-insensitive content fragment. The fragment must identify exactly
// one live memory; an ambiguous fragment is rejected with the candidate ids.
func (s *service) UpdateMemory(ctx context.Context, memoryID, contentFragment, newText string, opts WriteOptions) (*UpdateResult, error) {
	if newText == "" {
		return nil, appErrors.NewValidation("updated content cannot be empty")
	}
	if memoryID == "" && contentFragment == "" {
		return nil, appErrors.NewValidation("either memoryId or contentFragment is required")
	}

	var oldID, oldContent string
	if memoryID != "" {
		old, err := s.GetMemory(ctx, memoryID, opts.UserID)
		if err != nil {
			return nil, err
		}
		oldID, oldContent = old.ID, old.Content
	} else {
		rows, err := s.store.RunRead(ctx, `
			MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory)
			WHERE m.state <> 'deleted' AND m.invalidAt IS NULL
			  AND toLower(m.content) CONTAINS toLower($fragment)
			RETURN m.id AS id, m.content AS content
			ORDER BY m.createdAt DESC
			LIMIT 2`,
			map[string]any{"userId": opts.UserID, "fragment": contentFragment})
		if err != nil {
			return nil, appErrors.Wrap(err, "failed to locate memory by fragment")
		}
		if len(rows) == 0 {
			return nil, appErrors.NewNotFound("memory matching fragment", contentFragment)
		}
		if len(rows) > 1 {
			return nil, appErrors.NewValidation(fmt.Sprintf(
				"content fragment %q matches more than one memory (candidates: %s, %s)",
				contentFragment, graph.AsString(rows[0]["id"]), graph.AsString(rows[1]["id"])))
		}
		oldID = graph.AsString(rows[0]["id"])
		oldContent = graph.AsString(rows[0]["content"])
	}

	m, err := s.SupersedeMemory(ctx, oldID, newText, opts)
	if err != nil {
		return nil, err
	}
	s.spawnPostWrite(opts, m.ID, newText)

	return &UpdateResult{
		OldID:      oldID,
		NewID:      m.ID,
		OldContent: oldContent,
		NewContent: newText,
	}, nil
}

// spawnPostWrite schedules the fire-and-forget extraction and categorization
// for a freshly written memory. The returned handle tracks extraction only;
// the batch drain barrier waits on it.
func (s *service) spawnPostWrite(opts WriteOptions, memoryID, text string) *tasks.Handle {
	h := s.spawner.Spawn("entity-extraction", func(ctx context.Context) error {
		return s.extractor.ExtractForMemory(ctx, opts.UserID, memoryID)
	})
	s.spawner.Spawn("categorization", func(ctx context.Context) error {
		s.categorizer.Categorize(ctx, memoryID, text)
		return nil
	})
	return h
}

// auditAccess records an ACCESSED edge in the background. Best effort.
func (s *service) auditAccess(userID, memoryID, queryUsed string) {
	if s.spawner == nil {
		return
	}
	s.spawner.Spawn("access-audit", func(ctx context.Context) error {
		_, err := s.store.RunWrite(ctx, `
			MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory {id: $id})
			MATCH (m)-[:CREATED_BY]->(app:App)
			CREATE (app)-[:ACCESSED {accessedAt: $now, queryUsed: $query}]->(m)`,
			map[string]any{
				"userId": userID,
				"id":     memoryID,
				"now":    time.Now().UTC(),
				"query":  queryUsed,
			})
		return err
	})
}

// tagsParam keeps the tags property a list even when no tags were supplied.
func tagsParam(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func memoryFromRow(row map[string]any, userID string) *domain.Memory {
	m := &domain.Memory{
		ID:         graph.AsString(row["id"]),
		UserID:     userID,
		Content:    graph.AsString(row["content"]),
		State:      domain.MemoryState(graph.AsString(row["state"])),
		Tags:       graph.AsStringSlice(row["tags"]),
		Categories: compactStrings(graph.AsStringSlice(row["categories"])),
		CreatedAt:  graph.AsTime(row["createdAt"]),
		UpdatedAt:  graph.AsTime(row["updatedAt"]),
		ValidAt:    graph.AsTime(row["validAt"]),
	}
	if row["invalidAt"] != nil {
		t := graph.AsTime(row["invalidAt"])
		m.InvalidAt = &t
	}
	return m
}

// compactStrings drops empty strings, which collect() yields for memories
// with no categories.
func compactStrings(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
