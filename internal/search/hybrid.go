// Package search implements retrieval: lexical + vector hybrid search fused
// with Reciprocal Rank Fusion, and weight-aware entity-graph traversal.
package search

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"engram-backend/internal/dedup"
	"engram-backend/internal/embedding"
	"engram-backend/internal/graph"
	appErrors "engram-backend/pkg/errors"
)

// rrfK is the Reciprocal Rank Fusion constant: score = sum 1/(K + rank).
const rrfK = 60

// confidenceFloor separates a confident single-arm hit from vector noise.
// A single-arm top hit scores 1/(60+1) which clears 0.02; deep-rank
// vector-only matches do not.
const confidenceFloor = 0.02

// relevanceDivisor normalizes an RRF score to [0, 1]. It is the maximum
// two-arm score, 2/(60+1).
const relevanceDivisor = 0.032786

// textSearchCall is the store's lexical search procedure. The procedure name
// is deployment-specific; all-field semantics are assumed, so swapping in a
// field-qualified variant only requires changing this one call.
const textSearchCall = `CALL text_search.search_all($query) YIELD node`

// Mode selects which retrieval arms run.
type Mode string

const (
	ModeHybrid Mode = "hybrid"
	ModeVector Mode = "vector"
	ModeText   Mode = "text"
)

// Options configures a hybrid search call.
type Options struct {
	UserID       string
	TopK         int
	Mode         Mode
	Category     string
	CreatedAfter *time.Time
}

// Result is one fused hit. TextRank and VectorRank are nil when the
// corresponding arm did not return the memory.
type Result struct {
	ID         string     `json:"id"`
	Content    string     `json:"memory"`
	RRFScore   float64    `json:"raw_score"`
	Relevance  float64    `json:"relevance_score"`
	TextRank   *int       `json:"text_rank"`
	VectorRank *int       `json:"vector_rank"`
	Similarity float64    `json:"similarity,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Categories []string   `json:"categories"`
}

// Response is the hybrid search outcome with its confidence signal.
type Response struct {
	Confident bool     `json:"confident"`
	Results   []Result `json:"results"`
}

// Hybrid runs the BM25 and vector arms and fuses them.
type Hybrid struct {
	store    graph.Querier
	embedder embedding.Embedder
	logger   *zap.Logger
}

// NewHybrid creates the hybrid retrieval service.
func NewHybrid(store graph.Querier, embedder embedding.Embedder, logger *zap.Logger) *Hybrid {
	return &Hybrid{store: store, embedder: embedder, logger: logger}
}

type armHit struct {
	id         string
	content    string
	createdAt  time.Time
	similarity float64
}

type fused struct {
	armHit
	textRank   *int
	vectorRank *int
	rrf        float64
}

// Search executes the requested arms in parallel and fuses by RRF.
func (h *Hybrid) Search(ctx context.Context, query string, opts Options) (*Response, error) {
	if query == "" {
		return nil, appErrors.NewValidation("query cannot be empty")
	}
	if opts.UserID == "" {
		return nil, appErrors.NewValidation("userId is required")
	}
	if opts.TopK <= 0 {
		opts.TopK = 10
	}
	if opts.Mode == "" {
		opts.Mode = ModeHybrid
	}

	var textHits, vectorHits []armHit
	g, gctx := errgroup.WithContext(ctx)

	if opts.Mode == ModeHybrid || opts.Mode == ModeText {
		g.Go(func() error {
			hits, err := h.textArm(gctx, query, opts.UserID, opts.TopK)
			if err != nil {
				return err
			}
			textHits = hits
			return nil
		})
	}
	if opts.Mode == ModeHybrid || opts.Mode == ModeVector {
		g.Go(func() error {
			hits, err := h.vectorArm(gctx, query, opts.UserID, opts.TopK)
			if err != nil {
				// In hybrid mode a failed embedding degrades to text-only
				// rather than failing the whole search.
				if opts.Mode == ModeHybrid {
					h.logger.Warn("vector arm failed, degrading to text-only", zap.Error(err))
					return nil
				}
				return err
			}
			vectorHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := fuse(textHits, vectorHits)
	merged = h.applyFilters(ctx, merged, opts)
	if len(merged) > opts.TopK {
		merged = merged[:opts.TopK]
	}

	results := make([]Result, 0, len(merged))
	confident := len(merged) == 0
	maxRRF := 0.0
	for _, f := range merged {
		if f.textRank != nil {
			confident = true
		}
		if f.rrf > maxRRF {
			maxRRF = f.rrf
		}
		relevance := f.rrf / relevanceDivisor
		if relevance > 1 {
			relevance = 1
		}
		results = append(results, Result{
			ID:         f.id,
			Content:    f.content,
			RRFScore:   f.rrf,
			Relevance:  relevance,
			TextRank:   f.textRank,
			VectorRank: f.vectorRank,
			Similarity: f.similarity,
			CreatedAt:  f.createdAt,
		})
	}
	if maxRRF > confidenceFloor {
		confident = true
	}
	h.attachCategories(ctx, results)

	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	recordAccess(ctx, h.store, h.logger, opts.UserID, query, ids)

	return &Response{Confident: confident, Results: results}, nil
}

// recordAccess writes the ACCESSED audit edges for the returned memories,
// keeping the query that surfaced them. Best effort: a failed audit is logged
// and never fails the search.
func recordAccess(ctx context.Context, store graph.Querier, logger *zap.Logger, userID, query string, ids []string) {
	if len(ids) == 0 {
		return
	}
	_, err := store.RunWrite(ctx, `
		UNWIND $ids AS id
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory {id: id})
		MATCH (m)-[:CREATED_BY]->(app:App)
		CREATE (app)-[:ACCESSED {accessedAt: $now, queryUsed: $query}]->(m)`,
		map[string]any{
			"ids":    ids,
			"userId": userID,
			"now":    time.Now().UTC(),
			"query":  query,
		})
	if err != nil {
		logger.Debug("access audit failed", zap.Error(err))
	}
}

func (h *Hybrid) textArm(ctx context.Context, query, userID string, limit int) ([]armHit, error) {
	rows, err := h.store.RunRead(ctx, textSearchCall+`
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(node)
		WHERE node.state <> 'deleted' AND node.invalidAt IS NULL
		RETURN node.id AS id, node.content AS content, node.createdAt AS createdAt
		LIMIT toInteger($limit)`,
		map[string]any{"query": query, "userId": userID, "limit": limit})
	if err != nil {
		return nil, appErrors.Wrap(err, "text search failed")
	}
	return hitsFromRows(rows), nil
}

func (h *Hybrid) vectorArm(ctx context.Context, query, userID string, limit int) ([]armHit, error) {
	vector, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to embed query")
	}
	rows, err := h.store.RunRead(ctx, `
		CALL vector_search.search($index, $k, $vector) YIELD node, similarity
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(node)
		WHERE node.state <> 'deleted' AND node.invalidAt IS NULL
		RETURN node.id AS id, node.content AS content, node.createdAt AS createdAt, similarity`,
		map[string]any{
			"index":  graph.MemoryVectorIndex,
			"k":      limit,
			"vector": vector,
			"userId": userID,
		})
	if err != nil {
		return nil, appErrors.Wrap(err, "vector search failed")
	}
	return hitsFromRows(rows), nil
}

func hitsFromRows(rows []map[string]any) []armHit {
	hits := make([]armHit, 0, len(rows))
	for _, row := range rows {
		hits = append(hits, armHit{
			id:         graph.AsString(row["id"]),
			content:    graph.AsString(row["content"]),
			createdAt:  graph.AsTime(row["createdAt"]),
			similarity: graph.AsFloat64(row["similarity"]),
		})
	}
	return hits
}

// fuse merges the two ranked lists with Reciprocal Rank Fusion and sorts by
// fused score descending.
func fuse(textHits, vectorHits []armHit) []fused {
	byID := make(map[string]*fused, len(textHits)+len(vectorHits))
	order := make([]string, 0, len(textHits)+len(vectorHits))

	add := func(hit armHit) *fused {
		f, ok := byID[hit.id]
		if !ok {
			f = &fused{armHit: hit}
			byID[hit.id] = f
			order = append(order, hit.id)
		}
		if hit.similarity > f.similarity {
			f.similarity = hit.similarity
		}
		return f
	}

	for i, hit := range textHits {
		rank := i + 1
		f := add(hit)
		f.textRank = &rank
		f.rrf += 1.0 / float64(rrfK+rank)
	}
	for i, hit := range vectorHits {
		rank := i + 1
		f := add(hit)
		f.vectorRank = &rank
		f.rrf += 1.0 / float64(rrfK+rank)
	}

	merged := make([]fused, 0, len(order))
	for _, id := range order {
		merged = append(merged, *byID[id])
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].rrf > merged[j].rrf
	})
	return merged
}

// applyFilters runs the post-fusion category and created-after filters.
func (h *Hybrid) applyFilters(ctx context.Context, merged []fused, opts Options) []fused {
	if opts.CreatedAfter != nil {
		kept := merged[:0]
		for _, f := range merged {
			if f.createdAt.After(*opts.CreatedAfter) {
				kept = append(kept, f)
			}
		}
		merged = kept
	}
	if opts.Category == "" {
		return merged
	}

	ids := make([]string, 0, len(merged))
	for _, f := range merged {
		ids = append(ids, f.id)
	}
	rows, err := h.store.RunRead(ctx, `
		MATCH (m:Memory)-[:HAS_CATEGORY]->(c:Category)
		WHERE m.id IN $ids AND toLower(c.name) = toLower($category)
		RETURN DISTINCT m.id AS id`,
		map[string]any{"ids": ids, "category": opts.Category})
	if err != nil {
		h.logger.Warn("category filter failed, returning unfiltered", zap.Error(err))
		return merged
	}
	allowed := make(map[string]bool, len(rows))
	for _, row := range rows {
		allowed[graph.AsString(row["id"])] = true
	}
	kept := merged[:0]
	for _, f := range merged {
		if allowed[f.id] {
			kept = append(kept, f)
		}
	}
	return kept
}

// attachCategories decorates results with their category labels. Failures
// leave categories empty.
func (h *Hybrid) attachCategories(ctx context.Context, results []Result) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
	}
	rows, err := h.store.RunRead(ctx, `
		MATCH (m:Memory)-[:HAS_CATEGORY]->(c:Category)
		WHERE m.id IN $ids
		RETURN m.id AS id, collect(c.name) AS categories`,
		map[string]any{"ids": ids})
	if err != nil {
		h.logger.Debug("category fetch failed", zap.Error(err))
		return
	}
	byID := make(map[string][]string, len(rows))
	for _, row := range rows {
		byID[graph.AsString(row["id"])] = graph.AsStringSlice(row["categories"])
	}
	for i := range results {
		results[i].Categories = byID[results[i].ID]
	}
}

// FindNearDuplicates is the dedup recall arm: live memories above the
// similarity floor, cosine order, tags included for the tag boost.
func (h *Hybrid) FindNearDuplicates(ctx context.Context, userID, text string, threshold float64, limit int) ([]dedup.Candidate, error) {
	if limit <= 0 {
		limit = 5
	}
	vector, err := h.embedder.Embed(ctx, text)
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to embed dedup probe")
	}
	rows, err := h.store.RunRead(ctx, `
		CALL vector_search.search($index, $k, $vector) YIELD node, similarity
		WHERE similarity >= $threshold
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(node)
		WHERE node.state <> 'deleted' AND node.invalidAt IS NULL
		RETURN node.id AS id, node.content AS content, node.tags AS tags, similarity
		ORDER BY similarity DESC`,
		map[string]any{
			"index":     graph.MemoryVectorIndex,
			"k":         limit,
			"vector":    vector,
			"threshold": threshold,
			"userId":    userID,
		})
	if err != nil {
		return nil, appErrors.Wrap(err, "near-duplicate search failed")
	}

	candidates := make([]dedup.Candidate, 0, len(rows))
	for _, row := range rows {
		candidates = append(candidates, dedup.Candidate{
			ID:      graph.AsString(row["id"]),
			Content: graph.AsString(row["content"]),
			Score:   graph.AsFloat64(row["similarity"]),
			Tags:    graph.AsStringSlice(row["tags"]),
		})
	}
	return candidates, nil
}
