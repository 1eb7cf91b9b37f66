package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"engram-backend/internal/domain"
	"engram-backend/internal/graph"
	"engram-backend/internal/llm"
	appErrors "engram-backend/pkg/errors"
)

const (
	defaultTraversalDepth = 2
	maxTraversalDepth     = 5
	defaultTraversalLimit = 20

	// vectorSeedLimit caps the memory fan-out on the vector seeding path.
	vectorSeedLimit = 10
	// primingMemoryLimit caps how many top memories feed community priming.
	primingMemoryLimit = 3
	// minTermLength drops regex-fallback tokens too short to be selective.
	minTermLength = 3
)

const termExtractionSystemPrompt = `You extract search terms from a query over a personal knowledge graph.
Return a JSON array of lowercase strings. Multi-word terms are allowed. Return at most 8 terms and nothing else.`

// TraversalOptions configures an entity-graph traversal.
type TraversalOptions struct {
	Limit    int
	MaxDepth int
	// QueryVector switches seeding from term extraction to vector search.
	QueryVector []float32
}

// TraversalHit is one memory reached through the entity graph.
type TraversalHit struct {
	MemoryID    string  `json:"memory_id"`
	Content     string  `json:"memory"`
	HopDistance int     `json:"hop_distance"`
	AvgWeight   float64 `json:"avg_weight"`
}

// Traversal finds memories by walking typed entity relationships outward
// from query-derived seed entities.
type Traversal struct {
	store    graph.Querier
	provider llm.Provider
	logger   *zap.Logger
}

// NewTraversal creates the traversal retrieval service.
func NewTraversal(store graph.Querier, provider llm.Provider, logger *zap.Logger) *Traversal {
	return &Traversal{store: store, provider: provider, logger: logger}
}

// reached tracks the best path stats for one entity: minimum hop count, and
// on hop ties the higher average weight.
type reached struct {
	hops   int
	weight float64
}

// Traverse seeds entities from the query, expands k hops over live
// RELATED_TO edges, and collects the memories mentioning reached entities.
func (t *Traversal) Traverse(ctx context.Context, query, userID string, opts TraversalOptions) ([]TraversalHit, error) {
	if userID == "" {
		return nil, appErrors.NewValidation("userId is required")
	}
	if opts.Limit <= 0 {
		opts.Limit = defaultTraversalLimit
	}
	depth := opts.MaxDepth
	if depth == 0 {
		depth = defaultTraversalDepth
	}
	if depth < 1 {
		depth = 1
	}
	if depth > maxTraversalDepth {
		depth = maxTraversalDepth
	}

	var seeds []string
	var err error
	if opts.QueryVector != nil {
		seeds, err = t.vectorSeeds(ctx, userID, opts.QueryVector)
	} else {
		seeds, err = t.termSeeds(ctx, query, userID)
	}
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return []TraversalHit{}, nil
	}

	entities := make(map[string]reached, len(seeds))
	for _, id := range seeds {
		entities[id] = reached{hops: 0, weight: 1.0}
	}
	if err := t.expand(ctx, userID, seeds, depth, entities); err != nil {
		return nil, err
	}

	hits, err := t.collectMemories(ctx, userID, entities, opts.Limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.MemoryID)
	}
	recordAccess(ctx, t.store, t.logger, userID, query, ids)

	return hits, nil
}

// vectorSeeds gathers entities mentioned by the top vector-matched memories,
// then widens through community co-membership. No LLM call on this path.
func (t *Traversal) vectorSeeds(ctx context.Context, userID string, vector []float32) ([]string, error) {
	var direct, primed []string
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := t.store.RunRead(gctx, `
			CALL vector_search.search($index, $k, $vector) YIELD node
			MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(node)
			WHERE node.state <> 'deleted' AND node.invalidAt IS NULL
			MATCH (node)-[:MENTIONS]->(e:Entity)
			RETURN DISTINCT e.id AS id`,
			map[string]any{
				"index":  graph.MemoryVectorIndex,
				"k":      vectorSeedLimit,
				"vector": vector,
				"userId": userID,
			})
		if err != nil {
			return appErrors.Wrap(err, "vector seeding failed")
		}
		direct = idsFromRows(rows)
		return nil
	})

	g.Go(func() error {
		rows, err := t.store.RunRead(gctx, `
			CALL vector_search.search($index, $k, $vector) YIELD node
			MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(node)
			WHERE node.state <> 'deleted' AND node.invalidAt IS NULL
			MATCH (node)-[:IN_COMMUNITY]->(c:Community)
			MATCH (peer:Memory)-[:IN_COMMUNITY]->(c)
			MATCH (peer)-[:MENTIONS]->(e:Entity)
			RETURN DISTINCT e.id AS id`,
			map[string]any{
				"index":  graph.MemoryVectorIndex,
				"k":      primingMemoryLimit,
				"vector": vector,
				"userId": userID,
			})
		if err != nil {
			// Priming is an enrichment pass; direct seeds alone still work.
			t.logger.Debug("community priming failed", zap.Error(err))
			return nil
		}
		primed = idsFromRows(rows)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return unionIDs(direct, primed), nil
}

// termSeeds extracts search terms and matches them against entity
// properties, relationship properties, and community summaries.
func (t *Traversal) termSeeds(ctx context.Context, query, userID string) ([]string, error) {
	terms := t.extractTerms(ctx, query)
	if len(terms) == 0 {
		return nil, nil
	}

	var entityArm, edgeArm, primed []string
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rows, err := t.store.RunRead(gctx, `
			MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(e:Entity)
			WHERE any(term IN $terms WHERE
				toLower(e.name) CONTAINS term
				OR toLower(coalesce(e.description, '')) CONTAINS term
				OR toLower(coalesce(e.metadata, '')) CONTAINS term)
			RETURN DISTINCT e.id AS id`,
			map[string]any{"userId": userID, "terms": terms})
		if err != nil {
			return appErrors.Wrap(err, "entity term seeding failed")
		}
		entityArm = idsFromRows(rows)
		return nil
	})

	g.Go(func() error {
		rows, err := t.store.RunRead(gctx, `
			MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(a:Entity)-[r:RELATED_TO]-(b:Entity)
			WHERE r.invalidAt IS NULL
			  AND any(term IN $terms WHERE
				toLower(coalesce(r.type, '')) CONTAINS term
				OR toLower(coalesce(r.description, '')) CONTAINS term
				OR toLower(coalesce(r.metadata, '')) CONTAINS term)
			RETURN DISTINCT a.id AS sourceId, b.id AS targetId`,
			map[string]any{"userId": userID, "terms": terms})
		if err != nil {
			return appErrors.Wrap(err, "relationship term seeding failed")
		}
		for _, row := range rows {
			edgeArm = append(edgeArm, graph.AsString(row["sourceId"]), graph.AsString(row["targetId"]))
		}
		return nil
	})

	g.Go(func() error {
		rows, err := t.store.RunRead(gctx, `
			MATCH (u:User {userId: $userId})-[:HAS_COMMUNITY]->(c:Community)
			WHERE any(term IN $terms WHERE
				toLower(c.name) CONTAINS term
				OR toLower(coalesce(c.summary, '')) CONTAINS term)
			MATCH (m:Memory)-[:IN_COMMUNITY]->(c)
			MATCH (m)-[:MENTIONS]->(e:Entity)
			RETURN DISTINCT e.id AS id`,
			map[string]any{"userId": userID, "terms": terms})
		if err != nil {
			t.logger.Debug("community priming failed", zap.Error(err))
			return nil
		}
		primed = idsFromRows(rows)
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return unionIDs(entityArm, edgeArm, primed), nil
}

// extractTerms asks the LLM for query terms and falls back to a regex-style
// tokenization on any failure.
func (t *Traversal) extractTerms(ctx context.Context, query string) []string {
	if t.provider != nil && t.provider.IsAvailable() {
		response, err := t.provider.Complete(ctx, termExtractionSystemPrompt, query, llm.CompletionOptions{
			Temperature: 0,
			MaxTokens:   200,
			JSONMode:    true,
		})
		if err == nil {
			var terms []string
			if err := llm.DecodeArray(response, &terms); err == nil {
				if cleaned := lowercaseTerms(terms); len(cleaned) > 0 {
					return cleaned
				}
			}
		} else {
			t.logger.Debug("term extraction failed, using fallback tokenizer", zap.Error(err))
		}
	}
	return fallbackTerms(query)
}

// fallbackTerms lowercases, strips punctuation and keeps tokens of at least
// three characters.
func fallbackTerms(query string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == ' ' {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	seen := make(map[string]bool)
	var terms []string
	for _, token := range strings.Fields(b.String()) {
		if len(token) < minTermLength || seen[token] {
			continue
		}
		seen[token] = true
		terms = append(terms, token)
	}
	return terms
}

func lowercaseTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// expand walks live RELATED_TO paths out of the seed set and records, per
// reached entity, the minimum hop count and its path's average edge weight.
// The fan-out favors high-rank hubs.
func (t *Traversal) expand(ctx context.Context, userID string, seeds []string, depth int, entities map[string]reached) error {
	query := fmt.Sprintf(`
		MATCH (u:User {userId: $userId})-[:HAS_ENTITY]->(seed:Entity)
		WHERE seed.id IN $seedIds
		MATCH path = (seed)-[:RELATED_TO*1..%d]-(neighbor:Entity)
		WHERE all(r IN relationships(path) WHERE r.invalidAt IS NULL)
		RETURN neighbor.id AS id,
			length(path) AS hops,
			reduce(total = 0.0, r IN relationships(path) | total + coalesce(r.weight, $defaultWeight)) / length(path) AS avgWeight
		ORDER BY neighbor.rank DESC`, depth)

	rows, err := t.store.RunRead(ctx, query, map[string]any{
		"userId":        userID,
		"seedIds":       seeds,
		"defaultWeight": domain.DefaultRelationshipWeight,
	})
	if err != nil {
		return appErrors.Wrap(err, "graph expansion failed")
	}

	for _, row := range rows {
		id := graph.AsString(row["id"])
		hops := int(graph.AsInt64(row["hops"]))
		weight := graph.AsFloat64(row["avgWeight"])

		best, ok := entities[id]
		if !ok || hops < best.hops || (hops == best.hops && weight > best.weight) {
			entities[id] = reached{hops: hops, weight: weight}
		}
	}
	return nil
}

// collectMemories maps reached entities back to the memories mentioning
// them. A memory mentioned by several entities inherits the minimum hop.
func (t *Traversal) collectMemories(ctx context.Context, userID string, entities map[string]reached, limit int) ([]TraversalHit, error) {
	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}

	rows, err := t.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory)-[:MENTIONS]->(e:Entity)
		WHERE e.id IN $entityIds
		  AND m.state <> 'deleted' AND m.invalidAt IS NULL
		RETURN m.id AS memoryId, m.content AS content, e.id AS entityId`,
		map[string]any{"userId": userID, "entityIds": ids})
	if err != nil {
		return nil, appErrors.Wrap(err, "memory collection failed")
	}

	best := make(map[string]*TraversalHit, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		memoryID := graph.AsString(row["memoryId"])
		via := entities[graph.AsString(row["entityId"])]

		hit, ok := best[memoryID]
		if !ok {
			best[memoryID] = &TraversalHit{
				MemoryID:    memoryID,
				Content:     graph.AsString(row["content"]),
				HopDistance: via.hops,
				AvgWeight:   via.weight,
			}
			order = append(order, memoryID)
			continue
		}
		if via.hops < hit.HopDistance || (via.hops == hit.HopDistance && via.weight > hit.AvgWeight) {
			hit.HopDistance = via.hops
			hit.AvgWeight = via.weight
		}
	}

	hits := make([]TraversalHit, 0, len(order))
	for _, id := range order {
		hits = append(hits, *best[id])
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].HopDistance != hits[j].HopDistance {
			return hits[i].HopDistance < hits[j].HopDistance
		}
		return hits[i].AvgWeight > hits[j].AvgWeight
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func idsFromRows(rows []map[string]any) []string {
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, graph.AsString(row["id"]))
	}
	return ids
}

func unionIDs(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
