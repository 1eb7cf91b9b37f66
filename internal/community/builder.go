// Package community rebuilds per-user memory clusters from the store's
// community detection and summarizes them with the LLM.
package community

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"engram-backend/internal/domain"
	"engram-backend/internal/graph"
	"engram-backend/internal/llm"
	appErrors "engram-backend/pkg/errors"
)

const (
	// minMemoriesForClustering skips users whose graphs are still noise.
	minMemoriesForClustering = 5
	// minGroupSize drops singleton clusters.
	minGroupSize = 2
	// maxSummarySamples bounds the summarization prompt.
	maxSummarySamples = 20

	defaultRank = 5
)

const summarySystemPrompt = `You summarize a cluster of related personal memories.
Respond with a JSON object: {"name": "short cluster title", "summary": "2-3 sentence overview", "rank": importance 1-10, "findings": ["notable fact", ...]}.`

type summaryPayload struct {
	Name     string   `json:"name"`
	Summary  string   `json:"summary"`
	Rank     int      `json:"rank"`
	Findings []string `json:"findings"`
}

// Builder performs the wholesale community rebuild.
type Builder struct {
	store    graph.Querier
	provider llm.Provider
	logger   *zap.Logger
}

// NewBuilder creates a community builder.
func NewBuilder(store graph.Querier, provider llm.Provider, logger *zap.Logger) *Builder {
	return &Builder{store: store, provider: provider, logger: logger}
}

type member struct {
	id      string
	content string
}

// Rebuild re-clusters a user's live memories. The rebuild is idempotent and
// conservative: when detection yields nothing, existing communities are left
// in place rather than cleared.
func (b *Builder) Rebuild(ctx context.Context, userID string) ([]domain.Community, error) {
	if userID == "" {
		return nil, appErrors.NewValidation("userId is required")
	}

	count, err := b.countLiveMemories(ctx, userID)
	if err != nil {
		return nil, err
	}
	if count < minMemoriesForClustering {
		b.logger.Debug("too few memories for clustering",
			zap.String("user_id", userID),
			zap.Int64("count", count),
		)
		return nil, nil
	}

	groups, err := b.detect(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		return nil, nil
	}

	if err := b.clearCommunities(ctx, userID); err != nil {
		return nil, err
	}

	// Deterministic iteration keeps back-to-back rebuilds structurally equal.
	keys := make([]int64, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var built []domain.Community
	for _, key := range keys {
		members := groups[key]
		if len(members) < minGroupSize {
			continue
		}
		c, err := b.createCommunity(ctx, userID, members)
		if err != nil {
			return built, err
		}
		built = append(built, *c)
	}
	return built, nil
}

func (b *Builder) countLiveMemories(ctx context.Context, userID string) (int64, error) {
	rows, err := b.store.RunRead(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(m:Memory)
		WHERE m.state <> 'deleted' AND m.invalidAt IS NULL
		RETURN count(m) AS total`,
		map[string]any{"userId": userID})
	if err != nil {
		return 0, appErrors.Wrap(err, "failed to count memories")
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return graph.AsInt64(rows[0]["total"]), nil
}

// detect runs the store's community-detection procedure anchored to the
// user's live memories and groups the resulting pairs.
func (b *Builder) detect(ctx context.Context, userID string) (map[int64][]member, error) {
	rows, err := b.store.RunRead(ctx, `
		CALL community_detection.detect() YIELD node, community_id
		MATCH (u:User {userId: $userId})-[:HAS_MEMORY]->(node)
		WHERE node.state <> 'deleted' AND node.invalidAt IS NULL
		RETURN node.id AS id, node.content AS content, community_id AS communityId`,
		map[string]any{"userId": userID})
	if err != nil {
		return nil, appErrors.Wrap(err, "community detection failed")
	}

	groups := make(map[int64][]member)
	for _, row := range rows {
		key := graph.AsInt64(row["communityId"])
		groups[key] = append(groups[key], member{
			id:      graph.AsString(row["id"]),
			content: graph.AsString(row["content"]),
		})
	}
	return groups, nil
}

func (b *Builder) clearCommunities(ctx context.Context, userID string) error {
	_, err := b.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})-[:HAS_COMMUNITY]->(c:Community)
		DETACH DELETE c`,
		map[string]any{"userId": userID})
	if err != nil {
		return appErrors.Wrap(err, "failed to clear communities")
	}
	return nil
}

func (b *Builder) createCommunity(ctx context.Context, userID string, members []member) (*domain.Community, error) {
	summary := b.summarize(ctx, members)
	now := time.Now().UTC()

	c := &domain.Community{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        summary.Name,
		Summary:     summary.Summary,
		Rank:        summary.Rank,
		Findings:    summary.Findings,
		MemberCount: len(members),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	memberIDs := make([]string, 0, len(members))
	for _, m := range members {
		memberIDs = append(memberIDs, m.id)
	}

	_, err := b.store.RunWrite(ctx, `
		MATCH (u:User {userId: $userId})
		CREATE (c:Community {
			id: $id,
			name: $name,
			summary: $summary,
			rank: $rank,
			findings: $findings,
			memberCount: $memberCount,
			createdAt: $now,
			updatedAt: $now
		})
		MERGE (u)-[:HAS_COMMUNITY]->(c)
		WITH c
		UNWIND $memberIds AS memberId
		MATCH (m:Memory {id: memberId})
		MERGE (m)-[:IN_COMMUNITY]->(c)`,
		map[string]any{
			"userId":      userID,
			"id":          c.ID,
			"name":        c.Name,
			"summary":     c.Summary,
			"rank":        c.Rank,
			"findings":    c.Findings,
			"memberCount": c.MemberCount,
			"now":         now,
			"memberIds":   memberIDs,
		})
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to create community")
	}
	return c, nil
}

// summarize names a cluster via the LLM with bounded defaults on any
// failure. Summarization is cosmetic; the rebuild never fails on it.
func (b *Builder) summarize(ctx context.Context, members []member) summaryPayload {
	fallback := summaryPayload{
		Name:     fmt.Sprintf("Memory cluster (%d memories)", len(members)),
		Summary:  "A group of related memories.",
		Rank:     defaultRank,
		Findings: []string{},
	}
	if b.provider == nil || !b.provider.IsAvailable() {
		return fallback
	}

	samples := members
	if len(samples) > maxSummarySamples {
		samples = samples[:maxSummarySamples]
	}
	var prompt string
	for _, m := range samples {
		prompt += "- " + m.content + "\n"
	}

	response, err := b.provider.Complete(ctx, summarySystemPrompt, prompt, llm.CompletionOptions{
		Temperature: 0,
		MaxTokens:   400,
		JSONMode:    true,
	})
	if err != nil {
		b.logger.Debug("community summarization failed", zap.Error(err))
		return fallback
	}

	var payload summaryPayload
	if err := llm.DecodeObject(response, &payload); err != nil {
		b.logger.Debug("community summary was not valid JSON", zap.Error(err))
		return fallback
	}
	if payload.Name == "" {
		payload.Name = fallback.Name
	}
	if payload.Summary == "" {
		payload.Summary = fallback.Summary
	}
	if payload.Rank < 1 || payload.Rank > 10 {
		payload.Rank = defaultRank
	}
	if payload.Findings == nil {
		payload.Findings = []string{}
	}
	return payload
}
