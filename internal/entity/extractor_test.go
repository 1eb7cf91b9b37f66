package entity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"engram-backend/internal/llm"
)

func newTestExtractor(store *fakeStore, provider llm.Provider) *Extractor {
	return NewExtractor(store, newTestResolver(store), provider, zap.NewNop(), nil)
}

func TestExtractForMemory(t *testing.T) {
	ctx := context.Background()

	t.Run("links extracted entities as mentions", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("collect(p.content) AS siblings", []map[string]any{
				{"content": "Alice works at Acme", "siblings": []any{}},
			}).
			respond("ON CREATE SET e.id", []map[string]any{{"id": "e-alice"}})
		provider := llm.NewMockProvider().Respond("Alice works at Acme",
			`{"entities": [{"name": "Alice", "type": "PERSON"}], "relationships": []}`)

		require.NoError(t, newTestExtractor(store, provider).ExtractForMemory(ctx, "user-1", "m-1"))

		params, ok := store.queryContaining("MERGE (m)-[r:MENTIONS]->(e)")
		require.True(t, ok)
		assert.Equal(t, "e-alice", params["entityId"])
		assert.Equal(t, "m-1", params["memoryId"])
	})

	t.Run("sibling context window is integer-typed", func(t *testing.T) {
		store := (&fakeStore{}).respond("collect(p.content) AS siblings", []map[string]any{
			{"content": "a fact", "siblings": []any{}},
		})
		provider := llm.NewMockProvider().Respond("", `{"entities": [], "relationships": []}`)

		require.NoError(t, newTestExtractor(store, provider).ExtractForMemory(ctx, "user-1", "m-1"))

		params, ok := store.queryContaining("LIMIT toInteger($siblings)")
		require.True(t, ok)
		assert.Equal(t, siblingContextLimit, params["siblings"])
	})

	t.Run("missing memory is an error", func(t *testing.T) {
		provider := llm.NewMockProvider()
		err := newTestExtractor(&fakeStore{}, provider).ExtractForMemory(ctx, "user-1", "m-gone")
		assert.Error(t, err)
		assert.Zero(t, provider.CallCount())
	})
}

func TestLinkEntities(t *testing.T) {
	ctx := context.Background()

	t.Run("distinct relationship types keep separate edges", func(t *testing.T) {
		store := &fakeStore{}
		x := newTestExtractor(store, llm.NewMockProvider())

		require.NoError(t, x.linkEntities(ctx, "e-alice", "e-acme", "WORKS_AT", "employment", 0.9))
		require.NoError(t, x.linkEntities(ctx, "e-alice", "e-acme", "FOUNDED", "founder", 0.8))

		var relTypes []string
		for i, q := range store.Queries {
			if !strings.Contains(q, "MERGE (a)-[r:RELATED_TO") {
				continue
			}
			// The type must be part of the MERGE key, not a post-merge SET,
			// or the second write would overwrite the first edge.
			assert.Contains(t, q, "MERGE (a)-[r:RELATED_TO {type: $relType}]->(b)")
			relTypes = append(relTypes, store.Params[i]["relType"].(string))
		}
		assert.Equal(t, []string{"WORKS_AT", "FOUNDED"}, relTypes)
	})

	t.Run("refreshes endpoint ranks", func(t *testing.T) {
		store := &fakeStore{}
		x := newTestExtractor(store, llm.NewMockProvider())

		require.NoError(t, x.linkEntities(ctx, "e-1", "e-2", "KNOWS", "", 0.5))

		require.Len(t, store.Queries, 1)
		assert.Contains(t, store.Queries[0], "SET a.rank = toFloat(COUNT { (a)-[:RELATED_TO]-() })")
	})
}
