package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"engram-backend/internal/llm"
)

func TestFallbackTerms(t *testing.T) {
	t.Run("strips punctuation and short tokens", func(t *testing.T) {
		terms := fallbackTerms("What's Alice's job at the NYC office?")
		assert.Equal(t, []string{"what", "alice", "job", "the", "nyc", "office"}, terms)
	})

	t.Run("dedupes tokens", func(t *testing.T) {
		assert.Equal(t, []string{"coffee"}, fallbackTerms("coffee Coffee COFFEE!"))
	})

	t.Run("empty query yields no terms", func(t *testing.T) {
		assert.Empty(t, fallbackTerms("a, b? c!"))
	})
}

func TestExtractTerms(t *testing.T) {
	ctx := context.Background()

	t.Run("uses model terms when available", func(t *testing.T) {
		provider := llm.NewMockProvider().Respond("job history", `["Alice Chen", "career"]`)
		tr := NewTraversal(&fakeStore{}, provider, zap.NewNop())

		terms := tr.extractTerms(ctx, "tell me about Alice Chen's job history")
		assert.Equal(t, []string{"alice chen", "career"}, terms)
	})

	t.Run("falls back to the tokenizer on provider failure", func(t *testing.T) {
		provider := llm.NewMockProvider()
		provider.Err = errors.New("provider down")
		tr := NewTraversal(&fakeStore{}, provider, zap.NewNop())

		terms := tr.extractTerms(ctx, "coffee habits")
		assert.Equal(t, []string{"coffee", "habits"}, terms)
	})

	t.Run("falls back when the response is not an array", func(t *testing.T) {
		provider := llm.NewMockProvider().Respond("coffee", "sure, here are some terms")
		tr := NewTraversal(&fakeStore{}, provider, zap.NewNop())

		terms := tr.extractTerms(ctx, "coffee habits")
		assert.Equal(t, []string{"coffee", "habits"}, terms)
	})
}

func TestTraverse(t *testing.T) {
	ctx := context.Background()

	termProvider := func() *llm.MockProvider {
		return llm.NewMockProvider().Respond("", `["alice"]`)
	}

	t.Run("no seeds returns empty without expanding", func(t *testing.T) {
		store := &fakeStore{}
		tr := NewTraversal(store, termProvider(), zap.NewNop())

		hits, err := tr.Traverse(ctx, "alice", "user-1", TraversalOptions{})
		require.NoError(t, err)
		assert.Empty(t, hits)

		_, _, expanded := store.queryContaining("RELATED_TO*1..")
		assert.False(t, expanded)
	})

	t.Run("depth is clamped into the supported range", func(t *testing.T) {
		cases := []struct {
			depth int
			want  string
		}{
			{depth: 0, want: "RELATED_TO*1..2"},
			{depth: -3, want: "RELATED_TO*1..1"},
			{depth: 99, want: "RELATED_TO*1..5"},
		}
		for _, tc := range cases {
			store := (&fakeStore{}).respond("HAS_ENTITY]->(e:Entity)", []map[string]any{{"id": "e-seed"}})
			tr := NewTraversal(store, termProvider(), zap.NewNop())

			_, err := tr.Traverse(ctx, "alice", "user-1", TraversalOptions{MaxDepth: tc.depth})
			require.NoError(t, err)

			query, _, ok := store.queryContaining("RELATED_TO*1..")
			require.True(t, ok, "depth %d", tc.depth)
			assert.Contains(t, query, tc.want)
		}
	})

	t.Run("memories inherit the minimum hop with weight tiebreak", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("HAS_ENTITY]->(e:Entity)", []map[string]any{{"id": "e-seed"}}).
			respond("RELATED_TO*1..", []map[string]any{
				{"id": "e-near", "hops": int64(1), "avgWeight": 0.9},
				{"id": "e-far", "hops": int64(2), "avgWeight": 0.4},
			}).
			respond("MENTIONS]->(e:Entity)", []map[string]any{
				{"memoryId": "m-1", "content": "met alice downtown", "entityId": "e-far"},
				{"memoryId": "m-1", "content": "met alice downtown", "entityId": "e-near"},
				{"memoryId": "m-2", "content": "a distant connection", "entityId": "e-far"},
			})
		tr := NewTraversal(store, termProvider(), zap.NewNop())

		hits, err := tr.Traverse(ctx, "alice", "user-1", TraversalOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 2)

		assert.Equal(t, "m-1", hits[0].MemoryID)
		assert.Equal(t, 1, hits[0].HopDistance)
		assert.InDelta(t, 0.9, hits[0].AvgWeight, 1e-12)

		assert.Equal(t, "m-2", hits[1].MemoryID)
		assert.Equal(t, 2, hits[1].HopDistance)
	})

	t.Run("seed entities report zero hops", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("HAS_ENTITY]->(e:Entity)", []map[string]any{{"id": "e-seed"}}).
			respond("MENTIONS]->(e:Entity)", []map[string]any{
				{"memoryId": "m-1", "content": "about the seed", "entityId": "e-seed"},
			})
		tr := NewTraversal(store, termProvider(), zap.NewNop())

		hits, err := tr.Traverse(ctx, "alice", "user-1", TraversalOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, 0, hits[0].HopDistance)
		assert.InDelta(t, 1.0, hits[0].AvgWeight, 1e-12)
	})

	t.Run("limit caps the hit list", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("HAS_ENTITY]->(e:Entity)", []map[string]any{{"id": "e-seed"}}).
			respond("MENTIONS]->(e:Entity)", []map[string]any{
				{"memoryId": "m-1", "content": "one", "entityId": "e-seed"},
				{"memoryId": "m-2", "content": "two", "entityId": "e-seed"},
				{"memoryId": "m-3", "content": "three", "entityId": "e-seed"},
			})
		tr := NewTraversal(store, termProvider(), zap.NewNop())

		hits, err := tr.Traverse(ctx, "alice", "user-1", TraversalOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, hits, 2)
	})

	t.Run("vector seeding skips term extraction", func(t *testing.T) {
		provider := llm.NewMockProvider()
		store := (&fakeStore{}).
			respond("RETURN DISTINCT e.id", []map[string]any{{"id": "e-1"}})
		tr := NewTraversal(store, provider, zap.NewNop())

		_, err := tr.Traverse(ctx, "", "user-1", TraversalOptions{QueryVector: []float32{0.1, 0.2}})
		require.NoError(t, err)
		assert.Zero(t, provider.CallCount())
	})

	t.Run("requires a user", func(t *testing.T) {
		tr := NewTraversal(&fakeStore{}, termProvider(), zap.NewNop())
		_, err := tr.Traverse(ctx, "alice", "", TraversalOptions{})
		assert.Error(t, err)
	})
}

func TestUnionIDs(t *testing.T) {
	got := unionIDs([]string{"a", "b"}, []string{"b", "c", ""}, nil)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestTraverseAccessAudit(t *testing.T) {
	ctx := context.Background()

	store := (&fakeStore{}).
		respond("HAS_ENTITY]->(e:Entity)", []map[string]any{{"id": "e-seed"}}).
		respond("MENTIONS]->(e:Entity)", []map[string]any{
			{"memoryId": "m-1", "content": "about the seed", "entityId": "e-seed"},
		})
	tr := NewTraversal(store, llm.NewMockProvider().Respond("", `["alice"]`), zap.NewNop())

	_, err := tr.Traverse(ctx, "alice downtown", "user-1", TraversalOptions{})
	require.NoError(t, err)

	_, params, ok := store.queryContaining(":ACCESSED")
	require.True(t, ok)
	assert.Equal(t, "alice downtown", params["query"])
	assert.Equal(t, []string{"m-1"}, params["ids"])
}
