package community

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"engram-backend/internal/llm"
)

// fakeStore scripts query results by substring match and records every call.
type fakeStore struct {
	mu    sync.Mutex
	rules []storeRule

	Queries []string
	Params  []map[string]any
}

type storeRule struct {
	substring string
	rows      []map[string]any
	err       error
}

func (f *fakeStore) respond(substring string, rows []map[string]any) *fakeStore {
	f.rules = append(f.rules, storeRule{substring: substring, rows: rows})
	return f
}

func (f *fakeStore) run(query string, params map[string]any) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Queries = append(f.Queries, query)
	f.Params = append(f.Params, params)
	for _, rule := range f.rules {
		if strings.Contains(query, rule.substring) {
			return rule.rows, rule.err
		}
	}
	return nil, nil
}

func (f *fakeStore) RunRead(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return f.run(query, params)
}

func (f *fakeStore) RunWrite(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	return f.run(query, params)
}

func (f *fakeStore) queryContaining(substring string) (map[string]any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, q := range f.Queries {
		if strings.Contains(q, substring) {
			return f.Params[i], true
		}
	}
	return nil, false
}

func countRow(n int64) []map[string]any {
	return []map[string]any{{"total": n}}
}

func detectionRow(id, content string, communityID int64) map[string]any {
	return map[string]any{"id": id, "content": content, "communityId": communityID}
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()

	t.Run("too few memories skips clustering entirely", func(t *testing.T) {
		store := (&fakeStore{}).respond("count(m) AS total", countRow(4))
		b := NewBuilder(store, llm.NewMockProvider(), zap.NewNop())

		built, err := b.Rebuild(ctx, "user-1")
		require.NoError(t, err)
		assert.Nil(t, built)

		_, detected := store.queryContaining("community_detection.detect")
		assert.False(t, detected)
	})

	t.Run("empty detection preserves existing communities", func(t *testing.T) {
		store := (&fakeStore{}).respond("count(m) AS total", countRow(10))
		b := NewBuilder(store, llm.NewMockProvider(), zap.NewNop())

		built, err := b.Rebuild(ctx, "user-1")
		require.NoError(t, err)
		assert.Nil(t, built)

		_, cleared := store.queryContaining("DETACH DELETE c")
		assert.False(t, cleared)
	})

	t.Run("rebuild clears and recreates groups of two or more", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("count(m) AS total", countRow(10)).
			respond("community_detection.detect", []map[string]any{
				detectionRow("m-1", "ran 5k", 7),
				detectionRow("m-2", "signed up for a marathon", 7),
				detectionRow("m-3", "a lonely memory", 9),
			})
		provider := llm.NewMockProvider().Respond("ran 5k", `{"name": "Running", "summary": "Training for a marathon.", "rank": 8, "findings": ["runs regularly"]}`)
		b := NewBuilder(store, provider, zap.NewNop())

		built, err := b.Rebuild(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, built, 1)

		c := built[0]
		assert.Equal(t, "Running", c.Name)
		assert.Equal(t, 8, c.Rank)
		assert.Equal(t, 2, c.MemberCount)
		assert.Equal(t, []string{"runs regularly"}, c.Findings)

		_, cleared := store.queryContaining("DETACH DELETE c")
		assert.True(t, cleared)

		params, created := store.queryContaining("CREATE (c:Community")
		require.True(t, created)
		assert.Equal(t, []string{"m-1", "m-2"}, params["memberIds"])
	})

	t.Run("summary failure falls back to bounded defaults", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("count(m) AS total", countRow(10)).
			respond("community_detection.detect", []map[string]any{
				detectionRow("m-1", "one", 1),
				detectionRow("m-2", "two", 1),
			})
		provider := llm.NewMockProvider()
		provider.Err = errors.New("provider down")
		b := NewBuilder(store, provider, zap.NewNop())

		built, err := b.Rebuild(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, built, 1)
		assert.Equal(t, "Memory cluster (2 memories)", built[0].Name)
		assert.Equal(t, defaultRank, built[0].Rank)
		assert.Equal(t, []string{}, built[0].Findings)
	})

	t.Run("out of range rank is clamped to the default", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("count(m) AS total", countRow(10)).
			respond("community_detection.detect", []map[string]any{
				detectionRow("m-1", "one", 1),
				detectionRow("m-2", "two", 1),
			})
		provider := llm.NewMockProvider().Respond("one", `{"name": "Cluster", "summary": "s", "rank": 42}`)
		b := NewBuilder(store, provider, zap.NewNop())

		built, err := b.Rebuild(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, built, 1)
		assert.Equal(t, defaultRank, built[0].Rank)
	})

	t.Run("rebuild order is deterministic across group keys", func(t *testing.T) {
		store := (&fakeStore{}).
			respond("count(m) AS total", countRow(10)).
			respond("community_detection.detect", []map[string]any{
				detectionRow("m-5", "later group", 9),
				detectionRow("m-6", "later group member", 9),
				detectionRow("m-1", "earlier group", 2),
				detectionRow("m-2", "earlier group member", 2),
			})
		provider := llm.NewMockProvider()
		provider.Fallback = `{"name": "Cluster", "summary": "s", "rank": 5}`
		b := NewBuilder(store, provider, zap.NewNop())

		built, err := b.Rebuild(ctx, "user-1")
		require.NoError(t, err)
		require.Len(t, built, 2)
		assert.Equal(t, 2, built[0].MemberCount)
		assert.Equal(t, 2, built[1].MemberCount)

		// Group key 2 is created before group key 9.
		params, ok := store.queryContaining("CREATE (c:Community")
		require.True(t, ok)
		assert.Equal(t, []string{"m-1", "m-2"}, params["memberIds"])
	})

	t.Run("requires a user", func(t *testing.T) {
		b := NewBuilder(&fakeStore{}, llm.NewMockProvider(), zap.NewNop())
		_, err := b.Rebuild(ctx, "")
		assert.Error(t, err)
	})
}
