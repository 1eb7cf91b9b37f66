package entity

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"engram-backend/internal/domain"
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

func newTestResolver(store *fakeStore) *Resolver {
	return NewResolver(store, nil, nil, nil, zap.NewNop())
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("exact match returns stored id without creating", func(t *testing.T) {
		store := (&fakeStore{}).respond("normalizedName: $normalized", []map[string]any{
			{"id": "e-1", "name": "Acme Corp", "type": "ORGANIZATION", "description": "an org"},
		})
		resolver := newTestResolver(store)

		id, err := resolver.Resolve(ctx, Input{Name: "Acme Corp", Type: "ORGANIZATION"}, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "e-1", id)

		_, created := store.queryContaining("ON CREATE SET e.id")
		assert.False(t, created)
	})

	t.Run("empty name is rejected", func(t *testing.T) {
		_, err := newTestResolver(&fakeStore{}).Resolve(ctx, Input{}, "user-1")
		assert.Error(t, err)
	})

	t.Run("no match creates through atomic merge", func(t *testing.T) {
		store := (&fakeStore{}).respond("ON CREATE SET e.id", []map[string]any{{"id": "e-new"}})
		resolver := newTestResolver(store)

		id, err := resolver.Resolve(ctx, Input{Name: "Jo Garcia", Type: "PERSON"}, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "e-new", id)

		params, ok := store.queryContaining("ON CREATE SET e.id")
		require.True(t, ok)
		assert.Equal(t, "jogarcia", params["normalized"])
	})

	t.Run("merge returns concurrent winner's id", func(t *testing.T) {
		store := (&fakeStore{}).respond("ON CREATE SET e.id", []map[string]any{{"id": "e-winner"}})
		resolver := newTestResolver(store)

		id, err := resolver.Resolve(ctx, Input{Name: "Shared Entity"}, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "e-winner", id)
	})
}

func TestResolveAlias(t *testing.T) {
	ctx := context.Background()

	t.Run("shorter stored person name matches and display name upgrades", func(t *testing.T) {
		store := (&fakeStore{}).respond("STARTS WITH", []map[string]any{
			{"id": "e-alice", "name": "Alice", "type": "PERSON", "description": ""},
		})
		resolver := newTestResolver(store)

		id, err := resolver.Resolve(ctx, Input{Name: "Alice Chen", Type: "PERSON"}, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "e-alice", id)

		params, ok := store.queryContaining("SET e += $props")
		require.True(t, ok)
		props := params["props"].(map[string]any)
		assert.Equal(t, "Alice Chen", props["name"])
	})

	t.Run("shorter incoming name keeps stored display name", func(t *testing.T) {
		store := (&fakeStore{}).respond("STARTS WITH", []map[string]any{
			{"id": "e-alice", "name": "Alice Chen", "type": "PERSON", "description": ""},
		})
		resolver := newTestResolver(store)

		id, err := resolver.Resolve(ctx, Input{Name: "Alice", Type: "PERSON"}, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "e-alice", id)

		if params, ok := store.queryContaining("SET e += $props"); ok {
			props := params["props"].(map[string]any)
			assert.NotContains(t, props, "name")
		}
	})

	t.Run("alias tier only runs for people", func(t *testing.T) {
		store := (&fakeStore{}).respond("ON CREATE SET e.id", []map[string]any{{"id": "e-new"}})
		resolver := newTestResolver(store)

		_, err := resolver.Resolve(ctx, Input{Name: "Acme", Type: "ORGANIZATION"}, "user-1")
		require.NoError(t, err)

		_, aliasQueried := store.queryContaining("STARTS WITH")
		assert.False(t, aliasQueried)
	})
}

func TestTypeUpgrade(t *testing.T) {
	ctx := context.Background()

	t.Run("higher priority type upgrades", func(t *testing.T) {
		store := (&fakeStore{}).respond("normalizedName: $normalized", []map[string]any{
			{"id": "e-1", "name": "Mercury", "type": "CONCEPT", "description": ""},
		})
		resolver := newTestResolver(store)

		_, err := resolver.Resolve(ctx, Input{Name: "Mercury", Type: "PERSON"}, "user-1")
		require.NoError(t, err)

		params, ok := store.queryContaining("SET e += $props")
		require.True(t, ok)
		props := params["props"].(map[string]any)
		assert.Equal(t, "PERSON", props["type"])
	})

	t.Run("lower priority type never downgrades", func(t *testing.T) {
		store := (&fakeStore{}).respond("normalizedName: $normalized", []map[string]any{
			{"id": "e-1", "name": "Mercury", "type": "PERSON", "description": ""},
		})
		resolver := newTestResolver(store)

		_, err := resolver.Resolve(ctx, Input{Name: "Mercury", Type: "CONCEPT"}, "user-1")
		require.NoError(t, err)

		_, upgraded := store.queryContaining("SET e += $props")
		assert.False(t, upgraded)
	})

	t.Run("open ontology type outranks the generic buckets", func(t *testing.T) {
		store := (&fakeStore{}).respond("normalizedName: $normalized", []map[string]any{
			{"id": "e-1", "name": "Postgres", "type": "CONCEPT", "description": ""},
		})
		resolver := newTestResolver(store)

		_, err := resolver.Resolve(ctx, Input{Name: "Postgres", Type: "DATABASE"}, "user-1")
		require.NoError(t, err)

		params, ok := store.queryContaining("SET e += $props")
		require.True(t, ok)
		props := params["props"].(map[string]any)
		assert.Equal(t, "DATABASE", props["type"])
	})

	t.Run("strictly longer description upgrades", func(t *testing.T) {
		store := (&fakeStore{}).respond("normalizedName: $normalized", []map[string]any{
			{"id": "e-1", "name": "Acme", "type": "ORGANIZATION", "description": "a company"},
		})
		resolver := newTestResolver(store)

		_, err := resolver.Resolve(ctx, Input{
			Name: "Acme", Type: "ORGANIZATION",
			Description: "a robotics company based in Portland",
		}, "user-1")
		require.NoError(t, err)

		params, ok := store.queryContaining("SET e += $props")
		require.True(t, ok)
		props := params["props"].(map[string]any)
		assert.Equal(t, "a robotics company based in Portland", props["description"])
	})
}

func TestNormalizedNameRanks(t *testing.T) {
	assert.Equal(t, "alicechen", domain.NormalizeEntityName("Alice Chen"))
	assert.Greater(t, domain.EntityTypeRank("PERSON"), domain.EntityTypeRank("ORGANIZATION"))
	assert.Greater(t, domain.EntityTypeRank("SERVICE"), domain.EntityTypeRank("CONCEPT"))
	assert.Greater(t, domain.EntityTypeRank("CONCEPT"), domain.EntityTypeRank("OTHER"))
}
