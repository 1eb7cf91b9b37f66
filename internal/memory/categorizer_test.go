package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"engram-backend/internal/llm"
)

func TestCategorize(t *testing.T) {
	ctx := context.Background()

	t.Run("merges category edges from the model labels", func(t *testing.T) {
		store := &fakeStore{}
		provider := llm.NewMockProvider().Respond("ran a marathon", `["health", "fitness"]`)
		c := NewCategorizer(store, provider, zap.NewNop())

		c.Categorize(ctx, "m-1", "ran a marathon this weekend")

		_, params, ok := store.queryContaining("MERGE (c:Category {name: name})")
		require.True(t, ok)
		assert.Equal(t, "m-1", params["memoryId"])
		assert.Equal(t, []string{"health", "fitness"}, params["names"])
	})

	t.Run("completion failure is swallowed", func(t *testing.T) {
		store := &fakeStore{}
		provider := llm.NewMockProvider()
		provider.Err = errors.New("provider down")
		c := NewCategorizer(store, provider, zap.NewNop())

		c.Categorize(ctx, "m-1", "some text")

		_, _, wrote := store.queryContaining("MERGE (c:Category")
		assert.False(t, wrote)
	})

	t.Run("non-array response is swallowed", func(t *testing.T) {
		store := &fakeStore{}
		provider := llm.NewMockProvider().Respond("some text", "not json at all")
		c := NewCategorizer(store, provider, zap.NewNop())

		c.Categorize(ctx, "m-1", "some text")

		_, _, wrote := store.queryContaining("MERGE (c:Category")
		assert.False(t, wrote)
	})
}

func TestSanitizeCategories(t *testing.T) {
	t.Run("trims and drops empties", func(t *testing.T) {
		assert.Equal(t, []string{"work"}, SanitizeCategories([]string{"  work  ", "", "   "}))
	})

	t.Run("dedupes case insensitively keeping the first spelling", func(t *testing.T) {
		assert.Equal(t, []string{"Health"}, SanitizeCategories([]string{"Health", "health", "HEALTH"}))
	})

	t.Run("caps at three labels", func(t *testing.T) {
		got := SanitizeCategories([]string{"a", "b", "c", "d", "e"})
		assert.Equal(t, []string{"a", "b", "c"}, got)
	})

	t.Run("drops runaway labels", func(t *testing.T) {
		long := make([]byte, maxCategoryLength+1)
		for i := range long {
			long[i] = 'x'
		}
		assert.Equal(t, []string{"ok"}, SanitizeCategories([]string{string(long), "ok"}))
	})
}
