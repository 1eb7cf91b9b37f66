package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripFences(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a": 1}`, `{"a": 1}`},
		{"```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"```\n[1, 2]\n```", `[1, 2]`},
		{"  {\"a\": 1}  ", `{"a": 1}`},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StripFences(tc.in))
	}
}

func TestDecodeObject(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
		Rank int    `json:"rank"`
	}

	t.Run("plain object", func(t *testing.T) {
		var p payload
		require.NoError(t, DecodeObject(`{"name": "x", "rank": 3}`, &p))
		assert.Equal(t, "x", p.Name)
		assert.Equal(t, 3, p.Rank)
	})

	t.Run("object wrapped in prose and fences", func(t *testing.T) {
		var p payload
		response := "Sure! Here is the result:\n```json\n{\"name\": \"x\", \"rank\": 3}\n```\nLet me know if you need anything else."
		require.NoError(t, DecodeObject(response, &p))
		assert.Equal(t, "x", p.Name)
	})

	t.Run("no object is an error", func(t *testing.T) {
		var p payload
		assert.Error(t, DecodeObject("there is no json here", &p))
	})
}

func TestDecodeArray(t *testing.T) {
	t.Run("plain array", func(t *testing.T) {
		var terms []string
		require.NoError(t, DecodeArray(`["a", "b"]`, &terms))
		assert.Equal(t, []string{"a", "b"}, terms)
	})

	t.Run("array inside prose", func(t *testing.T) {
		var terms []string
		require.NoError(t, DecodeArray(`The terms are ["alpha", "beta"].`, &terms))
		assert.Equal(t, []string{"alpha", "beta"}, terms)
	})

	t.Run("non-array is an error", func(t *testing.T) {
		var terms []string
		assert.Error(t, DecodeArray("nope", &terms))
	})
}

func TestMockProvider(t *testing.T) {
	t.Run("substring rules win over fallback", func(t *testing.T) {
		m := NewMockProvider().Respond("coffee", "DUPLICATE")
		m.Fallback = "DIFFERENT"

		got, err := m.Complete(context.Background(), "system", "does he like coffee?", CompletionOptions{})
		require.NoError(t, err)
		assert.Equal(t, "DUPLICATE", got)

		got, err = m.Complete(context.Background(), "system", "unrelated", CompletionOptions{})
		require.NoError(t, err)
		assert.Equal(t, "DIFFERENT", got)
		assert.Equal(t, 2, m.CallCount())
	})

	t.Run("no rule and no fallback is an error", func(t *testing.T) {
		m := NewMockProvider()
		_, err := m.Complete(context.Background(), "system", "anything", CompletionOptions{})
		assert.Error(t, err)
	})
}
