package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"engram-backend/internal/domain"
	"engram-backend/internal/memory"
	appErrors "engram-backend/pkg/errors"
)

// fakeMemoryService captures calls and returns scripted values.
type fakeMemoryService struct {
	addTexts   []string
	addOpts    memory.WriteOptions
	listOpts   memory.ListOptions
	page       *memory.Page
	mem        *domain.Memory
	update     *memory.UpdateResult
	err        error
	deletedIDs []string
}

func (f *fakeMemoryService) AddMemory(_ context.Context, text string, opts memory.WriteOptions) (*domain.Memory, error) {
	return f.mem, f.err
}

func (f *fakeMemoryService) AddMemories(_ context.Context, texts []string, opts memory.WriteOptions) []domain.WriteResult {
	f.addTexts = texts
	f.addOpts = opts
	results := make([]domain.WriteResult, 0, len(texts))
	for _, text := range texts {
		results = append(results, domain.WriteResult{ID: "m-" + text, Memory: text, Event: domain.WriteEventAdd})
	}
	return results
}

func (f *fakeMemoryService) SupersedeMemory(_ context.Context, oldID, newText string, opts memory.WriteOptions) (*domain.Memory, error) {
	return f.mem, f.err
}

func (f *fakeMemoryService) DeleteMemory(_ context.Context, id, userID string) error {
	f.deletedIDs = append(f.deletedIDs, id)
	return f.err
}

func (f *fakeMemoryService) GetMemory(_ context.Context, id, userID string) (*domain.Memory, error) {
	return f.mem, f.err
}

func (f *fakeMemoryService) ListMemories(_ context.Context, userID string, opts memory.ListOptions) (*memory.Page, error) {
	f.listOpts = opts
	return f.page, f.err
}

func (f *fakeMemoryService) UpdateMemory(_ context.Context, memoryID, contentFragment, newText string, opts memory.WriteOptions) (*memory.UpdateResult, error) {
	return f.update, f.err
}

func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestAddMemoriesHandler(t *testing.T) {
	t.Run("a single string becomes a one-item batch", func(t *testing.T) {
		svc := &fakeMemoryService{}
		h := NewMemoryHandler(svc, zap.NewNop())

		body := `{"content": "I moved to Berlin", "user_id": "u-1", "tags": ["life"]}`
		rec := httptest.NewRecorder()
		h.AddMemories(rec, httptest.NewRequest(http.MethodPost, "/api/memories", strings.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, []string{"I moved to Berlin"}, svc.addTexts)
		assert.Equal(t, "u-1", svc.addOpts.UserID)
		assert.Equal(t, []string{"life"}, svc.addOpts.Tags)
		assert.Contains(t, rec.Body.String(), `"event":"ADD"`)
	})

	t.Run("an array is passed through in order", func(t *testing.T) {
		svc := &fakeMemoryService{}
		h := NewMemoryHandler(svc, zap.NewNop())

		body := `{"content": ["first", "second"], "user_id": "u-1"}`
		rec := httptest.NewRecorder()
		h.AddMemories(rec, httptest.NewRequest(http.MethodPost, "/api/memories", strings.NewReader(body)))

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, []string{"first", "second"}, svc.addTexts)
	})

	t.Run("missing user is a 400", func(t *testing.T) {
		h := NewMemoryHandler(&fakeMemoryService{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.AddMemories(rec, httptest.NewRequest(http.MethodPost, "/api/memories", strings.NewReader(`{"content": "x"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty content is a 400", func(t *testing.T) {
		h := NewMemoryHandler(&fakeMemoryService{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.AddMemories(rec, httptest.NewRequest(http.MethodPost, "/api/memories", strings.NewReader(`{"content": [], "user_id": "u-1"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed content type is a 400", func(t *testing.T) {
		h := NewMemoryHandler(&fakeMemoryService{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.AddMemories(rec, httptest.NewRequest(http.MethodPost, "/api/memories", strings.NewReader(`{"content": 42, "user_id": "u-1"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListMemoriesHandler(t *testing.T) {
	t.Run("maps the page to summaries", func(t *testing.T) {
		now := time.Now().UTC()
		invalid := now.Add(time.Hour)
		svc := &fakeMemoryService{page: &memory.Page{
			Total: 2,
			Memories: []domain.Memory{
				{ID: "m-1", Content: "live", State: domain.MemoryStateActive, CreatedAt: now, UpdatedAt: now},
				{ID: "m-2", Content: "gone", State: domain.MemoryStateSuperseded, CreatedAt: now, UpdatedAt: now, InvalidAt: &invalid},
			},
		}}
		h := NewMemoryHandler(svc, zap.NewNop())

		rec := httptest.NewRecorder()
		h.ListMemories(rec, httptest.NewRequest(http.MethodGet, "/api/memories?user_id=u-1&limit=5", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 5, svc.listOpts.Limit)
		assert.Contains(t, rec.Body.String(), `"total":2`)
		assert.Contains(t, rec.Body.String(), `"state":"superseded"`)
		assert.Contains(t, rec.Body.String(), `"invalid_at"`)
	})

	t.Run("as_of is parsed into the options", func(t *testing.T) {
		svc := &fakeMemoryService{page: &memory.Page{}}
		h := NewMemoryHandler(svc, zap.NewNop())

		rec := httptest.NewRecorder()
		h.ListMemories(rec, httptest.NewRequest(http.MethodGet, "/api/memories?user_id=u-1&as_of=2026-01-02T15:04:05Z", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, svc.listOpts.AsOf)
		assert.Equal(t, 2026, svc.listOpts.AsOf.Year())
	})

	t.Run("bad as_of is a 400", func(t *testing.T) {
		h := NewMemoryHandler(&fakeMemoryService{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.ListMemories(rec, httptest.NewRequest(http.MethodGet, "/api/memories?user_id=u-1&as_of=yesterday", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing user_id is a 400", func(t *testing.T) {
		h := NewMemoryHandler(&fakeMemoryService{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.ListMemories(rec, httptest.NewRequest(http.MethodGet, "/api/memories", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetMemoryHandler(t *testing.T) {
	t.Run("not found maps to 404", func(t *testing.T) {
		svc := &fakeMemoryService{err: appErrors.NewNotFound("memory", "m-404")}
		h := NewMemoryHandler(svc, zap.NewNop())

		req := withURLParam(httptest.NewRequest(http.MethodGet, "/api/memories/m-404?user_id=u-1", nil), "memoryId", "m-404")
		rec := httptest.NewRecorder()
		h.GetMemory(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestUpdateMemoryHandler(t *testing.T) {
	t.Run("reports the supersede pair", func(t *testing.T) {
		svc := &fakeMemoryService{update: &memory.UpdateResult{
			OldID: "m-old", NewID: "m-new", OldContent: "before", NewContent: "after",
		}}
		h := NewMemoryHandler(svc, zap.NewNop())

		body := `{"memory_id": "m-old", "text": "after", "user_id": "u-1"}`
		rec := httptest.NewRecorder()
		h.UpdateMemory(rec, httptest.NewRequest(http.MethodPut, "/api/memories", strings.NewReader(body)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"old_id":"m-old"`)
		assert.Contains(t, rec.Body.String(), `"new_id":"m-new"`)
	})

	t.Run("missing text is a 400", func(t *testing.T) {
		h := NewMemoryHandler(&fakeMemoryService{}, zap.NewNop())

		rec := httptest.NewRecorder()
		h.UpdateMemory(rec, httptest.NewRequest(http.MethodPut, "/api/memories", strings.NewReader(`{"memory_id": "m-1", "user_id": "u-1"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeleteMemoryHandler(t *testing.T) {
	svc := &fakeMemoryService{}
	h := NewMemoryHandler(svc, zap.NewNop())

	req := withURLParam(httptest.NewRequest(http.MethodDelete, "/api/memories/m-1?user_id=u-1", nil), "memoryId", "m-1")
	rec := httptest.NewRecorder()
	h.DeleteMemory(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"m-1"}, svc.deletedIDs)
}
