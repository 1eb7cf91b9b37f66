package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"engram-backend/internal/memory"
	"engram-backend/pkg/api"
)

// MemoryHandler serves the memory write and browse endpoints.
type MemoryHandler struct {
	service memory.Service
	logger  *zap.Logger
}

// NewMemoryHandler creates a memory handler.
func NewMemoryHandler(service memory.Service, logger *zap.Logger) *MemoryHandler {
	return &MemoryHandler{service: service, logger: logger}
}

// AddMemories handles POST /api/memories. A single string and a batch share
// one endpoint; both go through the sequential pipeline.
func (h *MemoryHandler) AddMemories(w http.ResponseWriter, r *http.Request) {
	var req api.AddMemoryRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if len(req.Content) == 0 {
		api.Error(w, http.StatusBadRequest, "content cannot be empty")
		return
	}

	results := h.service.AddMemories(r.Context(), req.Content, memory.WriteOptions{
		UserID:  req.UserID,
		AppName: req.AppName,
		Tags:    req.Tags,
	})
	api.Success(w, http.StatusCreated, api.AddMemoryResponse{Results: results})
}

// ListMemories handles GET /api/memories.
func (h *MemoryHandler) ListMemories(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}

	opts := memory.ListOptions{
		Limit:             queryInt(r, "limit", 20),
		Offset:            queryInt(r, "offset", 0),
		Category:          r.URL.Query().Get("category"),
		IncludeSuperseded: r.URL.Query().Get("include_superseded") == "true",
	}
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		asOf, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "as_of must be an RFC3339 timestamp")
			return
		}
		opts.AsOf = &asOf
	}

	page, err := h.service.ListMemories(r.Context(), userID, opts)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	results := make([]api.MemorySummary, 0, len(page.Memories))
	for _, m := range page.Memories {
		summary := api.MemorySummary{
			ID:         m.ID,
			Memory:     m.Content,
			State:      string(m.State),
			CreatedAt:  m.CreatedAt.Format(time.RFC3339),
			UpdatedAt:  m.UpdatedAt.Format(time.RFC3339),
			Categories: m.Categories,
		}
		if m.InvalidAt != nil {
			summary.InvalidAt = m.InvalidAt.Format(time.RFC3339)
		}
		results = append(results, summary)
	}

	api.Success(w, http.StatusOK, api.ListMemoriesResponse{
		Total:   page.Total,
		Offset:  opts.Offset,
		Limit:   opts.Limit,
		Results: results,
	})
}

// GetMemory handles GET /api/memories/{memoryId}.
func (h *MemoryHandler) GetMemory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	memoryID := chi.URLParam(r, "memoryId")

	m, err := h.service.GetMemory(r.Context(), memoryID, userID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, m)
}

// UpdateMemory handles PUT /api/memories. The update is a supersede: the old
// memory stays behind a SUPERSEDES edge.
func (h *MemoryHandler) UpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req api.UpdateMemoryRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	result, err := h.service.UpdateMemory(r.Context(), req.MemoryID, req.ContentFragment, req.Text, memory.WriteOptions{
		UserID:  req.UserID,
		AppName: req.AppName,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, api.UpdateMemoryResponse{Updated: *result})
}

// DeleteMemory handles DELETE /api/memories/{memoryId}.
func (h *MemoryHandler) DeleteMemory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	memoryID := chi.URLParam(r, "memoryId")

	if err := h.service.DeleteMemory(r.Context(), memoryID, userID); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"message": "Memory deleted"})
}
