package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"engram-backend/internal/search"
	"engram-backend/pkg/api"
)

// SearchHandler serves the hybrid and graph retrieval endpoints.
type SearchHandler struct {
	hybrid    *search.Hybrid
	traversal *search.Traversal
	logger    *zap.Logger
}

// NewSearchHandler creates a search handler.
func NewSearchHandler(hybrid *search.Hybrid, traversal *search.Traversal, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{hybrid: hybrid, traversal: traversal, logger: logger}
}

// Search handles POST /api/search.
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req api.SearchRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	opts := search.Options{
		UserID:   req.UserID,
		TopK:     req.Limit,
		Mode:     search.Mode(req.Mode),
		Category: req.Category,
	}
	if req.CreatedAfter != "" {
		createdAfter, err := time.Parse(time.RFC3339, req.CreatedAfter)
		if err != nil {
			api.Error(w, http.StatusBadRequest, "created_after must be an RFC3339 timestamp")
			return
		}
		opts.CreatedAfter = &createdAfter
	}

	response, err := h.hybrid.Search(r.Context(), req.Query, opts)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	message := "Found matching memories."
	switch {
	case len(response.Results) == 0:
		message = "No matching memories found."
	case !response.Confident:
		message = "Results may not be relevant to the query."
	}
	api.Success(w, http.StatusOK, api.SearchResponse{
		Confident: response.Confident,
		Message:   message,
		Results:   response.Results,
	})
}

// GraphSearch handles POST /api/search/graph.
func (h *SearchHandler) GraphSearch(w http.ResponseWriter, r *http.Request) {
	var req api.GraphSearchRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	hits, err := h.traversal.Traverse(r.Context(), req.Query, req.UserID, search.TraversalOptions{
		Limit:    req.Limit,
		MaxDepth: req.MaxDepth,
	})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, api.GraphSearchResponse{Results: hits})
}
