package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"engram-backend/internal/community"
	"engram-backend/internal/graph"
	"engram-backend/pkg/api"
)

// CommunityHandler serves the community rebuild and listing endpoints.
type CommunityHandler struct {
	builder *community.Builder
	store   graph.Querier
	logger  *zap.Logger
}

// NewCommunityHandler creates a community handler.
func NewCommunityHandler(builder *community.Builder, store graph.Querier, logger *zap.Logger) *CommunityHandler {
	return &CommunityHandler{builder: builder, store: store, logger: logger}
}

// Rebuild handles POST /api/communities/rebuild.
func (h *CommunityHandler) Rebuild(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	built, err := h.builder.Rebuild(r.Context(), userID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, api.RebuildCommunitiesResponse{Communities: built})
}

// List handles GET /api/communities.
func (h *CommunityHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	rows, err := h.store.RunRead(r.Context(), `
		MATCH (u:User {userId: $userId})-[:HAS_COMMUNITY]->(c:Community)
		RETURN c.id AS id, c.name AS name, c.summary AS summary,
			c.rank AS rank, c.findings AS findings, c.memberCount AS memberCount
		ORDER BY c.rank DESC`,
		map[string]any{"userId": userID})
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	communities := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		communities = append(communities, map[string]any{
			"id":           graph.AsString(row["id"]),
			"name":         graph.AsString(row["name"]),
			"summary":      graph.AsString(row["summary"]),
			"rank":         graph.AsInt64(row["rank"]),
			"findings":     graph.AsStringSlice(row["findings"]),
			"member_count": graph.AsInt64(row["memberCount"]),
		})
	}
	api.Success(w, http.StatusOK, map[string]any{"communities": communities})
}
