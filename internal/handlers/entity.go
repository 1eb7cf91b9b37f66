package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"engram-backend/internal/entity"
	"engram-backend/pkg/api"
)

// EntityHandler serves entity reads, explicit relations and admin removal.
type EntityHandler struct {
	service *entity.Service
	logger  *zap.Logger
}

// NewEntityHandler creates an entity handler.
func NewEntityHandler(service *entity.Service, logger *zap.Logger) *EntityHandler {
	return &EntityHandler{service: service, logger: logger}
}

// ListEntities handles GET /api/entities.
func (h *EntityHandler) ListEntities(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	entities, err := h.service.ListEntities(r.Context(), userID,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]any{"entities": entities})
}

// GetEntity handles GET /api/entities/{entityId}. The path segment may be an
// id or a display name; the service tries the id first.
func (h *EntityHandler) GetEntity(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	key := chi.URLParam(r, "entityId")

	e, err := h.service.GetEntity(r.Context(), userID, key, "")
	if err != nil {
		e, err = h.service.GetEntity(r.Context(), userID, "", key)
	}
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}

	rels, err := h.service.ListRelationships(r.Context(), userID, e.ID)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]any{
		"entity":        e,
		"relationships": rels,
	})
}

// CreateRelation handles POST /api/entities/relations.
func (h *EntityHandler) CreateRelation(w http.ResponseWriter, r *http.Request) {
	var req api.CreateRelationRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	err := h.service.CreateRelationship(r.Context(), req.UserID,
		entity.Input{Name: req.Source, Type: req.SourceType},
		entity.Input{Name: req.Target, Type: req.TargetType},
		req.Type, req.Description, req.Weight)
	if err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusCreated, map[string]string{"message": "Relation created"})
}

// DeleteEntity handles DELETE /api/entities/{entityId}.
func (h *EntityHandler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	userID, ok := requiredQuery(w, r, "user_id")
	if !ok {
		return
	}
	if err := h.service.DeleteEntity(r.Context(), userID, chi.URLParam(r, "entityId")); err != nil {
		handleServiceError(w, h.logger, err)
		return
	}
	api.Success(w, http.StatusOK, map[string]string{"message": "Entity deleted"})
}
