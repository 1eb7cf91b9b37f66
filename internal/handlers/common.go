// Package handlers provides the HTTP layer over the memory, search, entity
// and community services.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"engram-backend/pkg/api"
	appErrors "engram-backend/pkg/errors"
)

var validate = validator.New()

// decodeAndValidate parses the JSON body into req and runs struct validation.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		api.Error(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := validate.Struct(req); err != nil {
		api.Error(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handleServiceError maps service errors to HTTP status codes.
func handleServiceError(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case appErrors.IsValidation(err):
		api.Error(w, http.StatusBadRequest, err.Error())
	case appErrors.IsNotFound(err):
		api.Error(w, http.StatusNotFound, err.Error())
	case appErrors.IsUnavailable(err):
		logger.Warn("dependency unavailable", zap.Error(err))
		api.Error(w, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		logger.Error("internal error", zap.Error(err))
		api.Error(w, http.StatusInternalServerError, "An internal error occurred")
	}
}

// queryInt reads an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

// requiredQuery reads a mandatory query parameter, writing a 400 when absent.
func requiredQuery(w http.ResponseWriter, r *http.Request, key string) (string, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		api.Error(w, http.StatusBadRequest, key+" is required")
		return "", false
	}
	return v, true
}
