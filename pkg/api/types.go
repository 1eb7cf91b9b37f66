// Package api defines the JSON request and response shapes of the tool
// surface, plus standardized response helpers.
package api

import (
	"encoding/json"
	"fmt"

	"engram-backend/internal/domain"
	"engram-backend/internal/memory"
	"engram-backend/internal/search"
)

// AddMemoryRequest accepts a single text or a batch.
type AddMemoryRequest struct {
	Content ContentField `json:"content"`
	UserID  string       `json:"user_id" validate:"required"`
	AppName string       `json:"app_name"`
	Tags    []string     `json:"tags,omitempty"`
}

// ContentField unmarshals either a string or an array of strings.
type ContentField []string

// UnmarshalJSON implements the string-or-array contract.
func (c *ContentField) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*c = ContentField{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("content must be a string or an array of strings")
	}
	*c = ContentField(many)
	return nil
}

// AddMemoryResponse reports per-item write outcomes.
type AddMemoryResponse struct {
	Results []domain.WriteResult `json:"results"`
}

// SearchRequest is the retrieval query.
type SearchRequest struct {
	Query        string `json:"query" validate:"required"`
	UserID       string `json:"user_id" validate:"required"`
	Limit        int    `json:"limit,omitempty"`
	Mode         string `json:"mode,omitempty" validate:"omitempty,oneof=hybrid vector text"`
	Category     string `json:"category,omitempty"`
	CreatedAfter string `json:"created_after,omitempty"`
}

// SearchResponse carries fused results with the confidence signal.
type SearchResponse struct {
	Confident bool            `json:"confident"`
	Message   string          `json:"message"`
	Results   []search.Result `json:"results"`
}

// GraphSearchRequest queries the entity graph.
type GraphSearchRequest struct {
	Query    string `json:"query" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	Limit    int    `json:"limit,omitempty"`
	MaxDepth int    `json:"max_depth,omitempty" validate:"omitempty,min=1,max=5"`
}

// GraphSearchResponse lists memories reached through the graph.
type GraphSearchResponse struct {
	Results []search.TraversalHit `json:"results"`
}

// ListMemoriesResponse is one browse page.
type ListMemoriesResponse struct {
	Total   int64           `json:"total"`
	Offset  int             `json:"offset"`
	Limit   int             `json:"limit"`
	Results []MemorySummary `json:"results"`
}

// MemorySummary is the browse projection of a memory.
type MemorySummary struct {
	ID         string   `json:"id"`
	Memory     string   `json:"memory"`
	State      string   `json:"state"`
	CreatedAt  string   `json:"created_at"`
	UpdatedAt  string   `json:"updated_at"`
	InvalidAt  string   `json:"invalid_at,omitempty"`
	Categories []string `json:"categories,omitempty"`
}

// UpdateMemoryRequest supersedes a memory by id or content fragment.
type UpdateMemoryRequest struct {
	MemoryID        string `json:"memory_id,omitempty"`
	ContentFragment string `json:"content_fragment,omitempty"`
	Text            string `json:"text" validate:"required"`
	UserID          string `json:"user_id" validate:"required"`
	AppName         string `json:"app_name"`
}

// UpdateMemoryResponse reports the supersede pair.
type UpdateMemoryResponse struct {
	Updated memory.UpdateResult `json:"updated"`
}

// CreateRelationRequest writes an explicit entity relationship.
type CreateRelationRequest struct {
	UserID      string  `json:"user_id" validate:"required"`
	Source      string  `json:"source" validate:"required"`
	SourceType  string  `json:"source_type,omitempty"`
	Target      string  `json:"target" validate:"required"`
	TargetType  string  `json:"target_type,omitempty"`
	Type        string  `json:"type" validate:"required"`
	Description string  `json:"description,omitempty"`
	Weight      float64 `json:"weight,omitempty" validate:"omitempty,gt=0,lte=1"`
}

// RebuildCommunitiesResponse summarizes a rebuild.
type RebuildCommunitiesResponse struct {
	Communities []domain.Community `json:"communities"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}
