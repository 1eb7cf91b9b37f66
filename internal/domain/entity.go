package domain

import (
	"strings"
	"time"
	"unicode"
)

// Well-known entity types, ordered by specificity. Extraction may also emit
// open-ontology labels (SERVICE, DATABASE, ...) which rank between PRODUCT
// and CONCEPT: domain-specific labels are treated as more specific than the
// generic buckets.
const (
	EntityTypePerson       = "PERSON"
	EntityTypeOrganization = "ORGANIZATION"
	EntityTypeLocation     = "LOCATION"
	EntityTypeProduct      = "PRODUCT"
	EntityTypeConcept      = "CONCEPT"
	EntityTypeOther        = "OTHER"
)

var entityTypeRank = map[string]int{
	EntityTypePerson:       60,
	EntityTypeOrganization: 50,
	EntityTypeLocation:     40,
	EntityTypeProduct:      30,
	EntityTypeConcept:      20,
	EntityTypeOther:        10,
}

// openOntologyRank is the rank assigned to types outside the enumerated list.
const openOntologyRank = 25

// EntityTypeRank returns the priority rank used by the type-upgrade rule.
// A resolve with a strictly higher-ranked type upgrades the stored type.
func EntityTypeRank(entityType string) int {
	if r, ok := entityTypeRank[strings.ToUpper(entityType)]; ok {
		return r
	}
	if entityType == "" {
		return entityTypeRank[EntityTypeOther]
	}
	return openOntologyRank
}

// Entity represents a person, organization, location, product, concept or an
// open-ontology domain label extracted from memories.
type Entity struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	Type           string    `json:"type"`
	Description    string    `json:"description,omitempty"`
	Rank           float64   `json:"rank"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// NormalizeEntityName produces the lowercased, whitespace-stripped form used
// for per-user uniqueness.
func NormalizeEntityName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// DefaultRelationshipWeight is assumed for edges whose weight was never set
// or fell outside (0, 1].
const DefaultRelationshipWeight = 0.5

// Relationship is a typed, weighted, bi-temporal edge between two entities.
type Relationship struct {
	SourceID    string     `json:"source_id"`
	TargetID    string     `json:"target_id"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Metadata    string     `json:"metadata,omitempty"`
	Weight      float64    `json:"weight"`
	CreatedAt   time.Time  `json:"created_at"`
	InvalidAt   *time.Time `json:"invalid_at,omitempty"`
}
