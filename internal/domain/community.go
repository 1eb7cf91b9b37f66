package domain

import "time"

// Community is a cluster of related memories produced by the community
// builder. Communities are rebuilt wholesale per user; ids are not stable
// across rebuilds but the (name, members) pairs are.
type Community struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Name        string    `json:"name"`
	Summary     string    `json:"summary"`
	Rank        int       `json:"rank"`
	Findings    []string  `json:"findings,omitempty"`
	MemberCount int       `json:"member_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
