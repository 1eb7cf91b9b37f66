// Package domain contains the core data structures for the application,
// independent of the graph store or API layers.
package domain

import "time"

// MemoryState enumerates the lifecycle states of a Memory.
type MemoryState string

const (
	MemoryStateActive     MemoryState = "active"
	MemoryStateSuperseded MemoryState = "superseded"
	MemoryStateDeleted    MemoryState = "deleted"
	MemoryStateArchived   MemoryState = "archived"
)

// Memory represents a single durable text fact owned by a user.
//
// Memories are bi-temporal: ValidAt marks when the fact became true and
// InvalidAt (nil while the fact is current) marks when it was superseded or
// deleted. An update never mutates content in place; it creates a new Memory
// linked to the old one via a SUPERSEDES edge.
type Memory struct {
	ID         string      `json:"id"`
	UserID     string      `json:"user_id"`
	Content    string      `json:"content"`
	State      MemoryState `json:"state"`
	Tags       []string    `json:"tags,omitempty"`
	Categories []string    `json:"categories,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ValidAt    time.Time   `json:"valid_at"`
	InvalidAt  *time.Time  `json:"invalid_at,omitempty"`
	Embedding  []float32   `json:"-"`
}

// IsLive reports whether the memory is visible to default reads.
func (m *Memory) IsLive() bool {
	return m.State != MemoryStateDeleted && m.InvalidAt == nil
}

// WriteEvent describes the outcome of one write-pipeline item.
type WriteEvent string

const (
	WriteEventAdd           WriteEvent = "ADD"
	WriteEventSupersede     WriteEvent = "SUPERSEDE"
	WriteEventSkipDuplicate WriteEvent = "SKIP_DUPLICATE"
	WriteEventError         WriteEvent = "ERROR"
)

// WriteResult is the per-item result of an add or batch-add call.
type WriteResult struct {
	ID     string     `json:"id,omitempty"`
	Memory string     `json:"memory"`
	Event  WriteEvent `json:"event"`
	Error  string     `json:"error,omitempty"`
}
