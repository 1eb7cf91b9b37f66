package graph

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Index and constraint names used throughout the queries.
const (
	MemoryVectorIndex = "memory_vectors"
	EntityVectorIndex = "entity_vectors"
	MemoryTextIndex   = "memory_text"
)

type bootstrapState struct {
	vectorIndexesOK atomic.Bool
}

// Bootstrap applies the schema idempotently: a uniqueness constraint on
// User.userId, vector indexes on Memory.embedding and
// Entity.descriptionEmbedding, and a text index over Memory content.
// Errors that only signal pre-existing schema are suppressed.
func (a *Adapter) Bootstrap(ctx context.Context, dimension int) error {
	statements := []string{
		`CREATE CONSTRAINT user_id_unique IF NOT EXISTS
		 FOR (u:User) REQUIRE u.userId IS UNIQUE`,
		vectorIndexStatement(MemoryVectorIndex, "Memory", "embedding", dimension),
		vectorIndexStatement(EntityVectorIndex, "Entity", "descriptionEmbedding", dimension),
		fmt.Sprintf(`CREATE FULLTEXT INDEX %s IF NOT EXISTS
		 FOR (m:Memory) ON EACH [m.content]`, MemoryTextIndex),
	}

	for _, stmt := range statements {
		if _, err := a.RunWrite(ctx, stmt, nil); err != nil {
			if isIgnorableSchemaError(err) {
				a.logger.Debug("schema statement skipped", zap.Error(err))
				continue
			}
			return fmt.Errorf("schema bootstrap failed: %w", err)
		}
	}
	return nil
}

// EnsureVectorIndexes repairs missing vector indexes. It lists the existing
// indexes and recreates any that are absent; success is cached for the
// lifetime of the process so the check runs at most once per boot.
func (a *Adapter) EnsureVectorIndexes(ctx context.Context, dimension int) error {
	if a.bootstrapped.vectorIndexesOK.Load() {
		return nil
	}

	rows, err := a.RunRead(ctx, `SHOW INDEXES YIELD name RETURN name`, nil)
	if err != nil {
		return fmt.Errorf("failed to list indexes: %w", err)
	}

	existing := make(map[string]bool, len(rows))
	for _, row := range rows {
		existing[AsString(row["name"])] = true
	}

	repairs := map[string]string{
		MemoryVectorIndex: vectorIndexStatement(MemoryVectorIndex, "Memory", "embedding", dimension),
		EntityVectorIndex: vectorIndexStatement(EntityVectorIndex, "Entity", "descriptionEmbedding", dimension),
	}
	for name, stmt := range repairs {
		if existing[name] {
			continue
		}
		a.logger.Warn("vector index missing, recreating", zap.String("index", name))
		if _, err := a.RunWrite(ctx, stmt, nil); err != nil && !isIgnorableSchemaError(err) {
			return fmt.Errorf("failed to recreate index %s: %w", name, err)
		}
	}

	a.bootstrapped.vectorIndexesOK.Store(true)
	return nil
}

func vectorIndexStatement(name, label, property string, dimension int) string {
	return fmt.Sprintf(`CREATE VECTOR INDEX %s IF NOT EXISTS
		 FOR (n:%s) ON (n.%s)
		 OPTIONS {indexConfig: {`+"`vector.dimensions`"+`: %d, `+"`vector.similarity_function`"+`: 'cosine'}}`,
		name, label, property, dimension)
}

// isIgnorableSchemaError suppresses errors that only mean the schema element
// is already in place or the store flags the syntax as experimental.
func isIgnorableSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"already exists", "violates", "experimental"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
