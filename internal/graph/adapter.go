// Package graph wraps the Cypher store driver behind two operations:
// RunRead and RunWrite. Sessions are acquired per call and released on all
// paths; values are normalized before they reach callers.
package graph

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"go.uber.org/zap"

	"engram-backend/pkg/observability"
)

// Querier is the read/write contract the services depend on. The concrete
// Adapter talks Bolt; tests substitute an in-memory fake.
type Querier interface {
	RunRead(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
	RunWrite(ctx context.Context, query string, params map[string]any) ([]map[string]any, error)
}

// RetryConfig bounds the write retry loop for transient index-writer errors.
type RetryConfig struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.1,
	}
}

// Adapter implements Querier on a Bolt driver.
type Adapter struct {
	driver   neo4j.DriverWithContext
	database string
	retry    RetryConfig
	logger   *zap.Logger
	metrics  *observability.Collector

	bootstrapped bootstrapState
}

// NewAdapter wraps an existing driver. The driver is a process-wide
// singleton; the adapter opens a short-lived session per call.
func NewAdapter(driver neo4j.DriverWithContext, database string, logger *zap.Logger, metrics *observability.Collector) *Adapter {
	return &Adapter{
		driver:   driver,
		database: database,
		retry:    DefaultRetryConfig(),
		logger:   logger,
		metrics:  metrics,
	}
}

// Connect creates the driver and verifies connectivity.
func Connect(ctx context.Context, uri, username, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, err
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return driver, nil
}

// RunRead executes a read query in a read session and returns normalized rows.
func (a *Adapter) RunRead(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	start := time.Now()
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: a.database,
	})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectRows(ctx, tx, query, params)
	})
	a.record("read", start, err)
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

// RunWrite executes a write query in a write session. Transient index-writer
// conflicts are retried with exponential backoff; other errors surface
// immediately.
func (a *Adapter) RunWrite(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	start := time.Now()
	var rows []map[string]any
	var lastErr error

	for attempt := 0; attempt < a.retry.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		rows, lastErr = a.runWriteOnce(ctx, query, params)
		if lastErr == nil {
			a.record("write", start, nil)
			return rows, nil
		}
		if !IsTransientIndexError(lastErr) {
			break
		}
		if attempt == a.retry.MaxAttempts-1 {
			break
		}

		delay := a.retry.delay(attempt)
		a.logger.Warn("transient index conflict, retrying write",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(lastErr),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	a.record("write", start, lastErr)
	return nil, lastErr
}

func (a *Adapter) runWriteOnce(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	session := a.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeWrite,
		DatabaseName: a.database,
	})
	defer session.Close(ctx)

	rows, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return collectRows(ctx, tx, query, params)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

func collectRows(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (any, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	records, err := result.Collect(ctx)
	if err != nil {
		return nil, err
	}
	rows := make([]map[string]any, 0, len(records))
	for _, record := range records {
		rows = append(rows, NormalizeRow(record.AsMap()))
	}
	return rows, nil
}

func (a *Adapter) record(operation string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	}
	a.metrics.GraphOps.WithLabelValues(operation, status).Inc()
	a.metrics.GraphDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (c RetryConfig) delay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	jitter := backoff * c.JitterFactor * (rand.Float64() - 0.5) * 2
	delay := time.Duration(backoff + jitter)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// IsTransientIndexError reports whether a write failed on text-index writer
// contention and is worth retrying. The store serializes its text-index
// writer internally; concurrent sessions can surface as transient failures.
func IsTransientIndexError(err error) bool {
	if err == nil {
		return false
	}
	var neoErr *db.Neo4jError
	if errors.As(err, &neoErr) && neoErr.IsRetriableTransient() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"index writer",
		"fulltext",
		"lock client stopped",
		"deadlock",
		"transient",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// NormalizeRow normalizes driver values in place and returns the row.
func NormalizeRow(row map[string]any) map[string]any {
	for k, v := range row {
		row[k] = NormalizeValue(v)
	}
	return row
}

// NormalizeValue converts driver-specific shapes to plain Go values.
// Integer values arriving as {low, high} structs are folded into int64;
// nodes and relationships collapse to their property maps; lists and maps
// are normalized recursively.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case neo4j.Node:
		return NormalizeRow(val.Props)
	case neo4j.Relationship:
		return NormalizeRow(val.Props)
	case []any:
		for i := range val {
			val[i] = NormalizeValue(val[i])
		}
		return val
	case map[string]any:
		if n, ok := lowHighToInt(val); ok {
			return n
		}
		return NormalizeRow(val)
	default:
		return v
	}
}

// lowHighToInt folds a {low, high} two's-complement pair into an int64.
func lowHighToInt(m map[string]any) (int64, bool) {
	if len(m) != 2 {
		return 0, false
	}
	low, lok := asInt64(m["low"])
	high, hok := asInt64(m["high"])
	if !lok || !hok {
		return 0, false
	}
	return high<<32 | (low & 0xFFFFFFFF), true
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// AsInt64 coerces a normalized value to int64 for SKIP/LIMIT style fields.
func AsInt64(v any) int64 {
	n, _ := asInt64(v)
	return n
}

// AsString coerces a normalized value to string.
func AsString(v any) string {
	s, _ := v.(string)
	return s
}

// AsFloat64 coerces a normalized value to float64.
func AsFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

// AsStringSlice coerces a normalized list value to []string.
func AsStringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// AsTime coerces a normalized temporal value to time.Time.
func AsTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	default:
		return time.Time{}
	}
}
