// Package dedup decides whether an incoming fact should be inserted,
// skipped as a duplicate, or supersede an existing memory. The decision
// combines vector candidate recall, a tag-aware reordering, an LLM pair
// classifier with a bounded cache, and a lexical negation safety gate.
package dedup

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"engram-backend/internal/config"
	"engram-backend/internal/llm"
	"engram-backend/pkg/observability"
)

// Verdict is the pair-classifier outcome for two texts.
type Verdict string

const (
	VerdictDuplicate  Verdict = "DUPLICATE"
	VerdictSupersedes Verdict = "SUPERSEDES"
	VerdictDifferent  Verdict = "DIFFERENT"
)

// Action is the write-pipeline instruction derived from the verdicts.
type Action string

const (
	ActionInsert    Action = "insert"
	ActionSkip      Action = "skip"
	ActionSupersede Action = "supersede"
)

// Decision is the dedup outcome handed to the write pipeline.
type Decision struct {
	Action     Action
	ExistingID string
}

// Candidate is a near-duplicate recalled by the vector arm.
type Candidate struct {
	ID      string
	Content string
	Score   float64
	Tags    []string
}

// CandidateFinder is the vector arm contract; the hybrid search service
// implements it.
type CandidateFinder interface {
	FindNearDuplicates(ctx context.Context, userID, text string, threshold float64, limit int) ([]Candidate, error)
}

// Engine implements the dedup decision pipeline.
type Engine struct {
	cfg      *config.Config
	finder   CandidateFinder
	verifier llm.Provider
	cache    *PairCache
	logger   *zap.Logger
	metrics  *observability.Collector
}

// NewEngine creates a dedup engine.
func NewEngine(cfg *config.Config, finder CandidateFinder, verifier llm.Provider, logger *zap.Logger, metrics *observability.Collector) *Engine {
	return &Engine{
		cfg:      cfg,
		finder:   finder,
		verifier: verifier,
		cache:    NewPairCache(cfg.Dedup().PairCacheMaxEntries),
		logger:   logger,
		metrics:  metrics,
	}
}

// CheckDeduplication classifies newText against the user's existing live
// memories. Classifier failures fail open to insert: a write must never be
// broken by LLM-side flakiness.
func (e *Engine) CheckDeduplication(ctx context.Context, newText, userID string, tags []string) (Decision, error) {
	insert := Decision{Action: ActionInsert}

	settings := e.cfg.Dedup()
	if !settings.Enabled {
		return insert, nil
	}

	// The similarity floor is provider-specific and the provider switch is
	// re-read per call.
	provider := e.cfg.ActiveEmbeddingProvider()
	threshold := e.cfg.DedupThresholdFor(provider)

	candidates, err := e.finder.FindNearDuplicates(ctx, userID, newText, threshold, settings.MaxCandidates)
	if err != nil {
		e.logger.Warn("dedup candidate recall failed, inserting",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return insert, nil
	}
	if len(candidates) == 0 {
		return insert, nil
	}

	candidates = boostTagged(candidates, tags)

	top := candidates[0]
	verdict := e.verifyPair(ctx, newText, top.Content)
	matched := top

	// A near-tied runner-up gets a second opinion when the top candidate
	// verifies DIFFERENT.
	if verdict == VerdictDifferent && len(candidates) > 1 {
		second := candidates[1]
		if top.Score-second.Score < settings.RunnerUpMargin {
			if v := e.verifyPair(ctx, newText, second.Content); v == VerdictDuplicate || v == VerdictSupersedes {
				verdict = v
				matched = second
			}
		}
	}

	// The negation gate applies to DUPLICATE only. A supersede legitimately
	// introduces negation ("no longer in NYC") and must go through.
	if verdict == VerdictDuplicate && negationMismatch(newText, matched.Content) {
		e.logger.Info("negation mismatch, downgrading duplicate to insert",
			zap.String("user_id", userID),
			zap.String("existing_id", matched.ID),
		)
		return insert, nil
	}

	switch verdict {
	case VerdictDuplicate:
		return Decision{Action: ActionSkip, ExistingID: matched.ID}, nil
	case VerdictSupersedes:
		return Decision{Action: ActionSupersede, ExistingID: matched.ID}, nil
	default:
		return insert, nil
	}
}

// boostTagged stably moves candidates sharing at least one caller tag ahead
// of those that share none. Cosine order is preserved within each partition.
func boostTagged(candidates []Candidate, tags []string) []Candidate {
	if len(tags) == 0 || len(candidates) < 2 {
		return candidates
	}

	wanted := make(map[string]bool, len(tags))
	for _, t := range tags {
		wanted[strings.ToLower(t)] = true
	}

	shared := make([]Candidate, 0, len(candidates))
	rest := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if sharesTag(c.Tags, wanted) {
			shared = append(shared, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(shared, rest...)
}

func sharesTag(tags []string, wanted map[string]bool) bool {
	for _, t := range tags {
		if wanted[strings.ToLower(t)] {
			return true
		}
	}
	return false
}

// verifyPair classifies a text pair via the cache or the LLM. Any failure
// degrades to DIFFERENT so dedup fails open, but only genuine classifier
// answers enter the cache: a transport failure must not pin the pair to
// DIFFERENT after the provider recovers.
func (e *Engine) verifyPair(ctx context.Context, newText, existing string) Verdict {
	key := PairKey(newText, existing)
	if verdict, ok := e.cache.Get(key); ok {
		if e.metrics != nil {
			e.metrics.PairCacheHits.Inc()
		}
		return verdict
	}
	if e.metrics != nil {
		e.metrics.PairCacheMisses.Inc()
	}

	verdict, ok := e.classify(ctx, newText, existing)
	if !ok {
		return verdict
	}
	e.cache.Put(key, verdict)
	if e.metrics != nil {
		e.metrics.DedupVerdicts.WithLabelValues(string(verdict)).Inc()
	}
	return verdict
}

const classifierSystemPrompt = `You compare two short memory statements about the same user and answer with exactly one word.
DUPLICATE: both statements express the same fact.
SUPERSEDES: the new statement updates or replaces the old one (a newer value of the same fact).
DIFFERENT: the statements are about different facts.`

// classify asks the LLM for a verdict. The second return reports whether the
// verdict is a real classifier answer; false means the call itself failed.
func (e *Engine) classify(ctx context.Context, newText, existing string) (Verdict, bool) {
	prompt := fmt.Sprintf("New statement: %q\nExisting statement: %q\nAnswer with DUPLICATE, SUPERSEDES or DIFFERENT.", newText, existing)

	response, err := e.verifier.Complete(ctx, classifierSystemPrompt, prompt, llm.CompletionOptions{
		Temperature: 0,
		MaxTokens:   10,
	})
	if err != nil {
		e.logger.Warn("pair classifier failed, treating as different", zap.Error(err))
		return VerdictDifferent, false
	}

	switch {
	case strings.Contains(strings.ToUpper(response), string(VerdictDuplicate)):
		return VerdictDuplicate, true
	case strings.Contains(strings.ToUpper(response), string(VerdictSupersedes)):
		return VerdictSupersedes, true
	default:
		return VerdictDifferent, true
	}
}
