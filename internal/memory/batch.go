package memory

import (
	"context"

	"go.uber.org/zap"

	"engram-backend/internal/dedup"
	"engram-backend/internal/domain"
	"engram-backend/internal/tasks"
)

// AddMemories ingests a batch of texts strictly sequentially. Sequencing is
// load-bearing twice over: item N+1's dedup must see item N committed, and
// the store's text-index writer fails under concurrent write sessions.
//
// Between items the previous item's extraction is drained under a capped
// timeout. A timed-out drain is logged and counted but never stalls the
// batch. Per-item failures are isolated into an ERROR result.
func (s *service) AddMemories(ctx context.Context, texts []string, opts WriteOptions) []domain.WriteResult {
	results := make([]domain.WriteResult, 0, len(texts))

	var pending *tasks.Handle
	for _, text := range texts {
		s.drainExtraction(ctx, pending)
		pending = nil

		result, handle := s.processOne(ctx, text, opts)
		results = append(results, result)
		pending = handle
	}
	s.drainExtraction(ctx, pending)

	return results
}

func (s *service) processOne(ctx context.Context, text string, opts WriteOptions) (domain.WriteResult, *tasks.Handle) {
	if text == "" {
		return domain.WriteResult{
			Memory: text,
			Event:  domain.WriteEventError,
			Error:  "memory content cannot be empty",
		}, nil
	}

	decision, err := s.deduper.CheckDeduplication(ctx, text, opts.UserID, opts.Tags)
	if err != nil {
		return domain.WriteResult{Memory: text, Event: domain.WriteEventError, Error: err.Error()}, nil
	}

	switch decision.Action {
	case dedup.ActionSkip:
		if s.metrics != nil {
			s.metrics.DuplicatesSkipped.Inc()
		}
		return domain.WriteResult{
			ID:     decision.ExistingID,
			Memory: text,
			Event:  domain.WriteEventSkipDuplicate,
		}, nil

	case dedup.ActionSupersede:
		m, err := s.SupersedeMemory(ctx, decision.ExistingID, text, opts)
		if err != nil {
			return domain.WriteResult{Memory: text, Event: domain.WriteEventError, Error: err.Error()}, nil
		}
		return domain.WriteResult{
			ID:     m.ID,
			Memory: text,
			Event:  domain.WriteEventSupersede,
		}, s.spawnPostWrite(opts, m.ID, text)

	default:
		m, err := s.AddMemory(ctx, text, opts)
		if err != nil {
			return domain.WriteResult{Memory: text, Event: domain.WriteEventError, Error: err.Error()}, nil
		}
		return domain.WriteResult{
			ID:     m.ID,
			Memory: text,
			Event:  domain.WriteEventAdd,
		}, s.spawnPostWrite(opts, m.ID, text)
	}
}

// drainExtraction waits for a previous item's extraction under the
// configured cap. Liveness beats complete drain.
func (s *service) drainExtraction(ctx context.Context, h *tasks.Handle) {
	if h == nil {
		return
	}
	if !h.Wait(ctx, s.cfg.ExtractionDrainTimeout) {
		if s.metrics != nil {
			s.metrics.DrainTimeouts.Inc()
		}
		s.logger.Warn("extraction drain hit the cap, continuing batch",
			zap.Duration("cap", s.cfg.ExtractionDrainTimeout),
		)
	}
}
