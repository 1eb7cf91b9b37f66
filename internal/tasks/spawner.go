// Package tasks provides a bounded spawner for fire-and-forget background
// work: entity extraction, categorization, embedding persistence and access
// audit writes. Callers receive a completion handle they may drain under a
// cap, but background tasks are never cancelled when the parent request ends.
package tasks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle tracks the completion of one spawned task.
type Handle struct {
	done chan struct{}
	err  error
}

// Err returns the task error once the handle is done. Calling Err before the
// task completes returns nil.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task completes or the timeout elapses. It reports
// whether the task finished within the cap.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-h.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Done exposes the completion channel.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// completedHandle is returned when a task cannot be scheduled; it is already
// done so drains never block on it.
func completedHandle(err error) *Handle {
	h := &Handle{done: make(chan struct{}), err: err}
	close(h.done)
	return h
}

// Spawner runs background tasks with bounded concurrency.
type Spawner struct {
	logger *zap.Logger
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewSpawner creates a spawner allowing at most maxConcurrent tasks in flight.
func NewSpawner(maxConcurrent int, logger *zap.Logger) *Spawner {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Spawner{
		logger: logger,
		sem:    make(chan struct{}, maxConcurrent),
	}
}

// Spawn schedules fn on a new goroutine and returns its completion handle.
// The task runs on a context detached from the caller's cancellation: a
// finished request must not abort extraction already in flight. Errors are
// logged, never propagated to the spawning request.
func (s *Spawner) Spawn(name string, fn func(ctx context.Context) error) *Handle {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return completedHandle(nil)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	h := &Handle{done: make(chan struct{})}

	go func() {
		defer s.wg.Done()
		defer close(h.done)

		s.sem <- struct{}{}
		defer func() { <-s.sem }()

		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("background task panicked",
					zap.String("task", name),
					zap.Any("panic", r),
				)
			}
		}()

		if err := fn(context.Background()); err != nil {
			h.err = err
			s.logger.Warn("background task failed",
				zap.String("task", name),
				zap.Error(err),
			)
		}
	}()

	return h
}

// Drain stops accepting new tasks and waits for in-flight tasks until ctx is
// done. Used during graceful shutdown.
func (s *Spawner) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
