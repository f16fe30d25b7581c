// Package scheduler drains the durable timer queue and dispatches each due
// entry to its registered handler.
//
// The queue is the only source of time-based transitions in the engine.
// ProcessOverdue is safe to call repeatedly, concurrently and after arbitrary
// downtime: every entry is claimed off the queue atomically before its
// handler runs, so overlapping drains (the cron loop racing an operator's
// manual trigger) dispatch each timer exactly once. Handlers are idempotent
// (state carries high-water marks, not tick counts) and one entry's failure
// never stops the drain.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/storage"
)

// Clock supplies the current time. Injectable for deterministic tests.
type Clock func() time.Time

// Handler applies one due timer. Returning a non-nil next timer re-chains
// the schedule atomically with consumption of the current entry.
type Handler func(ctx context.Context, t model.Timer) (next *model.Timer, err error)

// Scheduler owns the timer queue dispatch loop.
type Scheduler struct {
	store  storage.TimerStore
	logger *slog.Logger
	now    Clock
	batch  int

	mu       sync.RWMutex
	handlers map[model.TimerKind]Handler
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.now = c }
}

// WithBatchSize sets how many due timers one drain pass fetches.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batch = n
		}
	}
}

// New creates a Scheduler. Handlers are registered per timer kind before the
// first drain.
func New(store storage.TimerStore, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		batch:    500,
		handlers: make(map[model.TimerKind]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler binds a handler to a timer kind. Registering a kind twice
// replaces the previous handler.
func (s *Scheduler) RegisterHandler(kind model.TimerKind, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = h
}

func (s *Scheduler) handler(kind model.TimerKind) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[kind]
	return h, ok
}

// ScheduleBot enqueues a timer targeting a bot.
func (s *Scheduler) ScheduleBot(ctx context.Context, kind model.TimerKind, tokenIndex uint32, dueAt time.Time) (model.Timer, error) {
	return s.store.ScheduleTimer(ctx, model.Timer{
		Kind:       kind,
		DueAt:      dueAt,
		TokenIndex: &tokenIndex,
	})
}

// ScheduleRace enqueues a timer targeting a race.
func (s *Scheduler) ScheduleRace(ctx context.Context, kind model.TimerKind, raceID uuid.UUID, dueAt time.Time) (model.Timer, error) {
	return s.store.ScheduleTimer(ctx, model.Timer{
		Kind:   kind,
		DueAt:  dueAt,
		RaceID: &raceID,
	})
}

// CancelBotTimers removes pending timers of kind for a bot. Used by the
// explicit cancellation paths (cancelUpgrade, unlist).
func (s *Scheduler) CancelBotTimers(ctx context.Context, kind model.TimerKind, tokenIndex uint32) (int, error) {
	return s.store.DeleteTimers(ctx, kind, &tokenIndex, nil)
}

// ProcessOverdue drains every timer due at or before now, in due-time order,
// claiming each atomically before dispatch so concurrent drains apply it
// exactly once. A failed entry is logged, counted and put back in the queue
// for the next drain; the pass continues with the rest.
func (s *Scheduler) ProcessOverdue(ctx context.Context) (processed, failed int, err error) {
	now := s.now()
	skip := make(map[uuid.UUID]bool)

	for {
		due, err := s.store.DueTimers(ctx, now, s.batch)
		if err != nil {
			return processed, failed, fmt.Errorf("scheduler: fetch due timers: %w", err)
		}

		progress := false
		for _, t := range due {
			if skip[t.ID] {
				continue
			}
			if err := ctx.Err(); err != nil {
				return processed, failed, err
			}

			// The claim races with concurrent drains on the same row, so
			// transient serialization failures get a few retries before the
			// entry is left for the next pass.
			var claimed model.Timer
			cerr := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
				var err error
				claimed, err = s.store.ClaimTimer(ctx, t.ID)
				return err
			})
			if errors.Is(cerr, storage.ErrNotFound) {
				// A concurrent drain got there first.
				continue
			}
			if cerr != nil {
				s.logger.Error("claim timer", "kind", t.Kind, "timer_id", t.ID, "error", cerr)
				failed++
				skip[t.ID] = true
				continue
			}

			progress = true
			if s.apply(ctx, claimed) {
				processed++
			} else {
				failed++
				skip[t.ID] = true
			}
		}

		if !progress {
			return processed, failed, nil
		}
	}
}

// apply dispatches one claimed timer and reports whether it was applied. On
// handler failure the entry is restored so the next drain retries it.
func (s *Scheduler) apply(ctx context.Context, t model.Timer) bool {
	h, ok := s.handler(t.Kind)
	if !ok {
		// The claim already consumed it: an unhandleable entry must not
		// wedge the queue.
		s.logger.Error("no handler for timer kind, dropping", "kind", t.Kind, "timer_id", t.ID)
		return true
	}

	next, err := h(ctx, t)
	if err != nil {
		s.logger.Error("timer handler failed",
			"kind", t.Kind, "timer_id", t.ID, "due_at", t.DueAt, "error", err)
		if _, rerr := s.store.ScheduleTimer(ctx, t); rerr != nil {
			s.logger.Error("restore failed timer",
				"kind", t.Kind, "timer_id", t.ID, "error", rerr)
		}
		return false
	}

	if next != nil {
		cerr := storage.WithRetry(ctx, 3, 50*time.Millisecond, func() error {
			_, err := s.store.ScheduleTimer(ctx, *next)
			return err
		})
		if cerr != nil {
			// The chain is broken; recurring work for this target stops
			// until an operator reschedules it.
			s.logger.Error("chain next timer",
				"kind", next.Kind, "timer_id", t.ID, "error", cerr)
		}
	}
	return true
}

// Diagnostics reports queue depth and the overdue backlog.
func (s *Scheduler) Diagnostics(ctx context.Context) (model.TimerDiagnostics, error) {
	return s.store.TimerDiagnostics(ctx, s.now())
}
