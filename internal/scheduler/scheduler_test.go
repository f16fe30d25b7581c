package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/storage"
)

func testScheduler(t *testing.T, at time.Time) (*Scheduler, *storage.Memory, *time.Time) {
	t.Helper()
	now := at
	store := storage.NewMemory()
	s := New(store, slog.Default(), WithClock(func() time.Time { return now }))
	return s, store, &now
}

func TestProcessOverdueAppliesInOrder(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := testScheduler(t, base)

	var fired []uint32
	s.RegisterHandler(model.TimerDecay, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		fired = append(fired, *tm.TokenIndex)
		return nil, nil
	})

	for i, offset := range []time.Duration{-3 * time.Hour, -time.Hour, -2 * time.Hour} {
		_, err := s.ScheduleBot(context.Background(), model.TimerDecay, uint32(i+1), base.Add(offset))
		require.NoError(t, err)
	}

	processed, failed, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, []uint32{1, 3, 2}, fired, "due-time order, not insertion order")
}

func TestProcessOverdueIdempotent(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := testScheduler(t, base)

	calls := 0
	s.RegisterHandler(model.TimerDecay, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		calls++
		return nil, nil
	})

	_, err := s.ScheduleBot(context.Background(), model.TimerDecay, 7, base.Add(-time.Minute))
	require.NoError(t, err)

	processed, _, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	// No new due work: a second drain is a no-op.
	processed, failed, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, calls)
}

func TestProcessOverdueLeavesFutureTimers(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, nowPtr := testScheduler(t, base)

	s.RegisterHandler(model.TimerRaceStart, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		return nil, nil
	})

	_, err := s.ScheduleBot(context.Background(), model.TimerRaceStart, 1, base.Add(time.Hour))
	require.NoError(t, err)

	processed, _, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)

	*nowPtr = base.Add(2 * time.Hour)
	processed, _, err = s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
}

func TestRecurringTimerRechains(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, nowPtr := testScheduler(t, base)

	ticks := 0
	s.RegisterHandler(model.TimerDecay, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		ticks++
		next := tm
		next.ID = uuid.Nil
		next.DueAt = tm.DueAt.Add(time.Hour)
		return &next, nil
	})

	_, err := s.ScheduleBot(context.Background(), model.TimerDecay, 1, base.Add(-time.Minute))
	require.NoError(t, err)

	// Catch-up after 3 hours of downtime: the chain fires for every missed
	// hour inside one drain.
	*nowPtr = base.Add(3 * time.Hour)
	processed, _, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, processed)
	assert.Equal(t, 4, ticks)

	diag, err := s.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, diag.Pending)
	assert.Equal(t, 0, diag.Overdue)
}

func TestFailedEntryIsolated(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := testScheduler(t, base)

	s.RegisterHandler(model.TimerDecay, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		if *tm.TokenIndex == 2 {
			return nil, fmt.Errorf("boom")
		}
		return nil, nil
	})

	for i := uint32(1); i <= 3; i++ {
		_, err := s.ScheduleBot(context.Background(), model.TimerDecay, i, base.Add(-time.Minute))
		require.NoError(t, err)
	}

	processed, failed, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 1, failed)

	// The failed entry stays queued for the next drain.
	diag, err := s.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, diag.Overdue)
}

func TestConcurrentDrainsApplyOnce(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := testScheduler(t, base)

	var mu sync.Mutex
	applied := make(map[uint32]int)
	gate := make(chan struct{})
	s.RegisterHandler(model.TimerDecay, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		// Hold every handler until both drains have fetched the same due
		// set, so the claim is what prevents double dispatch.
		<-gate
		mu.Lock()
		applied[*tm.TokenIndex]++
		mu.Unlock()
		return nil, nil
	})

	const timers = 20
	for i := uint32(1); i <= timers; i++ {
		_, err := s.ScheduleBot(context.Background(), model.TimerDecay, i, base.Add(-time.Minute))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for d := 0; d < 2; d++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			processed, failed, err := s.ProcessOverdue(context.Background())
			assert.NoError(t, err)
			assert.Zero(t, failed)
			totals[idx] = processed
		}(d)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, timers, totals[0]+totals[1], "every timer applied by exactly one drain")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, applied, timers)
	for token, n := range applied {
		assert.Equal(t, 1, n, "timer for bot %d dispatched more than once", token)
	}
}

func TestFailedTimerRestoredForNextDrain(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := testScheduler(t, base)

	calls := 0
	s.RegisterHandler(model.TimerDecay, func(ctx context.Context, tm model.Timer) (*model.Timer, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("boom")
		}
		return nil, nil
	})

	_, err := s.ScheduleBot(context.Background(), model.TimerDecay, 1, base.Add(-time.Minute))
	require.NoError(t, err)

	processed, failed, err := s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 1, failed)

	// The claimed entry went back in the queue and succeeds on the retry.
	processed, failed, err = s.ProcessOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 2, calls)
}

func TestCancelBotTimers(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _, _ := testScheduler(t, base)

	_, err := s.ScheduleBot(context.Background(), model.TimerUpgradeComplete, 5, base.Add(12*time.Hour))
	require.NoError(t, err)
	_, err = s.ScheduleBot(context.Background(), model.TimerDecay, 5, base.Add(time.Hour))
	require.NoError(t, err)

	removed, err := s.CancelBotTimers(context.Background(), model.TimerUpgradeComplete, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	diag, err := s.Diagnostics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, diag.Pending)
	assert.Equal(t, 1, diag.ByKind[model.TimerDecay])
}
