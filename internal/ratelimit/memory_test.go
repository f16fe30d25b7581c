package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

// backdate rewinds a key's arrival time so eviction and refill behavior can
// be tested without sleeping.
func (m *MemoryLimiter) backdate(key string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tat[key] = m.tat[key].Add(-d)
}

func TestBurstAdmittedThenDenied(t *testing.T) {
	m := newLimiter(t, 10, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "alice")
		require.NoError(t, err)
		assert.True(t, ok, "request %d inside the burst", i)
	}

	ok, err := m.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok, "request past the burst")
}

func TestKeysDoNotShareBudget(t *testing.T) {
	m := newLimiter(t, 10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "alice")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "alice")
	require.False(t, ok)

	ok, _ = m.Allow(ctx, "bob")
	assert.True(t, ok, "bob pays no price for alice's burst")
}

func TestBudgetRecoversAtRate(t *testing.T) {
	m := newLimiter(t, 10, 2) // one request regained every 100ms
	ctx := context.Background()

	_, _ = m.Allow(ctx, "alice")
	_, _ = m.Allow(ctx, "alice")
	ok, _ := m.Allow(ctx, "alice")
	require.False(t, ok)

	m.backdate("alice", 100*time.Millisecond)

	ok, err := m.Allow(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok, "one interval elapsed, one request regained")

	ok, _ = m.Allow(ctx, "alice")
	assert.False(t, ok, "only one interval elapsed")
}

func TestIdleKeyDoesNotAccumulate(t *testing.T) {
	m := newLimiter(t, 10, 3)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "alice")
	m.backdate("alice", time.Hour)

	// A long idle stretch restores the burst but never exceeds it.
	for i := 0; i < 3; i++ {
		ok, _ := m.Allow(ctx, "alice")
		require.True(t, ok, "request %d after idle", i)
	}
	ok, _ := m.Allow(ctx, "alice")
	assert.False(t, ok)
}

func TestConcurrentCallersBoundedByBurst(t *testing.T) {
	m := newLimiter(t, 100, 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ok, err := m.Allow(ctx, "shared")
				if !assert.NoError(t, err) {
					return
				}
				if ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, allowed, 1)
	assert.LessOrEqual(t, allowed, 55, "at most the burst plus refill slack")
}

func TestEvictIdleDropsOnlyDrainedKeys(t *testing.T) {
	m := newLimiter(t, 10, 5)
	ctx := context.Background()

	_, _ = m.Allow(ctx, "stale")
	_, _ = m.Allow(ctx, "fresh")
	m.backdate("stale", 15*time.Minute)

	m.evictIdle(time.Now())

	m.mu.Lock()
	_, staleKept := m.tat["stale"]
	_, freshKept := m.tat["fresh"]
	m.mu.Unlock()

	assert.False(t, staleKept)
	assert.True(t, freshKept)
}

func TestCloseTwice(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	ok, err := l.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, l.Close())
}
