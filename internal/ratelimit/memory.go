package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter rate-limits per key using the generic cell rate algorithm:
// each key carries a single theoretical-arrival timestamp instead of a token
// count, which makes state one word per key and refill implicit. A request is
// allowed when that timestamp, minus the burst allowance, is not in the
// future.
//
// Idle keys are swept out periodically so the map stays bounded by the set of
// recently active callers. Close stops the sweeper.
type MemoryLimiter struct {
	interval time.Duration // time credited per request
	burst    time.Duration // how far the arrival time may run ahead of now

	mu   sync.Mutex
	tat  map[string]time.Time // theoretical arrival time per key
	stop func()
	wg   sync.WaitGroup
}

// sweepEvery and idleFor tune the background eviction: a key untouched for
// idleFor has fully drained and carries no state worth keeping.
const (
	sweepEvery = time.Minute
	idleFor    = 10 * time.Minute
)

// NewMemoryLimiter returns a limiter sustaining rate requests per second per
// key, with up to burst requests admitted back to back.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	interval := time.Duration(float64(time.Second) / rate)
	m := &MemoryLimiter{
		interval: interval,
		burst:    time.Duration(burst) * interval,
		tat:      make(map[string]time.Time),
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	m.wg.Add(1)
	go m.sweep(ctx)
	return m
}

// Allow reports whether one more request under key fits the rate. It never
// returns an error; the signature matches Limiter.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	tat, ok := m.tat[key]
	if !ok || tat.Before(now) {
		tat = now
	}
	if tat.Sub(now) > m.burst-m.interval {
		return false, nil
	}
	m.tat[key] = tat.Add(m.interval)
	return true, nil
}

// Close stops the eviction goroutine and waits for it. Safe to call more
// than once.
func (m *MemoryLimiter) Close() error {
	m.stop()
	m.wg.Wait()
	return nil
}

func (m *MemoryLimiter) sweep(ctx context.Context) {
	defer m.wg.Done()
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle drops every key whose arrival time fell more than idleFor behind
// now. Such a key behaves identically to an absent one.
func (m *MemoryLimiter) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, tat := range m.tat {
		if now.Sub(tat) > idleFor {
			delete(m.tat, key)
		}
	}
}
