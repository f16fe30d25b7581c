// Package keylock serializes mutations per entity. The engine's lock field
// (free, in-upgrade, in-event, listed) is state, not a mutex; every
// check-then-update on a bot or race must run under the entity's key so two
// concurrent callers cannot both observe the free state and proceed.
package keylock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Bot returns the serialization key for a bot.
func Bot(tokenIndex uint32) string { return fmt.Sprintf("bot:%d", tokenIndex) }

// Race returns the serialization key for a race.
func Race(id uuid.UUID) string { return "race:" + id.String() }

// Guard hands out one binary semaphore per key, created on first use and
// reclaimed when no goroutine holds or waits on it.
type Guard struct {
	mu   sync.Mutex
	held map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

// New returns an empty Guard.
func New() *Guard {
	return &Guard{held: make(map[string]*slot)}
}

// Acquire takes every key, in sorted order so that overlapping key sets
// cannot deadlock. Duplicate keys are collapsed. The returned release
// function must be called exactly once; ctx cancellation aborts the wait
// with nothing held.
func (g *Guard) Acquire(ctx context.Context, keys ...string) (release func(), err error) {
	ks := append([]string(nil), keys...)
	sort.Strings(ks)
	ks = dedupe(ks)

	taken := make([]string, 0, len(ks))
	for _, k := range ks {
		if err := g.slot(k).Acquire(ctx, 1); err != nil {
			g.unpin(k)
			for i := len(taken) - 1; i >= 0; i-- {
				g.put(taken[i])
			}
			return nil, err
		}
		taken = append(taken, k)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(taken) - 1; i >= 0; i-- {
				g.put(taken[i])
			}
		})
	}, nil
}

// slot returns the key's semaphore, pinning it against reclaim.
func (g *Guard) slot(key string) *semaphore.Weighted {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.held[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		g.held[key] = s
	}
	s.refs++
	return s.sem
}

// put releases the key's semaphore and unpins it.
func (g *Guard) put(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.held[key]
	s.sem.Release(1)
	s.refs--
	if s.refs == 0 {
		delete(g.held, key)
	}
}

// unpin drops a pin taken by slot without releasing the semaphore. Used when
// the acquire itself was aborted.
func (g *Guard) unpin(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.held[key]
	s.refs--
	if s.refs == 0 {
		delete(g.held, key)
	}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, k := range sorted {
		if i == 0 || k != sorted[i-1] {
			out = append(out, k)
		}
	}
	return out
}
