package keylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireExcludesSameKey(t *testing.T) {
	g := New()
	ctx := context.Background()

	release, err := g.Acquire(ctx, "bot:1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r2, err := g.Acquire(ctx, "bot:1")
		if err == nil {
			r2()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never completed after release")
	}
}

func TestAcquireIndependentKeys(t *testing.T) {
	g := New()
	ctx := context.Background()

	r1, err := g.Acquire(ctx, "bot:1")
	require.NoError(t, err)
	defer r1()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r2, err := g.Acquire(ctx, "bot:2")
		if !assert.NoError(t, err) {
			return
		}
		r2()
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked behind an unrelated holder")
	}
}

func TestMultiKeyNoDeadlock(t *testing.T) {
	g := New()
	ctx := context.Background()

	// Two goroutines request the same pair in opposite argument order,
	// repeatedly. Sorted acquisition keeps them deadlock-free.
	var wg sync.WaitGroup
	for _, keys := range [][]string{
		{"bot:1", "race:a"},
		{"race:a", "bot:1"},
	} {
		wg.Add(1)
		go func(keys []string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				release, err := g.Acquire(ctx, keys...)
				if !assert.NoError(t, err) {
					return
				}
				release()
			}
		}(keys)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("opposite-order multi-key acquires deadlocked")
	}
}

func TestDuplicateKeysCollapse(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background(), "bot:1", "bot:1")
	require.NoError(t, err)
	release()

	// Fully released: a fresh acquire proceeds immediately.
	release, err = g.Acquire(context.Background(), "bot:1")
	require.NoError(t, err)
	release()
}

func TestAcquireCancelled(t *testing.T) {
	g := New()
	release, err := g.Acquire(context.Background(), "bot:1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "bot:1")
	require.Error(t, err)

	release()

	// The aborted waiter left nothing pinned or held.
	g.mu.Lock()
	assert.Empty(t, g.held)
	g.mu.Unlock()
}

func TestCounterUnderContention(t *testing.T) {
	g := New()
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				release, err := g.Acquire(ctx, "shared")
				if !assert.NoError(t, err) {
					return
				}
				counter++
				release()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1000, counter)
}
