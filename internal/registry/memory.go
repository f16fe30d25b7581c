package registry

import (
	"context"
	"fmt"
	"sync"
)

// MemRegistry is an in-memory Client for development and tests. Ownership is
// seeded with Mint; FailTransfers injects failures after the funds phase to
// exercise the purchase saga's refund path.
type MemRegistry struct {
	mu            sync.Mutex
	owners        map[uint32]string
	locks         map[uint32]string // token -> buyer
	failTransfers bool
}

// NewMemRegistry returns an empty in-memory registry.
func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		owners: make(map[uint32]string),
		locks:  make(map[uint32]string),
	}
}

// Mint seeds a token's owner.
func (m *MemRegistry) Mint(tokenIndex uint32, owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[tokenIndex] = owner
}

// FailTransfers makes every Transfer call fail.
func (m *MemRegistry) FailTransfers(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTransfers = fail
}

func (m *MemRegistry) Bearer(ctx context.Context, tokenIndex uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[tokenIndex]
	if !ok {
		return "", fmt.Errorf("registry: token %d not minted", tokenIndex)
	}
	return owner, nil
}

func (m *MemRegistry) Lock(ctx context.Context, tokenIndex uint32, priceE8s uint64, buyer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[tokenIndex]; !ok {
		return fmt.Errorf("registry: token %d not minted", tokenIndex)
	}
	if _, locked := m.locks[tokenIndex]; locked {
		return ErrTokenLocked
	}
	m.locks[tokenIndex] = buyer
	return nil
}

func (m *MemRegistry) Transfer(ctx context.Context, tokenIndex uint32, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTransfers {
		return fmt.Errorf("registry: transfer failed")
	}
	if m.owners[tokenIndex] != from {
		return ErrNotOwner
	}
	if m.locks[tokenIndex] != to {
		return fmt.Errorf("registry: token %d not locked for %s", tokenIndex, to)
	}
	m.owners[tokenIndex] = to
	return nil
}

func (m *MemRegistry) Settle(ctx context.Context, tokenIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, tokenIndex)
	return nil
}

func (m *MemRegistry) Unlock(ctx context.Context, tokenIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, tokenIndex)
	return nil
}
