package ledger

import (
	"context"
	"sync"
)

// MemLedger is an in-memory Client for development and tests. Balances and
// allowances are seeded directly; FailTransfersTo injects per-payee transfer
// failures to exercise settlement's partial-failure handling.
type MemLedger struct {
	mu         sync.Mutex
	balances   map[string]uint64
	allowances map[string]uint64
	failTo     map[string]bool
}

// NewMemLedger returns an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		balances:   make(map[string]uint64),
		allowances: make(map[string]uint64),
		failTo:     make(map[string]bool),
	}
}

// SetBalance seeds an account balance.
func (m *MemLedger) SetBalance(account Account, e8s uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[account.String()] = e8s
}

// Approve seeds an owner's allowance toward the engine.
func (m *MemLedger) Approve(owner string, e8s uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowances[owner] = e8s
}

// FailTransfersTo makes every Transfer into the given owner's default
// account fail with ErrInsufficientFunds.
func (m *MemLedger) FailTransfersTo(owner string, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failTo[owner] = fail
}

func (m *MemLedger) Balance(ctx context.Context, account Account) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[account.String()], nil
}

func (m *MemLedger) Allowance(ctx context.Context, owner string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowances[owner], nil
}

func (m *MemLedger) TransferFrom(ctx context.Context, owner string, to Account, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := amount + TransferFeeE8s
	if m.allowances[owner] < total {
		return ErrInsufficientAllowance
	}
	if m.balances[owner] < total {
		return ErrInsufficientFunds
	}
	m.allowances[owner] -= total
	m.balances[owner] -= total
	m.balances[to.String()] += amount
	return nil
}

func (m *MemLedger) Transfer(ctx context.Context, from, to Account, amount uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failTo[to.Owner] && len(to.Subaccount) == 0 {
		return ErrInsufficientFunds
	}
	total := amount + TransferFeeE8s
	if m.balances[from.String()] < total {
		return ErrInsufficientFunds
	}
	m.balances[from.String()] -= total
	m.balances[to.String()] += amount
	return nil
}
