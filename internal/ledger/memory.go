package ledger

import (
	"context"
	"fmt"
	"maps"
	"sync"
)

// Memory implements Ledger with in-memory maps. Mint authority for an asset
// is bound to whichever authority mints it first.
type Memory struct {
	mu            sync.RWMutex
	balances      map[Account]uint64
	mintAuthority map[string]string
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		balances:      make(map[Account]uint64),
		mintAuthority: make(map[string]string),
	}
}

func (m *Memory) Transfer(_ context.Context, from, to Account, authority string, amount uint64) error {
	if err := CheckTransfer(from, to, authority); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, m.balances[from], amount)
	}
	if from == to {
		return nil
	}
	if m.balances[to]+amount < m.balances[to] {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, to)
	}
	m.balances[from] -= amount
	m.balances[to] += amount
	return nil
}

func (m *Memory) Mint(_ context.Context, to Account, authority string, amount uint64) error {
	if err := to.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.mintAuthority[to.Asset]; ok && owner != authority {
		return fmt.Errorf("%w: %s cannot mint %s", ErrUnauthorized, authority, to.Asset)
	}
	if m.balances[to]+amount < m.balances[to] {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, to)
	}
	m.mintAuthority[to.Asset] = authority
	m.balances[to] += amount
	return nil
}

func (m *Memory) Burn(_ context.Context, from Account, authority string, amount uint64) error {
	if err := CheckBurn(from, authority); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[from] < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, from, m.balances[from], amount)
	}
	m.balances[from] -= amount
	return nil
}

func (m *Memory) Balance(_ context.Context, acct Account) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[acct], nil
}

// Credit adds amount to acct without an authority check. It stands in for
// deposits arriving from outside the system.
func (m *Memory) Credit(acct Account, amount uint64) error {
	if err := acct.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.balances[acct]+amount < m.balances[acct] {
		return fmt.Errorf("%w: %s", ErrBalanceOverflow, acct)
	}
	m.balances[acct] += amount
	return nil
}

// Holdings returns every non-zero balance held by owner, keyed by asset.
func (m *Memory) Holdings(owner string) map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]uint64)
	for acct, bal := range m.balances {
		if acct.Owner == owner && bal > 0 {
			out[acct.Asset] = bal
		}
	}
	return out
}

// Atomic runs fn against m and restores every balance and mint authority
// to its prior state if fn returns an error. Concurrent writers outside fn
// are not isolated; callers serialise around it.
func (m *Memory) Atomic(fn func(Ledger) error) error {
	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	balances      map[Account]uint64
	mintAuthority map[string]string
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return memorySnapshot{
		balances:      maps.Clone(m.balances),
		mintAuthority: maps.Clone(m.mintAuthority),
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances = s.balances
	m.mintAuthority = s.mintAuthority
}
