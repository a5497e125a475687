package store

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Units of work are serialised by txMu; reads never block on them and may
// observe a unit's balances before it commits.
type MemoryStore struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	pools  map[string]model.Pool
	events []model.Event
	ledger *ledger.Memory
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:  make(map[string]model.Pool),
		ledger: ledger.NewMemory(),
	}
}

// Atomic snapshots pools and events, runs fn inside the ledger's own
// rollback scope, and restores the snapshot if fn fails.
func (s *MemoryStore) Atomic(_ context.Context, fn func(Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	pools := maps.Clone(s.pools)
	nEvents := len(s.events)
	s.mu.RUnlock()

	err := s.ledger.Atomic(func(l ledger.Ledger) error {
		return fn(&memoryTx{Ledger: l, s: s})
	})
	if err != nil {
		s.mu.Lock()
		s.pools = pools
		s.events = s.events[:nEvents]
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *MemoryStore) GetPool(_ context.Context, id string) (*model.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pools[id]
	if !ok {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (s *MemoryStore) GetEventsByPool(_ context.Context, poolID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.PoolID == poolID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetEventsByOwner(_ context.Context, owner string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.Owner == owner {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetBalances(_ context.Context, owner string) (map[string]uint64, error) {
	return s.ledger.Holdings(owner), nil
}

// Fund credits acct as its own unit, so a concurrent unit that rolls back
// cannot restore a balance snapshot taken before the credit.
func (s *MemoryStore) Fund(_ context.Context, acct ledger.Account, amount uint64) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.ledger.Credit(acct, amount)
}

// memoryTx is the Tx handed to Atomic callbacks. Ledger calls go to the
// ledger's rollback scope; pool and event writes go straight to the store
// and are undone by Atomic on failure.
type memoryTx struct {
	ledger.Ledger
	s *MemoryStore
}

func (t *memoryTx) InsertPool(_ context.Context, p *model.Pool) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.pools[p.ID]; ok {
		return fmt.Errorf("pool %s: %w", p.ID, ErrPoolExists)
	}
	t.s.pools[p.ID] = *p
	return nil
}

func (t *memoryTx) LockPool(ctx context.Context, id string) (*model.Pool, error) {
	// txMu already excludes every other unit.
	return t.s.GetPool(ctx, id)
}

func (t *memoryTx) SavePool(_ context.Context, p *model.Pool) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.pools[p.ID]; !ok {
		return fmt.Errorf("pool %s: %w", p.ID, ErrNotFound)
	}
	t.s.pools[p.ID] = *p
	return nil
}

func (t *memoryTx) InsertEvent(_ context.Context, e *model.Event) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.events = append(t.s.events, *e)
	return nil
}
