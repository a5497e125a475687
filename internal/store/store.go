// Package store defines the persistence interface for the pool engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
)

var (
	// ErrNotFound is returned when a pool does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrPoolExists is returned when inserting a pool whose ID is taken.
	ErrPoolExists = errors.New("store: pool already exists")
)

// Tx is one all-or-nothing unit of work. Pool writes, event appends and
// ledger instructions issued through it either all commit or all roll back.
type Tx interface {
	ledger.Ledger

	// InsertPool registers a new pool record.
	InsertPool(ctx context.Context, p *model.Pool) error

	// LockPool loads a pool and holds it exclusively until the unit ends.
	LockPool(ctx context.Context, id string) (*model.Pool, error)

	// SavePool writes back a pool previously loaded with LockPool.
	SavePool(ctx context.Context, p *model.Pool) error

	// InsertEvent appends an immutable operation record.
	InsertEvent(ctx context.Context, e *model.Event) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Atomic runs fn inside one unit of work. The unit commits when fn
	// returns nil and rolls back otherwise.
	Atomic(ctx context.Context, fn func(tx Tx) error) error

	// --- Pool queries ---

	// GetPool retrieves a pool by its ID.
	GetPool(ctx context.Context, id string) (*model.Pool, error)

	// --- Immutable event history ---

	// GetEventsByPool returns every operation on a pool, oldest first.
	GetEventsByPool(ctx context.Context, poolID string) ([]model.Event, error)

	// GetEventsByOwner returns every operation an owner performed.
	GetEventsByOwner(ctx context.Context, owner string) ([]model.Event, error)

	// --- Balances ---

	// GetBalances returns every non-zero balance held by owner, keyed by asset.
	GetBalances(ctx context.Context, owner string) (map[string]uint64, error)

	// Fund credits acct from outside the system. Used by the dev faucet.
	Fund(ctx context.Context, acct ledger.Account, amount uint64) error
}
