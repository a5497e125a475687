package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache once the
// unit of work commits; reads check Redis first then fall back to the primary.
//
// Entries are versioned: invalidation bumps a per-entry version counter
// instead of deleting, and readers fill the key of the version they saw
// before reading the primary. A reader that misses before a commit and
// fills after it writes an orphaned version nobody reads again.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	var touched *touchedKeys
	err := s.primary.Atomic(ctx, func(tx Tx) error {
		// Reset per attempt; the primary may retry fn.
		touched = &touchedKeys{}
		return fn(&cachingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, touched.keys()...)
	return nil
}

func (s *CachedStore) Fund(ctx context.Context, acct ledger.Account, amount uint64) error {
	if err := s.primary.Fund(ctx, acct, amount); err != nil {
		return err
	}
	s.invalidate(ctx, balancesKey(acct.Owner))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	key := s.versioned(ctx, poolKey(id))

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var p model.Pool
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetPool(ctx, id)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(p); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return p, nil
}

func (s *CachedStore) GetBalances(ctx context.Context, owner string) (map[string]uint64, error) {
	key := s.versioned(ctx, balancesKey(owner))

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var balances map[string]uint64
		if json.Unmarshal(data, &balances) == nil {
			return balances, nil
		}
	}

	// Cache miss.
	balances, err := s.primary.GetBalances(ctx, owner)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(balances); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return balances, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetEventsByPool(ctx context.Context, poolID string) ([]model.Event, error) {
	return s.primary.GetEventsByPool(ctx, poolID)
}

func (s *CachedStore) GetEventsByOwner(ctx context.Context, owner string) ([]model.Event, error) {
	return s.primary.GetEventsByOwner(ctx, owner)
}

// --- Invalidation tracking ---

type touchedKeys struct {
	set map[string]struct{}
}

func (k *touchedKeys) add(key string) {
	if k.set == nil {
		k.set = make(map[string]struct{})
	}
	k.set[key] = struct{}{}
}

func (k *touchedKeys) keys() []string {
	if k == nil {
		return nil
	}
	out := make([]string, 0, len(k.set))
	for key := range k.set {
		out = append(out, key)
	}
	return out
}

// cachingTx records every pool and owner a unit of work writes.
type cachingTx struct {
	Tx
	touched *touchedKeys
}

func (t *cachingTx) InsertPool(ctx context.Context, p *model.Pool) error {
	t.touched.add(poolKey(p.ID))
	return t.Tx.InsertPool(ctx, p)
}

func (t *cachingTx) SavePool(ctx context.Context, p *model.Pool) error {
	t.touched.add(poolKey(p.ID))
	return t.Tx.SavePool(ctx, p)
}

func (t *cachingTx) Transfer(ctx context.Context, from, to ledger.Account, authority string, amount uint64) error {
	t.touched.add(balancesKey(from.Owner))
	t.touched.add(balancesKey(to.Owner))
	return t.Tx.Transfer(ctx, from, to, authority, amount)
}

func (t *cachingTx) Mint(ctx context.Context, to ledger.Account, authority string, amount uint64) error {
	t.touched.add(balancesKey(to.Owner))
	return t.Tx.Mint(ctx, to, authority, amount)
}

func (t *cachingTx) Burn(ctx context.Context, from ledger.Account, authority string, amount uint64) error {
	t.touched.add(balancesKey(from.Owner))
	return t.Tx.Burn(ctx, from, authority, amount)
}

// --- Cache helpers ---

// versioned returns the cache key for the current version of name. An
// unset or unreadable version counts as zero.
func (s *CachedStore) versioned(ctx context.Context, name string) string {
	ver, err := s.rdb.Get(ctx, versionKey(name)).Int64()
	if err != nil {
		ver = 0
	}
	return fmt.Sprintf("%s@%d", name, ver)
}

// invalidate bumps the version of every name. Version counters outlive
// the entries they guard so an expired counter never revives a live entry.
func (s *CachedStore) invalidate(ctx context.Context, names ...string) {
	if len(names) == 0 {
		return
	}
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range names {
			pipe.Incr(ctx, versionKey(name))
			pipe.Expire(ctx, versionKey(name), 2*s.ttl+time.Minute)
		}
		return nil
	})
	if err != nil {
		slog.Warn("cache invalidation failed", "keys", names, "err", err)
	}
}

func versionKey(name string) string { return "ver:" + name }

func poolKey(id string) string { return fmt.Sprintf("pool:%s", id) }
func balancesKey(owner string) string { return fmt.Sprintf("balances:%s", owner) }
