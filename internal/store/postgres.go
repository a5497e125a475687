package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All amounts are stored as NUMERIC(20,0) so every uint64 round-trips.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Atomic runs fn in a single transaction. Serialization failures and
// deadlocks are retried with exponential backoff; fn must therefore reload
// everything it reads through the Tx.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(newTxBackoff(), 3), ctx)
	return backoff.Retry(func() error {
		err := s.atomicOnce(ctx, fn)
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (s *PostgresStore) atomicOnce(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func newTxBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	return b
}

// retryable reports serialization_failure and deadlock_detected.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

const poolColumns = `id, asset_a, asset_b,
		        reserve_a::TEXT, reserve_b::TEXT, total_shares::TEXT,
		        fee_numerator::TEXT, fee_denominator::TEXT,
		        status, created_at, updated_at`

func (s *PostgresStore) GetPool(ctx context.Context, id string) (*model.Pool, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1`, id)
	return scanPool(row, id)
}

const eventColumns = `id, pool_id, owner, kind, direction,
		        amount_a::TEXT, amount_b::TEXT, amount_in::TEXT, amount_out::TEXT,
		        shares::TEXT, reserve_a::TEXT, reserve_b::TEXT, timestamp`

func (s *PostgresStore) GetEventsByPool(ctx context.Context, poolID string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM pool_events WHERE pool_id = $1 ORDER BY seq`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetEventsByOwner(ctx context.Context, owner string) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM pool_events WHERE owner = $1 ORDER BY seq`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) GetBalances(ctx context.Context, owner string) (map[string]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT asset, amount::TEXT FROM balances WHERE owner = $1 AND amount > 0`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := make(map[string]uint64)
	for rows.Next() {
		var asset, amountS string
		if err := rows.Scan(&asset, &amountS); err != nil {
			return nil, err
		}
		amount, err := parseAmount(amountS)
		if err != nil {
			return nil, err
		}
		balances[asset] = amount
	}
	return balances, rows.Err()
}

func (s *PostgresStore) Fund(ctx context.Context, acct ledger.Account, amount uint64) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	return s.Atomic(ctx, func(tx Tx) error {
		t := tx.(*pgTx)
		bal, err := t.lockBalance(ctx, acct)
		if err != nil {
			return err
		}
		if bal+amount < bal {
			return fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, acct)
		}
		return t.setBalance(ctx, acct, bal+amount)
	})
}

// pgTx implements Tx, including the ledger, on one pgx transaction. Row
// locks taken with FOR UPDATE are held until commit or rollback.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertPool(ctx context.Context, p *model.Pool) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO pools (id, asset_a, asset_b, reserve_a, reserve_b, total_shares,
		                    fee_numerator, fee_denominator, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11)`,
		p.ID, p.AssetA, p.AssetB,
		amountArg(p.ReserveA), amountArg(p.ReserveB), amountArg(p.TotalShares),
		amountArg(p.FeeNumerator), amountArg(p.FeeDenominator),
		p.Status, p.CreatedAt, p.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("pool %s: %w", p.ID, ErrPoolExists)
	}
	return err
}

func (t *pgTx) LockPool(ctx context.Context, id string) (*model.Pool, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+poolColumns+` FROM pools WHERE id = $1 FOR UPDATE`, id)
	return scanPool(row, id)
}

func (t *pgTx) SavePool(ctx context.Context, p *model.Pool) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE pools
		 SET reserve_a = $2::NUMERIC, reserve_b = $3::NUMERIC, total_shares = $4::NUMERIC,
		     fee_numerator = $5::NUMERIC, fee_denominator = $6::NUMERIC,
		     status = $7, updated_at = $8
		 WHERE id = $1`,
		p.ID, amountArg(p.ReserveA), amountArg(p.ReserveB), amountArg(p.TotalShares),
		amountArg(p.FeeNumerator), amountArg(p.FeeDenominator),
		p.Status, p.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("pool %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, e *model.Event) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO pool_events (id, pool_id, owner, kind, direction,
		                          amount_a, amount_b, amount_in, amount_out,
		                          shares, reserve_a, reserve_b, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		e.ID, e.PoolID, e.Owner, e.Kind, string(e.Direction),
		amountArg(e.AmountA), amountArg(e.AmountB), amountArg(e.AmountIn), amountArg(e.AmountOut),
		amountArg(e.Shares), amountArg(e.ReserveA), amountArg(e.ReserveB),
		e.Timestamp,
	)
	return err
}

// --- ledger.Ledger ---

func (t *pgTx) Transfer(ctx context.Context, from, to ledger.Account, authority string, amount uint64) error {
	if err := ledger.CheckTransfer(from, to, authority); err != nil {
		return err
	}
	fromBal, err := t.lockBalance(ctx, from)
	if err != nil {
		return err
	}
	if fromBal < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ledger.ErrInsufficientFunds, from, fromBal, amount)
	}
	if from == to {
		return nil
	}
	toBal, err := t.lockBalance(ctx, to)
	if err != nil {
		return err
	}
	if toBal+amount < toBal {
		return fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, to)
	}
	if err := t.setBalance(ctx, from, fromBal-amount); err != nil {
		return err
	}
	return t.setBalance(ctx, to, toBal+amount)
}

func (t *pgTx) Mint(ctx context.Context, to ledger.Account, authority string, amount uint64) error {
	if err := to.Validate(); err != nil {
		return err
	}

	var bound string
	err := t.tx.QueryRow(ctx,
		`INSERT INTO mint_authorities (asset, authority) VALUES ($1, $2)
		 ON CONFLICT (asset) DO UPDATE SET asset = EXCLUDED.asset
		 RETURNING authority`, to.Asset, authority).Scan(&bound)
	if err != nil {
		return fmt.Errorf("mint authority %s: %w", to.Asset, err)
	}
	if bound != authority {
		return fmt.Errorf("%w: %s cannot mint %s", ledger.ErrUnauthorized, authority, to.Asset)
	}

	bal, err := t.lockBalance(ctx, to)
	if err != nil {
		return err
	}
	if bal+amount < bal {
		return fmt.Errorf("%w: %s", ledger.ErrBalanceOverflow, to)
	}
	return t.setBalance(ctx, to, bal+amount)
}

func (t *pgTx) Burn(ctx context.Context, from ledger.Account, authority string, amount uint64) error {
	if err := ledger.CheckBurn(from, authority); err != nil {
		return err
	}
	bal, err := t.lockBalance(ctx, from)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ledger.ErrInsufficientFunds, from, bal, amount)
	}
	return t.setBalance(ctx, from, bal-amount)
}

func (t *pgTx) Balance(ctx context.Context, acct ledger.Account) (uint64, error) {
	return t.lockBalance(ctx, acct)
}

// lockBalance reads acct's balance and locks the row. A missing row is
// created at zero first so concurrent first credits queue on the same lock
// instead of each reading zero.
func (t *pgTx) lockBalance(ctx context.Context, acct ledger.Account) (uint64, error) {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO balances (owner, asset, amount) VALUES ($1, $2, 0)
		 ON CONFLICT (owner, asset) DO NOTHING`,
		acct.Owner, acct.Asset)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", acct, err)
	}

	var s string
	err = t.tx.QueryRow(ctx,
		`SELECT amount::TEXT FROM balances WHERE owner = $1 AND asset = $2 FOR UPDATE`,
		acct.Owner, acct.Asset).Scan(&s)
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", acct, err)
	}
	return parseAmount(s)
}

// setBalance writes a balance whose row lockBalance already holds.
func (t *pgTx) setBalance(ctx context.Context, acct ledger.Account, amount uint64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE balances SET amount = $3::NUMERIC WHERE owner = $1 AND asset = $2`,
		acct.Owner, acct.Asset, amountArg(amount))
	if err != nil {
		return fmt.Errorf("set balance %s: %w", acct, err)
	}
	return nil
}

// --- Scan helpers ---

func scanPool(row pgx.Row, id string) (*model.Pool, error) {
	var p model.Pool
	var reserveA, reserveB, totalShares, feeNum, feeDen string

	err := row.Scan(&p.ID, &p.AssetA, &p.AssetB,
		&reserveA, &reserveB, &totalShares,
		&feeNum, &feeDen,
		&p.Status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pool %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pool %s: %w", id, err)
	}

	for _, f := range []struct {
		dst *uint64
		src string
	}{
		{&p.ReserveA, reserveA}, {&p.ReserveB, reserveB}, {&p.TotalShares, totalShares},
		{&p.FeeNumerator, feeNum}, {&p.FeeDenominator, feeDen},
	} {
		if *f.dst, err = parseAmount(f.src); err != nil {
			return nil, fmt.Errorf("get pool %s: %w", id, err)
		}
	}
	return &p, nil
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var direction string
		var amountA, amountB, amountIn, amountOut, shares, reserveA, reserveB string

		if err := rows.Scan(&e.ID, &e.PoolID, &e.Owner, &e.Kind, &direction,
			&amountA, &amountB, &amountIn, &amountOut,
			&shares, &reserveA, &reserveB, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Direction = model.Direction(direction)

		for _, f := range []struct {
			dst *uint64
			src string
		}{
			{&e.AmountA, amountA}, {&e.AmountB, amountB}, {&e.AmountIn, amountIn},
			{&e.AmountOut, amountOut}, {&e.Shares, shares},
			{&e.ReserveA, reserveA}, {&e.ReserveB, reserveB},
		} {
			var err error
			if *f.dst, err = parseAmount(f.src); err != nil {
				return nil, fmt.Errorf("event %s: %w", e.ID, err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func amountArg(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseAmount(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("amount %q: %w", s, err)
	}
	return v, nil
}
