// Package trade provides the HTTP handlers and business logic for creating
// pools, provisioning and withdrawing liquidity, executing swaps, and
// querying pools and accounts.
//
// Every mutation runs inside one store unit of work: the pool row is locked,
// the engine computes and issues its ledger instructions, and the new pool
// state plus an immutable event are written before the unit commits.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/pool-engine/internal/engine"
	"github.com/atmx/pool-engine/internal/guard"
	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/metrics"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/pair"
	"github.com/atmx/pool-engine/internal/reservemath"
	"github.com/atmx/pool-engine/internal/store"
)

// DefaultSlippageBps is the tolerance used by quotes that do not set one.
const DefaultSlippageBps = 100

// Service handles pool operations. Serialisation per pool is delegated to
// the store's unit of work, so any number of instances may share one
// PostgreSQL database.
type Service struct {
	store  store.Store
	guard  *guard.ImpactGuard
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	faucet bool
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithFaucet enables POST /accounts/{owner}/fund.
func WithFaucet(enabled bool) Option {
	return func(s *Service) { s.faucet = enabled }
}

// WithLogger sets the service logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a new trade service.
// Pass nil for g to disable trade limits and nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, g *guard.ImpactGuard, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:  st,
		guard:  g,
		wsHub:  hub,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreatePool registers a new pool for p and funds it from owner.
func (s *Service) CreatePool(ctx context.Context, owner string, p *pair.Pair, fee pair.Fee, amountA, amountB uint64) (*model.Pool, *model.Receipt, error) {
	now := time.Now().UTC()
	fresh := model.Pool{
		ID:        uuid.New().String(),
		AssetA:    p.Base,
		AssetB:    p.Quote,
		Status:    model.StatusUninitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.mutate(ctx, model.KindCreate, fresh.ID, owner, &fresh,
		func(tx store.Tx, pool *model.Pool) (*model.Receipt, error) {
			return engine.CreatePool(ctx, tx, pool, owner, amountA, amountB, fee.Numerator, fee.Denominator)
		})
}

// Provision adds liquidity to poolID from owner.
func (s *Service) Provision(ctx context.Context, poolID, owner string, amountA, amountB uint64) (*model.Pool, *model.Receipt, error) {
	return s.mutate(ctx, model.KindProvision, poolID, owner, nil,
		func(tx store.Tx, pool *model.Pool) (*model.Receipt, error) {
			return engine.Provision(ctx, tx, pool, owner, amountA, amountB)
		})
}

// Withdraw burns owner's shares in poolID.
func (s *Service) Withdraw(ctx context.Context, poolID, owner string, shares uint64) (*model.Pool, *model.Receipt, error) {
	return s.mutate(ctx, model.KindWithdraw, poolID, owner, nil,
		func(tx store.Tx, pool *model.Pool) (*model.Receipt, error) {
			return engine.Withdraw(ctx, tx, pool, owner, shares)
		})
}

// Swap executes a swap for owner. Trade limits are checked against the
// locked pool, i.e. the state the swap actually executes against.
func (s *Service) Swap(ctx context.Context, poolID, owner string, dir model.Direction, amountIn, minAmountOut uint64) (*model.Pool, *model.Receipt, error) {
	return s.mutate(ctx, model.KindSwap, poolID, owner, nil,
		func(tx store.Tx, pool *model.Pool) (*model.Receipt, error) {
			if s.guard.Enabled() {
				q, err := engine.Quote(pool, amountIn, dir, 0)
				if err != nil {
					return nil, err
				}
				_, reserveOut := pool.Reserves(dir)
				if err := s.guard.Check(q, reserveOut); err != nil {
					return nil, err
				}
			}
			return engine.Swap(ctx, tx, pool, owner, amountIn, minAmountOut, dir)
		})
}

// Quote previews a swap against the current committed state.
func (s *Service) Quote(ctx context.Context, poolID string, dir model.Direction, amountIn, slippageBps uint64) (*model.Quote, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return engine.Quote(pool, amountIn, dir, slippageBps)
}

// Pool returns a pool with its derived market data.
func (s *Service) Pool(ctx context.Context, poolID string) (*model.PoolView, error) {
	pool, err := s.store.GetPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	return engine.View(pool), nil
}

// History returns every committed operation on a pool, oldest first.
func (s *Service) History(ctx context.Context, poolID string) ([]model.Event, error) {
	if _, err := s.store.GetPool(ctx, poolID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEventsByPool(ctx, poolID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// Account returns owner's balances, the current value of every liquidity
// position they hold and their operation history.
func (s *Service) Account(ctx context.Context, owner string) (*model.Account, error) {
	balances, err := s.store.GetBalances(ctx, owner)
	if err != nil {
		return nil, err
	}
	activity, err := s.store.GetEventsByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	if activity == nil {
		activity = []model.Event{}
	}

	acct := &model.Account{
		Owner:     owner,
		Balances:  balances,
		Positions: []model.Position{},
		Activity:  activity,
	}
	for asset, shares := range balances {
		poolID, ok := strings.CutPrefix(asset, model.ShareAssetPrefix)
		if !ok || shares == 0 {
			continue
		}
		pool, err := s.store.GetPool(ctx, poolID)
		if err != nil {
			s.logger.Warn("position without pool", "owner", owner, "asset", asset, "err", err)
			continue
		}
		acct.Positions = append(acct.Positions, position(pool, shares))
	}
	sort.Slice(acct.Positions, func(i, j int) bool {
		return acct.Positions[i].PoolID < acct.Positions[j].PoolID
	})
	return acct, nil
}

// Fund credits owner from outside the system. Only available with the
// faucet enabled.
func (s *Service) Fund(ctx context.Context, owner, asset string, amount uint64) error {
	if !s.faucet {
		return ErrFaucetDisabled
	}
	if amount == 0 {
		return engine.ErrZeroAmount
	}
	acct := ledger.Account{Owner: owner, Asset: strings.ToUpper(asset)}
	if strings.HasPrefix(acct.Asset, model.ShareAssetPrefix) {
		return fmt.Errorf("%w: shares are only minted by pools", ledger.ErrInvalidAccount)
	}
	if err := s.store.Fund(ctx, acct, amount); err != nil {
		return err
	}
	s.logger.Info("account funded", "owner", owner, "asset", acct.Asset, "amount", amount)
	return nil
}

func position(pool *model.Pool, shares uint64) model.Position {
	pos := model.Position{
		PoolID:    pool.ID,
		Pair:      pool.Pair(),
		Shares:    shares,
		PoolShare: decimal.Zero,
	}
	if pool.TotalShares == 0 {
		return pos
	}
	if a, b, err := reservemath.QuoteWithdraw(pool.ReserveA, pool.ReserveB, pool.TotalShares, shares); err == nil {
		pos.AmountA, pos.AmountB = a, b
	}
	pos.PoolShare = decimal.NewFromUint64(shares).
		Div(decimal.NewFromUint64(pool.TotalShares)).
		Round(reservemath.PriceScale)
	return pos
}

// operation runs one engine call against a locked pool inside a unit of work.
type operation func(tx store.Tx, pool *model.Pool) (*model.Receipt, error)

// mutate locks poolID (inserting create first when given), applies op,
// and persists the resulting pool and event in the same unit of work.
func (s *Service) mutate(ctx context.Context, kind, poolID, owner string, create *model.Pool, op operation) (*model.Pool, *model.Receipt, error) {
	start := time.Now()

	var pool *model.Pool
	var receipt *model.Receipt
	err := s.store.Atomic(ctx, func(tx store.Tx) error {
		if create != nil {
			fresh := *create
			if err := tx.InsertPool(ctx, &fresh); err != nil {
				return err
			}
		}
		p, err := tx.LockPool(ctx, poolID)
		if err != nil {
			return err
		}
		r, err := op(tx, p)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		p.UpdatedAt = now
		if err := tx.SavePool(ctx, p); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, newEvent(p, owner, r, now)); err != nil {
			return err
		}
		pool, receipt = p, r
		return nil
	})
	if err != nil {
		_, code := errorStatus(err)
		metrics.OperationRejections.WithLabelValues(kind, code).Inc()
		s.logger.Warn("pool operation rejected",
			"kind", kind,
			"pool_id", poolID,
			"owner", owner,
			"code", code,
			"err", err,
		)
		return nil, nil, err
	}

	metrics.OperationsTotal.WithLabelValues(kind).Inc()
	metrics.OperationLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	metrics.PoolReserve.WithLabelValues(pool.ID, pool.AssetA).Set(float64(pool.ReserveA))
	metrics.PoolReserve.WithLabelValues(pool.ID, pool.AssetB).Set(float64(pool.ReserveB))
	metrics.PoolShares.WithLabelValues(pool.ID).Set(float64(pool.TotalShares))
	if kind == model.KindSwap {
		metrics.SwapVolume.WithLabelValues(pool.ID, string(receipt.Direction)).Add(float64(receipt.AmountIn))
	}

	s.logger.Info("pool operation committed",
		"kind", kind,
		"pool_id", pool.ID,
		"pair", pool.Pair(),
		"owner", owner,
		"amount_a", receipt.AmountA,
		"amount_b", receipt.AmountB,
		"shares", receipt.Shares,
		"reserve_a", pool.ReserveA,
		"reserve_b", pool.ReserveB,
		"total_shares", pool.TotalShares,
	)

	s.publish(pool, receipt)
	return pool, receipt, nil
}

func newEvent(p *model.Pool, owner string, r *model.Receipt, at time.Time) *model.Event {
	return &model.Event{
		ID:        uuid.New().String(),
		PoolID:    p.ID,
		Owner:     owner,
		Kind:      r.Kind,
		Direction: r.Direction,
		AmountA:   r.AmountA,
		AmountB:   r.AmountB,
		AmountIn:  r.AmountIn,
		AmountOut: r.AmountOut,
		Shares:    r.Shares,
		ReserveA:  p.ReserveA,
		ReserveB:  p.ReserveB,
		Timestamp: at,
	}
}

// publish broadcasts the committed state via WebSocket.
func (s *Service) publish(p *model.Pool, r *model.Receipt) {
	if s.wsHub == nil {
		return
	}
	view := engine.View(p)
	msg := WSMessage{
		Type:        "pool_updated",
		PoolID:      p.ID,
		Pair:        view.Pair,
		Kind:        r.Kind,
		Direction:   string(r.Direction),
		ReserveA:    strconv.FormatUint(p.ReserveA, 10),
		ReserveB:    strconv.FormatUint(p.ReserveB, 10),
		TotalShares: strconv.FormatUint(p.TotalShares, 10),
		PriceA:      view.PriceA.String(),
		PriceB:      view.PriceB.String(),
	}
	if r.Kind == model.KindSwap {
		msg.AmountIn = strconv.FormatUint(r.AmountIn, 10)
		msg.AmountOut = strconv.FormatUint(r.AmountOut, 10)
	}
	s.wsHub.Broadcast(msg)
}
