// Package model defines the core domain types shared across the pool engine.
// Asset amounts are uint64 base units; JSON carries them as strings so
// clients without 64-bit integers do not lose precision. Prices and ratios
// use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pool lifecycle states.
const (
	StatusUninitialized = "uninitialized"
	StatusActive        = "active"
)

// Direction selects which asset a swap takes in.
type Direction string

const (
	AToB Direction = "A_TO_B"
	BToA Direction = "B_TO_A"
)

// Valid reports whether d is a known swap direction.
func (d Direction) Valid() bool {
	return d == AToB || d == BToA
}

// Event kinds.
const (
	KindCreate    = "create"
	KindProvision = "provision"
	KindWithdraw  = "withdraw"
	KindSwap      = "swap"
)

// Pool is the state of one two-asset constant-product pool. It is owned by
// whoever holds the pointer for the duration of an operation and is only
// mutated through engine operations.
type Pool struct {
	ID             string    `json:"id" db:"id"`
	AssetA         string    `json:"asset_a" db:"asset_a"`
	AssetB         string    `json:"asset_b" db:"asset_b"`
	ReserveA       uint64    `json:"reserve_a,string" db:"reserve_a"`
	ReserveB       uint64    `json:"reserve_b,string" db:"reserve_b"`
	TotalShares    uint64    `json:"total_shares,string" db:"total_shares"`
	FeeNumerator   uint64    `json:"fee_numerator,string" db:"fee_numerator"`
	FeeDenominator uint64    `json:"fee_denominator,string" db:"fee_denominator"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Pair returns the pool's ticker, e.g. SOL-USDC.
func (p *Pool) Pair() string {
	return p.AssetA + "-" + p.AssetB
}

// Authority is the signing identity that owns the pool's custody accounts
// and mints its shares.
func (p *Pool) Authority() string {
	return "pool:" + p.ID
}

// ShareAssetPrefix prefixes the pool ID in a share asset name.
const ShareAssetPrefix = "LP-"

// ShareAsset is the ledger asset representing this pool's liquidity shares.
func (p *Pool) ShareAsset() string {
	return ShareAssetPrefix + p.ID
}

// Assets returns the (in, out) assets for a swap direction.
func (p *Pool) Assets(dir Direction) (in, out string) {
	if dir == BToA {
		return p.AssetB, p.AssetA
	}
	return p.AssetA, p.AssetB
}

// Reserves returns the (in, out) reserves for a swap direction.
func (p *Pool) Reserves(dir Direction) (in, out uint64) {
	if dir == BToA {
		return p.ReserveB, p.ReserveA
	}
	return p.ReserveA, p.ReserveB
}

// Initialized reports whether create_pool has run.
func (p *Pool) Initialized() bool {
	return p.Status == StatusActive
}

// Dormant reports an initialized pool whose shares were all withdrawn.
func (p *Pool) Dormant() bool {
	return p.Initialized() && p.TotalShares == 0
}

// Event is an immutable record of one committed pool operation.
// Once created, these are never modified or deleted.
type Event struct {
	ID        string    `json:"id" db:"id"`
	PoolID    string    `json:"pool_id" db:"pool_id"`
	Owner     string    `json:"owner" db:"owner"`
	Kind      string    `json:"kind" db:"kind"`
	Direction Direction `json:"direction,omitempty" db:"direction"`
	AmountA   uint64    `json:"amount_a,string" db:"amount_a"` // asset A into (+) the pool
	AmountB   uint64    `json:"amount_b,string" db:"amount_b"`
	AmountIn  uint64    `json:"amount_in,string" db:"amount_in"`
	AmountOut uint64    `json:"amount_out,string" db:"amount_out"`
	Shares    uint64    `json:"shares,string" db:"shares"` // minted or burned
	ReserveA  uint64    `json:"reserve_a,string" db:"reserve_a"`
	ReserveB  uint64    `json:"reserve_b,string" db:"reserve_b"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// Receipt is the caller-facing result of an engine operation.
type Receipt struct {
	Kind      string    `json:"kind"`
	Direction Direction `json:"direction,omitempty"`
	AmountA   uint64    `json:"amount_a,string"`
	AmountB   uint64    `json:"amount_b,string"`
	AmountIn  uint64    `json:"amount_in,string,omitempty"`
	AmountOut uint64    `json:"amount_out,string,omitempty"`
	Shares    uint64    `json:"shares,string"`
}

// Quote previews a swap against the current reserves without moving funds.
type Quote struct {
	Direction       Direction       `json:"direction"`
	AmountIn        uint64          `json:"amount_in,string"`
	AmountOut       uint64          `json:"amount_out,string"`
	MinimumReceived uint64          `json:"minimum_received,string"`
	SlippageBps     uint64          `json:"slippage_bps"`
	SpotPrice       decimal.Decimal `json:"spot_price"`  // out per in, before
	PriceAfter      decimal.Decimal `json:"price_after"` // out per in, after
	PriceImpact     decimal.Decimal `json:"price_impact"`
	Fee             decimal.Decimal `json:"fee"`
}

// PoolView is a pool with derived market data for display.
type PoolView struct {
	Pool
	Pair       string          `json:"pair"`
	ShareAsset string          `json:"share_asset"`
	PriceA     decimal.Decimal `json:"price_a"` // units of B per A
	PriceB     decimal.Decimal `json:"price_b"` // units of A per B
	FeeRate    decimal.Decimal `json:"fee_rate"`
}

// Position is an owner's liquidity in one pool with the reserves the shares
// currently redeem for.
type Position struct {
	PoolID    string          `json:"pool_id"`
	Pair      string          `json:"pair"`
	Shares    uint64          `json:"shares,string"`
	AmountA   uint64          `json:"amount_a,string"`
	AmountB   uint64          `json:"amount_b,string"`
	PoolShare decimal.Decimal `json:"pool_share"` // fraction of total shares
}

// Account aggregates an owner's asset balances, liquidity positions and
// the pool operations they performed, oldest first.
type Account struct {
	Owner     string            `json:"owner"`
	Balances  map[string]uint64 `json:"balances"`
	Positions []Position        `json:"positions"`
	Activity  []Event           `json:"activity"`
}
