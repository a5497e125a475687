// Package engine orchestrates the pool operations: create, provision,
// withdraw and swap.
//
// Every operation receives the pool explicitly along with a ledger scope.
// The new state is computed first, then the ledger instructions are issued,
// and the pool is only mutated once every instruction succeeded. The ledger
// scope must be all-or-nothing (store.Atomic) so that an instruction failing
// part-way rolls back the ones before it.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/reservemath"
)

var (
	ErrAlreadyInitialized = errors.New("engine: pool already initialized")
	ErrNotInitialized     = errors.New("engine: pool not initialized")
	ErrSlippageExceeded   = errors.New("engine: output below caller minimum")
	ErrTransferFailed     = errors.New("engine: transfer failed")
	ErrInvalidDirection   = errors.New("engine: invalid swap direction")
	ErrInvalidCaller      = errors.New("engine: caller is required")

	ErrZeroAmount            = reservemath.ErrZeroAmount
	ErrInvalidFeeRate        = reservemath.ErrInvalidFeeRate
	ErrRatioMismatch         = reservemath.ErrRatioMismatch
	ErrInsufficientShares    = reservemath.ErrInsufficientShares
	ErrInsufficientLiquidity = reservemath.ErrInsufficientLiquidity
	ErrArithmeticOverflow    = reservemath.ErrArithmeticOverflow
)

// CreatePool funds an uninitialized pool with its first reserves, mints the
// initial shares to caller and fixes the fee.
func CreatePool(ctx context.Context, l ledger.Ledger, p *model.Pool, caller string, initialA, initialB, feeNum, feeDen uint64) (*model.Receipt, error) {
	if caller == "" {
		return nil, ErrInvalidCaller
	}
	if p.Initialized() || p.TotalShares != 0 || p.ReserveA != 0 || p.ReserveB != 0 {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, p.ID)
	}
	if err := reservemath.ValidateFee(feeNum, feeDen); err != nil {
		return nil, err
	}
	if initialA == 0 || initialB == 0 {
		return nil, ErrZeroAmount
	}

	_, _, shares, err := reservemath.QuoteSharesForDeposit(0, 0, 0, initialA, initialB)
	if err != nil {
		return nil, err
	}

	err = settle(ctx, l,
		pull(p, caller, p.AssetA, initialA),
		pull(p, caller, p.AssetB, initialB),
		mintShares(p, caller, shares),
	)
	if err != nil {
		return nil, err
	}

	p.ReserveA, p.ReserveB = initialA, initialB
	p.TotalShares = shares
	p.FeeNumerator, p.FeeDenominator = feeNum, feeDen
	p.Status = model.StatusActive

	return &model.Receipt{
		Kind:    model.KindCreate,
		AmountA: initialA,
		AmountB: initialB,
		Shares:  shares,
	}, nil
}

// Provision deposits the largest ratio-preserving part of depositA/depositB
// and mints shares for it. Offered amounts beyond the ratio stay with the
// caller. A dormant pool is re-seeded like a first deposit.
func Provision(ctx context.Context, l ledger.Ledger, p *model.Pool, caller string, depositA, depositB uint64) (*model.Receipt, error) {
	if caller == "" {
		return nil, ErrInvalidCaller
	}
	if !p.Initialized() {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, p.ID)
	}

	acceptedA, acceptedB, minted, err := reservemath.QuoteSharesForDeposit(
		p.ReserveA, p.ReserveB, p.TotalShares, depositA, depositB)
	if err != nil {
		return nil, err
	}

	newA, err := reservemath.CheckedAdd(p.ReserveA, acceptedA)
	if err != nil {
		return nil, err
	}
	newB, err := reservemath.CheckedAdd(p.ReserveB, acceptedB)
	if err != nil {
		return nil, err
	}
	newTotal, err := reservemath.CheckedAdd(p.TotalShares, minted)
	if err != nil {
		return nil, err
	}

	err = settle(ctx, l,
		pull(p, caller, p.AssetA, acceptedA),
		pull(p, caller, p.AssetB, acceptedB),
		mintShares(p, caller, minted),
	)
	if err != nil {
		return nil, err
	}

	p.ReserveA, p.ReserveB, p.TotalShares = newA, newB, newTotal

	return &model.Receipt{
		Kind:    model.KindProvision,
		AmountA: acceptedA,
		AmountB: acceptedB,
		Shares:  minted,
	}, nil
}

// Withdraw burns shares held by caller and pays out the proportional
// reserves, truncated in the pool's favour.
func Withdraw(ctx context.Context, l ledger.Ledger, p *model.Pool, caller string, shares uint64) (*model.Receipt, error) {
	if caller == "" {
		return nil, ErrInvalidCaller
	}
	if !p.Initialized() {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, p.ID)
	}

	amountA, amountB, err := reservemath.QuoteWithdraw(p.ReserveA, p.ReserveB, p.TotalShares, shares)
	if err != nil {
		return nil, err
	}

	held, err := l.Balance(ctx, ledger.Account{Owner: caller, Asset: p.ShareAsset()})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	if held < shares {
		return nil, fmt.Errorf("%w: %s holds %d, burning %d", ErrInsufficientShares, caller, held, shares)
	}

	newA, err := reservemath.CheckedSub(p.ReserveA, amountA)
	if err != nil {
		return nil, err
	}
	newB, err := reservemath.CheckedSub(p.ReserveB, amountB)
	if err != nil {
		return nil, err
	}
	newTotal, err := reservemath.CheckedSub(p.TotalShares, shares)
	if err != nil {
		return nil, err
	}

	err = settle(ctx, l,
		burnShares(p, caller, shares),
		push(p, caller, p.AssetA, amountA),
		push(p, caller, p.AssetB, amountB),
	)
	if err != nil {
		return nil, err
	}

	p.ReserveA, p.ReserveB, p.TotalShares = newA, newB, newTotal

	return &model.Receipt{
		Kind:    model.KindWithdraw,
		AmountA: amountA,
		AmountB: amountB,
		Shares:  shares,
	}, nil
}

// Swap exchanges amountIn of the direction's input asset for the output
// asset. The output is computed against the pool as passed in, i.e. the
// state at execution time, and checked against minAmountOut before any
// instruction is issued.
func Swap(ctx context.Context, l ledger.Ledger, p *model.Pool, caller string, amountIn, minAmountOut uint64, dir model.Direction) (*model.Receipt, error) {
	if caller == "" {
		return nil, ErrInvalidCaller
	}
	amountOut, err := quoteOut(p, amountIn, dir)
	if err != nil {
		return nil, err
	}
	if amountOut < minAmountOut {
		return nil, fmt.Errorf("%w: got %d, want at least %d", ErrSlippageExceeded, amountOut, minAmountOut)
	}

	reserveIn, reserveOut := p.Reserves(dir)
	newIn, err := reservemath.CheckedAdd(reserveIn, amountIn)
	if err != nil {
		return nil, err
	}
	newOut, err := reservemath.CheckedSub(reserveOut, amountOut)
	if err != nil {
		return nil, err
	}

	assetIn, assetOut := p.Assets(dir)
	err = settle(ctx, l,
		pull(p, caller, assetIn, amountIn),
		push(p, caller, assetOut, amountOut),
	)
	if err != nil {
		return nil, err
	}

	r := &model.Receipt{
		Kind:      model.KindSwap,
		Direction: dir,
		AmountIn:  amountIn,
		AmountOut: amountOut,
	}
	if dir == model.AToB {
		p.ReserveA, p.ReserveB = newIn, newOut
		r.AmountA, r.AmountB = amountIn, amountOut
	} else {
		p.ReserveB, p.ReserveA = newIn, newOut
		r.AmountB, r.AmountA = amountIn, amountOut
	}
	return r, nil
}

// Quote previews a swap without touching the ledger. slippageBps feeds the
// minimum-received figure a client would pass back as minAmountOut.
func Quote(p *model.Pool, amountIn uint64, dir model.Direction, slippageBps uint64) (*model.Quote, error) {
	amountOut, err := quoteOut(p, amountIn, dir)
	if err != nil {
		return nil, err
	}
	reserveIn, reserveOut := p.Reserves(dir)
	newIn, err := reservemath.CheckedAdd(reserveIn, amountIn)
	if err != nil {
		return nil, err
	}

	return &model.Quote{
		Direction:       dir,
		AmountIn:        amountIn,
		AmountOut:       amountOut,
		MinimumReceived: reservemath.MinimumReceived(amountOut, slippageBps),
		SlippageBps:     slippageBps,
		SpotPrice:       reservemath.SpotPrice(reserveIn, reserveOut),
		PriceAfter:      reservemath.SpotPrice(newIn, reserveOut-amountOut),
		PriceImpact:     reservemath.PriceImpact(reserveIn, reserveOut, amountIn, amountOut),
		Fee:             reservemath.FeeRate(p.FeeNumerator, p.FeeDenominator),
	}, nil
}

// View decorates a pool with spot prices and its fee rate.
func View(p *model.Pool) *model.PoolView {
	return &model.PoolView{
		Pool:       *p,
		Pair:       p.Pair(),
		ShareAsset: p.ShareAsset(),
		PriceA:     reservemath.SpotPrice(p.ReserveA, p.ReserveB),
		PriceB:     reservemath.SpotPrice(p.ReserveB, p.ReserveA),
		FeeRate:    reservemath.FeeRate(p.FeeNumerator, p.FeeDenominator),
	}
}

func quoteOut(p *model.Pool, amountIn uint64, dir model.Direction) (uint64, error) {
	if !dir.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDirection, dir)
	}
	if !p.Initialized() {
		return 0, fmt.Errorf("%w: %s", ErrNotInitialized, p.ID)
	}
	if amountIn == 0 {
		return 0, ErrZeroAmount
	}
	reserveIn, reserveOut := p.Reserves(dir)
	return reservemath.QuoteSwapOutput(reserveIn, reserveOut, amountIn, p.FeeNumerator, p.FeeDenominator)
}
