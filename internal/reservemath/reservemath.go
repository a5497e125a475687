// Package reservemath implements the constant-product invariant, swap fee
// application and liquidity-share arithmetic for a two-asset pool.
//
// Amounts are uint64 at the boundary. Every product of two amounts is formed
// in a 256-bit word (holiman/uint256), so multiplying two full reserves can
// never wrap. A result that does not fit back into uint64 is reported as
// ErrArithmeticOverflow, never saturated.
//
// Rounding always favours the pool:
//   - swap fee and share minting truncate toward zero,
//   - the output reserve after a swap is rounded up,
//   - the counter-asset amount taken on a deposit is rounded up,
//   - withdrawals truncate toward zero.
//
// The package is stateless and safe for concurrent use.
package reservemath

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrZeroAmount is returned when a required amount is zero.
	ErrZeroAmount = errors.New("reservemath: amount must be positive")

	// ErrInvalidFeeRate is returned unless 0 <= numerator < denominator.
	ErrInvalidFeeRate = errors.New("reservemath: fee must satisfy 0 <= numerator < denominator")

	// ErrRatioMismatch is returned when no positive ratio-preserving deposit
	// can be derived from the offered amounts.
	ErrRatioMismatch = errors.New("reservemath: deposit does not match pool ratio")

	// ErrInsufficientShares is returned when burning zero shares or more
	// shares than are outstanding.
	ErrInsufficientShares = errors.New("reservemath: insufficient shares")

	// ErrInsufficientLiquidity is returned when a swap would drain the
	// output reserve or cannot produce any output.
	ErrInsufficientLiquidity = errors.New("reservemath: insufficient liquidity")

	// ErrArithmeticOverflow is returned when a result exceeds the uint64 range.
	ErrArithmeticOverflow = errors.New("reservemath: arithmetic overflow")

	// PriceScale is the number of decimal places kept for prices and ratios.
	PriceScale int32 = 8
)

// ValidateFee checks that num/den is a fee fraction in [0, 1).
func ValidateFee(num, den uint64) error {
	if den == 0 || num >= den {
		return fmt.Errorf("%w: %d/%d", ErrInvalidFeeRate, num, den)
	}
	return nil
}

// AmountInAfterFee returns amountIn * (den - num) / den, truncated.
func AmountInAfterFee(amountIn, num, den uint64) (uint64, error) {
	if err := ValidateFee(num, den); err != nil {
		return 0, err
	}
	v, err := mulDiv(amountIn, den-num, den)
	if err != nil {
		return 0, err
	}
	return v, nil
}

// QuoteSwapOutput returns the amount of the output asset paid for amountIn of
// the input asset.
//
//	afterFee      = amountIn * (den - num) / den
//	newReserveOut = ceil(reserveIn * reserveOut / (reserveIn + afterFee))
//	amountOut     = reserveOut - newReserveOut
//
// Rounding the new output reserve up keeps reserveIn*reserveOut from ever
// decreasing across a swap.
func QuoteSwapOutput(reserveIn, reserveOut, amountIn, num, den uint64) (uint64, error) {
	afterFee, err := AmountInAfterFee(amountIn, num, den)
	if err != nil {
		return 0, err
	}

	denom := new(uint256.Int).AddUint64(uint256.NewInt(reserveIn), afterFee)
	if denom.IsZero() {
		return 0, fmt.Errorf("%w: empty input reserve", ErrInsufficientLiquidity)
	}

	k, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(reserveIn), uint256.NewInt(reserveOut))
	if overflow {
		return 0, ErrArithmeticOverflow
	}
	newReserveOut := ceilDiv(k, denom)
	if newReserveOut.Gt(uint256.NewInt(reserveOut)) {
		return 0, ErrArithmeticOverflow
	}

	amountOut := reserveOut - newReserveOut.Uint64()
	if amountOut >= reserveOut {
		return 0, fmt.Errorf("%w: swap would drain the output reserve", ErrInsufficientLiquidity)
	}
	if amountOut == 0 {
		return 0, fmt.Errorf("%w: output rounds to zero", ErrInsufficientLiquidity)
	}
	return amountOut, nil
}

// QuoteSharesForDeposit computes the amounts a pool accepts from an offer of
// depositA/depositB and the shares minted for them.
//
// The first deposit (totalShares == 0) is accepted in full and mints
// isqrt(depositA * depositB). Later deposits accept the largest pair that
// preserves reserveA:reserveB without exceeding either offered amount; the
// counter amount is rounded up. Minted shares are the smaller of the two
// proportional claims so neither side is over-credited.
func QuoteSharesForDeposit(reserveA, reserveB, totalShares, depositA, depositB uint64) (acceptedA, acceptedB, minted uint64, err error) {
	if depositA == 0 || depositB == 0 {
		return 0, 0, 0, ErrZeroAmount
	}

	if totalShares == 0 {
		if reserveA != 0 || reserveB != 0 {
			return 0, 0, 0, fmt.Errorf("%w: reserves present without outstanding shares", ErrRatioMismatch)
		}
		return depositA, depositB, SqrtProduct(depositA, depositB), nil
	}

	if reserveA == 0 || reserveB == 0 {
		return 0, 0, 0, fmt.Errorf("%w: shares outstanding against an empty reserve", ErrRatioMismatch)
	}

	optimalB := mulDivCeil256(depositA, reserveB, reserveA)
	if !optimalB.Gt(uint256.NewInt(depositB)) {
		acceptedA, acceptedB = depositA, optimalB.Uint64()
	} else {
		optimalA := mulDivCeil256(depositB, reserveA, reserveB)
		if optimalA.Gt(uint256.NewInt(depositA)) {
			return 0, 0, 0, ErrRatioMismatch
		}
		acceptedA, acceptedB = optimalA.Uint64(), depositB
	}
	if acceptedA == 0 || acceptedB == 0 {
		return 0, 0, 0, ErrRatioMismatch
	}

	sharesA, err := mulDiv(totalShares, acceptedA, reserveA)
	if err != nil {
		return 0, 0, 0, err
	}
	sharesB, err := mulDiv(totalShares, acceptedB, reserveB)
	if err != nil {
		return 0, 0, 0, err
	}
	minted = min(sharesA, sharesB)
	if minted == 0 {
		return 0, 0, 0, fmt.Errorf("%w: deposit too small to mint a share", ErrRatioMismatch)
	}
	return acceptedA, acceptedB, minted, nil
}

// QuoteWithdraw returns the proportional reserves released by burning
// sharesBurned of totalShares.
func QuoteWithdraw(reserveA, reserveB, totalShares, sharesBurned uint64) (amountA, amountB uint64, err error) {
	if sharesBurned == 0 || sharesBurned > totalShares {
		return 0, 0, fmt.Errorf("%w: burning %d of %d", ErrInsufficientShares, sharesBurned, totalShares)
	}
	if amountA, err = mulDiv(reserveA, sharesBurned, totalShares); err != nil {
		return 0, 0, err
	}
	if amountB, err = mulDiv(reserveB, sharesBurned, totalShares); err != nil {
		return 0, 0, err
	}
	return amountA, amountB, nil
}

// SqrtProduct returns floor(sqrt(a * b)). The result always fits in uint64.
func SqrtProduct(a, b uint64) uint64 {
	p := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return new(uint256.Int).Sqrt(p).Uint64()
}

// CheckedAdd returns a + b or ErrArithmeticOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, ErrArithmeticOverflow
	}
	return s, nil
}

// CheckedSub returns a - b or ErrArithmeticOverflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmeticOverflow
	}
	return a - b, nil
}

// Product returns reserveA * reserveB as a 256-bit value.
func Product(reserveA, reserveB uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(reserveA), uint256.NewInt(reserveB))
}

// SpotPrice returns the marginal price of one unit of the base asset in
// units of the quote asset: reserveQuote / reserveBase.
func SpotPrice(reserveBase, reserveQuote uint64) decimal.Decimal {
	if reserveBase == 0 {
		return decimal.Zero
	}
	return toDecimal(reserveQuote).Div(toDecimal(reserveBase)).Round(PriceScale)
}

// PriceImpact returns how far the execution price of a swap falls short of
// the pre-trade spot price, as a fraction in [0, 1]:
//
//	1 - (amountOut / amountIn) / (reserveOut / reserveIn)
func PriceImpact(reserveIn, reserveOut, amountIn, amountOut uint64) decimal.Decimal {
	if reserveIn == 0 || reserveOut == 0 || amountIn == 0 {
		return decimal.Zero
	}
	num := toDecimal(amountOut).Mul(toDecimal(reserveIn))
	den := toDecimal(amountIn).Mul(toDecimal(reserveOut))
	impact := decimal.NewFromInt(1).Sub(num.Div(den))
	if impact.IsNegative() {
		return decimal.Zero
	}
	return impact.Round(PriceScale)
}

// FeeRate returns num/den as a decimal fraction.
func FeeRate(num, den uint64) decimal.Decimal {
	if den == 0 {
		return decimal.Zero
	}
	return toDecimal(num).Div(toDecimal(den)).Round(PriceScale)
}

// MinimumReceived applies a slippage tolerance in basis points to a quoted
// output, truncating: amountOut * (10000 - bps) / 10000.
func MinimumReceived(amountOut uint64, slippageBps uint64) uint64 {
	if slippageBps >= 10000 {
		return 0
	}
	v, _ := mulDiv(amountOut, 10000-slippageBps, 10000)
	return v
}

// mulDiv returns floor(x * y / d) or ErrArithmeticOverflow if it exceeds
// uint64. d must be non-zero.
func mulDiv(x, y, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrArithmeticOverflow
	}
	z, overflow := new(uint256.Int).MulDivOverflow(uint256.NewInt(x), uint256.NewInt(y), uint256.NewInt(d))
	if overflow || !z.IsUint64() {
		return 0, ErrArithmeticOverflow
	}
	return z.Uint64(), nil
}

// mulDivCeil256 returns ceil(x * y / d) without narrowing. d must be non-zero.
func mulDivCeil256(x, y, d uint64) *uint256.Int {
	p := new(uint256.Int).Mul(uint256.NewInt(x), uint256.NewInt(y))
	return ceilDiv(p, uint256.NewInt(d))
}

// ceilDiv returns ceil(x / y). y must be non-zero.
func ceilDiv(x, y *uint256.Int) *uint256.Int {
	q, r := new(uint256.Int).DivMod(x, y, new(uint256.Int))
	if !r.IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

func toDecimal(x uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(x), 0)
}
