// Package pair handles asset pair ticker parsing and fee rate strings.
package pair

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/atmx/pool-engine/internal/reservemath"
)

// DefaultFee is 30 bps, applied when a pool is created without a fee.
var DefaultFee = Fee{Numerator: 30, Denominator: 10000}

// pairRegex matches: {BASE}-{QUOTE}
// Example: SOL-USDC
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{1,16})-([A-Z0-9]{1,16})$`)

// maxFeeScale bounds the decimal places accepted in a fee so the
// denominator stays within uint64.
const maxFeeScale = 18

var (
	ErrInvalidPair = errors.New("pair: invalid pair format")
	ErrSameAsset   = errors.New("pair: base and quote must differ")
	ErrInvalidFee  = errors.New("pair: invalid fee format")
)

// Pair is a parsed asset pair. Base is the pool's asset A, Quote its asset B.
type Pair struct {
	Ticker string `json:"ticker"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse parses and validates a pair ticker. Lower-case input is accepted
// and normalised.
// Format: {BASE}-{QUOTE}
func Parse(ticker string) (*Pair, error) {
	norm := strings.ToUpper(strings.TrimSpace(ticker))
	matches := pairRegex.FindStringSubmatch(norm)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected BASE-QUOTE)", ErrInvalidPair, ticker)
	}
	if matches[1] == matches[2] {
		return nil, fmt.Errorf("%w: %s", ErrSameAsset, norm)
	}
	return &Pair{Ticker: norm, Base: matches[1], Quote: matches[2]}, nil
}

// Fee is a swap fee as an exact fraction.
type Fee struct {
	Numerator   uint64 `json:"numerator,string"`
	Denominator uint64 `json:"denominator,string"`
}

// Rate returns the fee as a decimal fraction.
func (f Fee) Rate() decimal.Decimal {
	return reservemath.FeeRate(f.Numerator, f.Denominator)
}

// Bps returns the fee in basis points.
func (f Fee) Bps() decimal.Decimal {
	return f.Rate().Shift(4)
}

func (f Fee) String() string {
	return f.Bps().String() + "bps"
}

// ParseFee accepts a fee in any of these forms:
//
//	""        the default fee
//	"30bps"   basis points
//	"0.3%"    percent
//	"3/1000"  exact fraction
//	"0.003"   decimal fraction
//
// The result always satisfies 0 <= numerator < denominator.
func ParseFee(s string) (Fee, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultFee, nil
	}

	var fee Fee
	var err error
	switch {
	case strings.HasSuffix(s, "bps"):
		fee, err = feeFromDecimal(strings.TrimSpace(strings.TrimSuffix(s, "bps")), -4)
	case strings.HasSuffix(s, "%"):
		fee, err = feeFromDecimal(strings.TrimSpace(strings.TrimSuffix(s, "%")), -2)
	case strings.Contains(s, "/"):
		fee, err = feeFromFraction(s)
	default:
		fee, err = feeFromDecimal(s, 0)
	}
	if err != nil {
		return Fee{}, err
	}
	if err := reservemath.ValidateFee(fee.Numerator, fee.Denominator); err != nil {
		return Fee{}, fmt.Errorf("%w: %s", err, s)
	}
	return fee, nil
}

func feeFromFraction(s string) (Fee, error) {
	numS, denS, _ := strings.Cut(s, "/")
	num, err := strconv.ParseUint(strings.TrimSpace(numS), 10, 64)
	if err != nil {
		return Fee{}, fmt.Errorf("%w: %s", ErrInvalidFee, s)
	}
	den, err := strconv.ParseUint(strings.TrimSpace(denS), 10, 64)
	if err != nil {
		return Fee{}, fmt.Errorf("%w: %s", ErrInvalidFee, s)
	}
	return Fee{Numerator: num, Denominator: den}, nil
}

// feeFromDecimal converts s * 10^shift into an exact fraction with a
// power-of-ten denominator.
func feeFromDecimal(s string, shift int32) (Fee, error) {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return Fee{}, fmt.Errorf("%w: %s", ErrInvalidFee, s)
	}
	d = d.Shift(shift)

	scale := -d.Exponent()
	if scale < 0 {
		scale = 0
	}
	if scale > maxFeeScale {
		return Fee{}, fmt.Errorf("%w: more than %d decimal places", ErrInvalidFee, maxFeeScale)
	}
	num := d.Shift(scale)
	if !num.IsInteger() || num.GreaterThanOrEqual(decimal.New(1, maxFeeScale)) {
		return Fee{}, fmt.Errorf("%w: %s", ErrInvalidFee, s)
	}
	return Fee{
		Numerator:   uint64(num.IntPart()),
		Denominator: uint64(decimal.New(1, scale).IntPart()),
	}, nil
}
