package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atmx/pool-engine/internal/engine"
	"github.com/atmx/pool-engine/internal/guard"
	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/pair"
	"github.com/atmx/pool-engine/internal/store"
)

var (
	// ErrFaucetDisabled is returned by Fund unless the faucet is enabled.
	ErrFaucetDisabled = errors.New("trade: faucet disabled")

	// ErrInvalidRequest is returned for malformed bodies and query strings.
	ErrInvalidRequest = errors.New("trade: invalid request")
)

// errorClass maps a sentinel to its HTTP status and stable error code.
type errorClass struct {
	err    error
	status int
	code   string
}

// Order matters: ErrTransferFailed wraps the ledger cause, so it must be
// matched before the ledger sentinels.
var errorClasses = []errorClass{
	{store.ErrNotFound, http.StatusNotFound, "POOL_NOT_FOUND"},
	{ErrFaucetDisabled, http.StatusForbidden, "FAUCET_DISABLED"},
	{ErrInvalidRequest, http.StatusBadRequest, "INVALID_REQUEST"},
	{engine.ErrTransferFailed, http.StatusPaymentRequired, "TRANSFER_FAILED"},
	{engine.ErrZeroAmount, http.StatusBadRequest, "ZERO_AMOUNT"},
	{engine.ErrInvalidFeeRate, http.StatusBadRequest, "INVALID_FEE_RATE"},
	{engine.ErrInvalidDirection, http.StatusBadRequest, "INVALID_DIRECTION"},
	{engine.ErrInvalidCaller, http.StatusBadRequest, "INVALID_OWNER"},
	{pair.ErrInvalidPair, http.StatusBadRequest, "INVALID_PAIR"},
	{pair.ErrSameAsset, http.StatusBadRequest, "INVALID_PAIR"},
	{pair.ErrInvalidFee, http.StatusBadRequest, "INVALID_FEE_RATE"},
	{ledger.ErrInvalidAccount, http.StatusBadRequest, "INVALID_ACCOUNT"},
	{engine.ErrAlreadyInitialized, http.StatusConflict, "ALREADY_INITIALIZED"},
	{engine.ErrNotInitialized, http.StatusConflict, "NOT_INITIALIZED"},
	{store.ErrPoolExists, http.StatusConflict, "POOL_EXISTS"},
	{engine.ErrRatioMismatch, http.StatusConflict, "RATIO_MISMATCH"},
	{engine.ErrInsufficientShares, http.StatusConflict, "INSUFFICIENT_SHARES"},
	{engine.ErrInsufficientLiquidity, http.StatusConflict, "INSUFFICIENT_LIQUIDITY"},
	{engine.ErrSlippageExceeded, http.StatusConflict, "SLIPPAGE_EXCEEDED"},
	{guard.ErrPriceImpactExceeded, http.StatusConflict, "PRICE_IMPACT_EXCEEDED"},
	{guard.ErrReserveShareExceeded, http.StatusConflict, "RESERVE_SHARE_EXCEEDED"},
	{engine.ErrArithmeticOverflow, http.StatusUnprocessableEntity, "ARITHMETIC_OVERFLOW"},
	{ledger.ErrBalanceOverflow, http.StatusUnprocessableEntity, "ARITHMETIC_OVERFLOW"},
}

// errorStatus classifies err; unknown errors are internal.
func errorStatus(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.err) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "code": code})
}

// writeErr classifies err and writes it. Internal errors are not echoed.
func writeErr(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, msg, code, status)
}
