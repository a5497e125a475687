package trade

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/pool-engine/internal/engine"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/pair"
)

// --- Request/Response types ---

// CreatePoolRequest is the JSON body for POST /pools.
type CreatePoolRequest struct {
	Owner   string `json:"owner"`
	Pair    string `json:"pair"` // BASE-QUOTE, e.g. SOL-USDC
	AmountA uint64 `json:"amount_a,string"`
	AmountB uint64 `json:"amount_b,string"`
	Fee     string `json:"fee"` // "30bps", "0.3%", "3/1000"; empty → 30 bps
}

// ProvisionRequest is the JSON body for POST /pools/{poolID}/provision.
type ProvisionRequest struct {
	Owner   string `json:"owner"`
	AmountA uint64 `json:"amount_a,string"`
	AmountB uint64 `json:"amount_b,string"`
}

// WithdrawRequest is the JSON body for POST /pools/{poolID}/withdraw.
type WithdrawRequest struct {
	Owner  string `json:"owner"`
	Shares uint64 `json:"shares,string"`
}

// SwapRequest is the JSON body for POST /pools/{poolID}/swap.
type SwapRequest struct {
	Owner        string          `json:"owner"`
	Direction    model.Direction `json:"direction"` // A_TO_B or B_TO_A
	AmountIn     uint64          `json:"amount_in,string"`
	MinAmountOut uint64          `json:"min_amount_out,string"`
}

// FundRequest is the JSON body for POST /accounts/{owner}/fund.
type FundRequest struct {
	Asset  string `json:"asset"`
	Amount uint64 `json:"amount,string"`
}

// OperationResponse is returned by every pool mutation.
type OperationResponse struct {
	Receipt model.Receipt   `json:"receipt"`
	Pool    *model.PoolView `json:"pool"`
}

// Routes mounts the pool and account endpoints on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/pools", s.HandleCreatePool)
	r.Get("/pools/{poolID}", s.HandleGetPool)
	r.Get("/pools/{poolID}/quote", s.HandleQuote)
	r.Post("/pools/{poolID}/provision", s.HandleProvision)
	r.Post("/pools/{poolID}/withdraw", s.HandleWithdraw)
	r.Post("/pools/{poolID}/swap", s.HandleSwap)
	r.Get("/pools/{poolID}/history", s.HandleHistory)
	r.Get("/accounts/{owner}", s.HandleGetAccount)
	r.Post("/accounts/{owner}/fund", s.HandleFund)
}

// --- HTTP Handlers ---

// HandleCreatePool handles POST /api/v1/pools
func (s *Service) HandleCreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if !decode(w, r, &req) {
		return
	}

	p, err := pair.Parse(req.Pair)
	if err != nil {
		writeErr(w, err)
		return
	}
	fee, err := pair.ParseFee(req.Fee)
	if err != nil {
		writeErr(w, err)
		return
	}

	pool, receipt, err := s.CreatePool(r.Context(), req.Owner, p, fee, req.AmountA, req.AmountB)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OperationResponse{Receipt: *receipt, Pool: engine.View(pool)})
}

// HandleGetPool handles GET /api/v1/pools/{poolID}
func (s *Service) HandleGetPool(w http.ResponseWriter, r *http.Request) {
	view, err := s.Pool(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleQuote handles GET /api/v1/pools/{poolID}/quote
// Query: direction, amount_in, slippage_bps (default 100).
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	amountIn, err := parseUint(q.Get("amount_in"), "amount_in")
	if err != nil {
		writeErr(w, err)
		return
	}
	slippage := uint64(DefaultSlippageBps)
	if raw := q.Get("slippage_bps"); raw != "" {
		if slippage, err = parseUint(raw, "slippage_bps"); err != nil {
			writeErr(w, err)
			return
		}
	}

	quote, err := s.Quote(r.Context(), chi.URLParam(r, "poolID"), model.Direction(q.Get("direction")), amountIn, slippage)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// HandleProvision handles POST /api/v1/pools/{poolID}/provision
func (s *Service) HandleProvision(w http.ResponseWriter, r *http.Request) {
	var req ProvisionRequest
	if !decode(w, r, &req) {
		return
	}
	pool, receipt, err := s.Provision(r.Context(), chi.URLParam(r, "poolID"), req.Owner, req.AmountA, req.AmountB)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Receipt: *receipt, Pool: engine.View(pool)})
}

// HandleWithdraw handles POST /api/v1/pools/{poolID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decode(w, r, &req) {
		return
	}
	pool, receipt, err := s.Withdraw(r.Context(), chi.URLParam(r, "poolID"), req.Owner, req.Shares)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Receipt: *receipt, Pool: engine.View(pool)})
}

// HandleSwap handles POST /api/v1/pools/{poolID}/swap
func (s *Service) HandleSwap(w http.ResponseWriter, r *http.Request) {
	var req SwapRequest
	if !decode(w, r, &req) {
		return
	}
	pool, receipt, err := s.Swap(r.Context(), chi.URLParam(r, "poolID"), req.Owner, req.Direction, req.AmountIn, req.MinAmountOut)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, OperationResponse{Receipt: *receipt, Pool: engine.View(pool)})
}

// HandleHistory handles GET /api/v1/pools/{poolID}/history
// Returns the pool's immutable event log, oldest first.
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.History(r.Context(), chi.URLParam(r, "poolID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleGetAccount handles GET /api/v1/accounts/{owner}
// Returns balances, liquidity positions and activity.
func (s *Service) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.Account(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// HandleFund handles POST /api/v1/accounts/{owner}/fund
func (s *Service) HandleFund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if !decode(w, r, &req) {
		return
	}
	owner := chi.URLParam(r, "owner")
	if err := s.Fund(r.Context(), owner, req.Asset, req.Amount); err != nil {
		writeErr(w, err)
		return
	}
	acct, err := s.Account(r.Context(), owner)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// --- helpers ---

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

func parseUint(raw, name string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an unsigned integer", ErrInvalidRequest, name)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}
