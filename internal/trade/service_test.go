package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/pool-engine/internal/guard"
	"github.com/atmx/pool-engine/internal/ledger"
	"github.com/atmx/pool-engine/internal/model"
	"github.com/atmx/pool-engine/internal/pair"
	"github.com/atmx/pool-engine/internal/reservemath"
	"github.com/atmx/pool-engine/internal/store"
	"github.com/atmx/pool-engine/internal/trade"
)

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, g *guard.ImpactGuard, opts ...trade.Option) (*trade.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := trade.NewService(ms, g, nil, opts...)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)

	return svc, ms, r
}

func fund(t *testing.T, ms *store.MemoryStore, owner string, sol, usdc uint64) {
	t.Helper()
	ctx := context.Background()
	if err := ms.Fund(ctx, ledger.Account{Owner: owner, Asset: "SOL"}, sol); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := ms.Fund(ctx, ledger.Account{Owner: owner, Asset: "USDC"}, usdc); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	body := decodeBody[map[string]string](t, w)
	if body["code"] != code {
		t.Errorf("expected code %s, got %s (%s)", code, body["code"], body["error"])
	}
}

// seedPool creates a 1000/1000 SOL-USDC pool at 0.3% owned by alice.
func seedPool(t *testing.T, ms *store.MemoryStore, router chi.Router) string {
	t.Helper()
	fund(t, ms, "alice", 1_000_000, 1_000_000)
	w := do(t, router, "POST", "/api/v1/pools", trade.CreatePoolRequest{
		Owner: "alice", Pair: "SOL-USDC", AmountA: 1000, AmountB: 1000, Fee: "3/1000",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeBody[trade.OperationResponse](t, w).Pool.ID
}

// --- Pool creation ---

func TestCreatePool(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	fund(t, ms, "alice", 1000, 4000)

	w := do(t, router, "POST", "/api/v1/pools", trade.CreatePoolRequest{
		Owner: "alice", Pair: "sol-usdc", AmountA: 1000, AmountB: 4000,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	resp := decodeBody[trade.OperationResponse](t, w)
	if resp.Receipt.Shares != 2000 {
		t.Errorf("expected 2000 shares, got %d", resp.Receipt.Shares)
	}
	if resp.Pool.Pair != "SOL-USDC" {
		t.Errorf("expected pair SOL-USDC, got %s", resp.Pool.Pair)
	}
	if resp.Pool.FeeNumerator != pair.DefaultFee.Numerator || resp.Pool.FeeDenominator != pair.DefaultFee.Denominator {
		t.Errorf("expected default fee, got %d/%d", resp.Pool.FeeNumerator, resp.Pool.FeeDenominator)
	}
	if resp.Pool.PriceA.String() != "4" {
		t.Errorf("expected price_a=4, got %s", resp.Pool.PriceA)
	}
	if resp.Pool.Status != model.StatusActive {
		t.Errorf("expected active pool, got %s", resp.Pool.Status)
	}
}

func TestCreatePool_RawJSONAmountsAreStrings(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	fund(t, ms, "alice", 10, 10)

	req := httptest.NewRequest("POST", "/api/v1/pools", bytes.NewBufferString(
		`{"owner":"alice","pair":"SOL-USDC","amount_a":"10","amount_b":"10","fee":"30bps"}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var raw map[string]map[string]any
	json.Unmarshal(w.Body.Bytes(), &raw)
	if _, ok := raw["pool"]["reserve_a"].(string); !ok {
		t.Errorf("reserve_a should be a JSON string, got %T", raw["pool"]["reserve_a"])
	}
}

func TestCreatePool_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		req    trade.CreatePoolRequest
		status int
		code   string
	}{
		{"bad pair", trade.CreatePoolRequest{Owner: "alice", Pair: "SOLUSDC", AmountA: 1, AmountB: 1}, 400, "INVALID_PAIR"},
		{"same asset", trade.CreatePoolRequest{Owner: "alice", Pair: "SOL-SOL", AmountA: 1, AmountB: 1}, 400, "INVALID_PAIR"},
		{"fee too high", trade.CreatePoolRequest{Owner: "alice", Pair: "SOL-USDC", AmountA: 1, AmountB: 1, Fee: "100%"}, 400, "INVALID_FEE_RATE"},
		{"zero amount", trade.CreatePoolRequest{Owner: "alice", Pair: "SOL-USDC", AmountA: 0, AmountB: 1}, 400, "ZERO_AMOUNT"},
		{"no owner", trade.CreatePoolRequest{Pair: "SOL-USDC", AmountA: 1, AmountB: 1}, 400, "INVALID_OWNER"},
		{"unfunded", trade.CreatePoolRequest{Owner: "alice", Pair: "SOL-USDC", AmountA: 1000, AmountB: 1}, 402, "TRANSFER_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms, router := newTestEnv(t, nil)
			fund(t, ms, "alice", 10, 10)

			w := do(t, router, "POST", "/api/v1/pools", tt.req)
			expectError(t, w, tt.status, tt.code)

			acct, err := svc.Account(context.Background(), "alice")
			if err != nil {
				t.Fatal(err)
			}
			if acct.Balances["SOL"] != 10 || acct.Balances["USDC"] != 10 {
				t.Errorf("balances moved on rejected create: %v", acct.Balances)
			}
		})
	}
}

func TestCreatePool_InvalidBody(t *testing.T) {
	_, _, router := newTestEnv(t, nil)
	req := httptest.NewRequest("POST", "/api/v1/pools", bytes.NewBufferString(`{"amount_a": 10}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	expectError(t, w, http.StatusBadRequest, "INVALID_REQUEST")
}

// --- Swaps ---

func TestSwap(t *testing.T) {
	svc, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)
	fund(t, ms, "bob", 100, 0)

	w := do(t, router, "POST", "/api/v1/pools/"+poolID+"/swap", trade.SwapRequest{
		Owner: "bob", Direction: model.AToB, AmountIn: 100, MinAmountOut: 90,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[trade.OperationResponse](t, w)
	if resp.Receipt.AmountOut != 90 {
		t.Errorf("expected amount_out=90, got %d", resp.Receipt.AmountOut)
	}
	if resp.Pool.ReserveA != 1100 || resp.Pool.ReserveB != 910 {
		t.Errorf("expected reserves 1100/910, got %d/%d", resp.Pool.ReserveA, resp.Pool.ReserveB)
	}

	acct, _ := svc.Account(context.Background(), "bob")
	if acct.Balances["USDC"] != 90 {
		t.Errorf("expected bob to hold 90 USDC, got %d", acct.Balances["USDC"])
	}
	if acct.Balances["SOL"] != 0 {
		t.Errorf("expected bob to hold 0 SOL, got %d", acct.Balances["SOL"])
	}
}

func TestSwap_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		req    trade.SwapRequest
		status int
		code   string
	}{
		{"slippage", trade.SwapRequest{Owner: "bob", Direction: model.AToB, AmountIn: 100, MinAmountOut: 91}, 409, "SLIPPAGE_EXCEEDED"},
		{"bad direction", trade.SwapRequest{Owner: "bob", Direction: "UP", AmountIn: 100}, 400, "INVALID_DIRECTION"},
		{"zero amount", trade.SwapRequest{Owner: "bob", Direction: model.AToB}, 400, "ZERO_AMOUNT"},
		{"dust", trade.SwapRequest{Owner: "bob", Direction: model.AToB, AmountIn: 1}, 409, "INSUFFICIENT_LIQUIDITY"},
		{"unfunded", trade.SwapRequest{Owner: "bob", Direction: model.BToA, AmountIn: 100}, 402, "TRANSFER_FAILED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ms, router := newTestEnv(t, nil)
			poolID := seedPool(t, ms, router)
			fund(t, ms, "bob", 100, 0)

			w := do(t, router, "POST", "/api/v1/pools/"+poolID+"/swap", tt.req)
			expectError(t, w, tt.status, tt.code)

			view, _ := svc.Pool(context.Background(), poolID)
			if view.ReserveA != 1000 || view.ReserveB != 1000 {
				t.Errorf("pool moved on rejected swap: %d/%d", view.ReserveA, view.ReserveB)
			}
			acct, _ := svc.Account(context.Background(), "bob")
			if acct.Balances["SOL"] != 100 {
				t.Errorf("bob's SOL moved on rejected swap: %d", acct.Balances["SOL"])
			}
		})
	}
}

func TestSwap_ImpactGuard(t *testing.T) {
	_, ms, router := newTestEnv(t, guard.NewImpactGuard(1500, 0))
	poolID := seedPool(t, ms, router)
	fund(t, ms, "bob", 1000, 0)

	// 300 in against 1000/1000 returns 230, a 23% shortfall from spot.
	w := do(t, router, "POST", "/api/v1/pools/"+poolID+"/swap", trade.SwapRequest{
		Owner: "bob", Direction: model.AToB, AmountIn: 300,
	})
	expectError(t, w, http.StatusConflict, "PRICE_IMPACT_EXCEEDED")

	// 100 in returns 90, a 10% shortfall.
	w = do(t, router, "POST", "/api/v1/pools/"+poolID+"/swap", trade.SwapRequest{
		Owner: "bob", Direction: model.AToB, AmountIn: 100,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("swap within the limit should pass, got %d: %s", w.Code, w.Body.String())
	}
}

func TestSwap_ConcurrentKeepsInvariants(t *testing.T) {
	svc, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)

	const traders = 8
	for i := 0; i < traders; i++ {
		fund(t, ms, fmt.Sprintf("trader%d", i), 10_000, 10_000)
	}

	ctx := context.Background()
	var wg sync.WaitGroup
	var committed atomic.Int64
	for i := 0; i < traders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("trader%d", i)
			dir := model.AToB
			if i%2 == 1 {
				dir = model.BToA
			}
			for j := 0; j < 20; j++ {
				if _, _, err := svc.Swap(ctx, poolID, owner, dir, uint64(5+j), 0); err == nil {
					committed.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	view, err := svc.Pool(ctx, poolID)
	if err != nil {
		t.Fatal(err)
	}
	if reservemath.Product(view.ReserveA, view.ReserveB).Lt(reservemath.Product(1000, 1000)) {
		t.Errorf("product decreased: %d*%d", view.ReserveA, view.ReserveB)
	}

	custody, _ := ms.GetBalances(ctx, "pool:"+poolID)
	if custody["SOL"] != view.ReserveA || custody["USDC"] != view.ReserveB {
		t.Errorf("custody %v does not match reserves %d/%d", custody, view.ReserveA, view.ReserveB)
	}

	// Every unit funded is still held by someone.
	var totalSOL, totalUSDC uint64
	for _, owner := range []string{"alice", "pool:" + poolID} {
		b, _ := ms.GetBalances(ctx, owner)
		totalSOL += b["SOL"]
		totalUSDC += b["USDC"]
	}
	for i := 0; i < traders; i++ {
		b, _ := ms.GetBalances(ctx, fmt.Sprintf("trader%d", i))
		totalSOL += b["SOL"]
		totalUSDC += b["USDC"]
	}
	want := uint64(1_000_000 + traders*10_000)
	if totalSOL != want || totalUSDC != want {
		t.Errorf("supply not conserved: SOL %d USDC %d, want %d", totalSOL, totalUSDC, want)
	}

	events, _ := svc.History(ctx, poolID)
	swaps := 0
	for _, e := range events {
		if e.Kind == model.KindSwap {
			swaps++
		}
	}
	if int64(swaps) != committed.Load() {
		t.Errorf("expected %d swap events, got %d", committed.Load(), swaps)
	}
	if swaps == 0 {
		t.Error("expected some swaps to commit")
	}
}

// --- Quotes ---

func TestQuote(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)

	w := do(t, router, "GET", "/api/v1/pools/"+poolID+"/quote?direction=A_TO_B&amount_in=100&slippage_bps=50", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	q := decodeBody[model.Quote](t, w)
	if q.AmountOut != 90 {
		t.Errorf("expected amount_out=90, got %d", q.AmountOut)
	}
	if q.MinimumReceived != 89 {
		t.Errorf("expected minimum_received=89, got %d", q.MinimumReceived)
	}
	if q.PriceImpact.String() != "0.1" {
		t.Errorf("expected price_impact=0.1, got %s", q.PriceImpact)
	}
}

func TestQuote_DefaultSlippage(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)

	w := do(t, router, "GET", "/api/v1/pools/"+poolID+"/quote?direction=B_TO_A&amount_in=100", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	q := decodeBody[model.Quote](t, w)
	if q.SlippageBps != trade.DefaultSlippageBps {
		t.Errorf("expected default slippage %d, got %d", trade.DefaultSlippageBps, q.SlippageBps)
	}
}

func TestQuote_InvalidAmount(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)

	w := do(t, router, "GET", "/api/v1/pools/"+poolID+"/quote?direction=A_TO_B&amount_in=-5", nil)
	expectError(t, w, http.StatusBadRequest, "INVALID_REQUEST")
}

// --- Liquidity ---

func TestProvisionAndWithdraw(t *testing.T) {
	svc, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)
	fund(t, ms, "bob", 500, 800)

	w := do(t, router, "POST", "/api/v1/pools/"+poolID+"/provision", trade.ProvisionRequest{
		Owner: "bob", AmountA: 500, AmountB: 800,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody[trade.OperationResponse](t, w)
	if resp.Receipt.AmountB != 500 || resp.Receipt.Shares != 500 {
		t.Errorf("expected 500 USDC accepted for 500 shares, got %d for %d", resp.Receipt.AmountB, resp.Receipt.Shares)
	}

	acct, _ := svc.Account(context.Background(), "bob")
	if len(acct.Positions) != 1 {
		t.Fatalf("expected one position, got %d", len(acct.Positions))
	}
	pos := acct.Positions[0]
	if pos.Shares != 500 || pos.AmountA != 500 || pos.AmountB != 500 {
		t.Errorf("unexpected position %+v", pos)
	}
	if pos.PoolShare.String() != "0.33333333" {
		t.Errorf("expected pool_share=0.33333333, got %s", pos.PoolShare)
	}

	w = do(t, router, "POST", "/api/v1/pools/"+poolID+"/withdraw", trade.WithdrawRequest{Owner: "bob", Shares: 501})
	expectError(t, w, http.StatusConflict, "INSUFFICIENT_SHARES")

	w = do(t, router, "POST", "/api/v1/pools/"+poolID+"/withdraw", trade.WithdrawRequest{Owner: "bob", Shares: 500})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	acct, _ = svc.Account(context.Background(), "bob")
	if acct.Balances["SOL"] != 500 || acct.Balances["USDC"] != 800 {
		t.Errorf("expected bob back at 500/800, got %v", acct.Balances)
	}
	if len(acct.Positions) != 0 {
		t.Errorf("expected no positions after full withdraw, got %d", len(acct.Positions))
	}

	// The rejected withdraw rolled back and left no event.
	w = do(t, router, "GET", "/api/v1/accounts/bob", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	activity := decodeBody[model.Account](t, w).Activity
	if len(activity) != 2 {
		t.Fatalf("expected 2 activity entries, got %d", len(activity))
	}
	if activity[0].Kind != model.KindProvision || activity[1].Kind != model.KindWithdraw {
		t.Errorf("unexpected activity kinds %s, %s", activity[0].Kind, activity[1].Kind)
	}
	if activity[1].PoolID != poolID || activity[1].Shares != 500 {
		t.Errorf("unexpected withdraw event %+v", activity[1])
	}
}

func TestAccount_EmptyActivity(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	w := do(t, router, "GET", "/api/v1/accounts/nobody", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["activity"]) != "[]" || string(raw["positions"]) != "[]" {
		t.Errorf("expected empty arrays, got activity=%s positions=%s", raw["activity"], raw["positions"])
	}
}

func TestProvision_RatioMismatch(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)
	fund(t, ms, "bob", 1, 1)

	// Skew the pool to 1500/668 so one unit of SOL is worth less than a
	// share and a 1/1 deposit cannot mint anything.
	w := do(t, router, "POST", "/api/v1/pools/"+poolID+"/swap", trade.SwapRequest{
		Owner: "alice", Direction: model.AToB, AmountIn: 500,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("swap: %d %s", w.Code, w.Body.String())
	}

	w = do(t, router, "POST", "/api/v1/pools/"+poolID+"/provision", trade.ProvisionRequest{
		Owner: "bob", AmountA: 1, AmountB: 1,
	})
	expectError(t, w, http.StatusConflict, "RATIO_MISMATCH")
}

// --- Queries ---

func TestHistory(t *testing.T) {
	_, ms, router := newTestEnv(t, nil)
	poolID := seedPool(t, ms, router)
	fund(t, ms, "bob", 100, 0)
	do(t, router, "POST", "/api/v1/pools/"+poolID+"/swap", trade.SwapRequest{
		Owner: "bob", Direction: model.AToB, AmountIn: 100,
	})

	w := do(t, router, "GET", "/api/v1/pools/"+poolID+"/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	events := decodeBody[[]model.Event](t, w)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != model.KindCreate || events[1].Kind != model.KindSwap {
		t.Errorf("unexpected kinds %s, %s", events[0].Kind, events[1].Kind)
	}
	if events[1].ReserveA != 1100 || events[1].AmountOut != 90 {
		t.Errorf("unexpected swap event %+v", events[1])
	}
}

func TestUnknownPool(t *testing.T) {
	_, _, router := newTestEnv(t, nil)

	for _, path := range []string{"/api/v1/pools/nope", "/api/v1/pools/nope/history", "/api/v1/pools/nope/quote?direction=A_TO_B&amount_in=1"} {
		w := do(t, router, "GET", path, nil)
		expectError(t, w, http.StatusNotFound, "POOL_NOT_FOUND")
	}
	w := do(t, router, "POST", "/api/v1/pools/nope/swap", trade.SwapRequest{Owner: "bob", Direction: model.AToB, AmountIn: 1})
	expectError(t, w, http.StatusNotFound, "POOL_NOT_FOUND")
}

// --- Faucet ---

func TestFund(t *testing.T) {
	_, _, router := newTestEnv(t, nil, trade.WithFaucet(true))

	w := do(t, router, "POST", "/api/v1/accounts/carol/fund", trade.FundRequest{Asset: "sol", Amount: 42})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	acct := decodeBody[model.Account](t, w)
	if acct.Balances["SOL"] != 42 {
		t.Errorf("expected 42 SOL, got %d", acct.Balances["SOL"])
	}

	w = do(t, router, "POST", "/api/v1/accounts/carol/fund", trade.FundRequest{Asset: "LP-x", Amount: 1})
	expectError(t, w, http.StatusBadRequest, "INVALID_ACCOUNT")
}

func TestFund_Disabled(t *testing.T) {
	_, _, router := newTestEnv(t, nil)
	w := do(t, router, "POST", "/api/v1/accounts/carol/fund", trade.FundRequest{Asset: "SOL", Amount: 1})
	expectError(t, w, http.StatusForbidden, "FAUCET_DISABLED")
}
