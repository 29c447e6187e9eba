package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/meridian/internal/chain"
	"github.com/alanyoungcy/meridian/internal/decision"
	"github.com/alanyoungcy/meridian/internal/domain"
	"github.com/alanyoungcy/meridian/internal/server/middleware"
	"github.com/alanyoungcy/meridian/internal/service"
)

var alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")

// stubService implements DecisionService; unset methods panic.
type stubService struct {
	DecisionService
	create  func(caller common.Address, req decision.CreateRequest) (*decision.Decision, error)
	deposit func(id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error)
	trade   func(id uint64, caller common.Address, req service.TradeRequest) (decision.Trade, error)
	quote   func(id uint64, pid int, kind domain.TradeKind, side domain.Side, amount uint256.Int) (decision.Trade, error)
	account func(id uint64, user common.Address) (decision.Account, error)
}

func (s *stubService) Create(_ context.Context, caller common.Address, req decision.CreateRequest) (*decision.Decision, error) {
	return s.create(caller, req)
}

func (s *stubService) Deposit(_ context.Context, id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error) {
	return s.deposit(id, caller, amount)
}

func (s *stubService) Trade(_ context.Context, id uint64, caller common.Address, req service.TradeRequest) (decision.Trade, error) {
	return s.trade(id, caller, req)
}

func (s *stubService) Quote(_ context.Context, id uint64, pid int, kind domain.TradeKind, side domain.Side, amount uint256.Int) (decision.Trade, error) {
	return s.quote(id, pid, kind, side, amount)
}

func (s *stubService) Account(_ context.Context, id uint64, user common.Address) (decision.Account, error) {
	return s.account(id, user)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serve routes a single request through a mux holding pattern.
func serve(t *testing.T, pattern string, h http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(pattern, h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func asCaller(req *http.Request, addr common.Address) *http.Request {
	return req.WithContext(middleware.WithCaller(req.Context(), addr))
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func engineDecision(t *testing.T, caller common.Address, req decision.CreateRequest) *decision.Decision {
	t.Helper()
	ch, err := decision.NewEngine(decision.DefaultParams()).Create(decision.Call{Caller: caller, Block: 10}, req)
	require.NoError(t, err)
	return ch.Decision
}

func TestCreateDecision(t *testing.T) {
	var got decision.CreateRequest
	svc := &stubService{create: func(caller common.Address, req decision.CreateRequest) (*decision.Decision, error) {
		require.Equal(t, alice, caller)
		got = req
		return engineDecision(t, caller, req), nil
	}}
	h := NewDecisionHandler(svc, discard())

	body := `{"title":"Ship v2?","duration_blocks":100,"virtual_liquidity":"1000000000000000000000",
		"oracle":{"address":"0x000000000000000000000000000000000000000e","guardian":"0x00000000000000000000000000000000000000ff","measurement_period":50,"min_improvement_bps":500}}`
	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/decisions", strings.NewReader(body)), alice)
	rec := serve(t, "POST /api/decisions", h.Create, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, uint64(100), got.DurationBlocks)
	require.Equal(t, "1000000000000000000000", got.VirtualLiquidity.Dec())
	require.NotNil(t, got.Oracle)
	require.Equal(t, uint64(500), got.Oracle.MinImprovementBps)

	out := decodeJSON(t, rec)
	require.Equal(t, "Ship v2?", out["title"])
	require.Equal(t, "B", out["mode"])
	require.Equal(t, "1000000000000000000000", out["virtual_liquidity"])
}

func TestCreateDecisionRejectsBadInput(t *testing.T) {
	h := NewDecisionHandler(&stubService{}, discard())

	req := httptest.NewRequest(http.MethodPost, "/api/decisions", strings.NewReader(`{}`))
	rec := serve(t, "POST /api/decisions", h.Create, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	cases := []string{
		`{"title":"t","duration_blocks":10,"virtual_liquidity":"1.5"}`,
		`{"title":"t","duration_blocks":0,"virtual_liquidity":"1"}`,
		`{"title":"","duration_blocks":10,"virtual_liquidity":"1"}`,
		`{"title":"t","duration_blocks":10,"virtual_liquidity":"1","oracle":{"address":"nope","guardian":"0x00000000000000000000000000000000000000ff","measurement_period":5}}`,
		`{"title":"t","duration_blocks":10,"virtual_liquidity":"1","extra":true}`,
	}
	for _, body := range cases {
		req := asCaller(httptest.NewRequest(http.MethodPost, "/api/decisions", strings.NewReader(body)), alice)
		rec := serve(t, "POST /api/decisions", h.Create, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestDepositMapsErrors(t *testing.T) {
	var next error
	svc := &stubService{deposit: func(id uint64, caller common.Address, amount uint256.Int) (*decision.Decision, error) {
		if next != nil {
			return nil, next
		}
		d := engineDecision(t, caller, decision.CreateRequest{Title: "t", DurationBlocks: 10, VirtualLiquidity: *uint256.NewInt(1)})
		require.NoError(t, d.Deposit(decision.Call{Caller: caller, Block: 11}, amount))
		return d, nil
	}}
	h := NewDecisionHandler(svc, discard())
	do := func() *httptest.ResponseRecorder {
		req := asCaller(httptest.NewRequest(http.MethodPost, "/api/decisions/1/deposit", strings.NewReader(`{"amount":"250"}`)), alice)
		return serve(t, "POST /api/decisions/{id}/deposit", h.Deposit, req)
	}

	rec := do()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "250", decodeJSON(t, rec)["balance"])

	for err, status := range map[error]int{
		fmt.Errorf("decision 1: %w", domain.ErrNotFound):            http.StatusNotFound,
		fmt.Errorf("decision 1: %w", domain.ErrDeadlinePassed):      http.StatusConflict,
		fmt.Errorf("decision 1: %w", domain.ErrInsufficientBalance): http.StatusUnprocessableEntity,
		fmt.Errorf("decision 1: %w", domain.ErrUnauthorized):        http.StatusForbidden,
		errors.New("connection refused"):                            http.StatusInternalServerError,
	} {
		next = err
		rec := do()
		require.Equal(t, status, rec.Code, err.Error())
		if status == http.StatusInternalServerError {
			require.NotContains(t, rec.Body.String(), "connection refused")
		}
	}
}

func TestTradeParsesRequest(t *testing.T) {
	var got service.TradeRequest
	svc := &stubService{trade: func(id uint64, caller common.Address, req service.TradeRequest) (decision.Trade, error) {
		got = req
		return decision.Trade{DecisionID: id, ProposalID: req.ProposalID, Kind: req.Kind, Side: req.Side,
			AmountIn: req.Amount, AmountOut: *uint256.NewInt(90), Fee: *uint256.NewInt(1), NewWelfare: 5100}, nil
	}}
	h := NewDecisionHandler(svc, discard())
	pattern := "POST /api/decisions/{id}/proposals/{pid}/buy"

	req := asCaller(httptest.NewRequest(http.MethodPost, "/api/decisions/3/proposals/2/buy",
		strings.NewReader(`{"amount":"100"}`)), alice)
	rec := serve(t, pattern, h.Trade(domain.TradeBuy), req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = asCaller(httptest.NewRequest(http.MethodPost, "/api/decisions/3/proposals/2/buy",
		strings.NewReader(`{"side":"yes","amount":"100","min_out":"80"}`)), alice)
	rec = serve(t, pattern, h.Trade(domain.TradeBuy), req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, domain.TradeBuy, got.Kind)
	require.Equal(t, 2, got.ProposalID)
	require.Equal(t, domain.SideYes, got.Side)
	require.Equal(t, uint64(80), got.MinOut.Uint64())

	out := decodeJSON(t, rec)
	require.Equal(t, "90", out["amount_out"])
	require.Equal(t, float64(5100), out["new_welfare"])

	req = asCaller(httptest.NewRequest(http.MethodPost, "/api/decisions/3/proposals/2/split",
		strings.NewReader(`{"amount":"100"}`)), alice)
	rec = serve(t, "POST /api/decisions/{id}/proposals/{pid}/split", h.Trade(domain.TradeSplit), req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, domain.TradeSplit, got.Kind)
}

func TestQuoteAndAccount(t *testing.T) {
	svc := &stubService{
		quote: func(id uint64, pid int, kind domain.TradeKind, side domain.Side, amount uint256.Int) (decision.Trade, error) {
			require.Equal(t, domain.TradeSwap, kind)
			require.Equal(t, domain.SideNo, side)
			return decision.Trade{DecisionID: id, ProposalID: pid, Kind: kind, Side: side, AmountIn: amount, AmountOut: *uint256.NewInt(7)}, nil
		},
		account: func(id uint64, user common.Address) (decision.Account, error) {
			a := decision.Account{Positions: map[int]*decision.Position{
				1: {YesBalance: *uint256.NewInt(3)},
				0: {NoBalance: *uint256.NewInt(4)},
			}}
			a.Balance.SetUint64(12)
			return a, nil
		},
	}
	h := NewDecisionHandler(svc, discard())

	req := httptest.NewRequest(http.MethodGet, "/api/decisions/1/proposals/0/quote?kind=swap&side=no&amount=10", nil)
	rec := serve(t, "GET /api/decisions/{id}/proposals/{pid}/quote", h.Quote, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "7", decodeJSON(t, rec)["amount_out"])

	req = httptest.NewRequest(http.MethodGet, "/api/decisions/1/proposals/0/quote?side=maybe&amount=10", nil)
	rec = serve(t, "GET /api/decisions/{id}/proposals/{pid}/quote", h.Quote, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/decisions/1/accounts/"+alice.Hex(), nil)
	rec = serve(t, "GET /api/decisions/{id}/accounts/{address}", h.Account, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct accountView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	require.Equal(t, "12", acct.Balance)
	require.Len(t, acct.Positions, 2)
	require.Equal(t, 0, acct.Positions[0].ProposalID)

	req = httptest.NewRequest(http.MethodGet, "/api/decisions/1/accounts/bob", nil)
	rec = serve(t, "GET /api/decisions/{id}/accounts/{address}", h.Account, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/decisions/0/accounts/"+alice.Hex(), nil)
	rec = serve(t, "GET /api/decisions/{id}/accounts/{address}", h.Account, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetOracleMetric(t *testing.T) {
	reg := chain.NewRegistry(nil)
	addr := common.HexToAddress("0x000000000000000000000000000000000000000e")
	feed := reg.RegisterMemory(addr)
	h := NewOracleHandler(reg, chain.NewManualClock(77), discard())
	pattern := "POST /api/oracles/{address}/metric"

	req := httptest.NewRequest(http.MethodPost, "/api/oracles/"+addr.Hex()+"/metric", strings.NewReader(`{"metric":"1234"}`))
	rec := serve(t, pattern, h.SetMetric, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m, _ := feed.Metric(context.Background())
	at, _ := feed.LastUpdated(context.Background())
	require.Equal(t, uint64(1234), m.Uint64())
	require.Equal(t, uint64(77), at)

	req = httptest.NewRequest(http.MethodPost, "/api/oracles/"+addr.Hex()+"/metric", strings.NewReader(`{"metric":"5","block":90}`))
	rec = serve(t, pattern, h.SetMetric, req)
	require.Equal(t, http.StatusOK, rec.Code)
	at, _ = feed.LastUpdated(context.Background())
	require.Equal(t, uint64(90), at)

	other := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	req = httptest.NewRequest(http.MethodPost, "/api/oracles/"+other.Hex()+"/metric", strings.NewReader(`{"metric":"5"}`))
	rec = serve(t, pattern, h.SetMetric, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(chain.NewManualClock(12), "full", discard())
	rec := serve(t, "GET /api/health", h.HealthCheck, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeJSON(t, rec)
	require.Equal(t, "ok", out["status"])
	require.Equal(t, float64(12), out["block"])
	require.Equal(t, "full", out["mode"])
}

func TestErrorStatus(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, errorStatus(domain.ErrZeroAmount))
	require.Equal(t, http.StatusUnprocessableEntity, errorStatus(domain.ErrSlippageExceeded))
	require.Equal(t, http.StatusUnprocessableEntity, errorStatus(domain.ErrStaleOracle))
	require.Equal(t, http.StatusConflict, errorStatus(domain.ErrAlreadySettled))
	require.Equal(t, http.StatusConflict, errorStatus(domain.ErrLockHeld))
	require.Equal(t, http.StatusTooManyRequests, errorStatus(domain.ErrRateLimited))
}
