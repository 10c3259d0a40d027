package tradeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/champfutures/marketd/pkg/market"
	"github.com/champfutures/marketd/pkg/marketstore"
)

const Epsilon = 1e-5

func withinEpsilon(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

func newTestAPI(t *testing.T, cfg Config) (http.Handler, *marketstore.Store) {
	t.Helper()
	mcfg := marketstore.Config{
		DBMigrationsPath: "file://../marketstore/migrations",
		DBPath:           filepath.Join(t.TempDir(), "markets.db"),
	}
	marketstore.EnsureMigrations(&mcfg)
	store, err := marketstore.NewStore(mcfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return NewRouter(cfg, store, zerolog.Nop()), store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func createPool(t *testing.T, h http.Handler, participants []string) *market.Pool {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/pools", CreatePoolRequest{
		SeasonID:     "season-2026",
		Type:         "championship",
		Liquidity:    100,
		Participants: participants,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create pool: %d %s", rec.Code, rec.Body.String())
	}
	pool := decode[*market.Pool](t, rec)
	return pool
}

func TestCreateAndGetPool(t *testing.T) {
	is := is.New(t)
	h, _ := newTestAPI(t, Config{})

	pool := createPool(t, h, []string{"redhawks", "mariners"})
	is.Equal(len(pool.Outcomes), 2)
	is.True(withinEpsilon(pool.Outcomes[0].Price, 0.5))

	rec := doJSON(t, h, http.MethodGet, "/api/pools/"+pool.ID, nil)
	is.Equal(rec.Code, http.StatusOK)
	got := decode[*market.Pool](t, rec)
	is.Equal(got.ID, pool.ID)
	is.Equal(got.Status, market.PoolActive)

	rec = doJSON(t, h, http.MethodGet, "/api/pools/nosuchpool", nil)
	is.Equal(rec.Code, http.StatusNotFound)
}

func TestQuoteBuyAmount(t *testing.T) {
	is := is.New(t)
	h, _ := newTestAPI(t, Config{})
	pool := createPool(t, h, []string{"redhawks", "mariners"})

	rec := doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/quote", QuoteRequest{
		OutcomeID: pool.Outcomes[0].ID,
		Side:      "buy",
		Amount:    50,
	})
	is.Equal(rec.Code, http.StatusOK)
	q := decode[QuoteResponse](t, rec)
	is.True(q.Valid)
	is.True(withinEpsilon(q.Cost, 28.092980362016135))
	is.True(withinEpsilon(q.NewPrice, 0.6224593312018546))
	is.True(q.AveragePrice > 0.5 && q.AveragePrice < q.NewPrice)
}

func TestQuoteBuyBudget(t *testing.T) {
	is := is.New(t)
	h, _ := newTestAPI(t, Config{})
	pool := createPool(t, h, []string{"redhawks", "mariners"})

	rec := doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/quote", QuoteRequest{
		OutcomeID: pool.Outcomes[0].ID,
		Side:      "buy",
		Budget:    10,
	})
	is.Equal(rec.Code, http.StatusOK)
	q := decode[QuoteResponse](t, rec)
	is.True(q.Valid)
	is.True(q.Shares > 0)
	is.True(q.Cost <= 10)
}

func TestQuoteInsufficientBalance(t *testing.T) {
	is := is.New(t)
	h, store := newTestAPI(t, Config{})
	is.NoErr(store.CreateUser(context.Background(), "alice", 5))
	pool := createPool(t, h, []string{"redhawks", "mariners"})

	rec := doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/quote", QuoteRequest{
		UserID:    "alice",
		OutcomeID: pool.Outcomes[0].ID,
		Side:      "buy",
		Amount:    50,
	})
	// a business rejection is a 200 with valid=false, not an HTTP error
	is.Equal(rec.Code, http.StatusOK)
	q := decode[QuoteResponse](t, rec)
	is.True(!q.Valid)
	is.Equal(q.Error, "Insufficient balance")
	is.True(withinEpsilon(q.Cost, 28.092980362016135))
}

func TestQuoteBadRequests(t *testing.T) {
	is := is.New(t)
	h, _ := newTestAPI(t, Config{})
	pool := createPool(t, h, []string{"redhawks", "mariners"})

	rec := doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/quote", QuoteRequest{
		OutcomeID: pool.Outcomes[0].ID,
		Side:      "hold",
		Amount:    50,
	})
	is.Equal(rec.Code, http.StatusBadRequest)

	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/quote", QuoteRequest{
		OutcomeID: "nosuchoutcome",
		Side:      "buy",
		Amount:    50,
	})
	is.Equal(rec.Code, http.StatusNotFound)
}

func TestPlaceTradeAndPositions(t *testing.T) {
	is := is.New(t)
	h, store := newTestAPI(t, Config{})
	is.NoErr(store.CreateUser(context.Background(), "alice", 100))
	pool := createPool(t, h, []string{"redhawks", "mariners"})

	rec := doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/trades", TradeRequest{
		UserID:    "alice",
		OutcomeID: pool.Outcomes[0].ID,
		Side:      "buy",
		Amount:    50,
	})
	is.Equal(rec.Code, http.StatusCreated)
	trade := decode[*market.Trade](t, rec)
	is.True(withinEpsilon(trade.Cost, 28.092980362016135))

	rec = doJSON(t, h, http.MethodGet, "/api/users/alice/positions", nil)
	is.Equal(rec.Code, http.StatusOK)
	positions := decode[[]*market.Position](t, rec)
	is.Equal(len(positions), 1)
	is.Equal(positions[0].Shares, float64(50))

	rec = doJSON(t, h, http.MethodGet, "/api/users/alice/balance", nil)
	is.Equal(rec.Code, http.StatusOK)
	balance := decode[map[string]float64](t, rec)
	is.True(withinEpsilon(balance["balance"], 100-28.092980362016135))

	rec = doJSON(t, h, http.MethodGet, "/api/pools/"+pool.ID+"/trades", nil)
	is.Equal(rec.Code, http.StatusOK)
	trades := decode[[]*market.Trade](t, rec)
	is.Equal(len(trades), 1)
}

func TestPlaceTradeErrors(t *testing.T) {
	is := is.New(t)
	h, store := newTestAPI(t, Config{})
	is.NoErr(store.CreateUser(context.Background(), "alice", 10))
	pool := createPool(t, h, []string{"redhawks", "mariners"})
	outcome := pool.Outcomes[0].ID

	rec := doJSON(t, h, http.MethodPost, "/api/pools/nosuchpool/trades", TradeRequest{
		UserID: "alice", OutcomeID: outcome, Side: "buy", Amount: 1,
	})
	is.Equal(rec.Code, http.StatusNotFound)

	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/trades", TradeRequest{
		UserID: "alice", OutcomeID: outcome, Side: "buy", Amount: 50,
	})
	is.Equal(rec.Code, http.StatusUnprocessableEntity)

	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/trades", TradeRequest{
		UserID: "alice", OutcomeID: outcome, Side: "sell", Amount: 5,
	})
	is.Equal(rec.Code, http.StatusUnprocessableEntity)

	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/conclude", nil)
	is.Equal(rec.Code, http.StatusOK)
	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/trades", TradeRequest{
		UserID: "alice", OutcomeID: outcome, Side: "buy", Amount: 1,
	})
	is.Equal(rec.Code, http.StatusConflict)
}

func TestResolveFlow(t *testing.T) {
	is := is.New(t)
	h, store := newTestAPI(t, Config{})
	is.NoErr(store.CreateUser(context.Background(), "alice", 100))
	pool := createPool(t, h, []string{"redhawks", "mariners"})
	winner := pool.Outcomes[0].ID

	rec := doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/trades", TradeRequest{
		UserID: "alice", OutcomeID: winner, Side: "buy", Amount: 50,
	})
	is.Equal(rec.Code, http.StatusCreated)

	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/resolve", ResolveRequest{
		WinningOutcomeID: winner,
	})
	is.Equal(rec.Code, http.StatusOK)
	resp := decode[map[string][]market.PayoutRecord](t, rec)
	is.Equal(len(resp["payouts"]), 1)
	is.Equal(resp["payouts"][0].UserID, "alice")
	// sole winner collects the entire collateral, ending back at par
	is.True(withinEpsilon(resp["payouts"][0].Amount, 28.092980362016135))

	rec = doJSON(t, h, http.MethodGet, "/api/users/alice/balance", nil)
	balance := decode[map[string]float64](t, rec)
	is.True(withinEpsilon(balance["balance"], 100))

	rec = doJSON(t, h, http.MethodPost, "/api/pools/"+pool.ID+"/resolve", ResolveRequest{
		WinningOutcomeID: winner,
	})
	is.Equal(rec.Code, http.StatusConflict)
}

func TestRateLimit(t *testing.T) {
	is := is.New(t)
	h, _ := newTestAPI(t, Config{RateLimitRPS: 1, RateLimitBurst: 2})

	rec := doJSON(t, h, http.MethodGet, "/api/health", nil)
	is.Equal(rec.Code, http.StatusOK)
	rec = doJSON(t, h, http.MethodGet, "/api/health", nil)
	is.Equal(rec.Code, http.StatusOK)
	rec = doJSON(t, h, http.MethodGet, "/api/health", nil)
	is.Equal(rec.Code, http.StatusTooManyRequests)
}
