// Package tradeapi is the HTTP boundary in front of the pool store and the
// lmsr engine: pool listings, trade quotes, trade execution and settlement.
package tradeapi

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/champfutures/marketd/pkg/lmsr"
	"github.com/champfutures/marketd/pkg/market"
	"github.com/champfutures/marketd/pkg/marketstore"
)

type Handler struct {
	store  *marketstore.Store
	logger zerolog.Logger
}

func NewHandler(store *marketstore.Store, logger zerolog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// writeJSON marshals v as JSON and writes it with the given status code. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps the store's sentinel errors onto HTTP status codes.
func (h *Handler) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrPoolNotFound),
		errors.Is(err, market.ErrOutcomeNotFound),
		errors.Is(err, market.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrPoolConcluded),
		errors.Is(err, market.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, market.ErrInvalidAmount),
		errors.Is(err, market.ErrInvalidLiquidity),
		errors.Is(err, market.ErrNoOutcomes):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientShares),
		errors.Is(err, market.ErrSharesExhausted):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error().Err(err).Msg("store-error")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) ListPools(w http.ResponseWriter, r *http.Request) {
	status := market.PoolStatus(r.URL.Query().Get("status"))
	pools, err := h.store.ListPools(r.Context(), status)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pools)
}

type CreatePoolRequest struct {
	SeasonID     string   `json:"seasonId"`
	Type         string   `json:"type"`
	Liquidity    float64  `json:"liquidity"`
	Participants []string `json:"participants"`
}

func (h *Handler) CreatePool(w http.ResponseWriter, r *http.Request) {
	var req CreatePoolRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	uuid, err := h.store.CreatePool(r.Context(), req.SeasonID, req.Type,
		req.Liquidity, req.Participants)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	pool, err := h.store.GetPool(r.Context(), uuid)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, pool)
}

func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	pool, err := h.store.GetPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pool)
}

// QuoteRequest asks what a prospective order would cost. Exactly one of
// Amount (share count) or Budget (collateral to spend, buys only) must be
// set. UserID is optional: with it the quote is validated against the user's
// real balance or position, without it the quote is purely informational.
type QuoteRequest struct {
	UserID    string  `json:"userId,omitempty"`
	OutcomeID string  `json:"outcomeId"`
	Side      string  `json:"side"`
	Amount    float64 `json:"amount,omitempty"`
	Budget    float64 `json:"budget,omitempty"`
}

// QuoteResponse reports a quote. A business rejection (not enough balance,
// bad amount) comes back with Valid=false and HTTP 200: it is an expected
// outcome the UI renders, not a fault.
type QuoteResponse struct {
	Valid        bool    `json:"valid"`
	Side         string  `json:"side"`
	Shares       float64 `json:"shares"`
	Cost         float64 `json:"cost"`
	AveragePrice float64 `json:"averagePrice"`
	NewPrice     float64 `json:"newPrice"`
	Error        string  `json:"error,omitempty"`
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Side != string(market.SideBuy) && req.Side != string(market.SideSell) {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}

	pool, err := h.store.GetPool(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}

	idx := -1
	allShares := make([]float64, len(pool.Outcomes))
	for i, o := range pool.Outcomes {
		allShares[i] = o.SharesOutstanding
		if o.ID == req.OutcomeID {
			idx = i
		}
	}
	if idx == -1 {
		h.writeStoreError(w, market.ErrOutcomeNotFound)
		return
	}
	b := pool.Liquidity

	if req.Side == string(market.SideSell) {
		// without a user the position cap cannot bind
		held := math.Inf(1)
		if req.UserID != "" {
			held, err = h.heldShares(r, req.UserID, req.OutcomeID)
			if err != nil {
				h.writeStoreError(w, err)
				return
			}
		}
		v := lmsr.ValidateSellOrder(b, allShares, idx, req.Amount, held)
		if !v.Valid {
			writeJSON(w, http.StatusOK, QuoteResponse{Side: req.Side, Error: v.Err})
			return
		}
		writeJSON(w, http.StatusOK, QuoteResponse{
			Valid:        true,
			Side:         req.Side,
			Shares:       req.Amount,
			Cost:         -v.Proceeds,
			AveragePrice: v.Proceeds / req.Amount,
			NewPrice:     v.NewPrice,
		})
		return
	}

	amount := req.Amount
	if req.Budget > 0 {
		amount = lmsr.SharesForCost(b, allShares, idx, req.Budget)
	}

	balance := math.Inf(1)
	if req.UserID != "" {
		balance, err = h.store.GetBalance(r.Context(), req.UserID)
		if err != nil {
			h.writeStoreError(w, err)
			return
		}
	}

	v := lmsr.ValidateBuyOrder(b, allShares, idx, amount, balance)
	if !v.Valid {
		// the cost is reported even on rejection so the shortfall can be shown
		writeJSON(w, http.StatusOK, QuoteResponse{
			Side:  req.Side,
			Cost:  v.Cost,
			Error: v.Err,
		})
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Valid:        true,
		Side:         req.Side,
		Shares:       amount,
		Cost:         v.Cost,
		AveragePrice: lmsr.AveragePrice(b, allShares, idx, amount),
		NewPrice:     v.NewPrice,
	})
}

func (h *Handler) heldShares(r *http.Request, userID, outcomeID string) (float64, error) {
	positions, err := h.store.GetPositions(r.Context(), userID)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if p.OutcomeID == outcomeID {
			return p.Shares, nil
		}
	}
	return 0, nil
}

type TradeRequest struct {
	UserID    string  `json:"userId"`
	OutcomeID string  `json:"outcomeId"`
	Side      string  `json:"side"`
	Amount    float64 `json:"amount"`
}

func (h *Handler) PlaceTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Side != string(market.SideBuy) && req.Side != string(market.SideSell) {
		writeError(w, http.StatusBadRequest, "side must be buy or sell")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	trade, err := h.store.ExecuteTrade(r.Context(), req.UserID, mux.Vars(r)["id"],
		req.OutcomeID, req.Amount, market.TradeSide(req.Side))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, trade)
}

func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	since := time.Time{}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}

	trades, err := h.store.GetTrades(r.Context(), mux.Vars(r)["id"], q.Get("user"), since, limit)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (h *Handler) ConcludePool(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ConcludePool(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(market.PoolConcluded)})
}

type ResolveRequest struct {
	WinningOutcomeID string `json:"winningOutcomeId"`
}

func (h *Handler) ResolvePool(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	payouts, err := h.store.ResolvePool(r.Context(), mux.Vars(r)["id"], req.WinningOutcomeID)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": payouts})
}

func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.store.GetPositions(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, positions)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.store.GetBalance(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"balance": balance})
}
