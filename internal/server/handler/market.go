package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// MarketReader is the snapshot holder the market endpoints read from.
type MarketReader interface {
	State() domain.MarketState
	Err() string
	Loading() bool
	Deployed() bool
	AppID() uint64
}

// BalanceFetcher reads an account's balances from chain.
type BalanceFetcher interface {
	Fetch(ctx context.Context, addr string) (domain.UserBalances, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	reader   MarketReader
	balances BalanceFetcher
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(reader MarketReader, balances BalanceFetcher, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		reader:   reader,
		balances: balances,
		logger:   logHandler(logger, "market"),
	}
}

type marketResponse struct {
	AppID    uint64             `json:"app_id"`
	Deployed bool               `json:"deployed"`
	Loading  bool               `json:"loading"`
	Error    string             `json:"error,omitempty"`
	State    domain.MarketState `json:"state"`
	SeaVoi   string             `json:"sea_price_voi"`
	PatVoi   string             `json:"pat_price_voi"`
}

// GetMarket returns the held snapshot. A failed refresh shows up in error
// while state keeps the last good values.
// GET /api/market
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	st := h.reader.State()
	writeJSON(w, http.StatusOK, marketResponse{
		AppID:    h.reader.AppID(),
		Deployed: h.reader.Deployed(),
		Loading:  h.reader.Loading(),
		Error:    h.reader.Err(),
		State:    st,
		SeaVoi:   domain.FormatVoi(st.SeaPrice),
		PatVoi:   domain.FormatVoi(st.PatPrice),
	})
}

// GetBalances returns the share balances of an account.
// GET /api/balances?account=ADDR
func (h *MarketHandler) GetBalances(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		writeError(w, http.StatusBadRequest, "missing account")
		return
	}
	bal, err := h.balances.Fetch(r.Context(), account)
	if err != nil {
		h.logger.WarnContext(r.Context(), "balance lookup failed",
			slog.String("account", account),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balances":       bal,
		"claim_eligible": domain.ClaimEligible(h.reader.State(), bal),
	})
}
