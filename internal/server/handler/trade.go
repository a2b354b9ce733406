package handler

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/market"
)

// TradeService runs the buy and claim flows.
type TradeService interface {
	Buy(ctx context.Context, outcome domain.Outcome, amount uint64) (domain.Submission, error)
	Claim(ctx context.Context) (domain.Submission, error)
	Quote(ctx context.Context, account string, outcome domain.Outcome, amount uint64) (market.Quote, error)
	Phase() domain.PhaseInfo
	BuildBuy(ctx context.Context, sender string, outcome domain.Outcome, amount uint64) (domain.PendingTransaction, error)
	BuildClaim(ctx context.Context, sender string) (domain.PendingTransaction, error)
	SubmitSigned(ctx context.Context, pendingID string, signed [][]byte) (domain.Submission, error)
}

// TradeHandler serves the buy, claim and external-signing endpoints.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logHandler(logger, "trade")}
}

type buyRequest struct {
	Sender    string         `json:"sender,omitempty"`
	Outcome   domain.Outcome `json:"outcome"`
	AmountVoi string         `json:"amount_voi"`
}

func (b buyRequest) amount() (uint64, error) {
	return domain.ParseVoi(b.AmountVoi)
}

// Buy runs a purchase with the server-side wallet session.
// POST /api/trade/buy {"outcome":"sea","amount_voi":"10"}
func (h *TradeHandler) Buy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := req.amount()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub, err := h.trades.Buy(r.Context(), req.Outcome, amount)
	if err != nil {
		writeFlowError(w, err, submissionOrNil(sub))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Claim collects winnings with the server-side wallet session.
// POST /api/trade/claim
func (h *TradeHandler) Claim(w http.ResponseWriter, r *http.Request) {
	sub, err := h.trades.Claim(r.Context())
	if err != nil {
		writeFlowError(w, err, submissionOrNil(sub))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// Quote prices a purchase without building it.
// GET /api/quote?outcome=sea&amount_voi=10&account=ADDR
func (h *TradeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	outcome, err := domain.ParseOutcome(q.Get("outcome"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := domain.ParseVoi(q.Get("amount_voi"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := h.trades.Quote(r.Context(), q.Get("account"), outcome, amount)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// GetPhase returns the progress of the flow in flight.
// GET /api/trade/phase
func (h *TradeHandler) GetPhase(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.trades.Phase())
}

// BuildBuy returns an unsigned buy group for an external signer.
// POST /api/txn/buy {"sender":"ADDR","outcome":"pat","amount_voi":"5"}
func (h *TradeHandler) BuildBuy(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	amount, err := req.amount()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := h.trades.BuildBuy(r.Context(), req.Sender, req.Outcome, amount)
	if err != nil {
		h.writeBuildError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type claimRequest struct {
	Sender string `json:"sender"`
}

// BuildClaim returns an unsigned claim for an external signer.
// POST /api/txn/claim {"sender":"ADDR"}
func (h *TradeHandler) BuildClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	tx, err := h.trades.BuildClaim(r.Context(), req.Sender)
	if err != nil {
		h.writeBuildError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

type submitRequest struct {
	ID     string   `json:"id,omitempty"`
	Signed []string `json:"signed"`
}

// SubmitSigned broadcasts an externally signed group. Each entry is a
// base64 msgpack signed transaction, in group order.
// POST /api/txn/submit {"id":"...","signed":["..."]}
func (h *TradeHandler) SubmitSigned(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	signed := make([][]byte, 0, len(req.Signed))
	for _, s := range req.Signed {
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "signed transactions must be base64")
			return
		}
		signed = append(signed, raw)
	}
	sub, err := h.trades.SubmitSigned(r.Context(), req.ID, signed)
	if err != nil {
		writeFlowError(w, err, submissionOrNil(sub))
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *TradeHandler) writeBuildError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusBadGateway {
		// Address decoding and node failures both land here.
		h.logger.WarnContext(r.Context(), "build failed", slog.String("error", err.Error()))
	}
	writeError(w, status, err.Error())
}

func submissionOrNil(sub domain.Submission) *domain.Submission {
	if sub.ID == "" {
		return nil
	}
	return &sub
}
