package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/wallet"
)

// WalletManager is the session owner behind the wallet endpoints.
type WalletManager interface {
	Session() domain.WalletSession
	Providers(ctx context.Context) []wallet.ProviderInfo
	Connect(ctx context.Context, kind domain.ProviderKind) (domain.WalletSession, error)
	Disconnect(ctx context.Context) error
}

// WalletHandler serves the wallet session endpoints.
type WalletHandler struct {
	wallets WalletManager
	logger  *slog.Logger
}

// NewWalletHandler creates a WalletHandler.
func NewWalletHandler(wallets WalletManager, logger *slog.Logger) *WalletHandler {
	return &WalletHandler{wallets: wallets, logger: logHandler(logger, "wallet")}
}

// GetSession returns the current session and the providers on offer.
// GET /api/wallet
func (h *WalletHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.wallets.Session()
	writeJSON(w, http.StatusOK, map[string]any{
		"session":   sess,
		"short":     wallet.ShortenAddress(sess.Address),
		"providers": h.wallets.Providers(r.Context()),
	})
}

type connectRequest struct {
	Provider string `json:"provider"`
}

// Connect opens a session with the named provider. For WalletConnect the
// pairing URI is pushed on the pairing channel and the request blocks until
// the wallet answers.
// POST /api/wallet/connect
func (h *WalletHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := domain.ParseProviderKind(req.Provider)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.wallets.Connect(r.Context(), kind)
	if err != nil {
		h.logger.WarnContext(r.Context(), "connect failed",
			slog.String("provider", string(kind)),
			slog.String("error", err.Error()),
		)
		writeFlowError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Disconnect ends the active session. It succeeds when nothing is connected.
// POST /api/wallet/disconnect
func (h *WalletHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	if err := h.wallets.Disconnect(r.Context()); err != nil {
		h.logger.WarnContext(r.Context(), "disconnect failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to disconnect")
		return
	}
	writeJSON(w, http.StatusOK, h.wallets.Session())
}
