// Package market reads the prediction market's on-chain state and the
// per-account share balances, and keeps a polled snapshot of both.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// LoadErrorMessage is the user-facing text set when a refresh fails.
const LoadErrorMessage = "Failed to load market data from chain"

// Global state keys written by the contract.
const (
	keyTotalSeaSold = "total_sea_sold"
	keyTotalPatSold = "total_pat_sold"
	keyIsResolved   = "is_resolved"
	keyMarketPaused = "market_paused"
	keyWinner       = "winner"
	keyBasePrice    = "base_price"
)

// Ledger is the read side of the chain the market package needs.
type Ledger interface {
	GlobalState(ctx context.Context, appID uint64) (map[string]uint64, error)
	Box(ctx context.Context, appID uint64, name []byte) ([]byte, error)
}

// ReaderConfig holds the contract parameters used to decode state.
type ReaderConfig struct {
	AppID            uint64
	PriceStep        uint64
	DefaultBasePrice uint64
}

// Reader holds the latest market snapshot. A failed refresh keeps the
// previous snapshot and records a readable error instead.
type Reader struct {
	ledger Ledger
	cfg    ReaderConfig
	cache  domain.SnapshotCache
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	state   domain.MarketState
	lastErr string
	loading bool
}

// NewReader creates a reader seeded with the default snapshot. cache may be
// nil.
func NewReader(ledger Ledger, cfg ReaderConfig, cache domain.SnapshotCache, logger *slog.Logger) *Reader {
	if cfg.PriceStep == 0 {
		cfg.PriceStep = DefaultPriceStep
	}
	if cfg.DefaultBasePrice == 0 {
		cfg.DefaultBasePrice = domain.DefaultBasePrice
	}
	st := domain.DefaultMarketState()
	st.BasePrice = cfg.DefaultBasePrice
	st.SeaPrice = cfg.DefaultBasePrice
	st.PatPrice = cfg.DefaultBasePrice
	return &Reader{
		ledger: ledger,
		cfg:    cfg,
		cache:  cache,
		logger: logger.With(slog.String("component", "market_reader")),
		now:    time.Now,
		state:  st,
	}
}

// Deployed reports whether a contract id is configured.
func (r *Reader) Deployed() bool { return r.cfg.AppID > 0 }

// AppID returns the configured application id.
func (r *Reader) AppID() uint64 { return r.cfg.AppID }

// Fetch reads and decodes the current global state without touching the
// held snapshot. It returns domain.ErrNotDeployed when no app id is set.
func (r *Reader) Fetch(ctx context.Context) (domain.MarketState, error) {
	if !r.Deployed() {
		return domain.MarketState{}, domain.ErrNotDeployed
	}
	gs, err := r.ledger.GlobalState(ctx, r.cfg.AppID)
	if err != nil {
		return domain.MarketState{}, fmt.Errorf("market: fetch state: %w", err)
	}
	return r.decode(gs), nil
}

func (r *Reader) decode(gs map[string]uint64) domain.MarketState {
	st := domain.DefaultMarketState()
	st.BasePrice = r.cfg.DefaultBasePrice

	st.TotalSeaSold = gs[keyTotalSeaSold]
	st.TotalPatSold = gs[keyTotalPatSold]
	st.IsResolved = gs[keyIsResolved] == 1
	st.MarketPaused = gs[keyMarketPaused] == 1
	if w, ok := gs[keyWinner]; ok && w <= uint64(domain.OutcomePat) {
		st.Winner = domain.Outcome(w)
	}
	if bp, ok := gs[keyBasePrice]; ok {
		st.BasePrice = bp
	}

	st.SeaPrice, st.PatPrice = Prices(st.BasePrice, st.TotalSeaSold, st.TotalPatSold, r.cfg.PriceStep)
	st.SeaProb, st.PatProb = Probabilities(st.TotalSeaSold, st.TotalPatSold)
	st.FetchedAt = r.now().UTC()
	return st
}

// Refresh re-reads the chain and replaces the snapshot on success. It never
// returns an error: failures are logged and exposed through Err while the
// previous snapshot stays in place. The bool result reports whether the
// snapshot changed.
func (r *Reader) Refresh(ctx context.Context) bool {
	if !r.Deployed() {
		return false
	}

	r.mu.Lock()
	r.loading = true
	r.mu.Unlock()

	st, err := r.Fetch(ctx)

	r.mu.Lock()
	r.loading = false
	if err != nil {
		r.lastErr = LoadErrorMessage
		r.mu.Unlock()
		r.logger.WarnContext(ctx, "market state refresh failed", slog.String("error", err.Error()))
		return false
	}
	r.lastErr = ""
	r.state = st
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.SetSnapshot(ctx, r.cfg.AppID, st); err != nil {
			r.logger.WarnContext(ctx, "snapshot cache write failed", slog.String("error", err.Error()))
		}
	}
	return true
}

// Warm seeds the snapshot from the cache so a restarted process serves the
// last good value before its first chain read.
func (r *Reader) Warm(ctx context.Context) {
	if r.cache == nil || !r.Deployed() {
		return
	}
	st, err := r.cache.GetSnapshot(ctx, r.cfg.AppID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			r.logger.WarnContext(ctx, "snapshot cache read failed", slog.String("error", err.Error()))
		}
		return
	}
	r.mu.Lock()
	if r.state.FetchedAt.IsZero() {
		r.state = st
	}
	r.mu.Unlock()
}

// State returns the current snapshot.
func (r *Reader) State() domain.MarketState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Err returns the last refresh error message, or "" after a good read.
func (r *Reader) Err() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Loading reports whether a refresh is in flight.
func (r *Reader) Loading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}
