package market

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// AccountSource returns the connected account address, or "" when no wallet
// is connected.
type AccountSource func() string

// Poller refreshes the market snapshot, and the connected account's
// balances, on a fixed interval and publishes both on the bus.
type Poller struct {
	reader   *Reader
	balances *BalanceReader
	account  AccountSource
	bus      domain.SignalBus
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	last domain.UserBalances
}

// NewPoller creates a poller. bus and account may be nil.
func NewPoller(reader *Reader, balances *BalanceReader, account AccountSource, bus domain.SignalBus, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Poller{
		reader:   reader,
		balances: balances,
		account:  account,
		bus:      bus,
		interval: interval,
		logger:   logger.With(slog.String("component", "poller")),
	}
}

// Run polls until ctx is cancelled. The first poll happens immediately.
// Without a deployed contract it polls once (publishing the defaults) and
// then waits for cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "poller started", slog.Duration("interval", p.interval))
	p.reader.Warm(ctx)
	p.Poll(ctx)

	if !p.reader.Deployed() {
		p.logger.InfoContext(ctx, "contract not deployed, polling disabled")
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll performs a single refresh of state and, if connected, balances.
func (p *Poller) Poll(ctx context.Context) {
	changed := p.reader.Refresh(ctx)
	state := p.reader.State()
	p.publish(ctx, domain.ChannelMarket, "market_state", map[string]any{
		"state":    state,
		"error":    p.reader.Err(),
		"deployed": p.reader.Deployed(),
	})
	if changed && p.bus != nil {
		if raw, err := domain.EncodeEvent("market_state", state); err == nil {
			if err := p.bus.StreamAppend(ctx, domain.StreamSnapshots, raw); err != nil {
				p.logger.WarnContext(ctx, "snapshot stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if p.account == nil {
		return
	}
	if addr := p.account(); addr != "" {
		p.RefreshBalances(ctx, addr)
	} else {
		p.mu.Lock()
		p.last = domain.UserBalances{}
		p.mu.Unlock()
	}
}

// Follow switches the held balances to addr as soon as the connected
// account changes. The previous account's balances are dropped first, and
// an empty addr publishes zero balances.
func (p *Poller) Follow(ctx context.Context, addr string) {
	p.mu.Lock()
	p.last = domain.UserBalances{}
	p.mu.Unlock()
	if addr == "" {
		p.publish(ctx, domain.ChannelMarket, "balances", domain.UserBalances{})
		return
	}
	p.RefreshBalances(ctx, addr)
}

// RefreshBalances re-reads addr's balances and publishes them. Balances of
// an account that is no longer connected are returned but not kept.
func (p *Poller) RefreshBalances(ctx context.Context, addr string) domain.UserBalances {
	bal, err := p.balances.Fetch(ctx, addr)
	if err != nil {
		p.logger.WarnContext(ctx, "balance refresh failed",
			slog.String("account", addr),
			slog.String("error", err.Error()),
		)
		return p.Balances()
	}
	if p.account != nil && p.account() != addr {
		return bal
	}
	p.mu.Lock()
	p.last = bal
	p.mu.Unlock()
	p.publish(ctx, domain.ChannelMarket, "balances", bal)
	return bal
}

// Balances returns the last balances read for the connected account.
func (p *Poller) Balances() domain.UserBalances {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Poller) publish(ctx context.Context, channel, eventType string, payload any) {
	if p.bus == nil {
		return
	}
	raw, err := domain.EncodeEvent(eventType, payload)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, channel, raw); err != nil {
		p.logger.WarnContext(ctx, "publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
