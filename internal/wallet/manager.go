package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/notify"
)

// EventSession is the bus event type carrying a WalletSession.
const EventSession = "wallet"

// ProviderInfo describes a registered provider for listing endpoints.
type ProviderInfo struct {
	Kind      domain.ProviderKind `json:"kind"`
	Available bool                `json:"available"`
}

// Manager owns the active wallet session. Every provider-specific call goes
// through it, so callers never branch on the provider kind themselves.
type Manager struct {
	providers map[domain.ProviderKind]Provider
	store     domain.SessionStore
	notifier  Notifier
	bus       domain.SignalBus
	logger    *slog.Logger

	// opMu serialises connect and disconnect flows; mu guards the fields
	// below and is never held across a provider call.
	opMu     sync.Mutex
	mu       sync.RWMutex
	session  domain.WalletSession
	active   Provider
	detector TransitionDetector
	watchers []AccountWatcher
}

// AccountWatcher is told the connected address whenever it changes; "" means
// disconnected.
type AccountWatcher func(ctx context.Context, addr string)

// OnAccountChange registers w. Watchers run synchronously after the session
// is updated and published.
func (m *Manager) OnAccountChange(w AccountWatcher) {
	m.mu.Lock()
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()
}

func (m *Manager) accountChanged(ctx context.Context, addr string) {
	m.mu.RLock()
	watchers := append([]AccountWatcher(nil), m.watchers...)
	m.mu.RUnlock()
	for _, w := range watchers {
		w(ctx, addr)
	}
}

// NewManager registers providers by kind. notifier and bus may be nil.
func NewManager(
	providers []Provider,
	store domain.SessionStore,
	notifier Notifier,
	bus domain.SignalBus,
	logger *slog.Logger,
) *Manager {
	m := &Manager{
		providers: make(map[domain.ProviderKind]Provider, len(providers)),
		store:     store,
		notifier:  notifier,
		bus:       bus,
		logger:    logger.With(slog.String("component", "wallet")),
	}
	for _, p := range providers {
		m.providers[p.Kind()] = p
		if rd, ok := p.(RemoteDisconnector); ok {
			kind := p.Kind()
			rd.OnRemoteDisconnect(func() {
				m.HandleRemoteDisconnect(context.Background(), kind)
			})
		}
	}
	return m
}

// Init restores the provider recorded in the session store, if any. A failed
// restore leaves the manager disconnected and is not an error.
func (m *Manager) Init(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	raw, err := m.store.Get(ctx, KeyProvider)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("wallet: init: %w", err)
	}
	kind := domain.ProviderKind(raw)
	p, ok := m.providers[kind]
	if !ok {
		m.logger.WarnContext(ctx, "persisted provider not registered", slog.String("provider", raw))
		_ = m.store.Delete(ctx, KeyProvider)
		return nil
	}

	addr, restored, err := p.Restore(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "session restore failed",
			slog.String("provider", string(kind)),
			slog.String("error", err.Error()),
		)
	}
	if err != nil || !restored {
		_ = m.store.Delete(ctx, KeyProvider)
		return nil
	}

	m.mu.Lock()
	m.active = p
	m.session = domain.WalletSession{Address: addr, Connected: true, Provider: kind}
	m.mu.Unlock()
	m.detector.Prime(true)

	m.logger.InfoContext(ctx, "wallet session restored",
		slog.String("provider", string(kind)),
		slog.String("address", ShortenAddress(addr)),
	)
	m.publish(ctx)
	m.accountChanged(ctx, addr)
	return nil
}

// Providers lists registered providers in a stable order.
func (m *Manager) Providers(ctx context.Context) []ProviderInfo {
	out := make([]ProviderInfo, 0, len(m.providers))
	for kind, p := range m.providers {
		out = append(out, ProviderInfo{Kind: kind, Available: p.Available(ctx)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Connect opens a session with the given provider. An active session on a
// different provider is disconnected first.
func (m *Manager) Connect(ctx context.Context, kind domain.ProviderKind) (domain.WalletSession, error) {
	p, ok := m.providers[kind]
	if !ok {
		return domain.WalletSession{}, fmt.Errorf("wallet: connect: %w: %q", domain.ErrNoProvider, kind)
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !p.Available(ctx) {
		return domain.WalletSession{}, fmt.Errorf("wallet: connect %s: %w", kind, domain.ErrProviderUnavailable)
	}

	m.mu.RLock()
	prev := m.active
	m.mu.RUnlock()
	if prev != nil && prev.Kind() != kind {
		if err := prev.Disconnect(ctx); err != nil {
			m.logger.WarnContext(ctx, "disconnecting previous provider",
				slog.String("provider", string(prev.Kind())),
				slog.String("error", err.Error()),
			)
		}
		m.setSession(ctx, nil, domain.WalletSession{})
	}

	m.mu.Lock()
	m.session.Connecting = true
	m.session.Provider = kind
	m.mu.Unlock()
	m.publish(ctx)

	addr, err := p.Connect(ctx)
	if err != nil {
		m.setSession(ctx, nil, domain.WalletSession{})
		return domain.WalletSession{}, fmt.Errorf("wallet: connect %s: %w", kind, err)
	}

	if err := m.store.Set(ctx, KeyProvider, string(kind)); err != nil {
		m.logger.WarnContext(ctx, "persisting provider", slog.String("error", err.Error()))
	}
	sess := domain.WalletSession{Address: addr, Connected: true, Provider: kind}
	m.setSession(ctx, p, sess)
	m.logger.InfoContext(ctx, "wallet connected",
		slog.String("provider", string(kind)),
		slog.String("address", ShortenAddress(addr)),
	)
	return sess, nil
}

// Disconnect ends the active session. It is a no-op when nothing is
// connected.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.RLock()
	p := m.active
	m.mu.RUnlock()
	if p == nil {
		return nil
	}

	err := p.Disconnect(ctx)
	if delErr := m.store.Delete(ctx, KeyProvider); delErr != nil {
		m.logger.WarnContext(ctx, "clearing provider", slog.String("error", delErr.Error()))
	}
	m.setSession(ctx, nil, domain.WalletSession{})
	if err != nil {
		return fmt.Errorf("wallet: disconnect %s: %w", p.Kind(), err)
	}
	return nil
}

// HandleRemoteDisconnect clears local state after the wallet ended the
// session from its side.
func (m *Manager) HandleRemoteDisconnect(ctx context.Context, kind domain.ProviderKind) {
	m.mu.RLock()
	active := m.active
	m.mu.RUnlock()
	if active == nil || active.Kind() != kind {
		return
	}
	m.logger.InfoContext(ctx, "wallet ended session", slog.String("provider", string(kind)))
	_ = m.store.Delete(ctx, KeyProvider)
	m.setSession(ctx, nil, domain.WalletSession{})
}

// Sign asks the active wallet to sign the group. Entries the wallet declined
// are dropped; an all-declined result is ErrSigningFailed.
func (m *Manager) Sign(ctx context.Context, unsigned [][]byte) ([][]byte, error) {
	p, err := m.connected()
	if err != nil {
		return nil, err
	}
	raw, err := p.Sign(ctx, unsigned)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign: %w", err)
	}
	signed := make([][]byte, 0, len(raw))
	for _, s := range raw {
		if len(s) > 0 {
			signed = append(signed, s)
		}
	}
	if len(signed) == 0 {
		return nil, fmt.Errorf("wallet: sign: %w", domain.ErrSigningFailed)
	}
	return signed, nil
}

// Submit sends a signed group through the active provider.
func (m *Manager) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	p, err := m.connected()
	if err != nil {
		return nil, err
	}
	ids, err := p.Submit(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("wallet: submit: %w", err)
	}
	return ids, nil
}

// Session returns a copy of the current session.
func (m *Manager) Session() domain.WalletSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Address returns the connected account, or "".
func (m *Manager) Address() string {
	return m.Session().Address
}

// Connected reports whether a session is active.
func (m *Manager) Connected() bool {
	return m.Session().Connected
}

func (m *Manager) connected() (Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil || !m.session.Connected {
		return nil, domain.ErrNotConnected
	}
	return m.active, nil
}

func (m *Manager) setSession(ctx context.Context, p Provider, sess domain.WalletSession) {
	m.mu.Lock()
	prev := m.session.Address
	m.active = p
	m.session = sess
	m.mu.Unlock()

	m.publish(ctx)
	if sess.Address != prev {
		m.accountChanged(ctx, sess.Address)
	}

	switch m.detector.Observe(sess.Connected) {
	case TransitionConnected:
		m.toast(ctx, notify.Notification{
			Event:   notify.EventWallet,
			Level:   notify.LevelSuccess,
			Title:   "Wallet Connected",
			Message: ShortenAddress(sess.Address),
		})
	case TransitionDisconnected:
		m.toast(ctx, notify.Notification{
			Event:   notify.EventWallet,
			Level:   notify.LevelInfo,
			Title:   "Wallet Disconnected",
			Message: "Your wallet has been disconnected",
		})
	}
}

func (m *Manager) toast(ctx context.Context, n notify.Notification) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.WarnContext(ctx, "wallet notification failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) publish(ctx context.Context) {
	if m.bus == nil {
		return
	}
	payload, err := domain.EncodeEvent(EventSession, m.Session())
	if err != nil {
		return
	}
	if err := m.bus.Publish(ctx, domain.ChannelWallet, payload); err != nil {
		m.logger.DebugContext(ctx, "publishing wallet session", slog.String("error", err.Error()))
	}
}
