package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alanyoungcy/sbmarket/internal/crypto"
	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// Local signs with a key held by this process. It is the headless provider
// used by the CLI and by unattended deployments.
type Local struct {
	keyCfg    crypto.KeyConfig
	store     domain.SessionStore
	submitter GroupSubmitter
	logger    *slog.Logger

	mu     sync.RWMutex
	signer *crypto.Signer
}

// NewLocal returns a provider that loads its key lazily from keyCfg.
func NewLocal(keyCfg crypto.KeyConfig, store domain.SessionStore, submitter GroupSubmitter, logger *slog.Logger) *Local {
	return &Local{
		keyCfg:    keyCfg,
		store:     store,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "wallet_local")),
	}
}

func (l *Local) Kind() domain.ProviderKind { return domain.ProviderLocal }

// Available reports whether a key source is configured.
func (l *Local) Available(context.Context) bool {
	return l.keyCfg.Mnemonic != "" || l.keyCfg.EncryptedKeyPath != ""
}

func (l *Local) Address() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.signer == nil {
		return ""
	}
	return l.signer.Address()
}

// Connect loads the key and records its address.
func (l *Local) Connect(ctx context.Context) (string, error) {
	s, err := l.load()
	if err != nil {
		return "", err
	}
	if err := l.store.Set(ctx, KeyLocalAddress, s.Address()); err != nil {
		return "", fmt.Errorf("local: persisting address: %w", err)
	}
	return s.Address(), nil
}

// Restore reconnects only when the persisted address still belongs to the
// configured key.
func (l *Local) Restore(ctx context.Context) (string, bool, error) {
	saved, err := l.store.Get(ctx, KeyLocalAddress)
	if errors.Is(err, domain.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("local: restore: %w", err)
	}
	if !l.Available(ctx) {
		return "", false, nil
	}
	s, err := l.load()
	if err != nil {
		return "", false, err
	}
	if s.Address() != saved {
		l.logger.WarnContext(ctx, "configured key does not match saved session",
			slog.String("saved", ShortenAddress(saved)),
			slog.String("key", ShortenAddress(s.Address())),
		)
		_ = l.store.Delete(ctx, KeyLocalAddress)
		l.forget()
		return "", false, nil
	}
	return saved, true, nil
}

func (l *Local) Disconnect(ctx context.Context) error {
	l.forget()
	if err := l.store.Delete(ctx, KeyLocalAddress); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("local: clearing address: %w", err)
	}
	return nil
}

func (l *Local) Sign(_ context.Context, unsigned [][]byte) ([][]byte, error) {
	l.mu.RLock()
	s := l.signer
	l.mu.RUnlock()
	if s == nil {
		return nil, domain.ErrNotConnected
	}
	return s.SignGroup(unsigned)
}

func (l *Local) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	if l.submitter == nil {
		return nil, fmt.Errorf("local: submit: %w", domain.ErrUnsupported)
	}
	return l.submitter.Submit(ctx, signed)
}

func (l *Local) load() (*crypto.Signer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.signer != nil {
		return l.signer, nil
	}
	sk, err := crypto.LoadKey(l.keyCfg)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	s, err := crypto.NewSigner(sk)
	if err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	l.signer = s
	return s, nil
}

func (l *Local) forget() {
	l.mu.Lock()
	l.signer = nil
	l.mu.Unlock()
}
