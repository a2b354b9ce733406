// Package wallet adapts the supported signing backends (a browser-extension
// bridge, a WalletConnect remote session and a local keystore) to one
// session object that the rest of the service talks to.
package wallet

import (
	"context"

	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/notify"
)

// Session store keys.
const (
	KeyProvider             = "wallet_provider"
	KeyExtensionAddress     = "kibisis_wallet_address"
	KeyWalletConnectAddress = "wc_wallet_address"
	KeyWalletConnectSession = "wc_session"
	KeyRelayIdentity        = "wc_relay_identity"
	KeyLocalAddress         = "local_wallet_address"
)

// Provider is one signing backend.
type Provider interface {
	Kind() domain.ProviderKind
	// Available reports whether the backend can be used right now.
	Available(ctx context.Context) bool
	// Connect runs the backend's interactive connect flow and returns the
	// first account address.
	Connect(ctx context.Context) (string, error)
	// Restore resumes a persisted session without user interaction. The
	// bool is false when there is nothing to resume.
	Restore(ctx context.Context) (string, bool, error)
	Disconnect(ctx context.Context) error
	// Sign returns one entry per input; entries the wallet declined to
	// sign are nil.
	Sign(ctx context.Context, unsigned [][]byte) ([][]byte, error)
	Submit(ctx context.Context, signed [][]byte) ([]string, error)
	Address() string
}

// RemoteDisconnector is implemented by providers whose session can be ended
// from the wallet side.
type RemoteDisconnector interface {
	OnRemoteDisconnect(fn func())
}

// GroupSubmitter posts signed groups straight to the network.
type GroupSubmitter interface {
	Submit(ctx context.Context, signed [][]byte) ([]string, error)
}

// Notifier delivers toasts.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// PairingPresenter shows a pairing URI to the user (a QR modal in a browser,
// a printed line in a terminal) and hides it once the flow ends.
type PairingPresenter interface {
	Present(ctx context.Context, uri string) error
	Dismiss(ctx context.Context)
}

// ShortenAddress renders an address as its first six and last four
// characters.
func ShortenAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "..." + addr[len(addr)-4:]
}
