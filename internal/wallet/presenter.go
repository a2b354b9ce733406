package wallet

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// EventPairing is the bus event type carrying a pairing URI.
const EventPairing = "pairing"

// BusPresenter publishes pairing URIs on the bus so a connected UI can
// render the QR modal. Dismiss publishes an empty URI.
type BusPresenter struct {
	bus domain.SignalBus
}

// NewBusPresenter creates a presenter publishing to domain.ChannelPairing.
func NewBusPresenter(bus domain.SignalBus) *BusPresenter {
	return &BusPresenter{bus: bus}
}

type pairingEvent struct {
	URI    string `json:"uri"`
	Active bool   `json:"active"`
}

// Present publishes uri.
func (p *BusPresenter) Present(ctx context.Context, uri string) error {
	raw, err := domain.EncodeEvent(EventPairing, pairingEvent{URI: uri, Active: true})
	if err != nil {
		return fmt.Errorf("wallet: encode pairing: %w", err)
	}
	return p.bus.Publish(ctx, domain.ChannelPairing, raw)
}

// Dismiss tells the UI to close the modal.
func (p *BusPresenter) Dismiss(ctx context.Context) {
	raw, err := domain.EncodeEvent(EventPairing, pairingEvent{})
	if err != nil {
		return
	}
	_ = p.bus.Publish(ctx, domain.ChannelPairing, raw)
}
