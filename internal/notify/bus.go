package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// BusSender publishes toasts on the signal bus, where the WebSocket hub
// forwards them to connected clients.
type BusSender struct {
	bus domain.SignalBus
}

// NewBusSender creates a sender publishing to domain.ChannelToast.
func NewBusSender(bus domain.SignalBus) *BusSender {
	return &BusSender{bus: bus}
}

// Send publishes n as a "toast" event.
func (b *BusSender) Send(ctx context.Context, n Notification) error {
	raw, err := domain.EncodeEvent("toast", n)
	if err != nil {
		return fmt.Errorf("bus: marshal toast: %w", err)
	}
	return b.bus.Publish(ctx, domain.ChannelToast, raw)
}

// Name returns the sender identifier.
func (b *BusSender) Name() string { return "bus" }
