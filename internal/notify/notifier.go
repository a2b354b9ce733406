// Package notify delivers user-facing notifications (toasts) to every
// registered channel: connected UI clients over the bus, and optionally
// Discord or Telegram. Channels can be filtered by event type.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Level is the visual severity of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Event types used for filtering.
const (
	EventWallet = "wallet"
	EventTrade  = "trade"
	EventError  = "error"
)

// Notification is a single toast.
type Notification struct {
	Event   string `json:"event"`
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Sender is the interface that each notification channel must implement.
type Sender interface {
	Send(ctx context.Context, n Notification) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. Senders listed
// as filtered only receive events in the allowed set; unfiltered senders
// (the UI toast channel) receive everything.
type Notifier struct {
	senders    []Sender
	unfiltered map[string]bool
	events     map[string]bool
	logger     *slog.Logger
}

// NewNotifier creates a Notifier that will deliver to the given senders. If
// events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders:    senders,
		unfiltered: make(map[string]bool),
		events:     allowed,
		logger:     logger.With(slog.String("component", "notifier")),
	}
}

// AddUnfiltered registers a sender that bypasses the event filter.
func (n *Notifier) AddUnfiltered(s Sender) {
	n.senders = append(n.senders, s)
	n.unfiltered[s.Name()] = true
}

// Notify delivers n to every sender whose filter admits its event. Errors
// from individual senders are collected; one failing sender does not stop
// delivery to the rest.
func (n *Notifier) Notify(ctx context.Context, note Notification) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if !n.unfiltered[s.Name()] && len(n.events) > 0 && !n.events[note.Event] {
			continue
		}
		if err := s.Send(ctx, note); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", note.Title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
