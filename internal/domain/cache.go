package domain

import (
	"context"
	"encoding/json"
	"time"
)

// SnapshotCache keeps the last good market snapshot so a restarted process
// can serve it before the first chain read completes.
type SnapshotCache interface {
	SetSnapshot(ctx context.Context, appID uint64, state MarketState) error
	GetSnapshot(ctx context.Context, appID uint64) (MarketState, error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channel names.
const (
	ChannelMarket  = "market"
	ChannelPhase   = "phase"
	ChannelToast   = "toast"
	ChannelWallet  = "wallet"
	ChannelPairing = "pairing"

	// StreamSnapshots is the durable stream the archiver drains.
	StreamSnapshots = "stream:snapshots"
)

// Event is the JSON envelope published on the bus and forwarded verbatim to
// WebSocket clients.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeEvent marshals payload inside an Event envelope.
func EncodeEvent(eventType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: eventType, Payload: raw})
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. Acquire returns ErrLockHeld
// when another holder owns key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
