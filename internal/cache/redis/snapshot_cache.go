package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache.
//
// Key schema:
//
//	sbmarket:snapshot:{appID} - JSON MarketState, expires after CacheTTL
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), ttl: c.cfg.CacheTTL}
}

func snapshotKey(appID uint64) string {
	return key("snapshot", strconv.FormatUint(appID, 10))
}

// SetSnapshot stores the last good snapshot for appID.
func (sc *SnapshotCache) SetSnapshot(ctx context.Context, appID uint64, state domain.MarketState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %d: %w", appID, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(appID), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %d: %w", appID, err)
	}
	return nil
}

// GetSnapshot returns domain.ErrNotFound when nothing is cached.
func (sc *SnapshotCache) GetSnapshot(ctx context.Context, appID uint64) (domain.MarketState, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(appID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketState{}, domain.ErrNotFound
		}
		return domain.MarketState{}, fmt.Errorf("redis: get snapshot %d: %w", appID, err)
	}
	var state domain.MarketState
	if err := json.Unmarshal(data, &state); err != nil {
		return domain.MarketState{}, fmt.Errorf("redis: unmarshal snapshot %d: %w", appID, err)
	}
	return state, nil
}

var _ domain.SnapshotCache = (*SnapshotCache)(nil)
