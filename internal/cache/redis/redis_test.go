package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr(), CacheTTL: time.Minute, StreamMaxLen: 100})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSnapshotCache(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	cache := NewSnapshotCache(c)

	_, err := cache.GetSnapshot(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	state := domain.MarketState{TotalSeaSold: 120, TotalPatSold: 80, SeaProb: 60, PatProb: 40, BasePrice: 510_000, Winner: domain.OutcomeSea}
	require.NoError(t, cache.SetSnapshot(ctx, 7, state))

	got, err := cache.GetSnapshot(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	mr.FastForward(2 * time.Minute)
	_, err = cache.GetSnapshot(ctx, 7)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSessionStore(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	store := NewSessionStore(c, "")

	_, err := store.Get(ctx, "wc_session")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.Set(ctx, "wc_session", `{"topic":"t"}`))
	v, err := store.Get(ctx, "wc_session")
	require.NoError(t, err)
	assert.Equal(t, `{"topic":"t"}`, v)

	require.NoError(t, store.Delete(ctx, "wc_session"))
	require.NoError(t, store.Delete(ctx, "wc_session"))
	_, err = store.Get(ctx, "wc_session")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	ch, err := bus.Subscribe(ctx, domain.ChannelMarket)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelMarket, []byte(`{"type":"market_state"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"type":"market_state"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	for range ch {
	}
}

func TestSignalBusStream(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	bus := NewSignalBus(c)

	msgs, err := bus.StreamRead(ctx, domain.StreamSnapshots, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamSnapshots, []byte(p)))
	}
	msgs, err = bus.StreamRead(ctx, domain.StreamSnapshots, "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("a"), msgs[0].Payload)

	rest, err := bus.StreamRead(ctx, domain.StreamSnapshots, msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("c"), rest[0].Payload)

	require.NoError(t, bus.StreamTrim(ctx, domain.StreamSnapshots, rest[0].ID))
	all, err := bus.StreamRead(ctx, domain.StreamSnapshots, "0", 10)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte("c"), all[0].Payload)
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	locks := NewLockManager(c)

	unlock, err := locks.Acquire(ctx, "flow:ABC", time.Minute)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "flow:ABC", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()

	again, err := locks.Acquire(ctx, "flow:ABC", time.Minute)
	require.NoError(t, err)
	again()
}

func TestRateLimiter(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "api:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "api:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
