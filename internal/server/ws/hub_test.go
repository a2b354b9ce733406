package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

type chanBus struct {
	mu    sync.Mutex
	chans map[string]chan []byte
	ready sync.WaitGroup
}

func newChanBus() *chanBus {
	b := &chanBus{chans: map[string]chan []byte{}}
	b.ready.Add(len(Channels))
	return b
}

func (b *chanBus) ch(name string) chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.chans[name]
	if !ok {
		c = make(chan []byte, 8)
		b.chans[name] = c
	}
	return c
}

func (b *chanBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.ch(channel) <- payload
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	defer b.ready.Done()
	return b.ch(channel), nil
}

func (b *chanBus) StreamAppend(ctx context.Context, stream string, payload []byte) error { return nil }

func (b *chanBus) StreamRead(ctx context.Context, stream, lastID string, count int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestHubSendsHelloThenForwardsBus(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := newChanBus()
	hub := NewHub(bus, func(context.Context) any {
		return map[string]any{"phase": "none"}
	}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	bus.ready.Wait()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	hello := readEvent(t, conn)
	assert.Equal(t, "hello", hello.Type)
	assert.JSONEq(t, `{"phase":"none"}`, string(hello.Payload))

	raw, err := domain.EncodeEvent("toast", map[string]string{"title": "Wallet Connected"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelToast, raw))

	ev := readEvent(t, conn)
	assert.Equal(t, "toast", ev.Type)
}

func TestHubHonoursUnsubscribe(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := newChanBus()
	hub := NewHub(bus, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	bus.ready.Wait()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "unsubscribe", Channels: []string{domain.ChannelMarket}}))
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			return !c.isSubscribed(domain.ChannelMarket)
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	market, _ := domain.EncodeEvent("market_state", map[string]int{"sea_prob": 52})
	phase, _ := domain.EncodeEvent("phase", map[string]string{"phase": "signing"})
	require.NoError(t, bus.Publish(ctx, domain.ChannelMarket, market))
	require.NoError(t, bus.Publish(ctx, domain.ChannelPhase, phase))

	ev := readEvent(t, conn)
	assert.Equal(t, "phase", ev.Type)
}

func TestHubStopsAcceptingAfterShutdown(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := newChanBus()
	hub := NewHub(bus, nil, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- hub.Run(ctx) }()
	bus.ready.Wait()

	returned := make(chan struct{}, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleWS(w, r)
		returned <- struct{}{}
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	early, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer early.Close()
	<-returned
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	assert.Zero(t, hub.ClientCount())

	// The registered client is closed by the hub.
	require.NoError(t, early.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = early.ReadMessage()
	assert.Error(t, err)

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer late.Close()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("upgrade handler still waiting on a stopped hub")
	}
	require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = late.ReadMessage()
	assert.Error(t, err)
}
