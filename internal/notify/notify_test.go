package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordSender struct {
	name string
	got  []Notification
	err  error
}

func (r *recordSender) Send(ctx context.Context, n Notification) error {
	r.got = append(r.got, n)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func TestNotifierFiltersExceptUnfiltered(t *testing.T) {
	chat := &recordSender{name: "chat"}
	toast := &recordSender{name: "toast"}
	n := NewNotifier([]Sender{chat}, []string{EventTrade}, discard)
	n.AddUnfiltered(toast)

	require.NoError(t, n.Notify(context.Background(), Notification{Event: EventWallet, Title: "Wallet Connected"}))
	require.NoError(t, n.Notify(context.Background(), Notification{Event: EventTrade, Title: "Bought"}))

	assert.Len(t, chat.got, 1)
	assert.Equal(t, "Bought", chat.got[0].Title)
	assert.Len(t, toast.got, 2)
}

func TestNotifierCollectsErrors(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, discard)

	err := n.Notify(context.Background(), Notification{Event: EventError})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")
	assert.Len(t, good.got, 1)
}

func TestDiscordSender(t *testing.T) {
	var body map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDiscordSender(srv.URL)
	require.NoError(t, d.Send(context.Background(), Notification{Level: LevelSuccess, Title: "Purchase Confirmed", Message: "10 VOI"}))
	assert.Equal(t, "[ok] **Purchase Confirmed**\n10 VOI", body["content"])
}

func TestTelegramSenderStatus(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, "chat not found")
	}))
	defer srv.Close()

	tg := NewTelegramSender("TOKEN", "42")
	tg.apiBase = srv.URL
	err := tg.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
	assert.Equal(t, "/botTOKEN/sendMessage", path)
}
