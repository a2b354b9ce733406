package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/crypto"
	"github.com/alanyoungcy/sbmarket/internal/domain"
	"github.com/alanyoungcy/sbmarket/internal/notify"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: map[string]string{}} }

func (s *memStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	for i, n := range r.notes {
		out[i] = n.Title
	}
	return out
}

type fakeProvider struct {
	kind         domain.ProviderKind
	addr         string
	restoreAddr  string
	signed       [][]byte
	connectErr   error
	disconnected int
	remote       func()
}

func (f *fakeProvider) Kind() domain.ProviderKind      { return f.kind }
func (f *fakeProvider) Available(context.Context) bool { return true }
func (f *fakeProvider) Address() string                { return f.addr }
func (f *fakeProvider) OnRemoteDisconnect(fn func())   { f.remote = fn }

func (f *fakeProvider) Disconnect(context.Context) error {
	f.disconnected++
	return nil
}

func (f *fakeProvider) Connect(context.Context) (string, error) {
	if f.connectErr != nil {
		return "", f.connectErr
	}
	return f.addr, nil
}

func (f *fakeProvider) Restore(context.Context) (string, bool, error) {
	return f.restoreAddr, f.restoreAddr != "", nil
}

func (f *fakeProvider) Sign(context.Context, [][]byte) ([][]byte, error) {
	return f.signed, nil
}

func (f *fakeProvider) Submit(context.Context, [][]byte) ([]string, error) {
	return []string{"TXID"}, nil
}

type fakeSubmitter struct {
	calls int
}

func (f *fakeSubmitter) Submit(context.Context, [][]byte) ([]string, error) {
	f.calls++
	return []string{"DIRECT"}, nil
}

const testAddr = "VOIADDRESSAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAXYZW"

func TestShortenAddress(t *testing.T) {
	assert.Equal(t, "VOIADD...XYZW", ShortenAddress(testAddr))
	assert.Equal(t, "short", ShortenAddress("short"))
}

func TestTransitionDetector(t *testing.T) {
	var d TransitionDetector
	assert.Equal(t, TransitionNone, d.Observe(false))
	assert.Equal(t, TransitionConnected, d.Observe(true))
	assert.Equal(t, TransitionNone, d.Observe(true))
	assert.Equal(t, TransitionDisconnected, d.Observe(false))
	assert.Equal(t, TransitionNone, d.Observe(false))

	d.Prime(true)
	assert.Equal(t, TransitionNone, d.Observe(true))
}

func TestManagerConnectAndDisconnectNotifyOnce(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	notes := &recordingNotifier{}
	ext := &fakeProvider{kind: domain.ProviderExtension, addr: testAddr}
	m := NewManager([]Provider{ext}, store, notes, nil, discard)

	sess, err := m.Connect(ctx, domain.ProviderExtension)
	require.NoError(t, err)
	assert.True(t, sess.Connected)
	assert.Equal(t, testAddr, m.Address())
	v, _ := store.Get(ctx, KeyProvider)
	assert.Equal(t, "extension", v)

	require.NoError(t, m.Disconnect(ctx))
	require.NoError(t, m.Disconnect(ctx))
	assert.False(t, m.Connected())
	assert.False(t, store.has(KeyProvider))
	assert.Equal(t, 1, ext.disconnected)

	assert.Equal(t, []string{"Wallet Connected", "Wallet Disconnected"}, notes.titles())
}

func TestManagerSwitchDisconnectsPrevious(t *testing.T) {
	ctx := context.Background()
	ext := &fakeProvider{kind: domain.ProviderExtension, addr: testAddr}
	wc := &fakeProvider{kind: domain.ProviderWalletConnect, addr: "OTHER"}
	m := NewManager([]Provider{ext, wc}, newMemStore(), nil, nil, discard)

	_, err := m.Connect(ctx, domain.ProviderExtension)
	require.NoError(t, err)
	sess, err := m.Connect(ctx, domain.ProviderWalletConnect)
	require.NoError(t, err)

	assert.Equal(t, 1, ext.disconnected)
	assert.Equal(t, domain.ProviderWalletConnect, sess.Provider)
	assert.Equal(t, "OTHER", m.Address())
}

func TestManagerReportsAccountChanges(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ext := &fakeProvider{kind: domain.ProviderExtension, addr: testAddr}
	wc := &fakeProvider{kind: domain.ProviderWalletConnect, addr: "OTHER", restoreAddr: "OTHER"}
	m := NewManager([]Provider{ext, wc}, store, nil, nil, discard)

	var seen []string
	m.OnAccountChange(func(_ context.Context, addr string) { seen = append(seen, addr) })

	_, err := m.Connect(ctx, domain.ProviderExtension)
	require.NoError(t, err)
	_, err = m.Connect(ctx, domain.ProviderWalletConnect)
	require.NoError(t, err)
	require.NoError(t, m.Disconnect(ctx))
	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, []string{testAddr, "", "OTHER", ""}, seen)

	seen = nil
	require.NoError(t, store.Set(ctx, KeyProvider, "walletconnect"))
	require.NoError(t, m.Init(ctx))
	wc.remote()
	assert.Equal(t, []string{"OTHER", ""}, seen)
}

func TestManagerConnectFailureLeavesDisconnected(t *testing.T) {
	ext := &fakeProvider{kind: domain.ProviderExtension, connectErr: errors.New("User rejected")}
	m := NewManager([]Provider{ext}, newMemStore(), nil, nil, discard)

	_, err := m.Connect(context.Background(), domain.ProviderExtension)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "User rejected")
	assert.Equal(t, domain.WalletSession{}, m.Session())

	_, err = m.Connect(context.Background(), domain.ProviderLocal)
	assert.ErrorIs(t, err, domain.ErrNoProvider)
}

func TestManagerInitRestoresWithoutToast(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Set(ctx, KeyProvider, "walletconnect"))
	notes := &recordingNotifier{}
	wc := &fakeProvider{kind: domain.ProviderWalletConnect, restoreAddr: testAddr}
	m := NewManager([]Provider{wc}, store, notes, nil, discard)

	require.NoError(t, m.Init(ctx))
	assert.True(t, m.Connected())
	assert.Empty(t, notes.titles())

	wc.remote()
	assert.False(t, m.Connected())
	assert.False(t, store.has(KeyProvider))
	assert.Equal(t, []string{"Wallet Disconnected"}, notes.titles())
}

func TestManagerInitWithNothingToRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	require.NoError(t, store.Set(ctx, KeyProvider, "walletconnect"))
	wc := &fakeProvider{kind: domain.ProviderWalletConnect}
	m := NewManager([]Provider{wc}, store, nil, nil, discard)

	require.NoError(t, m.Init(ctx))
	assert.False(t, m.Connected())
	assert.False(t, store.has(KeyProvider))
}

func TestManagerSignFiltersDeclined(t *testing.T) {
	ctx := context.Background()
	ext := &fakeProvider{kind: domain.ProviderExtension, addr: testAddr}
	m := NewManager([]Provider{ext}, newMemStore(), nil, nil, discard)

	_, err := m.Sign(ctx, [][]byte{{1}})
	assert.ErrorIs(t, err, domain.ErrNotConnected)

	_, err = m.Connect(ctx, domain.ProviderExtension)
	require.NoError(t, err)

	ext.signed = [][]byte{{0xa}, nil, {0xb}}
	got, err := m.Sign(ctx, [][]byte{{1}, {2}, {3}})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xa}, {0xb}}, got)

	ext.signed = [][]byte{nil, nil}
	_, err = m.Sign(ctx, [][]byte{{1}, {2}})
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

// bridge is an httptest ARC-0027 endpoint.
type bridge struct {
	methods []string
	stxns   []*string
	postErr *ARC27Error
	calls   []string
}

func (b *bridge) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/arc0027", r.URL.Path)
		var req arc27Request
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		method := strings.TrimSuffix(strings.TrimPrefix(req.Reference, "arc0027:"), ":request")
		b.calls = append(b.calls, method)

		resp := map[string]any{"id": "r", "requestId": req.ID, "reference": "arc0027:" + method + ":response"}
		switch method {
		case "discover":
			resp["result"] = map[string]any{"providerId": "kibisis", "methods": b.methods}
		case "enable":
			resp["result"] = map[string]any{"accounts": []map[string]string{{"address": testAddr}, {"address": "SECOND"}}}
		case "signTxns":
			resp["result"] = map[string]any{"stxns": b.stxns}
		case "postTxns":
			if b.postErr != nil {
				resp["error"] = b.postErr
			} else {
				resp["result"] = map[string]any{"txnIDs": []string{"POSTED"}}
			}
		case "disable":
			resp["result"] = map[string]any{}
		}
		assert.NoError(t, json.NewEncoder(w).Encode(resp))
	}
}

func TestExtensionFlow(t *testing.T) {
	ctx := context.Background()
	signed := base64.StdEncoding.EncodeToString([]byte("signed"))
	b := &bridge{methods: []string{"enable", "signTxns", "postTxns"}, stxns: []*string{&signed, nil}}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	store := newMemStore()
	sub := &fakeSubmitter{}
	ext := NewExtension(ExtensionConfig{BridgeURL: srv.URL + "/", ProviderID: "kibisis"}, store, sub, discard)

	require.True(t, ext.Available(ctx))
	addr, err := ext.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, testAddr, addr)
	saved, _ := store.Get(ctx, KeyExtensionAddress)
	assert.Equal(t, testAddr, saved)

	out, err := ext.Sign(ctx, [][]byte{{1}, {2}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, []byte("signed"), out[0])
	assert.Nil(t, out[1])

	ids, err := ext.Submit(ctx, [][]byte{[]byte("signed")})
	require.NoError(t, err)
	assert.Equal(t, []string{"POSTED"}, ids)
	assert.Zero(t, sub.calls)

	require.NoError(t, ext.Disconnect(ctx))
	assert.False(t, store.has(KeyExtensionAddress))
	assert.Empty(t, ext.Address())
	assert.Contains(t, b.calls, "disable")
}

func TestExtensionSubmitFallsBack(t *testing.T) {
	ctx := context.Background()
	b := &bridge{methods: []string{"enable", "signTxns", "postTxns"}, postErr: &ARC27Error{Code: ARC27MethodNotSupported, Message: "not supported"}}
	srv := httptest.NewServer(b.handler(t))
	defer srv.Close()

	sub := &fakeSubmitter{}
	ext := NewExtension(ExtensionConfig{BridgeURL: srv.URL, ProviderID: "kibisis"}, newMemStore(), sub, discard)

	ids, err := ext.Submit(ctx, [][]byte{{1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"DIRECT"}, ids)
	assert.Equal(t, 1, sub.calls)

	// Discovery that omits postTxns skips the bridge entirely.
	b.methods = []string{"enable", "signTxns"}
	require.True(t, ext.Available(ctx))
	b.calls = nil
	_, err = ext.Submit(ctx, [][]byte{{1}})
	require.NoError(t, err)
	assert.NotContains(t, b.calls, "postTxns")
	assert.Equal(t, 2, sub.calls)
}

func TestExtensionRejectionIsReadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"code": ARC27MethodCanceled, "message": "user dismissed"},
		})
	}))
	defer srv.Close()

	ext := NewExtension(ExtensionConfig{BridgeURL: srv.URL, ProviderID: "kibisis"}, newMemStore(), nil, discard)
	_, err := ext.Connect(context.Background())
	var arcErr *ARC27Error
	require.ErrorAs(t, err, &arcErr)
	assert.Contains(t, err.Error(), "request rejected")
}

func TestExtensionRestore(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	ext := NewExtension(ExtensionConfig{BridgeURL: "http://127.0.0.1:1", ProviderID: "kibisis"}, store, nil, discard)

	_, ok, err := ext.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, KeyExtensionAddress, testAddr))
	addr, ok, err := ext.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, testAddr, addr)
}

func TestLocalSignsAndRestores(t *testing.T) {
	ctx := context.Background()
	sk, words, err := crypto.NewAccount()
	require.NoError(t, err)
	addr, err := crypto.AddressOf(sk)
	require.NoError(t, err)

	store := newMemStore()
	sub := &fakeSubmitter{}
	local := NewLocal(crypto.KeyConfig{Mnemonic: words}, store, sub, discard)
	require.True(t, local.Available(ctx))

	got, err := local.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	sender, err := types.DecodeAddress(addr)
	require.NoError(t, err)
	tx := types.Transaction{
		Type:             types.PaymentTx,
		Header:           types.Header{Sender: sender, Fee: 1000, FirstValid: 1, LastValid: 10},
		PaymentTxnFields: types.PaymentTxnFields{Receiver: sender, Amount: 1},
	}
	signed, err := local.Sign(ctx, [][]byte{msgpack.Encode(tx)})
	require.NoError(t, err)
	require.Len(t, signed, 1)

	ids, err := local.Submit(ctx, signed)
	require.NoError(t, err)
	assert.Equal(t, []string{"DIRECT"}, ids)

	fresh := NewLocal(crypto.KeyConfig{Mnemonic: words}, store, sub, discard)
	restored, ok, err := fresh.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, addr, restored)

	_, otherWords, err := crypto.NewAccount()
	require.NoError(t, err)
	mismatched := NewLocal(crypto.KeyConfig{Mnemonic: otherWords}, store, sub, discard)
	_, ok, err = mismatched.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.has(KeyLocalAddress))
}

type captureBus struct {
	mu   sync.Mutex
	msgs map[string][][]byte
}

func (b *captureBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msgs == nil {
		b.msgs = map[string][][]byte{}
	}
	b.msgs[channel] = append(b.msgs[channel], payload)
	return nil
}

func (b *captureBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return make(chan []byte), nil
}

func (b *captureBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *captureBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

func TestBusPresenter(t *testing.T) {
	bus := &captureBus{}
	p := NewBusPresenter(bus)

	require.NoError(t, p.Present(context.Background(), "wc:abc@2?relay-protocol=irn"))
	p.Dismiss(context.Background())

	msgs := bus.msgs[domain.ChannelPairing]
	require.Len(t, msgs, 2)

	var ev domain.Event
	require.NoError(t, json.Unmarshal(msgs[0], &ev))
	assert.Equal(t, EventPairing, ev.Type)
	var shown pairingEvent
	require.NoError(t, json.Unmarshal(ev.Payload, &shown))
	assert.True(t, shown.Active)
	assert.Equal(t, "wc:abc@2?relay-protocol=irn", shown.URI)

	require.NoError(t, json.Unmarshal(msgs[1], &ev))
	var hidden pairingEvent
	require.NoError(t, json.Unmarshal(ev.Payload, &hidden))
	assert.False(t, hidden.Active)
}
