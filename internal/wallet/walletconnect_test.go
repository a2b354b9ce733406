package wallet

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/crypto"
	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// memHub is an in-process relay. Messages published to a topic nobody else
// is subscribed to wait in a mailbox until someone subscribes.
type memHub struct {
	mu      sync.Mutex
	subs    map[string][]*memRelay
	mailbox map[string][]mailItem
}

type mailItem struct {
	from *memRelay
	msg  string
}

func newMemHub() *memHub {
	return &memHub{subs: map[string][]*memRelay{}, mailbox: map[string][]mailItem{}}
}

func (h *memHub) dial(_ context.Context, onMessage MessageHandler) (Relay, error) {
	r := &memRelay{hub: h, inbox: make(chan [2]string, 64), done: make(chan struct{})}
	go func() {
		for {
			select {
			case m := <-r.inbox:
				onMessage(m[0], m[1])
			case <-r.done:
				return
			}
		}
	}()
	return r, nil
}

type memRelay struct {
	hub   *memHub
	inbox chan [2]string
	done  chan struct{}
	once  sync.Once
}

func (r *memRelay) Subscribe(_ context.Context, topic string) error {
	h := r.hub
	h.mu.Lock()
	for _, s := range h.subs[topic] {
		if s == r {
			h.mu.Unlock()
			return nil
		}
	}
	h.subs[topic] = append(h.subs[topic], r)
	var deliver []string
	var keep []mailItem
	for _, item := range h.mailbox[topic] {
		if item.from == r {
			keep = append(keep, item)
			continue
		}
		deliver = append(deliver, item.msg)
	}
	h.mailbox[topic] = keep
	h.mu.Unlock()
	for _, m := range deliver {
		r.inbox <- [2]string{topic, m}
	}
	return nil
}

func (r *memRelay) Unsubscribe(_ context.Context, topic string) error {
	h := r.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[topic][:0]
	for _, s := range h.subs[topic] {
		if s != r {
			subs = append(subs, s)
		}
	}
	h.subs[topic] = subs
	return nil
}

func (r *memRelay) Publish(_ context.Context, topic, message string, _ int, _ time.Duration) error {
	h := r.hub
	h.mu.Lock()
	var targets []*memRelay
	for _, s := range h.subs[topic] {
		if s != r {
			targets = append(targets, s)
		}
	}
	if len(targets) == 0 {
		h.mailbox[topic] = append(h.mailbox[topic], mailItem{from: r, msg: message})
	}
	h.mu.Unlock()
	for _, s := range targets {
		s.inbox <- [2]string{topic, message}
	}
	return nil
}

func (r *memRelay) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// fakeWallet plays the mobile wallet side of a session.
type fakeWallet struct {
	t      *testing.T
	relay  Relay
	signer *crypto.Signer
	chain  string
	reject bool

	mu           sync.Mutex
	keys         map[string][]byte
	sessionTopic string
	methods      chan string
}

func newFakeWallet(t *testing.T, hub *memHub, chain string) *fakeWallet {
	sk, _, err := crypto.NewAccount()
	require.NoError(t, err)
	signer, err := crypto.NewSigner(sk)
	require.NoError(t, err)
	fw := &fakeWallet{t: t, signer: signer, chain: chain, keys: map[string][]byte{}, methods: make(chan string, 16)}
	relay, err := hub.dial(context.Background(), fw.onMessage)
	require.NoError(t, err)
	fw.relay = relay
	t.Cleanup(func() { _ = relay.Close() })
	return fw
}

// Present implements PairingPresenter by scanning the URI.
func (fw *fakeWallet) Present(ctx context.Context, uri string) error {
	topic, key, err := ParsePairingURI(uri)
	if err != nil {
		return err
	}
	fw.mu.Lock()
	fw.keys[topic] = key
	fw.mu.Unlock()
	return fw.relay.Subscribe(ctx, topic)
}

func (fw *fakeWallet) Dismiss(context.Context) {}

func (fw *fakeWallet) send(topic string, msg wcPayload) {
	fw.mu.Lock()
	key := fw.keys[topic]
	fw.mu.Unlock()
	plain, err := json.Marshal(msg)
	require.NoError(fw.t, err)
	sealed, err := crypto.SealEnvelope(key, plain)
	require.NoError(fw.t, err)
	require.NoError(fw.t, fw.relay.Publish(context.Background(), topic, sealed, 0, time.Minute))
}

func (fw *fakeWallet) onMessage(topic, message string) {
	fw.mu.Lock()
	key := fw.keys[topic]
	fw.mu.Unlock()
	plain, err := crypto.OpenEnvelope(key, message)
	if err != nil {
		return
	}
	var msg wcPayload
	if err := json.Unmarshal(plain, &msg); err != nil || msg.Method == "" {
		return
	}
	fw.methods <- msg.Method

	switch msg.Method {
	case "wc_sessionPropose":
		if fw.reject {
			fw.send(topic, wcPayload{ID: msg.ID, JSONRPC: "2.0", Error: &rpcError{Code: 5000, Message: "User rejected."}})
			return
		}
		var p struct {
			Proposer struct {
				PublicKey string `json:"publicKey"`
			} `json:"proposer"`
		}
		_ = json.Unmarshal(msg.Params, &p)
		kp, _ := crypto.NewKeyPair()
		sessionKey, _ := crypto.DeriveSymKey(kp.Private, p.Proposer.PublicKey)
		sessionTopic := crypto.TopicFromSymKey(sessionKey)
		fw.mu.Lock()
		fw.keys[sessionTopic] = sessionKey
		fw.sessionTopic = sessionTopic
		fw.mu.Unlock()
		_ = fw.relay.Subscribe(context.Background(), sessionTopic)

		result, _ := json.Marshal(map[string]any{
			"relay":              map[string]string{"protocol": "irn"},
			"responderPublicKey": kp.PublicHex(),
		})
		fw.send(topic, wcPayload{ID: msg.ID, JSONRPC: "2.0", Result: result})

		settle, _ := json.Marshal(map[string]any{
			"controller": map[string]any{"publicKey": kp.PublicHex(), "metadata": map[string]any{"name": "Test Wallet"}},
			"namespaces": map[string]any{"algorand": map[string]any{
				"accounts": []string{"algorand:" + fw.chain + ":" + fw.signer.Address()},
				"methods":  []string{methodSignTxn},
				"events":   []string{},
			}},
			"expiry": time.Now().Add(7 * 24 * time.Hour).Unix(),
		})
		fw.send(sessionTopic, wcPayload{ID: nextID(), JSONRPC: "2.0", Method: "wc_sessionSettle", Params: settle})

	case "wc_sessionRequest":
		var p struct {
			Request struct {
				Method string                `json:"method"`
				Params [][]map[string]string `json:"params"`
			} `json:"request"`
			ChainID string `json:"chainId"`
		}
		require.NoError(fw.t, json.Unmarshal(msg.Params, &p))
		assert.Equal(fw.t, methodSignTxn, p.Request.Method)
		assert.Equal(fw.t, "algorand:"+fw.chain, p.ChainID)
		var out []string
		for _, entry := range p.Request.Params[0] {
			raw, _ := base64.StdEncoding.DecodeString(entry["txn"])
			stx, err := fw.signer.SignEncoded(raw)
			require.NoError(fw.t, err)
			out = append(out, base64.StdEncoding.EncodeToString(stx))
		}
		result, _ := json.Marshal(out)
		fw.send(topic, wcPayload{ID: msg.ID, JSONRPC: "2.0", Result: result})
	}
}

func (fw *fakeWallet) deleteSession() {
	fw.mu.Lock()
	topic := fw.sessionTopic
	fw.mu.Unlock()
	params, _ := json.Marshal(map[string]any{"code": 6000, "message": "User disconnected"})
	fw.send(topic, wcPayload{ID: nextID(), JSONRPC: "2.0", Method: "wc_sessionDelete", Params: params})
}

func (fw *fakeWallet) waitFor(t *testing.T, method string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-fw.methods:
			if m == method {
				return
			}
		case <-deadline:
			t.Fatalf("wallet never received %s", method)
		}
	}
}

func testWCConfig() WalletConnectConfig {
	return WalletConnectConfig{
		ProjectID:       "project",
		ChainID:         "r20fSQI8gWe_kFZziNonSPCXLwcQmH_n",
		AppName:         "Super Bowl Prediction Market",
		AppDescription:  "VOI-powered Super Bowl LX prediction market",
		AppURL:          "http://localhost:8000",
		ApprovalTimeout: 5 * time.Second,
		RequestTimeout:  5 * time.Second,
	}
}

func unsignedFor(t *testing.T, addr string) []byte {
	t.Helper()
	sender, err := types.DecodeAddress(addr)
	require.NoError(t, err)
	return msgpack.Encode(types.Transaction{
		Type:             types.PaymentTx,
		Header:           types.Header{Sender: sender, Fee: 1000, FirstValid: 1, LastValid: 10},
		PaymentTxnFields: types.PaymentTxnFields{Receiver: sender, Amount: 1},
	})
}

func TestPairingURIRoundTrip(t *testing.T) {
	key, err := crypto.NewSymKey()
	require.NoError(t, err)
	uri := PairingURI("abcd", key)
	assert.Contains(t, uri, "wc:abcd@2?relay-protocol=irn&symKey=")

	topic, got, err := ParsePairingURI(uri)
	require.NoError(t, err)
	assert.Equal(t, "abcd", topic)
	assert.Equal(t, key, got)

	_, _, err = ParsePairingURI("https://example.com")
	require.Error(t, err)
}

func TestWalletConnectPairSignDisconnect(t *testing.T) {
	ctx := context.Background()
	hub := newMemHub()
	cfg := testWCConfig()
	fw := newFakeWallet(t, hub, cfg.ChainID)
	store := newMemStore()
	wc := NewWalletConnect(cfg, hub.dial, store, &fakeSubmitter{}, fw, discard)
	defer wc.Close()

	require.True(t, wc.Available(ctx))
	addr, err := wc.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, fw.signer.Address(), addr)
	assert.True(t, store.has(KeyWalletConnectSession))
	saved, _ := store.Get(ctx, KeyWalletConnectAddress)
	assert.Equal(t, addr, saved)

	signed, err := wc.Sign(ctx, [][]byte{unsignedFor(t, addr)})
	require.NoError(t, err)
	require.Len(t, signed, 1)
	var stx types.SignedTxn
	require.NoError(t, msgpack.Decode(signed[0], &stx))
	assert.NotEqual(t, types.Signature{}, stx.Sig)

	require.NoError(t, wc.Disconnect(ctx))
	fw.waitFor(t, "wc_sessionDelete")
	assert.False(t, store.has(KeyWalletConnectSession))
	assert.False(t, store.has(KeyWalletConnectAddress))

	_, err = wc.Sign(ctx, [][]byte{unsignedFor(t, addr)})
	require.EqualError(t, err, "WalletConnect session not active")
}

func TestWalletConnectRestoreResumesSession(t *testing.T) {
	ctx := context.Background()
	hub := newMemHub()
	cfg := testWCConfig()
	fw := newFakeWallet(t, hub, cfg.ChainID)
	store := newMemStore()

	first := NewWalletConnect(cfg, hub.dial, store, nil, fw, discard)
	addr, err := first.Connect(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := NewWalletConnect(cfg, hub.dial, store, nil, nil, discard)
	defer second.Close()
	got, ok, err := second.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, addr, got)

	signed, err := second.Sign(ctx, [][]byte{unsignedFor(t, addr)})
	require.NoError(t, err)
	assert.Len(t, signed, 1)
}

func TestWalletConnectRestoreClearsStaleState(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	wc := NewWalletConnect(testWCConfig(), newMemHub().dial, store, nil, nil, discard)

	require.NoError(t, store.Set(ctx, KeyWalletConnectAddress, testAddr))
	_, ok, err := wc.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.has(KeyWalletConnectAddress))

	expired, _ := json.Marshal(wcSession{Topic: "t", SymKey: "00", Address: testAddr, Expiry: time.Now().Add(-time.Hour).Unix()})
	require.NoError(t, store.Set(ctx, KeyWalletConnectSession, string(expired)))
	require.NoError(t, store.Set(ctx, KeyWalletConnectAddress, testAddr))
	_, ok, err = wc.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, store.has(KeyWalletConnectSession))
	assert.False(t, store.has(KeyWalletConnectAddress))
}

func TestWalletConnectRemoteDelete(t *testing.T) {
	ctx := context.Background()
	hub := newMemHub()
	cfg := testWCConfig()
	fw := newFakeWallet(t, hub, cfg.ChainID)
	store := newMemStore()
	wc := NewWalletConnect(cfg, hub.dial, store, nil, fw, discard)
	defer wc.Close()

	ended := make(chan struct{})
	wc.OnRemoteDisconnect(func() { close(ended) })

	_, err := wc.Connect(ctx)
	require.NoError(t, err)
	fw.deleteSession()

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("remote delete was not reported")
	}
	assert.Empty(t, wc.Address())
	assert.False(t, store.has(KeyWalletConnectSession))
}

func TestWalletConnectRejectedProposal(t *testing.T) {
	hub := newMemHub()
	cfg := testWCConfig()
	fw := newFakeWallet(t, hub, cfg.ChainID)
	fw.reject = true
	wc := NewWalletConnect(cfg, hub.dial, newMemStore(), nil, fw, discard)
	defer wc.Close()

	_, err := wc.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "User rejected")
}

func TestWalletConnectUnavailableWithoutProject(t *testing.T) {
	cfg := testWCConfig()
	cfg.ProjectID = ""
	wc := NewWalletConnect(cfg, newMemHub().dial, newMemStore(), nil, nil, discard)
	assert.False(t, wc.Available(context.Background()))
}

func TestLoadRelayAuthIsStable(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	a, err := LoadRelayAuth(ctx, store)
	require.NoError(t, err)
	b, err := LoadRelayAuth(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, a.ClientID(), b.ClientID())

	_, err = store.Get(ctx, KeyRelayIdentity)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}
