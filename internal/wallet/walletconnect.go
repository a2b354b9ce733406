package wallet

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/sbmarket/internal/crypto"
	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// Relay publish tags for each session message and its response.
const (
	tagSessionPropose         = 1100
	tagSessionProposeResponse = 1101
	tagSessionSettleResponse  = 1103
	tagSessionUpdateResponse  = 1105
	tagSessionExtendResponse  = 1107
	tagSessionRequest         = 1108
	tagSessionEventResponse   = 1111
	tagSessionDelete          = 1112
	tagSessionDeleteResponse  = 1113
	tagSessionPingResponse    = 1115
)

const (
	ttlFiveMinutes = 5 * time.Minute
	ttlOneDay      = 24 * time.Hour
	ttlPing        = 30 * time.Second

	// userDisconnectedCode is sent with wc_sessionDelete.
	userDisconnectedCode = 6000

	methodSignTxn = "algo_signTxn"
)

// errSessionNotActive is returned when signing without a live session.
var errSessionNotActive = errors.New("WalletConnect session not active")

// WalletConnectConfig configures the remote-session provider.
type WalletConnectConfig struct {
	ProjectID       string
	ChainID         string
	AppName         string
	AppDescription  string
	AppURL          string
	ApprovalTimeout time.Duration
	RequestTimeout  time.Duration
}

// CAIPChain returns the chain reference used in namespaces and requests.
func (c WalletConnectConfig) CAIPChain() string {
	return "algorand:" + c.ChainID
}

type wcPayload struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type wcMetadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Icons       []string `json:"icons"`
}

type wcNamespace struct {
	Chains   []string `json:"chains,omitempty"`
	Accounts []string `json:"accounts,omitempty"`
	Methods  []string `json:"methods"`
	Events   []string `json:"events"`
}

type wcSettleParams struct {
	Controller struct {
		PublicKey string     `json:"publicKey"`
		Metadata  wcMetadata `json:"metadata"`
	} `json:"controller"`
	Namespaces map[string]wcNamespace `json:"namespaces"`
	Expiry     int64                  `json:"expiry"`
}

// wcSession is the persisted record of an approved session.
type wcSession struct {
	Topic    string `json:"topic"`
	SymKey   string `json:"sym_key"`
	Address  string `json:"address"`
	PeerName string `json:"peer_name,omitempty"`
	Expiry   int64  `json:"expiry"`
}

func (s *wcSession) expired(now time.Time) bool {
	return s.Expiry > 0 && now.Unix() >= s.Expiry
}

// WalletConnect pairs with a mobile wallet through the relay. The session it
// negotiates is persisted so later runs can sign without a new approval.
type WalletConnect struct {
	cfg       WalletConnectConfig
	dial      RelayDialer
	store     domain.SessionStore
	submitter GroupSubmitter
	presenter PairingPresenter
	logger    *slog.Logger

	mu       sync.Mutex
	relay    Relay
	keys     map[string][]byte
	pending  map[int64]chan wcPayload
	settle   map[string]chan wcSettleParams
	session  *wcSession
	onRemote func()
}

// NewWalletConnect creates the provider. presenter may be nil, in which case
// the pairing URI is only logged.
func NewWalletConnect(
	cfg WalletConnectConfig,
	dial RelayDialer,
	store domain.SessionStore,
	submitter GroupSubmitter,
	presenter PairingPresenter,
	logger *slog.Logger,
) *WalletConnect {
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 5 * time.Minute
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	return &WalletConnect{
		cfg:       cfg,
		dial:      dial,
		store:     store,
		submitter: submitter,
		presenter: presenter,
		logger:    logger.With(slog.String("component", "wallet_walletconnect")),
		keys:      make(map[string][]byte),
		pending:   make(map[int64]chan wcPayload),
		settle:    make(map[string]chan wcSettleParams),
	}
}

func (w *WalletConnect) Kind() domain.ProviderKind { return domain.ProviderWalletConnect }

// Available reports whether a relay project is configured.
func (w *WalletConnect) Available(context.Context) bool {
	return w.dial != nil && w.cfg.ProjectID != ""
}

func (w *WalletConnect) Address() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return ""
	}
	return w.session.Address
}

// OnRemoteDisconnect registers fn to run when the wallet deletes the session.
func (w *WalletConnect) OnRemoteDisconnect(fn func()) {
	w.mu.Lock()
	w.onRemote = fn
	w.mu.Unlock()
}

// PairingURI formats the URI a wallet scans to join a pairing topic.
func PairingURI(topic string, symKey []byte) string {
	return fmt.Sprintf("wc:%s@2?relay-protocol=irn&symKey=%s", topic, hex.EncodeToString(symKey))
}

// ParsePairingURI is the inverse of PairingURI.
func ParsePairingURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "wc:")
	if !ok {
		return "", nil, fmt.Errorf("walletconnect: not a pairing uri: %q", uri)
	}
	topicPart, query, _ := strings.Cut(rest, "?")
	topic, _, _ := strings.Cut(topicPart, "@")
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("walletconnect: pairing uri query: %w", err)
	}
	key, err := hex.DecodeString(values.Get("symKey"))
	if err != nil || len(key) != crypto.SymKeyLen {
		return "", nil, errors.New("walletconnect: pairing uri has no valid symKey")
	}
	return topic, key, nil
}

// Connect proposes a session over a fresh pairing topic and waits for the
// wallet to approve and settle it.
func (w *WalletConnect) Connect(ctx context.Context) (string, error) {
	relay, err := w.ensureRelay(ctx)
	if err != nil {
		return "", err
	}

	pairingKey, err := crypto.NewSymKey()
	if err != nil {
		return "", err
	}
	pairingTopic, err := crypto.NewTopic()
	if err != nil {
		return "", err
	}
	self, err := crypto.NewKeyPair()
	if err != nil {
		return "", err
	}

	w.mu.Lock()
	w.keys[pairingTopic] = pairingKey
	w.mu.Unlock()
	defer func() {
		_ = relay.Unsubscribe(context.Background(), pairingTopic)
		w.mu.Lock()
		delete(w.keys, pairingTopic)
		w.mu.Unlock()
	}()

	if err := relay.Subscribe(ctx, pairingTopic); err != nil {
		return "", fmt.Errorf("walletconnect: %w", err)
	}

	approveCtx, cancel := context.WithTimeout(ctx, w.cfg.ApprovalTimeout)
	defer cancel()

	proposal := map[string]any{
		"requiredNamespaces": map[string]any{},
		"optionalNamespaces": map[string]wcNamespace{
			"algorand": {
				Chains:  []string{w.cfg.CAIPChain()},
				Methods: []string{methodSignTxn},
				Events:  []string{},
			},
		},
		"relays": []map[string]string{{"protocol": "irn"}},
		"proposer": map[string]any{
			"publicKey": self.PublicHex(),
			"metadata":  w.metadata(),
		},
		"expiryTimestamp": time.Now().Add(w.cfg.ApprovalTimeout).Unix(),
	}
	res, err := w.request(approveCtx, pairingTopic, pairingKey, "wc_sessionPropose", proposal, tagSessionPropose, ttlFiveMinutes, func() {
		uri := PairingURI(pairingTopic, pairingKey)
		w.logger.InfoContext(ctx, "walletconnect pairing ready", slog.String("topic", pairingTopic[:8]))
		if w.presenter != nil {
			if err := w.presenter.Present(ctx, uri); err != nil {
				w.logger.WarnContext(ctx, "presenting pairing uri", slog.String("error", err.Error()))
			}
		}
	})
	if w.presenter != nil {
		defer w.presenter.Dismiss(context.Background())
	}
	if err != nil {
		return "", w.approvalErr(err)
	}

	var approval struct {
		ResponderPublicKey string `json:"responderPublicKey"`
	}
	if err := json.Unmarshal(res, &approval); err != nil || approval.ResponderPublicKey == "" {
		return "", errors.New("walletconnect: malformed proposal response")
	}

	sessionKey, err := crypto.DeriveSymKey(self.Private, approval.ResponderPublicKey)
	if err != nil {
		return "", err
	}
	sessionTopic := crypto.TopicFromSymKey(sessionKey)
	settleCh := make(chan wcSettleParams, 1)

	w.mu.Lock()
	w.keys[sessionTopic] = sessionKey
	w.settle[sessionTopic] = settleCh
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.settle, sessionTopic)
		w.mu.Unlock()
	}()

	if err := relay.Subscribe(ctx, sessionTopic); err != nil {
		return "", fmt.Errorf("walletconnect: %w", err)
	}

	var settled wcSettleParams
	select {
	case settled = <-settleCh:
	case <-approveCtx.Done():
		w.dropTopic(sessionTopic)
		return "", w.approvalErr(approveCtx.Err())
	}

	addr := firstAccount(settled.Namespaces["algorand"].Accounts)
	if addr == "" {
		w.dropTopic(sessionTopic)
		return "", errors.New("walletconnect: wallet approved without an account")
	}

	sess := &wcSession{
		Topic:    sessionTopic,
		SymKey:   hex.EncodeToString(sessionKey),
		Address:  addr,
		PeerName: settled.Controller.Metadata.Name,
		Expiry:   settled.Expiry,
	}
	if err := w.persist(ctx, sess); err != nil {
		return "", err
	}
	w.mu.Lock()
	w.session = sess
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "walletconnect session settled",
		slog.String("peer", sess.PeerName),
		slog.String("address", ShortenAddress(addr)),
	)
	return addr, nil
}

// Restore resumes the persisted session. A missing session also clears any
// stale saved address; an expired one is discarded.
func (w *WalletConnect) Restore(ctx context.Context) (string, bool, error) {
	raw, err := w.store.Get(ctx, KeyWalletConnectSession)
	if errors.Is(err, domain.ErrNotFound) {
		if _, aerr := w.store.Get(ctx, KeyWalletConnectAddress); aerr == nil {
			w.logger.InfoContext(ctx, "clearing stale walletconnect address")
			_ = w.store.Delete(ctx, KeyWalletConnectAddress)
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("walletconnect: restore: %w", err)
	}

	var sess wcSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		w.clearPersisted(ctx)
		return "", false, nil
	}
	if sess.expired(time.Now()) {
		w.logger.InfoContext(ctx, "walletconnect session expired", slog.String("address", ShortenAddress(sess.Address)))
		w.clearPersisted(ctx)
		return "", false, nil
	}
	key, err := hex.DecodeString(sess.SymKey)
	if err != nil || len(key) != crypto.SymKeyLen {
		w.clearPersisted(ctx)
		return "", false, nil
	}

	relay, err := w.ensureRelay(ctx)
	if err != nil {
		return "", false, err
	}
	w.mu.Lock()
	w.keys[sess.Topic] = key
	w.mu.Unlock()
	if err := relay.Subscribe(ctx, sess.Topic); err != nil {
		return "", false, fmt.Errorf("walletconnect: restore: %w", err)
	}

	w.mu.Lock()
	w.session = &sess
	w.mu.Unlock()
	return sess.Address, true, nil
}

// Disconnect tells the wallet the session is over and clears local state.
func (w *WalletConnect) Disconnect(ctx context.Context) error {
	w.mu.Lock()
	sess := w.session
	relay := w.relay
	w.mu.Unlock()

	if sess != nil && relay != nil {
		key, _ := hex.DecodeString(sess.SymKey)
		params := map[string]any{"code": userDisconnectedCode, "message": "User disconnected"}
		if err := w.notifyPeer(ctx, sess.Topic, key, "wc_sessionDelete", params, tagSessionDelete, ttlOneDay); err != nil {
			w.logger.WarnContext(ctx, "sending session delete", slog.String("error", err.Error()))
		}
		_ = relay.Unsubscribe(ctx, sess.Topic)
	}
	w.reset(ctx)
	return nil
}

// Sign asks the wallet to sign the group with algo_signTxn.
func (w *WalletConnect) Sign(ctx context.Context, unsigned [][]byte) ([][]byte, error) {
	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()
	if sess == nil {
		return nil, errSessionNotActive
	}
	if sess.expired(time.Now()) {
		w.reset(ctx)
		return nil, domain.ErrSessionExpired
	}
	key, err := hex.DecodeString(sess.SymKey)
	if err != nil {
		return nil, errSessionNotActive
	}

	txns := make([]map[string]string, len(unsigned))
	for i, u := range unsigned {
		txns[i] = map[string]string{"txn": base64.StdEncoding.EncodeToString(u)}
	}
	params := map[string]any{
		"request": map[string]any{
			"method": methodSignTxn,
			"params": []any{txns},
		},
		"chainId": w.cfg.CAIPChain(),
	}

	reqCtx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()
	res, err := w.request(reqCtx, sess.Topic, key, "wc_sessionRequest", params, tagSessionRequest, ttlFiveMinutes, nil)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.New("walletconnect: signing request timed out")
		}
		return nil, fmt.Errorf("walletconnect: %w", err)
	}

	var stxns []*string
	if err := json.Unmarshal(res, &stxns); err != nil {
		return nil, fmt.Errorf("walletconnect: decode signatures: %w", err)
	}
	return decodeSigned(stxns)
}

// Submit posts directly to the network; the wallet only signs.
func (w *WalletConnect) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	if w.submitter == nil {
		return nil, fmt.Errorf("walletconnect: submit: %w", domain.ErrUnsupported)
	}
	return w.submitter.Submit(ctx, signed)
}

// Close releases the relay connection.
func (w *WalletConnect) Close() error {
	w.mu.Lock()
	relay := w.relay
	w.relay = nil
	w.mu.Unlock()
	if relay == nil {
		return nil
	}
	return relay.Close()
}

func (w *WalletConnect) ensureRelay(ctx context.Context) (Relay, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.relay != nil {
		return w.relay, nil
	}
	if w.dial == nil {
		return nil, fmt.Errorf("walletconnect: %w", domain.ErrProviderUnavailable)
	}
	r, err := w.dial(ctx, w.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("walletconnect: %w", err)
	}
	w.relay = r
	return r, nil
}

// request publishes an encrypted JSON-RPC request and waits for the peer's
// response. published runs once the message is on the relay.
func (w *WalletConnect) request(
	ctx context.Context,
	topic string,
	key []byte,
	method string,
	params any,
	tag int,
	ttl time.Duration,
	published func(),
) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	msg := wcPayload{ID: nextID(), JSONRPC: "2.0", Method: method, Params: raw}
	ch := make(chan wcPayload, 1)

	w.mu.Lock()
	relay := w.relay
	w.pending[msg.ID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, msg.ID)
		w.mu.Unlock()
	}()
	if relay == nil {
		return nil, errSessionNotActive
	}

	if err := w.publish(ctx, relay, topic, key, msg, tag, ttl); err != nil {
		return nil, err
	}
	if published != nil {
		published()
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// notifyPeer publishes a request without waiting for its response.
func (w *WalletConnect) notifyPeer(ctx context.Context, topic string, key []byte, method string, params any, tag int, ttl time.Duration) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	w.mu.Lock()
	relay := w.relay
	w.mu.Unlock()
	if relay == nil {
		return errSessionNotActive
	}
	return w.publish(ctx, relay, topic, key, wcPayload{ID: nextID(), JSONRPC: "2.0", Method: method, Params: raw}, tag, ttl)
}

func (w *WalletConnect) respond(topic string, key []byte, id int64, tag int, ttl time.Duration) {
	w.mu.Lock()
	relay := w.relay
	w.mu.Unlock()
	if relay == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	msg := wcPayload{ID: id, JSONRPC: "2.0", Result: json.RawMessage("true")}
	if err := w.publish(ctx, relay, topic, key, msg, tag, ttl); err != nil {
		w.logger.Debug("acknowledging wallet request", slog.String("error", err.Error()))
	}
}

func (w *WalletConnect) publish(ctx context.Context, relay Relay, topic string, key []byte, msg wcPayload, tag int, ttl time.Duration) error {
	plain, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	sealed, err := crypto.SealEnvelope(key, plain)
	if err != nil {
		return err
	}
	if err := relay.Publish(ctx, topic, sealed, tag, ttl); err != nil {
		return fmt.Errorf("walletconnect: %w", err)
	}
	return nil
}

// handleMessage is the relay callback. It must not block on the relay, so
// acknowledgements are published from their own goroutines.
func (w *WalletConnect) handleMessage(topic, message string) {
	w.mu.Lock()
	key := w.keys[topic]
	w.mu.Unlock()
	if key == nil {
		return
	}

	plain, err := crypto.OpenEnvelope(key, message)
	if err != nil {
		w.logger.Debug("dropping undecryptable relay message", slog.String("error", err.Error()))
		return
	}
	var msg wcPayload
	if err := json.Unmarshal(plain, &msg); err != nil {
		return
	}

	if msg.Method == "" {
		w.mu.Lock()
		ch, ok := w.pending[msg.ID]
		w.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
		return
	}

	switch msg.Method {
	case "wc_sessionSettle":
		var p wcSettleParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			return
		}
		w.mu.Lock()
		ch, ok := w.settle[topic]
		w.mu.Unlock()
		if ok {
			select {
			case ch <- p:
			default:
			}
		}
		go w.respond(topic, key, msg.ID, tagSessionSettleResponse, ttlFiveMinutes)

	case "wc_sessionDelete":
		go w.respond(topic, key, msg.ID, tagSessionDeleteResponse, ttlOneDay)
		w.mu.Lock()
		active := w.session != nil && w.session.Topic == topic
		fn := w.onRemote
		w.mu.Unlock()
		if active {
			go func() {
				w.reset(context.Background())
				if fn != nil {
					fn()
				}
			}()
		}

	case "wc_sessionExtend":
		var p struct {
			Expiry int64 `json:"expiry"`
		}
		if json.Unmarshal(msg.Params, &p) == nil && p.Expiry > 0 {
			w.extend(topic, p.Expiry)
		}
		go w.respond(topic, key, msg.ID, tagSessionExtendResponse, ttlOneDay)

	case "wc_sessionUpdate":
		go w.respond(topic, key, msg.ID, tagSessionUpdateResponse, ttlOneDay)

	case "wc_sessionEvent":
		go w.respond(topic, key, msg.ID, tagSessionEventResponse, ttlFiveMinutes)

	case "wc_sessionPing":
		go w.respond(topic, key, msg.ID, tagSessionPingResponse, ttlPing)

	default:
		w.logger.Debug("ignoring wallet request", slog.String("method", msg.Method))
	}
}

func (w *WalletConnect) extend(topic string, expiry int64) {
	w.mu.Lock()
	sess := w.session
	if sess == nil || sess.Topic != topic {
		w.mu.Unlock()
		return
	}
	updated := *sess
	updated.Expiry = expiry
	w.session = &updated
	w.mu.Unlock()
	if err := w.persist(context.Background(), &updated); err != nil {
		w.logger.Warn("persisting extended session", slog.String("error", err.Error()))
	}
}

func (w *WalletConnect) persist(ctx context.Context, sess *wcSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := w.store.Set(ctx, KeyWalletConnectSession, string(raw)); err != nil {
		return fmt.Errorf("walletconnect: persisting session: %w", err)
	}
	if err := w.store.Set(ctx, KeyWalletConnectAddress, sess.Address); err != nil {
		return fmt.Errorf("walletconnect: persisting address: %w", err)
	}
	return nil
}

func (w *WalletConnect) reset(ctx context.Context) {
	w.mu.Lock()
	if w.session != nil {
		delete(w.keys, w.session.Topic)
	}
	w.session = nil
	w.mu.Unlock()
	w.clearPersisted(ctx)
}

func (w *WalletConnect) clearPersisted(ctx context.Context) {
	_ = w.store.Delete(ctx, KeyWalletConnectSession)
	_ = w.store.Delete(ctx, KeyWalletConnectAddress)
}

func (w *WalletConnect) dropTopic(topic string) {
	w.mu.Lock()
	relay := w.relay
	delete(w.keys, topic)
	w.mu.Unlock()
	if relay != nil {
		_ = relay.Unsubscribe(context.Background(), topic)
	}
}

func (w *WalletConnect) metadata() wcMetadata {
	return wcMetadata{
		Name:        w.cfg.AppName,
		Description: w.cfg.AppDescription,
		URL:         w.cfg.AppURL,
		Icons:       []string{strings.TrimRight(w.cfg.AppURL, "/") + "/favicon.ico"},
	}
}

func (w *WalletConnect) approvalErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.New("walletconnect: proposal expired before the wallet approved")
	}
	var rpcErr *rpcError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("walletconnect: %s", rpcErr.Message)
	}
	return fmt.Errorf("walletconnect: %w", err)
}

// firstAccount extracts the address from the first "algorand:<chain>:<addr>"
// account entry.
func firstAccount(accounts []string) string {
	for _, a := range accounts {
		if i := strings.LastIndex(a, ":"); i >= 0 && i+1 < len(a) {
			return a[i+1:]
		}
	}
	return ""
}

// LoadRelayAuth returns the relay identity saved in store, creating and
// saving one on first use so the client id stays stable across runs.
func LoadRelayAuth(ctx context.Context, store domain.SessionStore) (*crypto.RelayAuth, error) {
	raw, err := store.Get(ctx, KeyRelayIdentity)
	if err == nil {
		seed, derr := hex.DecodeString(raw)
		if derr == nil && len(seed) == ed25519.SeedSize {
			return crypto.NewRelayAuth(ed25519.NewKeyFromSeed(seed))
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("walletconnect: loading relay identity: %w", err)
	}

	auth, err := crypto.NewRelayAuth(nil)
	if err != nil {
		return nil, err
	}
	if err := store.Set(ctx, KeyRelayIdentity, hex.EncodeToString(auth.Seed())); err != nil {
		return nil, fmt.Errorf("walletconnect: saving relay identity: %w", err)
	}
	return auth, nil
}
