package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/sbmarket/internal/crypto"
	"github.com/alanyoungcy/sbmarket/internal/domain"
)

const (
	// writeWait is the time allowed to write a frame to the relay.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the relay.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before redialing; it doubles up to
	// maxReconnectDelay.
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// MessageHandler receives raw relay messages by topic.
type MessageHandler func(topic, message string)

// Relay is the publish/subscribe transport between this process and the
// wallet.
type Relay interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic, message string, tag int, ttl time.Duration) error
	Close() error
}

// RelayDialer opens a Relay that delivers inbound messages to onMessage.
type RelayDialer func(ctx context.Context, onMessage MessageHandler) (Relay, error)

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

type relayFrame struct {
	ID      int64           `json:"id"`
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type subscriptionParams struct {
	ID   string `json:"id"`
	Data struct {
		Topic   string `json:"topic"`
		Message string `json:"message"`
	} `json:"data"`
}

// WSRelay is a JSON-RPC client for the irn relay protocol over a WebSocket.
// It re-dials with backoff when the connection drops and restores its
// subscriptions.
type WSRelay struct {
	relayURL  string
	projectID string
	auth      *crypto.RelayAuth
	onMessage MessageHandler
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	conn    *websocket.Conn
	closed  bool
	pending map[int64]chan relayFrame
	// topic -> subscription id
	subs map[string]string

	done chan struct{}
}

// NewRelayDialer returns a RelayDialer for the relay at relayURL.
func NewRelayDialer(relayURL, projectID string, auth *crypto.RelayAuth, logger *slog.Logger) RelayDialer {
	return func(ctx context.Context, onMessage MessageHandler) (Relay, error) {
		r := &WSRelay{
			relayURL:  relayURL,
			projectID: projectID,
			auth:      auth,
			onMessage: onMessage,
			logger:    logger.With(slog.String("component", "wc_relay")),
			pending:   make(map[int64]chan relayFrame),
			subs:      make(map[string]string),
			done:      make(chan struct{}),
		}
		if err := r.connect(ctx); err != nil {
			return nil, err
		}
		return r, nil
	}
}

func (r *WSRelay) connect(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("relay: %w", domain.ErrWSDisconnect)
	}
	r.mu.Unlock()

	u, err := url.Parse(r.relayURL)
	if err != nil {
		return fmt.Errorf("relay: parse url: %w", err)
	}
	aud := (&url.URL{Scheme: map[string]string{"wss": "https", "ws": "http"}[u.Scheme], Host: u.Host}).String()
	token, err := r.auth.Token(aud)
	if err != nil {
		return fmt.Errorf("relay: auth token: %w", err)
	}
	q := u.Query()
	q.Set("auth", token)
	if r.projectID != "" {
		q.Set("projectId", r.projectID)
	}
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	r.mu.Lock()
	r.conn = conn
	topics := make([]string, 0, len(r.subs))
	for t := range r.subs {
		topics = append(topics, t)
	}
	r.mu.Unlock()

	go r.readLoop(conn)
	go r.pingLoop(conn)

	for _, t := range topics {
		if err := r.Subscribe(ctx, t); err != nil {
			return fmt.Errorf("relay: restore subscription: %w", err)
		}
	}
	return nil
}

// Subscribe starts receiving messages published to topic.
func (r *WSRelay) Subscribe(ctx context.Context, topic string) error {
	res, err := r.call(ctx, "irn_subscribe", map[string]string{"topic": topic})
	if err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	var id string
	_ = json.Unmarshal(res, &id)
	r.mu.Lock()
	r.subs[topic] = id
	r.mu.Unlock()
	return nil
}

// Unsubscribe stops receiving messages for topic.
func (r *WSRelay) Unsubscribe(ctx context.Context, topic string) error {
	r.mu.Lock()
	id, ok := r.subs[topic]
	delete(r.subs, topic)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if _, err := r.call(ctx, "irn_unsubscribe", map[string]string{"topic": topic, "id": id}); err != nil {
		return fmt.Errorf("relay: unsubscribe: %w", err)
	}
	return nil
}

// Publish sends an encrypted message to topic.
func (r *WSRelay) Publish(ctx context.Context, topic, message string, tag int, ttl time.Duration) error {
	params := map[string]any{
		"topic":   topic,
		"message": message,
		"ttl":     int64(ttl / time.Second),
		"tag":     tag,
		"prompt":  tag == tagSessionPropose || tag == tagSessionRequest,
	}
	if _, err := r.call(ctx, "irn_publish", params); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Close shuts the connection and stops reconnecting.
func (r *WSRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	close(r.done)
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	if r.conn == nil {
		return nil
	}
	r.writeMu.Lock()
	_ = r.conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	r.writeMu.Unlock()
	return r.conn.Close()
}

func (r *WSRelay) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	frame := relayFrame{ID: nextID(), JSONRPC: "2.0", Method: method, Params: raw}
	ch := make(chan relayFrame, 1)

	r.mu.Lock()
	if r.closed || r.conn == nil {
		r.mu.Unlock()
		return nil, domain.ErrWSDisconnect
	}
	r.pending[frame.ID] = ch
	conn := r.conn
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, frame.ID)
		r.mu.Unlock()
	}()

	if err := r.write(conn, frame); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, domain.ErrWSDisconnect
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *WSRelay) write(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (r *WSRelay) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			r.logger.Warn("relay connection lost", slog.String("error", err.Error()))
			go r.reconnect()
			return
		}

		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Debug("ignoring malformed relay frame", slog.String("error", err.Error()))
			continue
		}

		if frame.Method == "irn_subscription" {
			var p subscriptionParams
			if err := json.Unmarshal(frame.Params, &p); err == nil && r.onMessage != nil {
				r.onMessage(p.Data.Topic, p.Data.Message)
			}
			_ = r.write(conn, relayFrame{ID: frame.ID, JSONRPC: "2.0", Result: json.RawMessage("true")})
			continue
		}

		r.mu.RLock()
		ch, ok := r.pending[frame.ID]
		r.mu.RUnlock()
		if ok {
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

func (r *WSRelay) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			r.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (r *WSRelay) reconnect() {
	delay := reconnectDelay
	for {
		select {
		case <-r.done:
			return
		case <-time.After(delay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := r.connect(ctx)
		cancel()
		if err == nil {
			r.logger.Info("relay reconnected")
			return
		}
		if errors.Is(err, domain.ErrWSDisconnect) {
			return
		}
		r.logger.Warn("relay reconnect failed", slog.String("error", err.Error()), slog.Duration("retry_in", delay))
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// nextID returns a JSON-RPC id in the relay's millisecond-plus-entropy
// format.
func nextID() int64 {
	return time.Now().UnixMilli()*1000 + rand.Int64N(1000)
}
