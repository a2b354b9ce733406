package wallet

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// ARC-0027 error codes.
const (
	ARC27UnknownError         = 4000
	ARC27MethodCanceled       = 4001
	ARC27MethodTimedOut       = 4002
	ARC27MethodNotSupported   = 4003
	ARC27NetworkNotSupported  = 4004
	ARC27UnauthorizedSigner   = 4100
	ARC27InvalidInput         = 4200
	ARC27InvalidGroupID       = 4201
	ARC27FailedToPostSomeTxns = 4300
)

// ARC27Error is an error returned by the extension.
type ARC27Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ARC27Error) Error() string {
	if e.Code == ARC27MethodCanceled {
		return fmt.Sprintf("arc0027: request rejected: %s", e.Message)
	}
	return fmt.Sprintf("arc0027: %s (code %d)", e.Message, e.Code)
}

type arc27Request struct {
	ID        string `json:"id"`
	Reference string `json:"reference"`
	Params    any    `json:"params,omitempty"`
}

type arc27Response struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Error     *ARC27Error     `json:"error"`
}

// ExtensionConfig configures the bridge provider.
type ExtensionConfig struct {
	BridgeURL   string
	ProviderID  string
	GenesisHash string
	Timeout     time.Duration
}

// Extension talks ARC-0027 to a browser extension wallet through a local
// HTTP bridge. Each request is POSTed as one ARC-0027 message and the
// response message comes back in the body.
type Extension struct {
	cfg       ExtensionConfig
	http      *http.Client
	store     domain.SessionStore
	submitter GroupSubmitter
	logger    *slog.Logger

	mu      sync.RWMutex
	address string
	methods map[string]bool
}

// NewExtension returns a provider for the bridge at cfg.BridgeURL. submitter
// is used when the extension cannot post transactions itself.
func NewExtension(cfg ExtensionConfig, store domain.SessionStore, submitter GroupSubmitter, logger *slog.Logger) *Extension {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.BridgeURL = strings.TrimRight(cfg.BridgeURL, "/")
	return &Extension{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		store:     store,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "wallet_extension")),
	}
}

func (e *Extension) Kind() domain.ProviderKind { return domain.ProviderExtension }

func (e *Extension) Address() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.address
}

// Available runs discovery and checks that the configured provider answers.
func (e *Extension) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var res struct {
		ProviderID string   `json:"providerId"`
		Methods    []string `json:"methods"`
	}
	if err := e.call(ctx, "discover", map[string]string{"providerId": e.cfg.ProviderID}, &res); err != nil {
		e.logger.DebugContext(ctx, "extension discovery failed", slog.String("error", err.Error()))
		return false
	}
	if res.ProviderID != "" && res.ProviderID != e.cfg.ProviderID {
		return false
	}
	methods := make(map[string]bool, len(res.Methods))
	for _, m := range res.Methods {
		methods[m] = true
	}
	e.mu.Lock()
	e.methods = methods
	e.mu.Unlock()
	return true
}

// Connect enables the extension and adopts its first account.
func (e *Extension) Connect(ctx context.Context) (string, error) {
	params := map[string]string{"providerId": e.cfg.ProviderID}
	if e.cfg.GenesisHash != "" {
		params["genesisHash"] = e.cfg.GenesisHash
	}
	var res struct {
		Accounts []struct {
			Address string `json:"address"`
			Name    string `json:"name"`
		} `json:"accounts"`
	}
	if err := e.call(ctx, "enable", params, &res); err != nil {
		return "", err
	}
	if len(res.Accounts) == 0 || res.Accounts[0].Address == "" {
		return "", errors.New("extension: no accounts returned")
	}
	addr := res.Accounts[0].Address
	if err := e.store.Set(ctx, KeyExtensionAddress, addr); err != nil {
		return "", fmt.Errorf("extension: persisting address: %w", err)
	}
	e.setAddress(addr)
	return addr, nil
}

// Restore adopts the persisted address without prompting the extension.
func (e *Extension) Restore(ctx context.Context) (string, bool, error) {
	addr, err := e.store.Get(ctx, KeyExtensionAddress)
	if errors.Is(err, domain.ErrNotFound) || (err == nil && addr == "") {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("extension: restore: %w", err)
	}
	e.setAddress(addr)
	return addr, true, nil
}

// Disconnect disables the extension session and forgets the address. A
// failing disable call is logged; local state is cleared regardless.
func (e *Extension) Disconnect(ctx context.Context) error {
	if err := e.call(ctx, "disable", map[string]string{"providerId": e.cfg.ProviderID}, nil); err != nil {
		e.logger.WarnContext(ctx, "extension disable failed", slog.String("error", err.Error()))
	}
	e.setAddress("")
	if err := e.store.Delete(ctx, KeyExtensionAddress); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("extension: clearing address: %w", err)
	}
	return nil
}

// Sign sends the group to the extension. Declined entries come back nil.
func (e *Extension) Sign(ctx context.Context, unsigned [][]byte) ([][]byte, error) {
	txns := make([]map[string]string, len(unsigned))
	for i, u := range unsigned {
		txns[i] = map[string]string{"txn": base64.StdEncoding.EncodeToString(u)}
	}
	var res struct {
		Stxns []*string `json:"stxns"`
	}
	params := map[string]any{"providerId": e.cfg.ProviderID, "txns": txns}
	if err := e.call(ctx, "signTxns", params, &res); err != nil {
		return nil, err
	}
	return decodeSigned(res.Stxns)
}

// Submit posts through the extension when it supports postTxns, otherwise
// straight to the node.
func (e *Extension) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	e.mu.RLock()
	canPost := e.methods == nil || e.methods["postTxns"]
	e.mu.RUnlock()

	if canPost {
		stxns := make([]string, len(signed))
		for i, s := range signed {
			stxns[i] = base64.StdEncoding.EncodeToString(s)
		}
		var res struct {
			TxnIDs []string `json:"txnIDs"`
		}
		params := map[string]any{"providerId": e.cfg.ProviderID, "stxns": stxns}
		err := e.call(ctx, "postTxns", params, &res)
		if err == nil {
			return res.TxnIDs, nil
		}
		var arcErr *ARC27Error
		if !errors.As(err, &arcErr) || arcErr.Code != ARC27MethodNotSupported {
			return nil, err
		}
		e.logger.DebugContext(ctx, "extension cannot post, submitting directly")
	}
	if e.submitter == nil {
		return nil, fmt.Errorf("extension: postTxns: %w", domain.ErrUnsupported)
	}
	return e.submitter.Submit(ctx, signed)
}

func (e *Extension) setAddress(addr string) {
	e.mu.Lock()
	e.address = addr
	e.mu.Unlock()
}

func (e *Extension) call(ctx context.Context, method string, params any, out any) error {
	reqMsg := arc27Request{
		ID:        uuid.NewString(),
		Reference: "arc0027:" + method + ":request",
		Params:    params,
	}
	body, err := json.Marshal(reqMsg)
	if err != nil {
		return fmt.Errorf("extension: %s: marshal: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BridgeURL+"/arc0027", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("extension: %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("extension: %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("extension: %s: read body: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK && len(raw) == 0 {
		return fmt.Errorf("extension: %s: bridge returned status %d", method, resp.StatusCode)
	}

	var msg arc27Response
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("extension: %s: decode response: %w", method, err)
	}
	if msg.Error != nil {
		return msg.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("extension: %s: bridge returned status %d", method, resp.StatusCode)
	}
	if msg.RequestID != "" && msg.RequestID != reqMsg.ID {
		return fmt.Errorf("extension: %s: response for request %s", method, msg.RequestID)
	}
	if out == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, out); err != nil {
		return fmt.Errorf("extension: %s: decode result: %w", method, err)
	}
	return nil
}

// decodeSigned turns base64-or-null wallet output into bytes, keeping nil
// for null entries.
func decodeSigned(in []*string) ([][]byte, error) {
	out := make([][]byte, len(in))
	for i, s := range in {
		if s == nil || *s == "" {
			continue
		}
		b, err := base64.StdEncoding.DecodeString(*s)
		if err != nil {
			return nil, fmt.Errorf("decoding signed transaction %d: %w", i, err)
		}
		out[i] = b
	}
	return out, nil
}
