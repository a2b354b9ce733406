// Package voi is the ledger adapter for the Voi network. It wraps the algod
// REST client and maps node failures onto domain errors.
package voi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/algorand/go-algorand-sdk/v2/client/v2/algod"
	"github.com/algorand/go-algorand-sdk/v2/transaction"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// TEAL value types as reported by algod.
const (
	tealTypeBytes = 1
	tealTypeUint  = 2
)

// Client talks to one algod endpoint.
type Client struct {
	algod *algod.Client
	url   string
}

// NewClient creates a ledger client for the node at url. token may be empty
// for public endpoints.
func NewClient(url, token string) (*Client, error) {
	c, err := algod.MakeClient(strings.TrimRight(url, "/"), token)
	if err != nil {
		return nil, fmt.Errorf("voi: make client: %w", err)
	}
	return &Client{algod: c, url: url}, nil
}

// URL returns the node endpoint the client was built with.
func (c *Client) URL() string { return c.url }

// Algod exposes the underlying SDK client for callers that need endpoints
// not wrapped here.
func (c *Client) Algod() *algod.Client { return c.algod }

// GlobalState returns the application's unsigned-integer globals keyed by
// their decoded name. Byte-slice globals are skipped.
func (c *Client) GlobalState(ctx context.Context, appID uint64) (map[string]uint64, error) {
	app, err := c.algod.GetApplicationByID(appID).Do(ctx)
	if err != nil {
		return nil, nodeError("voi: global state", err)
	}

	out := make(map[string]uint64, len(app.Params.GlobalState))
	for _, kv := range app.Params.GlobalState {
		key, err := base64.StdEncoding.DecodeString(kv.Key)
		if err != nil {
			continue
		}
		if kv.Value.Type != tealTypeUint {
			continue
		}
		out[string(key)] = kv.Value.Uint
	}
	return out, nil
}

// Box returns the raw contents of an application box. A missing box yields
// an error wrapping domain.ErrNotFound.
func (c *Client) Box(ctx context.Context, appID uint64, name []byte) ([]byte, error) {
	box, err := c.algod.GetApplicationBoxByName(appID, name).Do(ctx)
	if err != nil {
		return nil, nodeError("voi: box", err)
	}
	return box.Value, nil
}

// SuggestedParams returns the node's current transaction parameters.
func (c *Client) SuggestedParams(ctx context.Context) (types.SuggestedParams, error) {
	sp, err := c.algod.SuggestedParams().Do(ctx)
	if err != nil {
		return types.SuggestedParams{}, nodeError("voi: suggested params", err)
	}
	return sp, nil
}

// SendRaw submits a concatenated signed transaction group and returns the
// id of the first transaction. On rejection the error is a *NodeError
// carrying the node's response body.
func (c *Client) SendRaw(ctx context.Context, payload []byte) (string, error) {
	txid, err := c.algod.SendRawTransaction(payload).Do(ctx)
	if err != nil {
		return "", nodeError("voi: send raw", err)
	}
	return txid, nil
}

// WaitForConfirmation blocks until txid is confirmed or rounds elapse and
// returns the confirmed round.
func (c *Client) WaitForConfirmation(ctx context.Context, txid string, rounds uint64) (uint64, error) {
	info, err := transaction.WaitForConfirmation(c.algod, txid, rounds, ctx)
	if err != nil {
		return 0, nodeError("voi: wait for confirmation", err)
	}
	return info.ConfirmedRound, nil
}

// Health reports whether the node answers its health endpoint.
func (c *Client) Health(ctx context.Context) error {
	if err := c.algod.HealthCheck().Do(ctx); err != nil {
		return nodeError("voi: health", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// NodeError is a non-2xx response from the node.
type NodeError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *NodeError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Body)
}

func (e *NodeError) Unwrap() error { return e.Err }

// Is maps status codes onto domain sentinels.
func (e *NodeError) Is(target error) bool {
	switch target {
	case domain.ErrNotFound:
		return e.Status == 404
	case domain.ErrUnauthorized:
		return e.Status == 401 || e.Status == 403
	}
	return false
}

// The SDK formats HTTP failures as "HTTP <code> <text>: <body>".
var httpErrRe = regexp.MustCompile(`(?s)^HTTP (\d{3})[^:]*: (.*)$`)

// nodeError wraps err as a *NodeError, recovering status and body from the
// SDK's error text when present.
func nodeError(op string, err error) error {
	var ne *NodeError
	if errors.As(err, &ne) {
		return err
	}
	out := &NodeError{Op: op, Err: err}
	if m := httpErrRe.FindStringSubmatch(err.Error()); m != nil {
		out.Status, _ = strconv.Atoi(m[1])
		out.Body = strings.TrimSpace(m[2])
	}
	return out
}
