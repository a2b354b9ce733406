package voi

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newTestNode(t *testing.T) *Client {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/applications/42", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":42,"params":{"creator":"","global-state":[
			{"key":"`+b64("total_sea_sold")+`","value":{"type":2,"uint":120,"bytes":""}},
			{"key":"`+b64("winner")+`","value":{"type":2,"uint":0,"bytes":""}},
			{"key":"`+b64("label")+`","value":{"type":1,"uint":0,"bytes":"`+b64("x")+`"}}
		]}}`)
	})
	mux.HandleFunc("/v2/applications/42/box", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if !strings.HasPrefix(name, "b64:") {
			http.Error(w, `{"message":"bad name"}`, http.StatusBadRequest)
			return
		}
		raw, _ := base64.StdEncoding.DecodeString(strings.TrimPrefix(name, "b64:"))
		if string(raw) != "present" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"message":"box not found"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"name":"`+b64("present")+`","round":7,"value":"`+base64.StdEncoding.EncodeToString([]byte{0, 0, 0, 0, 0, 0, 0, 9})+`"}`)
	})
	mux.HandleFunc("/v2/transactions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if len(body) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"message":"TransactionPool.Remember: overspend"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"txId":"TXID1"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL, "")
	require.NoError(t, err)
	return c
}

func TestGlobalStateDecodesUintKeys(t *testing.T) {
	c := newTestNode(t)
	gs, err := c.GlobalState(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), gs["total_sea_sold"])
	assert.Contains(t, gs, "winner")
	assert.NotContains(t, gs, "label")
}

func TestBoxNotFoundMapsToDomain(t *testing.T) {
	c := newTestNode(t)

	v, err := c.Box(context.Background(), 42, []byte("present"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 9}, v)

	_, err = c.Box(context.Background(), 42, []byte("absent"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestSendRawCarriesNodeBody(t *testing.T) {
	c := newTestNode(t)

	txid, err := c.SendRaw(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, "TXID1", txid)

	_, err = c.SendRaw(context.Background(), []byte{1})
	require.Error(t, err)
	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, http.StatusBadRequest, ne.Status)
	assert.Contains(t, ne.Body, "overspend")
}

func TestNodeErrorParsesSDKText(t *testing.T) {
	err := nodeError("op", errors.New("HTTP 404 Not Found: {\"message\":\"no\"}"))
	var ne *NodeError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, 404, ne.Status)
	assert.Equal(t, `{"message":"no"}`, ne.Body)

	plain := nodeError("op", errors.New("dial tcp: connection refused"))
	require.True(t, errors.As(plain, &ne))
	assert.Zero(t, ne.Status)
	assert.Contains(t, plain.Error(), "connection refused")
}
