package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	avmcrypto "github.com/algorand/go-algorand-sdk/v2/crypto"
	"github.com/algorand/go-algorand-sdk/v2/encoding/msgpack"
	"github.com/algorand/go-algorand-sdk/v2/types"

	"github.com/alanyoungcy/sbmarket/internal/platform/voi"
)

// Ledger is the write side of the chain the submitter needs.
type Ledger interface {
	SendRaw(ctx context.Context, payload []byte) (string, error)
	WaitForConfirmation(ctx context.Context, txid string, rounds uint64) (uint64, error)
}

// SubmitError is a rejected submission. Body is the node's response, kept
// verbatim so the classifier can match on it.
type SubmitError struct {
	Status int
	Body   string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("txn: submit rejected (HTTP %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("txn: submit failed: %v", e.Err)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// Concat joins signed transactions into one payload, in order.
func Concat(signed [][]byte) []byte {
	n := 0
	for _, s := range signed {
		n += len(s)
	}
	out := make([]byte, 0, n)
	for _, s := range signed {
		out = append(out, s...)
	}
	return out
}

// TxIDs returns the ids of the signed transactions. Members that do not
// decode are skipped.
func TxIDs(signed [][]byte) []string {
	ids := make([]string, 0, len(signed))
	for _, s := range signed {
		var stx types.SignedTxn
		if err := msgpack.Decode(s, &stx); err != nil {
			continue
		}
		ids = append(ids, avmcrypto.GetTxID(stx.Txn))
	}
	return ids
}

// Submitter posts signed groups straight to the node. Wallet providers
// without their own broadcast path use it too.
type Submitter struct {
	ledger Ledger
	rounds uint64
	logger *slog.Logger
}

// NewSubmitter creates a submitter that waits up to rounds for confirmation.
func NewSubmitter(ledger Ledger, rounds uint64, logger *slog.Logger) *Submitter {
	if rounds == 0 {
		rounds = 4
	}
	return &Submitter{
		ledger: ledger,
		rounds: rounds,
		logger: logger.With(slog.String("component", "submitter")),
	}
}

// Submit sends the whole group as a single payload and returns the group's
// transaction ids, first id first.
func (s *Submitter) Submit(ctx context.Context, signed [][]byte) ([]string, error) {
	if len(signed) == 0 {
		return nil, errors.New("txn: nothing to submit")
	}
	txid, err := s.ledger.SendRaw(ctx, Concat(signed))
	if err != nil {
		se := &SubmitError{Err: err}
		var ne *voi.NodeError
		if errors.As(err, &ne) {
			se.Status, se.Body = ne.Status, ne.Body
		}
		s.logger.WarnContext(ctx, "group rejected",
			slog.Int("status", se.Status),
			slog.String("error", err.Error()),
		)
		return nil, se
	}

	ids := TxIDs(signed)
	if len(ids) == 0 {
		ids = []string{txid}
	}
	s.logger.InfoContext(ctx, "group submitted",
		slog.String("txid", txid),
		slog.Int("size", len(signed)),
	)
	return ids, nil
}

// Wait blocks until txid is confirmed and returns its round.
func (s *Submitter) Wait(ctx context.Context, txid string) (uint64, error) {
	round, err := s.ledger.WaitForConfirmation(ctx, txid, s.rounds)
	if err != nil {
		return 0, fmt.Errorf("txn: wait %s: %w", txid, err)
	}
	return round, nil
}
