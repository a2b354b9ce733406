package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// SubmissionStatus tracks what happened to a buy/claim flow.
type SubmissionStatus string

const (
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionFailed    SubmissionStatus = "failed"
	SubmissionCancelled SubmissionStatus = "cancelled"
)

// Submission is the persisted record of one buy or claim attempt.
type Submission struct {
	ID          string           `json:"id"`
	Kind        TxKind           `json:"kind"`
	Account     string           `json:"account"`
	Provider    ProviderKind     `json:"provider"`
	Outcome     Outcome          `json:"outcome"`
	AmountMicro uint64           `json:"amount_micro"`
	TxIDs       []string         `json:"tx_ids"`
	Status      SubmissionStatus `json:"status"`
	ErrorTitle  string           `json:"error_title,omitempty"`
	ErrorDetail string           `json:"error_detail,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SubmissionStore persists buy/claim outcomes.
type SubmissionStore interface {
	Create(ctx context.Context, s Submission) error
	UpdateStatus(ctx context.Context, id string, status SubmissionStatus) error
	Get(ctx context.Context, id string) (Submission, error)
	ListByAccount(ctx context.Context, account string, opts ListOpts) ([]Submission, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// SessionStore is the small key/value persistence used for wallet session
// state (the browser's localStorage in a web client). Get returns
// ErrNotFound for absent keys.
type SessionStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}
