package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/sbmarket/internal/domain"
)

// SubmissionStore implements domain.SubmissionStore.
type SubmissionStore struct {
	pool *pgxpool.Pool
}

// NewSubmissionStore creates a new SubmissionStore.
func NewSubmissionStore(pool *pgxpool.Pool) *SubmissionStore {
	return &SubmissionStore{pool: pool}
}

// Create inserts a submission. Re-inserting the same id updates its status
// and transaction ids.
func (s *SubmissionStore) Create(ctx context.Context, sub domain.Submission) error {
	const query = `
		INSERT INTO submissions
			(id, kind, account, provider, outcome, amount_micro, tx_ids, status, error_title, error_detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			tx_ids       = EXCLUDED.tx_ids,
			status       = EXCLUDED.status,
			error_title  = EXCLUDED.error_title,
			error_detail = EXCLUDED.error_detail,
			updated_at   = NOW()`

	txIDs := sub.TxIDs
	if txIDs == nil {
		txIDs = []string{}
	}
	_, err := s.pool.Exec(ctx, query,
		sub.ID, string(sub.Kind), sub.Account, string(sub.Provider), int16(sub.Outcome),
		int64(sub.AmountMicro), txIDs, string(sub.Status), sub.ErrorTitle, sub.ErrorDetail, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create submission %s: %w", sub.ID, err)
	}
	return nil
}

// UpdateStatus returns domain.ErrNotFound for an unknown id.
func (s *SubmissionStore) UpdateStatus(ctx context.Context, id string, status domain.SubmissionStatus) error {
	const query = `UPDATE submissions SET status = $2, updated_at = NOW() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return fmt.Errorf("postgres: update submission %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: update submission %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// Get returns one submission by id.
func (s *SubmissionStore) Get(ctx context.Context, id string) (domain.Submission, error) {
	const query = `
		SELECT id, kind, account, provider, outcome, amount_micro, tx_ids, status, error_title, error_detail, created_at
		FROM submissions WHERE id = $1`
	sub, err := scanSubmission(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Submission{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Submission{}, fmt.Errorf("postgres: get submission %s: %w", id, err)
	}
	return sub, nil
}

// ListByAccount returns an account's submissions newest first.
func (s *SubmissionStore) ListByAccount(ctx context.Context, account string, opts domain.ListOpts) ([]domain.Submission, error) {
	query, args := listClause(`
		SELECT id, kind, account, provider, outcome, amount_micro, tx_ids, status, error_title, error_detail, created_at
		FROM submissions WHERE account = $1`, []any{account}, opts)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list submissions: %w", err)
	}
	defer rows.Close()

	var out []domain.Submission
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan submission: %w", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list submissions rows: %w", err)
	}
	return out, nil
}

func scanSubmission(row pgx.Row) (domain.Submission, error) {
	var (
		sub      domain.Submission
		kind     string
		provider string
		status   string
		outcome  int16
		amount   int64
	)
	err := row.Scan(&sub.ID, &kind, &sub.Account, &provider, &outcome, &amount,
		&sub.TxIDs, &status, &sub.ErrorTitle, &sub.ErrorDetail, &sub.CreatedAt)
	if err != nil {
		return domain.Submission{}, err
	}
	sub.Kind = domain.TxKind(kind)
	sub.Provider = domain.ProviderKind(provider)
	sub.Status = domain.SubmissionStatus(status)
	sub.Outcome = domain.Outcome(outcome)
	sub.AmountMicro = uint64(amount)
	return sub, nil
}

var _ domain.SubmissionStore = (*SubmissionStore)(nil)
