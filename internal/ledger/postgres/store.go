package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hwdeboer1977/algostrats/internal/ledger"
)

// Store provides Postgres persistence for withdrawal requests. It implements
// ledger.Store for deployments that outgrow the flat JSON file; the claim
// semantics are still single-writer best effort.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to Postgres.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// List returns all requests.
func (s *Store) List(ctx context.Context) ([]ledger.Request, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT req_id, status, redeem_at, created_at, updated_at, note, last_error
		FROM withdrawal_requests
		ORDER BY redeem_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// Upsert merges by req_id, preserving redeem_at and created_at of an existing row.
func (s *Store) Upsert(ctx context.Context, req ledger.Request) error {
	if req.ReqID == "" {
		return fmt.Errorf("reqId is required")
	}
	status := req.Status
	if status == "" {
		status = ledger.StatusPending
	}
	nowMs := time.Now().UnixMilli()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_requests (req_id, status, redeem_at, created_at, updated_at, note, last_error)
		VALUES ($1, $2, $3, $4, $4, $5, $6)
		ON CONFLICT (req_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			note = EXCLUDED.note,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, req.ReqID, string(status), req.RedeemAt, nowMs, req.Note, req.LastError)
	return err
}

// Claim transitions matching pending requests to processing.
func (s *Store) Claim(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = 'processing', updated_at = $2
		WHERE req_id = ANY($1) AND status = 'pending'
	`, ids, time.Now().UnixMilli())
	return err
}

// Due returns up to limit due requests ordered by redeem_at.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]ledger.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT req_id, status, redeem_at, created_at, updated_at, note, last_error
		FROM withdrawal_requests
		WHERE status IN ('pending', 'processing') AND redeem_at <= $1
		ORDER BY redeem_at
		LIMIT $2
	`, now.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRequests(rows)
}

// MarkDone transitions a request to done.
func (s *Store) MarkDone(ctx context.Context, reqID string) error {
	return s.transition(ctx, reqID, ledger.StatusDone, "")
}

// MarkPending returns a request to pending with the failure reason.
func (s *Store) MarkPending(ctx context.Context, reqID, reason string) error {
	return s.transition(ctx, reqID, ledger.StatusPending, reason)
}

func (s *Store) transition(ctx context.Context, reqID string, status ledger.Status, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = $2, last_error = $3, updated_at = $4
		WHERE req_id = $1
	`, reqID, string(status), lastError, time.Now().UnixMilli())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("request not found: %s", reqID)
	}
	return nil
}

// Purge removes done requests untouched for longer than retention.
func (s *Store) Purge(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM withdrawal_requests
		WHERE status = 'done' AND GREATEST(updated_at, created_at) < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanRequests(rows rowScanner) ([]ledger.Request, error) {
	out := make([]ledger.Request, 0)
	for rows.Next() {
		var req ledger.Request
		var status string
		if err := rows.Scan(&req.ReqID, &status, &req.RedeemAt, &req.CreatedAt, &req.UpdatedAt, &req.Note, &req.LastError); err != nil {
			return nil, err
		}
		req.Status = ledger.Status(status)
		out = append(out, req)
	}
	return out, rows.Err()
}
