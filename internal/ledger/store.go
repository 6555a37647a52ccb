package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a withdrawal request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
)

// Request is a persisted withdrawal request. RedeemAt is immutable after
// creation; timestamps are epoch milliseconds.
type Request struct {
	ReqID     string `json:"reqId"`
	Status    Status `json:"status"`
	RedeemAt  int64  `json:"redeemAt"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	Note      string `json:"note,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// Store persists withdrawal requests. Claim is a best-effort single-writer
// guard, not a distributed lock: running two keeper processes against the same
// store is unsupported.
type Store interface {
	List(ctx context.Context) ([]Request, error)
	Upsert(ctx context.Context, req Request) error
	// Claim transitions matching pending requests to processing.
	Claim(ctx context.Context, ids []string) error
	// Due returns up to limit requests with status pending or processing and
	// redeemAt at or before now, ordered by redeemAt.
	Due(ctx context.Context, now time.Time, limit int) ([]Request, error)
	MarkDone(ctx context.Context, reqID string) error
	// MarkPending returns a request to pending, recording the failure reason.
	MarkPending(ctx context.Context, reqID, reason string) error
	// Purge removes done requests untouched for longer than retention.
	Purge(ctx context.Context, retention time.Duration) (int, error)
}

// NewRequestID mints a withdrawal request id.
func NewRequestID() string {
	return "wd_" + uuid.NewString()
}
