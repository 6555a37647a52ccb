package finalizer

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hwdeboer1977/algostrats/internal/ledger"
)

func newDueStore(t *testing.T, ids ...string) *ledger.FileStore {
	t.Helper()
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "withdraw_state.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	redeemAt := time.Now().Add(-time.Minute).UnixMilli()
	for _, id := range ids {
		if err := store.Upsert(context.Background(), ledger.Request{ReqID: id, RedeemAt: redeemAt}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	return store
}

func requestByID(t *testing.T, store ledger.Store, id string) ledger.Request {
	t.Helper()
	reqs, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, req := range reqs {
		if req.ReqID == id {
			return req
		}
	}
	t.Fatalf("request %s not found", id)
	return ledger.Request{}
}

func TestSweepFinalizesDueRequests(t *testing.T) {
	store := newDueStore(t, "wd_a", "wd_b")

	finalized := map[string]int{}
	sweeper, err := NewSweeper(Config{}, store, func(_ context.Context, req ledger.Request) error {
		finalized[req.ReqID]++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if len(finalized) != 2 {
		t.Fatalf("finalized %d requests, want 2", len(finalized))
	}
	for _, id := range []string{"wd_a", "wd_b"} {
		if req := requestByID(t, store, id); req.Status != ledger.StatusDone {
			t.Fatalf("%s status = %s, want done", id, req.Status)
		}
	}
}

func TestSweepFailureReturnsToPending(t *testing.T) {
	store := newDueStore(t, "wd_fail")

	sweeper, err := NewSweeper(Config{}, store, func(_ context.Context, _ ledger.Request) error {
		return fmt.Errorf("venue finalize exited 1")
	}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	req := requestByID(t, store, "wd_fail")
	if req.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
	if req.LastError != "venue finalize exited 1" {
		t.Fatalf("lastError = %q", req.LastError)
	}

	// The next sweep retries the same request.
	attempts := 0
	retry, err := NewSweeper(Config{}, store, func(_ context.Context, _ ledger.Request) error {
		attempts++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	if err := retry.SweepOnce(context.Background()); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	if attempts != 1 {
		t.Fatalf("retry attempts = %d, want 1", attempts)
	}
	if req := requestByID(t, store, "wd_fail"); req.Status != ledger.StatusDone {
		t.Fatalf("status after retry = %s, want done", req.Status)
	}
}

func TestSweepSkipsNotYetDue(t *testing.T) {
	store, err := ledger.NewFileStore(filepath.Join(t.TempDir(), "withdraw_state.json"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	future := time.Now().Add(time.Hour).UnixMilli()
	if err := store.Upsert(context.Background(), ledger.Request{ReqID: "wd_later", RedeemAt: future}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	calls := 0
	sweeper, err := NewSweeper(Config{}, store, func(_ context.Context, _ ledger.Request) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}

	if err := sweeper.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if calls != 0 {
		t.Fatalf("finalized a request before its redemption period elapsed")
	}
	if req := requestByID(t, store, "wd_later"); req.Status != ledger.StatusPending {
		t.Fatalf("status = %s, want pending", req.Status)
	}
}
