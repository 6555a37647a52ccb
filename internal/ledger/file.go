package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

type fileState struct {
	Requests []Request `json:"requests"`
}

// FileStore keeps withdrawal requests in a single JSON file. Every write goes
// through a temp file and an atomic rename so a crash mid-save leaves the
// previous valid file intact.
type FileStore struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewFileStore creates a file-backed store at path.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	return &FileStore{path: path, now: time.Now}, nil
}

// load tolerates a missing or malformed file by treating it as empty.
func (s *FileStore) load() fileState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fileState{Requests: []Request{}}
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil || state.Requests == nil {
		return fileState{Requests: []Request{}}
	}
	return state
}

func (s *FileStore) save(state fileState) error {
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create ledger dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write ledger tmp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}

// List returns all requests.
func (s *FileStore) List(_ context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load().Requests, nil
}

// Upsert merges by reqId. RedeemAt and CreatedAt of an existing request are
// preserved; a new request gets pending status and fresh timestamps.
func (s *FileStore) Upsert(_ context.Context, req Request) error {
	if req.ReqID == "" {
		return fmt.Errorf("reqId is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load()
	nowMs := s.now().UnixMilli()

	for i, existing := range state.Requests {
		if existing.ReqID != req.ReqID {
			continue
		}
		merged := req
		merged.RedeemAt = existing.RedeemAt
		merged.CreatedAt = existing.CreatedAt
		merged.UpdatedAt = nowMs
		if merged.Status == "" {
			merged.Status = existing.Status
		}
		state.Requests[i] = merged
		return s.save(state)
	}

	if req.Status == "" {
		req.Status = StatusPending
	}
	req.CreatedAt = nowMs
	req.UpdatedAt = nowMs
	state.Requests = append(state.Requests, req)
	return s.save(state)
}

// Claim transitions matching pending requests to processing.
func (s *FileStore) Claim(_ context.Context, ids []string) error {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load()
	nowMs := s.now().UnixMilli()
	for i, req := range state.Requests {
		if _, ok := set[req.ReqID]; ok && req.Status == StatusPending {
			state.Requests[i].Status = StatusProcessing
			state.Requests[i].UpdatedAt = nowMs
		}
	}
	return s.save(state)
}

// Due returns up to limit due requests ordered by redeemAt.
func (s *FileStore) Due(_ context.Context, now time.Time, limit int) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now.UnixMilli()
	due := make([]Request, 0)
	for _, req := range s.load().Requests {
		pendingish := req.Status == StatusPending || req.Status == StatusProcessing
		if pendingish && req.RedeemAt <= nowMs {
			due = append(due, req)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RedeemAt < due[j].RedeemAt })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// MarkDone transitions a request to done and clears its last error.
func (s *FileStore) MarkDone(_ context.Context, reqID string) error {
	return s.transition(reqID, StatusDone, "")
}

// MarkPending returns a request to pending for the next sweep, carrying the
// failure reason.
func (s *FileStore) MarkPending(_ context.Context, reqID, reason string) error {
	return s.transition(reqID, StatusPending, reason)
}

func (s *FileStore) transition(reqID string, status Status, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load()
	nowMs := s.now().UnixMilli()
	for i, req := range state.Requests {
		if req.ReqID == reqID {
			state.Requests[i].Status = status
			state.Requests[i].LastError = lastError
			state.Requests[i].UpdatedAt = nowMs
			return s.save(state)
		}
	}
	return fmt.Errorf("request not found: %s", reqID)
}

// Purge removes done requests untouched for longer than retention.
func (s *FileStore) Purge(_ context.Context, retention time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.load()
	cutoff := s.now().Add(-retention).UnixMilli()

	kept := make([]Request, 0, len(state.Requests))
	removed := 0
	for _, req := range state.Requests {
		touched := req.UpdatedAt
		if touched == 0 {
			touched = req.CreatedAt
		}
		if req.Status == StatusDone && touched < cutoff {
			removed++
			continue
		}
		kept = append(kept, req)
	}
	if removed == 0 {
		return 0, nil
	}
	state.Requests = kept
	return removed, s.save(state)
}
