package finalizer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hwdeboer1977/algostrats/internal/ledger"
)

// FinalizeFunc executes the finalize stage for one due withdrawal request.
type FinalizeFunc func(ctx context.Context, req ledger.Request) error

// Config holds runtime settings for the sweeper.
type Config struct {
	Interval time.Duration
	// BatchLimit caps how many due requests one sweep picks up.
	BatchLimit int
}

// Sweeper periodically scans the ledger for withdrawal requests whose
// redemption period has elapsed and attempts to finalize them. The persisted
// redeemAt plus this sweep is the single source of truth for what is due;
// no in-process timer is required for correctness, so restarts recover for
// free from the ledger.
type Sweeper struct {
	cfg      Config
	store    ledger.Store
	finalize FinalizeFunc
	logger   *zap.Logger
	now      func() time.Time

	running bool
}

// NewSweeper builds a Sweeper with its dependencies.
func NewSweeper(cfg Config, store ledger.Store, finalize FinalizeFunc, logger *zap.Logger) (*Sweeper, error) {
	if store == nil {
		return nil, fmt.Errorf("ledger store is nil")
	}
	if finalize == nil {
		return nil, fmt.Errorf("finalize func is nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		finalize: finalize,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Run sweeps once at boot and then on every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.SweepOnce(ctx); err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce claims and finalizes everything currently due. A finalize failure
// returns the request to pending with the error recorded; the next sweep
// retries it.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if s.running {
		s.logger.Info("previous sweep still in progress, skipping")
		return nil
	}
	s.running = true
	defer func() { s.running = false }()

	due, err := s.store.Due(ctx, s.now(), s.cfg.BatchLimit)
	if err != nil {
		return fmt.Errorf("scan due requests: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	ids := make([]string, 0, len(due))
	for _, req := range due {
		ids = append(ids, req.ReqID)
	}
	if err := s.store.Claim(ctx, ids); err != nil {
		return fmt.Errorf("claim due requests: %w", err)
	}

	s.logger.Info("finalize sweep", zap.Int("due", len(due)))

	for _, req := range due {
		if err := s.finalize(ctx, req); err != nil {
			s.logger.Error("finalize failed",
				zap.String("req_id", req.ReqID),
				zap.Error(err),
			)
			if markErr := s.store.MarkPending(ctx, req.ReqID, err.Error()); markErr != nil {
				s.logger.Error("mark pending failed", zap.String("req_id", req.ReqID), zap.Error(markErr))
			}
			continue
		}
		if err := s.store.MarkDone(ctx, req.ReqID); err != nil {
			s.logger.Error("mark done failed", zap.String("req_id", req.ReqID), zap.Error(err))
			continue
		}
		s.logger.Info("finalized withdrawal", zap.String("req_id", req.ReqID))
	}
	return nil
}
