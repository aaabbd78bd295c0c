package dialectic

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dialectic/api/internal/store"
)

const (
	defaultSweepInterval = 5 * time.Minute
	sweepBatch           = 100
)

// Sweeper closes conflicts whose voting window has elapsed.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Sweeper{engine: engine, interval: interval, logger: engine.logger.Named("sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("expiry sweep started", zap.Duration("interval", s.interval))
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("expiry sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("expiry sweep stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce closes every expired conflict and returns how many it resolved.
// It pages through the backlog in (expires_at, conflict_id) order, so a
// conflict that keeps failing never hides the ones behind it. A failure on
// one conflict is logged and the rest are still processed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	e := s.engine
	now := e.now()

	var cursor store.ExpiryCursor
	tried := make(map[string]struct{})
	expired, closed, failures := 0, 0, 0
	for ctx.Err() == nil {
		page, err := e.store.ListExpiredConflicts(ctx, now, cursor, sweepBatch)
		if err != nil {
			e.metrics.RecordSweep(failures)
			return closed, fmt.Errorf("list expired conflicts: %w", err)
		}
		for _, conflict := range page {
			cursor = store.ExpiryCursor{ExpiresAt: conflict.ExpiresAt, ConflictID: conflict.ConflictID}
			if _, seen := tried[conflict.ConflictID]; seen {
				continue
			}
			tried[conflict.ConflictID] = struct{}{}
			if ctx.Err() != nil {
				break
			}
			expired++
			result, err := e.closeVoting(ctx, conflict.ConflictID, TriggerExpired)
			if err != nil {
				failures++
				s.logger.Error("close expired conflict failed",
					zap.String("conflict_id", conflict.ConflictID),
					zap.Error(err))
				continue
			}
			if !result.AlreadyResolved {
				closed++
			}
		}
		if len(page) < sweepBatch {
			break
		}
	}

	e.metrics.RecordSweep(failures)
	if closed > 0 || failures > 0 {
		s.logger.Info("expiry sweep finished",
			zap.Int("expired", expired),
			zap.Int("closed", closed),
			zap.Int("failures", failures))
	}
	return closed, ctx.Err()
}
