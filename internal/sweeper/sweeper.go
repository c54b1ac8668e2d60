package sweeper

import (
	"context"
	"time"

	"github.com/smallbiznis/studioledger/internal/clock"
	"github.com/smallbiznis/studioledger/internal/credit/domain"
	"github.com/smallbiznis/studioledger/internal/observability/metrics"
	"go.uber.org/zap"
)

// Sweeper periodically removes expired credit batches through the credit
// service. Every run is a full sweep, so missed or repeated runs are safe.
type Sweeper struct {
	cfg     Config
	clock   clock.Clock
	credits domain.Service
	lock    *leaderLock
	log     *zap.Logger
	metrics *metrics.LedgerMetrics
}

func New(
	cfg Config,
	clk clock.Clock,
	credits domain.Service,
	lock *leaderLock,
	log *zap.Logger,
	ledgerMetrics *metrics.LedgerMetrics,
) *Sweeper {
	return &Sweeper{
		cfg:     cfg.withDefaults(),
		clock:   clk,
		credits: credits,
		lock:    lock,
		log:     log.Named("credit.sweeper"),
		metrics: ledgerMetrics,
	}
}

// RunOnce performs a single expiration sweep. When a leader lock is
// configured and held elsewhere the run is skipped.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if s.lock != nil {
		token, err := s.lock.Acquire(ctx)
		if err != nil {
			return err
		}
		if token == "" {
			s.log.Debug("another instance is sweeping, skipping run")
			return nil
		}
		defer func() {
			if err := s.lock.Release(ctx, token); err != nil {
				s.log.Warn("failed to release sweep leader lock", zap.Error(err))
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()

	started := s.clock.Now()
	s.log.Info("expiration sweep started")
	s.metrics.IncSweepRun()

	result, err := s.credits.ExpireCredits(runCtx)
	s.metrics.ObserveSweepDuration(s.clock.Now().Sub(started))
	if err != nil {
		s.log.Error("expiration sweep finished with errors",
			zap.Int64("total_expired", result.TotalExpired),
			zap.Int("affected_students", result.AffectedStudents),
			zap.Error(err),
		)
		return err
	}

	s.log.Info("expiration sweep finished",
		zap.Int64("total_expired", result.TotalExpired),
		zap.Int("affected_students", result.AffectedStudents),
		zap.Duration("took", s.clock.Now().Sub(started)),
	)
	return nil
}

// RunForever sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.log.Error("expiration sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.log.Error("expiration sweep failed", zap.Error(err))
			}
		}
	}
}
