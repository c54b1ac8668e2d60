package sweeper

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/studioledger/internal/clock"
	"github.com/smallbiznis/studioledger/internal/config"
	"github.com/smallbiznis/studioledger/internal/credit/domain"
	"github.com/smallbiznis/studioledger/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config  config.Config
	Clock   clock.Clock
	Credits domain.Service
	Logger  *zap.Logger
	Redis   *redis.Client          `optional:"true"`
	Metrics *metrics.LedgerMetrics `optional:"true"`
}

// Provide wires the sweeper from app config. Without a Redis client the
// leader lock is disabled and every instance sweeps on its own schedule.
func Provide(p Params) *Sweeper {
	cfg := Config{
		RunInterval: p.Config.SweepInterval,
		LockTTL:     p.Config.SweepLockTTL,
	}.withDefaults()

	lock := newLeaderLock(p.Redis, cfg.LockTTL)
	return New(cfg, p.Clock, p.Credits, lock, p.Logger, p.Metrics)
}

func registerHooks(lc fx.Lifecycle, s *Sweeper) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.RunForever(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

var Module = fx.Module("sweeper",
	fx.Provide(Provide),
	fx.Invoke(registerHooks),
)
