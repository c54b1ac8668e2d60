package main

import (
	"math/rand"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/studioledger/internal/clock"
	"github.com/smallbiznis/studioledger/internal/config"
	"github.com/smallbiznis/studioledger/internal/credit"
	"github.com/smallbiznis/studioledger/internal/logger"
	"github.com/smallbiznis/studioledger/internal/migration"
	"github.com/smallbiznis/studioledger/internal/observability/metrics"
	"github.com/smallbiznis/studioledger/internal/student"
	"github.com/smallbiznis/studioledger/internal/sweeper"
	"github.com/smallbiznis/studioledger/pkg/db"
	"go.uber.org/fx"
)

func newSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(rand.Int63n(1024))
}

func newRedisClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

func newLedgerMetrics(cfg config.Config) *metrics.LedgerMetrics {
	return metrics.LedgerWithConfig(metrics.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
	})
}

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		migration.Module,
		fx.Provide(
			newSnowflakeNode,
			newRedisClient,
			newLedgerMetrics,
		),
		student.Module,
		credit.Module,
		sweeper.Module,
	)

	app.Run()
}
