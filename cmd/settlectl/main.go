package main

import (
	"context"
	"fmt"
	"os"

	"settlement-engine/config"
	pgStorage "settlement-engine/internal/adapter/storage/postgres"
	redisStorage "settlement-engine/internal/adapter/storage/redis"
	"settlement-engine/internal/service"
	"settlement-engine/pkg/logger"
)

var Version = "dev"

func main() {
	root := newRootCmd(connect)
	root.Version = Version

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect wires the event store and payout reads against the configured
// Postgres and Redis. Dead-event alerts are disabled for operator commands.
func connect(ctx context.Context, cfgPath string) (*engine, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)

	pool, err := pgStorage.NewPool(ctx, cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	rdb, err := redisStorage.NewClient(ctx, cfg.Redis, log)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	cleanup := func() {
		_ = rdb.Close()
		pool.Close()
	}

	transactor := pgStorage.NewTransactor(pool, cfg.Database.LockTimeout)
	sigSvc := service.NewHMACSignatureService()
	events := service.NewEventStore(
		pgStorage.NewEventRepo(pool),
		transactor,
		redisStorage.NewCache(rdb, redisStorage.PrefixWebhook),
		service.NewAlertNotifier("", "", sigSvc, nil, log),
		service.EventStoreConfig{
			MaxAttempts: cfg.Engine.MaxAttempts,
			BackoffBase: cfg.Engine.BackoffBase,
			BackoffMax:  cfg.Engine.BackoffMax,
			StuckAfter:  cfg.Engine.StuckAfter,
			DedupTTL:    cfg.Gateway.DedupTTL,
		},
		log,
	)
	payouts := service.NewPayoutAggregator(pgStorage.NewPayoutRepo(pool), pgStorage.NewOrderRepo(pool), transactor, log)

	return &engine{events: events, payouts: payouts}, cleanup, nil
}
