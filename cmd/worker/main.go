// Package main runs the background worker: watch progress ingestion and the idle session sweep.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/engagement/config"
	"github.com/aura-webinar/engagement/internal/events"
	"github.com/aura-webinar/engagement/internal/realtime"
	"github.com/aura-webinar/engagement/internal/sessions"
	"github.com/aura-webinar/engagement/internal/worker"
	"github.com/aura-webinar/engagement/pkg/database"
	"github.com/aura-webinar/engagement/pkg/queue"
	"github.com/aura-webinar/engagement/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Session.Store != config.StorePostgres {
		logger.Fatal("standalone worker needs SESSION_STORE=postgres; the memory store runs its worker inside the server")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Sweeper closes are published so connected sockets on any server hear about them.
	publisher := realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, logger), nil)
	mgr := sessions.NewManager(sessions.NewPostgresStore(pool), nil, logger,
		sessions.WithTimeout(cfg.Session.Timeout),
		sessions.WithGraceWindow(cfg.Session.GraceWindow),
		sessions.WithNotifier(publisher),
	)

	jobQueue := queue.NewQueue(rdb.Client, queue.QueueWatchProgress, logger)
	processor := worker.NewWatchProgressProcessor(events.NewPostgresRepository(pool), jobQueue, logger)
	processor.SetBackoff(cfg.Worker.RetryBackoff)
	sweeper := worker.NewIdleSweeper(mgr, cfg.Session.SweepInterval, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			processor.Run(workerCtx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sweeper.Run(workerCtx)
	}()
	logger.Info("worker started",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Duration("sweep_interval", cfg.Session.SweepInterval),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	wg.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
