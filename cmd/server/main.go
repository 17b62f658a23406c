// Package main runs the engagement HTTP server with WebSocket heartbeats and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-webinar/engagement/config"
	"github.com/aura-webinar/engagement/internal/analytics"
	"github.com/aura-webinar/engagement/internal/auth"
	"github.com/aura-webinar/engagement/internal/events"
	"github.com/aura-webinar/engagement/internal/middleware"
	"github.com/aura-webinar/engagement/internal/period"
	"github.com/aura-webinar/engagement/internal/realtime"
	"github.com/aura-webinar/engagement/internal/sessions"
	"github.com/aura-webinar/engagement/internal/worker"
	"github.com/aura-webinar/engagement/pkg/database"
	"github.com/aura-webinar/engagement/pkg/queue"
	"github.com/aura-webinar/engagement/pkg/redis"
	"github.com/aura-webinar/engagement/pkg/response"
)

// backend is the storage pair selected by SESSION_STORE.
type backend struct {
	sessions sessions.Store
	events   events.Repository
	close    func()
}

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	loc, err := cfg.Analytics.Location()
	if err != nil {
		logger.Fatal("analytics timezone", zap.Error(err))
	}

	ctx := context.Background()
	store, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer store.close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	identity := auth.NewIdentityResolver(jwtService)

	// Session events reach every server instance through Redis.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, redisPubSub)
	defer hub.Close()

	// Sessions
	mgr := sessions.NewManager(store.sessions, identity, logger,
		sessions.WithTimeout(cfg.Session.Timeout),
		sessions.WithGraceWindow(cfg.Session.GraceWindow),
		sessions.WithNotifier(hub),
	)
	sessionHandler := sessions.NewHandler(mgr, store.events, logger)

	// Watch events (enqueued here, persisted by the worker)
	watchQueue := queue.NewQueue(rdb.Client, queue.QueueWatchProgress, logger)
	eventHandler := events.NewHandler(watchQueue, logger)

	// Analytics (admin only)
	calendar := period.New(loc)
	analyticsHandler := analytics.NewHandler(analytics.NewService(store.events, calendar, logger), loc, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Metrics())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health and Prometheus
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Heartbeats carry their own credentials: an expired token reports
	// status=expired instead of failing in the JWT middleware.
	router.POST("/user-sessions/heartbeat/:sessionId", sessionHandler.Heartbeat)

	// Protected API (JWT required)
	api := router.Group("")
	api.Use(middleware.JWT(jwtService))
	{
		userSessions := api.Group("/user-sessions")
		userSessions.POST("", sessionHandler.Start)
		userSessions.GET("", sessionHandler.List)
		userSessions.POST("/end/:sessionId", sessionHandler.End)
		userSessions.POST("/end-all", sessionHandler.EndAll)
		userSessions.PATCH("/:sessionId/content-engaged", sessionHandler.ContentEngaged)

		api.POST("/watch-events", eventHandler.Ingest)

		analyticsHandler.Register(api.Group("/metrics", middleware.RequireRole(middleware.RoleAdmin)))
	}

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws/sessions", realtime.ServeWs(hub, mgr, identity, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process worker: required for the memory store, whose state is local.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup
	if cfg.Worker.Embedded || cfg.Session.Store == config.StoreMemory {
		processor := worker.NewWatchProgressProcessor(store.events, watchQueue, logger)
		processor.SetBackoff(cfg.Worker.RetryBackoff)
		for i := 0; i < cfg.Worker.Concurrency; i++ {
			workers.Add(1)
			go func() {
				defer workers.Done()
				processor.Run(workerCtx)
			}()
		}
		sweeper := worker.NewIdleSweeper(mgr, cfg.Session.SweepInterval, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			sweeper.Run(workerCtx)
		}()
		logger.Info("embedded worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	}

	go func() {
		logger.Info("server listening",
			zap.String("port", cfg.Server.Port),
			zap.String("session_store", cfg.Session.Store),
			zap.String("analytics_tz", loc.String()),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	workers.Wait()
	logger.Info("server stopped")
}

// openBackend connects the configured session store and the matching events repository.
func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	if cfg.Session.Store == config.StoreMemory {
		logger.Warn("using in-memory session store; data is lost on restart")
		mem := sessions.NewMemoryStore()
		return &backend{sessions: mem, events: events.NewMemoryRepository(mem), close: func() {}}, nil
	}

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns:        int32(cfg.Database.MaxConns),
		MinConns:        int32(cfg.Database.MinConns),
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.EnsureSchema {
		if err := database.EnsureSchema(ctx, pool, logger); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return &backend{
		sessions: sessions.NewPostgresStore(pool),
		events:   events.NewPostgresRepository(pool),
		close:    pool.Close,
	}, nil
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
