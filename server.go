package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/verify_backend/config"
	"bitbucket.org/mmdatafocus/verify_backend/middlewares"
	"bitbucket.org/mmdatafocus/verify_backend/models"
	"bitbucket.org/mmdatafocus/verify_backend/utils"
	"bitbucket.org/mmdatafocus/verify_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const defaultPort = "8080"

// RateLimiter is a fixed-window per-client counter in redis.
type RateLimiter struct {
	client func() *redis.Client
	limit  int64
	window time.Duration
}

// api holds the engine once its dependencies are connected. Until then every
// route except /healthz answers 503.
type api struct {
	registry atomic.Pointer[workflow.Registry]
	logger   *logrus.Logger
}

func (a *api) engine() *workflow.Registry {
	return a.registry.Load()
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	a := &api{logger: logger}
	var limiter *RateLimiter
	if config.RateLimitEnabled() {
		limiter = NewRateLimiter(config.GetRedisDB, int64(intEnv("RATE_LIMIT_MAX_REQUESTS", 60)), time.Duration(intEnv("RATE_LIMIT_WINDOW_SECONDS", 60))*time.Second)
	}
	r := setupRouter(a, limiter)

	// Listen before connecting dependencies so the startup probe passes.
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	settings := config.LoadEngineSettings()
	registry, store, err := buildRegistry(sigCtx, settings, logger)
	if err != nil {
		if sigCtx.Err() == nil {
			logger.WithFields(logrus.Fields{"field": "startup"}).Fatal("engine not started: " + err.Error())
		}
		return
	}
	a.registry.Store(registry)

	// Background workers.
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	go workflow.NewOutboxDispatcher(store, statusPublisher(), logger).Run(workerCtx)
	go workflow.NewSettlementWorker(registry, logger).Run(workerCtx)

	logger.WithFields(logrus.Fields{
		"info":          "Connection Established",
		"store":         config.StoreDriver(),
		"incident_lock": config.IncidentLockDriver(),
	}).Info("listening on :", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if db := config.GetDB(); db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// buildRegistry connects the configured store, lock and cache backends and
// returns the engine with its store.
func buildRegistry(ctx context.Context, settings config.EngineSettings, logger *logrus.Logger) (*workflow.Registry, models.Store, error) {
	lockDriver := config.IncidentLockDriver()
	if lockDriver == config.IncidentLockRedis || os.Getenv("REDIS_ADDRESS") != "" {
		if err := config.ConnectRedisWithRetry(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
	}

	var store models.Store
	switch config.StoreDriver() {
	case config.StoreDriverMemory:
		logger.WithFields(logrus.Fields{"field": "store"}).Warn("STORE_DRIVER=memory; data is lost on restart")
		store = models.NewMemoryStore()
	default:
		if err := config.ConnectDatabaseWithRetry(ctx); err != nil {
			return nil, nil, fmt.Errorf("connect database: %w", err)
		}
		// AutoMigrate can block tables; large deployments run it as a separate job.
		if !config.SkipMigrations() {
			if err := models.MigrateTable(config.GetDB()); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		} else {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
		}
		store = models.NewGormStore(config.GetDB())
	}

	var locker workflow.IncidentLocker
	switch lockDriver {
	case config.IncidentLockRedis:
		locker = workflow.NewRedisIncidentLocker(config.GetRedisLock(), settings.LockWait, settings.LockTTL)
	case config.IncidentLockMySQL:
		if config.GetDB() == nil {
			return nil, nil, errors.New("INCIDENT_LOCK=mysql needs STORE_DRIVER=mysql")
		}
		locker = &workflow.MySQLIncidentLocker{DB: config.GetDB(), Wait: settings.LockWait}
	default:
		locker = workflow.NewLocalIncidentLocker(settings.LockWait)
	}

	registry := workflow.NewRegistry(store, locker, settings, logger)
	if rdb := config.GetRedisDB(); rdb != nil {
		registry.Cache = &workflow.RedisReadCache{Client: rdb, TTL: 5 * time.Minute, Logger: logger}
	}
	return registry, store, nil
}

func statusPublisher() workflow.EventPublisher {
	if config.PubSubConfigured() {
		return config.NewPubSubStatusPublisher()
	}
	return config.LogStatusPublisher{}
}

// setupRouter wires middleware and routes. limiter may be nil.
func setupRouter(a *api, limiter *RateLimiter) *gin.Engine {
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), cid)
		ctx = utils.SetClientHashInContext(ctx, utils.ClientFingerprint(c.ClientIP()))
		c.Request = c.Request.WithContext(ctx)
		c.Header("x-correlation-id", cid)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if a.engine() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOriginFunc = func(string) bool { return false }
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length", "Retry-After", "x-correlation-id")
	corsConfig.AllowCredentials = !corsConfig.AllowAllOrigins

	r.Use(cors.New(corsConfig))
	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(a.logger))
	r.Use(gin.Recovery())

	writeLimit := func(c *gin.Context) { c.Next() }
	if limiter != nil {
		writeLimit = limiter.RateLimitMiddleware
	}

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	r.GET("/incidents", a.listIncidentsHandler)
	r.GET("/incidents/:id", a.getIncidentHandler)
	r.POST("/incidents", middlewares.RequireUser(), writeLimit, a.submitIncidentHandler)
	r.POST("/incidents/:id/verifications", middlewares.RequireUser(), writeLimit, a.submitVerificationHandler)

	r.GET("/users/:id/reputation", a.getReputationHandler)
	r.GET("/users/:id/ledger.xlsx", middlewares.RequireUser(), a.ledgerStatementHandler)

	r.GET("/rewards", a.listRewardsHandler)
	r.POST("/rewards/:id/redeem", middlewares.RequireUser(), writeLimit, a.redeemRewardHandler)

	ops := r.Group("/internal/ops", middlewares.RequireAdmin())
	ops.POST("/reconcile", a.reconcileHandler)
	ops.POST("/incidents/recompute", a.recomputeHandler)
	ops.POST("/users/:id/unfreeze", a.unfreezeHandler)
	ops.POST("/users/:id/identity", a.identityHandler)
	ops.POST("/outbox/replay", a.outboxReplayHandler)

	r.NoRoute(customNotFoundHandler)
	return r
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && logger != nil {
			cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
			logger.WithFields(logrus.Fields{
				"field":          "http",
				"path":           c.FullPath(),
				"status":         c.Writer.Status(),
				"correlation_id": cid,
			}).Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client func() *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// RateLimitMiddleware counts requests per hashed client address. It lets
// requests through while redis is not connected.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	client := rl.client()
	if client == nil {
		c.Next()
		return
	}
	key := "ratelimit:" + utils.ClientFingerprint(c.ClientIP())

	count, err := client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}
	if count == 1 {
		if err := client.Expire(c.Request.Context(), key, rl.window).Err(); err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
	}

	if count > rl.limit {
		c.Header("Retry-After", strconv.Itoa(int(rl.window.Seconds())))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func intEnv(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
