// Package main runs the analytics ingest HTTP server with the dashboard live
// feed and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fanlume/telemetry/config"
	"github.com/fanlume/telemetry/internal/analytics"
	"github.com/fanlume/telemetry/internal/auth"
	"github.com/fanlume/telemetry/internal/batchstore"
	"github.com/fanlume/telemetry/internal/ingest"
	"github.com/fanlume/telemetry/internal/livefeed"
	"github.com/fanlume/telemetry/internal/middleware"
	"github.com/fanlume/telemetry/pkg/database"
	"github.com/fanlume/telemetry/pkg/queue"
	"github.com/fanlume/telemetry/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	hub := livefeed.NewHub(logger)
	feed := livefeed.NewRedisFanout(rdb.Client, hub, logger)
	runCtx, stopFeed := context.WithCancel(ctx)
	defer stopFeed()
	if err := feed.Run(runCtx); err != nil {
		logger.Fatal("live feed subscribe", zap.Error(err))
	}

	ingestHandler := ingest.NewHandler(jobQueue, feed, logger)
	analyticsHandler := analytics.NewHandler(batchstore.NewRepository(pool), logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.Use(middleware.OptionalJWT(jwtService))
	{
		api.POST("/analytics/events", ingestHandler.SubmitBatch)
		api.GET("/analytics/sessions/:id", analyticsHandler.GetSession)
	}

	// Dashboard live feed (outbound notifications only)
	router.GET("/ws/feed", livefeed.ServeWs(hub, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("ingest server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
