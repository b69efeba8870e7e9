// Package main runs the background batch-persistence worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fanlume/telemetry/config"
	"github.com/fanlume/telemetry/internal/batchstore"
	"github.com/fanlume/telemetry/internal/livefeed"
	"github.com/fanlume/telemetry/internal/worker"
	"github.com/fanlume/telemetry/pkg/database"
	"github.com/fanlume/telemetry/pkg/queue"
	"github.com/fanlume/telemetry/pkg/redis"
	"github.com/fanlume/telemetry/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var archiver worker.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		s3Cfg := storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArchiveBucket:   cfg.AWS.ArchiveBucket,
		}
		s3Client, err := storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("archive disabled", zap.Error(err))
		} else {
			archiver = s3Client
		}
	}

	store := batchstore.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	feed := livefeed.NewRedisFanout(rdb.Client, nil, logger)
	processor := worker.NewBatchProcessor(store, jobQueue, archiver, feed, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go processor.Run(runCtx)
	logger.Info("batch worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
