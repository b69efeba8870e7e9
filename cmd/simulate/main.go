// Package main runs a synthetic telemetry session against the ingest endpoint,
// for smoke testing a deployed pipeline.
package main

import (
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fanlume/telemetry/config"
	"github.com/fanlume/telemetry/internal/auth"
	"github.com/fanlume/telemetry/internal/collector"
)

func main() {
	duration := flag.Int("duration", 30, "session length in seconds")
	userID := flag.String("user", "smoke-user", "user id for the synthetic session")
	creatorID := flag.String("creator", "smoke-creator", "creator id for the synthetic session")
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	token, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Generate(*userID, "smoke-channel")
	if err != nil {
		logger.Fatal("generate token", zap.Error(err))
	}

	col := collector.New(collector.Config{
		Endpoint:        cfg.Collector.Endpoint,
		BatchSize:       cfg.Collector.BatchSize,
		FlushInterval:   cfg.Collector.FlushInterval,
		MaxRetries:      cfg.Collector.MaxRetries,
		RetryBackoff:    cfg.Collector.RetryBackoff,
		RateLimitWindow: cfg.Collector.RateLimitWindow,
	},
		collector.WithLogger(logger),
		collector.WithTokenProvider(collector.StaticToken(token)),
	)
	defer col.Close()

	col.On(collector.EventsFlushed, func(p any) {
		logger.Info("flushed", zap.Int("events", p.(int)))
	})
	col.On(collector.EventsLost, func(p any) {
		logger.Warn("lost", zap.Int("events", p.(int)))
	})

	if !col.InitSession(*userID, *creatorID, "smoke-channel", "video_call", collector.Fields{"source": "simulator"}) {
		logger.Fatal("session init failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	deadline := time.After(time.Duration(*duration) * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	logger.Info("simulating session",
		zap.String("endpoint", cfg.Collector.Endpoint), zap.Int("duration_sec", *duration))

loop:
	for {
		select {
		case <-quit:
			col.EndSession("interrupted")
			break loop
		case <-deadline:
			col.EndSession("normal")
			break loop
		case now := <-ticker.C:
			col.TrackEvent("heartbeat", collector.Fields{"at": now.Unix()})
			col.TrackSessionMetrics(collector.MetricsUpdate{
				Video: &collector.VideoSample{
					Timestamp: now,
					Width:     1280,
					Height:    720,
					FrameRate: 24 + rand.Float64()*6,
					Bitrate:   2000 + rand.Float64()*1000,
				},
				Network: &collector.NetworkSample{
					Timestamp:  now,
					RTT:        30 + rand.Float64()*40,
					PacketLoss: rand.Float64() * 2,
				},
			})
			if rand.Intn(10) == 0 {
				col.TrackRevenue(collector.RevenueUpdate{Type: "tip", Amount: 25, USDValue: 1.25})
			}
			if rand.Intn(5) == 0 {
				col.TrackInteraction("chat_message", collector.Fields{"length": rand.Intn(200)})
			}
		}
	}

	summary := col.SessionSummary()
	logger.Info("session summary",
		zap.String("session_id", summary.SessionID),
		zap.Duration("duration", summary.Duration),
		zap.Int("events", summary.Events),
		zap.Float64("tokens", summary.Revenue.Tokens),
		zap.Int("interactions", summary.Interactions))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
