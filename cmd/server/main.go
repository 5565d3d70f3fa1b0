// Command server runs the fraudwatch detection service: the HTTP API, the
// optional Kafka ingestion consumer and the flag notification fan-out.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbd888/fraudwatch/internal/config"
	"github.com/mbd888/fraudwatch/internal/logging"
	"github.com/mbd888/fraudwatch/internal/server"
)

// Build info, set by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, "service", "fraudwatch", "env", cfg.Env)
	logger.Info("starting fraudwatch",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"lanes", cfg.Lanes,
		"daily_reset_scope", cfg.DailyResetScope,
		"rules_file", cfg.RulesFile,
		"kafka", cfg.KafkaBroker != "",
		"redis", cfg.RedisAddr != "",
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("fraudwatch stopped")
}
