// Command server runs the marketplace ledger and escrow API.
package main

import (
	"context"
	"os"

	"github.com/mbd888/marketledger/internal/config"
	"github.com/mbd888/marketledger/internal/logging"
	"github.com/mbd888/marketledger/internal/server"
)

// Build info - set by ldflags
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

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting marketledger",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"port", cfg.Port,
		"currency", cfg.DefaultCurrency,
		"postgres", cfg.DatabaseURL != "",
		"auto_migrate", cfg.AutoMigrate,
		"reconcile_schedule", cfg.ReconcileSchedule,
		"rate_limit_rpm", cfg.RateLimitRPM,
	)

	server.Version = Version
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(context.Background()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
