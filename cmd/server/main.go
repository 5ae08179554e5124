// PharmaHub - multi-tenant backend for pharmaceutical distributors
package main

import (
	"context"
	"os"

	"github.com/mbd888/pharmahub/internal/config"
	"github.com/mbd888/pharmahub/internal/logging"
	"github.com/mbd888/pharmahub/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting pharmahub",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		"env", cfg.Env,
		"tenant_db_driver", cfg.TenantDBDriver,
		"active_gateway", cfg.ActiveGateway,
		"webhook_strict", cfg.WebhookStrict,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
