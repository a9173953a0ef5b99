package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/OpenUpSA/dexi/internal/common"
	"github.com/OpenUpSA/dexi/internal/repository"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(2)
	}
	logger := common.NewLogger(os.Stdout, cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := repository.Open(ctx, repository.Config{
		Driver:      cfg.Database.Driver,
		DSN:         cfg.Database.DSN,
		MaxConns:    2,
		MinConns:    1,
		DialTimeout: cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("opening DB", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("closing DB", "error", err)
		}
	}()

	if err := client.HealthCheck(ctx, time.Second); err != nil {
		logger.Error("DB health: FAIL", "error", err)
		os.Exit(1)
	}
	if err := client.Migrate(ctx); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}

	projects, err := repository.NewProjectRepository(client, logger).List(ctx, "")
	if err != nil {
		logger.Error("listing projects", "error", err)
		os.Exit(1)
	}
	logger.Info("DB health: OK", "driver", client.Dialect(), "projects", len(projects))
	for _, p := range projects {
		logger.Info("project", "id", p.ID, "name", p.Name, "user_id", p.UserID)
	}
}
