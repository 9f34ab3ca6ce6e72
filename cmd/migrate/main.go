package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/odyssey-erp/revrec/internal/app"
	"github.com/odyssey-erp/revrec/internal/platform/migrations"
)

func main() {
	down := flag.Int("down", 0, "roll back this many migrations instead of applying")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	sqlDB, err := migrations.Open(cfg.PGDSN)
	if err != nil {
		logger.Error("open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer sqlDB.Close()

	if *down > 0 {
		err = migrations.Down(sqlDB, *down)
	} else {
		err = migrations.Up(sqlDB)
	}
	if err != nil {
		logger.Error("migrate", slog.Any("error", err))
		os.Exit(1)
	}

	version, dirty, err := migrations.Version(sqlDB)
	if err != nil {
		logger.Error("read schema version", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("schema ready", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
}
