package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fritz-net/AoE2-Civbuilder/internal/archive"
	"github.com/fritz-net/AoE2-Civbuilder/internal/civdata"
	"github.com/fritz-net/AoE2-Civbuilder/internal/config"
	"github.com/fritz-net/AoE2-Civbuilder/internal/export"
	"github.com/fritz-net/AoE2-Civbuilder/internal/httpapi"
	"github.com/fritz-net/AoE2-Civbuilder/internal/registry"
	"github.com/fritz-net/AoE2-Civbuilder/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	catalog, err := civdata.Load()
	if err != nil {
		logger.Fatal("loading option catalog", zap.Error(err))
	}
	logger.Info("option catalog loaded", zap.Int("options", catalog.Len()))

	var exporter export.Exporter = export.Noop{}
	if cfg.ExportURL != "" {
		exporter = export.NewHTTPExporter(cfg.ExportURL)
		logger.Info("mod builder configured", zap.String("url", cfg.ExportURL))
	}

	var store archive.Store = archive.Noop{}
	if cfg.DatabaseURL != "" {
		gs, err := archive.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("opening archive store", zap.Error(err))
		}
		store = gs
		logger.Info("draft archive enabled")
	}

	ctx := context.Background()
	reg := registry.New(ctx, session.Deps{
		Catalog:  catalog,
		Exporter: exporter,
		Store:    store,
		Log:      logger,
	})

	handler := httpapi.SetupRoutes(reg, cfg.Hostname, logger)

	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, handler); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
