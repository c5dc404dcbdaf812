package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/scoutOS/internal/adapters/docker"
	"github.com/manthysbr/scoutOS/internal/adapters/duckdb"
	"github.com/manthysbr/scoutOS/internal/adapters/providers"
	appconfig "github.com/manthysbr/scoutOS/internal/config"
	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
	"github.com/manthysbr/scoutOS/internal/core/services"
	"github.com/manthysbr/scoutOS/pkg/kernel"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := appconfig.Load(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		logger.Info("starting scout kernel", "version", version, "addr", cfg.Server.Addr)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := serve(ctx, logger, cfg); err != nil {
			logger.Error("kernel failed", "error", err)
			return err
		}
		return nil
	},
}

func serve(ctx context.Context, logger *slog.Logger, cfg *appconfig.FileConfig) error {
	repo, err := duckdb.NewRepository(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	secretKey, err := appconfig.NewSecretKey()
	if err != nil {
		return fmt.Errorf("failed to init secret key: %w", err)
	}

	// settings: loads persisted config from DuckDB, seeding it from the file on first start
	settingsStore, err := appconfig.NewSettingsStore(ctx, logger, repo, secretKey, &cfg.App)
	if err != nil {
		return fmt.Errorf("failed to init settings store: %w", err)
	}
	appCfg := settingsStore.GetConfig()

	extractor, err := providers.Build(logger, appCfg)
	if err != nil {
		return fmt.Errorf("failed to build extractor: %w", err)
	}
	sweepContainers(ctx, logger, extractor)

	eventBus := services.NewEventBus(logger, appCfg.Orchestrator.EventBuffer)
	defer eventBus.Close()

	orch := services.NewOrchestrator(logger, repo, repo, eventBus, extractor, services.OrchestratorConfigFrom(appCfg.Orchestrator))
	if n, err := orch.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile executions: %w", err)
	} else if n > 0 {
		logger.Warn("marked interrupted executions as failed", "count", n)
	}

	// hot-reload: a new extractor serves jobs admitted after the change
	settingsStore.OnChange(func(next *domain.AppConfig) {
		ext, err := providers.Build(logger, next)
		if err != nil {
			logger.Error("failed to rebuild extractor on settings change", "error", err)
			return
		}
		orch.SetExtractor(ext)
		logger.Info("extractor hot-reloaded", "mode", next.Extractor.Mode)
	})

	apiServer := kernel.NewServer(logger, orch, eventBus, settingsStore, repo, repo)
	apiHandler, err := apiServer.Handler()
	if err != nil {
		return fmt.Errorf("failed to build api handler: %w", err)
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           c.Handler(apiHandler),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("api server listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// executions first so their final events reach open streams
		if err := orch.Shutdown(shutdownCtx); err != nil {
			logger.Warn("executions did not drain in time", "error", err)
		}
		eventBus.Close() // ends open SSE streams
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sweepContainers removes agent containers left behind by a previous process.
func sweepContainers(ctx context.Context, logger *slog.Logger, ext ports.Extractor) {
	d, ok := ext.(*docker.Extractor)
	if !ok {
		return
	}
	n, err := d.Sweep(ctx)
	if err != nil {
		logger.Warn("container sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("removed stale agent containers", "count", n)
	}
}
