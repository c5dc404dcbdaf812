package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/manthysbr/scoutOS/internal/adapters/duckdb"
	"github.com/manthysbr/scoutOS/internal/adapters/memory"
	"github.com/manthysbr/scoutOS/internal/adapters/providers"
	appconfig "github.com/manthysbr/scoutOS/internal/config"
	"github.com/manthysbr/scoutOS/internal/core/domain"
	"github.com/manthysbr/scoutOS/internal/core/ports"
	"github.com/manthysbr/scoutOS/internal/core/services"
)

type runOptions struct {
	inMemory      bool
	concurrency   int
	executionType string
	sampleSize    int
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run <batch.json>",
	Short: "Run one batch to completion and print its events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := appconfig.Load(configPath)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		final, err := runBatch(ctx, logger, cfg, args[0], runOpts, cmd.OutOrStdout())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "execution %s %s: %d/%d settled, %d errors\n",
			final.ID, final.Status, final.Stats.Completed, final.Stats.Total, final.Stats.Error)
		if final.Status == domain.ExecutionStatusFailed {
			return fmt.Errorf("execution failed: %s", final.Error)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&runOpts.inMemory, "memory", false, "keep state in memory instead of DuckDB")
	runCmd.Flags().IntVar(&runOpts.concurrency, "concurrency", 0, "concurrency limit (0: configured default)")
	runCmd.Flags().StringVar(&runOpts.executionType, "type", string(domain.ExecutionTypeFull), "execution type: test or full")
	runCmd.Flags().IntVar(&runOpts.sampleSize, "sample", 0, "rows to run in a test execution (0: configured default)")
}

// runBatch loads a batch file, executes it and streams its events to out until
// the execution finishes. An interrupt stops the execution.
func runBatch(ctx context.Context, logger *slog.Logger, cfg *appconfig.FileConfig, path string, opts runOptions, out io.Writer) (domain.Execution, error) {
	batch, err := readBatch(path)
	if err != nil {
		return domain.Execution{}, err
	}

	var (
		repo    ports.Repository
		metrics ports.MetricsWriter
	)
	if opts.inMemory {
		mem := memory.NewRepository()
		repo, metrics = mem, mem
	} else {
		db, err := duckdb.NewRepository(cfg.Server.DBPath)
		if err != nil {
			return domain.Execution{}, fmt.Errorf("failed to init repository: %w", err)
		}
		defer db.Close()
		repo, metrics = db, db
	}
	if err := repo.SaveBatch(ctx, batch); err != nil {
		return domain.Execution{}, fmt.Errorf("failed to save batch: %w", err)
	}

	extractor, err := providers.Build(logger, &cfg.App)
	if err != nil {
		return domain.Execution{}, fmt.Errorf("failed to build extractor: %w", err)
	}

	bus := services.NewEventBus(logger, cfg.App.Orchestrator.EventBuffer)
	defer bus.Close()

	// the printer ends on execution_completed, which every finished run emits last
	events, unsubscribe := bus.SubscribeGlobal()
	defer unsubscribe()
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		enc := json.NewEncoder(out)
		for ev := range events {
			if err := enc.Encode(ev); err != nil {
				logger.Warn("failed to write event", "error", err)
			}
			if ev.Type == domain.EventExecutionCompleted {
				return
			}
		}
	}()

	orch := services.NewOrchestrator(logger, repo, metrics, bus, extractor, services.OrchestratorConfigFrom(cfg.App.Orchestrator))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	exec, err := orch.Start(ctx, services.StartRequest{
		BatchID:          batch.ID,
		ConcurrencyLimit: opts.concurrency,
		ExecutionType:    domain.ExecutionType(strings.ToLower(opts.executionType)),
		SampleSize:       opts.sampleSize,
	})
	if err != nil {
		return domain.Execution{}, fmt.Errorf("failed to start execution: %w", err)
	}

	final, err := orch.Wait(ctx, exec.ID)
	if err == nil {
		<-printed
		return final, nil
	}

	logger.Info("interrupted, stopping execution", "execution_id", exec.ID)
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if _, err := orch.Stop(stopCtx, exec.ID, "interrupted"); err != nil {
		logger.Warn("failed to stop execution", "execution_id", exec.ID, "error", err)
	}
	final, err = orch.Wait(stopCtx, exec.ID)
	if err != nil {
		return final, err
	}
	<-printed
	return final, nil
}

func readBatch(path string) (domain.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer f.Close()

	var batch domain.Batch
	if err := json.NewDecoder(f).Decode(&batch); err != nil {
		return domain.Batch{}, fmt.Errorf("failed to parse batch file %s: %w", path, err)
	}
	batch.ID = domain.NewBatchID()
	batch.Name = strings.TrimSpace(batch.Name)
	batch.CreatedAt = time.Now().UTC()
	if err := batch.Validate(); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}
