package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/backfill"
	"github.com/devmesh/devmesh/internal/config"
	"github.com/devmesh/devmesh/internal/embed"
	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/storage"
)

var (
	backfillEvents  bool
	backfillPerItem bool
	backfillBatch   int
	backfillMaxRows int
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Repair events and templates the live path left incomplete",
	Long: `Run the safety-net jobs once and exit: assign templates to events
whose live-path resolution failed, then embed templates that still lack
vectors. Intended for cron; the server can also run these on a schedule
via backfill.interval.`,
	Run: runBackfill,
}

func init() {
	backfillCmd.Flags().BoolVar(&backfillEvents, "events", false,
		"Also embed individual events that lack vectors (opt-in, expensive)")
	backfillCmd.Flags().BoolVar(&backfillPerItem, "per-item", false,
		"Embed one text per request so a single poison row cannot stall a batch")
	backfillCmd.Flags().IntVar(&backfillBatch, "batch-size", 0,
		"Rows per scan step (overrides backfill.batch_size)")
	backfillCmd.Flags().IntVar(&backfillMaxRows, "max-rows", 0,
		"Row cap for this run (overrides backfill.max_rows)")
}

func runBackfill(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	HandleError(cfg.Validate(), "Configuration error")
	HandleError(setupLog(logLevelFlags, cfg.Log.Level), "Failed to setup logging")

	logger := logging.GetLogger("backfill.cli")

	jobCfg := backfill.Config{
		BatchSize: cfg.Backfill.BatchSize,
		Delay:     cfg.Backfill.Delay,
		MaxRows:   cfg.Backfill.MaxRows,
		PerItem:   backfillPerItem,
	}
	if backfillBatch > 0 {
		jobCfg.BatchSize = backfillBatch
	}
	if backfillMaxRows > 0 {
		jobCfg.MaxRows = backfillMaxRows
	}

	store, err := storage.NewStore(storage.Config{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	HandleError(err, "Storage error")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	HandleError(store.Start(ctx), "Storage error")
	defer store.Stop(context.Background())

	embedClient := embed.NewClient(embed.Config{
		BaseURL:         cfg.Embedding.BaseURL,
		Model:           cfg.Embedding.Model,
		Dimension:       cfg.Embedding.Dim,
		Timeout:         cfg.Embedding.Timeout,
		BatchSize:       cfg.Embedding.BatchSize,
		Concurrency:     cfg.Embedding.Concurrency,
		MaxRetries:      cfg.Embedding.MaxRetries,
		InterBatchDelay: cfg.Embedding.InterBatchDelay,
	}, embed.NewMetrics(prometheus.NewRegistry(), cfg.Embedding.Model))

	templateStats, err := backfill.NewTemplateBackfill(jobCfg, store.Events, store.Templates).Run(ctx)
	HandleError(err, "Template backfill failed")
	logger.Info("Template backfill: scanned=%d assigned=%d created=%d skipped=%d",
		templateStats.Scanned, templateStats.Repaired, templateStats.Created, templateStats.Skipped)

	embedJob := backfill.NewEmbeddingBackfill(jobCfg, store.Events, store.Templates, embedClient)
	embedStats, err := embedJob.Run(ctx)
	HandleError(err, "Embedding backfill failed")
	logger.Info("Embedding backfill: scanned=%d embedded=%d migrated=%d skipped=%d",
		embedStats.Scanned, embedStats.Repaired, embedStats.Created, embedStats.Skipped)

	if backfillEvents {
		eventStats, err := embedJob.RunEvents(ctx)
		HandleError(err, "Event embedding backfill failed")
		logger.Info("Event embedding backfill: scanned=%d embedded=%d skipped=%d",
			eventStats.Scanned, eventStats.Repaired, eventStats.Skipped)
	}

	if ctx.Err() != nil {
		logger.Warn("Backfill interrupted")
		os.Exit(1)
	}
}
