package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/config"
	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/retention"
	"github.com/devmesh/devmesh/internal/storage"
)

var (
	retentionDryRun bool
	retentionDays   int
)

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Delete events and orphaned templates past the retention horizon",
	Long: `Run the retention pass once and exit: delete events older than the
horizon, then templates that are both expired and no longer referenced.
Intended for cron; the server can also run this on a schedule via
retention.interval.`,
	Run: runRetention,
}

func init() {
	retentionCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false,
		"Report what would be deleted without deleting anything")
	retentionCmd.Flags().IntVar(&retentionDays, "days", 0,
		"Retention horizon in days (overrides retention.days)")
}

func runRetention(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	HandleError(cfg.Validate(), "Configuration error")
	HandleError(setupLog(logLevelFlags, cfg.Log.Level), "Failed to setup logging")

	logger := logging.GetLogger("retention.cli")

	jobCfg := retention.Config{
		Days:      cfg.Retention.Days,
		BatchSize: cfg.Retention.BatchSize,
		DryRun:    retentionDryRun || cfg.Retention.DryRun,
	}
	if retentionDays > 0 {
		jobCfg.Days = retentionDays
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

	result, err := retention.NewJob(jobCfg, store.Events, store.Templates).Run(ctx)
	HandleError(err, "Retention failed")

	verb := "deleted"
	if result.DryRun {
		verb = "would delete"
	}
	logger.Info("Retention (cutoff %s): %s %d events, %d templates",
		result.Cutoff.Format("2006-01-02"), verb, result.EventsDeleted, result.TemplatesDeleted)
}
