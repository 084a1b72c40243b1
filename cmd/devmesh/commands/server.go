package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/devmesh/devmesh/internal/api"
	"github.com/devmesh/devmesh/internal/apiserver"
	"github.com/devmesh/devmesh/internal/backfill"
	"github.com/devmesh/devmesh/internal/config"
	"github.com/devmesh/devmesh/internal/embed"
	"github.com/devmesh/devmesh/internal/ingest"
	"github.com/devmesh/devmesh/internal/lifecycle"
	"github.com/devmesh/devmesh/internal/logging"
	"github.com/devmesh/devmesh/internal/retention"
	"github.com/devmesh/devmesh/internal/search"
	"github.com/devmesh/devmesh/internal/storage"
	"github.com/devmesh/devmesh/internal/tracing"
)

var (
	serverPort int
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the DevMesh server",
	Long: `Start the DevMesh server: the ingest pipeline, semantic search API,
and (when enabled) the backfill and retention schedulers.`,
	Run: runServer,
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 0,
		"Port the API server listens on (overrides server.port from the config file)")
}

// healthSource adapts the store and embedding client to the /health checks.
type healthSource struct {
	store *storage.Store
	embed *embed.Client
}

func (h *healthSource) DatabaseHealthy(ctx context.Context) bool {
	return h.store.Healthy(ctx)
}

func (h *healthSource) EmbeddingHealthy() bool {
	return h.embed.Healthy()
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(configPath)
	HandleError(err, "Configuration error")
	if serverPort > 0 {
		cfg.Server.Port = serverPort
	}
	HandleError(cfg.Validate(), "Configuration error")
	HandleError(setupLog(logLevelFlags, cfg.Log.Level), "Failed to setup logging")

	logger := logging.GetLogger("server")
	logger.Info("Starting DevMesh v%s", Version)

	manager := lifecycle.NewManager()

	// Tracing first: every later component may open spans.
	tracingProvider, err := tracing.NewTracingProvider(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		TLSCAPath:   cfg.Tracing.TLSCAPath,
		TLSInsecure: cfg.Tracing.TLSInsecure,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without): %v", err)
		tracingProvider = nil
	}
	if tracingProvider != nil {
		HandleError(manager.Register(tracingProvider), "Tracing registration error")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := storage.NewStore(storage.Config{
		DSN:           cfg.DB.DSN,
		MaxConns:      cfg.DB.MaxConns,
		MinConns:      cfg.DB.MinConns,
		CacheCapacity: cfg.Cache.Capacity,
		CacheWarm:     cfg.Cache.Warm,
	})
	HandleError(err, "Storage error")
	HandleError(manager.Register(store), "Storage registration error")

	embedClient := embed.NewClient(embed.Config{
		BaseURL:         cfg.Embedding.BaseURL,
		Model:           cfg.Embedding.Model,
		Dimension:       cfg.Embedding.Dim,
		Timeout:         cfg.Embedding.Timeout,
		BatchSize:       cfg.Embedding.BatchSize,
		Concurrency:     cfg.Embedding.Concurrency,
		MaxRetries:      cfg.Embedding.MaxRetries,
		InterBatchDelay: cfg.Embedding.InterBatchDelay,
	}, embed.NewMetrics(registry, cfg.Embedding.Model))

	pipeline := ingest.NewPipeline(ingest.Config{
		QueueSize: cfg.Ingest.QueueSize,
		Workers:   cfg.Ingest.Workers,
	}, store.Events, store.Templates, embedClient, ingest.NewMetrics(registry))
	HandleError(manager.Register(pipeline, store), "Pipeline registration error")

	searchService := search.NewService(embedClient, store.Templates, store.Events)

	// Safety-net and retention schedulers; disabled unless an interval is
	// configured, in which case they run inside the server process.
	backfillCfg := backfill.Config{
		BatchSize: cfg.Backfill.BatchSize,
		Delay:     cfg.Backfill.Delay,
		MaxRows:   cfg.Backfill.MaxRows,
	}
	backfillMetrics := backfill.NewMetrics(registry)
	backfillScheduler := backfill.NewScheduler(cfg.Backfill.Interval,
		backfill.NewTemplateBackfill(backfillCfg, store.Events, store.Templates).WithMetrics(backfillMetrics),
		backfill.NewEmbeddingBackfill(backfillCfg, store.Events, store.Templates, embedClient).WithMetrics(backfillMetrics),
	)
	HandleError(manager.Register(backfillScheduler, store), "Backfill registration error")

	retentionJob := retention.NewJob(retention.Config{
		Days:      cfg.Retention.Days,
		BatchSize: cfg.Retention.BatchSize,
		DryRun:    cfg.Retention.DryRun,
	}, store.Events, store.Templates).WithMetrics(retention.NewMetrics(registry))
	retentionScheduler := retention.NewScheduler(cfg.Retention.Interval, retentionJob)
	HandleError(manager.Register(retentionScheduler, store), "Retention registration error")

	handler := api.NewHandler(api.Config{
		MaxBatch:     cfg.Ingest.MaxBatch,
		MaxClockSkew: cfg.Ingest.MaxClockSkew,
		Version:      Version,
		Model:        cfg.Embedding.Model,
		Dimension:    cfg.Embedding.Dim,
	}, pipeline, searchService, &healthSource{store: store, embed: embedClient})

	server := apiserver.New(apiserver.Config{
		Port:   cfg.Server.Port,
		APIKey: cfg.Server.APIKey,
	}, handler, registry)
	HandleError(manager.Register(server, store, pipeline), "API server registration error")

	ctx := context.Background()
	HandleError(manager.Start(ctx), "Startup error")
	logger.Info("DevMesh server running on port %d", cfg.Server.Port)

	// Block until SIGINT/SIGTERM, then stop components in reverse order.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Received signal %v, shutting down", sig)

	HandleError(manager.Stop(ctx), "Shutdown error")
	logger.Info("Shutdown complete")
}
