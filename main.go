// lakehouse-ingest discovers raw delimited files, extracts them into staged
// parquet bundles, and commits the bundles into a DuckDB-managed lakehouse
// with exactly-once semantics. One invocation is one run; scheduling is left
// to cron or an external operator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nathantapsas/lakehouse/bundle"
	"github.com/nathantapsas/lakehouse/ingest"
	"github.com/nathantapsas/lakehouse/ledger"
	"github.com/nathantapsas/lakehouse/metrics"
	"github.com/nathantapsas/lakehouse/orchestrator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "lakehouse-ingest: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx := ingest.RunContext{RunID: uuid.NewString()}
	logger.Info("starting ingestion run",
		zap.String("run_id", runCtx.RunID),
		zap.String("config", configPath))

	specs, err := ingest.LoadSpecsFromDir(cfg.SpecDir)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		logger.Warn("no ingestion specs found", zap.String("spec_dir", cfg.SpecDir))
		return nil
	}

	m := metrics.New(cfg.Metrics.Enabled)
	m.Serve(cfg.Metrics.ListenAddr, logger)

	store, err := ledger.Open(ctx, cfg.Ledger, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	layout := bundle.NewLayout(cfg.StagingRoot, logger)
	planner := &orchestrator.ManifestPlanner{
		Layout:  layout,
		Catalog: store.Catalog(),
		Schema:  cfg.TargetSchema,
	}

	orch := orchestrator.New(cfg.Orchestrator, runCtx, specs, layout, store, planner, m, logger)
	return orch.Run(ctx)
}
