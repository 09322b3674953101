// chainlogd is the audit log and compliance daemon. It owns the
// hash-chained entry store and exposes append, query, verification,
// retention, export, and streaming over a single HTTP listener.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veritydir/chainlog/internal/analytics"
	"github.com/veritydir/chainlog/internal/api"
	"github.com/veritydir/chainlog/internal/audit"
	"github.com/veritydir/chainlog/internal/clock"
	"github.com/veritydir/chainlog/internal/config"
	"github.com/veritydir/chainlog/internal/events"
	"github.com/veritydir/chainlog/internal/export"
	"github.com/veritydir/chainlog/internal/incident"
	"github.com/veritydir/chainlog/internal/logging"
	"github.com/veritydir/chainlog/internal/retention"
	"github.com/veritydir/chainlog/internal/scheduler"
	"github.com/veritydir/chainlog/internal/storage"
)

func main() {
	configFile := flag.String("config", "", "configuration file (HCL or JSON)")
	flag.StringVar(configFile, "c", "", "configuration file (short)")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	if err := run(*configFile, *listen); err != nil {
		fmt.Fprintf(os.Stderr, "chainlogd: %v\n", err)
		os.Exit(1)
	}
}

func run(configFile, listenOverride string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if listenOverride != "" {
		cfg.Listen = listenOverride
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  logging.ParseLevel(cfg.Log.Level),
		Output: os.Stderr,
		JSON:   cfg.Log.JSON,
	})
	logging.SetDefault(logger)

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	clk := &clock.RealClock{}
	hub := events.NewHub()

	entries, err := audit.NewStore(db)
	if err != nil {
		return fmt.Errorf("init entry store: %w", err)
	}
	incidents, err := incident.NewStore(db, clk)
	if err != nil {
		return fmt.Errorf("init incident store: %w", err)
	}
	policies, err := retention.NewPolicyStore(db, clk)
	if err != nil {
		return fmt.Errorf("init policy store: %w", err)
	}
	archiver, err := retention.NewFileArchiver(cfg.ArchiveDir)
	if err != nil {
		return fmt.Errorf("init archiver: %w", err)
	}
	exporter, err := export.NewExporter(db, entries, cfg.ExportDir, clk, logger)
	if err != nil {
		return fmt.Errorf("init exporter: %w", err)
	}

	writer := audit.NewWriter(entries, hub, clk, logger)
	verifier := audit.NewVerifier(entries, incidents, hub, logger)
	engine := retention.NewEngine(entries, policies, archiver, clk, logger, cfg.Retention.BatchSize)
	aggregator := analytics.NewAggregator(entries, clk)

	sched := scheduler.New(logger)
	sched.AddTask(scheduler.NewRetentionSweepTask(engine,
		config.Duration(cfg.Retention.SweepInterval, time.Hour)))
	sched.AddTask(scheduler.NewIntegrityCheckTask(verifier,
		config.Duration(cfg.Verify.Interval, 6*time.Hour)))
	sched.AddTask(scheduler.NewAnomalyScanTask(entries, incidents, hub, logger,
		scheduler.AnomalyConfig{
			Window:    config.Duration(cfg.Anomaly.Window, 10*time.Minute),
			Threshold: cfg.Anomaly.Threshold,
		},
		config.Duration(cfg.Anomaly.Interval, 5*time.Minute)))
	sched.Start()
	defer sched.Stop()

	srv := api.NewServer(api.Options{
		Writer:     writer,
		Store:      entries,
		Verifier:   verifier,
		Engine:     engine,
		Policies:   policies,
		Exporter:   exporter,
		Aggregator: aggregator,
		Incidents:  incidents,
		Hub:        hub,
		Scheduler:  sched,
		Logger:     logger,
		SendBuffer: cfg.Stream.SendBuffer,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("chainlogd starting", "listen", cfg.Listen, "database", cfg.DatabasePath)
	if err := srv.Start(ctx, cfg.Listen); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("chainlogd stopped")
	return nil
}
