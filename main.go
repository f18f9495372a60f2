package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"hyperflow/config"
	"hyperflow/internal/channel"
	"hyperflow/internal/classifier"
	"hyperflow/internal/exchange"
	"hyperflow/internal/exchange/binance"
	"hyperflow/internal/exchange/hyperliquid"
	"hyperflow/internal/ingest"
	"hyperflow/internal/metrics"
	"hyperflow/internal/pipeline"
	"hyperflow/internal/ranking"
	"hyperflow/internal/reaper"
	"hyperflow/internal/registry"
	"hyperflow/internal/scheduler"
	"hyperflow/internal/status"
	"hyperflow/internal/store"
	"hyperflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	duration := flag.Duration("duration", 0, "Optional run bound (e.g. 2h); 0 runs until a signal")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Hyperflow.Name,
		"version": cfg.Hyperflow.Version,
		"backend": cfg.Exchange.Backend,
	}).Info("starting hyperflow collector")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}
	if cfg.Logging.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, "")
		metrics.InitCloudWatch(cfg.Logging.CloudWatch.Region, cfg.Logging.CloudWatch.Namespace, "")
	}
	if cfg.Metrics.Enabled {
		metrics.Init(cfg.Metrics.ListenAddr)
	}

	source, err := newSource(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Error("failed to initialize exchange source")
		os.Exit(1)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Sqlite.Path), 0o755); err != nil {
		log.WithError(err).Error("failed to create database directory")
		os.Exit(1)
	}
	st, err := store.Open(cfg.Storage.Sqlite.Path, cfg.Storage.Sqlite.BusyTimeoutMs)
	if err != nil {
		log.WithError(err).Error("failed to open sample store")
		os.Exit(1)
	}

	channels := channel.NewChannels(cfg.Ingest.ChannelBuffer)
	defer channels.Close()

	go metrics.StartChannelSizeMetrics(ctx, channels, 30*time.Second)

	reg := registry.New()
	engine := ranking.NewEngine(cfg.Ranking)
	cls := classifier.New(cfg.Sampling)

	runner := pipeline.New(cfg.Ranking, cfg.Sampling, source, reg, engine, cls)
	sched := scheduler.New(cfg.Sampling, source, reg, cls, channels)
	ing := ingest.New(cfg.Ingest, st, channels)
	rp := reaper.New(cfg.Retention, st)
	rep := status.New(cfg, reg, cls, sched, ing, channels, st)

	// Prime the tiers before sampling begins so the first scheduler ticks
	// already have a classified universe.
	runner.RunCycle(ctx)

	if err := ing.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ingest")
		os.Exit(1)
	}
	if err := sched.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}
	if err := runner.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start ranking runner")
		os.Exit(1)
	}
	if err := rp.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start retention reaper")
		os.Exit(1)
	}
	if err := rep.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start status reporter")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runBound <-chan time.Time
	if *duration > 0 {
		timer := time.NewTimer(*duration)
		defer timer.Stop()
		runBound = timer.C
	}

	select {
	case sig := <-sigChan:
		log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")
	case <-runBound:
		log.WithFields(logger.Fields{"duration": duration.String()}).Info("run duration elapsed")
	}

	log.Info("starting graceful shutdown")
	cancel()

	log.Info("stopping scheduler")
	sched.Stop()

	log.Info("stopping ranking runner")
	runner.Stop()

	log.Info("stopping retention reaper")
	rp.Stop()

	log.Info("draining ingest")
	ing.Stop()

	log.Info("stopping status reporter")
	rep.Stop()

	if err := st.Close(); err != nil {
		log.WithError(err).Warn("failed to close sample store")
	}

	log.Info("hyperflow stopped")
}

// newSource picks the venue backend. Binance also reports its request
// weight budget so log readers can judge later weight warnings.
func newSource(ctx context.Context, cfg *config.Config, log *logger.Log) (exchange.Source, error) {
	switch strings.ToLower(cfg.Exchange.Backend) {
	case "hyperliquid", "":
		return hyperliquid.NewClient(cfg.Exchange.Hyperliquid), nil
	case "binance":
		src := binance.NewSource(cfg.Exchange.Binance)
		weightCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if limit, err := src.RequestWeightLimit(weightCtx); err != nil {
			log.WithComponent("main").WithError(err).Warn("could not read request weight limit")
		} else {
			log.WithComponent("main").WithFields(logger.Fields{
				"request_weight_per_minute": limit,
			}).Info("binance request weight budget")
		}
		return src, nil
	default:
		return nil, fmt.Errorf("unknown exchange backend %q", cfg.Exchange.Backend)
	}
}
