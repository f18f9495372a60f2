package main

import (
	"context"
	"flag"
	"os"

	"github.com/joho/godotenv"

	"hyperflow/config"
	"hyperflow/internal/export"
	"hyperflow/internal/store"
	"hyperflow/logger"
)

// One-shot snapshot export. Safe to run against a live collector; reads
// retry when they lose the write lock race.
func main() {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	out := flag.String("out", "", "Output directory (default from config)")
	format := flag.String("format", "both", "Raw artifact format: csv, parquet or both")
	top := flag.Int("top", 0, "Top levels row count (default from config)")
	force := flag.Bool("force", false, "Export even when the window is shorter than min_window_hours")
	upload := flag.Bool("upload", false, "Upload artifacts to S3 (requires storage.s3.enabled)")
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

	exportCfg := cfg.Export
	if *out != "" {
		exportCfg.OutDir = *out
	}
	if *top > 0 {
		exportCfg.TopN = *top
	}

	st, err := store.Open(cfg.Storage.Sqlite.Path, cfg.Storage.Sqlite.BusyTimeoutMs)
	if err != nil {
		log.WithError(err).Error("failed to open sample store")
		os.Exit(1)
	}
	defer st.Close()

	exporter := export.New(exportCfg, cfg.Storage.S3, st)
	summary, err := exporter.Run(context.Background(), export.Options{
		DBPath: cfg.Storage.Sqlite.Path,
		Format: *format,
		Force:  *force,
		Upload: *upload,
	})
	if err != nil {
		log.WithError(err).Error("export failed")
		os.Exit(1)
	}

	if summary.Status == "skipped" {
		log.WithFields(logger.Fields{"reason": summary.Reason}).Warn("export skipped")
		return
	}

	log.WithFields(logger.Fields{
		"export_id": summary.ExportID,
		"rows_raw":  summary.RowsRaw,
		"rows_top":  summary.RowsTop,
		"artifacts": len(summary.Artifacts),
		"uploaded":  summary.Uploaded,
	}).Info("export finished")
}
