package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "hyperflow/config"
	"hyperflow/internal/metadata"
	"hyperflow/logger"
	"hyperflow/models"
)

// exportWindow is the span of the raw artifact, measured back from the
// newest stored sample. The min_window_hours guard only decides whether a
// run is allowed, not how much it exports.
const exportWindow = 24 * time.Hour

const sampleTable = "market_samples"

// parquetSample mirrors the market_samples schema. Optional fields keep
// their holes instead of flattening to zero.
type parquetSample struct {
	ID              int64    `parquet:"name=id, type=INT64"`
	TsMs            int64    `parquet:"name=ts_ms, type=INT64"`
	Base            string   `parquet:"name=base, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quote           string   `parquet:"name=quote, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarketType      string   `parquet:"name=market_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Variant         string   `parquet:"name=variant, type=BYTE_ARRAY, convertedtype=UTF8"`
	SymbolRaw       string   `parquet:"name=symbol_raw, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bid             *float64 `parquet:"name=bid, type=DOUBLE, repetitiontype=OPTIONAL"`
	Ask             *float64 `parquet:"name=ask, type=DOUBLE, repetitiontype=OPTIONAL"`
	Mid             *float64 `parquet:"name=mid, type=DOUBLE, repetitiontype=OPTIONAL"`
	SpreadBps       *float64 `parquet:"name=spread_bps, type=DOUBLE, repetitiontype=OPTIONAL"`
	MarkPrice       *float64 `parquet:"name=mark_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	FundingRate     *float64 `parquet:"name=funding_rate, type=DOUBLE, repetitiontype=OPTIONAL"`
	OpenInterestUSD *float64 `parquet:"name=open_interest_usd, type=DOUBLE, repetitiontype=OPTIONAL"`
	Volume24hUSD    *float64 `parquet:"name=volume_24h_usd, type=DOUBLE, repetitiontype=OPTIONAL"`
	Level           string   `parquet:"name=level, type=BYTE_ARRAY, convertedtype=UTF8"`
	Score           *float64 `parquet:"name=score, type=DOUBLE, repetitiontype=OPTIONAL"`
	StaleFlag       bool     `parquet:"name=stale_flag, type=BOOLEAN"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory
// writing, so the artifact hits disk in one WriteFile.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Write-only usage appends; the writer never seeks backwards.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// sampleStore is the read-only slice of the store the exporter touches. It
// runs against a live collector, so every call may lose the write lock race.
type sampleStore interface {
	MinMaxTs(ctx context.Context) (minMs, maxMs int64, ok bool, err error)
	RowsSince(ctx context.Context, sinceMs, afterID int64, limit int) ([]models.MarketSample, error)
	LatestPerMarket(ctx context.Context, limit int) ([]models.MarketSample, error)
}

// Options are the switches of one run.
type Options struct {
	DBPath string
	// Format selects the raw artifact: csv, parquet, or both (default).
	Format string
	Force  bool
	Upload bool
	// NowMs pins the stamp; zero means wall clock.
	NowMs int64
}

// Summary reports what one run produced.
type Summary struct {
	Status      string   `json:"status"`
	Reason      string   `json:"reason,omitempty"`
	ExportID    string   `json:"export_id,omitempty"`
	Stamp       string   `json:"stamp,omitempty"`
	WindowHours float64  `json:"window_hours"`
	RowsRaw     int64    `json:"rows_raw"`
	RowsTop     int      `json:"rows_top"`
	Artifacts   []string `json:"artifacts,omitempty"`
	Uploaded    int      `json:"uploaded,omitempty"`
}

// Exporter writes one snapshot of the sample window: a raw CSV and parquet
// dump, the latest top levels, and a report with data quality figures.
type Exporter struct {
	cfg   appconfig.ExportConfig
	s3cfg appconfig.S3Config
	store sampleStore
	log   *logger.Entry
}

func New(cfg appconfig.ExportConfig, s3cfg appconfig.S3Config, store sampleStore) *Exporter {
	return &Exporter{
		cfg:   cfg,
		s3cfg: s3cfg,
		store: store,
		log:   logger.GetLogger().WithComponent("export"),
	}
}

// Run executes one export. A window that is still filling is skipped rather
// than failed, so cron wrappers can fire early without alerting.
func (e *Exporter) Run(ctx context.Context, opts Options) (*Summary, error) {
	format := strings.ToLower(opts.Format)
	switch format {
	case "":
		format = "both"
	case "csv", "parquet", "both":
	default:
		return nil, fmt.Errorf("unknown export format %q", opts.Format)
	}

	nowMs := opts.NowMs
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}
	stamp := time.UnixMilli(nowMs).Format("20060102_150405")

	var (
		minTs, maxTs int64
		ok           bool
	)
	err := e.retryBusy(ctx, "sample bounds", func() error {
		var err error
		minTs, maxTs, ok, err = e.store.MinMaxTs(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		e.log.Info("no samples stored, export skipped")
		return &Summary{Status: "skipped", Reason: "no_data"}, nil
	}

	windowHours := float64(maxTs-minTs) / float64(time.Hour.Milliseconds())
	if !opts.Force && windowHours < float64(e.cfg.MinWindowHours) {
		e.log.WithFields(logger.Fields{
			"window_hours":     windowHours,
			"min_window_hours": e.cfg.MinWindowHours,
		}).Warn("window too small, export skipped")
		return &Summary{Status: "skipped", Reason: "window_too_small", WindowHours: windowHours}, nil
	}

	if err := os.MkdirAll(e.cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	cutoffMs := maxTs - exportWindow.Milliseconds()
	prefix := filepath.Join(e.cfg.OutDir, fmt.Sprintf("universe_24h_%s", stamp))

	summary := &Summary{
		Status:      "success",
		ExportID:    uuid.New().String(),
		Stamp:       stamp,
		WindowHours: windowHours,
	}

	stats := newWindowStats()
	rawArtifacts, err := e.exportRaw(ctx, cutoffMs, format, prefix, stats)
	if err != nil {
		return nil, err
	}
	summary.RowsRaw = stats.rows
	summary.Artifacts = append(summary.Artifacts, rawArtifacts...)

	for _, artifact := range rawArtifacts {
		if strings.HasSuffix(artifact, ".parquet") {
			if err := e.recordSnapshot(artifact, summary.ExportID, stats.rows, nowMs); err != nil {
				return nil, fmt.Errorf("update table metadata: %w", err)
			}
		}
	}

	topPath := prefix + "_top_levels.csv"
	rowsTop, err := e.exportTopLevels(ctx, topPath)
	if err != nil {
		return nil, err
	}
	summary.RowsTop = rowsTop
	summary.Artifacts = append(summary.Artifacts, topPath)

	reportPath := prefix + "_report.json"
	report := reportDoc{
		TimestampExport: float64(nowMs) / 1000.0,
		ExportID:        summary.ExportID,
		DBPath:          opts.DBPath,
		Table:           sampleTable,
		MinTsMs:         minTs,
		MaxTsMs:         maxTs,
		WindowHours:     windowHours,
		RowsExportedRaw: stats.rows,
		DistinctMarkets: len(stats.latest),
		NullRates:       stats.nullRates(),
		MarketsByLevel:  stats.marketsByLevel(),
		Force:           opts.Force,
	}
	if err := writeReport(reportPath, report); err != nil {
		return nil, err
	}
	summary.Artifacts = append(summary.Artifacts, reportPath)

	if opts.Upload {
		uploaded, err := e.uploadArtifacts(ctx, summary, time.UnixMilli(nowMs))
		if err != nil {
			return nil, err
		}
		summary.Uploaded = uploaded
	}

	e.log.WithFields(logger.Fields{
		"export_id":    summary.ExportID,
		"rows_raw":     summary.RowsRaw,
		"rows_top":     summary.RowsTop,
		"window_hours": fmt.Sprintf("%.2f", windowHours),
		"out_dir":      e.cfg.OutDir,
		"uploaded":     summary.Uploaded,
	}).Info("export complete")

	return summary, nil
}

var rawColumns = []string{
	"id", "ts_ms", "base", "quote", "market_type", "variant", "symbol_raw",
	"bid", "ask", "mid", "spread_bps", "mark_price", "funding_rate",
	"open_interest_usd", "volume_24h_usd", "level", "score", "stale_flag",
}

// exportRaw streams the window page by page into the selected raw artifacts
// while accumulating the report figures, so the window never sits in memory
// as rows. It returns the paths it wrote.
func (e *Exporter) exportRaw(ctx context.Context, cutoffMs int64, format, prefix string, stats *windowStats) ([]string, error) {
	var artifacts []string

	var cw *csv.Writer
	if format != "parquet" {
		csvPath := prefix + "_raw.csv"
		f, err := os.Create(csvPath)
		if err != nil {
			return nil, fmt.Errorf("create raw csv: %w", err)
		}
		defer f.Close()

		cw = csv.NewWriter(f)
		if err := cw.Write(rawColumns); err != nil {
			return nil, fmt.Errorf("write raw csv header: %w", err)
		}
		artifacts = append(artifacts, csvPath)
	}

	var pw *writer.ParquetWriter
	var fw *memoryFileWriter
	parquetPath := prefix + "_raw.parquet"
	if format != "csv" {
		fw = newMemoryFileWriter()
		var err error
		pw, err = writer.NewParquetWriter(fw, new(parquetSample), 4)
		if err != nil {
			return nil, fmt.Errorf("create parquet writer: %w", err)
		}
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
		artifacts = append(artifacts, parquetPath)
	}

	pageSize := e.cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}

	afterID := int64(0)
	for {
		var page []models.MarketSample
		err := e.retryBusy(ctx, "page samples", func() error {
			var err error
			page, err = e.store.RowsSince(ctx, cutoffMs, afterID, pageSize)
			return err
		})
		if err != nil {
			if pw != nil {
				pw.WriteStop()
			}
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		for _, s := range page {
			if cw != nil {
				if err := cw.Write(rawRecord(s)); err != nil {
					if pw != nil {
						pw.WriteStop()
					}
					return nil, fmt.Errorf("write raw csv row: %w", err)
				}
			}
			if pw != nil {
				if err := pw.Write(toParquet(s)); err != nil {
					pw.WriteStop()
					return nil, fmt.Errorf("write parquet row: %w", err)
				}
			}
			stats.observe(s)
		}

		afterID = page[len(page)-1].ID
		if len(page) < pageSize {
			break
		}
	}

	if cw != nil {
		cw.Flush()
		if err := cw.Error(); err != nil {
			return nil, fmt.Errorf("flush raw csv: %w", err)
		}
	}
	if pw != nil {
		if err := pw.WriteStop(); err != nil {
			return nil, fmt.Errorf("finalize parquet: %w", err)
		}
		if err := os.WriteFile(parquetPath, fw.Bytes(), 0o644); err != nil {
			return nil, fmt.Errorf("write parquet file: %w", err)
		}
	}

	e.log.WithFields(logger.Fields{
		"rows":   stats.rows,
		"format": format,
	}).Info("raw window exported")
	return artifacts, nil
}

// recordSnapshot appends the parquet artifact to the Iceberg style snapshot
// log kept under the export directory, so lake engines can pick up new runs
// without listing files.
func (e *Exporter) recordSnapshot(parquetPath, exportID string, rows int64, nowMs int64) error {
	table, err := metadata.OpenTable(e.cfg.OutDir)
	if err != nil {
		return err
	}

	info, err := os.Stat(parquetPath)
	if err != nil {
		return err
	}

	at := time.UnixMilli(nowMs)
	_, err = table.AppendSnapshot(at, map[string]string{
		"operation":     "append",
		"export-id":     exportID,
		"added-records": strconv.FormatInt(rows, 10),
	}, metadata.DataFile{
		Path:        parquetPath,
		FileSize:    info.Size(),
		RecordCount: rows,
		Partition:   map[string]any{"date": at.UTC().Format("2006-01-02")},
	})
	return err
}

var topColumns = []string{
	"symbol_raw", "market_type", "base", "quote", "variant",
	"level", "score", "spread_bps", "volume_24h_usd", "open_interest_usd",
}

// exportTopLevels writes the latest row per market ordered by score.
func (e *Exporter) exportTopLevels(ctx context.Context, path string) (int, error) {
	topN := e.cfg.TopN
	if topN <= 0 {
		topN = 400
	}

	var rows []models.MarketSample
	err := e.retryBusy(ctx, "latest per market", func() error {
		var err error
		rows, err = e.store.LatestPerMarket(ctx, topN)
		return err
	})
	if err != nil {
		return 0, err
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create top levels csv: %w", err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write(topColumns); err != nil {
		return 0, fmt.Errorf("write top levels header: %w", err)
	}
	for _, s := range rows {
		record := []string{
			s.SymbolRaw,
			string(s.MarketType),
			s.Base,
			s.Quote,
			s.Variant,
			string(s.Level),
			formatFloatPtr(s.Score),
			formatFloatPtr(s.SpreadBps),
			formatFloatPtr(s.Volume24hUSD),
			formatFloatPtr(s.OpenInterestUSD),
		}
		if err := cw.Write(record); err != nil {
			return 0, fmt.Errorf("write top levels row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("flush top levels csv: %w", err)
	}

	e.log.WithFields(logger.Fields{"rows": len(rows), "path": path}).Info("top levels exported")
	return len(rows), nil
}

type reportDoc struct {
	TimestampExport float64            `json:"timestamp_export"`
	ExportID        string             `json:"export_id"`
	DBPath          string             `json:"db_path"`
	Table           string             `json:"table"`
	MinTsMs         int64              `json:"min_ts_ms"`
	MaxTsMs         int64              `json:"max_ts_ms"`
	WindowHours     float64            `json:"window_hours"`
	RowsExportedRaw int64              `json:"rows_exported_raw"`
	DistinctMarkets int                `json:"rows_distinct_markets"`
	NullRates       map[string]float64 `json:"null_rates"`
	MarketsByLevel  map[string]int     `json:"markets_by_level"`
	Force           bool               `json:"force"`
}

func writeReport(path string, report reportDoc) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// nullTrackedFields are the nullable metrics whose hole rates the report
// tracks. mark_price and score stay out, matching the original report.
var nullTrackedFields = []string{
	"bid", "ask", "mid", "spread_bps", "volume_24h_usd", "open_interest_usd", "funding_rate",
}

// windowStats accumulates report figures during the raw streaming pass.
// latest holds one row per market, bounded by the universe size.
type windowStats struct {
	rows       int64
	nullCounts map[string]int64
	latest     map[string]models.MarketSample
}

func newWindowStats() *windowStats {
	return &windowStats{
		nullCounts: make(map[string]int64, len(nullTrackedFields)),
		latest:     make(map[string]models.MarketSample),
	}
}

func (ws *windowStats) observe(s models.MarketSample) {
	ws.rows++

	ws.countNull("bid", s.Bid)
	ws.countNull("ask", s.Ask)
	ws.countNull("mid", s.Mid)
	ws.countNull("spread_bps", s.SpreadBps)
	ws.countNull("volume_24h_usd", s.Volume24hUSD)
	ws.countNull("open_interest_usd", s.OpenInterestUSD)
	ws.countNull("funding_rate", s.FundingRate)

	prev, seen := ws.latest[s.SymbolRaw]
	if !seen || s.TsMs > prev.TsMs || (s.TsMs == prev.TsMs && s.ID > prev.ID) {
		ws.latest[s.SymbolRaw] = s
	}
}

func (ws *windowStats) countNull(field string, v *float64) {
	if v == nil {
		ws.nullCounts[field]++
	}
}

func (ws *windowStats) nullRates() map[string]float64 {
	rates := make(map[string]float64, len(nullTrackedFields))
	for _, field := range nullTrackedFields {
		if ws.rows == 0 {
			rates[field] = 0
			continue
		}
		rates[field] = float64(ws.nullCounts[field]) / float64(ws.rows)
	}
	return rates
}

func (ws *windowStats) marketsByLevel() map[string]int {
	byLevel := make(map[string]int)
	for _, s := range ws.latest {
		level := string(s.Level)
		if level == "" {
			level = "D"
		}
		byLevel[level]++
	}
	return byLevel
}

func rawRecord(s models.MarketSample) []string {
	return []string{
		strconv.FormatInt(s.ID, 10),
		strconv.FormatInt(s.TsMs, 10),
		s.Base,
		s.Quote,
		string(s.MarketType),
		s.Variant,
		s.SymbolRaw,
		formatFloatPtr(s.Bid),
		formatFloatPtr(s.Ask),
		formatFloatPtr(s.Mid),
		formatFloatPtr(s.SpreadBps),
		formatFloatPtr(s.MarkPrice),
		formatFloatPtr(s.FundingRate),
		formatFloatPtr(s.OpenInterestUSD),
		formatFloatPtr(s.Volume24hUSD),
		string(s.Level),
		formatFloatPtr(s.Score),
		strconv.FormatBool(s.StaleFlag),
	}
}

func toParquet(s models.MarketSample) parquetSample {
	return parquetSample{
		ID:              s.ID,
		TsMs:            s.TsMs,
		Base:            s.Base,
		Quote:           s.Quote,
		MarketType:      string(s.MarketType),
		Variant:         s.Variant,
		SymbolRaw:       s.SymbolRaw,
		Bid:             s.Bid,
		Ask:             s.Ask,
		Mid:             s.Mid,
		SpreadBps:       s.SpreadBps,
		MarkPrice:       s.MarkPrice,
		FundingRate:     s.FundingRate,
		OpenInterestUSD: s.OpenInterestUSD,
		Volume24hUSD:    s.Volume24hUSD,
		Level:           string(s.Level),
		Score:           s.Score,
		StaleFlag:       s.StaleFlag,
	}
}

// formatFloatPtr keeps database NULLs as empty cells.
func formatFloatPtr(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

var busyRetryDelays = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

// retryBusy reruns a read that lost the lock race against a live collector.
func (e *Exporter) retryBusy(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt >= len(busyRetryDelays) {
			return err
		}

		delay := busyRetryDelays[attempt]
		e.log.WithError(err).WithFields(logger.Fields{
			"operation": op,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
		}).Warn("database busy, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func isBusy(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
