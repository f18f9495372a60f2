package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"hyperflow/logger"
	"hyperflow/models"
)

// Store persists market samples in a local sqlite database. WAL mode keeps
// readers (status, export) from blocking the batched writer.
type Store struct {
	db  *sqlx.DB
	log *logger.Log
}

func Open(path string, busyTimeoutMs int) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	// modernc sqlite serialises writes per connection; a single connection
	// avoids table-lock churn between the writer and the reaper.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeoutMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set synchronous: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, log: logger.GetLogger()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	s.log.WithComponent("store").WithFields(logger.Fields{"path": path}).Info("sqlite store opened")
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS market_samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts_ms INTEGER NOT NULL,
			base TEXT NOT NULL,
			quote TEXT NOT NULL,
			market_type TEXT NOT NULL,
			variant TEXT NOT NULL,
			symbol_raw TEXT NOT NULL,
			bid REAL,
			ask REAL,
			mid REAL,
			spread_bps REAL,
			mark_price REAL,
			funding_rate REAL,
			open_interest_usd REAL,
			volume_24h_usd REAL,
			level TEXT NOT NULL,
			score REAL,
			stale_flag INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_market_samples_ts ON market_samples(ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_market_samples_symbol_ts ON market_samples(symbol_raw, ts_ms)`,
		`CREATE TABLE IF NOT EXISTS runtime_status (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			collector_running INTEGER NOT NULL DEFAULT 0,
			started_at_ms INTEGER,
			last_heartbeat_ms INTEGER,
			markets_total INTEGER NOT NULL DEFAULT 0
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate market store: %w", err)
		}
	}
	return nil
}

const insertSampleSQL = `INSERT INTO market_samples (
	ts_ms, base, quote, market_type, variant, symbol_raw,
	bid, ask, mid, spread_bps, mark_price, funding_rate,
	open_interest_usd, volume_24h_usd, level, score, stale_flag
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertSamples writes the batch inside a single transaction. Either the
// whole batch commits or none of it does; callers retry on failure.
func (s *Store) InsertSamples(ctx context.Context, samples []models.MarketSample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
	if err != nil {
		return fmt.Errorf("prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for i := range samples {
		m := &samples[i]
		if _, err := stmt.ExecContext(ctx,
			m.TsMs, m.Base, m.Quote, string(m.MarketType), m.Variant, m.SymbolRaw,
			m.Bid, m.Ask, m.Mid, m.SpreadBps, m.MarkPrice, m.FundingRate,
			m.OpenInterestUSD, m.Volume24hUSD, string(m.Level), m.Score, m.StaleFlag,
		); err != nil {
			return fmt.Errorf("insert sample %s: %w", m.SymbolRaw, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sample batch: %w", err)
	}
	return nil
}

// DeleteBefore removes samples older than cutoffMs in chunks so no single
// delete holds the write lock long enough to starve the ingest writer.
// It returns the total number of rows removed.
func (s *Store) DeleteBefore(ctx context.Context, cutoffMs int64, chunk int) (int64, error) {
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM market_samples WHERE id IN (
				SELECT id FROM market_samples WHERE ts_ms < ? LIMIT ?
			)`, cutoffMs, chunk)
		if err != nil {
			return total, fmt.Errorf("delete samples before %d: %w", cutoffMs, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += n
		if n < int64(chunk) {
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}
}

// CountSince returns the number of samples at or after sinceMs.
func (s *Store) CountSince(ctx context.Context, sinceMs int64) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM market_samples WHERE ts_ms >= ?`, sinceMs); err != nil {
		return 0, fmt.Errorf("count samples: %w", err)
	}
	return n, nil
}

// MinMaxTs returns the sample timestamp bounds. ok is false when the table
// is empty.
func (s *Store) MinMaxTs(ctx context.Context) (minMs, maxMs int64, ok bool, err error) {
	var row struct {
		Min sql.NullInt64 `db:"min_ts"`
		Max sql.NullInt64 `db:"max_ts"`
	}
	if err := s.db.GetContext(ctx, &row,
		`SELECT MIN(ts_ms) AS min_ts, MAX(ts_ms) AS max_ts FROM market_samples`); err != nil {
		return 0, 0, false, fmt.Errorf("sample bounds: %w", err)
	}
	if !row.Min.Valid || !row.Max.Valid {
		return 0, 0, false, nil
	}
	return row.Min.Int64, row.Max.Int64, true, nil
}

const sampleColumns = `id, ts_ms, base, quote, market_type, variant, symbol_raw,
	bid, ask, mid, spread_bps, mark_price, funding_rate,
	open_interest_usd, volume_24h_usd, level, score, stale_flag`

// LatestPerMarket returns the most recent sample for each market, ordered
// by score descending, limited to the given count.
func (s *Store) LatestPerMarket(ctx context.Context, limit int) ([]models.MarketSample, error) {
	query := fmt.Sprintf(`SELECT %s FROM market_samples WHERE id IN (
			SELECT MAX(id) FROM market_samples GROUP BY symbol_raw
		) ORDER BY score DESC, symbol_raw ASC LIMIT ?`, sampleColumns)

	var rows []models.MarketSample
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("latest per market: %w", err)
	}
	return rows, nil
}

// RowsSince pages through samples at or after sinceMs using keyset
// pagination on the row id. Pass the last seen id (0 for the first page).
func (s *Store) RowsSince(ctx context.Context, sinceMs, afterID int64, limit int) ([]models.MarketSample, error) {
	query := fmt.Sprintf(`SELECT %s FROM market_samples
		WHERE ts_ms >= ? AND id > ? ORDER BY id ASC LIMIT ?`, sampleColumns)

	var rows []models.MarketSample
	if err := s.db.SelectContext(ctx, &rows, query, sinceMs, afterID, limit); err != nil {
		return nil, fmt.Errorf("page samples: %w", err)
	}
	return rows, nil
}

// UpsertRuntimeStatus maintains the single heartbeat row other processes
// read to see whether a collector is alive.
func (s *Store) UpsertRuntimeStatus(ctx context.Context, running bool, startedAtMs, heartbeatMs int64, marketsTotal int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO runtime_status
		(id, collector_running, started_at_ms, last_heartbeat_ms, markets_total)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			collector_running = excluded.collector_running,
			started_at_ms = excluded.started_at_ms,
			last_heartbeat_ms = excluded.last_heartbeat_ms,
			markets_total = excluded.markets_total`,
		running, startedAtMs, heartbeatMs, marketsTotal)
	if err != nil {
		return fmt.Errorf("upsert runtime status: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
