package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"OmegaBTC/internal/domain/models"
	domrepo "OmegaBTC/internal/domain/repository"
	"OmegaBTC/pkg/logger"
)

// sqlDB is the part of *sql.DB the archive uses.
type sqlDB interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	PingContext(ctx context.Context) error
}

// ArchiveSchema returns the DDL for the archive tables in database.
func ArchiveSchema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.trap_events (
			id String,
			kind LowCardinality(String),
			confidence Float64,
			price Decimal(38, 8),
			ts DateTime64(3, 'UTC'),
			price_change Float64,
			window_ms Int64,
			detector_version UInt16
		) ENGINE = ReplacingMergeTree
		ORDER BY (ts, id)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.exit_decisions (
			position_id String,
			trigger_id String,
			kind LowCardinality(String),
			fraction Float64,
			stop_price Decimal(38, 8),
			reason String,
			created_at DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree
		ORDER BY (position_id, trigger_id)`, database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.candles (
			symbol LowCardinality(String),
			timeframe LowCardinality(String),
			open_time DateTime('UTC'),
			open Decimal(38, 8),
			high Decimal(38, 8),
			low Decimal(38, 8),
			close Decimal(38, 8),
			volume Decimal(38, 8),
			ticks UInt32
		) ENGINE = ReplacingMergeTree
		ORDER BY (symbol, timeframe, open_time)`, database),
	}
}

// CHArchive archives detections, decisions and closed candles in
// ClickHouse and serves candles back for warm start.
type CHArchive struct {
	db       sqlDB
	database string
	logger   *logger.Logger
}

func NewCHArchive(db sqlDB, database string, lgr *logger.Logger) *CHArchive {
	if lgr == nil {
		lgr = logger.Nop()
	}
	return &CHArchive{db: db, database: database, logger: lgr.Component("clickhouse_archive")}
}

func (a *CHArchive) table(name string) string { return a.database + "." + name }

func (a *CHArchive) Init(ctx context.Context) error {
	for _, stmt := range ArchiveSchema(a.database) {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("archive schema: %w", err)
		}
	}
	return nil
}

func (a *CHArchive) StoreTrapEvent(ctx context.Context, e models.TrapEvent) error {
	q := fmt.Sprintf("INSERT INTO %s (id, kind, confidence, price, ts, price_change, window_ms, detector_version) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", a.table("trap_events"))
	_, err := a.db.ExecContext(ctx, q,
		e.ID,
		string(e.Kind),
		e.Confidence,
		e.Price,
		e.Timestamp.UTC(),
		e.PriceChange,
		time.Duration(e.Window).Milliseconds(),
		uint16(e.DetectorVersion),
	)
	if err != nil {
		return fmt.Errorf("store trap event: %w", err)
	}
	return nil
}

func (a *CHArchive) StoreDecision(ctx context.Context, d models.Decision) error {
	q := fmt.Sprintf("INSERT INTO %s (position_id, trigger_id, kind, fraction, stop_price, reason, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)", a.table("exit_decisions"))
	_, err := a.db.ExecContext(ctx, q,
		d.PositionID,
		d.TriggerID,
		string(d.Kind),
		d.Fraction,
		d.StopPrice,
		d.Reason,
		d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store decision: %w", err)
	}
	return nil
}

// StoreCandles inserts closed candles with one multi-row statement.
func (a *CHArchive) StoreCandles(ctx context.Context, symbol string, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	values := make([]string, 0, len(candles))
	args := make([]interface{}, 0, len(candles)*9)
	for _, c := range candles {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?, ?)")
		args = append(args, symbol, string(c.Timeframe), c.OpenTime.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume, uint32(c.Ticks))
	}
	q := fmt.Sprintf("INSERT INTO %s (symbol, timeframe, open_time, open, high, low, close, volume, ticks) VALUES %s",
		a.table("candles"), strings.Join(values, ","))
	if _, err := a.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("store candles: %w", err)
	}
	return nil
}

// GetLatestNCandles returns up to n closed candles, oldest first.
func (a *CHArchive) GetLatestNCandles(ctx context.Context, symbol string, n int, tf models.Timeframe) ([]models.Candle, error) {
	start := time.Now()
	q := fmt.Sprintf(`
		SELECT open_time, open, high, low, close, volume, ticks
		FROM %s FINAL
		WHERE symbol = ? AND timeframe = ?
		ORDER BY open_time DESC
		LIMIT ?`, a.table("candles"))
	rows, err := a.db.QueryContext(ctx, q, symbol, string(tf), n)
	if err != nil {
		a.logger.Error("latest candles query failed",
			logger.String("symbol", symbol),
			logger.String("tf", string(tf)),
			logger.Error(err))
		return nil, fmt.Errorf("get latest candles: %w", err)
	}
	defer rows.Close()

	out := make([]models.Candle, 0, n)
	for rows.Next() {
		var (
			c     models.Candle
			ticks uint32
		)
		if err := rows.Scan(&c.OpenTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &ticks); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		c.Timeframe = tf
		c.Ticks = int(ticks)
		c.Closed = true
		c.LastTick = c.CloseTime().Add(-time.Millisecond)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	reverseCandles(out)
	a.logger.Debug("latest candles loaded",
		logger.String("tf", string(tf)),
		logger.Int("rows", len(out)),
		logger.Duration("duration_ms", time.Since(start)))
	return out, nil
}

func reverseCandles(cs []models.Candle) {
	for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
		cs[i], cs[j] = cs[j], cs[i]
	}
}

func (a *CHArchive) Health(ctx context.Context) error { return a.db.PingContext(ctx) }

// Close is a no-op; the pool belongs to pkg/clickhouse.Client.
func (a *CHArchive) Close() error { return nil }

var _ domrepo.Archive = (*CHArchive)(nil)
