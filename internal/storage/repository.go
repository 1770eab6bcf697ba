package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createScanReportsSQL = `CREATE TABLE IF NOT EXISTS scan_reports (
        id                  BIGSERIAL PRIMARY KEY,
        cycle_ts            TIMESTAMPTZ NOT NULL,
        chain_id            BIGINT NOT NULL,
        block_number        BIGINT NOT NULL,
        pairs_scanned       INTEGER NOT NULL,
        opportunities       INTEGER NOT NULL,
        passing             INTEGER NOT NULL,
        error_count         INTEGER NOT NULL,
        best_pair           TEXT NOT NULL DEFAULT '',
        best_buy            TEXT NOT NULL DEFAULT '',
        best_sell           TEXT NOT NULL DEFAULT '',
        best_net_profit_eth NUMERIC(38, 18) NOT NULL DEFAULT 0,
        best_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
        report              JSONB NOT NULL,
        created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        UNIQUE (chain_id, cycle_ts)
    );`

	createExecutionsSQL = `CREATE TABLE IF NOT EXISTS executions (
        id                BIGSERIAL PRIMARY KEY,
        attempt_id        TEXT NOT NULL,
        chain_id          BIGINT NOT NULL,
        opportunity_id    TEXT NOT NULL,
        report_hash       TEXT NOT NULL,
        status            TEXT NOT NULL,
        stage             TEXT NOT NULL,
        reason            TEXT NOT NULL DEFAULT '',
        tx_hash           TEXT NOT NULL DEFAULT '',
        realized_pnl_eth  NUMERIC(38, 18),
        error             TEXT NOT NULL DEFAULT '',
        created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`

	createExecutionsIndexSQL = `CREATE INDEX IF NOT EXISTS executions_created_at_idx ON executions (created_at DESC);`

	insertScanSummarySQL = `INSERT INTO scan_reports (
        cycle_ts,
        chain_id,
        block_number,
        pairs_scanned,
        opportunities,
        passing,
        error_count,
        best_pair,
        best_buy,
        best_sell,
        best_net_profit_eth,
        best_score,
        report
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
    )
    ON CONFLICT (chain_id, cycle_ts) DO UPDATE
    SET
        block_number        = EXCLUDED.block_number,
        pairs_scanned       = EXCLUDED.pairs_scanned,
        opportunities       = EXCLUDED.opportunities,
        passing             = EXCLUDED.passing,
        error_count         = EXCLUDED.error_count,
        best_pair           = EXCLUDED.best_pair,
        best_buy            = EXCLUDED.best_buy,
        best_sell           = EXCLUDED.best_sell,
        best_net_profit_eth = EXCLUDED.best_net_profit_eth,
        best_score          = EXCLUDED.best_score,
        report              = EXCLUDED.report
    RETURNING id;`

	scanColumns = `id,
        cycle_ts,
        chain_id,
        block_number,
        pairs_scanned,
        opportunities,
        passing,
        error_count,
        best_pair,
        best_buy,
        best_sell,
        best_net_profit_eth::TEXT,
        best_score,
        report,
        created_at`

	listScansBetweenSQL = `SELECT ` + scanColumns + `
    FROM scan_reports
    WHERE cycle_ts >= $1
      AND cycle_ts < $2
    ORDER BY cycle_ts, chain_id;`

	listRecentScansSQL = `SELECT ` + scanColumns + `
    FROM scan_reports
    ORDER BY cycle_ts DESC, chain_id
    LIMIT $1;`

	insertExecutionSQL = `INSERT INTO executions (
        attempt_id,
        chain_id,
        opportunity_id,
        report_hash,
        status,
        stage,
        reason,
        tx_hash,
        realized_pnl_eth,
        error
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id, created_at;`

	listRecentExecutionsSQL = `SELECT
        id,
        attempt_id,
        chain_id,
        opportunity_id,
        report_hash,
        status,
        stage,
        reason,
        tx_hash,
        realized_pnl_eth::TEXT,
        error,
        created_at
    FROM executions
    ORDER BY created_at DESC, id DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ScanArchive persists scan cycle summaries.
type ScanArchive interface {
	InsertScanSummary(ctx context.Context, summary ScanSummary) (int64, error)
	ListScansBetween(ctx context.Context, from, to time.Time) ([]ScanSummary, error)
	ListRecentScans(ctx context.Context, limit int) ([]ScanSummary, error)
}

// ExecutionArchive persists execution outcomes.
type ExecutionArchive interface {
	InsertExecution(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to the archive tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the archive tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createScanReportsSQL, createExecutionsSQL, createExecutionsIndexSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
// The lock lives on one pooled connection, which is held until unlock.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// 解锁失败时连接被释放回池，会话结束时锁也随之释放。
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertScanSummary upserts one cycle summary keyed by (chain, cycle time).
func (s *Store) InsertScanSummary(ctx context.Context, sum ScanSummary) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	report := []byte(sum.Report)
	if len(report) == 0 {
		report = []byte("{}")
	}

	var id int64
	if err := pool.QueryRow(ctx, insertScanSummarySQL,
		sum.CycleTS,
		int64(sum.ChainID),
		int64(sum.BlockNumber),
		sum.PairsScanned,
		sum.Opportunities,
		sum.Passing,
		sum.ErrorCount,
		sum.BestPair,
		sum.BestBuy,
		sum.BestSell,
		sum.BestNetProfitEth.String(),
		sum.BestScore,
		report,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert scan summary: %w", err)
	}
	return id, nil
}

// ListScansBetween lists summaries within [from, to).
func (s *Store) ListScansBetween(ctx context.Context, from, to time.Time) ([]ScanSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listScansBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list scans between: %w", queryErr)
	}
	return collectScans(rows)
}

// ListRecentScans lists the most recent summaries, newest first.
func (s *Store) ListRecentScans(ctx context.Context, limit int) ([]ScanSummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentScansSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent scans: %w", queryErr)
	}
	return collectScans(rows)
}

// InsertExecution appends one execution outcome.
func (s *Store) InsertExecution(ctx context.Context, rec ExecutionRecord) (ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return ExecutionRecord{}, err
	}

	var pnl interface{}
	if rec.RealizedPnlEth != nil {
		pnl = rec.RealizedPnlEth.String()
	}

	if err := pool.QueryRow(ctx, insertExecutionSQL,
		rec.AttemptID,
		int64(rec.ChainID),
		rec.OpportunityID,
		rec.ReportHash,
		rec.Status,
		rec.Stage,
		rec.Reason,
		rec.TxHash,
		pnl,
		rec.Error,
	).Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return ExecutionRecord{}, fmt.Errorf("insert execution: %w", err)
	}
	return rec, nil
}

// ListRecentExecutions lists execution outcomes, newest first.
func (s *Store) ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentExecutionsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent executions: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ExecutionRecord, 0, limit)
	for rows.Next() {
		var (
			rec     ExecutionRecord
			chainID int64
			pnl     sql.NullString
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.AttemptID,
			&chainID,
			&rec.OpportunityID,
			&rec.ReportHash,
			&rec.Status,
			&rec.Stage,
			&rec.Reason,
			&rec.TxHash,
			&pnl,
			&rec.Error,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.ChainID = uint64(chainID)
		if pnl.Valid {
			d, err := decimal.NewFromString(pnl.String)
			if err != nil {
				return nil, fmt.Errorf("parse realized pnl: %w", err)
			}
			rec.RealizedPnlEth = &d
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func collectScans(rows pgx.Rows) ([]ScanSummary, error) {
	defer rows.Close()

	out := make([]ScanSummary, 0)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

func scanSummary(rows pgx.Rows) (ScanSummary, error) {
	var (
		sum        ScanSummary
		chainID    int64
		block      int64
		netProfit  string
		reportJSON json.RawMessage
	)
	if err := rows.Scan(
		&sum.ID,
		&sum.CycleTS,
		&chainID,
		&block,
		&sum.PairsScanned,
		&sum.Opportunities,
		&sum.Passing,
		&sum.ErrorCount,
		&sum.BestPair,
		&sum.BestBuy,
		&sum.BestSell,
		&netProfit,
		&sum.BestScore,
		&reportJSON,
		&sum.CreatedAt,
	); err != nil {
		return ScanSummary{}, err
	}

	profit, err := decimal.NewFromString(netProfit)
	if err != nil {
		return ScanSummary{}, fmt.Errorf("parse best net profit: %w", err)
	}
	sum.ChainID = uint64(chainID)
	sum.BlockNumber = uint64(block)
	sum.BestNetProfitEth = profit
	sum.Report = reportJSON
	return sum, nil
}

var (
	_ ScanArchive      = (*Store)(nil)
	_ ExecutionArchive = (*Store)(nil)
	_ AdvisoryLocker   = (*Store)(nil)
)
