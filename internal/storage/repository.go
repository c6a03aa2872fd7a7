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
	insertExecutionSQL = `INSERT INTO executions (
        opportunity_id,
        strategy,
        success,
        estimated_profit,
        profit,
        size,
        asset,
        confidence,
        gas_used,
        latency_ms,
        max_fee_wei,
        fees_degraded,
        error,
        payload,
        discovered_at,
        executed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
    )
    ON CONFLICT (opportunity_id) DO NOTHING;`

	selectExecutionColumns = `SELECT
        opportunity_id,
        strategy,
        success,
        estimated_profit::text,
        profit::text,
        size::text,
        asset,
        confidence,
        gas_used,
        latency_ms,
        max_fee_wei,
        fees_degraded,
        error,
        payload,
        discovered_at,
        executed_at,
        created_at
    FROM executions`

	listExecutionsBetweenSQL = selectExecutionColumns + `
    WHERE executed_at >= $1
      AND executed_at < $2
    ORDER BY executed_at;`

	listRecentExecutionsSQL = selectExecutionColumns + `
    ORDER BY executed_at DESC
    LIMIT $1;`

	countExecutionsSQL = `SELECT COUNT(*) FROM executions;`

	summarizeStrategiesSQL = `SELECT
        strategy,
        COUNT(*),
        COUNT(*) FILTER (WHERE success),
        COALESCE(SUM(profit) FILTER (WHERE success), 0)::text,
        MAX(executed_at)
    FROM executions
    WHERE executed_at >= $1
    GROUP BY strategy
    ORDER BY strategy;`

	deleteExecutionsBeforeSQL = `DELETE FROM executions WHERE executed_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ExecutionStore defines operations for the execution journal.
type ExecutionStore interface {
	InsertExecution(ctx context.Context, rec ExecutionRecord) error
	ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]ExecutionRecord, error)
	ListRecentExecutions(ctx context.Context, limit int) ([]ExecutionRecord, error)
	SummarizeStrategies(ctx context.Context, since time.Time) ([]StrategySummary, error)
	CountExecutions(ctx context.Context) (int64, error)
	DeleteExecutionsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store wraps the pgx pool.
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

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
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
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertExecution journals an execution. Re-inserting an id is a no-op.
func (s *Store) InsertExecution(ctx context.Context, rec ExecutionRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var maxFee interface{}
	if rec.MaxFeeWei != nil {
		maxFee = *rec.MaxFeeWei
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}

	var payload interface{}
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}

	_, execErr := pool.Exec(ctx, insertExecutionSQL,
		rec.OpportunityID,
		rec.Strategy,
		rec.Success,
		rec.EstimatedProfit.String(),
		rec.Profit.String(),
		rec.Size.String(),
		rec.Asset,
		rec.Confidence,
		rec.GasUsed,
		rec.LatencyMs,
		maxFee,
		rec.Degraded,
		errMsg,
		payload,
		rec.DiscoveredAt,
		rec.ExecutedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert execution: %w", execErr)
	}
	return nil
}

// ListExecutionsBetween lists executions within a time window, oldest first.
func (s *Store) ListExecutionsBetween(ctx context.Context, from, to time.Time) ([]ExecutionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExecutionsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list executions between: %w", queryErr)
	}
	defer rows.Close()

	return collectExecutions(rows, 0)
}

// ListRecentExecutions lists the most recent executions, newest first.
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

	return collectExecutions(rows, limit)
}

// SummarizeStrategies aggregates executions since the given time.
func (s *Store) SummarizeStrategies(ctx context.Context, since time.Time) ([]StrategySummary, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, summarizeStrategiesSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("summarize strategies: %w", queryErr)
	}
	defer rows.Close()

	summaries := make([]StrategySummary, 0)
	for rows.Next() {
		var sum StrategySummary
		var profitStr string
		if err := rows.Scan(&sum.Strategy, &sum.Executions, &sum.Successes, &profitStr, &sum.LastAt); err != nil {
			return nil, err
		}
		profit, convErr := decimal.NewFromString(profitStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse total profit: %w", convErr)
		}
		sum.TotalProfit = profit
		summaries = append(summaries, sum)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return summaries, nil
}

// CountExecutions counts journalled executions.
func (s *Store) CountExecutions(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countExecutionsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count executions: %w", scanErr)
	}
	return count, nil
}

// DeleteExecutionsBefore prunes the journal.
func (s *Store) DeleteExecutionsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteExecutionsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete executions before: %w", execErr)
	}
	return nil
}

func collectExecutions(rows pgx.Rows, capHint int) ([]ExecutionRecord, error) {
	records := make([]ExecutionRecord, 0, capHint)
	for rows.Next() {
		rec, scanErr := scanExecution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanExecution(rows pgx.Rows) (ExecutionRecord, error) {
	var (
		rec          ExecutionRecord
		estimatedStr string
		profitStr    string
		sizeStr      string
		maxFee       sql.NullString
		errMsg       sql.NullString
		payload      []byte
	)

	if err := rows.Scan(
		&rec.OpportunityID,
		&rec.Strategy,
		&rec.Success,
		&estimatedStr,
		&profitStr,
		&sizeStr,
		&rec.Asset,
		&rec.Confidence,
		&rec.GasUsed,
		&rec.LatencyMs,
		&maxFee,
		&rec.Degraded,
		&errMsg,
		&payload,
		&rec.DiscoveredAt,
		&rec.ExecutedAt,
		&rec.CreatedAt,
	); err != nil {
		return ExecutionRecord{}, err
	}

	var err error
	if rec.EstimatedProfit, err = decimal.NewFromString(estimatedStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse estimated profit: %w", err)
	}
	if rec.Profit, err = decimal.NewFromString(profitStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse profit: %w", err)
	}
	if rec.Size, err = decimal.NewFromString(sizeStr); err != nil {
		return ExecutionRecord{}, fmt.Errorf("parse size: %w", err)
	}

	if maxFee.Valid {
		v := maxFee.String
		rec.MaxFeeWei = &v
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	if len(payload) > 0 {
		rec.Payload = json.RawMessage(payload)
	}

	return rec, nil
}

var (
	_ ExecutionStore = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
