package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var batchClaimSpec = claimSpec{table: "batches", idColumn: "id", status: "status", attempts: "attempts", nextRunAt: "next_run_at", updatedAt: "updated_at"}

// InsertBatch records a newly formed batch as pending VLM dispatch.
func (s *Store) InsertBatch(ctx context.Context, b Batch) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, source_key, screenshot_ids, ts_start, ts_end, status, history_pack)
		VALUES (?, ?, ?, ?, ?, 'pending', ?)`,
		b.BatchID, b.SourceKey, marshalJSON(b.ScreenshotIDs),
		b.TSStart.UTC().Format(time.RFC3339Nano), b.TSEnd.UTC().Format(time.RFC3339Nano), b.HistoryPack)
	if err != nil {
		return 0, fmt.Errorf("insert batch: %w", err)
	}
	return res.LastInsertId()
}

// ScanPendingBatches lists batches eligible for a VLM dispatch attempt.
func (s *Store) ScanPendingBatches(ctx context.Context, maxAttempts, limit int) ([]ClaimCandidate, error) {
	return s.scanPending(ctx, batchClaimSpec, maxAttempts, limit)
}

// ClaimBatch attempts the conditional claim for one batch.
func (s *Store) ClaimBatch(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, batchClaimSpec, id, observedAttempts)
}

// GetBatch loads a single batch by id.
func (s *Store) GetBatch(ctx context.Context, id int64) (Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, source_key, screenshot_ids, ts_start, ts_end, status, attempts, next_run_at,
		       history_pack, index_json, coalesce(error,''), created_at, updated_at
		FROM batches WHERE id=?`, id)
	return scanBatch(row)
}

// FinishBatchSuccess stores the parsed VLM output and marks the batch done.
func (s *Store) FinishBatchSuccess(ctx context.Context, id int64, indexJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status='succeeded', next_run_at=NULL, index_json=?, error=NULL,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, indexJSON, id)
	return err
}

// FinishBatchFailure records the retry/give-up transition for a batch.
func (s *Store) FinishBatchFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration, errMsg string) error {
	return s.finishFailure(ctx, batchClaimSpec, id, "error", errMsg, maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleBatches resets batches stuck in status='running'.
func (s *Store) RecoverStaleBatches(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, batchClaimSpec, staleThreshold)
}

// EarliestNextRun returns the earliest pending-eligible next_run_at for a
// table, used by the reconcile loop's "compute next wake" phase. A nil
// result means no pending work with a future schedule was found.
func (s *Store) EarliestNextRun(ctx context.Context, table, statusColumn, nextRunColumn string) (*time.Time, error) {
	q := fmt.Sprintf(`SELECT min(%s) FROM %s WHERE %s IN ('pending','failed') AND %s IS NOT NULL`,
		nextRunColumn, table, statusColumn, nextRunColumn)
	var raw sql.NullString
	if err := s.db.QueryRowContext(ctx, q).Scan(&raw); err != nil {
		return nil, fmt.Errorf("earliest next run %s: %w", table, err)
	}
	return parseTimePtr(raw), nil
}

// HasImmediatelyEligible reports whether a table has any pending/failed row
// with next_run_at NULL or already due — used to decide whether the loop
// should re-run immediately rather than sleep.
func (s *Store) HasImmediatelyEligible(ctx context.Context, table, statusColumn, nextRunColumn string) (bool, error) {
	q := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE %s IN ('pending','failed') AND (%s IS NULL OR %s <= strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')) LIMIT 1)`,
		table, statusColumn, nextRunColumn, nextRunColumn)
	var exists bool
	if err := s.db.QueryRowContext(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("has eligible %s: %w", table, err)
	}
	return exists, nil
}

func scanBatch(row *sql.Row) (Batch, error) {
	var b Batch
	var screenshotIDs, tsStart, tsEnd, createdAt, updatedAt string
	var nextRunAt, indexJSON sql.NullString
	if err := row.Scan(&b.ID, &b.BatchID, &b.SourceKey, &screenshotIDs, &tsStart, &tsEnd, &b.Status, &b.Attempts,
		&nextRunAt, &b.HistoryPack, &indexJSON, &b.Error, &createdAt, &updatedAt); err != nil {
		return Batch{}, err
	}
	b.ScreenshotIDs = unmarshalInt64Slice(screenshotIDs)
	b.TSStart = parseTime(tsStart)
	b.TSEnd = parseTime(tsEnd)
	b.NextRunAt = parseTimePtr(nextRunAt)
	b.CreatedAt = parseTime(createdAt)
	b.UpdatedAt = parseTime(updatedAt)
	if indexJSON.Valid {
		v := indexJSON.String
		b.IndexJSON = &v
	}
	return b, nil
}
