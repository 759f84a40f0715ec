package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var vlmClaimSpec = claimSpec{table: "screenshots", idColumn: "id", status: "vlm_status", attempts: "vlm_attempts", nextRunAt: "vlm_next_run_at", updatedAt: "updated_at"}
var ocrClaimSpec = claimSpec{table: "screenshots", idColumn: "id", status: "ocr_status", attempts: "ocr_attempts", nextRunAt: "ocr_next_run_at", updatedAt: "updated_at"}

// InsertScreenshot records a freshly captured frame, pending VLM (and,
// when applicable, OCR) processing.
func (s *Store) InsertScreenshot(ctx context.Context, sh Screenshot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO screenshots (captured_at, source_key, phash, file_path, width, height, byte_size, mime, app_hint, window_title, vlm_status, ocr_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?)`,
		sh.CapturedAt.UTC().Format(time.RFC3339Nano), sh.SourceKey, sh.PHash, sh.FilePath,
		sh.Width, sh.Height, sh.ByteSize, sh.MIME, nullStr(sh.AppHint), nullStr(sh.WindowTitle),
		nullStrPtr(ocrStatusOrNil(sh.OCRStatus)),
	)
	if err != nil {
		return 0, fmt.Errorf("insert screenshot: %w", err)
	}
	return res.LastInsertId()
}

func ocrStatusOrNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

// RecentBySource returns the most recent n screenshots for source_key,
// newest first. Only tests call it; dedup and batch formation use their
// own queries.
func (s *Store) RecentBySource(ctx context.Context, sourceKey string, limit int) ([]Screenshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, captured_at, source_key, phash, file_path, width, height, byte_size, mime,
		       coalesce(app_hint,''), coalesce(window_title,''), storage_state,
		       vlm_status, vlm_attempts, vlm_next_run_at, coalesce(vlm_error,''),
		       coalesce(ocr_status,''), ocr_attempts, ocr_next_run_at, coalesce(ocr_text,''), coalesce(ui_text_snippets,''), ocr_region,
		       enqueued_batch_id, retention_expires_at, created_at, updated_at
		FROM screenshots WHERE source_key=? ORDER BY captured_at DESC LIMIT ?`, sourceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("recent by source: %w", err)
	}
	defer rows.Close()
	return scanScreenshots(rows)
}

// ScreenshotsForBatch loads every screenshot row referenced by a batch's
// screenshot_ids, in the given order, for C9's VLM stage.
func (s *Store) ScreenshotsForBatch(ctx context.Context, ids []int64) ([]Screenshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`
		SELECT id, captured_at, source_key, phash, file_path, width, height, byte_size, mime,
		       coalesce(app_hint,''), coalesce(window_title,''), storage_state,
		       vlm_status, vlm_attempts, vlm_next_run_at, coalesce(vlm_error,''),
		       coalesce(ocr_status,''), ocr_attempts, ocr_next_run_at, coalesce(ocr_text,''), coalesce(ui_text_snippets,''), ocr_region,
		       enqueued_batch_id, retention_expires_at, created_at, updated_at
		FROM screenshots WHERE id IN (%s)`, joinPlaceholders(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("screenshots for batch: %w", err)
	}
	defer rows.Close()
	byID, err := scanScreenshots(rows)
	if err != nil {
		return nil, err
	}
	index := make(map[int64]Screenshot, len(byID))
	for _, sh := range byID {
		index[sh.ID] = sh
	}
	out := make([]Screenshot, 0, len(ids))
	for _, id := range ids {
		if sh, ok := index[id]; ok {
			out = append(out, sh)
		}
	}
	return out, nil
}

// SetVLMErrorForBatch records a shared error message on every screenshot in
// a failed batch alongside its own vlm retry transition.
func (s *Store) SetVLMErrorForBatch(ctx context.Context, screenshotIDs []int64, errMsg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE screenshots SET vlm_error=? WHERE id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range screenshotIDs {
		if _, err := stmt.ExecContext(ctx, errMsg, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// UnbatchedPending returns screenshots not yet claimed into a batch,
// oldest first, for C7's batch builder.
func (s *Store) UnbatchedPending(ctx context.Context, sourceKey string, limit int) ([]Screenshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, captured_at, source_key, phash, file_path, width, height, byte_size, mime,
		       coalesce(app_hint,''), coalesce(window_title,''), storage_state,
		       vlm_status, vlm_attempts, vlm_next_run_at, coalesce(vlm_error,''),
		       coalesce(ocr_status,''), ocr_attempts, ocr_next_run_at, coalesce(ocr_text,''), coalesce(ui_text_snippets,''), ocr_region,
		       enqueued_batch_id, retention_expires_at, created_at, updated_at
		FROM screenshots WHERE source_key=? AND enqueued_batch_id IS NULL ORDER BY captured_at ASC LIMIT ?`, sourceKey, limit)
	if err != nil {
		return nil, fmt.Errorf("unbatched pending: %w", err)
	}
	defer rows.Close()
	return scanScreenshots(rows)
}

// AssignBatch stamps enqueued_batch_id on a set of screenshot ids,
// establishing the invariant that every id in a batch's screenshot_ids
// points back at that batch.
func (s *Store) AssignBatch(ctx context.Context, batchID int64, screenshotIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE screenshots SET enqueued_batch_id=? WHERE id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range screenshotIDs {
		if _, err := stmt.ExecContext(ctx, batchID, id); err != nil {
			return fmt.Errorf("assign batch to screenshot %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// SetVLMStatusForBatch transitions every screenshot in a batch to the
// given vlm_status, mirroring the batch's own terminal outcome.
func (s *Store) SetVLMStatusForBatch(ctx context.Context, screenshotIDs []int64, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `UPDATE screenshots SET vlm_status=?, vlm_next_run_at=NULL, updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range screenshotIDs {
		if _, err := stmt.ExecContext(ctx, status, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ScanOCRPending lists screenshots eligible for OCR.
func (s *Store) ScanOCRPending(ctx context.Context, maxAttempts, limit int) ([]ClaimCandidate, error) {
	return s.scanPending(ctx, ocrClaimSpec, maxAttempts, limit)
}

// ClaimOCR attempts to claim one screenshot's OCR subtask.
func (s *Store) ClaimOCR(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, ocrClaimSpec, id, observedAttempts)
}

// FinishOCRSuccess records extracted text, marks the subtask done and sets
// storage_state to deleted per the retention rule (file deleted after OCR,
// row retained for evidence). It does not remove the file itself; the OCR
// stage does that after this call returns.
func (s *Store) FinishOCRSuccess(ctx context.Context, id int64, ocrText, uiSnippets string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE screenshots SET ocr_status='succeeded', ocr_next_run_at=NULL, ocr_text=?, ui_text_snippets=?,
		       storage_state='deleted', updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id=?`, ocrText, uiSnippets, id)
	return err
}

// FinishOCRFailure records the retry/give-up transition for OCR.
func (s *Store) FinishOCRFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration) error {
	return s.finishFailure(ctx, ocrClaimSpec, id, "", "", maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleVLM resets screenshots stuck in vlm_status='running'.
func (s *Store) RecoverStaleVLM(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, vlmClaimSpec, staleThreshold)
}

// RecoverStaleOCR resets screenshots stuck in ocr_status='running'.
func (s *Store) RecoverStaleOCR(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, ocrClaimSpec, staleThreshold)
}

// SetOCREligible is C13's eligibility precondition: it flips a
// screenshot's ocr_status to pending, persisting the region the VLM
// stage's knowledge block named, exactly once. Mirroring UpsertEvent's
// idempotent-transition idiom, it only fires on a NULL ocr_status so an
// already-pending/running/terminal row is never re-armed by a later
// segment naming the same screenshot.
func (s *Store) SetOCREligible(ctx context.Context, id int64, regionJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE screenshots SET
			ocr_status=CASE WHEN ocr_status IS NULL THEN 'pending' ELSE ocr_status END,
			ocr_region=CASE WHEN ocr_status IS NULL THEN ? ELSE ocr_region END,
			updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id=?`, regionJSON, id)
	return err
}

// OrphanScreenshots finds screenshots with no enqueued_batch_id whose
// captured_at is before olderThan — candidates for the orphan sweep that
// force-forms an undersized batch rather than leaving data stranded.
func (s *Store) OrphanScreenshots(ctx context.Context, sourceKey string, olderThan time.Time) ([]Screenshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, captured_at, source_key, phash, file_path, width, height, byte_size, mime,
		       coalesce(app_hint,''), coalesce(window_title,''), storage_state,
		       vlm_status, vlm_attempts, vlm_next_run_at, coalesce(vlm_error,''),
		       coalesce(ocr_status,''), ocr_attempts, ocr_next_run_at, coalesce(ocr_text,''), coalesce(ui_text_snippets,''), ocr_region,
		       enqueued_batch_id, retention_expires_at, created_at, updated_at
		FROM screenshots WHERE source_key=? AND enqueued_batch_id IS NULL AND captured_at < ? ORDER BY captured_at ASC`,
		sourceKey, olderThan.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("orphan screenshots: %w", err)
	}
	defer rows.Close()
	return scanScreenshots(rows)
}

// DistinctSourceKeys lists every source_key that has ever captured a
// screenshot, for the reconcile loop's per-source orphan sweep.
func (s *Store) DistinctSourceKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT source_key FROM screenshots`)
	if err != nil {
		return nil, fmt.Errorf("distinct source keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func scanScreenshots(rows *sql.Rows) ([]Screenshot, error) {
	var out []Screenshot
	for rows.Next() {
		var sh Screenshot
		var capturedAt, createdAt, updatedAt string
		var vlmNextRunAt, ocrNextRunAt, retentionExpiresAt, ocrRegion sql.NullString
		var enqueuedBatchID sql.NullInt64
		if err := rows.Scan(&sh.ID, &capturedAt, &sh.SourceKey, &sh.PHash, &sh.FilePath, &sh.Width, &sh.Height,
			&sh.ByteSize, &sh.MIME, &sh.AppHint, &sh.WindowTitle, &sh.StorageState,
			&sh.VLMStatus, &sh.VLMAttempts, &vlmNextRunAt, &sh.VLMError,
			&sh.OCRStatus, &sh.OCRAttempts, &ocrNextRunAt, &sh.OCRText, &sh.UITextSnippets, &ocrRegion,
			&enqueuedBatchID, &retentionExpiresAt, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		sh.CapturedAt = parseTime(capturedAt)
		sh.CreatedAt = parseTime(createdAt)
		sh.UpdatedAt = parseTime(updatedAt)
		sh.VLMNextRunAt = parseTimePtr(vlmNextRunAt)
		sh.OCRNextRunAt = parseTimePtr(ocrNextRunAt)
		sh.RetentionExpiresAt = parseTimePtr(retentionExpiresAt)
		if ocrRegion.Valid {
			v := ocrRegion.String
			sh.OCRRegion = &v
		}
		if enqueuedBatchID.Valid {
			v := enqueuedBatchID.Int64
			sh.EnqueuedBatchID = &v
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// ApplyVLMAnnotation writes the VLM stage's per-screenshot output: a
// conservative app_hint (only filled in if the row had none), optional OCR-
// equivalent text/UI snippets, and a retention expiry, then marks the row
// succeeded.
func (s *Store) ApplyVLMAnnotation(ctx context.Context, id int64, appHint, ocrText, uiSnippets string, retentionExpiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE screenshots SET
			vlm_status='succeeded', vlm_next_run_at=NULL, vlm_error=NULL,
			app_hint=COALESCE(app_hint, NULLIF(?, '')),
			ocr_text=CASE WHEN ? <> '' THEN ? ELSE ocr_text END,
			ui_text_snippets=CASE WHEN ? <> '' THEN ? ELSE ui_text_snippets END,
			retention_expires_at=?,
			updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id=?`,
		appHint, ocrText, ocrText, uiSnippets, uiSnippets, retentionExpiresAt.UTC().Format(time.RFC3339Nano), id)
	return err
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

func nullStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
