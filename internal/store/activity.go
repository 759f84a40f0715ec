package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var summaryClaimSpec = claimSpec{table: "activity_summaries", idColumn: "id", status: "status", attempts: "attempts", nextRunAt: "next_run_at", updatedAt: "updated_at"}
var detailsClaimSpec = claimSpec{table: "activity_events", idColumn: "id", status: "details_status", attempts: "details_attempts", nextRunAt: "details_next_run_at", updatedAt: "updated_at"}

// EnsureWindow creates the pending activity_summaries row for a window if
// it doesn't already exist, keyed by the (window_start, window_end) pair.
func (s *Store) EnsureWindow(ctx context.Context, start, end time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO activity_summaries (window_start, window_end, status)
		VALUES (?, ?, 'pending')`, start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	return err
}

// ScanPendingSummaries lists windows eligible for summary generation.
func (s *Store) ScanPendingSummaries(ctx context.Context, maxAttempts, limit int) ([]ClaimCandidate, error) {
	return s.scanPending(ctx, summaryClaimSpec, maxAttempts, limit)
}

// ClaimSummary attempts the conditional claim for one window.
func (s *Store) ClaimSummary(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, summaryClaimSpec, id, observedAttempts)
}

// GetSummary loads one window's summary row.
func (s *Store) GetSummary(ctx context.Context, id int64) (ActivitySummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, window_start, window_end, title, summary, highlights, stats, status, attempts, next_run_at, created_at, updated_at
		FROM activity_summaries WHERE id=?`, id)
	return scanSummary(row)
}

// SummariesInRange lists window summaries overlapping [start, end),
// oldest first, for the activity.get_timeline request handler.
func (s *Store) SummariesInRange(ctx context.Context, start, end time.Time) ([]ActivitySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, window_start, window_end, title, summary, highlights, stats, status, attempts, next_run_at, created_at, updated_at
		FROM activity_summaries WHERE window_start < ? AND window_end > ? ORDER BY window_start ASC`,
		end.UTC().Format(time.RFC3339Nano), start.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("summaries in range: %w", err)
	}
	defer rows.Close()
	var out []ActivitySummary
	for rows.Next() {
		a, err := scanSummaryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetSummaryByWindow loads the summary row for an exact (window_start,
// window_end) pair, used by activity.get_summary/regenerate_summary which
// address windows by bounds rather than row id. ok is false when no
// summary row exists for that window yet.
func (s *Store) GetSummaryByWindow(ctx context.Context, start, end time.Time) (a ActivitySummary, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, window_start, window_end, title, summary, highlights, stats, status, attempts, next_run_at, created_at, updated_at
		FROM activity_summaries WHERE window_start=? AND window_end=?`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	a, err = scanSummary(row)
	if err == sql.ErrNoRows {
		return ActivitySummary{}, false, nil
	}
	if err != nil {
		return ActivitySummary{}, false, err
	}
	return a, true, nil
}

// GetEvent loads a single timeline event by id, for
// activity.get_event_details.
func (s *Store) GetEvent(ctx context.Context, id int64) (ActivityEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_key, title, kind, start_ts, end_ts, is_long, duration_ms, confidence, importance,
		       thread_id, summary_id, node_ids, details_status, details_attempts, details_next_run_at, details_text,
		       created_at, updated_at
		FROM activity_events WHERE id=?`, id)
	return scanEvent(row)
}

// FinishSummarySuccess stores the generated window narrative. noData marks
// a window with nothing to report, per the no_data terminal state.
func (s *Store) FinishSummarySuccess(ctx context.Context, id int64, title, summary string, highlights []string, stats string, noData bool) error {
	status := StatusSucceeded
	if noData {
		status = StatusNoData
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE activity_summaries SET status=?, next_run_at=NULL, title=?, summary=?, highlights=?, stats=?,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`,
		status, title, summary, marshalJSON(highlights), stats, id)
	return err
}

// FinishSummaryFailure records the retry/give-up transition.
func (s *Store) FinishSummaryFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration) error {
	return s.finishFailure(ctx, summaryClaimSpec, id, "", "", maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleSummaries resets windows stuck in status='running'.
func (s *Store) RecoverStaleSummaries(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, summaryClaimSpec, staleThreshold)
}

// UpsertEvent inserts a new timeline event, or — when event_key already
// exists — merges the new observation into the existing row (extending
// end_ts, recomputing is_long/duration_ms, unioning node_ids). This is the
// idempotent merge semantics §3 requires for repeated reconcile passes
// over the same window.
func (s *Store) UpsertEvent(ctx context.Context, e ActivityEvent, longThreshold time.Duration) (int64, error) {
	var existingID int64
	var endTS, nodeIDsRaw string
	err := s.db.QueryRowContext(ctx, `SELECT id, end_ts, node_ids FROM activity_events WHERE event_key=?`, e.EventKey).Scan(&existingID, &endTS, &nodeIDsRaw)
	switch {
	case err == sql.ErrNoRows:
		isLong := e.EndTS.Sub(e.StartTS) >= longThreshold
		var detailsStatus sql.NullString
		if isLong {
			detailsStatus = sql.NullString{String: StatusPending, Valid: true}
		}
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO activity_events (event_key, title, kind, start_ts, end_ts, is_long, duration_ms, confidence, importance, thread_id, summary_id, node_ids, details_status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventKey, e.Title, e.Kind, e.StartTS.UTC().Format(time.RFC3339Nano), e.EndTS.UTC().Format(time.RFC3339Nano),
			isLong, e.EndTS.Sub(e.StartTS).Milliseconds(), e.Confidence, e.Importance, e.ThreadID, e.SummaryID, marshalJSON(e.NodeIDs), detailsStatus)
		if err != nil {
			return 0, fmt.Errorf("insert activity event: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup activity event: %w", err)
	}

	mergedEnd := e.EndTS
	if existing := parseTime(endTS); existing.After(mergedEnd) {
		mergedEnd = existing
	}
	existingNodeIDs := unmarshalInt64Slice(nodeIDsRaw)
	merged := unionInt64(existingNodeIDs, e.NodeIDs)
	isLong := mergedEnd.Sub(e.StartTS) >= longThreshold
	// An event that newly crosses the long-event threshold becomes
	// eligible for lazy details generation; one that already has a
	// details_status (any value, including a prior failure) keeps it,
	// since re-arming an in-progress or already-generated details row
	// here would race the on-demand details handler.
	_, err = s.db.ExecContext(ctx, `
		UPDATE activity_events SET end_ts=?, is_long=?, duration_ms=?, node_ids=?, confidence=?, importance=?,
		       details_status=CASE WHEN details_status IS NULL AND ? THEN ? ELSE details_status END,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`,
		mergedEnd.UTC().Format(time.RFC3339Nano), isLong, mergedEnd.Sub(e.StartTS).Milliseconds(), marshalJSON(merged),
		e.Confidence, e.Importance, isLong, StatusPending, existingID)
	return existingID, err
}

// EventsInRange lists timeline events overlapping [start, end), oldest first.
func (s *Store) EventsInRange(ctx context.Context, start, end time.Time) ([]ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_key, title, kind, start_ts, end_ts, is_long, duration_ms, confidence, importance,
		       thread_id, summary_id, node_ids, details_status, details_attempts, details_next_run_at, details_text,
		       created_at, updated_at
		FROM activity_events WHERE start_ts < ? AND end_ts > ? ORDER BY start_ts ASC`,
		end.UTC().Format(time.RFC3339Nano), start.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("events in range: %w", err)
	}
	defer rows.Close()
	var out []ActivityEvent
	for rows.Next() {
		e, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ClaimEventDetails claims a long event's lazy details generation, the
// pending→running transition the request handler drives on demand.
func (s *Store) ClaimEventDetails(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, detailsClaimSpec, id, observedAttempts)
}

// FinishEventDetailsSuccess persists the generated markdown.
func (s *Store) FinishEventDetailsSuccess(ctx context.Context, id int64, detailsText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE activity_events SET details_status='succeeded', details_next_run_at=NULL, details_text=?,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, detailsText, id)
	return err
}

// FinishEventDetailsFailure records the retry/give-up transition.
func (s *Store) FinishEventDetailsFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration) error {
	return s.finishFailure(ctx, detailsClaimSpec, id, "", "", maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleEventDetails resets events stuck in details_status='running'.
func (s *Store) RecoverStaleEventDetails(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, detailsClaimSpec, staleThreshold)
}

func scanSummary(row *sql.Row) (ActivitySummary, error) {
	var a ActivitySummary
	var windowStart, windowEnd, highlights, createdAt, updatedAt string
	var nextRunAt sql.NullString
	if err := row.Scan(&a.ID, &windowStart, &windowEnd, &a.Title, &a.Summary, &highlights, &a.Stats, &a.Status,
		&a.Attempts, &nextRunAt, &createdAt, &updatedAt); err != nil {
		return ActivitySummary{}, err
	}
	a.WindowStart = parseTime(windowStart)
	a.WindowEnd = parseTime(windowEnd)
	a.Highlights = unmarshalStringSlice(highlights)
	a.NextRunAt = parseTimePtr(nextRunAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanSummaryRows(rows *sql.Rows) (ActivitySummary, error) {
	var a ActivitySummary
	var windowStart, windowEnd, highlights, createdAt, updatedAt string
	var nextRunAt sql.NullString
	if err := rows.Scan(&a.ID, &windowStart, &windowEnd, &a.Title, &a.Summary, &highlights, &a.Stats, &a.Status,
		&a.Attempts, &nextRunAt, &createdAt, &updatedAt); err != nil {
		return ActivitySummary{}, err
	}
	a.WindowStart = parseTime(windowStart)
	a.WindowEnd = parseTime(windowEnd)
	a.Highlights = unmarshalStringSlice(highlights)
	a.NextRunAt = parseTimePtr(nextRunAt)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func scanEvent(row *sql.Row) (ActivityEvent, error) {
	var e ActivityEvent
	var startTS, endTS, nodeIDs, createdAt, updatedAt string
	var isLong int
	var threadID, detailsStatus, detailsText sql.NullString
	var summaryID sql.NullInt64
	var detailsNextRunAt sql.NullString
	if err := row.Scan(&e.ID, &e.EventKey, &e.Title, &e.Kind, &startTS, &endTS, &isLong, &e.DurationMS, &e.Confidence,
		&e.Importance, &threadID, &summaryID, &nodeIDs, &detailsStatus, &e.DetailsAttempts, &detailsNextRunAt,
		&detailsText, &createdAt, &updatedAt); err != nil {
		return ActivityEvent{}, err
	}
	e.StartTS = parseTime(startTS)
	e.EndTS = parseTime(endTS)
	e.IsLong = isLong != 0
	e.NodeIDs = unmarshalInt64Slice(nodeIDs)
	if threadID.Valid {
		v := threadID.String
		e.ThreadID = &v
	}
	if summaryID.Valid {
		v := summaryID.Int64
		e.SummaryID = &v
	}
	if detailsStatus.Valid {
		v := detailsStatus.String
		e.DetailsStatus = &v
	}
	e.DetailsNextRunAt = parseTimePtr(detailsNextRunAt)
	if detailsText.Valid {
		v := detailsText.String
		e.DetailsText = &v
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}

func scanEventRows(rows *sql.Rows) (ActivityEvent, error) {
	var e ActivityEvent
	var startTS, endTS, nodeIDs, createdAt, updatedAt string
	var isLong int
	var threadID, detailsStatus, detailsText sql.NullString
	var summaryID sql.NullInt64
	var detailsNextRunAt sql.NullString
	if err := rows.Scan(&e.ID, &e.EventKey, &e.Title, &e.Kind, &startTS, &endTS, &isLong, &e.DurationMS, &e.Confidence,
		&e.Importance, &threadID, &summaryID, &nodeIDs, &detailsStatus, &e.DetailsAttempts, &detailsNextRunAt,
		&detailsText, &createdAt, &updatedAt); err != nil {
		return ActivityEvent{}, err
	}
	e.StartTS = parseTime(startTS)
	e.EndTS = parseTime(endTS)
	e.IsLong = isLong != 0
	e.NodeIDs = unmarshalInt64Slice(nodeIDs)
	if threadID.Valid {
		v := threadID.String
		e.ThreadID = &v
	}
	if summaryID.Valid {
		v := summaryID.Int64
		e.SummaryID = &v
	}
	if detailsStatus.Valid {
		v := detailsStatus.String
		e.DetailsStatus = &v
	}
	e.DetailsNextRunAt = parseTimePtr(detailsNextRunAt)
	if detailsText.Valid {
		v := detailsText.String
		e.DetailsText = &v
	}
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	return e, nil
}
