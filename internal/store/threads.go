package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// UpsertThread creates a new thread row or updates an existing one's
// narrative fields — threads are written by C11's assignment stage, never
// claimed/retried themselves, so they carry no attempts or next_run_at
// columns (their status is only active/inactive).
func (s *Store) UpsertThread(ctx context.Context, t Thread) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, title, summary, current_phase, current_focus, status, start_time, last_active_at,
		       duration_ms, node_count, apps, main_project, key_entities, milestones)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		       title=excluded.title, summary=excluded.summary, current_phase=excluded.current_phase,
		       current_focus=excluded.current_focus, status=excluded.status, last_active_at=excluded.last_active_at,
		       duration_ms=excluded.duration_ms, node_count=excluded.node_count, apps=excluded.apps,
		       main_project=excluded.main_project, key_entities=excluded.key_entities, milestones=excluded.milestones,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')`,
		t.ID, t.Title, t.Summary, t.CurrentPhase, t.CurrentFocus, t.Status,
		t.StartTime.UTC().Format(time.RFC3339Nano), t.LastActiveAt.UTC().Format(time.RFC3339Nano),
		t.DurationMS, t.NodeCount, marshalJSON(t.Apps), t.MainProject, marshalJSON(t.KeyEntities), marshalJSON(t.Milestones))
	return err
}

// GetThread loads one thread, including its pinned flag from the settings
// singleton row.
func (s *Store) GetThread(ctx context.Context, id string) (Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, summary, current_phase, current_focus, status, start_time, last_active_at,
		       duration_ms, node_count, apps, main_project, key_entities, milestones, created_at, updated_at
		FROM threads WHERE id=?`, id)
	t, err := scanThread(row)
	if err != nil {
		return Thread{}, err
	}
	pinned, err := s.isThreadPinned(ctx, id)
	if err != nil {
		return Thread{}, err
	}
	t.Pinned = pinned
	return t, nil
}

// ActiveThreads lists threads with status='active', most recently active
// first.
func (s *Store) ActiveThreads(ctx context.Context, limit int) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, summary, current_phase, current_focus, status, start_time, last_active_at,
		       duration_ms, node_count, apps, main_project, key_entities, milestones, created_at, updated_at
		FROM threads WHERE status='active' ORDER BY last_active_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("active threads: %w", err)
	}
	defer rows.Close()

	pinned, err := s.pinnedThreadSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []Thread
	for rows.Next() {
		t, err := scanThreadRows(rows)
		if err != nil {
			return nil, err
		}
		_, t.Pinned = pinned[t.ID]
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListThreads lists every thread regardless of status, most recently
// active first, for threads.list.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]Thread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, summary, current_phase, current_focus, status, start_time, last_active_at,
		       duration_ms, node_count, apps, main_project, key_entities, milestones, created_at, updated_at
		FROM threads ORDER BY last_active_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	pinned, err := s.pinnedThreadSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []Thread
	for rows.Next() {
		t, err := scanThreadRows(rows)
		if err != nil {
			return nil, err
		}
		_, t.Pinned = pinned[t.ID]
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetThreadStatus forces a thread's status directly, used by
// threads.mark_inactive for an explicit user action rather than the idle
// sweep DeactivateStaleThreads performs.
func (s *Store) SetThreadStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE threads SET status=?, updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, status, id)
	return err
}

// DeactivateStaleThreads marks threads inactive once last_active_at is
// older than idleThreshold, excluding pinned threads.
func (s *Store) DeactivateStaleThreads(ctx context.Context, idleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-idleThreshold).UTC().Format(time.RFC3339Nano)
	pinned, err := s.pinnedThreadSet(ctx)
	if err != nil {
		return 0, err
	}
	q := `UPDATE threads SET status='inactive', updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE status='active' AND last_active_at < ?`
	args := []any{cutoff}
	if len(pinned) > 0 {
		placeholders := make([]string, 0, len(pinned))
		for id := range pinned {
			placeholders = append(placeholders, "?")
			args = append(args, id)
		}
		q += ` AND id NOT IN (` + joinPlaceholders(placeholders) + `)`
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("deactivate stale threads: %w", err)
	}
	return res.RowsAffected()
}

// PinThread adds/removes a thread id from the singleton settings row's
// pinned_thread_ids array (the Open-Question-resolved storage location for
// the pinned flag).
func (s *Store) PinThread(ctx context.Context, threadID string, pinned bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRowContext(ctx, `SELECT pinned_thread_ids FROM settings WHERE id=1`).Scan(&raw); err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	ids := unmarshalStringSlice(raw)
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	if pinned {
		set[threadID] = struct{}{}
	} else {
		delete(set, threadID)
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE settings SET pinned_thread_ids=? WHERE id=1`, marshalJSON(out)); err != nil {
		return fmt.Errorf("update settings: %w", err)
	}
	return tx.Commit()
}

// PinnedThreadIDs lists every currently pinned thread id, for
// threads.get_lens_state.
func (s *Store) PinnedThreadIDs(ctx context.Context) ([]string, error) {
	set, err := s.pinnedThreadSet(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) isThreadPinned(ctx context.Context, threadID string) (bool, error) {
	set, err := s.pinnedThreadSet(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set[threadID]
	return ok, nil
}

func (s *Store) pinnedThreadSet(ctx context.Context) (map[string]struct{}, error) {
	var raw string
	if err := s.db.QueryRowContext(ctx, `SELECT pinned_thread_ids FROM settings WHERE id=1`).Scan(&raw); err != nil {
		return nil, fmt.Errorf("load pinned thread ids: %w", err)
	}
	ids := unmarshalStringSlice(raw)
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func scanThread(row *sql.Row) (Thread, error) {
	var t Thread
	var startTime, lastActiveAt, apps, keyEntities, milestones, createdAt, updatedAt string
	if err := row.Scan(&t.ID, &t.Title, &t.Summary, &t.CurrentPhase, &t.CurrentFocus, &t.Status, &startTime, &lastActiveAt,
		&t.DurationMS, &t.NodeCount, &apps, &t.MainProject, &keyEntities, &milestones, &createdAt, &updatedAt); err != nil {
		return Thread{}, err
	}
	fillThread(&t, startTime, lastActiveAt, apps, keyEntities, milestones, createdAt, updatedAt)
	return t, nil
}

func scanThreadRows(rows *sql.Rows) (Thread, error) {
	var t Thread
	var startTime, lastActiveAt, apps, keyEntities, milestones, createdAt, updatedAt string
	if err := rows.Scan(&t.ID, &t.Title, &t.Summary, &t.CurrentPhase, &t.CurrentFocus, &t.Status, &startTime, &lastActiveAt,
		&t.DurationMS, &t.NodeCount, &apps, &t.MainProject, &keyEntities, &milestones, &createdAt, &updatedAt); err != nil {
		return Thread{}, err
	}
	fillThread(&t, startTime, lastActiveAt, apps, keyEntities, milestones, createdAt, updatedAt)
	return t, nil
}

func fillThread(t *Thread, startTime, lastActiveAt, apps, keyEntities, milestones, createdAt, updatedAt string) {
	t.StartTime = parseTime(startTime)
	t.LastActiveAt = parseTime(lastActiveAt)
	t.Apps = unmarshalStringSlice(apps)
	t.KeyEntities = unmarshalStringSlice(keyEntities)
	t.Milestones = unmarshalStringSlice(milestones)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
}
