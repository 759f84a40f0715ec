package store

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// claimSpec names the four columns a claimable subtask lives in. Every task
// table (or task-within-a-table, for the two-column cases like
// vector_documents.embedding/.index) drives the same conditional update, so
// the reconcile loop's claim/retry/stale-recovery logic is written once
// against this shape instead of once per table.
type claimSpec struct {
	table       string
	idColumn    string
	status      string
	attempts    string
	nextRunAt   string
	updatedAt   string
}

// claim attempts the conditional update described in the reconcile
// protocol: status must currently be pending or failed and attempts must
// still equal the value the caller observed when it selected this row.
// Zero rows affected means another worker already claimed it.
func (s *Store) claim(ctx context.Context, spec claimSpec, id int64, observedAttempts int) (bool, error) {
	q := fmt.Sprintf(
		`UPDATE %s SET %s='running', %s=%s+1, %s=NULL, %s=strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')
		 WHERE %s=? AND %s IN ('pending','failed') AND %s=?`,
		spec.table, spec.status, spec.attempts, spec.attempts, spec.nextRunAt, spec.updatedAt,
		spec.idColumn, spec.status, spec.attempts,
	)
	res, err := s.db.ExecContext(ctx, q, id, observedAttempts)
	if err != nil {
		return false, fmt.Errorf("claim %s#%d: %w", spec.table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// retryOutcome is what the caller computes after a failed attempt and
// passes to finishFailure: the new attempts count and whether that count
// has crossed maxAttempts.
type retryOutcome struct {
	attempts      int
	maxAttempts   int
	backoff       []time.Duration
	jitter        time.Duration
	now           func() time.Time
}

func nextRunAfterFailure(o retryOutcome) (status string, nextRunAt *time.Time) {
	if o.attempts >= o.maxAttempts {
		return StatusFailedPermanent, nil
	}
	idx := o.attempts - 1
	if idx >= len(o.backoff) {
		idx = len(o.backoff) - 1
	}
	if idx < 0 {
		idx = 0
	}
	delay := o.backoff[idx]
	if o.jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(o.jitter)))
	}
	t := o.now().Add(delay)
	return StatusFailed, &t
}

// finishFailure writes the retry-or-give-up transition for a subtask.
func (s *Store) finishFailure(ctx context.Context, spec claimSpec, id int64, errColumn, errMsg string, maxAttempts int, backoff []time.Duration, jitter time.Duration, now func() time.Time, attempts int) error {
	status, nextRunAt := nextRunAfterFailure(retryOutcome{attempts: attempts, maxAttempts: maxAttempts, backoff: backoff, jitter: jitter, now: now})
	if errColumn == "" {
		q := fmt.Sprintf(`UPDATE %s SET %s=?, %s=?, %s=strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now') WHERE %s=?`,
			spec.table, spec.status, spec.nextRunAt, spec.updatedAt, spec.idColumn)
		_, err := s.db.ExecContext(ctx, q, status, nextRunAt, id)
		return err
	}
	q := fmt.Sprintf(`UPDATE %s SET %s=?, %s=?, %s=?, %s=strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now') WHERE %s=?`,
		spec.table, spec.status, spec.nextRunAt, errColumn, spec.updatedAt, spec.idColumn)
	_, err := s.db.ExecContext(ctx, q, status, nextRunAt, errMsg, id)
	return err
}

// finishSuccess marks a subtask succeeded, clearing next_run_at.
func (s *Store) finishSuccess(ctx context.Context, spec claimSpec, id int64) error {
	q := fmt.Sprintf(`UPDATE %s SET %s=?, %s=NULL, %s=strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now') WHERE %s=?`,
		spec.table, spec.status, spec.nextRunAt, spec.updatedAt, spec.idColumn)
	_, err := s.db.ExecContext(ctx, q, StatusSucceeded, id)
	return err
}

// recoverStale resets any row stuck in running past staleThreshold back to
// pending with next_run_at cleared, per the stale-recovery phase.
func (s *Store) recoverStale(ctx context.Context, spec claimSpec, staleThreshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleThreshold).UTC().Format("2006-01-02T15:04:05.000Z")
	q := fmt.Sprintf(`UPDATE %s SET %s='pending', %s=NULL WHERE %s='running' AND %s < ?`,
		spec.table, spec.status, spec.nextRunAt, spec.status, spec.updatedAt)
	res, err := s.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale %s: %w", spec.table, err)
	}
	return res.RowsAffected()
}

// scanPending returns up to limit candidate ids + observed attempts for a
// claimable subtask, ordered oldest-eligible-first.
func (s *Store) scanPending(ctx context.Context, spec claimSpec, maxAttempts, limit int) ([]ClaimCandidate, error) {
	q := fmt.Sprintf(
		`SELECT %s, %s FROM %s WHERE %s IN ('pending','failed') AND %s < ? AND (%s IS NULL OR %s <= strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ','now')) ORDER BY %s LIMIT ?`,
		spec.idColumn, spec.attempts, spec.table, spec.status, spec.attempts, spec.nextRunAt, spec.nextRunAt, spec.idColumn,
	)
	rows, err := s.db.QueryContext(ctx, q, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("scan pending %s: %w", spec.table, err)
	}
	defer rows.Close()

	var out []ClaimCandidate
	for rows.Next() {
		var c ClaimCandidate
		if err := rows.Scan(&c.ID, &c.Attempts); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClaimCandidate is a row eligible for claim, as returned by scanPending.
type ClaimCandidate struct {
	ID       int64
	Attempts int
}
