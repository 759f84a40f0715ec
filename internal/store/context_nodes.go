package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var mergeClaimSpec = claimSpec{table: "context_nodes", idColumn: "id", status: "merge_status", attempts: "merge_attempts", nextRunAt: "merge_next_run_at", updatedAt: "updated_at"}

// InsertContextNode records one VLM/text-LLM output unit, pending merge.
func (s *Store) InsertContextNode(ctx context.Context, n ContextNode) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO context_nodes (batch_id, kind, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
		n.BatchID, n.Kind, n.EventTime.UTC().Format(time.RFC3339Nano), n.Title, n.Summary,
		marshalJSON(n.Keywords), marshalJSON(n.Entities),
		n.KnowledgePayload, n.StatePayload, n.ProcedurePayload, n.PlanPayload,
		marshalJSON(n.ActionItems), n.Importance, n.Confidence, marshalJSON(n.ScreenshotIDs))
	if err != nil {
		return 0, fmt.Errorf("insert context node: %w", err)
	}
	return res.LastInsertId()
}

// ScanPendingMerges lists nodes eligible for the text-LLM merge stage.
func (s *Store) ScanPendingMerges(ctx context.Context, maxAttempts, limit int) ([]ClaimCandidate, error) {
	return s.scanPending(ctx, mergeClaimSpec, maxAttempts, limit)
}

// ClaimMerge attempts the conditional claim for one node's merge subtask.
func (s *Store) ClaimMerge(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, mergeClaimSpec, id, observedAttempts)
}

// GetContextNode loads one node by id.
func (s *Store) GetContextNode(ctx context.Context, id int64) (ContextNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes WHERE id=?`, id)
	return scanContextNode(row)
}

// CandidateNodesForMerge returns recent unabsorbed nodes of the same kind
// near a node's event_time, the pool C10's merge stage picks a target from.
func (s *Store) CandidateNodesForMerge(ctx context.Context, kind string, around time.Time, window time.Duration, limit int) ([]ContextNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes
		WHERE kind=? AND absorbed=0 AND merge_status='succeeded'
		  AND event_time BETWEEN ? AND ?
		ORDER BY event_time DESC LIMIT ?`,
		kind, around.Add(-window).UTC().Format(time.RFC3339Nano), around.Add(window).UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("candidate nodes for merge: %w", err)
	}
	defer rows.Close()

	var out []ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MergeOutcome describes what the merge stage decided for one node.
type MergeOutcome struct {
	Absorbed       bool   // true: this node was folded into AbsorbedIntoID
	AbsorbedIntoID int64
	ThreadID       string // assigned thread, if any (write-once)
}

// ApplyMerge writes the merge stage's decision. Per the retained-not-
// tombstoned resolution, an absorbed node keeps its row: merge_status
// becomes succeeded and absorbed=1, and the target node gains this node's
// id in its merged_from_ids. A non-absorbed node simply succeeds merge and
// may receive its write-once thread_id.
func (s *Store) ApplyMerge(ctx context.Context, nodeID int64, outcome MergeOutcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if outcome.Absorbed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE context_nodes SET merge_status='succeeded', merge_next_run_at=NULL, absorbed=1,
			       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, nodeID); err != nil {
			return fmt.Errorf("mark absorbed: %w", err)
		}
		var mergedFrom string
		if err := tx.QueryRowContext(ctx, `SELECT merged_from_ids FROM context_nodes WHERE id=?`, outcome.AbsorbedIntoID).Scan(&mergedFrom); err != nil {
			return fmt.Errorf("load merge target: %w", err)
		}
		ids := unmarshalInt64Slice(mergedFrom)
		ids = append(ids, nodeID)
		if _, err := tx.ExecContext(ctx, `UPDATE context_nodes SET merged_from_ids=? WHERE id=?`, marshalJSON(ids), outcome.AbsorbedIntoID); err != nil {
			return fmt.Errorf("update merge target: %w", err)
		}
		return tx.Commit()
	}

	if outcome.ThreadID != "" {
		// write-once: only set thread_id when currently NULL
		if _, err := tx.ExecContext(ctx, `
			UPDATE context_nodes SET merge_status='succeeded', merge_next_run_at=NULL,
			       thread_id=COALESCE(thread_id, ?), updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`,
			outcome.ThreadID, nodeID); err != nil {
			return fmt.Errorf("apply merge with thread: %w", err)
		}
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE context_nodes SET merge_status='succeeded', merge_next_run_at=NULL,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, nodeID); err != nil {
		return fmt.Errorf("apply merge: %w", err)
	}
	return tx.Commit()
}

// NodesWithoutThread returns unabsorbed, merge-succeeded nodes from a
// batch that have not yet received a thread_id, the pool C11's thread
// assignment call considers for a single batch.
func (s *Store) NodesWithoutThread(ctx context.Context, batchID int64) ([]ContextNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes WHERE batch_id=? AND thread_id IS NULL AND merge_status='succeeded' AND absorbed=0
		ORDER BY event_time ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("nodes without thread: %w", err)
	}
	defer rows.Close()
	var out []ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// AssignThreadID sets a node's thread_id, write-once: a node that already
// carries one is left untouched regardless of what the caller passes.
func (s *Store) AssignThreadID(ctx context.Context, nodeID int64, threadID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE context_nodes SET thread_id=COALESCE(thread_id, ?), updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id=?`, threadID, nodeID)
	return err
}

// NodeFieldUpdate carries the narrative fields a successful absorb
// decision rewrites on the merge target.
type NodeFieldUpdate struct {
	Title, Summary      string
	Keywords, Entities  []string
	Importance, Confidence float64
}

// AbsorbNode folds source into target per the retained-not-tombstoned
// merge outcome: target's narrative fields and screenshot_ids are
// rewritten, source's id is appended to target.merged_from_ids, and
// source itself is marked succeeded+absorbed (its row survives, inert).
func (s *Store) AbsorbNode(ctx context.Context, sourceID, targetID int64, update NodeFieldUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var targetShots, mergedFrom string
	if err := tx.QueryRowContext(ctx, `SELECT screenshot_ids, merged_from_ids FROM context_nodes WHERE id=?`, targetID).Scan(&targetShots, &mergedFrom); err != nil {
		return fmt.Errorf("load merge target: %w", err)
	}
	var sourceShots string
	if err := tx.QueryRowContext(ctx, `SELECT screenshot_ids FROM context_nodes WHERE id=?`, sourceID).Scan(&sourceShots); err != nil {
		return fmt.Errorf("load merge source: %w", err)
	}

	union := unionInt64(unmarshalInt64Slice(targetShots), unmarshalInt64Slice(sourceShots))
	mergedIDs := append(unmarshalInt64Slice(mergedFrom), sourceID)

	if _, err := tx.ExecContext(ctx, `
		UPDATE context_nodes SET title=?, summary=?, keywords=?, entities=?, importance=?, confidence=?,
		       screenshot_ids=?, merged_from_ids=?, updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE id=?`,
		update.Title, update.Summary, marshalJSON(update.Keywords), marshalJSON(update.Entities),
		update.Importance, update.Confidence, marshalJSON(union), marshalJSON(mergedIDs), targetID); err != nil {
		return fmt.Errorf("update merge target: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE context_nodes SET merge_status='succeeded', merge_next_run_at=NULL, absorbed=1,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, sourceID); err != nil {
		return fmt.Errorf("mark absorbed: %w", err)
	}
	return tx.Commit()
}

func unionInt64(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, id := range a {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, id := range b {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// FinishMergeFailure records the retry/give-up transition for merge.
func (s *Store) FinishMergeFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration) error {
	return s.finishFailure(ctx, mergeClaimSpec, id, "", "", maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleMerges resets nodes stuck in merge_status='running'.
func (s *Store) RecoverStaleMerges(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, mergeClaimSpec, staleThreshold)
}

// NodesForThread returns every unabsorbed node belonging to a thread,
// newest first, for activity/search/thread-detail views.
func (s *Store) NodesForThread(ctx context.Context, threadID string, limit int) ([]ContextNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes WHERE thread_id=? AND absorbed=0 ORDER BY event_time DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("nodes for thread: %w", err)
	}
	defer rows.Close()
	var out []ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetContextNodes loads a set of nodes by id, for C16's search engine to
// resolve fused candidate ids back into full node rows in one round trip.
// Missing ids are silently omitted rather than erroring.
func (s *Store) GetContextNodes(ctx context.Context, ids []int64) ([]ContextNode, error) {
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
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes WHERE id IN (%s)`, joinPlaceholders(placeholders))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get context nodes: %w", err)
	}
	defer rows.Close()
	var out []ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NodesForBatch returns every unabsorbed node a batch produced, regardless
// of merge/thread state — the pool C16's search engine filters by
// screenshot_ids to map an FTS hit back to the node(s) that cover it.
func (s *Store) NodesForBatch(ctx context.Context, batchID int64) ([]ContextNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes WHERE batch_id=? AND absorbed=0`, batchID)
	if err != nil {
		return nil, fmt.Errorf("nodes for batch: %w", err)
	}
	defer rows.Close()
	var out []ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NodesInWindow returns unabsorbed nodes with event_time in [start, end),
// feeding C14's window summary generation.
func (s *Store) NodesInWindow(ctx context.Context, start, end time.Time) ([]ContextNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, batch_id, kind, thread_id, event_time, title, summary, keywords, entities,
		       knowledge_payload, state_payload, procedure_payload, plan_payload, action_items,
		       importance, confidence, screenshot_ids, merge_status, merge_attempts, merge_next_run_at,
		       merged_from_ids, absorbed, created_at, updated_at
		FROM context_nodes WHERE absorbed=0 AND event_time >= ? AND event_time < ? ORDER BY event_time ASC`,
		start.UTC().Format(time.RFC3339Nano), end.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("nodes in window: %w", err)
	}
	defer rows.Close()
	var out []ContextNode
	for rows.Next() {
		n, err := scanContextNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanContextNode(row *sql.Row) (ContextNode, error) {
	var n ContextNode
	var threadID, knowledgePayload, statePayload, procedurePayload, planPayload, mergeNextRunAt sql.NullString
	var eventTime, keywords, entities, actionItems, screenshotIDs, mergedFromIDs, createdAt, updatedAt string
	var absorbed int
	if err := row.Scan(&n.ID, &n.BatchID, &n.Kind, &threadID, &eventTime, &n.Title, &n.Summary, &keywords, &entities,
		&knowledgePayload, &statePayload, &procedurePayload, &planPayload, &actionItems,
		&n.Importance, &n.Confidence, &screenshotIDs, &n.MergeStatus, &n.MergeAttempts, &mergeNextRunAt,
		&mergedFromIDs, &absorbed, &createdAt, &updatedAt); err != nil {
		return ContextNode{}, err
	}
	fillContextNode(&n, threadID, eventTime, keywords, entities, knowledgePayload, statePayload, procedurePayload,
		planPayload, actionItems, screenshotIDs, mergeNextRunAt, mergedFromIDs, absorbed, createdAt, updatedAt)
	return n, nil
}

func scanContextNodeRows(rows *sql.Rows) (ContextNode, error) {
	var n ContextNode
	var threadID, knowledgePayload, statePayload, procedurePayload, planPayload, mergeNextRunAt sql.NullString
	var eventTime, keywords, entities, actionItems, screenshotIDs, mergedFromIDs, createdAt, updatedAt string
	var absorbed int
	if err := rows.Scan(&n.ID, &n.BatchID, &n.Kind, &threadID, &eventTime, &n.Title, &n.Summary, &keywords, &entities,
		&knowledgePayload, &statePayload, &procedurePayload, &planPayload, &actionItems,
		&n.Importance, &n.Confidence, &screenshotIDs, &n.MergeStatus, &n.MergeAttempts, &mergeNextRunAt,
		&mergedFromIDs, &absorbed, &createdAt, &updatedAt); err != nil {
		return ContextNode{}, err
	}
	fillContextNode(&n, threadID, eventTime, keywords, entities, knowledgePayload, statePayload, procedurePayload,
		planPayload, actionItems, screenshotIDs, mergeNextRunAt, mergedFromIDs, absorbed, createdAt, updatedAt)
	return n, nil
}

func fillContextNode(n *ContextNode, threadID sql.NullString, eventTime, keywords, entities string,
	knowledgePayload, statePayload, procedurePayload, planPayload sql.NullString,
	actionItems, screenshotIDs string, mergeNextRunAt sql.NullString, mergedFromIDs string, absorbed int,
	createdAt, updatedAt string) {
	if threadID.Valid {
		v := threadID.String
		n.ThreadID = &v
	}
	n.EventTime = parseTime(eventTime)
	n.Keywords = unmarshalStringSlice(keywords)
	n.Entities = unmarshalStringSlice(entities)
	if knowledgePayload.Valid {
		v := knowledgePayload.String
		n.KnowledgePayload = &v
	}
	if statePayload.Valid {
		v := statePayload.String
		n.StatePayload = &v
	}
	if procedurePayload.Valid {
		v := procedurePayload.String
		n.ProcedurePayload = &v
	}
	if planPayload.Valid {
		v := planPayload.String
		n.PlanPayload = &v
	}
	n.ActionItems = unmarshalStringSlice(actionItems)
	n.ScreenshotIDs = unmarshalInt64Slice(screenshotIDs)
	n.MergeNextRunAt = parseTimePtr(mergeNextRunAt)
	n.MergedFromIDs = unmarshalInt64Slice(mergedFromIDs)
	n.Absorbed = absorbed != 0
	n.CreatedAt = parseTime(createdAt)
	n.UpdatedAt = parseTime(updatedAt)
}
