package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

var embeddingClaimSpec = claimSpec{table: "vector_documents", idColumn: "id", status: "embedding_status", attempts: "embedding_attempts", nextRunAt: "embedding_next_run_at", updatedAt: "updated_at"}
var indexClaimSpec = claimSpec{table: "vector_documents", idColumn: "id", status: "index_status", attempts: "index_attempts", nextRunAt: "index_next_run_at", updatedAt: "updated_at"}

// UpsertVectorDocument inserts a new projection, or — when text_hash
// matches the existing row — refreshes only metadata, leaving the
// embedding/index subtasks untouched (the hash-stability rule).
func (s *Store) UpsertVectorDocument(ctx context.Context, vd VectorDocument) (int64, error) {
	var existingID int64
	var existingHash string
	err := s.db.QueryRowContext(ctx, `SELECT id, text_hash FROM vector_documents WHERE vector_id=?`, vd.VectorID).Scan(&existingID, &existingHash)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO vector_documents (vector_id, ref_id, doc_type, text_content, text_hash, meta_payload, embedding_status, index_status)
			VALUES (?, ?, ?, ?, ?, ?, 'pending', 'pending')`,
			vd.VectorID, vd.RefID, vd.DocType, vd.TextContent, vd.TextHash, vd.MetaPayload)
		if err != nil {
			return 0, fmt.Errorf("insert vector document: %w", err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup vector document: %w", err)
	}

	if existingHash == vd.TextHash {
		_, err := s.db.ExecContext(ctx, `UPDATE vector_documents SET meta_payload=?, updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, vd.MetaPayload, existingID)
		return existingID, err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE vector_documents SET text_content=?, text_hash=?, meta_payload=?,
		       embedding_status='pending', embedding_next_run_at=NULL,
		       index_status='pending', index_next_run_at=NULL,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`,
		vd.TextContent, vd.TextHash, vd.MetaPayload, existingID)
	return existingID, err
}

// ScanPendingEmbeddings lists documents eligible for embedding.
func (s *Store) ScanPendingEmbeddings(ctx context.Context, maxAttempts, limit int) ([]ClaimCandidate, error) {
	return s.scanPending(ctx, embeddingClaimSpec, maxAttempts, limit)
}

// ClaimEmbedding attempts the conditional claim for one document's
// embedding subtask.
func (s *Store) ClaimEmbedding(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, embeddingClaimSpec, id, observedAttempts)
}

// FinishEmbeddingSuccess stores the vector and, per the invariant that
// index_status may only leave pending once embedding succeeds, this is
// the sole path that makes a document eligible for indexing.
func (s *Store) FinishEmbeddingSuccess(ctx context.Context, id int64, vec []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vector_documents SET embedding_status='succeeded', embedding_next_run_at=NULL, embedding=?,
		       updated_at=strftime('%Y-%m-%dT%H:%M:%fZ','now') WHERE id=?`, vec, id)
	return err
}

// FinishEmbeddingFailure records the retry/give-up transition.
func (s *Store) FinishEmbeddingFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration) error {
	return s.finishFailure(ctx, embeddingClaimSpec, id, "", "", maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleEmbeddings resets documents stuck in embedding_status='running'.
func (s *Store) RecoverStaleEmbeddings(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, embeddingClaimSpec, staleThreshold)
}

// ScanPendingIndexing lists documents whose embedding has succeeded and
// whose index_status is still eligible — enforcing the invariant at the
// query level rather than trusting callers.
func (s *Store) ScanPendingIndexing(ctx context.Context, maxAttempts, limit int) ([]ClaimCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, index_attempts FROM vector_documents
		WHERE embedding_status='succeeded' AND index_status IN ('pending','failed') AND index_attempts < ?
		  AND (index_next_run_at IS NULL OR index_next_run_at <= strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ORDER BY id LIMIT ?`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("scan pending indexing: %w", err)
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

// ClaimIndexing attempts the conditional claim for one document's ANN
// index-write subtask.
func (s *Store) ClaimIndexing(ctx context.Context, id int64, observedAttempts int) (bool, error) {
	return s.claim(ctx, indexClaimSpec, id, observedAttempts)
}

// GetVectorDocument loads one document by id, for the index-write stage
// to read back the embedding and metadata it needs to push to the ANN index.
func (s *Store) GetVectorDocument(ctx context.Context, id int64) (VectorDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, vector_id, ref_id, doc_type, text_content, text_hash, embedding, meta_payload,
		       embedding_status, embedding_attempts, embedding_next_run_at,
		       index_status, index_attempts, index_next_run_at, created_at, updated_at
		FROM vector_documents WHERE id=?`, id)
	return scanVectorDocument(row)
}

// FinishIndexingSuccess marks the ANN index write done.
func (s *Store) FinishIndexingSuccess(ctx context.Context, id int64) error {
	return s.finishSuccess(ctx, indexClaimSpec, id)
}

// FinishIndexingFailure records the retry/give-up transition for indexing.
func (s *Store) FinishIndexingFailure(ctx context.Context, id int64, attempts, maxAttempts int, backoff []time.Duration, jitter time.Duration) error {
	return s.finishFailure(ctx, indexClaimSpec, id, "", "", maxAttempts, backoff, jitter, time.Now, attempts)
}

// RecoverStaleIndexing resets documents stuck in index_status='running'.
func (s *Store) RecoverStaleIndexing(ctx context.Context, staleThreshold time.Duration) (int64, error) {
	return s.recoverStale(ctx, indexClaimSpec, staleThreshold)
}

func scanVectorDocument(row *sql.Row) (VectorDocument, error) {
	var vd VectorDocument
	var embeddingNextRunAt, indexNextRunAt sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&vd.ID, &vd.VectorID, &vd.RefID, &vd.DocType, &vd.TextContent, &vd.TextHash, &vd.Embedding,
		&vd.MetaPayload, &vd.EmbeddingStatus, &vd.EmbeddingAttempts, &embeddingNextRunAt,
		&vd.IndexStatus, &vd.IndexAttempts, &indexNextRunAt, &createdAt, &updatedAt); err != nil {
		return VectorDocument{}, err
	}
	vd.EmbeddingNextRunAt = parseTimePtr(embeddingNextRunAt)
	vd.IndexNextRunAt = parseTimePtr(indexNextRunAt)
	vd.CreatedAt = parseTime(createdAt)
	vd.UpdatedAt = parseTime(updatedAt)
	return vd, nil
}
