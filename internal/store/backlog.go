package store

import (
	"context"
	"fmt"
)

// BacklogDepth sums eligible (pending+failed, not yet permanently failed)
// rows across seven claimable status columns (screenshot VLM and OCR,
// batches, merges, embeddings, index writes, window summaries), the single
// number C15's backpressure ladder watches. Long-event details
// (activity_events.details_status) are not counted.
func (s *Store) BacklogDepth(ctx context.Context) (int, error) {
	const q = `
		SELECT
			(SELECT count(*) FROM screenshots WHERE vlm_status IN ('pending','failed')) +
			(SELECT count(*) FROM screenshots WHERE ocr_status IN ('pending','failed')) +
			(SELECT count(*) FROM batches WHERE status IN ('pending','failed')) +
			(SELECT count(*) FROM context_nodes WHERE merge_status IN ('pending','failed')) +
			(SELECT count(*) FROM vector_documents WHERE embedding_status IN ('pending','failed')) +
			(SELECT count(*) FROM vector_documents WHERE index_status IN ('pending','failed')) +
			(SELECT count(*) FROM activity_summaries WHERE status IN ('pending','failed'))
	`
	var n int
	if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("backlog depth: %w", err)
	}
	return n, nil
}
