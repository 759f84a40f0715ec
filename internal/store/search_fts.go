package store

import (
	"context"
	"fmt"
)

// FTSHit is one keyword-search match against a screenshot's OCR/UI/window
// text, ranked by fts5's bm25 (lower is more relevant).
type FTSHit struct {
	ScreenshotID int64
	Rank         float64
}

// SearchScreenshotsFTS runs the keyword half of C16's hybrid search over
// screenshot_fts. A malformed fts5 query (stray `"`/`*`/boolean operator
// the user typed literally) falls back to a plain substring LIKE scan
// instead of surfacing a syntax error to the caller, per the
// fallback-to-LIKE rule.
func (s *Store) SearchScreenshotsFTS(ctx context.Context, query string, limit int) ([]FTSHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, bm25(screenshot_fts) AS rank
		FROM screenshot_fts WHERE screenshot_fts MATCH ?
		ORDER BY rank LIMIT ?`, query, limit)
	if err != nil {
		return s.searchScreenshotsLike(ctx, query, limit)
	}
	defer rows.Close()
	out, err := scanFTSHits(rows)
	if err != nil {
		// fts5 reports MATCH syntax errors while stepping, not at Query.
		rows.Close()
		return s.searchScreenshotsLike(ctx, query, limit)
	}
	return out, nil
}

func (s *Store) searchScreenshotsLike(ctx context.Context, query string, limit int) ([]FTSHit, error) {
	like := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, 0 FROM screenshots
		WHERE coalesce(ocr_text,'') LIKE ? OR coalesce(ui_text_snippets,'') LIKE ? OR coalesce(window_title,'') LIKE ?
		ORDER BY captured_at DESC LIMIT ?`, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search screenshots like: %w", err)
	}
	defer rows.Close()
	return scanFTSHits(rows)
}

func scanFTSHits(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]FTSHit, error) {
	var out []FTSHit
	for rows.Next() {
		var h FTSHit
		if err := rows.Scan(&h.ScreenshotID, &h.Rank); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
