package store

import "context"

// FTSDegraded reports whether the search engine has already fallen back to
// vector-only mode because of repeated FTS integrity failures.
func (s *Store) FTSDegraded(ctx context.Context) (bool, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT fts_degraded FROM settings WHERE id=1`).Scan(&v); err != nil {
		return false, err
	}
	return v != 0, nil
}

// SetFTSDegraded flips the persisted degrade flag the boot-time health
// check and C16's search engine consult before trusting keyword results.
func (s *Store) SetFTSDegraded(ctx context.Context, degraded bool) error {
	v := 0
	if degraded {
		v = 1
	}
	_, err := s.db.ExecContext(ctx, `UPDATE settings SET fts_degraded=? WHERE id=1`, v)
	return err
}

// CheckFTSIntegrity runs fts5's built-in integrity check, returning a
// non-nil error when the shadow tables have drifted from screenshots.
func (s *Store) CheckFTSIntegrity(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO screenshot_fts(screenshot_fts) VALUES('integrity-check')`)
	return err
}

// RebuildFTS rebuilds the screenshot_fts shadow tables from screenshots,
// the recovery action a failed integrity check triggers before the engine
// gives up and degrades to vector-only mode.
func (s *Store) RebuildFTS(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO screenshot_fts(screenshot_fts) VALUES('rebuild')`)
	return err
}
