package store

import (
	"context"
	"fmt"
)

// RecordUsage appends one AI-capability invocation record. Usage rows are
// append-only; nothing ever claims or retries them.
func (s *Store) RecordUsage(ctx context.Context, u UsageEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_events (capability, operation, model, provider, input_tokens, output_tokens, status, error_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.Capability, u.Operation, u.Model, u.Provider, u.InputTokens, u.OutputTokens, u.Status, u.ErrorCode)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// UsageTotals sums token usage per capability, used by the monitoring
// surface's cost/throughput panel.
type UsageTotals struct {
	Capability   string
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	Failures     int64
}

// SummarizeUsage aggregates usage_events by capability.
func (s *Store) SummarizeUsage(ctx context.Context) ([]UsageTotals, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT capability, count(*), coalesce(sum(input_tokens),0), coalesce(sum(output_tokens),0),
		       sum(CASE WHEN status != 'succeeded' THEN 1 ELSE 0 END)
		FROM usage_events GROUP BY capability`)
	if err != nil {
		return nil, fmt.Errorf("summarize usage: %w", err)
	}
	defer rows.Close()
	var out []UsageTotals
	for rows.Next() {
		var t UsageTotals
		if err := rows.Scan(&t.Capability, &t.Requests, &t.InputTokens, &t.OutputTokens, &t.Failures); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
