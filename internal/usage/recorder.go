// Package usage is C3: append-only usage accounting and a bounded
// in-memory request trace, feeding the monitoring surface's rate/
// breakdown queries without re-scanning the relational store on every poll.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"screenloom/internal/bus"
	"screenloom/internal/observability"
	"screenloom/internal/store"
)

// Recorder durably records every AI capability invocation and keeps a
// bounded ring of recent request/response traces for debugging.
type Recorder struct {
	store *store.Store
	bus   *bus.Bus
	ring  *bus.Ring[Trace]
}

// Trace is one AI call's redacted request/response preview, truncated to
// the hard caps C1 defines.
type Trace struct {
	At              time.Time
	Capability      string
	Operation       string
	Model, Provider string
	Status          string
	ErrorCode       string
	RequestPreview  string
	ResponsePreview string
	Latency         time.Duration
}

// New builds a Recorder with a trace ring of the given capacity.
func New(st *store.Store, b *bus.Bus, traceCapacity int) *Recorder {
	return &Recorder{store: st, bus: b, ring: bus.NewRing[Trace](traceCapacity)}
}

// RecordCall persists a usage_events row and appends a redacted trace. The
// request/response bodies are redacted for secrets (api keys, tokens) and
// truncated to the response/error preview caps before they ever reach disk
// or memory.
func (r *Recorder) RecordCall(ctx context.Context, call Call) error {
	u := store.UsageEvent{
		Capability:   call.Capability,
		Operation:    call.Operation,
		Model:        call.Model,
		Provider:     call.Provider,
		InputTokens:  call.InputTokens,
		OutputTokens: call.OutputTokens,
		Status:       call.Status,
		ErrorCode:    call.ErrorCode,
	}
	if err := r.store.RecordUsage(ctx, u); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}

	max := bus.MaxResponsePreviewBytes
	if call.Status != "succeeded" {
		max = bus.MaxErrorPreviewBytes
	}
	r.ring.Push(Trace{
		At:              time.Now(),
		Capability:      call.Capability,
		Operation:       call.Operation,
		Model:           call.Model,
		Provider:        call.Provider,
		Status:          call.Status,
		ErrorCode:       call.ErrorCode,
		RequestPreview:  redactAndTruncate(call.RequestJSON, bus.MaxResponsePreviewBytes),
		ResponsePreview: redactAndTruncate(call.ResponseJSON, max),
		Latency:         call.Latency,
	})

	r.bus.Publish(bus.TopicAIRequest, call)
	return nil
}

func redactAndTruncate(raw json.RawMessage, max int) string {
	if len(raw) == 0 {
		return ""
	}
	return bus.TruncatePreview(string(observability.RedactJSON(raw)), max)
}

// Call describes one AI invocation to record.
type Call struct {
	Capability      string
	Operation       string
	Model, Provider string
	InputTokens     int64
	OutputTokens    int64
	Status          string
	ErrorCode       string
	RequestJSON     json.RawMessage
	ResponseJSON    json.RawMessage
	Latency         time.Duration
}

// RecentTraces returns the n most recent traces, newest first.
func (r *Recorder) RecentTraces(n int) []Trace {
	return r.ring.GetRecent(n)
}

// Totals exposes the store's per-capability usage aggregate.
func (r *Recorder) Totals(ctx context.Context) ([]store.UsageTotals, error) {
	return r.store.SummarizeUsage(ctx)
}
