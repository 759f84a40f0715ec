package text

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/apperr"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

// MergeConfig bounds the merge stage's candidate search and LLM call.
type MergeConfig struct {
	CandidateWindow time.Duration
	CandidateLimit  int
	Timeout         time.Duration
	MaxAttempts     int
}

// MergeStage decides, for one context node, whether it continues an
// existing node's narrative (absorb) or stands alone.
type MergeStage struct {
	store    *store.Store
	runtime  *airuntime.Runtime
	provider aiproviders.TextProvider
	recorder *usage.Recorder
	cfg      MergeConfig
}

// NewMergeStage builds a merge stage.
func NewMergeStage(st *store.Store, rt *airuntime.Runtime, provider aiproviders.TextProvider, rec *usage.Recorder, cfg MergeConfig) *MergeStage {
	return &MergeStage{store: st, runtime: rt, provider: provider, recorder: rec, cfg: cfg}
}

type mergeDecision struct {
	Absorb bool            `json:"absorb"`
	Fields store.NodeFieldUpdate `json:"fields"`
}

// Process runs the merge decision for one claimed node id.
func (m *MergeStage) Process(ctx context.Context, nodeID int64) error {
	node, err := m.store.GetContextNode(ctx, nodeID)
	if err != nil {
		return m.fail(ctx, nodeID, 0, fmt.Errorf("load node: %w", err))
	}

	window := m.cfg.CandidateWindow
	if window <= 0 {
		window = 2 * time.Hour
	}
	limit := m.cfg.CandidateLimit
	if limit <= 0 {
		limit = 5
	}
	candidates, err := m.store.CandidateNodesForMerge(ctx, node.Kind, node.EventTime, window, limit)
	if err != nil {
		return m.fail(ctx, nodeID, node.MergeAttempts, fmt.Errorf("load candidates: %w", err))
	}

	var target *store.ContextNode
	for i := range candidates {
		if candidates[i].ID != node.ID {
			target = &candidates[i]
			break
		}
	}
	if target == nil {
		if err := m.store.ApplyMerge(ctx, node.ID, store.MergeOutcome{}); err != nil {
			return fmt.Errorf("apply merge (no candidate): %w", err)
		}
		_, err := upsertNodeDocument(ctx, m.store, node)
		return err
	}

	release, err := m.runtime.Acquire(ctx, airuntime.CapText)
	if err != nil {
		return m.fail(ctx, nodeID, node.MergeAttempts, apperr.Transient("merge_permit_denied", "text capacity unavailable", err))
	}
	defer release()

	timeout := m.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, _ := json.Marshal(map[string]any{"source": node, "target": *target})
	start := time.Now()
	raw, err := m.provider.Complete(callCtx, aiproviders.TextRequest{Instruction: mergeInstruction, TaskJSON: task})
	latency := time.Since(start)

	if err != nil {
		perr := classifyTextError(err)
		m.recordUsage(ctx, "merge_decision", "failed", perr.Code, nil, latency)
		m.runtime.RecordFailure(airuntime.CapText, perr, apperr.TripsBreaker(perr))
		return m.fail(ctx, nodeID, node.MergeAttempts, perr)
	}

	var decision mergeDecision
	if err := json.Unmarshal(raw, &decision); err != nil {
		perr := apperr.Validation("merge_parse_error", "malformed merge decision json", err)
		m.recordUsage(ctx, "merge_decision", "failed", perr.Code, nil, latency)
		return m.fail(ctx, nodeID, node.MergeAttempts, perr)
	}
	m.recordUsage(ctx, "merge_decision", "succeeded", "", raw, latency)
	m.runtime.RecordSuccess(airuntime.CapText)

	if !decision.Absorb {
		if err := m.store.ApplyMerge(ctx, node.ID, store.MergeOutcome{}); err != nil {
			return fmt.Errorf("apply merge (not absorbed): %w", err)
		}
		_, err := upsertNodeDocument(ctx, m.store, node)
		return err
	}

	if err := m.store.AbsorbNode(ctx, node.ID, target.ID, decision.Fields); err != nil {
		return m.fail(ctx, nodeID, node.MergeAttempts, fmt.Errorf("absorb node: %w", err))
	}
	merged, err := m.store.GetContextNode(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("reload merge target: %w", err)
	}
	_, err = upsertNodeDocument(ctx, m.store, merged)
	return err
}

func (m *MergeStage) fail(ctx context.Context, nodeID int64, attempts int, err error) error {
	perr := classifyTextError(err)
	maxAttempts := m.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if ferr := m.store.FinishMergeFailure(ctx, nodeID, attempts, maxAttempts, defaultBackoff(), 2*time.Second); ferr != nil {
		return fmt.Errorf("finish merge failure: %w (original: %s)", ferr, perr.Error())
	}
	return perr
}

func (m *MergeStage) recordUsage(ctx context.Context, op, status, errCode string, raw []byte, latency time.Duration) {
	call := usage.Call{Capability: string(airuntime.CapText), Operation: op, Status: status, ErrorCode: errCode, Latency: latency}
	if status == "succeeded" {
		call.ResponseJSON = raw
	}
	_ = m.recorder.RecordCall(ctx, call)
}

func classifyTextError(err error) *apperr.Error {
	if perr, ok := err.(*apperr.Error); ok {
		return perr
	}
	return apperr.Transient("text_call_failed", err.Error(), err)
}

func defaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
}

const mergeInstruction = `Given a source context node and a candidate target node of the same kind, decide whether source continues the same narrative thread as target closely enough that it should be absorbed. Respond with JSON: {"absorb": bool, "fields": {"title": "...", "summary": "...", "keywords": [...], "entities": [...], "importance": 0.0, "confidence": 0.0}}. When absorb is true, fields describes the merged target's updated narrative; when false, fields is ignored.`
