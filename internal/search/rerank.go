package search

import (
	"context"
	"encoding/json"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/apperr"
	"screenloom/internal/usage"
)

// Reranker optionally reorders a fused-and-expanded item list and
// synthesizes a short answer grounded in it. Implementations must never
// drop an item — only reorder.
type Reranker interface {
	Rerank(ctx context.Context, query string, items []Item) ([]Item, string, error)
}

// NoopReranker leaves ordering and synthesis untouched. It's the default
// when SearchConfig.RerankEnabled is false.
type NoopReranker struct{}

// Rerank implements Reranker.
func (NoopReranker) Rerank(_ context.Context, _ string, items []Item) ([]Item, string, error) {
	return items, "", nil
}

// LLMReranker asks the text-LLM to re-rank the fused candidates by
// relevance and synthesize a short answer grounded in their titles and
// summaries — the optional query-plan/answer-synthesis phase a hybrid
// search may run after fusion and expansion.
type LLMReranker struct {
	provider aiproviders.TextProvider
	runtime  *airuntime.Runtime
	recorder *usage.Recorder
	timeout  time.Duration
}

// NewLLMReranker builds an LLM-backed reranker.
func NewLLMReranker(provider aiproviders.TextProvider, rt *airuntime.Runtime, rec *usage.Recorder, timeout time.Duration) *LLMReranker {
	return &LLMReranker{provider: provider, runtime: rt, recorder: rec, timeout: timeout}
}

type rerankCandidate struct {
	NodeID  int64  `json:"node_id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

type rerankResult struct {
	OrderedNodeIDs []int64 `json:"ordered_node_ids"`
	Answer         string  `json:"answer"`
}

// Rerank implements Reranker. A call failure degrades to the unreranked
// fused order rather than failing the whole search — re-ranking is an
// enhancement, not a correctness requirement.
func (r *LLMReranker) Rerank(ctx context.Context, query string, items []Item) ([]Item, string, error) {
	if r.provider == nil || len(items) == 0 {
		return items, "", nil
	}

	release, err := r.runtime.Acquire(ctx, airuntime.CapText)
	if err != nil {
		return items, "", nil
	}
	defer release()

	timeout := r.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	candidates := make([]rerankCandidate, len(items))
	for i, it := range items {
		candidates[i] = rerankCandidate{NodeID: it.NodeID, Title: it.Title, Summary: it.Summary}
	}
	task, _ := json.Marshal(map[string]any{"query": query, "candidates": candidates})

	start := time.Now()
	raw, err := r.provider.Complete(callCtx, aiproviders.TextRequest{Instruction: rerankInstruction, TaskJSON: task})
	latency := time.Since(start)
	if err != nil {
		perr := classifyRerankError(err)
		r.recordUsage(ctx, "failed", perr.Code, nil, latency)
		r.runtime.RecordFailure(airuntime.CapText, perr, apperr.TripsBreaker(perr))
		return items, "", nil
	}

	var result rerankResult
	if err := json.Unmarshal(raw, &result); err != nil {
		perr := apperr.Validation("search_rerank_parse_error", "malformed rerank json", err)
		r.recordUsage(ctx, "failed", perr.Code, nil, latency)
		return items, "", nil
	}
	r.recordUsage(ctx, "succeeded", "", raw, latency)
	r.runtime.RecordSuccess(airuntime.CapText)

	return reorder(items, result.OrderedNodeIDs), result.Answer, nil
}

// reorder places items named in order first (in that order, deduped),
// then appends any item order didn't mention, in its original position.
func reorder(items []Item, order []int64) []Item {
	byID := make(map[int64]Item, len(items))
	for _, it := range items {
		byID[it.NodeID] = it
	}
	out := make([]Item, 0, len(items))
	placed := make(map[int64]struct{}, len(items))
	for _, id := range order {
		if it, ok := byID[id]; ok {
			if _, dup := placed[id]; !dup {
				out = append(out, it)
				placed[id] = struct{}{}
			}
		}
	}
	for _, it := range items {
		if _, ok := placed[it.NodeID]; !ok {
			out = append(out, it)
		}
	}
	return out
}

func (r *LLMReranker) recordUsage(ctx context.Context, status, errCode string, raw json.RawMessage, latency time.Duration) {
	call := usage.Call{Capability: string(airuntime.CapText), Operation: "search_rerank", Status: status, ErrorCode: errCode, Latency: latency}
	if status == "succeeded" {
		call.ResponseJSON = raw
	}
	_ = r.recorder.RecordCall(ctx, call)
}

func classifyRerankError(err error) *apperr.Error {
	if perr, ok := err.(*apperr.Error); ok {
		return perr
	}
	return apperr.Transient("search_rerank_call_failed", err.Error(), err)
}

const rerankInstruction = `Given a user query and a list of candidate context nodes (each with node_id, title, summary), return JSON {"ordered_node_ids": [...], "answer": "..."} where ordered_node_ids re-ranks every given node_id by relevance to the query, most relevant first, with every id included exactly once, and answer is a short synthesized answer grounded only in the candidates provided, or "" if none are relevant.`
