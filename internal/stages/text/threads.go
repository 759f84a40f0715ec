package text

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/apperr"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

// ThreadConfig bounds the thread-assignment LLM call.
type ThreadConfig struct {
	ActiveThreadLimit   int
	RecentNodesPerThread int
	Timeout             time.Duration
}

// ThreadStage assigns a freshly-merged batch's context nodes to narrative
// threads, creating new threads where the LLM judges none fit.
type ThreadStage struct {
	store    *store.Store
	runtime  *airuntime.Runtime
	provider aiproviders.TextProvider
	recorder *usage.Recorder
	cfg      ThreadConfig
}

// NewThreadStage builds a thread-assignment stage.
func NewThreadStage(st *store.Store, rt *airuntime.Runtime, provider aiproviders.TextProvider, rec *usage.Recorder, cfg ThreadConfig) *ThreadStage {
	return &ThreadStage{store: st, runtime: rt, provider: provider, recorder: rec, cfg: cfg}
}

type newThread struct {
	Key         string   `json:"key"` // caller-chosen placeholder id, referenced by node assignments
	Title       string   `json:"title"`
	Summary     string   `json:"summary"`
	MainProject string   `json:"main_project"`
	Phase       string   `json:"phase"`
}

type nodeAssignment struct {
	NodeID   int64  `json:"node_id"`
	ThreadID string `json:"thread_id"` // an existing thread id, a new_threads key, or "NEW" with no matching key (single new thread)
}

type threadAssignmentResult struct {
	NewThreads  []newThread      `json:"new_threads"`
	Assignments []nodeAssignment `json:"assignments"`
}

// AssignBatch runs thread assignment for every node in batchID still
// missing a thread_id.
func (t *ThreadStage) AssignBatch(ctx context.Context, batchID int64) error {
	nodes, err := t.store.NodesWithoutThread(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load unassigned nodes: %w", err)
	}
	if len(nodes) == 0 {
		return nil
	}

	activeLimit := t.cfg.ActiveThreadLimit
	if activeLimit <= 0 {
		activeLimit = 10
	}
	active, err := t.store.ActiveThreads(ctx, activeLimit)
	if err != nil {
		return fmt.Errorf("load active threads: %w", err)
	}

	recentPerThread := t.cfg.RecentNodesPerThread
	if recentPerThread <= 0 {
		recentPerThread = 10
	}
	threadContext := make([]map[string]any, 0, len(active))
	for _, th := range active {
		recent, err := t.store.NodesForThread(ctx, th.ID, recentPerThread)
		if err != nil {
			return fmt.Errorf("load thread nodes: %w", err)
		}
		threadContext = append(threadContext, map[string]any{"thread": th, "recent_nodes": recent})
	}

	release, err := t.runtime.Acquire(ctx, airuntime.CapText)
	if err != nil {
		return apperr.Transient("thread_permit_denied", "text capacity unavailable", err)
	}
	defer release()

	timeout := t.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, _ := json.Marshal(map[string]any{"active_threads": threadContext, "new_nodes": nodes})
	start := time.Now()
	raw, err := t.provider.Complete(callCtx, aiproviders.TextRequest{Instruction: threadInstruction, TaskJSON: task})
	latency := time.Since(start)

	if err != nil {
		perr := classifyTextError(err)
		t.recordUsage(ctx, "failed", "", nil, latency, perr)
		t.runtime.RecordFailure(airuntime.CapText, perr, apperr.TripsBreaker(perr))
		return perr
	}

	var result threadAssignmentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		perr := apperr.Validation("thread_parse_error", "malformed thread assignment json", err)
		t.recordUsage(ctx, "failed", perr.Code, nil, latency, nil)
		return perr
	}
	t.recordUsage(ctx, "succeeded", "", raw, latency, nil)
	t.runtime.RecordSuccess(airuntime.CapText)

	return t.applyAssignments(ctx, result)
}

func (t *ThreadStage) applyAssignments(ctx context.Context, result threadAssignmentResult) error {
	keyToID := make(map[string]string, len(result.NewThreads))
	now := time.Now()
	for _, nt := range result.NewThreads {
		id := uuid.NewString()
		keyToID[nt.Key] = id
		if err := t.store.UpsertThread(ctx, store.Thread{
			ID: id, Title: nt.Title, Summary: nt.Summary, CurrentPhase: nt.Phase,
			MainProject: nt.MainProject, Status: "active", StartTime: now, LastActiveAt: now,
		}); err != nil {
			return fmt.Errorf("create thread %q: %w", nt.Key, err)
		}
	}

	for _, a := range result.Assignments {
		threadID := a.ThreadID
		if mapped, ok := keyToID[threadID]; ok {
			threadID = mapped
		} else if threadID == "NEW" && len(result.NewThreads) == 1 {
			threadID = keyToID[result.NewThreads[0].Key]
		}
		if threadID == "" || threadID == "NEW" {
			continue // malformed assignment with no resolvable thread; leave unassigned for a later pass
		}
		if err := t.store.AssignThreadID(ctx, a.NodeID, threadID); err != nil {
			return fmt.Errorf("assign thread to node %d: %w", a.NodeID, err)
		}
	}
	return nil
}

func (t *ThreadStage) recordUsage(ctx context.Context, status, errCode string, raw []byte, latency time.Duration, err *apperr.Error) {
	if err != nil {
		errCode = err.Code
	}
	call := usage.Call{Capability: string(airuntime.CapText), Operation: "thread_assignment", Status: status, ErrorCode: errCode, Latency: latency}
	if status == "succeeded" {
		call.ResponseJSON = raw
	}
	_ = t.recorder.RecordCall(ctx, call)
}

const threadInstruction = `Given the currently active narrative threads (each with its recent nodes) and a list of newly formed context nodes, decide for each node whether it continues an existing thread or starts a new one. Respond with JSON: {"new_threads": [{"key": "t1", "title": "...", "summary": "...", "main_project": "...", "phase": "..."}], "assignments": [{"node_id": 123, "thread_id": "<existing thread id, or a new_threads key>"}]}.`
