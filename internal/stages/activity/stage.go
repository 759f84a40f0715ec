// Package activity is C14: rolls context nodes into fixed UTC windows,
// generates a narrative summary per window via the text LLM, detects long
// threads crossing the long-event threshold, and lazily expands a long
// event's details on demand.
package activity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/apperr"
	"screenloom/internal/bus"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

// Config bounds window processing and the lazy details pass.
type Config struct {
	WindowSize           time.Duration
	LongEventThreshold   time.Duration
	ChangeDebounce       time.Duration
	MaxDetailsNodes      int
	MaxDetailsCharBudget int
	Timeout              time.Duration
	MaxAttempts          int
}

// Stage drives both the window-summary and the event-details pieces of
// C14; the reconcile loop dispatches ProcessWindow for pending
// activity_summaries, and request handlers call ProcessEventDetails on
// demand when a long event's details are requested but not yet generated.
type Stage struct {
	store    *store.Store
	runtime  *airuntime.Runtime
	provider aiproviders.TextProvider
	recorder *usage.Recorder
	bus      *bus.Bus
	cfg      Config

	mu       sync.Mutex
	revision int64
	pending  bool
	timer    *time.Timer
	changedFrom, changedTo time.Time
}

// New builds an activity stage.
func New(st *store.Store, rt *airuntime.Runtime, provider aiproviders.TextProvider, rec *usage.Recorder, b *bus.Bus, cfg Config) *Stage {
	return &Stage{store: st, runtime: rt, provider: provider, recorder: rec, bus: b, cfg: cfg}
}

// WindowBounds floors a timestamp to its UTC-aligned window start/end,
// anchored at the Unix epoch.
func (s *Stage) WindowBounds(t time.Time) (time.Time, time.Time) {
	size := s.cfg.WindowSize
	if size <= 0 {
		size = 20 * time.Minute
	}
	unix := t.UTC().Unix()
	windowSecs := int64(size / time.Second)
	start := (unix / windowSecs) * windowSecs
	return time.Unix(start, 0).UTC(), time.Unix(start+windowSecs, 0).UTC()
}

type windowEvent struct {
	StartOffsetMS int64    `json:"start_offset_ms"`
	EndOffsetMS   int64    `json:"end_offset_ms"`
	Title         string   `json:"title"`
	Kind          string   `json:"kind"`
	Confidence    float64  `json:"confidence"`
	Importance    float64  `json:"importance"`
	ThreadID      string   `json:"thread_id"`
	NodeIDs       []int64  `json:"node_ids"`
}

type windowSummary struct {
	Title      string        `json:"title"`
	Summary    string        `json:"summary"`
	Highlights []string      `json:"highlights"`
	Events     []windowEvent `json:"events"`
}

// ProcessWindow runs summary generation for one claimed activity_summaries
// row id.
func (s *Stage) ProcessWindow(ctx context.Context, summaryID int64) error {
	row, err := s.store.GetSummary(ctx, summaryID)
	if err != nil {
		return s.failSummary(ctx, summaryID, 0, fmt.Errorf("load summary: %w", err))
	}

	nodes, err := s.store.NodesInWindow(ctx, row.WindowStart, row.WindowEnd)
	if err != nil {
		return s.failSummary(ctx, summaryID, row.Attempts, fmt.Errorf("load window nodes: %w", err))
	}

	if len(nodes) == 0 {
		if err := s.store.FinishSummarySuccess(ctx, summaryID, "", emptyWindowMarkdown, nil, "{}", true); err != nil {
			return fmt.Errorf("finish empty window: %w", err)
		}
		s.notifyChanged(row.WindowStart, row.WindowEnd)
		return nil
	}

	stats := computeStats(nodes, s.screenshotAppHints(ctx, nodes))

	release, err := s.runtime.Acquire(ctx, airuntime.CapText)
	if err != nil {
		return s.failSummary(ctx, summaryID, row.Attempts, apperr.Transient("activity_permit_denied", "text capacity unavailable", err))
	}
	defer release()

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, _ := json.Marshal(map[string]any{
		"window_start": row.WindowStart, "window_end": row.WindowEnd,
		"nodes": nodes, "stats": stats,
	})
	start := time.Now()
	raw, err := s.provider.Complete(callCtx, aiproviders.TextRequest{Instruction: windowInstruction, TaskJSON: task})
	latency := time.Since(start)

	if err != nil {
		perr := classifyActivityError(err)
		s.recordUsage(ctx, "window_summary", "failed", "", latency, perr)
		s.runtime.RecordFailure(airuntime.CapText, perr, apperr.TripsBreaker(perr))
		return s.failSummary(ctx, summaryID, row.Attempts, perr)
	}

	var parsed windowSummary
	if err := json.Unmarshal(raw, &parsed); err != nil {
		perr := apperr.Validation("activity_summary_parse_error", "malformed window summary json", err)
		s.recordUsage(ctx, "window_summary", "failed", perr.Code, latency, nil)
		return s.failSummary(ctx, summaryID, row.Attempts, perr)
	}
	s.recordUsage(ctx, "window_summary", "succeeded", "", latency, nil)
	s.runtime.RecordSuccess(airuntime.CapText)

	if err := s.store.FinishSummarySuccess(ctx, summaryID, parsed.Title, parsed.Summary, parsed.Highlights, marshalStats(stats), false); err != nil {
		return fmt.Errorf("finish summary success: %w", err)
	}

	if err := s.persistEvents(ctx, row.WindowStart, parsed, summaryID); err != nil {
		return fmt.Errorf("persist window events: %w", err)
	}
	if err := s.detectLongEvents(ctx, row.WindowStart, row.WindowEnd); err != nil {
		return fmt.Errorf("detect long events: %w", err)
	}

	s.notifyChanged(row.WindowStart, row.WindowEnd)
	return nil
}

func (s *Stage) persistEvents(ctx context.Context, windowStart time.Time, parsed windowSummary, summaryID int64) error {
	longThreshold := s.cfg.LongEventThreshold
	if longThreshold <= 0 {
		longThreshold = 25 * time.Minute
	}
	sid := summaryID
	for idx, ev := range parsed.Events {
		key := eventKey(windowStart, idx, ev.Kind, ev.Title)
		var threadID *string
		if ev.ThreadID != "" {
			t := ev.ThreadID
			threadID = &t
		}
		_, err := s.store.UpsertEvent(ctx, store.ActivityEvent{
			EventKey: key, Title: ev.Title, Kind: ev.Kind,
			StartTS: windowStart.Add(time.Duration(ev.StartOffsetMS) * time.Millisecond),
			EndTS:   windowStart.Add(time.Duration(ev.EndOffsetMS) * time.Millisecond),
			Confidence: ev.Confidence, Importance: ev.Importance,
			ThreadID: threadID, SummaryID: &sid, NodeIDs: ev.NodeIDs,
		}, longThreshold)
		if err != nil {
			return fmt.Errorf("upsert event %q: %w", key, err)
		}
	}
	return nil
}

// detectLongEvents upserts a synthetic long event for each thread returned
// by ActiveThreads (at most 50) whose total duration has reached the
// long-event threshold and whose last activity falls within
// [windowStart, windowEnd), attaching its 200 most recent nodes.
func (s *Stage) detectLongEvents(ctx context.Context, windowStart, windowEnd time.Time) error {
	longThreshold := s.cfg.LongEventThreshold
	if longThreshold <= 0 {
		longThreshold = 25 * time.Minute
	}
	active, err := s.store.ActiveThreads(ctx, 50)
	if err != nil {
		return fmt.Errorf("load active threads: %w", err)
	}
	for _, th := range active {
		if th.DurationMS < longThreshold.Milliseconds() {
			continue
		}
		if th.LastActiveAt.Before(windowStart) || !th.LastActiveAt.Before(windowEnd) {
			continue
		}
		recent, err := s.store.NodesForThread(ctx, th.ID, 200)
		if err != nil {
			return fmt.Errorf("load thread nodes for %s: %w", th.ID, err)
		}
		ids := make([]int64, 0, len(recent))
		for _, n := range recent {
			ids = append(ids, n.ID)
		}
		threadID := th.ID
		_, err = s.store.UpsertEvent(ctx, store.ActivityEvent{
			EventKey: "thr_" + th.ID, Title: th.Title, Kind: "long_running",
			StartTS: th.StartTime, EndTS: th.LastActiveAt,
			Confidence: 1, Importance: 1, ThreadID: &threadID, NodeIDs: ids,
		}, longThreshold)
		if err != nil {
			return fmt.Errorf("upsert long event for thread %s: %w", th.ID, err)
		}
	}
	return nil
}

// ProcessEventDetails claims and generates the lazy details markdown for
// one long event, called on demand by a request handler rather than the
// reconcile loop's scan (details generation is not a periodic scan
// target — there is no ScanPendingEventDetails; the caller already knows
// which event id the user asked about).
func (s *Stage) ProcessEventDetails(ctx context.Context, eventID int64, attempts int) error {
	nodes, threadNodes, err := s.gatherDetailsContext(ctx, eventID)
	if err != nil {
		return s.failDetails(ctx, eventID, attempts, err)
	}

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	release, err := s.runtime.Acquire(ctx, airuntime.CapText)
	if err != nil {
		return s.failDetails(ctx, eventID, attempts, apperr.Transient("event_details_permit_denied", "text capacity unavailable", err))
	}
	defer release()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, _ := json.Marshal(map[string]any{"window_nodes": nodes, "thread_nodes": truncateByCharBudget(threadNodes, s.cfg.MaxDetailsCharBudget)})
	start := time.Now()
	raw, err := s.provider.Complete(callCtx, aiproviders.TextRequest{Instruction: detailsInstruction, TaskJSON: task})
	latency := time.Since(start)
	if err != nil {
		perr := classifyActivityError(err)
		s.recordUsage(ctx, "event_details", "failed", "", latency, perr)
		s.runtime.RecordFailure(airuntime.CapText, perr, apperr.TripsBreaker(perr))
		return s.failDetails(ctx, eventID, attempts, perr)
	}
	s.recordUsage(ctx, "event_details", "succeeded", "", latency, nil)
	s.runtime.RecordSuccess(airuntime.CapText)

	var parsed struct {
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		perr := apperr.Validation("event_details_parse_error", "malformed event details json", err)
		return s.failDetails(ctx, eventID, attempts, perr)
	}

	if err := s.store.FinishEventDetailsSuccess(ctx, eventID, parsed.Markdown); err != nil {
		return fmt.Errorf("finish event details success: %w", err)
	}
	return nil
}

func (s *Stage) gatherDetailsContext(ctx context.Context, eventID int64) ([]store.ContextNode, []store.ContextNode, error) {
	// Events are small in number; scanning a generous window around "now"
	// for the event's own window plus its thread's recent nodes is the
	// same two-source gather the window-summary prompt already performs.
	events, err := s.store.EventsInRange(ctx, time.Unix(0, 0), time.Now().Add(24*time.Hour))
	if err != nil {
		return nil, nil, fmt.Errorf("load event: %w", err)
	}
	var target *store.ActivityEvent
	for i := range events {
		if events[i].ID == eventID {
			target = &events[i]
			break
		}
	}
	if target == nil {
		return nil, nil, apperr.Validation("event_not_found", "activity event row no longer exists", nil)
	}

	windowNodes, err := s.store.NodesInWindow(ctx, target.StartTS, target.EndTS)
	if err != nil {
		return nil, nil, fmt.Errorf("load window nodes: %w", err)
	}

	maxNodes := s.cfg.MaxDetailsNodes
	if maxNodes <= 0 {
		maxNodes = 200
	}
	var threadNodes []store.ContextNode
	if target.ThreadID != nil {
		threadNodes, err = s.store.NodesForThread(ctx, *target.ThreadID, maxNodes)
		if err != nil {
			return nil, nil, fmt.Errorf("load thread nodes: %w", err)
		}
	}
	return windowNodes, threadNodes, nil
}

func (s *Stage) failSummary(ctx context.Context, id int64, attempts int, err error) error {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if ferr := s.store.FinishSummaryFailure(ctx, id, attempts, maxAttempts, defaultBackoff(), 2*time.Second); ferr != nil {
		return fmt.Errorf("finish summary failure: %w (original: %w)", ferr, err)
	}
	return err
}

func (s *Stage) failDetails(ctx context.Context, id int64, attempts int, err error) error {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if ferr := s.store.FinishEventDetailsFailure(ctx, id, attempts, maxAttempts, defaultBackoff(), 2*time.Second); ferr != nil {
		return fmt.Errorf("finish event details failure: %w (original: %w)", ferr, err)
	}
	return err
}

func (s *Stage) recordUsage(ctx context.Context, op, status, errCode string, latency time.Duration, perr *apperr.Error) {
	if perr != nil {
		errCode = perr.Code
	}
	_ = s.recorder.RecordCall(ctx, usage.Call{Capability: string(airuntime.CapText), Operation: op, Status: status, ErrorCode: errCode, Latency: latency})
}

func classifyActivityError(err error) *apperr.Error {
	if perr, ok := err.(*apperr.Error); ok {
		return perr
	}
	return apperr.Transient("activity_call_failed", err.Error(), err)
}

func defaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
}

// notifyChanged coalesces repeated window mutations into a single
// debounced activity_timeline bus event, firing at most once per the
// configured debounce window with the union of changed ranges and a
// monotonically increasing revision.
func (s *Stage) notifyChanged(from, to time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.changedFrom.IsZero() || from.Before(s.changedFrom) {
		s.changedFrom = from
	}
	if to.After(s.changedTo) {
		s.changedTo = to
	}
	if s.pending {
		return
	}
	s.pending = true

	debounce := s.cfg.ChangeDebounce
	if debounce <= 0 {
		debounce = 800 * time.Millisecond
	}
	s.timer = time.AfterFunc(debounce, s.fireChanged)
}

func (s *Stage) fireChanged() {
	s.mu.Lock()
	s.revision++
	payload := TimelineChanged{Revision: s.revision, FromTS: s.changedFrom, ToTS: s.changedTo}
	s.pending = false
	s.changedFrom, s.changedTo = time.Time{}, time.Time{}
	s.mu.Unlock()

	s.bus.Publish(bus.TopicActivityTimeline, payload)
}

// TimelineChanged is published (debounced) whenever a window or event
// mutates, giving UI subscribers a coalesced revision + range to refetch.
type TimelineChanged struct {
	Revision       int64
	FromTS, ToTS   time.Time
}

func eventKey(windowStart time.Time, idx int, kind, title string) string {
	h := sha256.Sum256([]byte(kind + "|" + title))
	return fmt.Sprintf("win_%d_evt_%d_%s", windowStart.Unix(), idx, hex.EncodeToString(h[:])[:12])
}

type windowStats struct {
	TopApps     []string `json:"top_apps"`
	TopEntities []string `json:"top_entities"`
	ThreadCount int      `json:"thread_count"`
	NodeCount   int      `json:"node_count"`
}

func (s *Stage) screenshotAppHints(ctx context.Context, nodes []store.ContextNode) map[int64]string {
	var ids []int64
	for _, n := range nodes {
		ids = append(ids, n.ScreenshotIDs...)
	}
	shots, err := s.store.ScreenshotsForBatch(ctx, ids)
	if err != nil {
		return nil
	}
	hints := make(map[int64]string, len(shots))
	for _, sh := range shots {
		hints[sh.ID] = sh.AppHint
	}
	return hints
}

func computeStats(nodes []store.ContextNode, appHints map[int64]string) windowStats {
	appCounts := map[string]int{}
	entityCounts := map[string]int{}
	threads := map[string]struct{}{}
	for _, n := range nodes {
		for _, id := range n.ScreenshotIDs {
			if hint := appHints[id]; hint != "" {
				appCounts[hint]++
			}
		}
		for _, e := range n.Entities {
			entityCounts[e]++
		}
		if n.ThreadID != nil {
			threads[*n.ThreadID] = struct{}{}
		}
	}
	return windowStats{
		TopApps:     topN(appCounts, 5),
		TopEntities: topN(entityCounts, 10),
		ThreadCount: len(threads),
		NodeCount:   len(nodes),
	}
}

func topN(counts map[string]int, n int) []string {
	type kv struct {
		key   string
		count int
	}
	kvs := make([]kv, 0, len(counts))
	for k, c := range counts {
		kvs = append(kvs, kv{k, c})
	}
	sort.Slice(kvs, func(i, j int) bool {
		if kvs[i].count != kvs[j].count {
			return kvs[i].count > kvs[j].count
		}
		return kvs[i].key < kvs[j].key
	})
	if len(kvs) > n {
		kvs = kvs[:n]
	}
	out := make([]string, len(kvs))
	for i, e := range kvs {
		out[i] = e.key
	}
	return out
}

func marshalStats(stats windowStats) string {
	b, _ := json.Marshal(stats)
	return string(b)
}

func truncateByCharBudget(nodes []store.ContextNode, budget int) []store.ContextNode {
	if budget <= 0 {
		return nodes
	}
	total := 0
	for i, n := range nodes {
		total += len(n.Title) + len(n.Summary)
		if total > budget {
			return nodes[:i]
		}
	}
	return nodes
}

const emptyWindowMarkdown = "_No activity recorded in this window._"

const windowInstruction = `Given a set of context nodes captured within a fixed time window (with timestamps, titles, summaries, keywords, entities) and summary statistics (top apps, top entities, thread count, node count), produce a narrative summary. Respond with JSON: {"title": "...", "summary": "...", "highlights": ["..."], "events": [{"start_offset_ms": 0, "end_offset_ms": 0, "title": "...", "kind": "...", "confidence": 0.0, "importance": 0.0, "thread_id": "", "node_ids": [1,2]}]}.`

const detailsInstruction = `Given the nodes local to a long-running event's window plus the most recent nodes from its parent thread, write a detailed markdown narrative of what happened. Respond with JSON: {"markdown": "..."}.`
