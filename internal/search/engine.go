// Package search is C16: hybrid keyword+vector retrieval over context
// nodes, with neighbor expansion and an optional LLM re-rank/synthesis
// pass. It sits outside the reconcile loop — a search runs synchronously
// on demand, not as a claimable background stage.
package search

import (
	"context"
	"fmt"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/config"
	"screenloom/internal/store"
	"screenloom/internal/vectorindex"
)

// Item is one ranked search hit: either a fused FTS/vector candidate or a
// node pulled in by neighbor expansion.
type Item struct {
	NodeID       int64
	ThreadID     *string
	Kind         string
	Title        string
	Summary      string
	Score        float64
	Expanded     bool
	ExpandedFrom int64
	ExpandedVia  string // "thread" | "window", empty for a directly fused item
}

// Diagnostics reports what each phase of one search call did, for the
// monitoring surface and for tests.
type Diagnostics struct {
	FTCount, VecCount int
	Expanded          int
	Degraded          bool
	Reranked          bool
}

// Result is the assembled response to one hybrid search.
type Result struct {
	Query       string
	Items       []Item
	Answer      string
	Diagnostics Diagnostics
}

// ExpandedNode is one thread member returned by GetThread.
type ExpandedNode struct {
	Node store.ContextNode
}

// ScreenshotEvidence is one screenshot backing a context node, returned by
// GetEvidence.
type ScreenshotEvidence struct {
	ScreenshotID int64
	FilePath     string
	StorageState string
	OCRText      string
	WindowTitle  string
	AppHint      string
	CapturedAt   time.Time
}

// Engine ties query planning, parallel candidate fetch, fusion,
// diversification, neighbor expansion, and optional re-ranking together
// behind a single Search call, plus the thread/evidence lookups the
// request surface needs to render a result.
type Engine struct {
	store    *store.Store
	index    *vectorindex.Index
	embedder aiproviders.EmbeddingProvider
	reranker Reranker
	health   *healthState
	tokens   *tokens
	cfg      config.SearchConfig
}

// New builds a search engine. reranker may be nil, in which case a
// NoopReranker is used regardless of cfg.RerankEnabled.
func New(st *store.Store, idx *vectorindex.Index, embedder aiproviders.EmbeddingProvider, reranker Reranker, cfg config.SearchConfig) *Engine {
	if reranker == nil {
		reranker = NoopReranker{}
	}
	return &Engine{
		store:    st,
		index:    idx,
		embedder: embedder,
		reranker: reranker,
		health:   newHealthState(st, cfg.FTSDegradeAfterFailures),
		tokens:   newTokens(),
		cfg:      cfg,
	}
}

// CheckHealth runs the boot-time FTS integrity check before the engine
// serves its first query. A no-op when the config disables it.
func (e *Engine) CheckHealth(ctx context.Context) error {
	if !e.cfg.FTSHealthCheckOnBoot {
		return nil
	}
	return e.health.CheckOnBoot(ctx)
}

// Search runs one hybrid query end-to-end. token, when non-empty,
// registers this call so a concurrent Cancel(token) can abort it
// cooperatively — cancellation is checked between every phase rather than
// only at the top, so a cancel lands promptly even mid-expansion.
func (e *Engine) Search(ctx context.Context, query, token string) (Result, error) {
	searchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if e.cfg.Timeout > 0 {
		var timeoutCancel context.CancelFunc
		searchCtx, timeoutCancel = context.WithTimeout(searchCtx, e.cfg.Timeout)
		defer timeoutCancel()
	}
	if token != "" {
		e.tokens.register(token, cancel)
		defer e.tokens.release(token)
	}

	degraded := e.health.Degraded(searchCtx)
	plan := BuildQueryPlan(query, e.cfg)
	if degraded {
		plan.FtK = 0
	}
	if err := searchCtx.Err(); err != nil {
		return Result{}, err
	}

	var queryVec []float32
	if plan.VecK > 0 && e.embedder != nil {
		vecs, err := e.embedder.Embed(searchCtx, []string{plan.Query})
		if err == nil && len(vecs) == 1 {
			queryVec = vecs[0]
		}
	}

	ftHits, vecHits, diag, err := fetchCandidates(searchCtx, e.store, e.index, plan, queryVec)
	if err != nil {
		return Result{}, fmt.Errorf("fetch search candidates: %w", err)
	}
	if err := searchCtx.Err(); err != nil {
		return Result{}, err
	}

	ftNodeIDs, err := resolveFTSCandidates(searchCtx, e.store, ftHits)
	if err != nil {
		return Result{}, fmt.Errorf("resolve fts candidates: %w", err)
	}
	vecNodeIDs, err := resolveVectorCandidates(searchCtx, e.store, vecHits)
	if err != nil {
		return Result{}, fmt.Errorf("resolve vector candidates: %w", err)
	}

	fused := fuseRRF(ftNodeIDs, vecNodeIDs, e.cfg.Alpha, e.cfg.RRFK)
	if err := searchCtx.Err(); err != nil {
		return Result{}, err
	}

	nodeIDs := make([]int64, len(fused))
	for i, c := range fused {
		nodeIDs[i] = c.NodeID
	}
	nodes, err := e.store.GetContextNodes(searchCtx, nodeIDs)
	if err != nil {
		return Result{}, fmt.Errorf("load fused nodes: %w", err)
	}
	nodeByID := make(map[int64]store.ContextNode, len(nodes))
	groupOf := make(map[int64]string, len(nodes))
	for _, n := range nodes {
		nodeByID[n.ID] = n
		if n.ThreadID != nil {
			groupOf[n.ID] = *n.ThreadID
		} else {
			groupOf[n.ID] = n.Kind
		}
	}

	topK := e.cfg.TopK
	if topK <= 0 {
		topK = 20
	}
	selected := fused
	if e.cfg.Diversify {
		selected = diversify(fused, groupOf, topK)
	} else if topK < len(fused) {
		selected = fused[:topK]
	}

	if err := searchCtx.Err(); err != nil {
		return Result{}, err
	}

	items := make([]Item, 0, len(selected))
	seeds := make([]store.ContextNode, 0, len(selected))
	for _, c := range selected {
		n, ok := nodeByID[c.NodeID]
		if !ok {
			continue
		}
		seeds = append(seeds, n)
		items = append(items, nodeToItem(n, c.Fused, false, 0, ""))
	}

	expanded, expDiag, err := expandNeighbors(searchCtx, e.store, seeds, e.cfg.NeighborTopN, e.cfg.NeighborMaxPerSeed, e.cfg.NeighborWindow, e.cfg.NeighborBoost)
	if err != nil {
		return Result{}, fmt.Errorf("expand neighbors: %w", err)
	}
	items = mergeExpanded(items, expanded)

	if err := searchCtx.Err(); err != nil {
		return Result{}, err
	}

	var answer string
	reranked := false
	if e.cfg.RerankEnabled {
		rerankedItems, a, rerr := e.reranker.Rerank(searchCtx, plan.Query, items)
		if rerr == nil {
			items = rerankedItems
			answer = a
			reranked = true
		}
	}

	return Result{
		Query:  plan.Query,
		Items:  items,
		Answer: answer,
		Diagnostics: Diagnostics{
			FTCount: diag.FTCount, VecCount: diag.VecCount,
			Expanded: expDiag.Expanded, Degraded: degraded, Reranked: reranked,
		},
	}, nil
}

// Cancel cooperatively aborts an in-flight Search registered under token.
// Returns false if no search is currently running under that token.
func (e *Engine) Cancel(token string) bool {
	return e.tokens.cancel(token)
}

// GetThread returns every unabsorbed node in a thread, newest first.
func (e *Engine) GetThread(ctx context.Context, threadID string, limit int) ([]ExpandedNode, error) {
	if limit <= 0 {
		limit = 200
	}
	nodes, err := e.store.NodesForThread(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ExpandedNode, len(nodes))
	for i, n := range nodes {
		out[i] = ExpandedNode{Node: n}
	}
	return out, nil
}

// GetEvidence loads the screenshots backing a set of context nodes.
func (e *Engine) GetEvidence(ctx context.Context, nodeIDs []int64) ([]ScreenshotEvidence, error) {
	nodes, err := e.store.GetContextNodes(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	var screenshotIDs []int64
	seen := make(map[int64]struct{})
	for _, n := range nodes {
		for _, id := range n.ScreenshotIDs {
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				screenshotIDs = append(screenshotIDs, id)
			}
		}
	}
	shots, err := e.store.ScreenshotsForBatch(ctx, screenshotIDs)
	if err != nil {
		return nil, err
	}
	out := make([]ScreenshotEvidence, len(shots))
	for i, sh := range shots {
		out[i] = ScreenshotEvidence{
			ScreenshotID: sh.ID, FilePath: sh.FilePath, StorageState: sh.StorageState,
			OCRText: sh.OCRText, WindowTitle: sh.WindowTitle, AppHint: sh.AppHint, CapturedAt: sh.CapturedAt,
		}
	}
	return out, nil
}

func nodeToItem(n store.ContextNode, score float64, expanded bool, expandedFrom int64, via string) Item {
	return Item{
		NodeID: n.ID, ThreadID: n.ThreadID, Kind: n.Kind, Title: n.Title, Summary: n.Summary,
		Score: score, Expanded: expanded, ExpandedFrom: expandedFrom, ExpandedVia: via,
	}
}

func mergeExpanded(items []Item, expanded []Item) []Item {
	seen := make(map[int64]struct{}, len(items))
	for _, it := range items {
		seen[it.NodeID] = struct{}{}
	}
	for _, it := range expanded {
		if _, ok := seen[it.NodeID]; !ok {
			seen[it.NodeID] = struct{}{}
			items = append(items, it)
		}
	}
	return items
}
