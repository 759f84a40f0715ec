package search

import (
	"context"
	"time"

	"screenloom/internal/store"
	"screenloom/internal/vectorindex"
)

// sourceDiagnostics carries per-source retrieval timings and counts, the
// basis for the monitoring surface's per-phase latency breakdown.
type sourceDiagnostics struct {
	FTLatency, VecLatency time.Duration
	FTCount, VecCount     int
}

// fetchCandidates queries the FTS and vector sources concurrently per
// plan's budget split. Either side is skipped entirely when its budget is
// zero (plan.FtK == 0 happens when the engine has degraded to vector-only;
// plan.VecK == 0 never happens by construction, but a nil index/embedder
// is handled the same way).
func fetchCandidates(ctx context.Context, st *store.Store, idx *vectorindex.Index, plan QueryPlan, queryVec []float32) ([]store.FTSHit, []vectorindex.Result, sourceDiagnostics, error) {
	type ftOut struct {
		res []store.FTSHit
		dur time.Duration
		err error
	}
	type vecOut struct {
		res []vectorindex.Result
		dur time.Duration
		err error
	}
	ftCh := make(chan ftOut, 1)
	vecCh := make(chan vecOut, 1)

	if plan.FtK > 0 {
		go func() {
			t0 := time.Now()
			res, err := st.SearchScreenshotsFTS(ctx, plan.Query, plan.FtK)
			ftCh <- ftOut{res: res, dur: time.Since(t0), err: err}
		}()
	} else {
		ftCh <- ftOut{}
	}

	if plan.VecK > 0 && idx != nil && len(queryVec) > 0 {
		go func() {
			t0 := time.Now()
			res, err := idx.Search(ctx, queryVec, plan.VecK, nil)
			vecCh <- vecOut{res: res, dur: time.Since(t0), err: err}
		}()
	} else {
		vecCh <- vecOut{}
	}

	fto := <-ftCh
	vco := <-vecCh
	if fto.err != nil {
		return nil, nil, sourceDiagnostics{}, fto.err
	}
	if vco.err != nil {
		return nil, nil, sourceDiagnostics{}, vco.err
	}
	diag := sourceDiagnostics{FTLatency: fto.dur, VecLatency: vco.dur, FTCount: len(fto.res), VecCount: len(vco.res)}
	return fto.res, vco.res, diag, nil
}

// resolveFTSCandidates maps screenshot-level FTS hits to the context
// nodes that cover each hit screenshot, preserving FTS rank order and
// deduping a node that more than one hit screenshot belongs to. A
// screenshot is covered by a node when the node's batch is the
// screenshot's enqueued batch and the node's screenshot_ids names it —
// there's no direct screenshot-to-node foreign key, so this goes through
// the batch.
func resolveFTSCandidates(ctx context.Context, st *store.Store, hits []store.FTSHit) ([]int64, error) {
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ScreenshotID
	}
	shots, err := st.ScreenshotsForBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	batchOf := make(map[int64]int64, len(shots))
	for _, sh := range shots {
		if sh.EnqueuedBatchID != nil {
			batchOf[sh.ID] = *sh.EnqueuedBatchID
		}
	}

	nodesByBatch := make(map[int64][]store.ContextNode)
	var out []int64
	seen := make(map[int64]struct{}, len(hits))
	for _, h := range hits {
		batchID, ok := batchOf[h.ScreenshotID]
		if !ok {
			continue
		}
		nodes, cached := nodesByBatch[batchID]
		if !cached {
			nodes, err = st.NodesForBatch(ctx, batchID)
			if err != nil {
				return nil, err
			}
			nodesByBatch[batchID] = nodes
		}
		for _, n := range nodes {
			if !containsInt64(n.ScreenshotIDs, h.ScreenshotID) {
				continue
			}
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
			out = append(out, n.ID)
		}
	}
	return out, nil
}

// resolveVectorCandidates maps ANN hits to the context node each
// vector_documents row projects. A hit's ID is a vector_documents primary
// key, not a context node id directly — RefID is the extra hop.
func resolveVectorCandidates(ctx context.Context, st *store.Store, hits []vectorindex.Result) ([]int64, error) {
	var out []int64
	seen := make(map[int64]struct{}, len(hits))
	for _, hit := range hits {
		doc, err := st.GetVectorDocument(ctx, hit.ID)
		if err != nil {
			continue // a stale or deleted vector point; skip it rather than failing the whole search
		}
		if _, dup := seen[doc.RefID]; dup {
			continue
		}
		seen[doc.RefID] = struct{}{}
		out = append(out, doc.RefID)
	}
	return out, nil
}

func containsInt64(xs []int64, v int64) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
