package search

import (
	"context"
	"time"

	"screenloom/internal/store"
)

// expansionDiagnostics reports how many neighbors a search's expansion
// phase actually pulled in, for the monitoring surface.
type expansionDiagnostics struct {
	Expanded int
}

// expandNeighbors pulls in same-thread and adjacent-event-window
// neighbors of the topN fused seeds. Each axis is capped independently by
// maxPerSeed so one seed with a long thread or a busy window can't crowd
// out every other seed's neighbors; a node already present (seed or
// earlier neighbor) is never added twice.
func expandNeighbors(ctx context.Context, st *store.Store, seeds []store.ContextNode, topN, maxPerSeed int, window time.Duration, boost float64) ([]Item, expansionDiagnostics, error) {
	var diag expansionDiagnostics
	if topN <= 0 || maxPerSeed <= 0 || len(seeds) == 0 {
		return nil, diag, nil
	}
	if topN > len(seeds) {
		topN = len(seeds)
	}

	seen := make(map[int64]struct{}, len(seeds))
	for _, s := range seeds {
		seen[s.ID] = struct{}{}
	}

	var out []Item
	for i := 0; i < topN; i++ {
		seed := seeds[i]

		if seed.ThreadID != nil {
			neighbors, err := st.NodesForThread(ctx, *seed.ThreadID, maxPerSeed+1)
			if err != nil {
				return nil, diag, err
			}
			out = appendNeighbors(out, seen, neighbors, seed, "thread", boost, maxPerSeed, &diag)
		}

		if err := ctx.Err(); err != nil {
			return nil, diag, err
		}

		if window > 0 {
			neighbors, err := st.NodesInWindow(ctx, seed.EventTime.Add(-window), seed.EventTime.Add(window))
			if err != nil {
				return nil, diag, err
			}
			out = appendNeighbors(out, seen, neighbors, seed, "window", boost, maxPerSeed, &diag)
		}

		if err := ctx.Err(); err != nil {
			return nil, diag, err
		}
	}
	return out, diag, nil
}

func appendNeighbors(out []Item, seen map[int64]struct{}, candidates []store.ContextNode, seed store.ContextNode, via string, boost float64, maxPerSeed int, diag *expansionDiagnostics) []Item {
	added := 0
	for _, n := range candidates {
		if added >= maxPerSeed {
			break
		}
		if _, ok := seen[n.ID]; ok {
			continue
		}
		seen[n.ID] = struct{}{}
		out = append(out, nodeToItem(n, boost, true, seed.ID, via))
		added++
		diag.Expanded++
	}
	return out
}
