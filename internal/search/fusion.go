package search

import "sort"

// fusedCandidate is one context node after reciprocal-rank fusion across
// the FTS and vector candidate lists.
type fusedCandidate struct {
	NodeID  int64
	FtRank  int // 1-based rank in the FTS list, 0 if absent
	VecRank int // 1-based rank in the vector list, 0 if absent
	Fused   float64
}

const absentRank = 1 << 30

// fuseRRF combines two rank-ordered id lists into one fused ranking using
// reciprocal rank fusion: 1/(rrfK+rank) per source, weighted by alpha
// toward FTS and 1-alpha toward vector. Ties break by rank-sum ascending,
// then by id ascending, so fusion is deterministic for tests.
func fuseRRF(ftIDs, vecIDs []int64, alpha float64, rrfK int) []fusedCandidate {
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	if rrfK <= 0 {
		rrfK = 60
	}
	wVec := 1 - alpha

	ftPos := make(map[int64]int, len(ftIDs))
	for i, id := range ftIDs {
		ftPos[id] = i + 1
	}
	vecPos := make(map[int64]int, len(vecIDs))
	for i, id := range vecIDs {
		vecPos[id] = i + 1
	}

	var ids []int64
	seen := make(map[int64]struct{}, len(ftIDs)+len(vecIDs))
	add := func(id int64) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, id := range ftIDs {
		add(id)
	}
	for _, id := range vecIDs {
		add(id)
	}

	out := make([]fusedCandidate, 0, len(ids))
	for _, id := range ids {
		fr := ftPos[id]
		vr := vecPos[id]
		var ftContrib, vecContrib float64
		if fr > 0 {
			ftContrib = 1.0 / float64(rrfK+fr)
		}
		if vr > 0 {
			vecContrib = 1.0 / float64(rrfK+vr)
		}
		out = append(out, fusedCandidate{
			NodeID:  id,
			FtRank:  fr,
			VecRank: vr,
			Fused:   alpha*ftContrib + wVec*vecContrib,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Fused != out[j].Fused {
			return out[i].Fused > out[j].Fused
		}
		si, sj := rankSum(out[i]), rankSum(out[j])
		if si != sj {
			return si < sj
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

func rankSum(c fusedCandidate) int {
	fr, vr := c.FtRank, c.VecRank
	if fr == 0 {
		fr = absentRank
	}
	if vr == 0 {
		vr = absentRank
	}
	return fr + vr
}

// diversify greedily selects up to k fused candidates, penalizing repeated
// picks from the same group (thread, or kind for threadless nodes) so one
// dominant thread doesn't crowd out every other result. Each round divides
// a candidate's fused score by 1+lambda*groupCount before comparing, then
// commits the best-adjusted remaining candidate.
func diversify(fused []fusedCandidate, groupOf map[int64]string, k int) []fusedCandidate {
	if k <= 0 || k >= len(fused) {
		return fused
	}
	const lambda = 0.5
	groupCount := make(map[string]int)
	used := make([]bool, len(fused))
	selected := make([]fusedCandidate, 0, k)

	for len(selected) < k {
		best := -1
		var bestAdj float64 = -1
		for i, c := range fused {
			if used[i] {
				continue
			}
			denom := 1.0 + lambda*float64(groupCount[groupOf[c.NodeID]])
			adj := c.Fused / denom
			if best == -1 || adj > bestAdj || (adj == bestAdj && c.NodeID < fused[best].NodeID) {
				best = i
				bestAdj = adj
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		selected = append(selected, fused[best])
		groupCount[groupOf[fused[best].NodeID]]++
	}
	return selected
}
