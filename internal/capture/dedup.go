package capture

import "sync"

// defaultDedupWindow bounds how many recent hashes each source remembers;
// older hashes age out so a scene that changes and later returns to a prior
// look is accepted again rather than compared against ancient history.
const defaultDedupWindow = 32

// dedupState tracks the recent perceptual hashes for every source_key so a
// candidate frame can be compared against the scene's own recent history,
// not the whole pipeline's.
type dedupState struct {
	mu      sync.Mutex
	windows map[string][]uint64
	cap     int
}

func newDedupState() *dedupState {
	return &dedupState{windows: make(map[string][]uint64), cap: defaultDedupWindow}
}

// Consider reports whether a candidate hash is accepted for sourceKey: its
// Hamming distance to every hash currently in that source's window must
// exceed threshold. Accepted hashes are recorded into the window;
// rejected candidates are not (a rejected near-duplicate must not reset the
// window's notion of "recent").
func (d *dedupState) Consider(sourceKey string, hash uint64, threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, prior := range d.windows[sourceKey] {
		if HammingDistance(hash, prior) <= threshold {
			return false
		}
	}
	w := append(d.windows[sourceKey], hash)
	if len(w) > d.cap {
		w = w[len(w)-d.cap:]
	}
	d.windows[sourceKey] = w
	return true
}
