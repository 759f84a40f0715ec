package search

import (
	"context"
	"sync/atomic"

	"screenloom/internal/store"
)

// healthState tracks fts5 integrity across the engine's lifetime: a
// failed check triggers one rebuild attempt, and enough consecutive
// failures flips the persisted degrade flag so every later search skips
// the keyword phase until an operator resets it.
type healthState struct {
	store            *store.Store
	degradeAfter     int
	consecutiveFails int32
}

func newHealthState(st *store.Store, degradeAfter int) *healthState {
	if degradeAfter <= 0 {
		degradeAfter = 3
	}
	return &healthState{store: st, degradeAfter: degradeAfter}
}

// CheckOnBoot runs fts5's built-in integrity check once at startup.
// Success resets the failure streak (but does not clear an existing
// degrade flag — that needs an operator's explicit reset); failure
// triggers a rebuild, a second integrity check, and degrades to
// vector-only mode once the failure streak reaches degradeAfter.
func (h *healthState) CheckOnBoot(ctx context.Context) error {
	if err := h.store.CheckFTSIntegrity(ctx); err == nil {
		atomic.StoreInt32(&h.consecutiveFails, 0)
		return nil
	}
	if err := h.store.RebuildFTS(ctx); err != nil {
		return h.recordFailure(ctx)
	}
	if err := h.store.CheckFTSIntegrity(ctx); err != nil {
		return h.recordFailure(ctx)
	}
	atomic.StoreInt32(&h.consecutiveFails, 0)
	return nil
}

func (h *healthState) recordFailure(ctx context.Context) error {
	n := atomic.AddInt32(&h.consecutiveFails, 1)
	if int(n) >= h.degradeAfter {
		return h.store.SetFTSDegraded(ctx, true)
	}
	return nil
}

// Degraded reports the persisted degrade flag, consulted before every
// search to decide whether to skip the FTS phase entirely.
func (h *healthState) Degraded(ctx context.Context) bool {
	degraded, err := h.store.FTSDegraded(ctx)
	if err != nil {
		return false
	}
	return degraded
}
