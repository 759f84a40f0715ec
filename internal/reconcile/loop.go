// Package reconcile is C8, the heart of the pipeline: a single
// self-scheduling loop that drives every claimable table from pending to a
// terminal state using nothing but database state and in-memory scheduling
// hints, grounded on the same start/stop/run idiom the capture scheduler
// and backpressure controller use.
package reconcile

import (
	"context"
	"math"
	"sync"
	"time"

	"screenloom/internal/airuntime"
	"screenloom/internal/batching"
	"screenloom/internal/bus"
	"screenloom/internal/config"
	"screenloom/internal/stages/activity"
	"screenloom/internal/stages/embed"
	"screenloom/internal/stages/ocr"
	"screenloom/internal/stages/text"
	"screenloom/internal/stages/vlm"
	"screenloom/internal/store"
)

// Stages bundles the per-table workers a tick dispatches to. Each is
// optional (nil-safe) so the loop still runs, e.g., with OCR disabled.
type Stages struct {
	VLM      *vlm.Stage
	Merge    *text.MergeStage
	Threads  *text.ThreadStage
	Embed    *embed.Stage
	OCR      *ocr.Stage
	Activity *activity.Stage
	Batcher  *batching.Builder
}

// Loop drives the five-phase reconcile tick.
type Loop struct {
	store   *store.Store
	bus     *bus.Bus
	runtime *airuntime.Runtime
	stages  Stages
	cfg     config.ReconcileConfig

	mu          sync.Mutex
	running     bool
	wakeRequested bool
	inTick      bool
	stopCh      chan struct{}
	doneCh      chan struct{}
	wakeCh      chan struct{}
}

// New builds a reconcile loop.
func New(st *store.Store, b *bus.Bus, rt *airuntime.Runtime, stages Stages, cfg config.ReconcileConfig) *Loop {
	return &Loop{store: st, bus: b, runtime: rt, stages: stages, cfg: cfg}
}

// Start launches the loop's background goroutine; calling it twice is a
// no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.wakeCh = make(chan struct{}, 1)
	go l.run(ctx)
}

// Stop halts the loop and waits for the in-flight tick, if any, to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopCh)
	done := l.doneCh
	l.mu.Unlock()
	<-done
}

// Wake requests an immediate re-run, debounced: if a tick is already in
// flight, the request is coalesced into a single re-run once it finishes.
func (l *Loop) Wake() {
	l.mu.Lock()
	ch := l.wakeCh
	inTick := l.inTick
	l.mu.Unlock()
	if ch == nil {
		return
	}
	if inTick {
		l.mu.Lock()
		l.wakeRequested = true
		l.mu.Unlock()
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.doneCh)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-l.wakeCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		next := l.tick(ctx)
		if next < 0 {
			next = 0
		}
		timer.Reset(next)
	}
}

// tick runs the five phases in order and returns how long to sleep before
// the next run.
func (l *Loop) tick(ctx context.Context) time.Duration {
	l.mu.Lock()
	l.inTick = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.inTick = false
		rerun := l.wakeRequested
		l.wakeRequested = false
		l.mu.Unlock()
		if rerun {
			l.Wake()
		}
	}()

	l.recoverStale(ctx)
	l.dispatch(ctx)
	l.orphanSweep(ctx)
	return l.computeNextWake(ctx)
}

func (l *Loop) recoverStale(ctx context.Context) {
	threshold := l.cfg.StaleRunningThreshold
	recoverers := []func(context.Context, time.Duration) (int64, error){
		l.store.RecoverStaleBatches,
		l.store.RecoverStaleVLM,
		l.store.RecoverStaleMerges,
		l.store.RecoverStaleEmbeddings,
		l.store.RecoverStaleIndexing,
		l.store.RecoverStaleSummaries,
		l.store.RecoverStaleEventDetails,
		l.store.RecoverStaleOCR,
	}
	for _, r := range recoverers {
		_, _ = r(ctx, threshold)
	}
}

func (l *Loop) scanLimit() int {
	pools := l.batchPoolSize() + l.mergePoolSize() + l.embedPoolSize() + l.indexPoolSize() + l.summaryPoolSize() + l.ocrPoolSize()
	limit := pools * 4
	if limit < l.cfg.ScanLimitMin {
		limit = l.cfg.ScanLimitMin
	}
	if limit > l.cfg.ScanLimitMax {
		limit = l.cfg.ScanLimitMax
	}
	return limit
}

// batchPoolSize sizes the batch-work pool at ceil(vlm_limit/2), clamped to
// the configured [min,max] range.
func (l *Loop) batchPoolSize() int {
	size := clamp(int(math.Ceil(float64(l.capLimit(airuntime.CapVLM))/2)), l.cfg.BatchPoolMin, l.cfg.BatchPoolMax)
	return size
}

func (l *Loop) mergePoolSize() int  { return clamp(l.capLimit(airuntime.CapText), 1, 8) }
func (l *Loop) embedPoolSize() int  { return clamp(l.capLimit(airuntime.CapEmbedding), 1, 8) }
func (l *Loop) indexPoolSize() int  { return 1 } // single-writer invariant

// summaryPoolSize is deliberately small (capped at 4): window-summary
// generation is low-volume (one row per idle_scan_interval-scale window,
// not per node or per batch), so it shares the text capability's limit
// only loosely rather than competing for the same pool slots as merge.
func (l *Loop) summaryPoolSize() int { return clamp(l.capLimit(airuntime.CapText), 1, 4) }

// ocrPoolSize is a fixed single worker, not derived from any airuntime
// capability limit: OCR has no capability permit in this design (see
// stages/ocr's own doc comment), so it can't read a live limit the way
// the other non-batch pools do.
func (l *Loop) ocrPoolSize() int { return 1 }

func (l *Loop) capLimit(cap airuntime.Capability) int {
	if l.runtime == nil {
		return 2
	}
	return l.runtime.GetLimit(cap)
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// dispatch runs the batch-work pool and the five non-batch pools (merge,
// embedding, index, summary, OCR) concurrently, each isolating individual worker failures from the others.
func (l *Loop) dispatch(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); l.dispatchBatches(ctx) }()
	go func() { defer wg.Done(); l.dispatchNonBatch(ctx) }()
	wg.Wait()
}

func (l *Loop) dispatchBatches(ctx context.Context) {
	if l.stages.VLM == nil {
		return
	}
	candidates, err := l.store.ScanPendingBatches(ctx, l.cfg.MaxAttempts, l.scanLimit())
	if err != nil {
		return
	}
	runPool(ctx, candidates, l.batchPoolSize(), func(c store.ClaimCandidate) {
		ok, err := l.store.ClaimBatch(ctx, c.ID, c.Attempts)
		if err != nil || !ok {
			return
		}
		_ = l.stages.VLM.Process(ctx, c.ID)
		if l.stages.Threads != nil {
			_ = l.stages.Threads.AssignBatch(ctx, c.ID)
		}
	})
}

func (l *Loop) dispatchNonBatch(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(5)
	go func() { defer wg.Done(); l.dispatchMerges(ctx) }()
	go func() { defer wg.Done(); l.dispatchEmbeddings(ctx) }()
	go func() { defer wg.Done(); l.dispatchIndexing(ctx) }()
	go func() { defer wg.Done(); l.dispatchSummaries(ctx) }()
	go func() { defer wg.Done(); l.dispatchOCR(ctx) }()
	wg.Wait()
}

func (l *Loop) dispatchOCR(ctx context.Context) {
	if l.stages.OCR == nil {
		return
	}
	candidates, err := l.store.ScanOCRPending(ctx, l.cfg.MaxAttempts, l.scanLimit())
	if err != nil {
		return
	}
	runPool(ctx, candidates, l.ocrPoolSize(), func(c store.ClaimCandidate) {
		ok, err := l.store.ClaimOCR(ctx, c.ID, c.Attempts)
		if err != nil || !ok {
			return
		}
		_ = l.stages.OCR.Process(ctx, c.ID)
	})
}

func (l *Loop) dispatchSummaries(ctx context.Context) {
	if l.stages.Activity == nil {
		return
	}
	candidates, err := l.store.ScanPendingSummaries(ctx, l.cfg.MaxAttempts, l.scanLimit())
	if err != nil {
		return
	}
	runPool(ctx, candidates, l.summaryPoolSize(), func(c store.ClaimCandidate) {
		ok, err := l.store.ClaimSummary(ctx, c.ID, c.Attempts)
		if err != nil || !ok {
			return
		}
		_ = l.stages.Activity.ProcessWindow(ctx, c.ID)
	})
}

func (l *Loop) dispatchMerges(ctx context.Context) {
	if l.stages.Merge == nil {
		return
	}
	candidates, err := l.store.ScanPendingMerges(ctx, l.cfg.MaxAttempts, l.scanLimit())
	if err != nil {
		return
	}
	runPool(ctx, candidates, l.mergePoolSize(), func(c store.ClaimCandidate) {
		ok, err := l.store.ClaimMerge(ctx, c.ID, c.Attempts)
		if err != nil || !ok {
			return
		}
		_ = l.stages.Merge.Process(ctx, c.ID)
	})
}

func (l *Loop) dispatchEmbeddings(ctx context.Context) {
	if l.stages.Embed == nil {
		return
	}
	candidates, err := l.store.ScanPendingEmbeddings(ctx, l.cfg.MaxAttempts, l.scanLimit())
	if err != nil {
		return
	}
	runPool(ctx, candidates, l.embedPoolSize(), func(c store.ClaimCandidate) {
		ok, err := l.store.ClaimEmbedding(ctx, c.ID, c.Attempts)
		if err != nil || !ok {
			return
		}
		_ = l.stages.Embed.ProcessEmbedding(ctx, c.ID)
	})
}

func (l *Loop) dispatchIndexing(ctx context.Context) {
	if l.stages.Embed == nil {
		return
	}
	candidates, err := l.store.ScanPendingIndexing(ctx, l.cfg.MaxAttempts, l.scanLimit())
	if err != nil {
		return
	}
	// Single-writer invariant: the ANN index adapter is driven with pool
	// size 1 regardless of scan concurrency elsewhere.
	runPool(ctx, candidates, l.indexPoolSize(), func(c store.ClaimCandidate) {
		ok, err := l.store.ClaimIndexing(ctx, c.ID, c.Attempts)
		if err != nil || !ok {
			return
		}
		_ = l.stages.Embed.ProcessIndexing(ctx, c.ID)
	})
}

func (l *Loop) orphanSweep(ctx context.Context) {
	if l.stages.Batcher == nil {
		return
	}
	cutoff := time.Now().Add(-(l.cfg.BatchTimeout + 5*time.Second))
	sources, err := l.store.DistinctSourceKeys(ctx)
	if err != nil {
		return
	}
	for _, src := range sources {
		orphans, err := l.store.OrphanScreenshots(ctx, src, cutoff)
		if err != nil || len(orphans) == 0 {
			continue
		}
		_, _ = l.stages.Batcher.FormBatches(ctx, src, orphans)
	}
}

func (l *Loop) computeNextWake(ctx context.Context) time.Duration {
	tables := []struct {
		table, status, nextRun string
	}{
		{"batches", "status", "next_run_at"},
		{"screenshots", "vlm_status", "vlm_next_run_at"},
		{"context_nodes", "merge_status", "merge_next_run_at"},
		{"vector_documents", "embedding_status", "embedding_next_run_at"},
		{"vector_documents", "index_status", "index_next_run_at"},
		{"activity_summaries", "status", "next_run_at"},
		{"activity_events", "details_status", "details_next_run_at"},
		{"screenshots", "ocr_status", "ocr_next_run_at"},
	}

	earliest := time.Now().Add(l.cfg.IdleScanInterval)
	for _, t := range tables {
		eligible, err := l.store.HasImmediatelyEligible(ctx, t.table, t.status, t.nextRun)
		if err == nil && eligible {
			return 0
		}
		when, err := l.store.EarliestNextRun(ctx, t.table, t.status, t.nextRun)
		if err != nil || when == nil {
			continue
		}
		if when.Before(earliest) {
			earliest = *when
		}
	}

	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	if wait > l.cfg.IdleScanInterval {
		wait = l.cfg.IdleScanInterval
	}
	return wait
}

// runPool fans candidates out across n concurrent workers, isolating each
// worker's panic/error from the others — one poisoned row never blocks the
// rest of the pool.
func runPool(ctx context.Context, candidates []store.ClaimCandidate, n int, work func(store.ClaimCandidate)) {
	if n < 1 {
		n = 1
	}
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for _, c := range candidates {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(c store.ClaimCandidate) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() { _ = recover() }()
			work(c)
		}(c)
	}
	wg.Wait()
}
