// Package airuntime is C2: per-capability concurrency permits with AIMD
// adjustment and a circuit breaker, gating every call into the VLM, text,
// and embedding providers.
package airuntime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"screenloom/internal/bus"
)

// Capability names the three independent lanes the runtime governs.
type Capability string

const (
	CapVLM       Capability = "vlm"
	CapText      Capability = "text"
	CapEmbedding Capability = "embedding"
)

// Release ends the scoped permit acquired by Acquire. Calling it more than
// once is a no-op — idempotent per acquire, per the invariant.
type Release func()

// Runtime owns one lane per capability. Permit state only ever changes
// through Acquire/RecordSuccess/RecordFailure; nothing else touches the
// semaphores directly, so "in-flight ≤ limit" holds by construction.
type Runtime struct {
	bus *bus.Bus

	mu    sync.Mutex
	lanes map[Capability]*lane

	semWaitAlertAfter time.Duration
}

// lane's semaphore is sized permanently at max. The AIMD-adjustable
// "limit" below max is enforced by holding back (max-limit) permits in
// reserve: growing the limit releases a reserved permit back into the
// pool, shrinking it acquires one more into reserve. This lets the limit
// move up and down without ever resizing or replacing the semaphore
// itself, so in-flight Acquire/Release pairs always target the same
// object.
type lane struct {
	sem      *semaphore.Weighted
	limit    int64
	max      int64
	inFlight int64

	successStreak int
	streakNeeded  int

	failures      []time.Time
	failWindow    time.Duration
	failThreshold int

	breaker breakerState
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// Config is the set of tunables RuntimeConfig in internal/config supplies.
type Config struct {
	InitialLimit             map[string]int
	MaxLimit                 map[string]int
	SuccessStreakForIncrease int
	FailureWindow            time.Duration
	FailureThresholdToTrip   int
	SemaphoreWaitAlertAfter  time.Duration
}

// New builds a Runtime with one lane per capability, seeded from cfg. Each
// lane's semaphore is created at its max weight with (max-initial) permits
// immediately reserved, so the live ceiling starts at initial.
func New(cfg Config, b *bus.Bus) *Runtime {
	rt := &Runtime{bus: b, lanes: make(map[Capability]*lane), semWaitAlertAfter: cfg.SemaphoreWaitAlertAfter}
	for _, cap := range []Capability{CapVLM, CapText, CapEmbedding} {
		initial := int64(cfg.InitialLimit[string(cap)])
		if initial < 1 {
			initial = 1
		}
		maxLimit := int64(cfg.MaxLimit[string(cap)])
		if maxLimit < initial {
			maxLimit = initial
		}
		sem := semaphore.NewWeighted(maxLimit)
		if reserve := maxLimit - initial; reserve > 0 {
			if !sem.TryAcquire(reserve) {
				panic("airuntime: impossible reservation on fresh semaphore")
			}
		}
		rt.lanes[cap] = &lane{
			sem:           sem,
			limit:         initial,
			max:           maxLimit,
			streakNeeded:  cfg.SuccessStreakForIncrease,
			failWindow:    cfg.FailureWindow,
			failThreshold: cfg.FailureThresholdToTrip,
		}
	}
	return rt
}

// Acquire blocks FIFO (via the weighted semaphore's own queue) until a
// permit is free, or returns ctx.Err() if ctx is cancelled first. A breaker
// that is open denies every acquire. Once AllowProbe has moved it to
// half-open, Acquire admits callers up to the live limit until RecordSuccess
// closes the breaker or RecordFailure reopens it; admission in the half-open
// state is not restricted to a single call.
func (r *Runtime) Acquire(ctx context.Context, cap Capability) (Release, error) {
	l := r.laneFor(cap)

	r.mu.Lock()
	if l.breaker == breakerOpen {
		r.mu.Unlock()
		return nil, ErrBreakerOpen{Capability: cap}
	}
	r.mu.Unlock()

	waitStart := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s permit: %w", cap, err)
	}
	if wait := time.Since(waitStart); r.semWaitAlertAfter > 0 && wait > r.semWaitAlertAfter {
		r.bus.Publish(bus.TopicAIRequest, SemaphoreWaitAlert{Capability: cap, Waited: wait})
	}

	r.mu.Lock()
	l.inFlight++
	r.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			l.inFlight--
			r.mu.Unlock()
			l.sem.Release(1)
		})
	}
	return release, nil
}

// RecordSuccess applies AIMD additive increase: after streakNeeded
// consecutive successes the limit grows by 1 (capped at max), releasing
// one reserved permit into circulation. A success while half-open closes
// the breaker.
func (r *Runtime) RecordSuccess(cap Capability) {
	l := r.laneFor(cap)

	r.mu.Lock()
	defer r.mu.Unlock()

	if l.breaker == breakerHalfOpen {
		l.breaker = breakerClosed
		l.failures = nil
	}

	l.successStreak++
	if l.streakNeeded > 0 && l.successStreak >= l.streakNeeded && l.limit < l.max {
		l.limit++
		l.sem.Release(1)
		l.successStreak = 0
	}
}

// RecordFailure applies multiplicative decrease (limit halves, floor 1)
// and, when tripBreaker is set and failures in the rolling window reach
// the threshold, opens the breaker — which for the VLM capability also
// publishes CapturePauseRequested. Shrinking the limit reserves the freed
// permits by acquiring them back; if they're all currently in flight this
// happens asynchronously as soon as one is released, so the new ceiling
// takes effect on the next completions rather than instantly.
func (r *Runtime) RecordFailure(cap Capability, err error, tripBreaker bool) {
	l := r.laneFor(cap)

	r.mu.Lock()
	l.successStreak = 0
	newLimit := maxInt64(1, l.limit/2)
	toReserve := l.limit - newLimit
	l.limit = newLimit

	if l.breaker == breakerHalfOpen {
		l.breaker = breakerOpen
	}

	now := time.Now()
	if tripBreaker {
		l.failures = append(l.failures, now)
		l.failures = pruneOld(l.failures, now, l.failWindow)
		if len(l.failures) >= l.failThreshold && l.breaker == breakerClosed {
			l.breaker = breakerOpen
		}
	}
	wasVLMOpen := cap == CapVLM && l.breaker == breakerOpen
	r.mu.Unlock()

	if toReserve > 0 {
		r.reserveAsync(l, toReserve)
	}

	r.bus.Publish(bus.TopicAIError, AIErrorEvent{Capability: cap, Err: err})
	if wasVLMOpen {
		r.bus.Publish(bus.TopicActivityAlert, CapturePauseRequested{})
	}
}

// reserveAsync withdraws n permits from circulation, blocking in the
// background until each is free. Bounding the ceiling is best-effort under
// load: it takes effect as in-flight calls complete rather than evicting
// work already admitted.
func (r *Runtime) reserveAsync(l *lane, n int64) {
	go func() {
		if l.sem.Acquire(context.Background(), n) != nil {
			return
		}
	}()
}

// AllowProbe reports whether a breaker in the open state is eligible to
// transition to half-open, and makes that transition when it is. It does
// not limit how many calls the half-open state then admits (see Acquire).
// Nothing in the daemon calls it, so a breaker that opens stays open.
func (r *Runtime) AllowProbe(cap Capability, probeInterval time.Duration, lastTrip time.Time) bool {
	l := r.laneFor(cap)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.breaker != breakerOpen {
		return false
	}
	if time.Since(lastTrip) < probeInterval {
		return false
	}
	l.breaker = breakerHalfOpen
	return true
}

// GetLimit returns a capability's current permit ceiling.
func (r *Runtime) GetLimit(cap Capability) int {
	l := r.laneFor(cap)
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(l.limit)
}

// InFlight returns a capability's current in-flight count, for diagnostics.
func (r *Runtime) InFlight(cap Capability) int {
	l := r.laneFor(cap)
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(l.inFlight)
}

func (r *Runtime) laneFor(cap Capability) *lane {
	r.mu.Lock()
	l, ok := r.lanes[cap]
	r.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("airuntime: unknown capability %q", cap))
	}
	return l
}

func pruneOld(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ErrBreakerOpen is returned by Acquire when a capability's breaker is open.
type ErrBreakerOpen struct {
	Capability Capability
}

func (e ErrBreakerOpen) Error() string {
	return fmt.Sprintf("airuntime: %s breaker open", e.Capability)
}

// SemaphoreWaitAlert is published when an Acquire waits longer than the
// configured alert threshold.
type SemaphoreWaitAlert struct {
	Capability Capability
	Waited     time.Duration
}

// AIErrorEvent is published on every RecordFailure.
type AIErrorEvent struct {
	Capability Capability
	Err        error
}

// CapturePauseRequested is published on TopicActivityAlert when the VLM
// breaker opens. No component in this module subscribes to it, so capture
// keeps accepting frames while the breaker is open.
type CapturePauseRequested struct{}
