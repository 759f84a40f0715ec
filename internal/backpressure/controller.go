// Package backpressure is C15: it polls the store's backlog depth, maps it
// onto a discrete pressure ladder with hysteresis, and retunes capture's
// interval multiplier and phash threshold on every level change.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"screenloom/internal/bus"
	"screenloom/internal/capture"
	"screenloom/internal/store"
)

// Level is a discrete pressure rung. An upward move jumps straight to the
// rung the backlog selects; a downward move steps one rung per poll, so a
// single dip cannot drop straight from critical to healthy.
type Level string

const (
	LevelHealthy  Level = "healthy"
	LevelWarning  Level = "warning"
	LevelHot      Level = "hot"
	LevelCritical Level = "critical"
)

// Settings bundles the capture knobs that a given ladder level dictates.
type Settings struct {
	IntervalMultiplier float64
	PhashThreshold     int
}

// LevelChanged is published on TopicActivityAlert when the ladder moves. The monitoring surface and capture both react to it.
type LevelChanged struct {
	From, To Level
	Backlog  int
}

// Thresholds configures the ladder's backlog boundaries and the hysteresis
// floor a downward transition requires before it is allowed to fire, so the
// controller doesn't flap at the boundary.
type Thresholds struct {
	Warning         int
	Hot             int
	Critical        int
	HysteresisFloor int
	PollInterval    time.Duration
}

var levelSettings = map[Level]Settings{
	LevelHealthy:  {IntervalMultiplier: 1, PhashThreshold: 6},
	LevelWarning:  {IntervalMultiplier: 1.5, PhashThreshold: 8},
	LevelHot:      {IntervalMultiplier: 2.5, PhashThreshold: 12},
	LevelCritical: {IntervalMultiplier: 4, PhashThreshold: 18},
}

// Controller owns the current ladder level and retunes a capture scheduler
// on every change.
type Controller struct {
	store      *store.Store
	bus        *bus.Bus
	scheduler  *capture.Scheduler
	thresholds Thresholds

	mu    sync.Mutex
	level Level

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Controller at the healthy level.
func New(st *store.Store, b *bus.Bus, scheduler *capture.Scheduler, thresholds Thresholds) *Controller {
	return &Controller{
		store:      st,
		bus:        b,
		scheduler:  scheduler,
		thresholds: thresholds,
		level:      LevelHealthy,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Level reports the controller's current rung.
func (c *Controller) Level() Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Start polls the backlog on the configured interval in a background
// goroutine until Stop is called or ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop halts polling.
func (c *Controller) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.doneCh)
	interval := c.thresholds.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Controller) poll(ctx context.Context) {
	depth, err := c.store.BacklogDepth(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("backpressure: backlog poll failed")
		return
	}
	c.apply(depth)
}

// apply computes the next level for a given backlog depth and, on change,
// retunes the scheduler and publishes LevelChanged. Exported indirectly via
// poll but kept separate so tests can drive it without a real store.
func (c *Controller) apply(depth int) {
	c.mu.Lock()
	from := c.level
	to := nextLevel(from, depth, c.thresholds)
	c.level = to
	c.mu.Unlock()

	if to == from {
		return
	}

	settings := levelSettings[to]
	c.scheduler.ApplySettings(capture.Settings{
		IntervalMultiplier: settings.IntervalMultiplier,
		PhashThreshold:     settings.PhashThreshold,
	})
	c.bus.Publish(bus.TopicActivityAlert, LevelChanged{From: from, To: to, Backlog: depth})
	log.Info().Str("from", string(from)).Str("to", string(to)).Int("backlog", depth).Msg("backpressure level changed")
}

// nextLevel applies the ladder: upward moves use the raw thresholds;
// downward moves go one rung at a time and additionally require the backlog
// to have fallen below the entered rung's threshold minus the hysteresis
// margin (below the margin itself for warning -> healthy), so noise near a
// boundary doesn't cause rapid back-and-forth transitions.
func nextLevel(current Level, depth int, t Thresholds) Level {
	raw := LevelHealthy
	switch {
	case depth >= t.Critical:
		raw = LevelCritical
	case depth >= t.Hot:
		raw = LevelHot
	case depth >= t.Warning:
		raw = LevelWarning
	}
	rank := map[Level]int{LevelHealthy: 0, LevelWarning: 1, LevelHot: 2, LevelCritical: 3}
	if rank[raw] >= rank[current] {
		return raw
	}

	// The raw rung is below the current one: only step down one rung at a
	// time, and only once depth has cleared the hysteresis floor under the
	// rung we're leaving.
	switch current {
	case LevelCritical:
		if depth < t.Hot-t.HysteresisFloor {
			return LevelHot
		}
		return LevelCritical
	case LevelHot:
		if depth < t.Warning-t.HysteresisFloor {
			return LevelWarning
		}
		return LevelHot
	case LevelWarning:
		if depth < t.HysteresisFloor {
			return LevelHealthy
		}
		return LevelWarning
	default:
		return LevelHealthy
	}
}
