package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"screenloom/internal/bus"
	"screenloom/internal/store"
)

// Settings are the live-configurable knobs C15's backpressure controller
// retunes. Both fields are read with an atomic snapshot on every tick, so a
// setting change takes effect on the next iteration without restarting the
// scheduler.
type Settings struct {
	IntervalMultiplier float64
	PhashThreshold     int
}

// Scheduler runs a self-rescheduling capture loop across a set of sources:
// after iteration i completes at wall time t_end having started at t_start,
// the next iteration is scheduled for t_start + interval*multiplier -
// (t_end - t_start), stabilizing the period against the work each
// iteration itself costs.
type Scheduler struct {
	store    *store.Store
	bus      *bus.Bus
	interval time.Duration
	tempDir  string
	sources  []CaptureSource
	dedup    *dedupState

	settings atomic.Pointer[Settings]
	paused   atomic.Bool
	seq      atomic.Int64

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// New builds a Scheduler over the given sources with a base interval.
// tempDir is where accepted frame bytes are written; files live there until
// OCR (or, when OCR is skipped, batch success) deletes them.
func New(st *store.Store, b *bus.Bus, interval time.Duration, tempDir string, sources []CaptureSource) *Scheduler {
	s := &Scheduler{
		store:    st,
		bus:      b,
		interval: interval,
		tempDir:  tempDir,
		sources:  sources,
		dedup:    newDedupState(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	s.settings.Store(&Settings{IntervalMultiplier: 1, PhashThreshold: 6})
	return s
}

// ApplySettings installs new live-configurable knobs, read by the next
// scheduled iteration. Called by the backpressure controller (C15) on a
// level change.
func (s *Scheduler) ApplySettings(settings Settings) {
	s.settings.Store(&settings)
}

// Pause stops accepting new frames without tearing down the scheduler loop;
// the capture.pause request handler calls it. Resume re-enables acceptance.
// Nothing calls Pause when the VLM circuit breaker opens.
func (s *Scheduler) Pause()  { s.paused.Store(true) }
func (s *Scheduler) Resume() { s.paused.Store(false) }

// State reports the scheduler's current status for capture.get_state:
// "stopped" before Start (or after Stop), "paused" when running but not
// accepting frames, "running" otherwise.
func (s *Scheduler) State() string {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return "stopped"
	}
	if s.paused.Load() {
		return "paused"
	}
	return "running"
}

// Start runs the scheduler loop in a background goroutine until Stop is
// called or ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to finish. Safe to call
// multiple times or before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	close(s.stopCh)
	<-s.doneCh
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	for {
		tStart := time.Now()
		if !s.paused.Load() {
			s.tick(ctx)
		}
		tEnd := time.Now()

		cur := s.settings.Load()
		period := time.Duration(float64(s.interval) * cur.IntervalMultiplier)
		next := period - tEnd.Sub(tStart)
		if next < 0 {
			next = 0
		}

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
	}
}

// tick grabs one frame from every registered source, applies per-source
// perceptual-hash dedup, and inserts accepted frames as pending screenshot
// rows.
func (s *Scheduler) tick(ctx context.Context) {
	if s.paused.Load() {
		return
	}
	threshold := s.settings.Load().PhashThreshold
	for _, src := range s.sources {
		frame, err := src.Grab(ctx)
		if err != nil {
			log.Warn().Err(err).Str("source_key", src.SourceKey()).Msg("capture source grab failed")
			continue
		}
		if len(frame.Bytes) == 0 {
			continue
		}
		hash, err := PerceptualHash(frame.Bytes)
		if err != nil {
			log.Warn().Err(err).Str("source_key", src.SourceKey()).Msg("perceptual hash failed")
			continue
		}
		if !s.dedup.Consider(src.SourceKey(), hash, threshold) {
			continue
		}
		if err := s.accept(ctx, src.SourceKey(), frame, hash); err != nil {
			log.Error().Err(err).Str("source_key", src.SourceKey()).Msg("accept screenshot failed")
		}
	}
}

func (s *Scheduler) accept(ctx context.Context, sourceKey string, frame Frame, hash uint64) error {
	if err := os.MkdirAll(s.tempDir, 0o755); err != nil {
		return fmt.Errorf("ensure temp dir: %w", err)
	}
	ext := extForMIME(frame.MIME)
	name := fmt.Sprintf("%s-%d-%d%s", sanitizeSourceKey(sourceKey), time.Now().UnixNano(), s.seq.Add(1), ext)
	path := filepath.Join(s.tempDir, name)
	if err := os.WriteFile(path, frame.Bytes, 0o644); err != nil {
		return fmt.Errorf("write captured frame: %w", err)
	}

	row := store.Screenshot{
		CapturedAt:   time.Now(),
		SourceKey:    sourceKey,
		PHash:        strconv.FormatUint(hash, 16),
		FilePath:     path,
		Width:        frame.Width,
		Height:       frame.Height,
		ByteSize:     int64(len(frame.Bytes)),
		MIME:         frame.MIME,
		AppHint:      frame.AppHint,
		WindowTitle:  frame.WindowName,
		StorageState: "ephemeral",
		VLMStatus:    store.StatusPending,
	}
	if _, err := s.store.InsertScreenshot(ctx, row); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("insert screenshot: %w", err)
	}
	s.bus.Publish(bus.TopicQueueStatus, QueueDepthDelta{Table: "screenshots", Delta: 1})
	return nil
}

// QueueDepthDelta is published on TopicQueueStatus whenever capture accepts
// a new frame, letting the monitoring surface track queue growth without
// re-polling the store on every tick.
type QueueDepthDelta struct {
	Table string
	Delta int
}

func extForMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png", "":
		return ".png"
	default:
		return ".bin"
	}
}

func sanitizeSourceKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
