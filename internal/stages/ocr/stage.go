// Package ocr is C13: crops the eligible region of a screenshot still on
// disk, recognizes its text, and then deletes the file per the retention
// rule that OCR output outlives the image itself.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/apperr"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

// Config bounds the OCR call.
type Config struct {
	Timeout     time.Duration
	MaxAttempts int
}

// Stage runs OCR for one claimed screenshot at a time, under a
// single-shot worker per the specification (OCR concurrency is not AIMD
// governed the way VLM/text/embedding calls are).
type Stage struct {
	store    *store.Store
	engine   aiproviders.OCR
	recorder *usage.Recorder
	cfg      Config
}

// New builds an OCR stage.
func New(st *store.Store, engine aiproviders.OCR, rec *usage.Recorder, cfg Config) *Stage {
	return &Stage{store: st, engine: engine, recorder: rec, cfg: cfg}
}

// Region describes the bounding box the VLM stage's knowledge block
// carried for this screenshot; a zero Region means the whole image.
type Region struct {
	X, Y, W, H int
}

// Process runs OCR for one claimed screenshot id, self-loading the
// region its VLM-stage eligibility hook persisted, then retires the
// backing file.
func (s *Stage) Process(ctx context.Context, screenshotID int64) error {
	shots, err := s.store.ScreenshotsForBatch(ctx, []int64{screenshotID})
	if err != nil {
		return s.fail(ctx, screenshotID, 0, fmt.Errorf("load screenshot: %w", err))
	}
	if len(shots) == 0 {
		return s.fail(ctx, screenshotID, 0, apperr.Validation("ocr_screenshot_not_found", "screenshot row no longer exists", nil))
	}
	shot := shots[0]

	if _, statErr := os.Stat(shot.FilePath); statErr != nil {
		return s.fail(ctx, screenshotID, shot.OCRAttempts, apperr.Validation("ocr_file_missing", "screenshot file no longer exists", statErr))
	}

	var region Region
	if shot.OCRRegion != nil {
		var hint aiproviders.RegionHint
		if err := json.Unmarshal([]byte(*shot.OCRRegion), &hint); err != nil {
			return s.fail(ctx, screenshotID, shot.OCRAttempts, apperr.Validation("ocr_region_malformed", "persisted ocr_region is not valid JSON", err))
		}
		region = Region{X: hint.X, Y: hint.Y, W: hint.W, H: hint.H}
	}

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	text, err := s.engine.Recognize(callCtx, aiproviders.OCRRegion{FilePath: shot.FilePath, X: region.X, Y: region.Y, W: region.W, H: region.H})
	latency := time.Since(start)

	if err != nil {
		perr := classifyOCRError(err)
		s.recordUsage(ctx, "failed", perr.Code, latency)
		return s.fail(ctx, screenshotID, shot.OCRAttempts, perr)
	}
	s.recordUsage(ctx, "succeeded", "", latency)

	if err := s.store.FinishOCRSuccess(ctx, screenshotID, text, ""); err != nil {
		return fmt.Errorf("finish ocr success: %w", err)
	}
	if err := os.Remove(shot.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete screenshot file after ocr: %w", err)
	}
	return nil
}

func (s *Stage) fail(ctx context.Context, id int64, attempts int, err error) error {
	maxAttempts := s.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 8
	}
	if ferr := s.store.FinishOCRFailure(ctx, id, attempts, maxAttempts, defaultBackoff(), 2*time.Second); ferr != nil {
		return fmt.Errorf("finish ocr failure: %w (original: %w)", ferr, err)
	}
	return err
}

func (s *Stage) recordUsage(ctx context.Context, status, errCode string, latency time.Duration) {
	_ = s.recorder.RecordCall(ctx, usage.Call{Capability: "ocr", Operation: "recognize", Status: status, ErrorCode: errCode, Latency: latency})
}

func classifyOCRError(err error) *apperr.Error {
	if perr, ok := err.(*apperr.Error); ok {
		return perr
	}
	return apperr.Transient("ocr_call_failed", err.Error(), err)
}

func defaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
}
