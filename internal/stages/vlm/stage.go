// Package vlm is C9: loads a claimed batch's screenshot images, calls the
// VLM provider once per shard, validates the structured output, and fans
// the result into screenshot annotations, context nodes, and a usage trace.
package vlm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"screenloom/internal/aiproviders"
	"screenloom/internal/airuntime"
	"screenloom/internal/apperr"
	"screenloom/internal/bus"
	"screenloom/internal/store"
	"screenloom/internal/usage"
)

// Config governs the stage's timeout and retention policy.
type Config struct {
	Timeout       time.Duration
	RetentionTTL  time.Duration

	// SupportedLanguages gates C13's OCR eligibility precondition: a
	// knowledge item only arms its screenshots for OCR when its Language
	// is in this set and it carries a Region. A nil/empty set disables
	// OCR eligibility entirely.
	SupportedLanguages map[string]struct{}
}

// Stage processes one claimed batch at a time; the reconcile loop (C8)
// drives many Stages concurrently across a bounded pool.
type Stage struct {
	store    *store.Store
	runtime  *airuntime.Runtime
	provider aiproviders.VLMProvider
	recorder *usage.Recorder
	bus      *bus.Bus
	cfg      Config
}

// New builds a VLM stage.
func New(st *store.Store, rt *airuntime.Runtime, provider aiproviders.VLMProvider, rec *usage.Recorder, b *bus.Bus, cfg Config) *Stage {
	return &Stage{store: st, runtime: rt, provider: provider, recorder: rec, bus: b, cfg: cfg}
}

// Process runs the full VLM stage for one claimed batch id. The caller
// (C8) is responsible for the claim itself; Process only ever transitions
// the row to its terminal success/failure state.
func (s *Stage) Process(ctx context.Context, batchID int64) error {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return s.fail(ctx, batch, fmt.Errorf("load batch: %w", err))
	}

	shots, err := s.store.ScreenshotsForBatch(ctx, batch.ScreenshotIDs)
	if err != nil {
		return s.fail(ctx, batch, fmt.Errorf("load screenshots: %w", err))
	}

	release, err := s.runtime.Acquire(ctx, airuntime.CapVLM)
	if err != nil {
		return s.fail(ctx, batch, apperr.Transient("vlm_permit_denied", "vlm capacity unavailable", err))
	}
	defer release()

	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	images, missingCount := loadImages(shots)
	if len(shots) > 0 && missingCount == len(shots) {
		return s.fail(ctx, batch, apperr.Validation("vlm_all_images_missing", "every image file for this batch is missing", nil))
	}

	start := time.Now()
	result, raw, err := s.provider.DescribeBatch(callCtx, aiproviders.VLMRequest{Images: images, HistoryPack: batch.HistoryPack})
	latency := time.Since(start)

	if callCtx.Err() != nil {
		s.bus.Publish(bus.TopicActivityAlert, TimeoutAlert{BatchID: batchID})
	}

	if err != nil {
		perr := classifyVLMError(err)
		s.recordUsage(ctx, batch, "failed", perr.Code, nil, latency)
		s.runtime.RecordFailure(airuntime.CapVLM, perr, apperr.TripsBreaker(perr))
		return s.fail(ctx, batch, perr)
	}

	if verr := result.Validate(); verr != nil {
		perr := apperr.Validation("vlm_schema_violation", verr.Error(), verr)
		s.recordUsage(ctx, batch, "failed", perr.Code, raw, latency)
		// A schema violation is a malformed response, not a capacity or
		// connectivity problem, so it does not count against the breaker.
		return s.fail(ctx, batch, perr)
	}

	s.recordUsage(ctx, batch, "succeeded", "", raw, latency)
	s.runtime.RecordSuccess(airuntime.CapVLM)

	if err := s.applyResult(ctx, batch, shots, result); err != nil {
		return s.fail(ctx, batch, fmt.Errorf("apply vlm result: %w", err))
	}

	indexJSON, _ := marshalResult(result)
	if err := s.store.FinishBatchSuccess(ctx, batch.ID, indexJSON); err != nil {
		return fmt.Errorf("finish batch success: %w", err)
	}
	if err := s.store.SetVLMStatusForBatch(ctx, batch.ScreenshotIDs, store.StatusSucceeded); err != nil {
		return fmt.Errorf("mark screenshots succeeded: %w", err)
	}
	return nil
}

func (s *Stage) applyResult(ctx context.Context, batch store.Batch, shots []store.Screenshot, result aiproviders.VLMResponse) error {
	retentionTTL := s.cfg.RetentionTTL
	if retentionTTL <= 0 {
		retentionTTL = 30 * 24 * time.Hour
	}
	notes := make(map[int64]aiproviders.VLMScreenshotNote, len(result.Screenshots))
	for _, n := range result.Screenshots {
		notes[n.ScreenshotID] = n
	}
	for _, sh := range shots {
		note := notes[sh.ID]
		appHint := ""
		if note.AppGuess != nil && note.AppGuess.Confidence >= 0.7 {
			appHint = note.AppGuess.Name
		}
		snippets, _ := marshalStrings(note.UITextSnippets)
		if err := s.store.ApplyVLMAnnotation(ctx, sh.ID, appHint, note.OCRText, snippets, time.Now().Add(retentionTTL)); err != nil {
			return err
		}
	}

	for _, seg := range result.Segments {
		node := store.ContextNode{
			BatchID:       batch.ID,
			Kind:          "event",
			EventTime:     batch.TSStart,
			Title:         seg.Title,
			Summary:       seg.Summary,
			Keywords:      seg.Keywords,
			Entities:      result.Entities,
			ActionItems:   flattenPlanTitles(seg.Plan),
			Importance:    seg.Importance,
			Confidence:    seg.Confidence,
			ScreenshotIDs: seg.ScreenshotIDs,
		}
		if _, err := s.store.InsertContextNode(ctx, node); err != nil {
			return fmt.Errorf("insert context node: %w", err)
		}

		if err := s.armOCREligibleScreenshots(ctx, seg); err != nil {
			return fmt.Errorf("arm ocr eligibility: %w", err)
		}
	}
	return nil
}

// armOCREligibleScreenshots implements C13's OCR eligibility precondition:
// the first knowledge item in a segment that names a supported language
// and carries a bounding region flips ocr_status to pending (idempotently,
// via SetOCREligible) for every screenshot the segment covers.
func (s *Stage) armOCREligibleScreenshots(ctx context.Context, seg aiproviders.VLMSegment) error {
	if len(s.cfg.SupportedLanguages) == 0 {
		return nil
	}
	for _, item := range seg.Knowledge {
		if item.Region == nil {
			continue
		}
		if _, ok := s.cfg.SupportedLanguages[item.Language]; !ok {
			continue
		}
		regionJSON, err := json.Marshal(item.Region)
		if err != nil {
			return err
		}
		for _, shID := range seg.ScreenshotIDs {
			if err := s.store.SetOCREligible(ctx, shID, string(regionJSON)); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

func (s *Stage) fail(ctx context.Context, batch store.Batch, err error) error {
	perr := classifyVLMError(err)
	_ = s.store.SetVLMErrorForBatch(ctx, batch.ScreenshotIDs, perr.Error())
	ferr := s.store.FinishBatchFailure(ctx, batch.ID, batch.Attempts, maxAttemptsOr(8), defaultBackoff(), 2*time.Second, perr.Error())
	if ferr != nil {
		return fmt.Errorf("finish batch failure: %w (original: %s)", ferr, perr.Error())
	}
	if serr := s.store.SetVLMStatusForBatch(ctx, batch.ScreenshotIDs, store.StatusFailed); serr != nil {
		return fmt.Errorf("mark screenshots failed: %w", serr)
	}
	return perr
}

func (s *Stage) recordUsage(ctx context.Context, batch store.Batch, status, errCode string, raw []byte, latency time.Duration) {
	call := usage.Call{
		Capability: string(airuntime.CapVLM),
		Operation:  "describe_batch",
		Status:     status,
		ErrorCode:  errCode,
		Latency:    latency,
	}
	if status == "succeeded" {
		call.ResponseJSON = raw
	}
	_ = s.recorder.RecordCall(ctx, call)
}

func classifyVLMError(err error) *apperr.Error {
	if perr, ok := err.(*apperr.Error); ok {
		return perr
	}
	return apperr.Transient("vlm_call_failed", err.Error(), err)
}

func loadImages(shots []store.Screenshot) ([]aiproviders.ImageInput, int) {
	var images []aiproviders.ImageInput
	missing := 0
	for _, sh := range shots {
		data, err := os.ReadFile(sh.FilePath)
		if err != nil {
			missing++
			continue
		}
		images = append(images, aiproviders.ImageInput{ScreenshotID: sh.ID, MIME: sh.MIME, Data: data})
	}
	return images, missing
}

func flattenPlanTitles(items []aiproviders.DerivedItem) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.Title)
	}
	return out
}

func maxAttemptsOr(d int) int { return d }

func defaultBackoff() []time.Duration {
	return []time.Duration{time.Second, 5 * time.Second, 30 * time.Second, 2 * time.Minute, 10 * time.Minute}
}

func marshalStrings(v []string) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalResult(result aiproviders.VLMResponse) (string, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TimeoutAlert is published when a VLM call is aborted by the context
// timeout, matching the activity alert kind the specification names.
type TimeoutAlert struct {
	BatchID int64
}
