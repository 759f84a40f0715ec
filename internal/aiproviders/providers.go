// Package aiproviders defines the opaque VLM/text/embedding/OCR
// collaborator interfaces the pipeline stages call through, plus concrete
// Anthropic- and OpenAI-backed implementations behind a small factory.
// Platform OCR is genuinely external (no engine ships in this module); only
// its interface and a deterministic fake are provided.
package aiproviders

import (
	"context"
	"fmt"
)

// ImageInput is one image handed to the VLM in a single structured-
// generation request.
type ImageInput struct {
	ScreenshotID int64
	MIME         string
	Data         []byte
}

// VLMRequest is one batch/shard's worth of images plus the history pack
// continuity context formed at batch time.
type VLMRequest struct {
	Images      []ImageInput
	HistoryPack string
}

// VLMResponse is the parsed structured output §6.2 defines: segments,
// canonical entities, and a per-screenshot annotation.
type VLMResponse struct {
	Segments    []VLMSegment        `json:"segments"`
	Entities    []string            `json:"entities"`
	Screenshots []VLMScreenshotNote `json:"screenshots"`
}

// Validate enforces §6.2's structural bounds on a parsed VLM response:
// at most 4 segments, at most 2 knowledge/state/procedure/plan items and
// 10 keywords per segment, at most 20 entities, and at most 8000 chars of
// OCR text plus 20 UI snippets per screenshot note. A violation is the VLM
// equivalent of a parse error — malformed shape, not a transient failure —
// so callers should classify it as apperr.Validation rather than retry it.
func (r VLMResponse) Validate() error {
	if len(r.Segments) > 4 {
		return fmt.Errorf("vlm response has %d segments, want at most 4", len(r.Segments))
	}
	if len(r.Entities) > 20 {
		return fmt.Errorf("vlm response has %d entities, want at most 20", len(r.Entities))
	}
	for i, seg := range r.Segments {
		if len(seg.Knowledge) > 2 {
			return fmt.Errorf("segment %d has %d knowledge items, want at most 2", i, len(seg.Knowledge))
		}
		if len(seg.State) > 2 {
			return fmt.Errorf("segment %d has %d state items, want at most 2", i, len(seg.State))
		}
		if len(seg.Procedure) > 2 {
			return fmt.Errorf("segment %d has %d procedure items, want at most 2", i, len(seg.Procedure))
		}
		if len(seg.Plan) > 2 {
			return fmt.Errorf("segment %d has %d plan items, want at most 2", i, len(seg.Plan))
		}
		if len(seg.Keywords) > 10 {
			return fmt.Errorf("segment %d has %d keywords, want at most 10", i, len(seg.Keywords))
		}
	}
	for _, note := range r.Screenshots {
		if len(note.OCRText) > 8000 {
			return fmt.Errorf("screenshot %d ocr_text is %d chars, want at most 8000", note.ScreenshotID, len(note.OCRText))
		}
		if len(note.UITextSnippets) > 20 {
			return fmt.Errorf("screenshot %d has %d ui_text_snippets, want at most 20", note.ScreenshotID, len(note.UITextSnippets))
		}
	}
	return nil
}

// VLMSegment is one derived context unit (event, with nested knowledge/
// state/procedure/plan items).
type VLMSegment struct {
	ScreenshotIDs []int64         `json:"screenshot_ids"`
	Title         string          `json:"title"`
	Summary       string          `json:"summary"`
	Confidence    float64         `json:"confidence"`
	Importance    float64         `json:"importance"`
	Knowledge     []KnowledgeItem `json:"knowledge"`
	State         []DerivedItem   `json:"state"`
	Procedure     []ProcedureItem `json:"procedure"`
	Plan          []DerivedItem   `json:"plan"`
	MergeHint     MergeHint       `json:"merge_hint"`
	Keywords      []string        `json:"keywords"`
}

// DerivedItem is a knowledge/state/plan unit nested under a segment.
type DerivedItem struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// RegionHint is a VLM-reported bounding box in source-image pixel
// coordinates, naming the sub-rectangle a knowledge item's text came from.
type RegionHint struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// KnowledgeItem is a knowledge unit that additionally carries the
// language it's written in and, when the VLM could localize it, the
// bounding region it occupies — the two facts C13's OCR eligibility
// precondition checks against before arming a screenshot for OCR.
type KnowledgeItem struct {
	DerivedItem
	Language string      `json:"language"`
	Region   *RegionHint `json:"region,omitempty"`
}

// ProcedureItem additionally carries ordered steps.
type ProcedureItem struct {
	DerivedItem
	Steps []string `json:"steps"`
}

// MergeHint is the VLM's own opinion on whether this segment continues an
// existing thread; C11 treats it as a hint, not a binding decision.
type MergeHint struct {
	Decision string  `json:"decision"` // NEW | MERGE
	ThreadID *string `json:"thread_id,omitempty"`
}

// VLMScreenshotNote is the per-input annotation: an optional app guess and
// any OCR-equivalent text the VLM itself extracted.
type VLMScreenshotNote struct {
	ScreenshotID   int64     `json:"screenshot_id"`
	AppGuess       *AppGuess `json:"app_guess,omitempty"`
	OCRText        string    `json:"ocr_text"`
	UITextSnippets []string  `json:"ui_text_snippets"`
}

// AppGuess is the VLM's candidate application name with a confidence score.
type AppGuess struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// VLMProvider issues one structured-generation request per batch/shard.
// Implementations return the raw response body alongside the parsed
// result so the caller can persist a redacted trace (C3) without a second
// marshal.
type VLMProvider interface {
	DescribeBatch(ctx context.Context, req VLMRequest) (VLMResponse, []byte, error)
}

// TextRequest drives the text-LLM stage (C10): thread assignment, merge
// decisions, and activity-window/long-event summarization all go through
// the same shape — a system instruction plus a JSON task payload.
type TextRequest struct {
	Instruction string
	TaskJSON    []byte
}

// TextProvider issues one free-form (but JSON-constrained) completion.
type TextProvider interface {
	Complete(ctx context.Context, req TextRequest) (json []byte, err error)
}

// EmbeddingProvider turns text into fixed-dimension vectors.
type EmbeddingProvider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// OCRRegion names the screenshot and optional sub-rectangle OCR should run
// against. Genuinely external per the specification's Non-goals; this
// module only defines the contract C13 calls through.
type OCRRegion struct {
	FilePath string
	X, Y, W, H int // zero rectangle means "whole image"
}

// OCR recognizes text within a region of a captured screenshot file.
type OCR interface {
	Recognize(ctx context.Context, region OCRRegion) (text string, err error)
}
