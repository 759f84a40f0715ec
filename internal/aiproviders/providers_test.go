package aiproviders

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVLMResponse_Validate_AcceptsWithinBounds(t *testing.T) {
	resp := VLMResponse{
		Segments: []VLMSegment{{Keywords: []string{"a", "b"}}},
		Entities: []string{"acme"},
		Screenshots: []VLMScreenshotNote{
			{ScreenshotID: 1, OCRText: "hello", UITextSnippets: []string{"ok"}},
		},
	}
	require.NoError(t, resp.Validate())
}

func TestVLMResponse_Validate_RejectsTooManySegments(t *testing.T) {
	resp := VLMResponse{Segments: make([]VLMSegment, 5)}
	err := resp.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "segments")
}

func TestVLMResponse_Validate_RejectsTooManyEntities(t *testing.T) {
	entities := make([]string, 21)
	resp := VLMResponse{Entities: entities}
	require.Error(t, resp.Validate())
}

func TestVLMResponse_Validate_RejectsTooManyKnowledgeItems(t *testing.T) {
	resp := VLMResponse{Segments: []VLMSegment{{Knowledge: make([]KnowledgeItem, 3)}}}
	err := resp.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "knowledge")
}

func TestVLMResponse_Validate_RejectsOversizedOCRText(t *testing.T) {
	resp := VLMResponse{Screenshots: []VLMScreenshotNote{{ScreenshotID: 1, OCRText: strings.Repeat("x", 8001)}}}
	err := resp.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ocr_text")
}

func TestVLMResponse_Validate_RejectsTooManyUISnippets(t *testing.T) {
	resp := VLMResponse{Screenshots: []VLMScreenshotNote{{ScreenshotID: 1, UITextSnippets: make([]string, 21)}}}
	err := resp.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "ui_text_snippets")
}
