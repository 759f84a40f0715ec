package aiproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens int64 = 4096

// AnthropicClient backs both VLMProvider and TextProvider with a single
// underlying SDK client, the way the teacher's provider adapters wrap one
// SDK type per vendor.
type AnthropicClient struct {
	sdk   anthropic.Client
	model string
}

// NewAnthropicClient builds a client for the given API key/model. An empty
// model falls back to the SDK's latest Sonnet alias.
func NewAnthropicClient(apiKey, model string) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	m := strings.TrimSpace(model)
	if m == "" {
		m = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &AnthropicClient{sdk: anthropic.NewClient(opts...), model: m}
}

const vlmSystemPrompt = `You describe a batch of sequential screenshots as a single structured JSON object.
Return ONLY JSON matching this shape: {"segments":[...],"entities":[...],"screenshots":[...]}.
Each segment covers one or more screenshot_ids and carries title, summary, confidence, importance,
nested knowledge/state/procedure/plan arrays (each at most 2 items), a merge_hint of {"decision":"NEW"|"MERGE","thread_id"?},
and up to 10 keywords. Each screenshot entry carries screenshot_id, an optional app_guess{name,confidence},
ocr_text (at most 8000 chars), and up to 20 ui_text_snippets. Replace any credential-looking text with ***.
Never include commentary outside the JSON object.`

// DescribeBatch implements VLMProvider against the Anthropic messages API,
// inlining each image as a base64 content block alongside the history pack.
func (c *AnthropicClient) DescribeBatch(ctx context.Context, req VLMRequest) (VLMResponse, []byte, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Images)*2+1)
	if req.HistoryPack != "" {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: "recent context: " + req.HistoryPack},
		})
	}
	for _, img := range req.Images {
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfText: &anthropic.TextBlockParam{Text: fmt.Sprintf("screenshot_id=%d", img.ScreenshotID)},
		})
		blocks = append(blocks, anthropic.ContentBlockParamUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						Data:      base64Encode(img.Data),
						MediaType: anthropic.Base64ImageSourceMediaType(img.MIME),
					},
				},
			},
		})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: vlmSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return VLMResponse{}, nil, fmt.Errorf("anthropic vlm request: %w", err)
	}

	raw := responseText(resp)
	var out VLMResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return VLMResponse{}, []byte(raw), fmt.Errorf("anthropic vlm response parse: %w", err)
	}
	return out, []byte(raw), nil
}

// Complete implements TextProvider: a single instruction/task turn, whose
// response is expected to be a bare JSON document.
func (c *AnthropicClient) Complete(ctx context.Context, req TextRequest) ([]byte, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: req.Instruction}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.ContentBlockParamUnion{
				OfText: &anthropic.TextBlockParam{Text: string(req.TaskJSON)},
			}),
		},
	}
	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic text request: %w", err)
	}
	raw := responseText(resp)
	return []byte(extractJSON(raw)), nil
}

func responseText(msg *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Text != "" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// extractJSON trims any stray prose Claude may wrap the JSON payload in,
// taking the outermost {...} span.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
