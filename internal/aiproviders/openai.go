package aiproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAIClient is the alternate VLMProvider/TextProvider backend, following
// the same factory-selectable shape as AnthropicClient.
type OpenAIClient struct {
	sdk   openai.Client
	model string
}

// NewOpenAIClient builds a client for the given API key/model.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(apiKey))}
	m := strings.TrimSpace(model)
	if m == "" {
		m = "gpt-4o-mini"
	}
	return &OpenAIClient{sdk: openai.NewClient(opts...), model: m}
}

// DescribeBatch implements VLMProvider, inlining each image as a data: URL
// image_url content part alongside the history pack and per-image id.
func (c *OpenAIClient) DescribeBatch(ctx context.Context, req VLMRequest) (VLMResponse, []byte, error) {
	parts := []openai.ChatCompletionContentPartUnionParam{
		openai.TextContentPart(vlmSystemPrompt),
	}
	if req.HistoryPack != "" {
		parts = append(parts, openai.TextContentPart("recent context: "+req.HistoryPack))
	}
	for _, img := range req.Images {
		parts = append(parts, openai.TextContentPart(fmt.Sprintf("screenshot_id=%d", img.ScreenshotID)))
		dataURL := fmt.Sprintf("data:%s;base64,%s", img.MIME, base64Encode(img.Data))
		parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(parts),
		},
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return VLMResponse{}, nil, fmt.Errorf("openai vlm request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return VLMResponse{}, nil, fmt.Errorf("openai vlm response: no choices")
	}
	raw := resp.Choices[0].Message.Content
	var out VLMResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &out); err != nil {
		return VLMResponse{}, []byte(raw), fmt.Errorf("openai vlm response parse: %w", err)
	}
	return out, []byte(raw), nil
}

// Complete implements TextProvider over a plain chat completion turn.
func (c *OpenAIClient) Complete(ctx context.Context, req TextRequest) ([]byte, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.Instruction),
			openai.UserMessage(string(req.TaskJSON)),
		},
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai text request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai text response: no choices")
	}
	return []byte(extractJSON(resp.Choices[0].Message.Content)), nil
}
