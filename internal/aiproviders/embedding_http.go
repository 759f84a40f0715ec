package aiproviders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"screenloom/internal/observability"
)

// EmbeddingHTTPConfig configures the generic HTTP embedding backend: a base
// URL + path, a model name, and an auth header/key pair (either a plain
// "Authorization: Bearer <key>" or an arbitrary header name).
type EmbeddingHTTPConfig struct {
	BaseURL   string
	Path      string
	Model     string
	APIKey    string
	APIHeader string
	Timeout   time.Duration
}

// EmbeddingHTTPClient implements EmbeddingProvider against an OpenAI-
// compatible /v1/embeddings endpoint.
type EmbeddingHTTPClient struct {
	cfg    EmbeddingHTTPConfig
	client *http.Client
}

// NewEmbeddingHTTPClient builds a client with the given config. The
// underlying transport is otel-instrumented so embedding calls show up
// alongside the rest of the pipeline's traced spans.
func NewEmbeddingHTTPClient(cfg EmbeddingHTTPConfig) *EmbeddingHTTPClient {
	return &EmbeddingHTTPClient{cfg: cfg, client: observability.NewHTTPClient(nil)}
}

type embedReq struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResp struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed calls the configured endpoint and returns one vector per input,
// in the same order.
func (c *EmbeddingHTTPClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("aiproviders: embed called with no inputs")
	}
	body, err := json.Marshal(embedReq{Model: c.cfg.Model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := c.cfg.BaseURL + c.cfg.Path
	req, err := http.NewRequestWithContext(cctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	if c.cfg.APIHeader == "Authorization" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	} else if c.cfg.APIHeader != "" {
		req.Header.Set(c.cfg.APIHeader, c.cfg.APIKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("embed endpoint error: %s: %s", resp.Status, string(respBody))
	}

	var parsed embedResp
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed response count mismatch: got %d, want %d", len(parsed.Data), len(texts))
	}
	out := make([][]float32, len(parsed.Data))
	for i := range parsed.Data {
		out[i] = parsed.Data[i].Embedding
	}
	return out, nil
}
