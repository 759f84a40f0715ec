package aiproviders

import (
	"context"
	"encoding/json"
)

// FakeVLM is a deterministic VLMProvider for stage tests: it always returns
// the configured response (or error) regardless of input.
type FakeVLM struct {
	Response VLMResponse
	Err      error
}

func (f *FakeVLM) DescribeBatch(ctx context.Context, req VLMRequest) (VLMResponse, []byte, error) {
	if f.Err != nil {
		return VLMResponse{}, nil, f.Err
	}
	raw, _ := json.Marshal(f.Response)
	return f.Response, raw, nil
}

// FakeText is a deterministic TextProvider for stage tests.
type FakeText struct {
	ResponseJSON []byte
	Err          error
}

func (f *FakeText) Complete(ctx context.Context, req TextRequest) ([]byte, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	return f.ResponseJSON, nil
}

// FakeEmbedding is a deterministic EmbeddingProvider returning a fixed-size
// zero vector per input, except that the first component holds the input's
// length in bytes.
type FakeEmbedding struct {
	Dimensions int
	Err        error
}

func (f *FakeEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	dims := f.Dimensions
	if dims <= 0 {
		dims = 8
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, dims)
		v[0] = float32(len(t))
		out[i] = v
	}
	return out, nil
}

// FakeOCR is a deterministic OCR for stage tests.
type FakeOCR struct {
	Text string
	Err  error

	LastRegion OCRRegion
}

func (f *FakeOCR) Recognize(ctx context.Context, region OCRRegion) (string, error) {
	f.LastRegion = region
	if f.Err != nil {
		return "", f.Err
	}
	return f.Text, nil
}
