package aiproviders

import "fmt"

// VLMTextBundle bundles the two structured-generation backends a single
// SDK client can provide at once: Anthropic and OpenAI each implement
// both the VLM and text capability interfaces on one client.
type VLMTextBundle struct {
	VLM  VLMProvider
	Text TextProvider
}

// BuildVLMText selects the VLM/text backend by provider name.
func BuildVLMText(provider, apiKey, model string) (VLMTextBundle, error) {
	switch provider {
	case "", "anthropic":
		c := NewAnthropicClient(apiKey, model)
		return VLMTextBundle{VLM: c, Text: c}, nil
	case "openai":
		c := NewOpenAIClient(apiKey, model)
		return VLMTextBundle{VLM: c, Text: c}, nil
	default:
		return VLMTextBundle{}, fmt.Errorf("aiproviders: unsupported vlm/text provider %q", provider)
	}
}

// BuildEmbedding selects the embedding backend. Currently only the generic
// HTTP (OpenAI-compatible) backend is implemented.
func BuildEmbedding(cfg EmbeddingHTTPConfig) EmbeddingProvider {
	return NewEmbeddingHTTPClient(cfg)
}
