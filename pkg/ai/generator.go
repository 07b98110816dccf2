package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrEmptyCompletion is returned when a provider answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// TextGenerator generates text from a system prompt and user prompt.
// Every supported provider implements this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Provider names accepted by NewGenerator.
const (
	ProviderGemini       = "gemini"
	ProviderOllama       = "ollama"
	ProviderOpenAICompat = "openai-compat"
)

// NewGenerator builds the TextGenerator for a configured provider.
func NewGenerator(provider, baseURL, apiKey, model string) (TextGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case ProviderGemini, "":
		return NewGeminiGenerator(baseURL, apiKey, model)
	case ProviderOllama:
		return NewOllamaGenerator(baseURL, model)
	case ProviderOpenAICompat:
		return NewOpenAICompatGenerator(baseURL, apiKey, model)
	default:
		return nil, fmt.Errorf("unsupported generation provider %q", provider)
	}
}

// GeneratorFunc adapts a function to TextGenerator.
type GeneratorFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

// GenerateText calls f.
func (f GeneratorFunc) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f(ctx, systemPrompt, userPrompt)
}

// apiError pulls a provider error message out of a failed response body.
type apiError func(body []byte) string

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload any, out any, describe apiError) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if msg := describe(raw); msg != "" {
			return resp.StatusCode, errors.New(msg)
		}
		return resp.StatusCode, errors.New(resp.Status)
	}
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}
