package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// OpenAICompatGenerator calls any OpenAI-compatible /chat/completions endpoint.
type OpenAICompatGenerator struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatGenerator builds an OpenAI-compatible TextGenerator.
// baseURL should include the /v1 prefix, e.g. "http://localhost:8000/v1".
// apiKey may be empty for local models.
func NewOpenAICompatGenerator(baseURL, apiKey, model string) (*OpenAICompatGenerator, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compat base url required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("openai-compat generation model required")
	}
	return &OpenAICompatGenerator{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}, nil
}

// GenerateText implements TextGenerator using the chat completions API.
func (g *OpenAICompatGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody := oaiChatRequest{
		Model:    g.model,
		Messages: chatMessages(systemPrompt, userPrompt),
	}
	var headers map[string]string
	if g.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + g.apiKey}
	}
	var resp oaiChatResponse
	if _, err := postJSON(ctx, g.httpClient, g.baseURL+"/chat/completions", headers, reqBody, &resp, oaiErrorMessage); err != nil {
		return "", fmt.Errorf("openai-compat generate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai-compat: %w", ErrEmptyCompletion)
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("openai-compat: %w", ErrEmptyCompletion)
	}
	return text, nil
}

func oaiErrorMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) != nil {
		return ""
	}
	return e.Error.Message
}

type oaiChatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type oaiChatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}
