package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIBackend talks to any chat-completions compatible API.
type OpenAIBackend struct {
	name       string
	model      string
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOpenAIBackend creates a backend for an OpenAI-compatible endpoint.
func NewOpenAIBackend(name, model, baseURL, apiKey string, timeout time.Duration) *OpenAIBackend {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if name == "" {
		name = "openai"
	}
	return &OpenAIBackend{
		name:       name,
		model:      model,
		baseURL:    baseURL,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the configured backend name.
func (b *OpenAIBackend) Name() string { return b.name }

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIRequest struct {
	Model    string          `json:"model"`
	Messages []openAIMessage `json:"messages"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Infer performs a single chat-completions call. No retries here; retry
// and failover are gateway policy.
func (b *OpenAIBackend) Infer(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := openAIRequest{Model: b.model}
	for i, m := range req.Messages {
		if req.Image != nil && i == len(req.Messages)-1 && m.Role == "user" {
			dataURL := fmt.Sprintf("data:%s;base64,%s",
				req.Image.Mime, base64.StdEncoding.EncodeToString(req.Image.Data))
			payload.Messages = append(payload.Messages, openAIMessage{
				Role: m.Role,
				Content: []openAIContentPart{
					{Type: "text", Text: m.Content},
					{Type: "image_url", ImageURL: &struct {
						URL string `json:"url"`
					}{URL: dataURL}},
				},
			})
			continue
		}
		payload.Messages = append(payload.Messages, openAIMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: %s status %d: %s",
			classifyStatus(resp.StatusCode), b.name, resp.StatusCode, summarizeBody(data))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrRejected, b.name, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: %s returned no choices", ErrTransient, b.name)
	}

	return Result{
		Text:    parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Backend: b.name,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		},
	}, nil
}

func summarizeBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
