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

// GeminiBackend talks to the Google generative language API.
type GeminiBackend struct {
	name       string
	model      string
	baseURL    string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewGeminiBackend creates a backend for the generative language API.
func NewGeminiBackend(name, model, baseURL, apiKey string, timeout time.Duration) *GeminiBackend {
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if name == "" {
		name = "gemini"
	}
	return &GeminiBackend{
		name:       name,
		model:      model,
		baseURL:    baseURL,
		apiKey:     apiKey,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name returns the configured backend name.
func (b *GeminiBackend) Name() string { return b.name }

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Infer performs a single generateContent call.
func (b *GeminiBackend) Infer(ctx context.Context, req Request) (Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := geminiRequest{}
	for i, m := range req.Messages {
		if m.Role == "system" {
			payload.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		content := geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}}
		if req.Image != nil && i == len(req.Messages)-1 && role == "user" {
			content.Parts = append(content.Parts, geminiPart{
				InlineData: &struct {
					MimeType string `json:"mime_type"`
					Data     string `json:"data"`
				}{
					MimeType: req.Image.Mime,
					Data:     base64.StdEncoding.EncodeToString(req.Image.Data),
				},
			})
		}
		payload.Contents = append(payload.Contents, content)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", b.baseURL, b.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		httpReq.Header.Set("x-goog-api-key", b.apiKey)
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

	var parsed geminiResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	if parsed.Error != nil {
		return Result{}, fmt.Errorf("%w: %s: %s", ErrRejected, b.name, parsed.Error.Message)
	}
	if len(parsed.Candidates) == 0 {
		return Result{}, fmt.Errorf("%w: %s returned no candidates", ErrRejected, b.name)
	}

	var texts []string
	for _, p := range parsed.Candidates[0].Content.Parts {
		if p.Text != "" {
			texts = append(texts, p.Text)
		}
	}

	return Result{
		Text:    strings.Join(texts, "\n"),
		Model:   b.model,
		Backend: b.name,
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
