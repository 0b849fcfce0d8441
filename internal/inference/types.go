// Package inference issues requests to AI backends with bounded retry
// and backend failover. It is stateless request/response: caching of
// attachment analyses is the caller's job.
package inference

import (
	"context"
	"time"
)

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"` // user, assistant, system
	Content string `json:"content"`
}

// ImagePayload carries raw image bytes for a vision request.
type ImagePayload struct {
	Mime string
	Data []byte
}

// Request is a single inference call.
type Request struct {
	Messages []Message
	// Image, when set, is attached to the last user message.
	Image *ImagePayload
	// Backend optionally names the preferred backend for this request.
	Backend string
	// Timeout bounds the individual attempt; zero uses the backend default.
	Timeout time.Duration
}

// Usage reports token consumption when the backend provides it.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Result is a completed inference response.
type Result struct {
	Text    string
	Model   string
	Backend string
	Usage   Usage
}

// Backend is the capability interface one inference provider implements.
type Backend interface {
	Name() string
	Infer(ctx context.Context, req Request) (Result, error)
}
