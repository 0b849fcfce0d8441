package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedBackend fails a fixed number of times before succeeding.
type scriptedBackend struct {
	name     string
	failures int
	failWith error
	calls    atomic.Int32
}

func (b *scriptedBackend) Name() string { return b.name }

func (b *scriptedBackend) Infer(ctx context.Context, req Request) (Result, error) {
	n := b.calls.Add(1)
	if int(n) <= b.failures {
		return Result{}, b.failWith
	}
	return Result{Text: "answer from " + b.name, Backend: b.name}, nil
}

func testPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, sleep: noSleep}
}

func TestGatewayRetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	backend := &scriptedBackend{
		name:     "primary",
		failures: 2,
		failWith: fmt.Errorf("%w: rate limited", ErrTransient),
	}
	gw, err := NewGateway(nil, testPolicy(3), backend)
	if err != nil {
		t.Fatal(err)
	}

	res, err := gw.Infer(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Backend != "primary" {
		t.Fatalf("unexpected backend: %s", res.Backend)
	}
	if backend.calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", backend.calls.Load())
	}
}

func TestGatewayRejectedFailsImmediately(t *testing.T) {
	t.Parallel()

	primary := &scriptedBackend{
		name:     "primary",
		failures: 99,
		failWith: fmt.Errorf("%w: content policy", ErrRejected),
	}
	secondary := &scriptedBackend{name: "secondary"}
	gw, err := NewGateway(nil, testPolicy(3), primary, secondary)
	if err != nil {
		t.Fatal(err)
	}

	_, err = gw.Infer(context.Background(), Request{})
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if primary.calls.Load() != 1 {
		t.Fatalf("rejected request must not be retried, got %d calls", primary.calls.Load())
	}
	if secondary.calls.Load() != 0 {
		t.Fatalf("rejected request must not fail over, got %d calls", secondary.calls.Load())
	}
}

func TestGatewayFailsOverToSecondary(t *testing.T) {
	t.Parallel()

	primary := &scriptedBackend{
		name:     "primary",
		failures: 99,
		failWith: fmt.Errorf("%w: 503", ErrTransient),
	}
	secondary := &scriptedBackend{name: "secondary"}
	gw, err := NewGateway(nil, testPolicy(2), primary, secondary)
	if err != nil {
		t.Fatal(err)
	}

	res, err := gw.Infer(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Backend != "secondary" {
		t.Fatalf("expected failover to secondary, got %s", res.Backend)
	}
	if primary.calls.Load() != 2 {
		t.Fatalf("expected primary retry budget spent, got %d", primary.calls.Load())
	}
}

func TestGatewayUnavailableAfterExhaustion(t *testing.T) {
	t.Parallel()

	primary := &scriptedBackend{
		name:     "primary",
		failures: 99,
		failWith: fmt.Errorf("%w: timeout", ErrTransient),
	}
	secondary := &scriptedBackend{
		name:     "secondary",
		failures: 99,
		failWith: fmt.Errorf("%w: timeout", ErrTransient),
	}
	gw, err := NewGateway(nil, testPolicy(2), primary, secondary)
	if err != nil {
		t.Fatal(err)
	}

	_, err = gw.Infer(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if primary.calls.Load() != 2 || secondary.calls.Load() != 2 {
		t.Fatalf("expected both budgets spent, got %d/%d",
			primary.calls.Load(), secondary.calls.Load())
	}
}

func TestGatewayBackendHint(t *testing.T) {
	t.Parallel()

	primary := &scriptedBackend{name: "primary"}
	secondary := &scriptedBackend{name: "secondary"}
	gw, err := NewGateway(nil, testPolicy(1), primary, secondary)
	if err != nil {
		t.Fatal(err)
	}

	res, err := gw.Infer(context.Background(), Request{Backend: "secondary"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Backend != "secondary" {
		t.Fatalf("hint ignored, got %s", res.Backend)
	}
	if primary.calls.Load() != 0 {
		t.Fatal("hinted request must not touch the primary first")
	}
}

func TestOpenAIBackendParsesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["model"] != "test-model" {
			t.Errorf("unexpected model %v", body["model"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"model": "test-model",
			"choices": [{"message": {"content": "Paris."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 2, "total_tokens": 12}
		}`)
	}))
	defer srv.Close()

	backend := NewOpenAIBackend("openai", "test-model", srv.URL, "sk-test", 5*time.Second)
	res, err := backend.Infer(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "Capital of France?"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Paris." {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.Usage.TotalTokens != 12 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
}

func TestOpenAIBackendClassifiesStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status  int
		wantErr error
	}{
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadRequest, ErrRejected},
		{http.StatusForbidden, ErrRejected},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		backend := NewOpenAIBackend("openai", "m", srv.URL, "", 5*time.Second)
		_, err := backend.Infer(context.Background(), Request{})
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("status %d: expected %v, got %v", tc.status, tc.wantErr, err)
		}
		srv.Close()
	}
}

func TestGeminiBackendParsesResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gem-test:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if key := r.Header.Get("x-goog-api-key"); key != "g-key" {
			t.Errorf("unexpected api key header %q", key)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"candidates": [{"content": {"parts": [{"text": "Paris."}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 2, "totalTokenCount": 10}
		}`)
	}))
	defer srv.Close()

	backend := NewGeminiBackend("gemini", "gem-test", srv.URL, "g-key", 5*time.Second)
	res, err := backend.Infer(context.Background(), Request{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "Capital of France?"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Text != "Paris." {
		t.Fatalf("unexpected text: %q", res.Text)
	}
	if res.Usage.TotalTokens != 10 {
		t.Fatalf("unexpected usage: %+v", res.Usage)
	}
}
