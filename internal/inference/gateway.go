package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Gateway fans an inference request across a prioritized backend list.
// Each backend gets the full retry budget for transient failures; a
// rejected request fails immediately and is never retried anywhere.
type Gateway struct {
	logger   *slog.Logger
	backends []Backend
	retry    RetryPolicy
}

// NewGateway creates a Gateway over the given backends, tried in order.
func NewGateway(log *slog.Logger, retry RetryPolicy, backends ...Backend) (*Gateway, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(backends) == 0 {
		return nil, fmt.Errorf("at least one backend is required")
	}
	return &Gateway{
		logger:   log.With(slog.String("service", "inference_gateway")),
		backends: backends,
		retry:    retry.Normalize(),
	}, nil
}

// Infer runs the request against the backend list. On retry exhaustion it
// fails over to the next backend; once the list is spent it surfaces
// ErrUnavailable. ErrRejected short-circuits everything.
func (g *Gateway) Infer(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	for _, backend := range g.ordered(req.Backend) {
		var res Result
		err := g.retry.Do(ctx, func(ctx context.Context) error {
			var attemptErr error
			res, attemptErr = backend.Infer(ctx, req)
			return attemptErr
		})
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrRejected) {
			g.logger.Warn("request rejected",
				slog.String("backend", backend.Name()),
				slog.Any("error", err))
			return Result{}, err
		}
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, ctx.Err()
		}
		g.logger.Warn("backend exhausted, failing over",
			slog.String("backend", backend.Name()),
			slog.Any("error", err))
		lastErr = err
	}
	return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// ordered returns the backend list with the hinted backend, if any, moved
// to the front.
func (g *Gateway) ordered(hint string) []Backend {
	if hint == "" {
		return g.backends
	}
	for i, b := range g.backends {
		if b.Name() == hint && i > 0 {
			out := make([]Backend, 0, len(g.backends))
			out = append(out, b)
			out = append(out, g.backends[:i]...)
			out = append(out, g.backends[i+1:]...)
			return out
		}
	}
	return g.backends
}
