// Package healthcheck exposes process liveness and readiness checks.
package healthcheck

import (
	"context"
	"time"
)

const (
	// StatusOK indicates check passed.
	StatusOK = "ok"
	// StatusError indicates check failed.
	StatusError = "error"
)

// CheckResult is one runtime check item produced by a checker.
type CheckResult struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

// Checker evaluates one runtime check.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// Beater reports recent dispatch-loop activity.
type Beater interface {
	Alive(window time.Duration) bool
}

// DispatchChecker verifies the dispatch loop has shown a sign of life
// within the window. The probe reads nothing else from core state.
type DispatchChecker struct {
	beater Beater
	window time.Duration
}

// NewDispatchChecker creates a DispatchChecker. The window should exceed
// the channel adapter's poll timeout or idle periods read as death.
func NewDispatchChecker(beater Beater, window time.Duration) *DispatchChecker {
	if window <= 0 {
		window = 2 * time.Minute
	}
	return &DispatchChecker{beater: beater, window: window}
}

// Check implements Checker.
func (c *DispatchChecker) Check(ctx context.Context) CheckResult {
	if c == nil || c.beater == nil {
		return CheckResult{ID: "dispatch.loop", Status: StatusError, Summary: "not wired"}
	}
	if !c.beater.Alive(c.window) {
		return CheckResult{ID: "dispatch.loop", Status: StatusError, Summary: "no recent activity"}
	}
	return CheckResult{ID: "dispatch.loop", Status: StatusOK}
}
