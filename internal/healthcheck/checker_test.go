package healthcheck

import (
	"context"
	"testing"
	"time"
)

type stubBeater struct{ alive bool }

func (s stubBeater) Alive(window time.Duration) bool { return s.alive }

func TestDispatchCheckerAlive(t *testing.T) {
	t.Parallel()

	c := NewDispatchChecker(stubBeater{alive: true}, time.Minute)
	res := c.Check(context.Background())
	if res.Status != StatusOK {
		t.Fatalf("expected ok, got %+v", res)
	}
	if res.ID != "dispatch.loop" {
		t.Fatalf("unexpected id %q", res.ID)
	}
}

func TestDispatchCheckerStale(t *testing.T) {
	t.Parallel()

	c := NewDispatchChecker(stubBeater{alive: false}, time.Minute)
	res := c.Check(context.Background())
	if res.Status != StatusError {
		t.Fatalf("expected error, got %+v", res)
	}
}

func TestDispatchCheckerUnwired(t *testing.T) {
	t.Parallel()

	c := NewDispatchChecker(nil, 0)
	res := c.Check(context.Background())
	if res.Status != StatusError {
		t.Fatalf("expected error for missing beater, got %+v", res)
	}
}
