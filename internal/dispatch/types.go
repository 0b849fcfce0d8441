// Package dispatch orchestrates the processing of one inbound message:
// state recording, normalization, cached analysis, inference, and
// response delivery with message linkage.
package dispatch

import (
	"context"

	"github.com/courierai/courier/internal/normalize"
)

// State names the coordinator's per-message processing states.
type State string

const (
	StateReceived    State = "received"
	StateNormalizing State = "normalizing"
	StateCacheHit    State = "cache_hit"
	StateInferring   State = "inferring"
	StateResponding  State = "responding"
	StateLinked      State = "linked"
	StateFailed      State = "failed"
)

// Inbound is one normalized inbound event from a channel adapter.
type Inbound struct {
	ChatID       string
	UserID       string
	MessageID    string
	Text         string
	Attachment   *normalize.Attachment
	IsGroup      bool
	IsMentioned  bool
	IsReplyToBot bool
}

// Sender delivers one outbound message and returns the platform-issued
// message id, synchronously with respect to the send.
type Sender interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}
