package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/courierai/courier/internal/analysis"
	"github.com/courierai/courier/internal/conversation"
	"github.com/courierai/courier/internal/inference"
	"github.com/courierai/courier/internal/normalize"
)

const (
	flagAwaitingFollowUp = "awaiting_follow_up"

	apologyUnavailable      = "Sorry, I'm temporarily unavailable. Please try again in a moment."
	apologyRejected         = "Sorry, I can't help with that request."
	apologyUnsupportedMedia = "Sorry, I can't process that kind of attachment."
	apologyExtraction       = "Sorry, I couldn't read that attachment."
	apologyFetch            = "Sorry, I couldn't download your attachment. Please try again."

	clearConfirmation = "Conversation history cleared."
)

// Options configures a Coordinator.
type Options struct {
	// ChunkLimit is the maximum outbound message length in runes.
	ChunkLimit int
	// FetchRetryMax bounds attachment fetch attempts.
	FetchRetryMax int
	// ContextLimit is how many recent analyses feed follow-up prompts.
	ContextLimit int
}

func (o Options) normalize() Options {
	if o.ChunkLimit <= 0 {
		o.ChunkLimit = 4096
	}
	if o.FetchRetryMax <= 0 {
		o.FetchRetryMax = 3
	}
	if o.ContextLimit <= 0 {
		o.ContextLimit = 5
	}
	return o
}

// Coordinator drives one inbound message through the processing states.
// One Process call runs per message; many run concurrently. All shared
// state lives behind the conversation store and the analysis cache.
type Coordinator struct {
	logger     *slog.Logger
	store      *conversation.Store
	cache      *analysis.Cache
	normalizer *normalize.Normalizer
	gateway    *inference.Gateway
	sender     Sender
	opts       Options
	fetchRetry inference.RetryPolicy

	inflight sync.WaitGroup
	lastBeat atomic.Int64
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(
	log *slog.Logger,
	store *conversation.Store,
	cache *analysis.Cache,
	normalizer *normalize.Normalizer,
	gateway *inference.Gateway,
	sender Sender,
	opts Options,
) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	opts = opts.normalize()
	c := &Coordinator{
		logger:     log.With(slog.String("service", "dispatch")),
		store:      store,
		cache:      cache,
		normalizer: normalizer,
		gateway:    gateway,
		sender:     sender,
		opts:       opts,
		fetchRetry: inference.RetryPolicy{
			MaxAttempts:    opts.FetchRetryMax,
			InitialBackoff: 300 * time.Millisecond,
			Retryable: func(err error) bool {
				return errors.Is(err, normalize.ErrFetchFailed)
			},
		},
	}
	c.Beat()
	return c
}

// Beat records dispatch-loop liveness for the health probe. Channel
// adapters call it on every poll cycle; Process calls it per message.
func (c *Coordinator) Beat() {
	c.lastBeat.Store(time.Now().UnixNano())
}

// Alive reports whether a beat happened within the window.
func (c *Coordinator) Alive(window time.Duration) bool {
	return time.Since(time.Unix(0, c.lastBeat.Load())) <= window
}

// Drain waits for in-flight messages to reach a terminal state, or for
// ctx to expire. Abandoned messages keep their Received link, so a
// restart can detect them.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs the per-message state machine and returns the terminal
// state. A redelivered message that is already tracked returns early in
// StateReceived without producing any outbound send.
func (c *Coordinator) Process(ctx context.Context, in Inbound) (State, error) {
	c.inflight.Add(1)
	defer c.inflight.Done()
	c.Beat()
	defer c.Beat()

	key := conversation.Key{ChatID: in.ChatID, UserID: in.UserID}
	log := c.logger.With(
		slog.String("chat_id", in.ChatID),
		slog.String("user_id", in.UserID),
		slog.String("message_id", in.MessageID),
	)

	// Received: link first, before any processing, so redelivery is
	// detectable and no inbound message is ever silently lost.
	link, created := c.store.RecordInbound(key, in.MessageID)
	if !created {
		log.Info("redelivery detected, skipping",
			slog.Int("responses", len(link.ResponseMessageIDs)))
		return StateReceived, nil
	}
	c.store.MarkActivity(key, mediaKindOf(in))

	if in.IsGroup && !in.IsMentioned && !in.IsReplyToBot {
		// Observed but not addressed to us; the link stays for replay safety.
		return StateReceived, nil
	}

	if cmd := strings.TrimSpace(in.Text); cmd == "/clear" || cmd == "/reset" {
		c.store.ClearHistory(key)
		if err := c.respond(ctx, key, in.MessageID, clearConfirmation, log); err != nil {
			return StateFailed, err
		}
		return StateLinked, nil
	}

	if in.Attachment != nil {
		return c.processAttachment(ctx, key, in, log)
	}
	return c.processText(ctx, key, in, log)
}

func (c *Coordinator) processText(ctx context.Context, key conversation.Key, in Inbound, log *slog.Logger) (State, error) {
	var recent []conversation.AttachmentAnalysis
	for a := range c.store.RecentAnalyses(key, c.opts.ContextLimit) {
		recent = append(recent, a)
	}
	c.store.SetFlag(key, flagAwaitingFollowUp, "")

	result, err := c.gateway.Infer(ctx, inference.Request{
		Messages: buildTextMessages(in.Text, recent),
	})
	if err != nil {
		return c.fail(ctx, key, in.MessageID, err, log)
	}

	if err := c.respond(ctx, key, in.MessageID, result.Text, log); err != nil {
		return StateFailed, err
	}
	log.Info("linked",
		slog.String("backend", result.Backend),
		slog.Int("total_tokens", result.Usage.TotalTokens))
	return StateLinked, nil
}

func (c *Coordinator) processAttachment(ctx context.Context, key conversation.Key, in Inbound, log *slog.Logger) (State, error) {
	var normalized normalize.Normalized
	err := c.fetchRetry.Do(ctx, func(ctx context.Context) error {
		var normErr error
		normalized, normErr = c.normalizer.Normalize(ctx, *in.Attachment)
		return normErr
	})
	if err != nil {
		return c.fail(ctx, key, in.MessageID, err, log)
	}

	// A voice message becomes a plain text turn once transcribed; the
	// transcript is conversational input, not a cacheable analysis.
	if normalized.Kind == normalize.MediaAudio {
		text := normalized.Text
		if strings.TrimSpace(in.Text) != "" {
			text = in.Text + "\n" + text
		}
		in.Text = text
		in.Attachment = nil
		log.Info("voice transcribed", slog.Int("chars", len(text)))
		return c.processText(ctx, key, in, log)
	}

	kind := analysisKindOf(normalized.Kind)
	result, computed, err := c.cache.GetOrCompute(ctx, normalized.Fingerprint, kind,
		func(ctx context.Context) (conversation.AttachmentAnalysis, error) {
			res, inferErr := c.inferAnalysis(ctx, normalized)
			if inferErr != nil {
				return conversation.AttachmentAnalysis{}, inferErr
			}
			return conversation.AttachmentAnalysis{Result: res.Text}, nil
		})
	if err != nil {
		return c.fail(ctx, key, in.MessageID, err, log)
	}
	state := StateCacheHit
	if computed {
		state = StateInferring
	}
	log.Info("analysis resolved",
		slog.String("state", string(state)),
		slog.String("fingerprint", normalized.Fingerprint),
		slog.String("kind", kind))

	responseIDs, err := c.deliver(ctx, key, in.MessageID, result.Result, log)
	if err != nil {
		return StateFailed, err
	}

	// History is per-occurrence even on a cache hit: this conversation
	// referenced the attachment now, whatever computed the result.
	c.store.RecordAnalysis(key, conversation.AttachmentAnalysis{
		ID:                 uuid.NewString(),
		Fingerprint:        normalized.Fingerprint,
		Kind:               kind,
		Caption:            normalized.Caption,
		Result:             result.Result,
		SourceMessageID:    in.MessageID,
		ResponseMessageIDs: responseIDs,
	})
	c.store.SetFlag(key, flagAwaitingFollowUp, "1")
	return StateLinked, nil
}

// inferAnalysis issues the inference call for one normalized attachment.
func (c *Coordinator) inferAnalysis(ctx context.Context, n normalize.Normalized) (inference.Result, error) {
	switch n.Kind {
	case normalize.MediaImage:
		return c.gateway.Infer(ctx, inference.Request{
			Messages: []inference.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: imageAnalysisPrompt(n.Caption)},
			},
			Image: &inference.ImagePayload{Mime: n.Mime, Data: n.Data},
		})
	case normalize.MediaDocument:
		return c.gateway.Infer(ctx, inference.Request{
			Messages: []inference.Message{
				{Role: "system", Content: systemPrompt},
				{Role: "user", Content: documentAnalysisPrompt(n.Caption, n.Text)},
			},
		})
	default:
		return inference.Result{}, fmt.Errorf("%w: no analysis for %q", normalize.ErrUnsupportedMediaKind, n.Kind)
	}
}

// respond delivers text and links every outbound send to the inbound message.
func (c *Coordinator) respond(ctx context.Context, key conversation.Key, messageID, text string, log *slog.Logger) error {
	_, err := c.deliver(ctx, key, messageID, text, log)
	return err
}

func (c *Coordinator) deliver(ctx context.Context, key conversation.Key, messageID, text string, log *slog.Logger) ([]string, error) {
	chunks := chunkText(text, c.opts.ChunkLimit)
	responseIDs := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		responseID, err := c.sender.SendMessage(ctx, key.ChatID, chunk)
		if err != nil {
			log.Error("send failed", slog.Any("error", err))
			return responseIDs, fmt.Errorf("send message: %w", err)
		}
		if linkErr := c.store.AppendResponse(key, messageID, responseID); linkErr != nil {
			// Coordination bug: the Received link must exist by now.
			log.Error("append response failed", slog.Any("error", linkErr))
			return responseIDs, linkErr
		}
		responseIDs = append(responseIDs, responseID)
	}
	return responseIDs, nil
}

// fail converts an error into a terminal Failed state with a single
// best-effort user-visible message. This is the only place errors become
// user-facing text.
func (c *Coordinator) fail(ctx context.Context, key conversation.Key, messageID string, cause error, log *slog.Logger) (State, error) {
	apology := apologyUnavailable
	switch {
	case errors.Is(cause, inference.ErrRejected):
		apology = apologyRejected
	case errors.Is(cause, normalize.ErrUnsupportedMediaKind):
		apology = apologyUnsupportedMedia
	case errors.Is(cause, normalize.ErrExtractionFailed):
		apology = apologyExtraction
	case errors.Is(cause, normalize.ErrFetchFailed):
		apology = apologyFetch
	}
	log.Warn("message failed", slog.Any("error", cause))

	if responseID, err := c.sender.SendMessage(ctx, key.ChatID, apology); err == nil {
		if linkErr := c.store.AppendResponse(key, messageID, responseID); linkErr != nil {
			log.Error("append apology failed", slog.Any("error", linkErr))
		}
	} else {
		log.Warn("apology send failed", slog.Any("error", err))
	}
	return StateFailed, cause
}

func mediaKindOf(in Inbound) string {
	if in.Attachment == nil {
		return ""
	}
	return string(in.Attachment.Kind)
}

func analysisKindOf(kind normalize.MediaKind) string {
	switch kind {
	case normalize.MediaDocument:
		return conversation.KindExtraction
	case normalize.MediaAudio:
		return conversation.KindTranscript
	default:
		return conversation.KindDescription
	}
}
