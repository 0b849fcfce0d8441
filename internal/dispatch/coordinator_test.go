package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierai/courier/internal/analysis"
	"github.com/courierai/courier/internal/conversation"
	"github.com/courierai/courier/internal/inference"
	"github.com/courierai/courier/internal/normalize"
)

type fakeBackend struct {
	reply string
	err   error
	calls atomic.Int32
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Infer(ctx context.Context, req inference.Request) (inference.Result, error) {
	b.calls.Add(1)
	if b.err != nil {
		return inference.Result{}, b.err
	}
	return inference.Result{Text: b.reply, Backend: "fake"}, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	next int
	fail bool
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", fmt.Errorf("platform down")
	}
	s.next++
	s.sent = append(s.sent, text)
	return fmt.Sprintf("out-%d", s.next), nil
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	data, ok := m[ref]
	if !ok {
		return nil, fmt.Errorf("no such ref %q", ref)
	}
	return data, nil
}

type fixture struct {
	store   *conversation.Store
	cache   *analysis.Cache
	backend *fakeBackend
	sender  *fakeSender
	coord   *Coordinator
}

func newFixture(t *testing.T, backend *fakeBackend, fetcher normalize.Fetcher) *fixture {
	t.Helper()
	store := conversation.NewStore(nil)
	cache, err := analysis.NewCache(nil, 32)
	require.NoError(t, err)
	gw, err := inference.NewGateway(nil, inference.RetryPolicy{MaxAttempts: 1}, backend)
	require.NoError(t, err)
	sender := &fakeSender{}
	coord := NewCoordinator(nil, store, cache,
		normalize.New(nil, fetcher), gw, sender,
		Options{ChunkLimit: 4096, FetchRetryMax: 1, ContextLimit: 5})
	return &fixture{store: store, cache: cache, backend: backend, sender: sender, coord: coord}
}

func TestTextMessageLinked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "The capital is Paris."}, mapFetcher{})

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "Capital of France?",
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)
	assert.Equal(t, int32(1), f.backend.calls.Load())

	link, ok := f.store.Link(conversation.Key{ChatID: "c1", UserID: "u1"}, "m1")
	require.True(t, ok)
	require.Len(t, link.ResponseMessageIDs, 1)
	assert.Equal(t, []string{"The capital is Paris."}, f.sender.messages())
}

func TestRedeliveryDoesNotDuplicateSends(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "hello"}, mapFetcher{})
	in := Inbound{ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "hi"}

	state, err := f.coord.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)

	state, err = f.coord.Process(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, StateReceived, state)

	assert.Len(t, f.sender.messages(), 1, "redelivery must not resend")
	assert.Equal(t, int32(1), f.backend.calls.Load())
}

func TestSameImageTwiceHitsCache(t *testing.T) {
	t.Parallel()

	payload := []byte{0xFF, 0xD8, 0xFF, 0xAA}
	f := newFixture(t, &fakeBackend{reply: "A photo of a cat."},
		mapFetcher{"file-1": payload, "file-2": payload})
	key := conversation.Key{ChatID: "c1", UserID: "u1"}
	att := func(ref string) *normalize.Attachment {
		return &normalize.Attachment{Kind: normalize.MediaImage, Ref: ref, Mime: "image/jpeg"}
	}

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1", Attachment: att("file-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)
	assert.Equal(t, int32(1), f.backend.calls.Load())

	state, err = f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m2", Attachment: att("file-2"),
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)
	assert.Equal(t, int32(1), f.backend.calls.Load(), "identical bytes must not re-infer")

	// Cache hit still records a fresh per-occurrence history entry.
	var analyses []conversation.AttachmentAnalysis
	for a := range f.store.RecentAnalyses(key, 10) {
		analyses = append(analyses, a)
	}
	require.Len(t, analyses, 2)
	assert.Equal(t, analyses[0].Fingerprint, analyses[1].Fingerprint)
	assert.NotEqual(t, analyses[0].ID, analyses[1].ID)
	assert.Equal(t, "m2", analyses[0].SourceMessageID)
	assert.Equal(t, "m1", analyses[1].SourceMessageID)

	// Both users got the same description delivered.
	assert.Equal(t, []string{"A photo of a cat.", "A photo of a cat."}, f.sender.messages())
}

func TestInferenceUnavailableSendsOneApology(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{err: fmt.Errorf("%w: timeout", inference.ErrTransient)}, mapFetcher{})

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "hello?",
	})
	assert.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, inference.ErrUnavailable)

	msgs := f.sender.messages()
	require.Len(t, msgs, 1, "exactly one apology")
	assert.Equal(t, apologyUnavailable, msgs[0])

	// The link exists and carries only the apology id.
	link, ok := f.store.Link(conversation.Key{ChatID: "c1", UserID: "u1"}, "m1")
	require.True(t, ok)
	assert.Equal(t, []string{"out-1"}, link.ResponseMessageIDs)
}

func TestRejectedRequestApology(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{err: fmt.Errorf("%w: policy", inference.ErrRejected)}, mapFetcher{})

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "do the thing",
	})
	assert.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, inference.ErrRejected)
	assert.Equal(t, []string{apologyRejected}, f.sender.messages())
}

func TestGroupMessageGating(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "hi"}, mapFetcher{})
	key := conversation.Key{ChatID: "g1", UserID: "u1"}

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "g1", UserID: "u1", MessageID: "m1", Text: "random chatter", IsGroup: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateReceived, state)
	assert.Empty(t, f.sender.messages())
	// The link is still recorded for replay safety.
	_, ok := f.store.Link(key, "m1")
	assert.True(t, ok)

	state, err = f.coord.Process(context.Background(), Inbound{
		ChatID: "g1", UserID: "u1", MessageID: "m2", Text: "@bot hello",
		IsGroup: true, IsMentioned: true,
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)
	assert.Len(t, f.sender.messages(), 1)
}

func TestClearCommand(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "hi"}, mapFetcher{})
	key := conversation.Key{ChatID: "c1", UserID: "u1"}

	_, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "hello",
	})
	require.NoError(t, err)

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m2", Text: "/clear",
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)

	if _, ok := f.store.Link(key, "m1"); ok {
		t.Fatal("history survived /clear")
	}
	// The confirmation itself is linked to the command message.
	link, ok := f.store.Link(key, "m2")
	require.True(t, ok)
	assert.Len(t, link.ResponseMessageIDs, 1)
	msgs := f.sender.messages()
	assert.Equal(t, clearConfirmation, msgs[len(msgs)-1])
}

func TestLongResponseChunkedAndAllLinked(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("line of prose\n", 40)
	backend := &fakeBackend{reply: strings.TrimRight(long, "\n")}
	store := conversation.NewStore(nil)
	cache, err := analysis.NewCache(nil, 8)
	require.NoError(t, err)
	gw, err := inference.NewGateway(nil, inference.RetryPolicy{MaxAttempts: 1}, backend)
	require.NoError(t, err)
	sender := &fakeSender{}
	coord := NewCoordinator(nil, store, cache,
		normalize.New(nil, mapFetcher{}), gw, sender,
		Options{ChunkLimit: 100})

	state, err := coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "tell me everything",
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)

	msgs := sender.messages()
	require.Greater(t, len(msgs), 1, "expected the response to be chunked")
	for i, m := range msgs {
		assert.LessOrEqual(t, len([]rune(m)), 100, "chunk %d over limit", i)
	}

	link, ok := store.Link(conversation.Key{ChatID: "c1", UserID: "u1"}, "m1")
	require.True(t, ok)
	require.Len(t, link.ResponseMessageIDs, len(msgs))
	for i, id := range link.ResponseMessageIDs {
		assert.Equal(t, fmt.Sprintf("out-%d", i+1), id, "ordering must match send order")
	}
}

func TestDocumentAttachmentRecordsExtraction(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "A summary of the report."},
		mapFetcher{"doc-1": []byte("revenue is up 10%")})
	key := conversation.Key{ChatID: "c1", UserID: "u1"}

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1",
		Attachment: &normalize.Attachment{
			Kind: normalize.MediaDocument, Ref: "doc-1",
			Mime: "text/plain", Caption: "summarize this",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)

	var got conversation.AttachmentAnalysis
	for a := range f.store.RecentAnalyses(key, 1) {
		got = a
	}
	assert.Equal(t, conversation.KindExtraction, got.Kind)
	assert.Equal(t, "summarize this", got.Caption)
	assert.Equal(t, "A summary of the report.", got.Result)
	require.Len(t, got.ResponseMessageIDs, 1)
}

type staticTranscriber struct{ text string }

func (s staticTranscriber) Transcribe(ctx context.Context, data []byte, mime string) (string, error) {
	return s.text, nil
}

func TestVoiceMessageBecomesTextTurn(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{reply: "Nice to meet you too."}
	store := conversation.NewStore(nil)
	cache, err := analysis.NewCache(nil, 8)
	require.NoError(t, err)
	gw, err := inference.NewGateway(nil, inference.RetryPolicy{MaxAttempts: 1}, backend)
	require.NoError(t, err)
	sender := &fakeSender{}
	coord := NewCoordinator(nil, store, cache,
		normalize.New(nil, mapFetcher{"v1": []byte("ogg")},
			normalize.WithTranscriber(staticTranscriber{text: "nice to meet you"})),
		gw, sender, Options{})

	state, err := coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1",
		Attachment: &normalize.Attachment{Kind: normalize.MediaAudio, Ref: "v1", Mime: "audio/ogg"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateLinked, state)
	assert.Equal(t, int32(1), backend.calls.Load())
	assert.Equal(t, []string{"Nice to meet you too."}, sender.messages())

	// A transcript is conversational input, not a cached analysis.
	assert.Equal(t, 0, cache.Len())
}

func TestUnsupportedAttachmentFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "unused"}, mapFetcher{"v1": []byte("ogg")})

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1",
		Attachment: &normalize.Attachment{Kind: normalize.MediaAudio, Ref: "v1"},
	})
	assert.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, normalize.ErrUnsupportedMediaKind)
	assert.Equal(t, []string{apologyUnsupportedMedia}, f.sender.messages())
	assert.Equal(t, int32(0), f.backend.calls.Load())
}

func TestFetchFailureApology(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "unused"}, mapFetcher{})

	state, err := f.coord.Process(context.Background(), Inbound{
		ChatID: "c1", UserID: "u1", MessageID: "m1",
		Attachment: &normalize.Attachment{Kind: normalize.MediaImage, Ref: "missing"},
	})
	assert.Equal(t, StateFailed, state)
	require.ErrorIs(t, err, normalize.ErrFetchFailed)
	assert.Equal(t, []string{apologyFetch}, f.sender.messages())
}

func TestAlive(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "hi"}, mapFetcher{})
	assert.True(t, f.coord.Alive(time.Minute))
	assert.False(t, f.coord.Alive(-time.Second))
}

func TestDrainWaitsForInflight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, &fakeBackend{reply: "hi"}, mapFetcher{})

	done := make(chan struct{})
	go func() {
		f.coord.Process(context.Background(), Inbound{
			ChatID: "c1", UserID: "u1", MessageID: "m1", Text: "hi",
		})
		close(done)
	}()
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.coord.Drain(ctx))
}
