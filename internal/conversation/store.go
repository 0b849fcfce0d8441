package conversation

import (
	"hash/fnv"
	"iter"
	"log/slog"
	"sync"
	"time"
)

const shardCount = 32

// entry wraps a State with a message-id index so AppendResponse stays O(1).
// The index is derived data and is rebuilt on restore and after trims.
type entry struct {
	state State
	index map[string]int
}

func (e *entry) reindex() {
	e.index = make(map[string]int, len(e.state.Links))
	for i, l := range e.state.Links {
		e.index[l.InboundMessageID] = i
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// Store is the conversation state store. All mutation of conversation
// state goes through it; operations on one key are serialized by the
// owning shard while unrelated keys proceed in parallel.
type Store struct {
	logger *slog.Logger
	shards [shardCount]shard
	now    func() time.Time
}

// NewStore creates an empty Store.
func NewStore(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		logger: log.With(slog.String("service", "conversation_store")),
		now:    time.Now,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[Key]*entry)
	}
	return s
}

func (s *Store) shardFor(key Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.ChatID))
	h.Write([]byte{0})
	h.Write([]byte(key.UserID))
	return &s.shards[h.Sum32()%shardCount]
}

func (sh *shard) entryFor(key Key) *entry {
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{index: make(map[string]int)}
		sh.entries[key] = e
	}
	return e
}

// RecordInbound creates the MessageLink for messageID if absent and
// returns it. First write wins: a redelivered message id returns the
// existing link unchanged with created=false, so callers can detect
// replays before doing any work.
func (s *Store) RecordInbound(key Key, messageID string) (MessageLink, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entryFor(key)
	if i, ok := e.index[messageID]; ok {
		return cloneLink(e.state.Links[i]), false
	}
	link := MessageLink{
		InboundMessageID: messageID,
		CreatedAt:        s.now().UTC(),
	}
	e.state.Links = append(e.state.Links, link)
	e.index[messageID] = len(e.state.Links) - 1
	return cloneLink(link), true
}

// AppendResponse appends responseID to the link for messageID. Fails with
// ErrUnknownInboundMessage when no link exists; it never creates one.
func (s *Store) AppendResponse(key Key, messageID, responseID string) error {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return ErrUnknownInboundMessage
	}
	i, ok := e.index[messageID]
	if !ok {
		return ErrUnknownInboundMessage
	}
	e.state.Links[i].ResponseMessageIDs = append(e.state.Links[i].ResponseMessageIDs, responseID)
	return nil
}

// Link returns the current link for messageID, if any.
func (s *Store) Link(key Key, messageID string) (MessageLink, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return MessageLink{}, false
	}
	i, ok := e.index[messageID]
	if !ok {
		return MessageLink{}, false
	}
	return cloneLink(e.state.Links[i]), true
}

// RecordAnalysis appends an analysis record to the conversation history.
// The history is per-occurrence: the same fingerprint may appear many
// times. Work dedup lives in the analysis cache, not here.
func (s *Store) RecordAnalysis(key Key, analysis AttachmentAnalysis) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if analysis.Timestamp.IsZero() {
		analysis.Timestamp = s.now().UTC()
	}
	e := sh.entryFor(key)
	e.state.Analyses = append(e.state.Analyses, analysis)
}

// RecentAnalyses returns a lazy sequence of at most limit analysis
// records, newest first. The sequence iterates over a snapshot taken at
// call time; it is intended for a single ranged consumption.
func (s *Store) RecentAnalyses(key Key, limit int) iter.Seq[AttachmentAnalysis] {
	var snapshot []AttachmentAnalysis
	if limit > 0 {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if e, ok := sh.entries[key]; ok {
			n := min(limit, len(e.state.Analyses))
			snapshot = make([]AttachmentAnalysis, 0, n)
			for i := len(e.state.Analyses) - 1; i >= 0 && len(snapshot) < n; i-- {
				snapshot = append(snapshot, e.state.Analyses[i])
			}
		}
		sh.mu.Unlock()
	}
	return func(yield func(AttachmentAnalysis) bool) {
		for _, a := range snapshot {
			if !yield(a) {
				return
			}
		}
	}
}

// SetFlag sets an ephemeral per-conversation flag. An empty value clears it.
func (s *Store) SetFlag(key Key, name, value string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entryFor(key)
	if value == "" {
		delete(e.state.Flags, name)
		return
	}
	if e.state.Flags == nil {
		e.state.Flags = make(map[string]string)
	}
	e.state.Flags[name] = value
}

// Flag reads an ephemeral per-conversation flag.
func (s *Store) Flag(key Key, name string) (string, bool) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return "", false
	}
	v, ok := e.state.Flags[name]
	return v, ok
}

// MarkActivity bumps the usage counters for one inbound message of the
// given media kind ("" for plain text).
func (s *Store) MarkActivity(key Key, mediaKind string) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e := sh.entryFor(key)
	e.state.Stats.Messages++
	switch mediaKind {
	case "image":
		e.state.Stats.Images++
	case "document":
		e.state.Stats.Documents++
	case "audio":
		e.state.Stats.VoiceMessages++
	}
	e.state.Stats.LastActive = s.now().UTC()
}

// Stats returns a copy of the usage counters for key.
func (s *Store) Stats(key Key) Stats {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		return e.state.Stats
	}
	return Stats{}
}

// ClearHistory drops both histories for key but keeps flags and counters.
func (s *Store) ClearHistory(key Key) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[key]
	if !ok {
		return
	}
	e.state.Links = nil
	e.state.Analyses = nil
	e.reindex()
}

// Trim drops link and analysis entries older than retention for key.
func (s *Store) Trim(key Key, retention time.Duration) {
	cutoff := s.now().UTC().Add(-retention)
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		trimEntry(e, cutoff)
	}
}

// TrimAll applies the retention window to every conversation. Called on a
// cadence, not on every write.
func (s *Store) TrimAll(retention time.Duration) {
	cutoff := s.now().UTC().Add(-retention)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			trimEntry(e, cutoff)
		}
		sh.mu.Unlock()
	}
}

func trimEntry(e *entry, cutoff time.Time) {
	links := e.state.Links
	start := 0
	for start < len(links) && links[start].CreatedAt.Before(cutoff) {
		start++
	}
	if start > 0 {
		e.state.Links = append([]MessageLink(nil), links[start:]...)
		e.reindex()
	}

	analyses := e.state.Analyses
	start = 0
	for start < len(analyses) && analyses[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		e.state.Analyses = append([]AttachmentAnalysis(nil), analyses[start:]...)
	}
}

// Snapshot returns a deep copy of every conversation state, suitable for
// handing to the durable store without holding locks during the write.
func (s *Store) Snapshot() map[Key]State {
	out := make(map[Key]State)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, e := range sh.entries {
			out[k] = e.state.Clone()
		}
		sh.mu.Unlock()
	}
	return out
}

// Restore replaces the store contents with a previously snapshotted state
// map. Used once at startup before the dispatch loop starts.
func (s *Store) Restore(states map[Key]State) {
	for k, st := range states {
		sh := s.shardFor(k)
		sh.mu.Lock()
		e := &entry{state: st.Clone()}
		e.reindex()
		sh.entries[k] = e
		sh.mu.Unlock()
	}
	s.logger.Info("state restored", slog.Int("conversations", len(states)))
}

// Len reports the number of tracked conversations.
func (s *Store) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

func cloneLink(l MessageLink) MessageLink {
	l.ResponseMessageIDs = append([]string(nil), l.ResponseMessageIDs...)
	return l
}
