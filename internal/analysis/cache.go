// Package analysis provides the content-addressed cache of attachment
// analyses. The cache deduplicates expensive inference work; conversation
// history is per-occurrence and lives in the conversation store.
package analysis

import (
	"context"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/courierai/courier/internal/conversation"
)

// CacheKey addresses one analysis: attachment fingerprint plus analysis kind.
type CacheKey struct {
	Fingerprint string
	Kind        string
}

func (k CacheKey) String() string {
	return k.Fingerprint + "\x00" + k.Kind
}

// ComputeFunc produces an analysis result when the cache has none.
type ComputeFunc func(ctx context.Context) (conversation.AttachmentAnalysis, error)

// Cache is a concurrency-safe LRU over (fingerprint, kind). Concurrent
// requests for the same key collapse into a single computation.
type Cache struct {
	logger  *slog.Logger
	entries *lru.Cache[CacheKey, conversation.AttachmentAnalysis]
	group   singleflight.Group
}

// NewCache creates a cache bounded to capacity entries.
func NewCache(log *slog.Logger, capacity int) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	entries, err := lru.New[CacheKey, conversation.AttachmentAnalysis](capacity)
	if err != nil {
		return nil, fmt.Errorf("create analysis cache: %w", err)
	}
	return &Cache{
		logger:  log.With(slog.String("service", "analysis_cache")),
		entries: entries,
	}, nil
}

// Get returns the cached analysis for (fingerprint, kind). Never computes.
func (c *Cache) Get(fingerprint, kind string) (conversation.AttachmentAnalysis, bool) {
	return c.entries.Get(CacheKey{Fingerprint: fingerprint, Kind: kind})
}

// Put stores an analysis under (fingerprint, kind), overwriting any prior
// entry. Idempotent for identical results; a different result for the
// same key replaces it (re-analysis after caller-side invalidation).
func (c *Cache) Put(fingerprint, kind string, a conversation.AttachmentAnalysis) conversation.AttachmentAnalysis {
	a.Fingerprint = fingerprint
	a.Kind = kind
	c.entries.Add(CacheKey{Fingerprint: fingerprint, Kind: kind}, a)
	return a
}

// Invalidate drops the entry for (fingerprint, kind), if present.
func (c *Cache) Invalidate(fingerprint, kind string) {
	c.entries.Remove(CacheKey{Fingerprint: fingerprint, Kind: kind})
}

// Len reports the current number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// GetOrCompute returns the cached analysis or runs compute exactly once
// per key across concurrent callers, storing the result on success. The
// computed flag reports whether this call's flight ran the computation
// (false on a plain cache hit).
func (c *Cache) GetOrCompute(ctx context.Context, fingerprint, kind string, compute ComputeFunc) (conversation.AttachmentAnalysis, bool, error) {
	key := CacheKey{Fingerprint: fingerprint, Kind: kind}
	if a, ok := c.entries.Get(key); ok {
		return a, false, nil
	}

	type outcome struct {
		analysis conversation.AttachmentAnalysis
		computed bool
	}
	v, err, _ := c.group.Do(key.String(), func() (any, error) {
		// A concurrent flight may have filled the entry while we queued.
		if a, ok := c.entries.Get(key); ok {
			return outcome{analysis: a}, nil
		}
		a, err := compute(ctx)
		if err != nil {
			return outcome{}, err
		}
		a = c.Put(fingerprint, kind, a)
		c.logger.Debug("analysis computed",
			slog.String("fingerprint", fingerprint),
			slog.String("kind", kind))
		return outcome{analysis: a, computed: true}, nil
	})
	if err != nil {
		return conversation.AttachmentAnalysis{}, false, err
	}
	out := v.(outcome)
	return out.analysis, out.computed, nil
}
