// Package persist stores conversation state durably across restarts.
//
// The backing store is a Pebble key-value database: one key per
// conversation, JSON value. The format is an implementation detail; the
// only contract is round-trip fidelity of the state map.
package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/pebble"

	"github.com/courierai/courier/internal/conversation"
)

const keyPrefix = "conv:"

// Store is a pebble-backed durable state store.
type Store struct {
	db     *pebble.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With(slog.String("service", "persist")),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads every stored conversation. An empty database yields an empty
// map. A record that cannot be decoded is a hard error: the process must
// refuse to start rather than run against inconsistent state.
func (s *Store) Load() (map[conversation.Key]conversation.State, error) {
	out := make(map[conversation.Key]conversation.State)

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate state db: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key, err := parseKey(string(iter.Key()))
		if err != nil {
			return nil, fmt.Errorf("corrupt state record %q: %w", iter.Key(), err)
		}
		var st conversation.State
		if err := json.Unmarshal(iter.Value(), &st); err != nil {
			return nil, fmt.Errorf("corrupt state record %q: %w", iter.Key(), err)
		}
		out[key] = st
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate state db: %w", err)
	}

	s.logger.Info("state loaded", slog.Int("conversations", len(out)))
	return out, nil
}

// Save writes the full snapshot in one batch, removing conversations that
// no longer exist in memory (e.g. fully trimmed away).
func (s *Store) Save(states map[conversation.Key]conversation.State) error {
	existing, err := s.storedKeys()
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for k, st := range states {
		data, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal state %s: %w", k, err)
		}
		if err := batch.Set(storageKey(k), data, nil); err != nil {
			return fmt.Errorf("stage state %s: %w", k, err)
		}
		delete(existing, k)
	}
	for k := range existing {
		if err := batch.Delete(storageKey(k), nil); err != nil {
			return fmt.Errorf("stage delete %s: %w", k, err)
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit state batch: %w", err)
	}
	s.logger.Debug("state flushed", slog.Int("conversations", len(states)))
	return nil
}

func (s *Store) storedKeys() (map[conversation.Key]struct{}, error) {
	out := make(map[conversation.Key]struct{})
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "\xff"),
	})
	if err != nil {
		return nil, fmt.Errorf("iterate state db: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		key, err := parseKey(string(iter.Key()))
		if err != nil {
			continue
		}
		out[key] = struct{}{}
	}
	return out, iter.Error()
}

func storageKey(k conversation.Key) []byte {
	return []byte(keyPrefix + k.ChatID + "\x00" + k.UserID)
}

func parseKey(raw string) (conversation.Key, error) {
	rest, ok := strings.CutPrefix(raw, keyPrefix)
	if !ok {
		return conversation.Key{}, fmt.Errorf("missing %q prefix", keyPrefix)
	}
	chatID, userID, ok := strings.Cut(rest, "\x00")
	if !ok {
		return conversation.Key{}, fmt.Errorf("malformed key")
	}
	return conversation.Key{ChatID: chatID, UserID: userID}, nil
}
