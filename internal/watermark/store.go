// Package watermark tracks, per conversation, the timestamp of the newest
// message a committed sync cycle has processed.
package watermark

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hal9000y/imessage-relay/internal/config"
)

// Backend is the persisted config the watermarks live in.
type Backend interface {
	Load() (*config.AppConfig, error)
	Save(*config.AppConfig) error
}

// Update is a candidate watermark advance for one conversation. SeenIDs
// replaces the conversation's set of already processed messages. Base is the
// watermark the cycle read before extracting, nil if there was none.
type Update struct {
	Base          *time.Time
	Watermark     time.Time
	LastMessageID string
	SeenIDs       []string
}

// Store reads and batch-writes watermarks on top of the config backend.
type Store struct {
	mu      sync.Mutex
	backend Backend
}

// NewStore wraps a config backend.
func NewStore(backend Backend) *Store {
	return &Store{backend: backend}
}

// Conversations returns a snapshot of the tracked conversations in insertion
// order.
func (s *Store) Conversations() ([]config.TrackedConversation, error) {
	cfg, err := s.backend.Load()
	if err != nil {
		return nil, fmt.Errorf("backend.Load failed: %w", err)
	}
	return cfg.Clone().Conversations, nil
}

// Read returns the watermark of a conversation, nil if it has never been
// synced.
func (s *Store) Read(id string) (*time.Time, error) {
	cfg, err := s.backend.Load()
	if err != nil {
		return nil, fmt.Errorf("backend.Load failed: %w", err)
	}
	i := cfg.FindConversation(id)
	if i < 0 {
		return nil, config.ErrConversationNotFound
	}
	if wm := cfg.Conversations[i].LastSyncedAt; wm != nil {
		v := *wm
		return &v, nil
	}
	return nil, nil
}

// CommitBatch applies all updates with a single read-modify-write of the
// backend. Only the watermark fields of the named conversations and the global
// last-sync time are touched; everything else comes from the freshly loaded
// document, so edits made since the cycle started are kept. Updates for
// conversations no longer tracked are dropped, and an update never moves a
// watermark backwards. An update whose Base no longer matches the stored
// watermark is stale, a Reset happened since it was read, and is dropped too.
// If the save fails nothing is applied.
func (s *Store) CommitBatch(updates map[string]Update, syncedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("backend.Load failed: %w", err)
	}

	for id, u := range updates {
		i := cfg.FindConversation(id)
		if i < 0 {
			continue
		}
		tc := &cfg.Conversations[i]
		if !sameWatermark(tc.LastSyncedAt, u.Base) {
			continue
		}
		if tc.LastSyncedAt != nil && u.Watermark.Before(*tc.LastSyncedAt) {
			continue
		}
		wm := u.Watermark
		tc.LastSyncedAt = &wm
		if u.LastMessageID != "" {
			tc.LastMessageID = u.LastMessageID
		}
		tc.SeenMessageIDs = slices.Clone(u.SeenIDs)
	}

	if !syncedAt.IsZero() {
		cfg.Sync.LastSyncAt = &syncedAt
	}

	if err := s.backend.Save(cfg); err != nil {
		return fmt.Errorf("backend.Save failed: %w", err)
	}

	return nil
}

func sameWatermark(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// Reset sets a conversation's watermark to the given value, or clears it when
// to is nil. It is the only way a watermark can move backwards and is meant
// for explicit user requests.
func (s *Store) Reset(id string, to *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("backend.Load failed: %w", err)
	}
	i := cfg.FindConversation(id)
	if i < 0 {
		return config.ErrConversationNotFound
	}

	tc := &cfg.Conversations[i]
	if to == nil {
		tc.LastSyncedAt = nil
	} else {
		v := *to
		tc.LastSyncedAt = &v
	}
	tc.LastMessageID = ""
	tc.SeenMessageIDs = nil

	if err := s.backend.Save(cfg); err != nil {
		return fmt.Errorf("backend.Save failed: %w", err)
	}

	return nil
}

// Track adds a conversation, or refreshes its metadata when it is already
// tracked. Watermarks of tracked conversations are not touched.
func (s *Store) Track(tc config.TrackedConversation, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("backend.Load failed: %w", err)
	}
	cfg.AddConversation(tc, now)

	if err := s.backend.Save(cfg); err != nil {
		return fmt.Errorf("backend.Save failed: %w", err)
	}

	return nil
}

// Untrack stops forwarding a conversation and forgets its watermark.
func (s *Store) Untrack(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, err := s.backend.Load()
	if err != nil {
		return fmt.Errorf("backend.Load failed: %w", err)
	}
	if err := cfg.RemoveConversation(id); err != nil {
		return err
	}

	if err := s.backend.Save(cfg); err != nil {
		return fmt.Errorf("backend.Save failed: %w", err)
	}

	return nil
}
