// Package config holds the persisted application configuration: the tracked
// conversations with their watermarks and the global sync settings.
package config

import (
	"errors"
	"slices"
	"time"
)

const (
	DefaultIntervalMinutes = 5
	DefaultMessageIDDomain = "imessage-relay.local"
)

// ErrConversationNotFound is returned when an operation names a conversation
// that is not tracked.
var ErrConversationNotFound = errors.New("conversation not tracked")

// AppConfig is the document kept by the config store.
type AppConfig struct {
	Email         EmailSettings         `json:"email"`
	Sync          SyncSettings          `json:"sync"`
	Conversations []TrackedConversation `json:"conversations"`
}

// EmailSettings describes where forwarded messages go.
type EmailSettings struct {
	Recipient       string `json:"recipient"`
	FromName        string `json:"fromName,omitempty"`
	FromAddress     string `json:"fromAddress,omitempty"`
	MessageIDDomain string `json:"messageIdDomain,omitempty"`
}

// SyncSettings are the global scheduling knobs.
type SyncSettings struct {
	IntervalMinutes int        `json:"intervalMinutes"`
	AutoSync        bool       `json:"autoSync"`
	LastSyncAt      *time.Time `json:"lastSyncAt,omitempty"`
}

// TrackedConversation is a conversation the user asked to forward.
// LastSyncedAt is the watermark: the timestamp of the newest message already
// processed. Nil means the conversation has never completed a cycle.
// SeenMessageIDs lists the messages processed inside the skew buffer below the
// watermark, which the next cycle reads again.
type TrackedConversation struct {
	ID             string     `json:"id"`
	DisplayName    string     `json:"displayName,omitempty"`
	Participants   []string   `json:"participants"`
	IsGroup        bool       `json:"isGroup,omitempty"`
	LastSyncedAt   *time.Time `json:"lastSyncedAt,omitempty"`
	LastMessageID  string     `json:"lastMessageId,omitempty"`
	SeenMessageIDs []string   `json:"seenMessageIds,omitempty"`
	AddedAt        time.Time  `json:"addedAt"`
}

// Default returns a config with no tracked conversations.
func Default() *AppConfig {
	return &AppConfig{
		Email: EmailSettings{MessageIDDomain: DefaultMessageIDDomain},
		Sync: SyncSettings{
			IntervalMinutes: DefaultIntervalMinutes,
			AutoSync:        true,
		},
	}
}

// Interval returns the configured sync interval, falling back to the default
// for unset or invalid values.
func (s SyncSettings) Interval() time.Duration {
	if s.IntervalMinutes <= 0 {
		return DefaultIntervalMinutes * time.Minute
	}
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// FindConversation returns the index of the conversation with the given id,
// or -1.
func (c *AppConfig) FindConversation(id string) int {
	return slices.IndexFunc(c.Conversations, func(tc TrackedConversation) bool {
		return tc.ID == id
	})
}

// AddConversation appends a conversation to the tracked list. Adding an id
// that is already tracked only refreshes its display name and participants.
func (c *AppConfig) AddConversation(tc TrackedConversation, now time.Time) {
	if len(tc.Participants) == 0 {
		tc.Participants = []string{tc.ID}
	}
	if i := c.FindConversation(tc.ID); i >= 0 {
		existing := &c.Conversations[i]
		existing.Participants = tc.Participants
		existing.IsGroup = tc.IsGroup
		if tc.DisplayName != "" {
			existing.DisplayName = tc.DisplayName
		}
		return
	}
	if tc.AddedAt.IsZero() {
		tc.AddedAt = now
	}
	c.Conversations = append(c.Conversations, tc)
}

// RemoveConversation drops a conversation from tracking.
func (c *AppConfig) RemoveConversation(id string) error {
	i := c.FindConversation(id)
	if i < 0 {
		return ErrConversationNotFound
	}
	c.Conversations = slices.Delete(c.Conversations, i, i+1)
	return nil
}

// Clone returns a deep copy so callers can hand out snapshots.
func (c *AppConfig) Clone() *AppConfig {
	out := *c
	out.Sync.LastSyncAt = cloneTime(c.Sync.LastSyncAt)
	out.Conversations = make([]TrackedConversation, len(c.Conversations))
	for i, tc := range c.Conversations {
		tc.Participants = slices.Clone(tc.Participants)
		tc.SeenMessageIDs = slices.Clone(tc.SeenMessageIDs)
		tc.LastSyncedAt = cloneTime(tc.LastSyncedAt)
		out.Conversations[i] = tc
	}
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
