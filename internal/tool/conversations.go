package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/imessage-relay/internal/config"
)

// ListConversationsRequest has no parameters.
type ListConversationsRequest struct{}

// ListConversationsResponse lists tracked conversations in sync order.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations" jsonschema:"tracked conversations"`
}

// Conversation is a tracked conversation with its sync state.
type Conversation struct {
	ID            string   `json:"id" jsonschema:"chat identifier"`
	Name          string   `json:"name" jsonschema:"resolved display name"`
	Participants  []string `json:"participants" jsonschema:"phone numbers or emails"`
	IsGroup       bool     `json:"is_group,omitempty" jsonschema:"group chat"`
	Watermark     string   `json:"watermark,omitempty" jsonschema:"RFC3339 timestamp of the newest processed message"`
	LastMessageID string   `json:"last_message_id,omitempty" jsonschema:"GUID of the newest processed message"`
	AddedAt       string   `json:"added_at" jsonschema:"RFC3339 time tracking started"`
}

// TrackConversationRequest names a conversation to forward.
type TrackConversationRequest struct {
	ID           string   `json:"id" jsonschema:"chat identifier, a phone number or email for direct chats"`
	DisplayName  string   `json:"display_name,omitempty" jsonschema:"optional subject name"`
	Participants []string `json:"participants,omitempty" jsonschema:"participants, defaults to the id"`
	IsGroup      bool     `json:"is_group,omitempty" jsonschema:"group chat"`
}

// ConversationRequest names a tracked conversation.
type ConversationRequest struct {
	ID string `json:"id" jsonschema:"chat identifier"`
}

// ResetWatermarkRequest moves a watermark, possibly backwards.
type ResetWatermarkRequest struct {
	ID string `json:"id" jsonschema:"chat identifier"`
	To string `json:"to,omitempty" jsonschema:"RFC3339 timestamp, empty clears the watermark"`
}

// StatusResponse acknowledges a change.
type StatusResponse struct {
	Status string `json:"status" jsonschema:"result of the operation"`
}

type conversationStore interface {
	Conversations() ([]config.TrackedConversation, error)
	Track(tc config.TrackedConversation, now time.Time) error
	Untrack(id string) error
	Reset(id string, to *time.Time) error
}

type nameResolver interface {
	ConversationName(ctx context.Context, conv config.TrackedConversation) string
}

// NewConversations creates the conversation management tools.
func NewConversations(store conversationStore, res nameResolver) *Conversations {
	return &Conversations{store: store, res: res, now: time.Now}
}

// Conversations manages the tracked conversation list.
type Conversations struct {
	store conversationStore
	res   nameResolver
	now   func() time.Time
}

// List returns the tracked conversations.
func (t *Conversations) List(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ ListConversationsRequest,
) (*mcp.CallToolResult, ListConversationsResponse, error) {
	convs, err := t.store.Conversations()
	if err != nil {
		return nil, ListConversationsResponse{}, fmt.Errorf("store.Conversations failed: %w", err)
	}

	out := make([]Conversation, 0, len(convs))
	for _, tc := range convs {
		c := Conversation{
			ID:            tc.ID,
			Name:          t.res.ConversationName(ctx, tc),
			Participants:  tc.Participants,
			IsGroup:       tc.IsGroup,
			LastMessageID: tc.LastMessageID,
			AddedAt:       tc.AddedAt.Format(time.RFC3339),
		}
		if tc.LastSyncedAt != nil {
			c.Watermark = tc.LastSyncedAt.Format(time.RFC3339)
		}
		out = append(out, c)
	}

	return nil, ListConversationsResponse{Conversations: out}, nil
}

// Track starts forwarding a conversation. The first cycle forwards messages
// newer than the moment it was added.
func (t *Conversations) Track(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input TrackConversationRequest,
) (*mcp.CallToolResult, StatusResponse, error) {
	if input.ID == "" {
		return nil, StatusResponse{}, fmt.Errorf("id is required")
	}

	tc := config.TrackedConversation{
		ID:           input.ID,
		DisplayName:  input.DisplayName,
		Participants: input.Participants,
		IsGroup:      input.IsGroup,
	}
	if err := t.store.Track(tc, t.now()); err != nil {
		return nil, StatusResponse{}, fmt.Errorf("store.Track failed: %w", err)
	}

	return nil, StatusResponse{Status: "tracking " + input.ID}, nil
}

// Untrack stops forwarding a conversation.
func (t *Conversations) Untrack(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input ConversationRequest,
) (*mcp.CallToolResult, StatusResponse, error) {
	if err := t.store.Untrack(input.ID); err != nil {
		return nil, StatusResponse{}, fmt.Errorf("store.Untrack(%s) failed: %w", input.ID, err)
	}

	return nil, StatusResponse{Status: "untracked " + input.ID}, nil
}

// ResetWatermark sets or clears a conversation's watermark.
func (t *Conversations) ResetWatermark(
	_ context.Context,
	_ *mcp.CallToolRequest,
	input ResetWatermarkRequest,
) (*mcp.CallToolResult, StatusResponse, error) {
	var to *time.Time
	if input.To != "" {
		v, err := time.Parse(time.RFC3339, input.To)
		if err != nil {
			return nil, StatusResponse{}, fmt.Errorf("invalid timestamp %q: %w", input.To, err)
		}
		to = &v
	}

	if err := t.store.Reset(input.ID, to); err != nil {
		return nil, StatusResponse{}, fmt.Errorf("store.Reset(%s) failed: %w", input.ID, err)
	}

	if to == nil {
		return nil, StatusResponse{Status: "watermark cleared for " + input.ID}, nil
	}
	return nil, StatusResponse{Status: fmt.Sprintf("watermark of %s set to %s", input.ID, to.Format(time.RFC3339))}, nil
}
