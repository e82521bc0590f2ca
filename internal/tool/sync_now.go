package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hal9000y/imessage-relay/internal/syncer"
)

// SyncNowRequest has no parameters.
type SyncNowRequest struct{}

// SyncNowResponse reports the outcome of a manually triggered cycle.
type SyncNowResponse struct {
	Skipped       bool                 `json:"skipped,omitempty" jsonschema:"a cycle was already running, nothing was done"`
	Simulated     bool                 `json:"simulated,omitempty" jsonschema:"no transport available, emails were only logged"`
	Committed     bool                 `json:"committed" jsonschema:"watermarks were saved"`
	Took          string               `json:"took,omitempty" jsonschema:"cycle duration"`
	Conversations []ConversationResult `json:"conversations,omitempty" jsonschema:"per-conversation counts"`
}

// ConversationResult holds the counts of one conversation.
type ConversationResult struct {
	ID        string `json:"id" jsonschema:"chat identifier"`
	Name      string `json:"name,omitempty" jsonschema:"display name"`
	New       int    `json:"new" jsonschema:"messages past the watermark"`
	Incoming  int    `json:"incoming" jsonschema:"messages from others"`
	Sent      int    `json:"sent" jsonschema:"emails delivered"`
	Simulated int    `json:"simulated,omitempty" jsonschema:"emails only logged"`
	Failed    int    `json:"failed,omitempty" jsonschema:"emails that could not be delivered"`
	Baseline  bool   `json:"baseline,omitempty" jsonschema:"history was marked seen without sending"`
	Error     string `json:"error,omitempty" jsonschema:"extraction error"`
}

type scheduler interface {
	Tick(ctx context.Context) (*syncer.Result, error)
}

// NewSyncNow creates the sync_now tool.
func NewSyncNow(s scheduler) *SyncNow {
	return &SyncNow{sched: s}
}

// SyncNow triggers a sync cycle through the scheduler guard.
type SyncNow struct {
	sched scheduler
}

// SyncNow runs one cycle and waits for it.
func (t *SyncNow) SyncNow(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	_ SyncNowRequest,
) (*mcp.CallToolResult, SyncNowResponse, error) {
	res, err := t.sched.Tick(ctx)
	if errors.Is(err, syncer.ErrCycleInProgress) {
		return nil, SyncNowResponse{Skipped: true}, nil
	}
	if res == nil {
		return nil, SyncNowResponse{}, fmt.Errorf("sched.Tick failed: %w", err)
	}

	out := SyncNowResponse{
		Simulated: res.Simulated,
		Committed: res.Committed,
		Took:      res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String(),
	}
	for _, c := range res.Conversations {
		cr := ConversationResult{
			ID:        c.ID,
			Name:      c.Name,
			New:       c.New,
			Incoming:  c.Incoming,
			Sent:      c.Sent,
			Simulated: c.Simulated,
			Failed:    c.Failed,
			Baseline:  c.Baseline,
		}
		if c.Err != nil {
			cr.Error = c.Err.Error()
		}
		out.Conversations = append(out.Conversations, cr)
	}

	if err != nil {
		return nil, out, fmt.Errorf("sched.Tick failed: %w", err)
	}

	return nil, out, nil
}
