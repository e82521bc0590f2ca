// Package syncer runs sync cycles: for every tracked conversation it extracts
// the messages newer than the watermark, emails the incoming ones and then
// commits all watermark advances at once.
package syncer

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hal9000y/imessage-relay/internal/archive"
	"github.com/hal9000y/imessage-relay/internal/config"
	"github.com/hal9000y/imessage-relay/internal/mailer"
	"github.com/hal9000y/imessage-relay/internal/thread"
	"github.com/hal9000y/imessage-relay/internal/watermark"
)

type watermarks interface {
	Conversations() ([]config.TrackedConversation, error)
	CommitBatch(updates map[string]watermark.Update, syncedAt time.Time) error
}

type extractor interface {
	Extract(ctx context.Context, conv config.TrackedConversation) (archive.Delta, error)
	Buffer() time.Duration
}

type resolver interface {
	Resolve(ctx context.Context, identifier string) string
	ConversationName(ctx context.Context, conv config.TrackedConversation) string
}

type builder interface {
	Build(conv config.TrackedConversation, displayName string, incoming []archive.Message, senderName func(string) string) ([]thread.Email, error)
}

type dispatcher interface {
	Prepare(ctx context.Context) bool
	Dispatch(ctx context.Context, e *thread.Email) mailer.Outcome
}

// Result summarizes one cycle.
type Result struct {
	StartedAt     time.Time
	FinishedAt    time.Time
	Simulated     bool
	Conversations []ConversationResult
	// Committed is false when the watermark commit failed; no watermark moved.
	Committed bool
	CommitErr error
}

// ConversationResult holds the counts of one conversation in a cycle.
type ConversationResult struct {
	ID        string
	Name      string
	New       int
	Incoming  int
	Outgoing  int
	Sent      int
	Simulated int
	Failed    int
	// Baseline is set when the messages were only marked as seen.
	Baseline bool
	// Watermark is the candidate watermark, nil when it does not advance.
	Watermark *time.Time
	Err       error
}

// Totals sums the per-conversation counts.
func (r *Result) Totals() (newMsgs, sent, failed, errs int) {
	for _, c := range r.Conversations {
		newMsgs += c.New
		sent += c.Sent
		failed += c.Failed
		if c.Err != nil {
			errs++
		}
	}
	return newMsgs, sent, failed, errs
}

// Cycle is one pass over every tracked conversation.
type Cycle struct {
	store      watermarks
	extractor  extractor
	resolver   resolver
	builder    builder
	dispatcher dispatcher
	now        func() time.Time
}

// NewCycle wires the cycle's collaborators.
func NewCycle(store watermarks, ex extractor, res resolver, b builder, d dispatcher) *Cycle {
	return &Cycle{
		store:      store,
		extractor:  ex,
		resolver:   res,
		builder:    b,
		dispatcher: d,
		now:        time.Now,
	}
}

// Run processes the conversations sequentially in list order and commits the
// watermark advances in a single batch at the end. Errors of a single
// conversation are recorded in the result; only loading the conversations or
// the final commit fail the cycle.
func (c *Cycle) Run(ctx context.Context) (*Result, error) {
	res := &Result{StartedAt: c.now()}

	convs, err := c.store.Conversations()
	if err != nil {
		res.FinishedAt = c.now()
		return res, fmt.Errorf("store.Conversations failed: %w", err)
	}

	res.Simulated = !c.dispatcher.Prepare(ctx)

	pending := make(map[string]watermark.Update, len(convs))
	for _, conv := range convs {
		cr, upd := c.syncConversation(ctx, conv)
		res.Conversations = append(res.Conversations, cr)
		if upd != nil {
			pending[conv.ID] = *upd
		}
	}

	if err := c.store.CommitBatch(pending, c.now()); err != nil {
		res.CommitErr = err
		res.FinishedAt = c.now()
		log.Error().Err(err).Int("updates", len(pending)).Msg("watermark commit failed, no conversation advanced")
		return res, fmt.Errorf("store.CommitBatch failed: %w", err)
	}
	res.Committed = true
	res.FinishedAt = c.now()

	newMsgs, sent, failed, errs := res.Totals()
	log.Info().
		Int("conversations", len(convs)).
		Int("new", newMsgs).
		Int("sent", sent).
		Int("failed", failed).
		Int("errors", errs).
		Bool("simulated", res.Simulated).
		Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("sync cycle finished")

	return res, nil
}

func (c *Cycle) syncConversation(ctx context.Context, conv config.TrackedConversation) (ConversationResult, *watermark.Update) {
	cr := ConversationResult{ID: conv.ID}
	logger := log.With().Str("conversation", conv.ID).Logger()

	delta, err := c.extractor.Extract(ctx, conv)
	if err != nil {
		cr.Err = err
		logger.Error().Err(err).Msg("extract messages failed, watermark unchanged")
		return cr, nil
	}

	cr.New = len(delta.Messages)
	cr.Incoming = len(delta.Incoming)
	cr.Outgoing = len(delta.Outgoing)
	cr.Baseline = delta.Baseline
	if cr.New == 0 {
		logger.Debug().Msg("no new messages")
		return cr, nil
	}

	cr.Name = c.resolver.ConversationName(ctx, conv)

	for _, m := range delta.Outgoing {
		logger.Debug().Str("guid", m.GUID).Time("at", m.Timestamp).Msg("outgoing message, not forwarded")
	}

	if delta.Baseline {
		logger.Info().Int("messages", cr.New).Msg("first sync without reference point, marking history as seen")
	} else if len(delta.Incoming) > 0 {
		senderName := func(id string) string { return c.resolver.Resolve(ctx, id) }
		emails, err := c.builder.Build(conv, cr.Name, delta.Incoming, senderName)
		if err != nil {
			cr.Err = err
			logger.Error().Err(err).Msg("build emails failed, watermark unchanged")
			return cr, nil
		}

		for i := range emails {
			out := c.dispatcher.Dispatch(ctx, &emails[i])
			switch {
			case out.Sent:
				cr.Sent++
			case out.Simulated:
				cr.Simulated++
			default:
				cr.Failed++
			}
		}
	}

	logger.Info().
		Str("name", cr.Name).
		Int("new", cr.New).
		Int("incoming", cr.Incoming).
		Int("outgoing", cr.Outgoing).
		Int("sent", cr.Sent).
		Int("failed", cr.Failed).
		Msg("conversation synced")

	// Messages inside the buffer window stay in the seen set even when the
	// watermark does not move, otherwise the next cycle sends them again.
	newest, _ := delta.Newest()
	upd := &watermark.Update{Watermark: newest.Timestamp, LastMessageID: newest.GUID}
	if conv.LastSyncedAt != nil {
		base := *conv.LastSyncedAt
		upd.Base = &base
	}
	if conv.LastSyncedAt != nil && !newest.Timestamp.After(*conv.LastSyncedAt) {
		upd.Watermark, upd.LastMessageID = *conv.LastSyncedAt, ""
	} else {
		wm := upd.Watermark
		cr.Watermark = &wm
	}
	upd.SeenIDs = seenWithin(upd.Watermark.Add(-c.extractor.Buffer()), delta.Known, delta.Messages)

	return cr, upd
}

func seenWithin(cutoff time.Time, groups ...[]archive.Message) []string {
	var ids []string
	for _, msgs := range groups {
		for _, m := range msgs {
			if m.Timestamp.After(cutoff) {
				ids = append(ids, m.GUID)
			}
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
