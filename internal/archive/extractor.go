package archive

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hal9000y/imessage-relay/internal/config"
	"github.com/hal9000y/imessage-relay/internal/identity"
)

// DefaultSkewBuffer is subtracted from the watermark before filtering. The
// exporter's timestamps drift from wall-clock time by up to about this much.
const DefaultSkewBuffer = 2 * time.Minute

// Delta is what a conversation gained since its watermark.
type Delta struct {
	// Messages holds every new message, oldest first.
	Messages []Message
	Incoming []Message
	Outgoing []Message
	// Known holds messages inside the window that an earlier cycle already
	// processed. They are not part of Messages.
	Known []Message
	// Baseline is set when the conversation had no reference point at all; the
	// messages count as seen but must not be forwarded.
	Baseline bool
}

// Newest returns the most recent message of the delta.
func (d Delta) Newest() (Message, bool) {
	if len(d.Messages) == 0 {
		return Message{}, false
	}
	return d.Messages[len(d.Messages)-1], true
}

// Extractor turns an export into per-conversation deltas.
type Extractor struct {
	exporter Exporter
	buffer   time.Duration
	tempDir  string
}

// NewExtractor creates an extractor. A non-positive buffer selects
// DefaultSkewBuffer.
func NewExtractor(exporter Exporter, buffer time.Duration) *Extractor {
	if buffer <= 0 {
		buffer = DefaultSkewBuffer
	}
	return &Extractor{exporter: exporter, buffer: buffer}
}

// Buffer returns the skew buffer subtracted from watermarks.
func (e *Extractor) Buffer() time.Duration {
	return e.buffer
}

// Extract exports the conversation and returns the messages strictly newer
// than watermark minus the skew buffer. Messages listed in the conversation's
// SeenMessageIDs go to Known instead; anything else inside the buffer window
// is returned again, a duplicate is preferred over a loss.
func (e *Extractor) Extract(ctx context.Context, conv config.TrackedConversation) (Delta, error) {
	outDir, err := os.MkdirTemp(e.tempDir, "imessage-export-*")
	if err != nil {
		return Delta{}, fmt.Errorf("os.MkdirTemp failed: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(outDir); err != nil {
			log.Warn().Err(err).Str("dir", outDir).Msg("remove export dir failed")
		}
	}()

	participants := conv.Participants
	if len(participants) == 0 {
		participants = []string{conv.ID}
	}

	if _, err := e.exporter.Export(ctx, participants, outDir); err != nil {
		return Delta{}, fmt.Errorf("exporter.Export failed: %w", err)
	}

	chats, err := e.exporter.Parse(ctx, outDir)
	if err != nil {
		return Delta{}, fmt.Errorf("exporter.Parse failed: %w", err)
	}

	msgs := selectChat(chats, conv)
	if len(msgs) == 0 {
		return Delta{}, nil
	}

	var (
		delta  Delta
		cutoff time.Time
	)
	switch {
	case conv.LastSyncedAt != nil:
		cutoff = conv.LastSyncedAt.Add(-e.buffer)
	case !conv.AddedAt.IsZero():
		cutoff = conv.AddedAt.Add(-e.buffer)
	default:
		delta.Baseline = true
	}

	known := make(map[string]struct{}, len(conv.SeenMessageIDs))
	for _, id := range conv.SeenMessageIDs {
		known[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if !delta.Baseline && !m.Timestamp.After(cutoff) {
			continue
		}
		if _, dup := seen[m.GUID]; dup {
			continue
		}
		seen[m.GUID] = struct{}{}
		m.ConversationID = conv.ID
		if _, ok := known[m.GUID]; ok {
			delta.Known = append(delta.Known, m)
			continue
		}
		delta.Messages = append(delta.Messages, m)
	}
	SortMessages(delta.Messages)
	SortMessages(delta.Known)

	for _, m := range delta.Messages {
		if m.IsFromMe {
			delta.Outgoing = append(delta.Outgoing, m)
		} else {
			delta.Incoming = append(delta.Incoming, m)
		}
	}

	return delta, nil
}

// selectChat picks the exported chat belonging to the conversation: the chat
// named after the conversation id, else the chat whose name lists exactly the
// conversation's participants, else, for group conversations only, the only
// chat exported. A direct conversation never falls back, the exporter also
// writes the group chats its participant is in.
func selectChat(chats map[string][]Message, conv config.TrackedConversation) []Message {
	want := identity.NormalizeIdentifier(conv.ID)
	for id, msgs := range chats {
		if identity.NormalizeIdentifier(id) == want {
			return msgs
		}
	}

	if len(conv.Participants) > 0 {
		wantSet := normalizedSet(conv.Participants)
		for id, msgs := range chats {
			if slices.Equal(normalizedSet(strings.Split(id, ",")), wantSet) {
				return msgs
			}
		}
	}

	if conv.IsGroup && len(chats) == 1 {
		for _, msgs := range chats {
			return msgs
		}
	}

	return nil
}

func normalizedSet(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := identity.NormalizeIdentifier(id); n != "" {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
