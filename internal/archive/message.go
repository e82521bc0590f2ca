// Package archive reads messages out of the local message archive through an
// external exporter and computes per-conversation deltas.
package archive

import (
	"context"
	"slices"
	"strings"
	"time"
)

// Message is one archive message, rebuilt from the exporter output every
// cycle.
type Message struct {
	GUID           string
	Text           string
	Timestamp      time.Time
	IsFromMe       bool
	Sender         string
	ConversationID string
}

// ExportResult summarizes one exporter run.
type ExportResult struct {
	Chats  int
	Output string
}

// Exporter produces message data for a set of participants. Export writes into
// outDir, Parse reads what Export wrote, keyed by chat identifier.
type Exporter interface {
	Export(ctx context.Context, participants []string, outDir string) (ExportResult, error)
	Parse(ctx context.Context, outDir string) (map[string][]Message, error)
}

// SortMessages orders messages by timestamp, oldest first, with the GUID as a
// tie-breaker so the order is stable across runs.
func SortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a.GUID, b.GUID)
	})
}
