// Package thread turns incoming iMessages into a chain of reply emails.
package thread

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hal9000y/imessage-relay/internal/archive"
	"github.com/hal9000y/imessage-relay/internal/config"
	"github.com/hal9000y/imessage-relay/internal/format"
)

const (
	subjectPrefix = "iMessage: "
	replyPrefix   = "Re: "
)

// messageIDNamespace scopes Message-IDs so the same (conversation, message)
// pair always maps to the same id.
var messageIDNamespace = uuid.MustParse("a3d8e2c4-8f0b-4c55-b7a6-2e9d4f1c7b30")

// Email is an outbound email for one incoming message. MessageID, InReplyTo
// and References hold bare ids without angle brackets.
type Email struct {
	To          string
	FromName    string
	FromAddress string
	Subject     string
	HTML        []byte
	Text        string
	MessageID   string
	InReplyTo   string
	References  []string
	Date        time.Time

	ConversationID string
	MessageGUID    string
}

// Builder builds emails for one recipient.
type Builder struct {
	Recipient   string
	FromName    string
	FromAddress string
	// Domain is the right-hand side of generated Message-IDs.
	Domain string
	// Location is the zone message times are rendered in.
	Location *time.Location
}

// NewBuilder creates a builder from the email settings.
func NewBuilder(s config.EmailSettings) *Builder {
	from := s.FromAddress
	if from == "" {
		from = s.Recipient
	}
	domain := s.MessageIDDomain
	if domain == "" {
		domain = config.DefaultMessageIDDomain
	}
	return &Builder{
		Recipient:   s.Recipient,
		FromName:    s.FromName,
		FromAddress: from,
		Domain:      domain,
		Location:    time.Local,
	}
}

// Build returns one email per incoming message, in the given order. Every
// email after the first replies to its predecessor and references all earlier
// ones, so a batch reads as a single thread. senderName maps a sender handle
// to a display name.
func (b *Builder) Build(conv config.TrackedConversation, displayName string, incoming []archive.Message, senderName func(string) string) ([]Email, error) {
	if len(incoming) == 0 {
		return nil, nil
	}

	subject := Subject(displayName, conv.ID)
	loc := b.Location
	if loc == nil {
		loc = time.Local
	}

	emails := make([]Email, 0, len(incoming))
	var refs []string
	for i, m := range incoming {
		if m.IsFromMe {
			return nil, fmt.Errorf("message %s is outgoing", m.GUID)
		}

		sender := displayName
		if senderName != nil && m.Sender != "" {
			sender = senderName(m.Sender)
		}
		entry := format.Entry{Sender: sender, Time: m.Timestamp.In(loc), Text: m.Text}

		body, err := format.HTML(entry)
		if err != nil {
			return nil, fmt.Errorf("format.HTML failed: %w", err)
		}

		e := Email{
			To:             b.Recipient,
			FromName:       b.fromName(displayName),
			FromAddress:    b.FromAddress,
			Subject:        subject,
			HTML:           body,
			Text:           format.Text(entry),
			MessageID:      b.MessageID(conv.ID, m.GUID),
			Date:           m.Timestamp,
			ConversationID: conv.ID,
			MessageGUID:    m.GUID,
		}
		if i > 0 {
			e.Subject = replyPrefix + subject
			e.InReplyTo = refs[len(refs)-1]
			e.References = append([]string(nil), refs...)
		}

		refs = append(refs, e.MessageID)
		emails = append(emails, e)
	}

	return emails, nil
}

// MessageID derives the Message-ID for a message of a conversation.
func (b *Builder) MessageID(conversationID, guid string) string {
	id := uuid.NewSHA1(messageIDNamespace, []byte(conversationID+"/"+guid))
	return id.String() + "@" + b.Domain
}

func (b *Builder) fromName(displayName string) string {
	if b.FromName != "" {
		return b.FromName
	}
	return displayName
}

// Subject is "iMessage: <name>", with the raw identifier appended when the
// name does not already show it.
func Subject(displayName, identifier string) string {
	s := subjectPrefix + displayName
	if identifier != "" && !strings.Contains(displayName, identifier) {
		s += " (" + identifier + ")"
	}
	return s
}
