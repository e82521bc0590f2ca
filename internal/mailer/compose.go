// Package mailer delivers outbound emails over SMTP or the Gmail API.
package mailer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"

	"github.com/hal9000y/imessage-relay/internal/thread"
)

const (
	headerConversation = "X-iMessage-Conversation"
	headerMessageGUID  = "X-iMessage-Guid"
)

// Compose renders the email as a multipart/alternative MIME message.
func Compose(e *thread.Email) ([]byte, error) {
	var h mail.Header
	h.SetDate(e.Date)
	h.SetAddressList("From", []*mail.Address{{Name: e.FromName, Address: e.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: e.To}})
	h.SetSubject(e.Subject)
	h.SetMessageID(e.MessageID)
	if e.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{e.InReplyTo})
	}
	if len(e.References) > 0 {
		h.SetMsgIDList("References", e.References)
	}
	h.Set("Auto-Submitted", "auto-generated")
	if e.ConversationID != "" {
		h.Set(headerConversation, e.ConversationID)
	}
	if e.MessageGUID != "" {
		h.Set(headerMessageGUID, e.MessageGUID)
	}

	var buf bytes.Buffer
	w, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("mail.CreateInlineWriter failed: %w", err)
	}

	if err := writePart(w, "text/plain", []byte(e.Text)); err != nil {
		return nil, err
	}
	if err := writePart(w, "text/html", e.HTML); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("w.Close failed: %w", err)
	}

	return buf.Bytes(), nil
}

func writePart(w *mail.InlineWriter, contentType string, body []byte) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := w.CreatePart(h)
	if err != nil {
		return fmt.Errorf("w.CreatePart(%s) failed: %w", contentType, err)
	}
	if _, err := io.Copy(pw, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("io.Copy(%s) failed: %w", contentType, err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("pw.Close(%s) failed: %w", contentType, err)
	}
	return nil
}
