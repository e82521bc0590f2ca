package mailer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/hal9000y/imessage-relay/internal/auth"
	"github.com/hal9000y/imessage-relay/internal/thread"
)

const gmailUserID = "me"

// GmailTransport sends mail through the Gmail API with the user's OAuth token.
type GmailTransport struct {
	tok  *auth.Token
	opts []option.ClientOption
}

// NewGmail creates a Gmail transport. Extra client options are appended to
// the authenticated HTTP client.
func NewGmail(tok *auth.Token, opts ...option.ClientOption) *GmailTransport {
	return &GmailTransport{tok: tok, opts: opts}
}

// Initialize checks the token by reading the mailbox profile.
func (m *GmailTransport) Initialize(ctx context.Context) error {
	if m.tok == nil {
		return fmt.Errorf("%w: no OAuth token, run with -authorize", ErrTransportNotConfigured)
	}
	if _, err := m.tok.OAuthToken(); errors.Is(err, auth.ErrTokenNotSet) {
		return fmt.Errorf("%w: no OAuth token, run with -authorize", ErrTransportNotConfigured)
	}

	svc, err := m.newSvc(ctx)
	if err != nil {
		return fmt.Errorf("newSvc failed: %w", err)
	}

	if _, err := svc.Users.GetProfile(gmailUserID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("users.GetProfile failed: %w", err)
	}

	return nil
}

// Send uploads the composed message with users.messages.send.
func (m *GmailTransport) Send(ctx context.Context, e *thread.Email) error {
	raw, err := Compose(e)
	if err != nil {
		return fmt.Errorf("Compose failed: %w", err)
	}

	svc, err := m.newSvc(ctx)
	if err != nil {
		return fmt.Errorf("newSvc failed: %w", err)
	}

	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString(raw)}
	if _, err := svc.Users.Messages.Send(gmailUserID, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("messages.Send failed: %w", err)
	}

	return nil
}

func (m *GmailTransport) newSvc(ctx context.Context) (*gmail.Service, error) {
	ts, err := m.tok.TokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("tok.TokenSource failed: %w", err)
	}

	clt := oauth2.NewClient(ctx, ts)
	opts := append([]option.ClientOption{option.WithHTTPClient(clt)}, m.opts...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail.NewService failed: %w", err)
	}

	return svc, nil
}
