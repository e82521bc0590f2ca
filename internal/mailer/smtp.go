package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/hal9000y/imessage-relay/internal/thread"
)

const portImplicitTLS = 465

// SMTPTransport sends mail through an SMTP submission server with PLAIN auth.
// Port 465 uses implicit TLS, any other port requires STARTTLS unless
// Insecure is set.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	// Insecure allows plaintext submission on ports other than 465.
	Insecure bool
	// TLSConfig overrides the default TLS settings.
	TLSConfig *tls.Config
}

func (s *SMTPTransport) addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Initialize connects and authenticates, then hangs up.
func (s *SMTPTransport) Initialize(ctx context.Context) error {
	if s.Host == "" || s.Username == "" || s.Password == "" {
		return fmt.Errorf("%w: SMTP host, username and password are required", ErrTransportNotConfigured)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	return c.Quit()
}

// Send delivers one email on a fresh connection.
func (s *SMTPTransport) Send(ctx context.Context, e *thread.Email) error {
	raw, err := Compose(e)
	if err != nil {
		return fmt.Errorf("Compose failed: %w", err)
	}

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	from := e.FromAddress
	if from == "" {
		from = s.Username
	}

	if err := c.SendMail(from, []string{e.To}, bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("c.SendMail failed: %w", err)
	}

	return c.Quit()
}

func (s *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{ServerName: s.Host}
	if s.TLSConfig != nil {
		tlsCfg = s.TLSConfig.Clone()
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName = s.Host
		}
	}

	var (
		c   *smtp.Client
		err error
	)
	switch {
	case s.Port == portImplicitTLS:
		c, err = smtp.DialTLS(s.addr(), tlsCfg)
	case s.Insecure:
		c, err = smtp.Dial(s.addr())
	default:
		c, err = smtp.DialStartTLS(s.addr(), tlsCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp dial %s failed: %w", s.addr(), err)
	}

	if err := c.Auth(sasl.NewPlainClient("", s.Username, s.Password)); err != nil {
		c.Close()
		return nil, fmt.Errorf("c.Auth failed: %w", err)
	}

	return c, nil
}
