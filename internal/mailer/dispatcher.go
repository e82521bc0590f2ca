package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/hal9000y/imessage-relay/internal/thread"
)

// ErrTransportNotConfigured is returned by Initialize when credentials are
// missing.
var ErrTransportNotConfigured = errors.New("mail transport not configured")

// Transport sends composed emails.
type Transport interface {
	// Initialize verifies the transport can send. It runs at the start of
	// every cycle.
	Initialize(ctx context.Context) error
	Send(ctx context.Context, e *thread.Email) error
}

// Outcome is the result of one delivery attempt.
type Outcome struct {
	Sent      bool
	Simulated bool
	Err       error
}

// Dispatcher makes exactly one delivery attempt per email. When the transport
// cannot be initialized the dispatcher runs in simulation mode: emails are
// logged instead of sent.
type Dispatcher struct {
	transport Transport
	simulate  bool

	// OnFailure, when set, receives every email whose send failed. It is the
	// place to plug in a retry queue.
	OnFailure func(ctx context.Context, e *thread.Email, err error)
}

// NewDispatcher creates a dispatcher. A nil transport always simulates.
func NewDispatcher(t Transport) *Dispatcher {
	return &Dispatcher{transport: t, simulate: true}
}

// Prepare initializes the transport for a cycle and reports whether emails
// will actually be sent.
func (d *Dispatcher) Prepare(ctx context.Context) bool {
	if d.transport == nil {
		d.simulate = true
		log.Warn().Msg("no mail transport, running in simulation mode")
		return false
	}

	if err := d.transport.Initialize(ctx); err != nil {
		d.simulate = true
		log.Warn().Err(err).Msg("mail transport unavailable, running in simulation mode")
		return false
	}

	d.simulate = false
	return true
}

// Simulating reports whether the last Prepare fell back to simulation mode.
func (d *Dispatcher) Simulating() bool {
	return d.simulate
}

// Dispatch delivers one email. Errors are logged and returned in the outcome,
// never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, e *thread.Email) (out Outcome) {
	logger := log.With().
		Str("conversation", e.ConversationID).
		Str("message_id", e.MessageID).
		Str("subject", e.Subject).
		Logger()

	if d.simulate {
		logger.Info().Msg("simulated email")
		return Outcome{Simulated: true}
	}

	defer func() {
		if r := recover(); r != nil {
			out = d.fail(ctx, e, fmt.Errorf("transport panic: %v", r))
		}
	}()

	if err := d.transport.Send(ctx, e); err != nil {
		return d.fail(ctx, e, err)
	}

	logger.Debug().Msg("email sent")
	return Outcome{Sent: true}
}

func (d *Dispatcher) fail(ctx context.Context, e *thread.Email, err error) Outcome {
	log.Error().Err(err).
		Str("conversation", e.ConversationID).
		Str("message_id", e.MessageID).
		Msg("send email failed")

	if d.OnFailure != nil {
		d.OnFailure(ctx, e, err)
	}
	return Outcome{Err: err}
}
