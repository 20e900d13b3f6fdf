// Package relay defines the interface for outbound mail transfer backends.
package relay

import (
	"context"
	"fmt"
)

// Envelope carries the SMTP envelope of a forwarded message. It is kept
// separate from the header fields inside the raw bytes.
type Envelope struct {
	// From is the envelope sender (bounce path).
	From string
	// To lists the envelope recipients.
	To []string
}

// Relay is the interface that outbound delivery backends must implement.
// Each relay hands a fully serialized message to the target service
// (e.g., SES, an SMTP smarthost, Microsoft Graph).
type Relay interface {
	// Send submits the raw message for delivery. A nil error means the
	// relay accepted it. A refusal is reported as *RejectError.
	Send(ctx context.Context, env Envelope, raw []byte) error

	// Name returns the human-readable name of this relay.
	Name() string
}

// RejectError is returned when a relay does not accept a message.
type RejectError struct {
	Relay  string
	Reason string
	Err    error
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s relay rejected message: %s", e.Relay, e.Reason)
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

// Reject builds a *RejectError whose reason is taken from err.
func Reject(relay string, err error) *RejectError {
	return &RejectError{Relay: relay, Reason: err.Error(), Err: err}
}
