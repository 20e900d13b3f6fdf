// Package rewrite turns an inbound message into the forwarded copy sent to
// the configured destination mailbox.
package rewrite

import (
	"bytes"
	"slices"

	"github.com/shineum/ses-forwarder/internal/config"
	"github.com/shineum/ses-forwarder/internal/email"
)

// subjectPrefix starts every forwarded subject.
const subjectPrefix = "Fwd: "

// MissingRecipientError is returned when the message has no To recipient to
// name in the forwarded subject.
type MissingRecipientError struct{}

func (e *MissingRecipientError) Error() string {
	return "message has no To recipient"
}

// Rewrite returns a new message addressed to the forwarding target. The
// sender identity, recipient, envelope sender, Reply-To and Subject are
// replaced; every other header field and the body are carried over
// unchanged. The result shares no storage with msg, and msg is never
// modified.
func Rewrite(msg *email.Message, cfg config.ForwardConfig) (*email.Message, error) {
	if len(msg.To) == 0 {
		return nil, &MissingRecipientError{}
	}

	origTo := msg.To[0]
	origSubject := msg.Subject
	var replyTo []email.Address
	if sender, ok := msg.Sender(); ok {
		replyTo = []email.Address{sender}
	}

	return &email.Message{
		Subject:        subjectPrefix + "(" + origTo.Address + ") " + origSubject,
		From:           []email.Address{{Name: cfg.ForwardAsName, Address: cfg.ForwardAsEmail}},
		To:             []email.Address{{Name: cfg.ForwardToName, Address: cfg.ForwardToEmail}},
		ReplyTo:        replyTo,
		EnvelopeSender: cfg.BouncePath,
		Header:         msg.Header.Copy(),
		Body: email.Body{
			Raw:    bytes.Clone(msg.Body.Raw),
			Parts:  slices.Clone(msg.Body.Parts),
			Defect: msg.Body.Defect,
		},
		BareLF: msg.BareLF,
	}, nil
}
