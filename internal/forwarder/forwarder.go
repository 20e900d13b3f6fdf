// Package forwarder runs the per-message pipeline: fetch the raw message,
// decode it, rewrite it for the forwarding target, encode it, hand it to the
// relay and remove the source object.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/shineum/ses-forwarder/internal/config"
	"github.com/shineum/ses-forwarder/internal/email"
	"github.com/shineum/ses-forwarder/internal/parser"
	"github.com/shineum/ses-forwarder/internal/relay"
	"github.com/shineum/ses-forwarder/internal/rewrite"
	"github.com/shineum/ses-forwarder/internal/store"
)

// FetchError is returned when the raw message cannot be read from the store.
type FetchError struct {
	Key string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Key, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// DeleteError is recorded when the source object could not be removed after
// a successful relay. The message still counts as forwarded.
type DeleteError struct {
	Key string
	Err error
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("delete %s: %v", e.Key, e.Err)
}

func (e *DeleteError) Unwrap() error {
	return e.Err
}

// Outcome reports what happened to one message.
type Outcome struct {
	MessageID string
	Key       string
	// Err is nil when the relay accepted the message.
	Err error
	// Deleted is true when the source object was removed.
	Deleted bool
	// DeleteErr is set when removing the source object failed.
	DeleteErr error
}

// Forwarded reports whether the relay accepted the message.
func (o Outcome) Forwarded() bool {
	return o.Err == nil
}

// Forwarder forwards stored messages through a relay.
type Forwarder struct {
	forward      config.ForwardConfig
	objectKey    func(id string) string
	deleteSource bool
	concurrency  int
	store        store.Store
	relay        relay.Relay
	logger       *slog.Logger
}

// New creates a Forwarder. cfg is expected to have passed Validate.
func New(cfg *config.Config, st store.Store, rl relay.Relay, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	return &Forwarder{
		forward:      cfg.Forward,
		objectKey:    cfg.ObjectKey,
		deleteSource: cfg.Store.DeleteAfterForward,
		concurrency:  concurrency,
		store:        st,
		relay:        rl,
		logger:       logger,
	}
}

// Forward runs the pipeline for the message stored under id. Failures are
// reported in the Outcome and logged; they never panic or abort.
func (f *Forwarder) Forward(ctx context.Context, id string) Outcome {
	key := f.objectKey(id)
	out := Outcome{MessageID: id, Key: key}
	log := f.logger.With("message_id", id, "key", key)

	raw, err := f.store.Get(ctx, key)
	if err != nil {
		out.Err = &FetchError{Key: key, Err: err}
		log.Error("failed to fetch message", "store", f.store.Name(), "error", err)
		return out
	}

	msg, encoded, err := f.transform(raw)
	if err != nil {
		out.Err = err
		log.Error("failed to rewrite message", "error", err)
		return out
	}
	if msg.Body.Defect != nil {
		log.Warn("message has a MIME defect, forwarding body as received", "error", msg.Body.Defect)
	}

	env := relay.Envelope{
		From: f.forward.BouncePath,
		To:   []string{f.forward.ForwardToEmail},
	}
	if err := f.relay.Send(ctx, env, encoded); err != nil {
		out.Err = fmt.Errorf("relay %s: %w", f.relay.Name(), err)
		var reject *relay.RejectError
		if errors.As(err, &reject) {
			log.Error("relay rejected message", "relay", reject.Relay, "reason", reject.Reason)
		} else {
			log.Error("relay failed", "relay", f.relay.Name(), "error", err)
		}
		return out
	}

	log.Info("message forwarded",
		"relay", f.relay.Name(),
		"to", f.forward.ForwardToEmail,
		"size", len(encoded),
		"attachments", len(msg.Attachments()),
	)

	if !f.deleteSource {
		return out
	}

	if err := f.store.Delete(ctx, key); err != nil {
		out.DeleteErr = &DeleteError{Key: key, Err: err}
		log.Warn("failed to delete source message", "store", f.store.Name(), "error", err)
		return out
	}
	out.Deleted = true
	log.Debug("source message deleted", "store", f.store.Name())

	return out
}

// ForwardBatch forwards every id, running up to the configured concurrency
// at once. Outcomes are returned in the order of ids.
func (f *Forwarder) ForwardBatch(ctx context.Context, ids []string) []Outcome {
	outcomes := make([]Outcome, len(ids))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			outcomes[i] = f.Forward(ctx, id)
			return nil
		})
	}
	g.Wait()

	return outcomes
}

// transform decodes, rewrites and re-encodes one raw message.
func (f *Forwarder) transform(raw []byte) (*email.Message, []byte, error) {
	msg, err := parser.Decode(raw)
	if err != nil {
		return nil, nil, err
	}

	rewritten, err := rewrite.Rewrite(msg, f.forward)
	if err != nil {
		return nil, nil, err
	}

	encoded, err := parser.Encode(rewritten)
	if err != nil {
		return nil, nil, err
	}
	return rewritten, encoded, nil
}
