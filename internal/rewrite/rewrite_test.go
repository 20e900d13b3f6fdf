package rewrite

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ses-forwarder/internal/config"
	"github.com/shineum/ses-forwarder/internal/email"
	"github.com/shineum/ses-forwarder/internal/parser"
)

var testConfig = config.ForwardConfig{
	BouncePath:     "bounce@y.com",
	ForwardAsName:  "Relay",
	ForwardAsEmail: "relay@y.com",
	ForwardToName:  "Support",
	ForwardToEmail: "support@y.com",
}

func decode(t *testing.T, lines ...string) *email.Message {
	t.Helper()
	msg, err := parser.Decode([]byte(strings.Join(lines, "\r\n")))
	require.NoError(t, err)
	return msg
}

func TestRewriteSubjectComposition(t *testing.T) {
	t.Parallel()

	msg := decode(t,
		"From: someone@example.com",
		"To: alice@example.com, bob@example.com",
		"Subject: Q1 Report",
		"",
		"body",
	)

	out, err := Rewrite(msg, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "Fwd: (alice@example.com) Q1 Report", out.Subject)
}

func TestRewriteMissingSubject(t *testing.T) {
	t.Parallel()

	msg := decode(t, "From: someone@example.com", "To: Alice <alice@example.com>", "", "body")

	out, err := Rewrite(msg, testConfig)
	require.NoError(t, err)
	assert.Equal(t, "Fwd: (alice@example.com) ", out.Subject)
}

func TestRewriteReplyToFidelity(t *testing.T) {
	t.Parallel()

	configs := []config.ForwardConfig{
		testConfig,
		{BouncePath: "b@z.com", ForwardAsName: "Other", ForwardAsEmail: "o@z.com", ForwardToName: "T", ForwardToEmail: "t@z.com"},
	}

	for _, cfg := range configs {
		msg := decode(t,
			"From: Bob <bob@co.com>",
			"To: x@example.com",
			"Reply-To: elsewhere@co.com",
			"",
			"body",
		)

		out, err := Rewrite(msg, cfg)
		require.NoError(t, err)
		assert.Equal(t, []email.Address{{Name: "Bob", Address: "bob@co.com"}}, out.ReplyTo)
	}
}

func TestRewriteUsesFirstSenderOnly(t *testing.T) {
	t.Parallel()

	msg := decode(t,
		"From: First <first@example.com>, second@example.com",
		"To: x@example.com",
		"",
		"body",
	)

	out, err := Rewrite(msg, testConfig)
	require.NoError(t, err)
	assert.Equal(t, []email.Address{{Name: "First", Address: "first@example.com"}}, out.ReplyTo)
}

func TestRewriteWithoutSender(t *testing.T) {
	t.Parallel()

	msg := decode(t, "To: x@example.com", "Subject: anonymous", "", "body")

	out, err := Rewrite(msg, testConfig)
	require.NoError(t, err)
	assert.Empty(t, out.ReplyTo)
	assert.Equal(t, "Fwd: (x@example.com) anonymous", out.Subject)
}

func TestRewriteMissingRecipientFailsClosed(t *testing.T) {
	t.Parallel()

	msg := decode(t, "From: Bob <bob@co.com>", "Subject: no rcpt", "", "body")
	before := *msg

	out, err := Rewrite(msg, testConfig)
	require.Error(t, err)
	assert.Nil(t, out)

	var missing *MissingRecipientError
	assert.True(t, errors.As(err, &missing), "got %T, want *MissingRecipientError", err)
	assert.Equal(t, before, *msg)
}

func TestRewriteFieldIsolation(t *testing.T) {
	t.Parallel()

	msg := decode(t,
		"Received: from mx.example.com",
		"From: Carol <carol@x.com>",
		"To: sales@y.com",
		"Cc: audit@y.com",
		"Subject: Order #42",
		"Message-Id: <42@x.com>",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"hello",
	)
	snapshot := *msg
	snapshotHeader := msg.Header.Copy()

	out, err := Rewrite(msg, testConfig)
	require.NoError(t, err)

	// The input is left alone.
	assert.Equal(t, snapshot.From, msg.From)
	assert.Equal(t, snapshot.To, msg.To)
	assert.Equal(t, snapshot.Subject, msg.Subject)
	assert.Equal(t, snapshot.EnvelopeSender, msg.EnvelopeSender)

	// Only the managed fields change.
	assert.Equal(t, msg.Body, out.Body)
	for _, key := range []string{"Received", "Cc", "Message-Id", "Content-Type"} {
		assert.Equal(t, snapshotHeader.Get(key), out.Header.Get(key), key)
	}

	// The output header is not shared with the input.
	out.Header.Set("X-Extra", "1")
	assert.False(t, msg.Header.Has("X-Extra"))

	// Neither is the body.
	out.Body.Raw[0] = 'H'
	out.Body.Parts[0].MediaType = "text/html"
	assert.Equal(t, "hello", string(msg.Body.Raw))
	assert.Equal(t, "text/plain", msg.Body.Parts[0].MediaType)
}

func TestRewriteKeepsLineEndingStyle(t *testing.T) {
	t.Parallel()

	msg, err := parser.Decode([]byte("From: a@x.com\nTo: b@y.com\nSubject: s\n\nbody\n"))
	require.NoError(t, err)

	out, err := Rewrite(msg, testConfig)
	require.NoError(t, err)
	assert.True(t, out.BareLF)

	raw, err := parser.Encode(out)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "\r")
}

func TestRewriteEndToEnd(t *testing.T) {
	t.Parallel()

	raw := []byte(strings.Join([]string{
		"From: Carol <carol@x.com>",
		"To: sales@y.com",
		"Subject: Order #42",
		"",
		"hello",
	}, "\r\n"))

	msg, err := parser.Decode(raw)
	require.NoError(t, err)

	rewritten, err := Rewrite(msg, testConfig)
	require.NoError(t, err)

	out, err := parser.Encode(rewritten)
	require.NoError(t, err)

	got, err := parser.Decode(out)
	require.NoError(t, err)

	assert.Equal(t, []email.Address{{Name: "Relay", Address: "relay@y.com"}}, got.From)
	assert.Equal(t, []email.Address{{Name: "Support", Address: "support@y.com"}}, got.To)
	assert.Equal(t, []email.Address{{Name: "Carol", Address: "carol@x.com"}}, got.ReplyTo)
	assert.Equal(t, "Fwd: (sales@y.com) Order #42", got.Subject)
	assert.Equal(t, "bounce@y.com", got.EnvelopeSender)
	assert.Equal(t, "hello", string(got.Body.Raw))
}
