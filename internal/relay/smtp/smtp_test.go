package smtp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ses-forwarder/internal/relay"
	"github.com/shineum/ses-forwarder/internal/tls/tlstest"
)

// received is one message accepted by the test server.
type received struct {
	from  string
	rcpts []string
	data  string
	user  string
	tls   bool
}

type testBackend struct {
	mu         sync.Mutex
	messages   []received
	rejectRcpt string
	username   string
	password   string
}

func (b *testBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &testSession{backend: b, conn: c}, nil
}

func (b *testBackend) delivered() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received(nil), b.messages...)
}

type testSession struct {
	backend *testBackend
	conn    *smtp.Conn
	msg     received
}

func (s *testSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *testSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.msg.user = username
		return nil
	}), nil
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	s.msg.from = from
	_, s.msg.tls = s.conn.TLSConnectionState()
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if to == s.backend.rejectRcpt {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "no such user",
		}
	}
	s.msg.rcpts = append(s.msg.rcpts, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.data = string(data)

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *testSession) Reset() {
	s.msg = received{user: s.msg.user}
}

func (s *testSession) Logout() error {
	return nil
}

func startServer(t *testing.T, backend *testBackend) string {
	t.Helper()
	return startServerTLS(t, backend, nil, false)
}

// startServerTLS starts a test server that offers STARTTLS when tlsConfig
// is set, or speaks TLS from the first byte when implicit is true.
func startServerTLS(t *testing.T, backend *testBackend, tlsConfig *tls.Config, implicit bool) string {
	t.Helper()

	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.TLSConfig = tlsConfig

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	if implicit {
		l = tls.NewListener(l, tlsConfig)
	}

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return l.Addr().String()
}

const testRaw = "From: Relay <relay@y.com>\r\nTo: Support <support@y.com>\r\nSubject: Fwd: (sales@y.com) Order #42\r\n\r\nhello\r\n"

func TestSend_DeliversMessage(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	addr := startServer(t, backend)

	r := New(Config{Addr: addr, HeloName: "forwarder.test", TLSMode: TLSModeNone})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	require.NoError(t, r.Send(context.Background(), env, []byte(testRaw)))

	msgs := backend.delivered()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bounce@y.com", msgs[0].from)
	assert.Equal(t, []string{"support@y.com"}, msgs[0].rcpts)
	assert.Contains(t, msgs[0].data, "Subject: Fwd: (sales@y.com) Order #42")
	assert.Contains(t, msgs[0].data, "hello")
	assert.Empty(t, msgs[0].user)
}

func TestSend_StartTLS(t *testing.T) {
	t.Parallel()

	cert := tlstest.NewCertificate(t)
	backend := &testBackend{username: "relay", password: "s3cret"}
	addr := startServerTLS(t, backend, cert.ServerConfig(), false)

	r := New(Config{
		Addr:      addr,
		Username:  "relay",
		Password:  "s3cret",
		HeloName:  "forwarder.test",
		TLSMode:   TLSModeStartTLS,
		TLSConfig: &tls.Config{ServerName: "localhost", RootCAs: cert.Pool()},
	})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	require.NoError(t, r.Send(context.Background(), env, []byte(testRaw)))

	msgs := backend.delivered()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].tls, "message should be delivered over TLS")
	assert.Equal(t, "relay", msgs[0].user)
}

func TestSend_StartTLSUntrusted(t *testing.T) {
	t.Parallel()

	cert := tlstest.NewCertificate(t)
	backend := &testBackend{}
	addr := startServerTLS(t, backend, cert.ServerConfig(), false)

	r := New(Config{
		Addr:      addr,
		TLSConfig: &tls.Config{ServerName: "localhost", RootCAs: x509.NewCertPool()},
	})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	err := r.Send(context.Background(), env, []byte(testRaw))

	var reject *relay.RejectError
	require.True(t, errors.As(err, &reject), "got %T, want *relay.RejectError", err)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.Empty(t, backend.delivered())
}

func TestSend_StartTLSNotOffered(t *testing.T) {
	t.Parallel()

	backend := &testBackend{}
	addr := startServer(t, backend)

	// STARTTLS is the default mode and a server without it is refused.
	r := New(Config{Addr: addr})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	err := r.Send(context.Background(), env, []byte(testRaw))

	var reject *relay.RejectError
	require.True(t, errors.As(err, &reject), "got %T, want *relay.RejectError", err)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.Empty(t, backend.delivered())
}

func TestSend_ImplicitTLS(t *testing.T) {
	t.Parallel()

	cert := tlstest.NewCertificate(t)
	backend := &testBackend{}
	addr := startServerTLS(t, backend, cert.ServerConfig(), true)

	r := New(Config{
		Addr:      addr,
		TLSMode:   TLSModeImplicit,
		TLSConfig: &tls.Config{ServerName: "localhost", RootCAs: cert.Pool()},
	})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	require.NoError(t, r.Send(context.Background(), env, []byte(testRaw)))

	msgs := backend.delivered()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].tls)
}

func TestSend_UnknownTLSMode(t *testing.T) {
	t.Parallel()

	addr := startServer(t, &testBackend{})

	r := New(Config{Addr: addr, TLSMode: "ssl3"})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	err := r.Send(context.Background(), env, []byte(testRaw))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown TLS mode")
}

func TestSend_Authenticates(t *testing.T) {
	t.Parallel()

	backend := &testBackend{username: "relay", password: "s3cret"}
	addr := startServer(t, backend)

	r := New(Config{Addr: addr, Username: "relay", Password: "s3cret", TLSMode: TLSModeNone})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	require.NoError(t, r.Send(context.Background(), env, []byte(testRaw)))

	msgs := backend.delivered()
	require.Len(t, msgs, 1)
	assert.Equal(t, "relay", msgs[0].user)
}

func TestSend_AuthFailure(t *testing.T) {
	t.Parallel()

	backend := &testBackend{username: "relay", password: "s3cret"}
	addr := startServer(t, backend)

	r := New(Config{Addr: addr, Username: "relay", Password: "wrong", TLSMode: TLSModeNone})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	err := r.Send(context.Background(), env, []byte(testRaw))

	var reject *relay.RejectError
	require.True(t, errors.As(err, &reject), "got %T, want *relay.RejectError", err)
	assert.True(t, strings.HasPrefix(reject.Reason, "535"), "reason %q", reject.Reason)
	assert.Empty(t, backend.delivered())
}

func TestSend_RecipientRejected(t *testing.T) {
	t.Parallel()

	backend := &testBackend{rejectRcpt: "nobody@y.com"}
	addr := startServer(t, backend)

	r := New(Config{Addr: addr, TLSMode: TLSModeNone})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"nobody@y.com"}}

	err := r.Send(context.Background(), env, []byte(testRaw))

	var reject *relay.RejectError
	require.True(t, errors.As(err, &reject), "got %T, want *relay.RejectError", err)
	assert.Equal(t, "smtp", reject.Relay)
	assert.Equal(t, "550 no such user", reject.Reason)
	assert.Empty(t, backend.delivered())
}

func TestSend_NoRecipients(t *testing.T) {
	t.Parallel()

	r := New(Config{Addr: "127.0.0.1:1"})

	err := r.Send(context.Background(), relay.Envelope{From: "bounce@y.com"}, []byte(testRaw))

	var reject *relay.RejectError
	require.True(t, errors.As(err, &reject), "got %T, want *relay.RejectError", err)
	assert.Equal(t, "no envelope recipients", reject.Reason)
}

func TestSend_ConnectionRefused(t *testing.T) {
	t.Parallel()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	r := New(Config{Addr: addr})
	env := relay.Envelope{From: "bounce@y.com", To: []string{"support@y.com"}}

	err = r.Send(context.Background(), env, []byte(testRaw))

	var reject *relay.RejectError
	require.True(t, errors.As(err, &reject), "got %T, want *relay.RejectError", err)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	r := New(Config{Addr: "mail.example.com:587"})
	assert.Equal(t, "localhost", r.cfg.HeloName)
	assert.Equal(t, TLSModeStartTLS, r.cfg.TLSMode)
	assert.Equal(t, "mail.example.com", r.tlsConfig.ServerName)
	assert.Equal(t, "smtp", r.Name())
}

// Verify Relay implements relay.Relay interface
func TestRelayInterface(t *testing.T) {
	t.Parallel()

	var _ relay.Relay = (*Relay)(nil)
}
