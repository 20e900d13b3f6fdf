// Package smtp implements a Relay that submits messages to an SMTP smarthost.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/shineum/ses-forwarder/internal/relay"
)

// TLS modes for the smarthost connection.
const (
	// TLSModeStartTLS upgrades the connection with STARTTLS and fails when
	// the server does not offer it.
	TLSModeStartTLS = "starttls"
	// TLSModeImplicit speaks TLS from the first byte (SMTPS, usually port 465).
	TLSModeImplicit = "tls"
	// TLSModeNone sends in cleartext.
	TLSModeNone = "none"
)

// Config holds the configuration for creating a Relay.
type Config struct {
	// Addr is the smarthost address in host:port form.
	Addr     string
	Username string
	Password string
	// HeloName is sent with EHLO. Defaults to "localhost".
	HeloName string
	// TLSMode is one of the TLSMode constants. Defaults to TLSModeStartTLS.
	TLSMode string
	// TLSConfig is used for STARTTLS and implicit TLS. Defaults to the
	// system roots with the host part of Addr as server name.
	TLSConfig *tls.Config
}

// Relay delivers messages over a fresh SMTP connection per message.
type Relay struct {
	cfg       Config
	tlsConfig *tls.Config
}

// New creates a new Relay with the given configuration.
func New(cfg Config) *Relay {
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	if cfg.TLSMode == "" {
		cfg.TLSMode = TLSModeStartTLS
	}

	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: Host(cfg.Addr), MinVersion: tls.VersionTLS12}
	}

	return &Relay{
		cfg:       cfg,
		tlsConfig: tlsConfig,
	}
}

// Host returns the host part of a host:port address.
func Host(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Send performs one SMTP transaction for the message. A negative reply
// from the server is returned as *relay.RejectError.
func (r *Relay) Send(ctx context.Context, env relay.Envelope, raw []byte) error {
	if len(env.To) == 0 {
		return &relay.RejectError{Relay: r.Name(), Reason: "no envelope recipients"}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		return relay.Reject(r.Name(), fmt.Errorf("failed to connect to %s: %w", r.cfg.Addr, err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	c, err := r.open(conn)
	if err != nil {
		conn.Close()
		return r.reject(err)
	}
	defer c.Close()

	if err := r.transaction(c, env, raw); err != nil {
		return r.reject(err)
	}

	return c.Quit()
}

// open sets up the SMTP session on conn according to the TLS mode and sends
// EHLO with the configured name.
func (r *Relay) open(conn net.Conn) (*smtp.Client, error) {
	var c *smtp.Client
	switch r.cfg.TLSMode {
	case TLSModeStartTLS:
		// The pre-TLS greeting uses the library default name; EHLO is
		// repeated with HeloName once the channel is encrypted.
		var err error
		c, err = smtp.NewClientStartTLS(conn, r.tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
		if err := c.Hello(r.cfg.HeloName); err != nil {
			c.Close()
			return nil, fmt.Errorf("STARTTLS: %w", err)
		}
		return c, nil
	case TLSModeImplicit:
		c = smtp.NewClient(tls.Client(conn, r.tlsConfig))
	case TLSModeNone:
		c = smtp.NewClient(conn)
	default:
		return nil, fmt.Errorf("unknown TLS mode %q", r.cfg.TLSMode)
	}

	if err := c.Hello(r.cfg.HeloName); err != nil {
		c.Close()
		return nil, fmt.Errorf("EHLO: %w", err)
	}
	return c, nil
}

func (r *Relay) transaction(c *smtp.Client, env relay.Envelope, raw []byte) error {
	if r.cfg.Username != "" && r.cfg.Password != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return fmt.Errorf("AUTH: %w", err)
		}
	}

	if err := c.Mail(env.From, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, to := range env.To {
		if err := c.Rcpt(to, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", to, err)
		}
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := bytes.NewReader(raw).WriteTo(wc); err != nil {
		wc.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("end of DATA: %w", err)
	}

	return nil
}

// reject converts a transaction error into a *relay.RejectError, using the
// server reply as the reason when there is one.
func (r *Relay) reject(err error) error {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &relay.RejectError{
			Relay:  r.Name(),
			Reason: fmt.Sprintf("%d %s", smtpErr.Code, smtpErr.Message),
			Err:    err,
		}
	}
	return relay.Reject(r.Name(), err)
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "smtp"
}
