// Package dkim signs forwarded messages before they are handed to a relay.
package dkim

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/shineum/ses-forwarder/internal/relay"
)

// signedHeaders lists the header fields covered by the signature.
var signedHeaders = []string{
	"From",
	"To",
	"Reply-To",
	"Subject",
	"Date",
	"Message-ID",
	"Content-Type",
	"MIME-Version",
}

// Signer adds a DKIM-Signature header for one domain.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// NewSigner loads a PEM-encoded RSA private key (PKCS#1 or PKCS#8) from
// keyPath.
func NewSigner(domain, selector, keyPath string) (*Signer, error) {
	keyData, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read DKIM key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block in %s", keyPath)
	}

	var key *rsa.PrivateKey

	// Try PKCS#1 format first
	key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		var ok bool
		key, ok = parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not an RSA private key")
		}
	}

	return NewSignerWithKey(domain, selector, key), nil
}

// NewSignerWithKey creates a Signer from an already loaded key.
func NewSignerWithKey(domain, selector string, key crypto.Signer) *Signer {
	return &Signer{domain: domain, selector: selector, key: key}
}

// Sign returns raw with a DKIM-Signature header prepended.
func (s *Signer) Sign(raw []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:     s.domain,
		Selector:   s.selector,
		Signer:     s.key,
		Hash:       crypto.SHA256,
		HeaderKeys: signedHeaders,
	}

	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(raw), options); err != nil {
		return nil, fmt.Errorf("dkim sign: %w", err)
	}
	return buf.Bytes(), nil
}

// Relay signs every message before passing it to the wrapped relay.
type Relay struct {
	next   relay.Relay
	signer *Signer
}

// Wrap returns a Relay that signs with s and delivers through next.
func Wrap(next relay.Relay, s *Signer) *Relay {
	return &Relay{next: next, signer: s}
}

// Send signs raw and forwards it. A signing failure is not a relay
// rejection and is returned as a plain error.
func (r *Relay) Send(ctx context.Context, env relay.Envelope, raw []byte) error {
	signed, err := r.signer.Sign(raw)
	if err != nil {
		return err
	}
	return r.next.Send(ctx, env, signed)
}

// Name returns the wrapped relay's name.
func (r *Relay) Name() string {
	return r.next.Name()
}

// DNSRecord returns the owner name and TXT value that publish the signer's
// public key.
func (s *Signer) DNSRecord() (name, value string, err error) {
	pub, ok := s.key.Public().(*rsa.PublicKey)
	if !ok {
		return "", "", fmt.Errorf("unsupported DKIM key type %T", s.key.Public())
	}
	value, err = TXTRecord(pub)
	if err != nil {
		return "", "", err
	}
	return s.selector + "._domainkey." + s.domain, value, nil
}

// TXTRecord formats the public half of key for the selector's DNS TXT record.
func TXTRecord(key *rsa.PublicKey) (string, error) {
	pubBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return "", err
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubBytes), nil
}
