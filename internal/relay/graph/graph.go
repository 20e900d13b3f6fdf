// Package graph implements a Relay that submits MIME messages via the
// Microsoft Graph sendMail endpoint.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/ses-forwarder/internal/relay"
)

const graphScope = "https://graph.microsoft.com/.default"

// Config holds the configuration for creating a Relay.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Sender       string
}

// Relay sends raw messages via the Microsoft Graph API using OAuth2
// client credentials authentication. Graph delivers to the recipients named
// in the message header; the envelope is not transmitted.
type Relay struct {
	graphURL   string
	httpClient *http.Client
}

// New creates a new Relay with the given configuration.
func New(cfg Config) *Relay {
	tokenURL := fmt.Sprintf(
		"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
		url.PathEscape(cfg.TenantID),
	)
	graphURL := fmt.Sprintf(
		"https://graph.microsoft.com/v1.0/users/%s/sendMail",
		url.PathEscape(cfg.Sender),
	)

	return newWithOverrides(cfg, graphURL, tokenURL, &http.Client{Timeout: 30 * time.Second})
}

// newWithOverrides creates a Relay with custom URLs and HTTP client,
// used for testing.
func newWithOverrides(cfg Config, graphURL, tokenURL string, base *http.Client) *Relay {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}

	// Token requests and API calls share the base client's transport.
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := cc.Client(ctx)
	client.Timeout = base.Timeout

	return &Relay{
		graphURL:   graphURL,
		httpClient: client,
	}
}

// Send posts the base64-encoded MIME message to sendMail in a single
// request. Any non-2xx response is a rejection.
func (r *Relay) Send(ctx context.Context, _ relay.Envelope, raw []byte) error {
	body := base64.StdEncoding.EncodeToString(raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.graphURL, bytes.NewReader([]byte(body)))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return relay.Reject(r.Name(), fmt.Errorf("HTTP request failed: %w", err))
	}
	defer resp.Body.Close()

	// HTTP 202 Accepted is success for sendMail
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		return nil
	}

	respBody, _ := io.ReadAll(resp.Body)
	return &relay.RejectError{
		Relay:  r.Name(),
		Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, errorMessage(respBody)),
	}
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "msgraph"
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error graphError `json:"error"`
}

// graphError represents the error detail in a Graph API error response.
type graphError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// errorMessage extracts the Graph error message from a response body,
// falling back to the body itself.
func errorMessage(body []byte) string {
	var resp graphErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error.Message != "" {
		if resp.Error.Code != "" {
			return resp.Error.Code + ": " + resp.Error.Message
		}
		return resp.Error.Message
	}
	return string(body)
}
