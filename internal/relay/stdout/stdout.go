// Package stdout implements a Relay that prints messages to standard output.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/ses-forwarder/internal/relay"
)

const separator = "========================================\n"

// Relay prints forwarded messages with their envelope in a readable format.
type Relay struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a new stdout Relay that writes to os.Stdout.
func New() *Relay {
	return &Relay{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Relay that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Relay {
	return &Relay{writer: w}
}

// Send prints the envelope followed by the raw message.
func (r *Relay) Send(_ context.Context, env relay.Envelope, raw []byte) error {
	var b strings.Builder

	b.WriteString(separator)
	b.WriteString(fmt.Sprintf("Mail From: %s\n", env.From))
	b.WriteString(fmt.Sprintf("Rcpt To: %s\n", strings.Join(env.To, ", ")))
	b.WriteString(fmt.Sprintf("Size: %s\n", formatSize(len(raw))))
	b.WriteString(separator)
	b.Write(raw)
	if len(raw) > 0 && raw[len(raw)-1] != '\n' {
		b.WriteString("\n")
	}
	b.WriteString(separator)

	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return relay.Reject(r.Name(), err)
	}

	return nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
