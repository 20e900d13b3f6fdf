// Package email defines the in-memory message model shared by the parser,
// the rewrite transform and the forwarding pipeline.
package email

import (
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Message is a parsed RFC 5322 message.
//
// The typed fields mirror the header fields the forwarder manages. Header
// holds every field exactly as it was read; the serializer only replaces a
// managed field when its typed value no longer matches the stored one.
type Message struct {
	Subject        string
	From           []Address
	To             []Address
	ReplyTo        []Address
	EnvelopeSender string
	Header         textproto.Header
	Body           Body
	// BareLF is set when the source used LF instead of CRLF line endings.
	// The header is then written back with LF so the output stays uniform.
	BareLF bool
}

// Address is a mailbox with an optional display name.
type Address struct {
	Name    string
	Address string
}

// Body is the message body after the header block. Raw is carried through
// verbatim; Parts is a read-only summary of the MIME tree found in it.
type Body struct {
	Raw   []byte
	Parts []Part
	// Defect is set when the MIME walk stopped early, for example on a
	// multipart without closing boundary. Parts then holds the nodes read
	// before the defect; Raw is complete either way.
	Defect error
}

// Part describes one node of the MIME tree.
type Part struct {
	// Path is the index path from the root entity, empty for the root.
	Path        []int
	MediaType   string
	Charset     string
	Boundary    string
	Disposition string
	Filename    string
}

// IsMultipart reports whether the part is a multipart container.
func (p Part) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType, "multipart/")
}

// Sender returns the first From entry, if any.
func (m *Message) Sender() (Address, bool) {
	if len(m.From) == 0 {
		return Address{}, false
	}
	return m.From[0], true
}

// Attachments returns the parts carrying an attachment disposition.
func (m *Message) Attachments() []Part {
	var out []Part
	for _, p := range m.Body.Parts {
		if p.Disposition == "attachment" {
			out = append(out, p)
		}
	}
	return out
}
