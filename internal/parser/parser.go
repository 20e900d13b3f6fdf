// Package parser decodes raw RFC 5322 messages into email.Message values and
// encodes them back into wire form without touching the body.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/ses-forwarder/internal/email"
)

// Header fields managed through the typed fields of email.Message.
const (
	headerFrom       = "From"
	headerTo         = "To"
	headerReplyTo    = "Reply-To"
	headerSubject    = "Subject"
	headerReturnPath = "Return-Path"
)

// MalformedMessageError is returned by Decode when the input cannot be
// parsed as an RFC 5322 message.
type MalformedMessageError struct {
	Reason string
	Err    error
}

func (e *MalformedMessageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

func malformed(reason string, err error) *MalformedMessageError {
	return &MalformedMessageError{Reason: reason, Err: err}
}

// Decode parses a raw message. The body is copied verbatim into the result
// and its MIME structure is walked to build the part summary. Only header
// level problems fail the decode; a MIME defect such as a missing closing
// boundary ends the walk early and is recorded in Body.Defect.
func Decode(raw []byte) (*email.Message, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, malformed("empty message", nil)
	}

	bodyStart := headerEnd(raw)
	if bodyStart < 0 {
		return nil, malformed("header block is not terminated by an empty line", nil)
	}

	hdr, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw[:bodyStart])))
	if err != nil {
		return nil, malformed("invalid header", err)
	}
	if hdr.Len() == 0 {
		return nil, malformed("no header fields", nil)
	}

	h := mail.Header{Header: message.Header{Header: hdr}}
	msg := &email.Message{
		Header: hdr,
		BareLF: bodyStart < 2 || raw[bodyStart-2] != '\r',
	}

	if msg.From, err = addressList(&h, headerFrom); err != nil {
		return nil, err
	}
	if msg.To, err = addressList(&h, headerTo); err != nil {
		return nil, err
	}
	if msg.ReplyTo, err = addressList(&h, headerReplyTo); err != nil {
		return nil, err
	}
	msg.Subject = subjectOf(&h)
	msg.EnvelopeSender = parseReturnPath(h.Get(headerReturnPath))

	body := bytes.Clone(raw[bodyStart:])
	parts, walkErr := walkParts(hdr, body)
	msg.Body = email.Body{Raw: body, Parts: parts, Defect: walkErr}

	return msg, nil
}

// Encode serializes msg. Managed header fields are only rewritten when the
// typed value differs from what the stored header decodes to, so untouched
// fields keep their original bytes. msg is not modified.
func Encode(msg *email.Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("cannot encode nil message")
	}

	h := mail.Header{Header: message.Header{Header: msg.Header.Copy()}}

	for _, f := range []struct {
		key   string
		addrs []email.Address
	}{
		{headerFrom, msg.From},
		{headerTo, msg.To},
		{headerReplyTo, msg.ReplyTo},
	} {
		if err := setAddressList(&h, f.key, f.addrs); err != nil {
			return nil, err
		}
	}

	if subjectOf(&h) != msg.Subject {
		h.SetSubject(msg.Subject)
	}

	if parseReturnPath(h.Get(headerReturnPath)) != msg.EnvelopeSender {
		if msg.EnvelopeSender == "" {
			h.Del(headerReturnPath)
		} else {
			if _, err := mail.ParseAddress(msg.EnvelopeSender); err != nil {
				return nil, fmt.Errorf("invalid envelope sender %q: %w", msg.EnvelopeSender, err)
			}
			h.Set(headerReturnPath, "<"+msg.EnvelopeSender+">")
		}
	}

	var head bytes.Buffer
	if err := textproto.WriteHeader(&head, h.Header.Header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	out := head.Bytes()
	if msg.BareLF {
		out = bytes.ReplaceAll(out, []byte("\r\n"), []byte("\n"))
	}

	buf := make([]byte, 0, len(out)+len(msg.Body.Raw))
	buf = append(buf, out...)
	buf = append(buf, msg.Body.Raw...)

	return buf, nil
}

// headerEnd returns the offset just past the empty line ending the header
// block, or -1 if there is none.
func headerEnd(raw []byte) int {
	for i := 0; i < len(raw); {
		j := bytes.IndexByte(raw[i:], '\n')
		if j < 0 {
			return -1
		}
		line := raw[i : i+j]
		next := i + j + 1
		if len(line) == 0 || (len(line) == 1 && line[0] == '\r') {
			return next
		}
		i = next
	}
	return -1
}

func addressList(h *mail.Header, key string) ([]email.Address, error) {
	list, err := h.AddressList(key)
	if err != nil {
		return nil, malformed(fmt.Sprintf("invalid %s header", key), err)
	}
	if len(list) == 0 {
		return nil, nil
	}

	out := make([]email.Address, 0, len(list))
	for _, a := range list {
		out = append(out, email.Address{Name: a.Name, Address: a.Address})
	}
	return out, nil
}

func setAddressList(h *mail.Header, key string, addrs []email.Address) error {
	current, err := h.AddressList(key)
	if err == nil && sameAddresses(current, addrs) {
		return nil
	}

	if len(addrs) == 0 {
		h.Del(key)
		return nil
	}

	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		if _, err := mail.ParseAddress(a.Address); err != nil {
			return fmt.Errorf("invalid %s address %q: %w", key, a.Address, err)
		}
		list = append(list, &mail.Address{Name: a.Name, Address: a.Address})
	}
	h.SetAddressList(key, list)
	return nil
}

func sameAddresses(current []*mail.Address, addrs []email.Address) bool {
	if len(current) != len(addrs) {
		return false
	}
	for i, a := range current {
		if a.Name != addrs[i].Name || a.Address != addrs[i].Address {
			return false
		}
	}
	return true
}

// subjectOf returns the decoded Subject, falling back to the raw value when
// its encoded words use an unknown charset.
func subjectOf(h *mail.Header) string {
	s, err := h.Subject()
	if err != nil {
		return h.Get(headerSubject)
	}
	return s
}

func parseReturnPath(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "<")
	v = strings.TrimSuffix(v, ">")
	return strings.TrimSpace(v)
}

// walkParts builds the MIME part summary for the body. On a structural
// error it returns the parts seen so far together with the error.
func walkParts(hdr textproto.Header, body []byte) ([]email.Part, error) {
	entity, err := message.New(message.Header{Header: hdr.Copy()}, bytes.NewReader(body))
	if err != nil && !tolerable(err) {
		return nil, err
	}

	var parts []email.Part
	err = entity.Walk(func(path []int, ent *message.Entity, err error) error {
		if err != nil && !tolerable(err) {
			return err
		}
		part := describe(path, ent)
		parts = append(parts, part)
		if part.IsMultipart() && part.Boundary == "" {
			return fmt.Errorf("%s part has no boundary", part.MediaType)
		}
		return nil
	})

	return parts, err
}

func describe(path []int, ent *message.Entity) email.Part {
	part := email.Part{
		Path:      append([]int(nil), path...),
		MediaType: "text/plain",
	}

	var params map[string]string
	if ent.Header.Get("Content-Type") != "" {
		mediaType, p, err := ent.Header.ContentType()
		if err == nil {
			part.MediaType = mediaType
			params = p
		}
	}
	part.Charset = params["charset"]
	part.Boundary = params["boundary"]

	if ent.Header.Get("Content-Disposition") != "" {
		disp, dparams, err := ent.Header.ContentDisposition()
		if err == nil {
			part.Disposition = disp
			part.Filename = dparams["filename"]
		}
	}
	if part.Filename == "" {
		part.Filename = params["name"]
	}

	return part
}

func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
