package listener

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
)

// Reference identifies one newly detected message within the currently
// selected mailbox. Sequence numbers are only meaningful for the lifetime
// of the session that produced them.
type Reference struct {
	SeqNum uint32
}

// Message is the header-level view handed to handlers. Body content is
// fetched on demand through the Handle.
type Message struct {
	Reference

	Subject string
	From    string
	To      string
	Date    time.Time
	Size    int
}

// newMessage builds a Message from a raw header block. Parse failures
// degrade to a bare reference; detection must not depend on well-formed
// headers.
func newMessage(seq uint32, rawHeader []byte) *Message {
	msg := &Message{Reference: Reference{SeqNum: seq}, Size: len(rawHeader)}
	if len(rawHeader) == 0 {
		return msg
	}

	entity, err := message.Read(bytes.NewReader(rawHeader))
	if err != nil && !message.IsUnknownCharset(err) {
		return msg
	}

	h := mail.Header{Header: entity.Header}
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	}
	msg.From = formatAddressList(h, "From")
	msg.To = formatAddressList(h, "To")
	if date, err := h.Date(); err == nil {
		msg.Date = date
	}
	return msg
}

func formatAddressList(h mail.Header, field string) string {
	addrs, err := h.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return h.Get(field)
	}
	parts := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		parts = append(parts, addr.Address)
	}
	return strings.Join(parts, ", ")
}

// Body holds the decoded text parts of a fetched message.
type Body struct {
	Plain []byte
	HTML  []byte
}

func parseBody(raw []byte) (*Body, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "reading message")
	}

	body := &Body{}
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading message part")
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		switch contentType {
		case "text/plain":
			body.Plain, _ = io.ReadAll(p.Body)
		case "text/html":
			body.HTML, _ = io.ReadAll(p.Body)
		}
	}
	return body, nil
}
