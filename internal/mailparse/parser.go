// Package mailparse wraps emersion/go-message behind the read-only message
// view the protocol layer works with: parsed headers, address lists and the
// decoded text/HTML bodies of one stored mail.
package mailparse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// Address is one parsed mailbox from an address header.
type Address struct {
	Email string
	Name  string
}

// Message is the parsed, read-only view of one raw mail.
type Message struct {
	raw      []byte
	header   mail.Header
	textBody string
	htmlBody string
}

// Parse builds a Message from raw RFC 5322 bytes. Header parse failures are
// fatal; body decode failures degrade to a naive header/body split so that a
// malformed stored mail still yields a usable view.
func Parse(raw []byte) (*Message, error) {
	br := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, err
	}

	m := &Message{
		raw:    raw,
		header: mail.Header{Header: gomessage.Header{Header: hdr}},
	}
	m.readBodies(raw)

	return m, nil
}

func (m *Message) readBodies(raw []byte) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unknown charset or broken MIME structure: fall back to the bytes
		// after the header separator.
		m.textBody = rawBody(raw)
		return
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		mediaType, _, _ := inline.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}

		switch mediaType {
		case "text/html":
			if m.htmlBody == "" {
				m.htmlBody = string(body)
			}
		default:
			if m.textBody == "" {
				m.textBody = string(body)
			}
		}
	}
}

func rawBody(raw []byte) string {
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[idx+4:])
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return string(raw[idx+2:])
	}
	return ""
}

// Raw returns the stored wire bytes.
func (m *Message) Raw() []byte {
	return m.raw
}

// Size is the size FETCH reports for RFC822.SIZE.
func (m *Message) Size() int {
	return len(m.raw)
}

// Header exposes the parsed header for callers needing go-message semantics.
func (m *Message) Header() mail.Header {
	return m.header
}

// HeaderGet returns the decoded value of a named header, empty when absent.
func (m *Message) HeaderGet(name string) string {
	return m.header.Get(name)
}

// HeaderBlock returns the raw header section including the trailing CRLF,
// for FETCH BODY[HEADER].
func (m *Message) HeaderBlock() string {
	if idx := bytes.Index(m.raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(m.raw[:idx+2])
	}
	return string(m.raw)
}

// Subject returns the decoded Subject header.
func (m *Message) Subject() string {
	subject, err := m.header.Subject()
	if err != nil {
		return m.header.Get("Subject")
	}
	return subject
}

// Date parses the Date header. The zero time with ok=false signals an
// absent or unparsable header; search predicates treat that as no match.
func (m *Message) Date() (time.Time, bool) {
	if m.header.Get("Date") == "" {
		return time.Time{}, false
	}
	date, err := m.header.Date()
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// AddressList parses a named address header. A missing or malformed header
// yields an empty list.
func (m *Message) AddressList(field string) []Address {
	list, err := m.header.AddressList(field)
	if err != nil || len(list) == 0 {
		return nil
	}

	addrs := make([]Address, 0, len(list))
	for _, a := range list {
		addrs = append(addrs, Address{Email: a.Address, Name: a.Name})
	}
	return addrs
}

// Body returns the message body used for BODY/TEXT search matching and
// LARGER/SMALLER comparisons: the plain-text part when present, otherwise
// the HTML part.
func (m *Message) Body() string {
	if m.textBody != "" {
		return m.textBody
	}
	return m.htmlBody
}

// TextBody returns the decoded text/plain part, empty when absent.
func (m *Message) TextBody() string {
	return m.textBody
}

// HTMLBody returns the decoded text/html part, empty when absent.
func (m *Message) HTMLBody() string {
	return m.htmlBody
}

// MessageID returns the Message-ID header value.
func (m *Message) MessageID() string {
	return m.header.Get("Message-Id")
}

// InReplyTo returns the In-Reply-To header value, empty when absent.
func (m *Message) InReplyTo() string {
	return m.header.Get("In-Reply-To")
}

// References returns the References header value, empty when absent.
func (m *Message) References() string {
	return m.header.Get("References")
}

// EmailsFromHeader extracts bare lower-cased addresses from an address
// header value, tolerating both "Name <addr>" and bare-address forms.
func EmailsFromHeader(headerValue string) []string {
	if strings.TrimSpace(headerValue) == "" {
		return nil
	}

	var emails []string
	for _, item := range strings.Split(headerValue, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if open := strings.Index(item, "<"); open >= 0 {
			if close := strings.Index(item[open:], ">"); close > 0 {
				emails = append(emails, strings.ToLower(item[open+1:open+close]))
				continue
			}
			item = item[open+1:]
		}
		emails = append(emails, strings.ToLower(strings.Trim(item, "<> \t\"")))
	}
	return emails
}
