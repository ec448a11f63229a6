// Package relay submits outbound mail to a smarthost, DKIM-signed with the
// sending domain's key.
package relay

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-msgauth/dkim"
)

const dkimSelector = "default"

// OutgoingMail is one mail to submit. Bcc recipients go on the envelope
// only, never into the headers.
type OutgoingMail struct {
	From       string
	FromName   string
	To         []string
	Cc         []string
	Bcc        []string
	Subject    string
	HTMLBody   string
	InReplyTo  string
	References string

	// EnvelopeTo overrides the RCPT TO set when it differs from the header
	// recipients, e.g. when some header recipients are delivered locally.
	EnvelopeTo []string
}

// Sender submits one outbound mail and returns its Message-ID.
type Sender interface {
	Send(msg *OutgoingMail) (string, error)
}

// DKIMKeySource resolves a sending domain to its PEM-encoded private key.
type DKIMKeySource interface {
	FindDomainDKIM(domain string) (string, error)
}

// Mailer signs and submits mail through one configured smarthost.
type Mailer struct {
	smarthost string
	keys      DKIMKeySource

	// submit is swappable in tests.
	submit func(addr, from string, rcpt []string, msg []byte) error
}

func NewMailer(smarthost string, keys DKIMKeySource) *Mailer {
	return &Mailer{
		smarthost: smarthost,
		keys:      keys,
		submit: func(addr, from string, rcpt []string, msg []byte) error {
			return smtp.SendMail(addr, nil, from, rcpt, msg)
		},
	}
}

func (m *Mailer) Send(msg *OutgoingMail) (string, error) {
	domain := domainOf(msg.From)
	if domain == "" {
		return "", fmt.Errorf("invalid from address %q", msg.From)
	}

	messageID, raw, err := buildMessage(msg, domain)
	if err != nil {
		return "", err
	}

	keyPEM, err := m.keys.FindDomainDKIM(domain)
	if err != nil {
		return "", err
	}
	if keyPEM == "" {
		return "", fmt.Errorf("DKIM key not found for <%s>", msg.From)
	}

	signed, err := signMessage(raw, domain, msg.From, keyPEM)
	if err != nil {
		return "", err
	}

	rcpt := envelopeRecipients(msg)
	if len(rcpt) == 0 {
		return "", fmt.Errorf("no recipients")
	}

	if err := m.submit(m.smarthost, msg.From, rcpt, signed); err != nil {
		return "", fmt.Errorf("smarthost submission failed: %w", err)
	}

	log.Printf("Email sent from <%s> to %v", msg.From, rcpt)
	return messageID, nil
}

func buildMessage(msg *OutgoingMail, domain string) (string, []byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("Reply-To", []*mail.Address{{Name: msg.FromName, Address: msg.From}})
	h.SetAddressList("To", bareAddresses(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", bareAddresses(msg.Cc))
	}
	h.SetSubject(msg.Subject)
	h.Set("Content-Type", "text/html; charset=utf-8")

	messageID := newMessageID(domain)
	h.Set("Message-Id", "<"+messageID+">")

	// Replies carry threading headers; both fields hold the parent id but
	// stay independently settable.
	if msg.InReplyTo != "" && msg.References != "" {
		h.Set("In-Reply-To", msg.InReplyTo)
		h.Set("References", msg.References)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", nil, err
	}
	if _, err := io.WriteString(w, msg.HTMLBody); err != nil {
		w.Close()
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}

	return messageID, buf.Bytes(), nil
}

func signMessage(raw []byte, domain, identity, keyPEM string) ([]byte, error) {
	signer, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DKIM key for %s: %w", domain, err)
	}

	options := &dkim.SignOptions{
		Domain:     domain,
		Selector:   dkimSelector,
		Identifier: identity,
		Signer:     signer,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(raw), options); err != nil {
		return nil, fmt.Errorf("DKIM signing failed: %w", err)
	}
	return signed.Bytes(), nil
}

func parsePrivateKey(keyPEM string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported key type %T", key)
	}
	return signer, nil
}

func envelopeRecipients(msg *OutgoingMail) []string {
	groups := [][]string{msg.To, msg.Cc, msg.Bcc}
	if len(msg.EnvelopeTo) > 0 {
		groups = [][]string{msg.EnvelopeTo}
	}

	seen := map[string]bool{}
	var rcpt []string
	for _, group := range groups {
		for _, addr := range group {
			addr = strings.ToLower(strings.TrimSpace(addr))
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			rcpt = append(rcpt, addr)
		}
	}
	return rcpt
}

func bareAddresses(addrs []string) []*mail.Address {
	list := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		list = append(list, &mail.Address{Address: a})
	}
	return list
}

func newMessageID(domain string) string {
	buf := make([]byte, 8)
	rand.Read(buf)
	return fmt.Sprintf("%d.%s@%s", time.Now().UnixNano(), hex.EncodeToString(buf), domain)
}

func domainOf(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
