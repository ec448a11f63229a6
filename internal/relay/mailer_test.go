package relay

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
)

type fakeKeySource struct {
	keys map[string]string
}

func (f fakeKeySource) FindDomainDKIM(domain string) (string, error) {
	return f.keys[domain], nil
}

func testKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}))
}

func newTestMailer(t *testing.T, keys map[string]string) (*Mailer, *[][]string, *[]string) {
	t.Helper()

	var sentRcpt [][]string
	var sentMsgs []string
	m := NewMailer("smarthost.test:587", fakeKeySource{keys: keys})
	m.submit = func(addr, from string, rcpt []string, msg []byte) error {
		sentRcpt = append(sentRcpt, rcpt)
		sentMsgs = append(sentMsgs, string(msg))
		return nil
	}
	return m, &sentRcpt, &sentMsgs
}

func TestSendSignsAndSubmits(t *testing.T) {
	m, rcpts, msgs := newTestMailer(t, map[string]string{"example.com": testKeyPEM(t)})

	id, err := m.Send(&OutgoingMail{
		From:     "alice@example.com",
		FromName: "Alice",
		To:       []string{"bob@remote.test"},
		Subject:  "hello",
		HTMLBody: "<p>hi</p>",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id == "" {
		t.Error("Expected a message id")
	}

	if len(*msgs) != 1 {
		t.Fatalf("Expected 1 submission, got %d", len(*msgs))
	}
	msg := (*msgs)[0]
	if !strings.Contains(msg, "DKIM-Signature:") {
		t.Error("Expected DKIM-Signature header")
	}
	if !strings.Contains(msg, "Subject: hello") {
		t.Error("Expected subject header")
	}
	if !strings.Contains(msg, "<"+id+">") {
		t.Error("Expected Message-Id header to carry returned id")
	}

	if len(*rcpts) != 1 || len((*rcpts)[0]) != 1 || (*rcpts)[0][0] != "bob@remote.test" {
		t.Errorf("Unexpected envelope recipients: %v", *rcpts)
	}
}

func TestSendFailsWithoutDKIMKey(t *testing.T) {
	m, _, msgs := newTestMailer(t, nil)

	_, err := m.Send(&OutgoingMail{
		From:     "alice@nokey.test",
		To:       []string{"bob@remote.test"},
		Subject:  "hello",
		HTMLBody: "body",
	})
	if err == nil {
		t.Fatal("Expected error for missing DKIM key")
	}
	if len(*msgs) != 0 {
		t.Error("Expected no submission without DKIM key")
	}
}

func TestBccOnEnvelopeOnly(t *testing.T) {
	m, rcpts, msgs := newTestMailer(t, map[string]string{"example.com": testKeyPEM(t)})

	_, err := m.Send(&OutgoingMail{
		From:     "alice@example.com",
		To:       []string{"bob@remote.test"},
		Cc:       []string{"carol@remote.test"},
		Bcc:      []string{"dave@hidden.test"},
		Subject:  "secret",
		HTMLBody: "body",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := (*rcpts)[0]
	if len(got) != 3 {
		t.Fatalf("Expected 3 envelope recipients, got %v", got)
	}

	if strings.Contains((*msgs)[0], "dave@hidden.test") {
		t.Error("Expected bcc address to stay out of the headers")
	}
}

func TestReplyHeaders(t *testing.T) {
	m, _, msgs := newTestMailer(t, map[string]string{"example.com": testKeyPEM(t)})

	_, err := m.Send(&OutgoingMail{
		From:       "alice@example.com",
		To:         []string{"bob@remote.test"},
		Subject:    "Re: hello",
		HTMLBody:   "body",
		InReplyTo:  "<parent@remote.test>",
		References: "<parent@remote.test>",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg := (*msgs)[0]
	if !strings.Contains(msg, "In-Reply-To: <parent@remote.test>") {
		t.Error("Expected In-Reply-To header")
	}
	if !strings.Contains(msg, "References: <parent@remote.test>") {
		t.Error("Expected References header")
	}
}
