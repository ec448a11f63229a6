package smtpd

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"pbmail/internal/process"
	"pbmail/internal/relay"
	"pbmail/internal/storage"
	"pbmail/internal/textproto"
)

const testPassword = "secret"

type fakeSender struct {
	sent []*relay.OutgoingMail
}

func (f *fakeSender) Send(mail *relay.OutgoingMail) (string, error) {
	f.sent = append(f.sent, mail)
	return "<fake@test>", nil
}

type fakeNotifier struct{}

func (fakeNotifier) EmailStored(int64) {}

type testEnv struct {
	session *session
	store   *storage.SQLiteStore
	out     *bytes.Buffer
	sender  *fakeSender
	hash    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	domainID, err := store.AddDomain("example.com", "")
	if err != nil {
		t.Fatalf("Failed to add domain: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	if _, err := store.AddUser("alice@example.com", string(hash), domainID); err != nil {
		t.Fatalf("Failed to add user: %v", err)
	}

	sender := &fakeSender{}
	handler := process.NewHandler(store, sender, fakeNotifier{})

	out := &bytes.Buffer{}
	sess := newSession(store, handler, out, "mail.example.com",
		[]string{AuthMethodLogin, AuthMethodPlain, AuthMethodCramMd5}, 3)

	return &testEnv{session: sess, store: store, out: out, sender: sender, hash: string(hash)}
}

// send drives one client line and returns the server's reply lines.
func (e *testEnv) send(line string) []string {
	e.out.Reset()
	e.session.handleLine(line)
	raw := strings.TrimSuffix(e.out.String(), textproto.Delimiter)
	if raw == "" {
		return nil
	}
	return strings.Split(raw, textproto.Delimiter)
}

func (e *testEnv) sendExpect(t *testing.T, line, expected string) {
	t.Helper()
	replies := e.send(line)
	if len(replies) == 0 || replies[len(replies)-1] != expected {
		t.Fatalf("Command %q: expected %q, got %v", line, expected, replies)
	}
}

func b64(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func TestGreeting(t *testing.T) {
	e := newTestEnv(t)
	e.session.sendGreeting()
	if got := strings.TrimSpace(e.out.String()); got != "220 mail.example.com ESMTP Service Ready" {
		t.Errorf("Unexpected greeting: %q", got)
	}
}

func TestHeloAndEhlo(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "HELO client.test", "250 mail.example.com")

	replies := e.send("EHLO client.test")
	if len(replies) != 2 {
		t.Fatalf("Expected 2 EHLO lines, got %v", replies)
	}
	if replies[0] != "250-mail.example.com" {
		t.Errorf("Unexpected EHLO line: %q", replies[0])
	}
	if replies[1] != "250 AUTH LOGIN PLAIN CRAM-MD5" {
		t.Errorf("Unexpected AUTH advertisement: %q", replies[1])
	}
}

func TestAuthLoginSuccess(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	e.sendExpect(t, b64("alice@example.com"), "334 UGFzc3dvcmQ6")
	e.sendExpect(t, b64(testPassword), "235 2.7.0 Authentication successful")

	if e.session.state.Username != "alice@example.com" {
		t.Errorf("Expected authenticated username, got %q", e.session.state.Username)
	}
}

func TestAuthLoginWithInitialResponse(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "AUTH LOGIN "+b64("alice@example.com"), "334 UGFzc3dvcmQ6")
	e.sendExpect(t, b64(testPassword), "235 2.7.0 Authentication successful")
}

func TestAuthLoginWrongPassword(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	e.sendExpect(t, b64("alice@example.com"), "334 UGFzc3dvcmQ6")
	e.sendExpect(t, b64("wrong"), "535 Authentication credentials invalid")

	if e.session.state.Username != "" {
		t.Errorf("Expected no authentication, got %q", e.session.state.Username)
	}

	// The connection survives a failed AUTH.
	e.sendExpect(t, "NOOP", "250 OK")
}

func TestAuthPlainInline(t *testing.T) {
	e := newTestEnv(t)

	token := b64("\x00alice@example.com\x00" + testPassword)
	e.sendExpect(t, "AUTH PLAIN "+token, "235 2.7.0 Authentication successful")
}

func TestAuthPlainContinuation(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "AUTH PLAIN", "334 ")
	token := b64("\x00alice@example.com\x00" + testPassword)
	e.sendExpect(t, token, "235 2.7.0 Authentication successful")
}

func TestAuthCramMd5(t *testing.T) {
	e := newTestEnv(t)

	replies := e.send("AUTH CRAM-MD5")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "334 ") {
		t.Fatalf("Expected challenge, got %v", replies)
	}
	challenge, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(replies[0], "334 "))
	if err != nil {
		t.Fatalf("Challenge not base64: %v", err)
	}

	// The shared secret for CRAM-MD5 clients is the stored hash.
	mac := hmac.New(md5.New, []byte(e.hash))
	mac.Write(challenge)
	response := b64("alice@example.com " + hex.EncodeToString(mac.Sum(nil)))

	e.sendExpect(t, response, "235 2.7.0 Authentication successful")
}

func TestAuthCramMd5WrongDigest(t *testing.T) {
	e := newTestEnv(t)

	replies := e.send("AUTH CRAM-MD5")
	if len(replies) != 1 || !strings.HasPrefix(replies[0], "334 ") {
		t.Fatalf("Expected challenge, got %v", replies)
	}

	response := b64("alice@example.com " + strings.Repeat("0", 32))
	e.sendExpect(t, response, "535 Authentication credentials invalid")
}

func TestAuthUnsupportedMechanism(t *testing.T) {
	e := newTestEnv(t)
	e.sendExpect(t, "AUTH GSSAPI", "504 Unrecognized authentication type")
}

func TestAuthCancel(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	e.sendExpect(t, "*", "501 Authentication cancelled")
	e.sendExpect(t, "NOOP", "250 OK")
}

func TestAuthMalformedBase64(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	e.sendExpect(t, "!!not-base64!!", "535 Authentication credentials invalid")
	e.sendExpect(t, "NOOP", "250 OK")
}

func TestRcptBeforeMailRejected(t *testing.T) {
	e := newTestEnv(t)
	e.sendExpect(t, "RCPT TO:<alice@example.com>", "503 Bad sequence of commands")
}

func TestDataWithoutRecipientsRejected(t *testing.T) {
	e := newTestEnv(t)
	e.sendExpect(t, "MAIL FROM:<bob@remote.test>", "250 MAIL OK")
	e.sendExpect(t, "DATA", "503 Bad sequence of commands")
}

func TestRecipientLimit(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "MAIL FROM:<bob@remote.test>", "250 MAIL OK")
	e.sendExpect(t, "RCPT TO:<a@example.com>", "250 Accepted")
	e.sendExpect(t, "RCPT TO:<b@example.com>", "250 Accepted")
	e.sendExpect(t, "RCPT TO:<c@example.com>", "250 Accepted")
	e.sendExpect(t, "RCPT TO:<d@example.com>", "452 Too many recipients")
}

func TestMailSyntaxError(t *testing.T) {
	e := newTestEnv(t)
	e.sendExpect(t, "MAIL FROM:bob@remote.test", "501 Syntax error in parameters or arguments")
}

func TestIncomingMailStored(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "HELO client.test", "250 mail.example.com")
	e.sendExpect(t, "MAIL FROM:<bob@remote.test>", "250 MAIL OK")
	e.sendExpect(t, "RCPT TO:<alice@example.com>", "250 Accepted")
	e.sendExpect(t, "DATA", `354 Enter message, ending with "." on a line by itself`)

	for _, line := range []string{
		"From: bob@remote.test",
		"To: alice@example.com",
		"Subject: hi there",
		"",
		"plain body",
	} {
		if replies := e.send(line); replies != nil {
			t.Fatalf("Unexpected reply during DATA: %v", replies)
		}
	}
	e.sendExpect(t, ".", "250 OK")

	user, err := e.store.UserByUsername("alice@example.com")
	if err != nil || user == nil {
		t.Fatalf("Failed to look up user: %v", err)
	}
	count, err := e.store.CountMailsByFolder(user.ID, storage.FolderInbox, nil)
	if err != nil {
		t.Fatalf("CountMailsByFolder failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("Expected 1 stored mail, got %d", count)
	}

	msg, err := e.store.MailBySeq(user.ID, 1, storage.FolderInbox)
	if err != nil || msg == nil {
		t.Fatalf("Failed to read stored mail: %v", err)
	}
	if msg.Subject() != "hi there" {
		t.Errorf("Expected subject 'hi there', got %q", msg.Subject())
	}
}

func TestDataDotUnstuffing(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "MAIL FROM:<bob@remote.test>", "250 MAIL OK")
	e.sendExpect(t, "RCPT TO:<alice@example.com>", "250 Accepted")
	e.sendExpect(t, "DATA", `354 Enter message, ending with "." on a line by itself`)

	for _, line := range []string{
		"From: bob@remote.test",
		"To: alice@example.com",
		"Subject: dots",
		"",
		"..leading dot survives as one dot",
	} {
		e.send(line)
	}
	e.sendExpect(t, ".", "250 OK")

	user, _ := e.store.UserByUsername("alice@example.com")
	msg, err := e.store.MailBySeq(user.ID, 1, storage.FolderInbox)
	if err != nil || msg == nil {
		t.Fatalf("Failed to read stored mail: %v", err)
	}
	if !strings.Contains(msg.Body(), ".leading dot survives") {
		t.Errorf("Expected unstuffed dot, got %q", msg.Body())
	}
	if strings.Contains(msg.Body(), "..leading") {
		t.Errorf("Expected stuffed dot removed, got %q", msg.Body())
	}
}

func TestUnauthorizedSubmissionRejected(t *testing.T) {
	e := newTestEnv(t)

	// Managed sender domain without authentication.
	e.sendExpect(t, "MAIL FROM:<alice@example.com>", "250 MAIL OK")
	e.sendExpect(t, "RCPT TO:<someone@remote.test>", "250 Accepted")
	e.sendExpect(t, "DATA", `354 Enter message, ending with "." on a line by itself`)
	for _, line := range []string{
		"From: alice@example.com",
		"To: someone@remote.test",
		"Subject: out",
		"",
		"body",
	} {
		e.send(line)
	}
	e.sendExpect(t, ".", "451 Requested action aborted: error in processing")

	if len(e.sender.sent) != 0 {
		t.Errorf("Expected no relay, got %d", len(e.sender.sent))
	}
}

func TestAuthenticatedSubmissionRelayed(t *testing.T) {
	e := newTestEnv(t)

	token := b64("\x00alice@example.com\x00" + testPassword)
	e.sendExpect(t, "AUTH PLAIN "+token, "235 2.7.0 Authentication successful")

	e.sendExpect(t, "MAIL FROM:<alice@example.com>", "250 MAIL OK")
	e.sendExpect(t, "RCPT TO:<someone@remote.test>", "250 Accepted")
	e.sendExpect(t, "DATA", `354 Enter message, ending with "." on a line by itself`)
	for _, line := range []string{
		"From: alice@example.com",
		"To: someone@remote.test",
		"Subject: out",
		"",
		"body",
	} {
		e.send(line)
	}
	e.sendExpect(t, ".", "250 OK")

	if len(e.sender.sent) != 1 {
		t.Fatalf("Expected 1 relayed mail, got %d", len(e.sender.sent))
	}
	if got := e.sender.sent[0].EnvelopeTo; len(got) != 1 || got[0] != "someone@remote.test" {
		t.Errorf("Unexpected relay envelope: %v", got)
	}

	// The transaction state is cleared for the next message.
	if e.session.state.From != "" || len(e.session.state.Recipients) != 0 {
		t.Error("Expected transaction reset after DATA")
	}
	// Authentication persists across transactions.
	if e.session.state.Username != "alice@example.com" {
		t.Errorf("Expected authentication kept, got %q", e.session.state.Username)
	}
}

func TestRsetClearsTransaction(t *testing.T) {
	e := newTestEnv(t)

	e.sendExpect(t, "MAIL FROM:<bob@remote.test>", "250 MAIL OK")
	e.sendExpect(t, "RCPT TO:<alice@example.com>", "250 Accepted")
	e.sendExpect(t, "RSET", "250 OK")

	if e.session.state.From != "" || len(e.session.state.Recipients) != 0 {
		t.Error("Expected transaction cleared by RSET")
	}
	e.sendExpect(t, "RCPT TO:<alice@example.com>", "503 Bad sequence of commands")
}

func TestQuit(t *testing.T) {
	e := newTestEnv(t)
	e.sendExpect(t, "QUIT", "221 mail.example.com Service closing transmission channel")
	if !e.session.closing {
		t.Error("Expected session to be closing after QUIT")
	}
}

func TestUnknownCommand(t *testing.T) {
	e := newTestEnv(t)
	e.sendExpect(t, "VRFY alice", "500 Unrecognized command")
}
