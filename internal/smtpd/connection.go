package smtpd

import (
	"io"
	"log"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"pbmail/internal/models"
	"pbmail/internal/process"
	"pbmail/internal/storage"
	"pbmail/internal/textproto"
)

var pathRe = regexp.MustCompile(`(?i)^(?:from|to):\s*<([^>]*)>`)

// session is one SMTP connection's protocol state machine.
type session struct {
	store          storage.Store
	handler        *process.Handler
	state          *models.SmtpState
	out            io.Writer
	framer         *textproto.Framer
	hostname       string
	authMethods    []string
	recipientLimit int

	method  Method
	closing bool
}

func newSession(store storage.Store, handler *process.Handler, out io.Writer,
	hostname string, authMethods []string, recipientLimit int) *session {
	return &session{
		store:          store,
		handler:        handler,
		state:          &models.SmtpState{},
		out:            out,
		framer:         &textproto.Framer{},
		hostname:       hostname,
		authMethods:    authMethods,
		recipientLimit: recipientLimit,
	}
}

func (s *session) sendReply(line string) {
	log.Printf("SMTP S: %s", line)
	io.WriteString(s.out, line+textproto.Delimiter)
}

func (s *session) sendGreeting() {
	s.sendReply("220 " + s.hostname + " ESMTP Service Ready")
}

func (s *session) handleLine(line string) {
	if s.state.DataMode {
		s.collectData(line)
		return
	}

	log.Printf("SMTP C: %s", line)

	// A pending AUTH exchange owns the line until it completes.
	if s.state.AuthStep != models.AuthStepIdle {
		s.continueAuth(line)
		return
	}

	args := textproto.Tokenize(line, 2)
	if len(args) == 0 {
		s.sendReply("500 Unrecognized command")
		return
	}
	command := strings.ToUpper(args[0])
	rest := ""
	if len(args) > 1 {
		rest = args[1]
	}

	switch command {

	case "HELO":
		s.state.Helo = rest
		s.sendReply("250 " + s.hostname)

	case "EHLO":
		s.state.Helo = rest
		s.sendReply("250-" + s.hostname)
		s.sendReply("250 AUTH " + strings.Join(s.authMethods, " "))

	case "AUTH":
		s.beginAuth(rest)

	case "MAIL":
		match := pathRe.FindStringSubmatch(rest)
		if match == nil {
			s.sendReply("501 Syntax error in parameters or arguments")
			return
		}
		s.state.ResetTransaction()
		s.state.From = match[1]
		s.sendReply("250 MAIL OK")

	case "RCPT":
		if s.state.From == "" {
			s.sendReply("503 Bad sequence of commands")
			return
		}
		match := pathRe.FindStringSubmatch(rest)
		if match == nil {
			s.sendReply("501 Syntax error in parameters or arguments")
			return
		}
		if len(s.state.Recipients) >= s.recipientLimit {
			s.sendReply("452 Too many recipients")
			return
		}
		s.state.Recipients = append(s.state.Recipients, match[1])
		s.sendReply("250 Accepted")

	case "DATA":
		if len(s.state.Recipients) == 0 {
			s.sendReply("503 Bad sequence of commands")
			return
		}
		s.state.DataMode = true
		s.state.DataBuffer = nil
		s.sendReply(`354 Enter message, ending with "." on a line by itself`)

	case "RSET":
		s.state.ResetTransaction()
		s.sendReply("250 OK")

	case "NOOP":
		s.sendReply("250 OK")

	case "QUIT":
		s.sendReply("221 " + s.hostname + " Service closing transmission channel")
		s.closing = true

	default:
		s.sendReply("500 Unrecognized command")
	}
}

// beginAuth starts an AUTH exchange. Malformed requests get a negative
// reply; the connection always survives.
func (s *session) beginAuth(rest string) {
	if s.state.Username != "" {
		s.sendReply("503 Already authenticated")
		return
	}

	args := textproto.Tokenize(rest, 2)
	if len(args) == 0 {
		s.sendReply("501 Syntax error in parameters or arguments")
		return
	}
	mechanism := strings.ToUpper(args[0])
	initial := ""
	if len(args) > 1 {
		initial = args[1]
	}

	if !s.mechanismEnabled(mechanism) {
		s.sendReply("504 Unrecognized authentication type")
		return
	}

	switch mechanism {
	case AuthMethodLogin:
		method := &LoginMethod{}
		s.method = method
		s.state.AuthMethod = mechanism
		if initial != "" {
			if err := method.SetUsername(initial); err != nil {
				s.failAuth()
				return
			}
			s.state.AuthStep = models.AuthStepCredential
			s.sendReply("334 UGFzc3dvcmQ6")
			return
		}
		s.state.AuthStep = models.AuthStepWaiting
		s.sendReply("334 VXNlcm5hbWU6")

	case AuthMethodPlain:
		method := &PlainMethod{}
		s.method = method
		s.state.AuthMethod = mechanism
		if initial != "" {
			if err := method.DecodeToken(initial); err != nil {
				s.failAuth()
				return
			}
			s.finishAuth()
			return
		}
		s.state.AuthStep = models.AuthStepWaiting
		s.sendReply("334 ")

	case AuthMethodCramMd5:
		method := NewCramMd5Method(s.hostname)
		s.method = method
		s.state.AuthMethod = mechanism
		s.state.AuthStep = models.AuthStepWaiting
		s.sendReply("334 " + method.EncodedChallenge())
	}
}

// continueAuth consumes one credential line of the pending exchange.
func (s *session) continueAuth(line string) {
	if line == "*" {
		s.resetAuth()
		s.sendReply("501 Authentication cancelled")
		return
	}

	switch method := s.method.(type) {
	case *LoginMethod:
		if s.state.AuthStep == models.AuthStepWaiting {
			if err := method.SetUsername(line); err != nil {
				s.failAuth()
				return
			}
			s.state.AuthStep = models.AuthStepCredential
			s.sendReply("334 UGFzc3dvcmQ6")
			return
		}
		if err := method.SetPassword(line); err != nil {
			s.failAuth()
			return
		}
		s.finishAuth()

	case *PlainMethod:
		if err := method.DecodeToken(line); err != nil {
			s.failAuth()
			return
		}
		s.finishAuth()

	case *CramMd5Method:
		if err := method.DecodeResponse(line); err != nil {
			s.failAuth()
			return
		}
		s.finishAuth()

	default:
		s.failAuth()
	}
}

// finishAuth verifies the collected credentials against the stored hash.
func (s *session) finishAuth() {
	method := s.method
	s.resetAuth()

	if method == nil || method.Username() == "" {
		s.sendReply("535 Authentication credentials invalid")
		return
	}

	username := strings.ToLower(method.Username())
	hash, err := s.store.PasswordForUsername(username)
	if err != nil || hash == "" {
		s.sendReply("535 Authentication credentials invalid")
		return
	}

	ok := false
	switch method.Type() {
	case AuthMethodLogin, AuthMethodPlain:
		ok = bcrypt.CompareHashAndPassword([]byte(hash), []byte(method.Password())) == nil
	case AuthMethodCramMd5:
		ok = method.ValidateIdentity(hash)
	}

	if !ok {
		s.sendReply("535 Authentication credentials invalid")
		return
	}

	s.state.Username = username
	s.sendReply("235 2.7.0 Authentication successful")
}

func (s *session) failAuth() {
	s.resetAuth()
	s.sendReply("535 Authentication credentials invalid")
}

func (s *session) resetAuth() {
	s.method = nil
	s.state.AuthStep = models.AuthStepIdle
	s.state.AuthMethod = ""
}

func (s *session) mechanismEnabled(mechanism string) bool {
	for _, m := range s.authMethods {
		if strings.EqualFold(m, mechanism) {
			return true
		}
	}
	return false
}

// collectData accumulates dot-unstuffed body lines until the terminating
// dot line.
func (s *session) collectData(line string) {
	if line == "." {
		s.finishData()
		return
	}
	// Dot-unstuffing per SMTP transparency rules.
	if strings.HasPrefix(line, "..") {
		line = line[1:]
	}
	s.state.DataBuffer = append(s.state.DataBuffer, line...)
	s.state.DataBuffer = append(s.state.DataBuffer, textproto.Delimiter...)
}

// finishData hands the assembled message to the processing collaborator.
// Processing errors are logged and folded into a generic failure reply.
func (s *session) finishData() {
	env := &process.Envelope{
		From:       s.state.From,
		Recipients: append([]string{}, s.state.Recipients...),
		Username:   s.state.Username,
		Raw:        append([]byte{}, s.state.DataBuffer...),
	}
	s.state.ResetTransaction()

	if err := s.handler.ProcessEmail(env); err != nil {
		log.Printf("Message processing failed: %v", err)
		s.sendReply("451 Requested action aborted: error in processing")
		return
	}
	s.sendReply("250 OK")
}
