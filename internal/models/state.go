package models

// Auth step values shared by both protocols. Step 0 is idle, step 1 means a
// mechanism was announced and the server is waiting for a credential line,
// step 2 means the credential arrived and is being verified.
const (
	AuthStepIdle       = 0
	AuthStepWaiting    = 1
	AuthStepCredential = 2
)

// Append step values for the IMAP APPEND dialog.
const (
	AppendStepIdle       = 0
	AppendStepAwaitData  = 1
	AppendStepCollecting = 2
)

// ImapState is the per-connection IMAP session state. One value per accepted
// socket, owned by the connection goroutine, never shared.
type ImapState struct {
	// UserID is the authenticated user, 0 when unauthenticated.
	UserID int64

	AuthStep   int
	AuthTag    string
	AuthMethod string

	SelectedFolder string

	AppendStep    int
	AppendTag     string
	AppendFolder  string
	AppendFlags   []string
	AppendLiteral int
	AppendBuffer  []byte
}

// Authenticated reports whether a user is bound to this session.
func (s *ImapState) Authenticated() bool {
	return s.UserID != 0
}

// ResetAuth clears a pending AUTHENTICATE exchange without touching the
// authenticated user.
func (s *ImapState) ResetAuth() {
	s.AuthStep = AuthStepIdle
	s.AuthTag = ""
	s.AuthMethod = ""
}

// ResetAppend clears a pending APPEND exchange.
func (s *ImapState) ResetAppend() {
	s.AppendStep = AppendStepIdle
	s.AppendTag = ""
	s.AppendFolder = ""
	s.AppendFlags = nil
	s.AppendLiteral = 0
	s.AppendBuffer = nil
}

// SmtpState is the per-connection SMTP session state.
type SmtpState struct {
	Helo       string
	AuthStep   int
	AuthMethod string
	// Username of the authenticated sender, empty when unauthenticated.
	Username string

	From       string
	FromName   string
	Recipients []string

	// DataMode is true between DATA and the terminating dot line.
	DataMode   bool
	DataBuffer []byte
}

// ResetTransaction clears the envelope after DATA or RSET, keeping the
// authentication intact per SMTP semantics.
func (s *SmtpState) ResetTransaction() {
	s.From = ""
	s.FromName = ""
	s.Recipients = nil
	s.DataMode = false
	s.DataBuffer = nil
}
