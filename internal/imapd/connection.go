package imapd

import (
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"pbmail/internal/mailparse"
	"pbmail/internal/models"
	"pbmail/internal/storage"
	"pbmail/internal/textproto"
)

// session is one IMAP connection's protocol state machine. All methods run
// on the connection goroutine; nothing here is shared.
type session struct {
	store  storage.Store
	state  *models.ImapState
	out    io.Writer
	framer *textproto.Framer

	subscriptions []string
	closing       bool
}

func newSession(store storage.Store, out io.Writer) *session {
	return &session{
		store:  store,
		state:  &models.ImapState{},
		out:    out,
		framer: &textproto.Framer{},
	}
}

func (s *session) sendData(msg string) {
	log.Printf("IMAP S: %s", msg)
	io.WriteString(s.out, msg+textproto.Delimiter)
}

func (s *session) sendOk(text, tag, code string) {
	if tag == "" {
		tag = "*"
	}
	if code != "" {
		code = " [" + code + "]"
	}
	s.sendData(tag + " OK" + code + " " + text)
}

func (s *session) sendNo(text, tag, code string) {
	if tag == "" {
		tag = "*"
	}
	if code != "" {
		code = " [" + code + "]"
	}
	s.sendData(tag + " NO" + code + " " + text)
}

func (s *session) sendBad(text, tag string) {
	if tag == "" {
		tag = "*"
	}
	s.sendData(tag + " BAD " + text)
}

func (s *session) sendBye(text string) {
	s.sendData("* BYE " + text)
}

func (s *session) sendHello() {
	s.sendOk("IMAP4rev1 Service Ready", "", "")
}

// handleFrame routes one framer output: literal frames belong to a pending
// APPEND, everything else is a command line.
func (s *session) handleFrame(frame textproto.Frame) {
	if frame.Literal {
		s.finishAppend(frame.Data)
		return
	}
	s.handleLine(frame.Data)
}

func (s *session) handleLine(line string) {
	log.Printf("IMAP C: %s", line)

	args := textproto.Tokenize(line, 3)
	if len(args) == 0 {
		return
	}

	tag := args[0]
	command := ""
	if len(args) > 1 {
		command = args[1]
	}
	restArgs := ""
	if len(args) > 2 {
		restArgs = args[2]
	}

	switch strings.ToLower(command) {

	case "capability":
		s.sendData("* CAPABILITY IMAP4rev1 AUTH=PLAIN")
		s.sendOk("CAPABILITY completed", tag, "")

	case "noop":
		if s.state.SelectedFolder != "" {
			s.sendSelectedFolderInfos()
		}
		s.sendOk("NOOP completed", tag, "")

	case "logout":
		s.sendBye("IMAP4rev1 Server logging out")
		s.sendOk("LOGOUT completed", tag, "")
		s.closing = true

	case "authenticate":
		s.handleAuthenticate(tag, restArgs)

	case "login":
		commandArgs := textproto.Tokenize(restArgs, 2)
		if len(commandArgs) == 2 {
			s.sendLogin(tag,
				textproto.Unquote(commandArgs[0]),
				textproto.Unquote(commandArgs[1]))
			return
		}
		s.sendBad("Arguments invalid.", tag)

	case "select":
		if !s.state.Authenticated() {
			s.state.SelectedFolder = ""
			s.sendNo("select failure", tag, "")
			return
		}
		commandArgs := textproto.Tokenize(restArgs, 1)
		if len(commandArgs) == 0 {
			s.state.SelectedFolder = ""
			s.sendBad("Arguments invalid.", tag)
			return
		}
		s.sendSelect(tag, textproto.Unquote(commandArgs[0]))

	case "create":
		s.withFolderArg(tag, "create", restArgs, s.sendCreate)

	case "subscribe":
		s.withFolderArg(tag, "subscribe", restArgs, s.sendSubscribe)

	case "unsubscribe":
		s.withFolderArg(tag, "unsubscribe", restArgs, s.sendUnsubscribe)

	case "list":
		if !s.state.Authenticated() {
			s.sendNo("list failure", tag, "")
			return
		}
		commandArgs := textproto.Tokenize(restArgs, 2)
		if len(commandArgs) < 2 {
			s.sendBad("Arguments invalid.", tag)
			return
		}
		s.sendList(tag)

	case "lsub":
		if !s.state.Authenticated() {
			s.sendNo("lsub failure", tag, "")
			return
		}
		if restArgs == "" {
			s.sendBad("Arguments invalid.", tag)
			return
		}
		s.sendLsub(tag)

	case "search":
		if !s.state.Authenticated() {
			s.sendNo("search failure", tag, "")
			return
		}
		if restArgs == "" {
			s.sendBad("Arguments invalid.", tag)
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		if err := s.searchRaw(restArgs, false); err != nil {
			log.Printf("SEARCH failed: %v", err)
		}
		s.sendOk("SEARCH completed", tag, "")

	case "fetch":
		if !s.state.Authenticated() {
			s.sendNo("fetch failure", tag, "")
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		commandArgs := textproto.Tokenize(restArgs, 2)
		if len(commandArgs) < 2 {
			s.sendBad("Arguments invalid.", tag)
			return
		}
		if err := s.sendFetch(commandArgs[0], commandArgs[1], false); err != nil {
			log.Printf("FETCH failed: %v", err)
		}
		s.sendOk("FETCH completed", tag, "")

	case "store":
		if !s.state.Authenticated() {
			s.sendNo("store failure", tag, "")
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		s.handleStore(tag, restArgs, false)

	case "uid":
		if !s.state.Authenticated() {
			s.sendNo("uid failure", tag, "")
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		s.sendUid(tag, restArgs)

	case "expunge":
		if !s.state.Authenticated() {
			s.sendNo("expunge failure", tag, "")
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		s.sendExpunge(tag)

	case "close":
		if !s.state.Authenticated() {
			s.sendNo("close failure", tag, "")
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		s.expungeRaw()
		s.state.SelectedFolder = ""
		s.sendOk("CLOSE completed", tag, "")

	case "check":
		if !s.state.Authenticated() {
			s.sendNo("check failure", tag, "")
			return
		}
		if s.state.SelectedFolder == "" {
			s.sendNo("No mailbox selected.", tag, "")
			return
		}
		s.sendOk("CHECK completed", tag, "")

	case "append":
		if !s.state.Authenticated() {
			s.sendNo("append failure", tag, "")
			return
		}
		s.beginAppend(tag, restArgs)

	default:
		// A continuation line has no command of its own: the first token
		// is the payload of a pending AUTHENTICATE exchange.
		if s.state.AuthStep == models.AuthStepWaiting {
			s.state.AuthStep = models.AuthStepCredential
			username, password := parsePlainCredentials(tag)
			s.sendAuthenticate(username, password)
			return
		}
		s.sendBad(fmt.Sprintf("Not implemented: %q %q", tag, command), tag)
	}
}

// withFolderArg factors the shared guard of the single-folder-argument
// commands.
func (s *session) withFolderArg(tag, command, restArgs string, handler func(tag, folder string)) {
	if !s.state.Authenticated() {
		s.sendNo(command+" failure", tag, "")
		return
	}
	commandArgs := textproto.Tokenize(restArgs, 1)
	if len(commandArgs) == 0 {
		s.sendBad("Arguments invalid.", tag)
		return
	}
	handler(tag, textproto.Unquote(commandArgs[0]))
}

func (s *session) handleAuthenticate(tag, restArgs string) {
	commandArgs := textproto.Tokenize(restArgs, 2)
	if len(commandArgs) == 0 {
		s.sendBad("Arguments invalid.", tag)
		return
	}

	authMethod := strings.ToUpper(commandArgs[0])
	if authMethod != "PLAIN" {
		s.sendNo(authMethod+" Unsupported authentication mechanism", tag, "")
		return
	}

	// An initial response on the command line skips the continuation
	// round-trip.
	username, password := "", ""
	if len(commandArgs) == 2 {
		username, password = parsePlainCredentials(commandArgs[1])
	}

	if username != "" {
		s.state.AuthStep = models.AuthStepCredential
	} else {
		s.state.AuthStep = models.AuthStepWaiting
	}
	s.state.AuthTag = tag
	s.state.AuthMethod = authMethod

	s.sendAuthenticate(username, password)
}

func (s *session) sendAuthenticate(username, password string) {
	switch s.state.AuthStep {
	case models.AuthStepWaiting:
		s.sendData("+")

	case models.AuthStepCredential:
		method := s.state.AuthMethod
		tag := s.state.AuthTag
		s.state.ResetAuth()

		if s.authenticateUser(username, password) {
			s.sendOk(method+" authentication successful", tag, "")
		} else {
			s.sendNo(method+" authentication failure.", tag, "")
		}
	}
}

func (s *session) sendLogin(tag, username, password string) {
	if s.authenticateUser(username, password) {
		s.sendOk("LOGIN completed", tag, "")
		return
	}
	s.sendNo("LOGIN failed.", tag, "")
}

func (s *session) authenticateUser(username, password string) bool {
	if username == "" || password == "" {
		s.state.UserID = 0
		return false
	}

	user, err := s.store.UserByUsername(username)
	if err != nil || user == nil {
		s.state.UserID = 0
		return false
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		s.state.UserID = 0
		return false
	}

	s.state.UserID = user.ID
	return true
}

// parsePlainCredentials decodes a SASL PLAIN initial response:
// base64(authzid NUL authcid NUL password).
func parsePlainCredentials(hash string) (string, string) {
	raw, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return "", ""
	}

	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", ""
	}
	return parts[1], parts[2]
}

func (s *session) sendSelect(tag, folder string) {
	// Any-case "inbox" except the canonical spelling maps to INBOX.
	if strings.ToLower(folder) == "inbox" && folder != "INBOX" {
		folder = "INBOX"
	}

	exists, err := s.store.FolderExists(s.state.UserID, folder)
	if err != nil || !exists {
		s.state.SelectedFolder = ""
		s.sendNo("\""+folder+"\" no such mailbox", tag, "")
		return
	}

	s.state.SelectedFolder = folder
	s.sendSelectedFolderInfos()
	s.sendOk("SELECT completed", tag, "READ-WRITE")
}

func (s *session) sendSelectedFolderInfos() {
	nextID, err := s.store.NextMsgID()
	if err != nil {
		log.Printf("NextMsgID failed: %v", err)
		return
	}
	count, err := s.store.CountMailsByFolder(s.state.UserID, s.state.SelectedFolder, nil)
	if err != nil {
		log.Printf("CountMailsByFolder failed: %v", err)
		return
	}
	recent, err := s.store.CountMailsByFolder(s.state.UserID, s.state.SelectedFolder,
		[]string{storage.FlagRecent})
	if err != nil {
		log.Printf("CountMailsByFolder failed: %v", err)
		return
	}

	firstUnseen := 0
	for seq := 1; seq <= count; seq++ {
		flags, err := s.store.FlagsBySeq(s.state.UserID, seq, s.state.SelectedFolder)
		if err != nil {
			break
		}
		if !storage.HasFlag(flags, storage.FlagSeen) {
			firstUnseen = seq
			break
		}
	}

	s.sendData(fmt.Sprintf("* %d EXISTS", count))
	s.sendData(fmt.Sprintf("* %d RECENT", recent))
	s.sendOk(fmt.Sprintf("Message %d is first unseen", firstUnseen), "",
		fmt.Sprintf("UNSEEN %d", firstUnseen))
	if nextID > 0 {
		s.sendOk("Predicted next UID", "", fmt.Sprintf("UIDNEXT %d", nextID))
	}
	s.sendData("* FLAGS ()")
	s.sendOk("Limited", "",
		fmt.Sprintf("PERMANENTFLAGS (%s %s \\*)", storage.FlagDeleted, storage.FlagSeen))
}

func (s *session) sendCreate(tag, folder string) {
	if strings.Contains(folder, "/") {
		s.sendNo("CREATE failure: invalid name - no directory separator allowed in folder name", tag, "")
		return
	}

	created, err := s.store.AddFolder(s.state.UserID, folder)
	if err == nil && created {
		s.sendOk("CREATE completed", tag, "")
		return
	}
	s.sendNo("CREATE failure: folder already exists", tag, "")
}

func (s *session) sendSubscribe(tag, folder string) {
	exists, err := s.store.FolderExists(s.state.UserID, folder)
	if err == nil && exists {
		// Subscriptions live for the session only.
		s.subscriptions = append(s.subscriptions, folder)
		s.sendOk("SUBSCRIBE completed", tag, "")
		return
	}
	s.sendNo("SUBSCRIBE failure: no subfolder named "+folder, tag, "")
}

func (s *session) sendUnsubscribe(tag, folder string) {
	exists, err := s.store.FolderExists(s.state.UserID, folder)
	if err == nil && exists {
		for i, sub := range s.subscriptions {
			if sub == folder {
				s.subscriptions = append(s.subscriptions[:i], s.subscriptions[i+1:]...)
				break
			}
		}
		s.sendOk("UNSUBSCRIBE completed", tag, "")
		return
	}
	s.sendNo("UNSUBSCRIBE failure: no subfolder named "+folder, tag, "")
}

func (s *session) sendList(tag string) {
	folders, err := s.store.Folders(s.state.UserID)
	if err != nil {
		log.Printf("Folders failed: %v", err)
	}
	for _, folder := range folders {
		s.sendData(`* LIST (\HasNoChildren) "." "` + folder + `"`)
	}
	s.sendOk("LIST completed", tag, "")
}

func (s *session) sendLsub(tag string) {
	for _, sub := range s.subscriptions {
		s.sendData(`* LSUB () "." "` + sub + `"`)
	}
	s.sendOk("LSUB completed", tag, "")
}

func (s *session) sendUid(tag, argsStr string) {
	args := textproto.Tokenize(argsStr, 2)
	if len(args) < 2 {
		s.sendBad("Arguments invalid.", tag)
		return
	}
	subCommand := strings.ToLower(args[0])
	rest := args[1]

	switch subCommand {
	case "fetch":
		fetchArgs := textproto.Tokenize(rest, 2)
		if len(fetchArgs) < 1 {
			s.sendBad("Arguments invalid.", tag)
			return
		}
		name := ""
		if len(fetchArgs) == 2 {
			name = fetchArgs[1]
		}
		if err := s.sendFetch(fetchArgs[0], name, true); err != nil {
			log.Printf("UID FETCH failed: %v", err)
		}
		s.sendOk("UID FETCH completed", tag, "")

	case "store":
		s.handleStore(tag, rest, true)

	case "search":
		if err := s.searchRaw(rest, true); err != nil {
			log.Printf("UID SEARCH failed: %v", err)
		}
		s.sendOk("UID SEARCH completed", tag, "")

	default:
		// COPY is not supported.
		s.sendBad("Arguments invalid.", tag)
	}
}

func (s *session) handleStore(tag, argsStr string, isUID bool) {
	args := textproto.Tokenize(argsStr, 3)
	if len(args) < 3 {
		s.sendBad("Arguments invalid.", tag)
		return
	}
	seqStr, op, flagsStr := args[0], strings.ToLower(args[1]), args[2]

	silent := strings.HasSuffix(op, ".silent")
	op = strings.TrimSuffix(op, ".silent")
	if op != "flags" && op != "+flags" && op != "-flags" {
		s.sendBad("Arguments invalid.", tag)
		return
	}

	var newFlags []string
	for _, item := range textproto.ParenthesizedList(flagsStr) {
		if !item.IsList() {
			newFlags = append(newFlags, item.Atom)
		}
	}

	msgSeqNums, err := s.createSequenceSet(seqStr, isUID)
	if err != nil {
		log.Printf("STORE failed: %v", err)
		s.sendNo("STORE failure", tag, "")
		return
	}

	for _, seqNum := range msgSeqNums {
		mailID, err := s.store.MsgIDBySeq(s.state.UserID, seqNum, s.state.SelectedFolder)
		if err != nil || mailID == 0 {
			continue
		}
		flags, err := s.store.FlagsByID(mailID)
		if err != nil {
			continue
		}

		switch op {
		case "flags":
			flags = append([]string{}, newFlags...)
		case "+flags":
			for _, f := range newFlags {
				flags = storage.AddFlag(flags, f)
			}
		case "-flags":
			for _, f := range newFlags {
				flags = storage.RemoveFlag(flags, f)
			}
		}

		if err := s.store.SetFlagsByID(mailID, flags); err != nil {
			continue
		}

		if !silent {
			if isUID {
				s.sendData(fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s))",
					seqNum, mailID, strings.Join(flags, " ")))
			} else {
				s.sendData(fmt.Sprintf("* %d FETCH (FLAGS (%s))",
					seqNum, strings.Join(flags, " ")))
			}
		}
	}

	if isUID {
		s.sendOk("UID STORE completed", tag, "")
		return
	}
	s.sendOk("STORE completed", tag, "")
}

// expungeRaw removes every message flagged Deleted and returns the shifted
// sequence numbers to report. Each removal renumbers everything after it,
// so the running diff applies before the flag lookup, not after.
func (s *session) expungeRaw() []int {
	var expunged []int
	expungeDiff := 0

	msgSeqNums, err := s.createSequenceSet("*", false)
	if err != nil {
		log.Printf("EXPUNGE failed: %v", err)
		return nil
	}

	for _, seqNum := range msgSeqNums {
		expungeSeqNum := seqNum - expungeDiff

		flags, err := s.store.FlagsBySeq(s.state.UserID, expungeSeqNum, s.state.SelectedFolder)
		if err != nil {
			continue
		}
		if storage.HasFlag(flags, storage.FlagDeleted) {
			if err := s.store.RemoveMailBySeq(s.state.UserID, expungeSeqNum,
				s.state.SelectedFolder); err != nil {
				continue
			}
			expunged = append(expunged, expungeSeqNum)
			expungeDiff++
		}
	}
	return expunged
}

func (s *session) sendExpunge(tag string) {
	for _, seqNum := range s.expungeRaw() {
		s.sendData(fmt.Sprintf("* %d EXPUNGE", seqNum))
	}
	s.sendOk("EXPUNGE completed", tag, "")
}

// beginAppend parses "APPEND <folder> [(flags)] [date] {N}" and switches
// the framer to literal mode for the announced byte count.
func (s *session) beginAppend(tag, argsStr string) {
	args := textproto.Tokenize(argsStr, 0)
	if len(args) < 2 {
		s.sendBad("Arguments invalid.", tag)
		return
	}

	literal := args[len(args)-1]
	if !strings.HasPrefix(literal, "{") || !strings.HasSuffix(literal, "}") {
		s.sendBad("Arguments invalid.", tag)
		return
	}
	literalLen, err := strconv.Atoi(strings.Trim(literal, "{}"))
	if err != nil || literalLen <= 0 {
		s.sendBad("Arguments invalid.", tag)
		return
	}

	folder := textproto.Unquote(args[0])
	if strings.ToLower(folder) == "inbox" && folder != "INBOX" {
		folder = "INBOX"
	}

	var flags []string
	for _, arg := range args[1 : len(args)-1] {
		if strings.HasPrefix(arg, "(") {
			for _, item := range textproto.ParenthesizedList(arg) {
				if !item.IsList() {
					flags = append(flags, item.Atom)
				}
			}
		}
		// A quoted date argument is accepted but not stored.
	}

	exists, err := s.store.FolderExists(s.state.UserID, folder)
	if err != nil || !exists {
		s.sendNo("APPEND failure: no such folder", tag, "TRYCREATE")
		return
	}

	s.state.AppendStep = models.AppendStepCollecting
	s.state.AppendTag = tag
	s.state.AppendFolder = folder
	s.state.AppendFlags = flags
	s.state.AppendLiteral = literalLen

	s.sendData("+ Ready for literal data")
	s.framer.BeginLiteral(literalLen)
}

// finishAppend stores the collected literal as a new message.
func (s *session) finishAppend(raw string) {
	tag := s.state.AppendTag
	folder := s.state.AppendFolder
	flags := s.state.AppendFlags
	s.state.ResetAppend()

	msg, err := mailparse.Parse([]byte(raw))
	if err != nil {
		s.sendNo("APPEND failure: message unparsable", tag, "")
		return
	}

	user, err := s.store.UserByID(s.state.UserID)
	if err != nil || user == nil {
		s.sendNo("APPEND failure", tag, "")
		return
	}

	from := user.Username
	if froms := msg.AddressList("From"); len(froms) > 0 {
		from = froms[0].Email
	}
	to := user.Username
	if tos := msg.AddressList("To"); len(tos) > 0 {
		to = tos[0].Email
	}

	_, err = s.store.StoreEmail(&storage.Email{
		From:     from,
		To:       to,
		Subject:  msg.Subject(),
		Body:     msg.Body(),
		Folder:   folder,
		Flags:    flags,
		RawEmail: []byte(raw),
	})
	if err != nil {
		log.Printf("APPEND store failed: %v", err)
		s.sendNo("APPEND failure", tag, "")
		return
	}

	s.sendOk("APPEND completed", tag, "")
}
