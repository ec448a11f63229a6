// Package storage is the persistence boundary consumed by both protocol
// state machines. The SQLite implementation lives in sqlite.go; tests and
// the protocol packages depend only on the Store interface.
package storage

import "pbmail/internal/mailparse"

// IMAP system flags, using the wire spelling so flag lists can be joined
// directly into FETCH and SELECT responses.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
)

// Pre-seeded folders every user starts with.
const (
	FolderInbox = "INBOX"
	FolderSent  = "Sent"
)

// User is an account row.
type User struct {
	ID       int64
	Username string
	// Password is the bcrypt hash of the account password.
	Password string
	DomainID int64
}

// Email is one stored message.
type Email struct {
	ID       int64
	From     string
	To       string
	Subject  string
	Body     string
	Code     string
	Folder   string
	Flags    []string
	RawEmail []byte
}

// Store is the persistence interface consumed by the SMTP and IMAP state
// machines. Implementations must be safe for concurrent use; every method
// is one scoped logical operation against the backing pool.
type Store interface {
	// Folder lookup, listing and creation, scoped to one user.
	FolderExists(userID int64, folder string) (bool, error)
	AddFolder(userID int64, folder string) (bool, error)
	Folders(userID int64) ([]string, error)

	// CountMailsByFolder counts messages in a folder, optionally narrowed
	// to messages carrying all of the given flags.
	CountMailsByFolder(userID int64, folder string, flags []string) (int, error)

	// MsgIDBySeq resolves a 1-based sequence number to a message UID.
	// Returns 0 when the sequence number is out of range.
	MsgIDBySeq(userID int64, seq int, folder string) (int64, error)

	MailByID(userID, id int64) (*mailparse.Message, error)
	MailBySeq(userID int64, seq int, folder string) (*mailparse.Message, error)

	FlagsByID(id int64) ([]string, error)
	FlagsBySeq(userID int64, seq int, folder string) ([]string, error)
	SetFlagsByID(id int64, flags []string) error

	RemoveMailBySeq(userID int64, seq int, folder string) error

	// NextMsgID predicts the UID the next stored message will get.
	NextMsgID() (int64, error)

	// UserByUsername returns the account row for a login name.
	UserByUsername(username string) (*User, error)

	// UserByID returns the account row for a user id, nil when unknown.
	UserByID(id int64) (*User, error)

	// PasswordForUsername returns the stored password hash for a login
	// name, empty when the user is unknown.
	PasswordForUsername(username string) (string, error)

	// CheckUserPermission reports whether the user may submit mail with
	// the given envelope-from address.
	CheckUserPermission(username, fromAddress string) (bool, error)

	// FindDomainID resolves an address to a managed domain id, 0 when the
	// domain is not managed here.
	FindDomainID(address string) (int64, error)

	// FindDomainDKIM returns the DKIM private key for a managed domain,
	// empty when none is configured.
	FindDomainDKIM(domain string) (string, error)

	// StoreEmail inserts a message and returns its id.
	StoreEmail(email *Email) (int64, error)
}

// HasFlag reports whether a flag list contains the given flag.
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// RemoveFlag returns the flag list without the given flag.
func RemoveFlag(flags []string, flag string) []string {
	var out []string
	for _, f := range flags {
		if f != flag {
			out = append(out, f)
		}
	}
	return out
}

// AddFlag returns the flag list with the given flag, without duplicating it.
func AddFlag(flags []string, flag string) []string {
	if HasFlag(flags, flag) {
		return flags
	}
	return append(flags, flag)
}
