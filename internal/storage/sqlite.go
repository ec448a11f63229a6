package storage

import (
	"database/sql"
	"fmt"
	"log"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"pbmail/internal/mailparse"
)

// BlobStore offloads raw message bytes to an external object store. The
// SQLite column then holds a pointer instead of the payload.
type BlobStore interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
}

const blobPointerPrefix = "blob:"

// SQLiteStore implements Store on a single SQLite database file. The
// *sql.DB pool provides the scoped acquire/release per operation.
type SQLiteStore struct {
	db    *sql.DB
	blobs BlobStore
}

// OpenSQLite opens (and bootstraps) the database at path. Pass ":memory:"
// for an ephemeral store in tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Every pooled connection to :memory: would get its own empty
		// database, so keep the pool at one.
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// SetBlobStore enables raw-message offloading to an object store.
func (s *SQLiteStore) SetBlobStore(blobs BlobStore) {
	s.blobs = blobs
}

// Close closes the underlying pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the pool for schema helpers and tests.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS domains (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			dkim_private_key TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT NOT NULL UNIQUE,
			password TEXT NOT NULL,
			domain_id INTEGER NOT NULL REFERENCES domains(id),
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS folders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL REFERENCES users(id),
			name TEXT NOT NULL,
			UNIQUE(user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS emails (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			domain_id INTEGER NOT NULL REFERENCES domains(id),
			email_from TEXT NOT NULL,
			email_to TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			folder TEXT NOT NULL DEFAULT 'INBOX',
			flags TEXT NOT NULL DEFAULT '',
			raw_email BLOB,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_emails_domain_folder
			ON emails(domain_id, folder, id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// AddDomain registers a managed domain, returning its id. Existing domains
// are returned as-is.
func (s *SQLiteStore) AddDomain(name, dkimPrivateKey string) (int64, error) {
	name = strings.ToLower(name)

	var id int64
	err := s.db.QueryRow(`SELECT id FROM domains WHERE name = ?`, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := s.db.Exec(
		`INSERT INTO domains (name, dkim_private_key) VALUES (?, ?)`,
		name, dkimPrivateKey,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddUser creates an account with a pre-hashed password and seeds the
// default folders.
func (s *SQLiteStore) AddUser(username, passwordHash string, domainID int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO users (username, password, domain_id) VALUES (?, ?, ?)`,
		strings.ToLower(username), passwordHash, domainID,
	)
	if err != nil {
		return 0, err
	}
	userID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, folder := range []string{FolderInbox, FolderSent} {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO folders (user_id, name) VALUES (?, ?)`,
			userID, folder,
		); err != nil {
			return 0, err
		}
	}

	return userID, nil
}

func (s *SQLiteStore) FolderExists(userID int64, folder string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM folders WHERE user_id = ? AND name = ?`,
		userID, folder,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Folders(userID int64) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT name FROM folders WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		folders = append(folders, name)
	}
	return folders, rows.Err()
}

func (s *SQLiteStore) AddFolder(userID int64, folder string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO folders (user_id, name) VALUES (?, ?)`,
		userID, folder,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// mailScope limits email queries to the authenticated user's domain; every
// account sees the mail addressed to its domain, matching the submission
// side which files by recipient domain.
const mailScope = `domain_id = (SELECT domain_id FROM users WHERE id = ?)`

func (s *SQLiteStore) CountMailsByFolder(userID int64, folder string, flags []string) (int, error) {
	query := `SELECT COUNT(*) FROM emails WHERE ` + mailScope + ` AND folder = ?`
	args := []interface{}{userID, folder}

	for _, flag := range flags {
		query += ` AND flags LIKE ?`
		args = append(args, "%"+flag+"%")
	}

	var n int
	if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteStore) MsgIDBySeq(userID int64, seq int, folder string) (int64, error) {
	if seq < 1 {
		return 0, nil
	}

	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM emails WHERE `+mailScope+` AND folder = ?
		 ORDER BY id ASC LIMIT 1 OFFSET ?`,
		userID, folder, seq-1,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) rawEmailByID(userID, id int64) ([]byte, error) {
	var raw []byte
	err := s.db.QueryRow(
		`SELECT raw_email FROM emails WHERE id = ? AND `+mailScope,
		id, userID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// Dereference a blob-store pointer when raw bytes were offloaded.
	if s.blobs != nil && strings.HasPrefix(string(raw), blobPointerPrefix) {
		return s.blobs.Get(strings.TrimPrefix(string(raw), blobPointerPrefix))
	}
	return raw, nil
}

func (s *SQLiteStore) MailByID(userID, id int64) (*mailparse.Message, error) {
	raw, err := s.rawEmailByID(userID, id)
	if err != nil || raw == nil {
		return nil, err
	}
	return mailparse.Parse(raw)
}

func (s *SQLiteStore) MailBySeq(userID int64, seq int, folder string) (*mailparse.Message, error) {
	id, err := s.MsgIDBySeq(userID, seq, folder)
	if err != nil || id == 0 {
		return nil, err
	}
	return s.MailByID(userID, id)
}

func (s *SQLiteStore) FlagsByID(id int64) ([]string, error) {
	var flags string
	err := s.db.QueryRow(`SELECT flags FROM emails WHERE id = ?`, id).Scan(&flags)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return SplitFlags(flags), nil
}

func (s *SQLiteStore) FlagsBySeq(userID int64, seq int, folder string) ([]string, error) {
	id, err := s.MsgIDBySeq(userID, seq, folder)
	if err != nil || id == 0 {
		return nil, err
	}
	return s.FlagsByID(id)
}

func (s *SQLiteStore) SetFlagsByID(id int64, flags []string) error {
	_, err := s.db.Exec(
		`UPDATE emails SET flags = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		JoinFlags(flags), id,
	)
	return err
}

func (s *SQLiteStore) RemoveMailBySeq(userID int64, seq int, folder string) error {
	id, err := s.MsgIDBySeq(userID, seq, folder)
	if err != nil {
		return err
	}
	if id == 0 {
		return nil
	}
	_, err = s.db.Exec(`DELETE FROM emails WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) NextMsgID() (int64, error) {
	var maxID sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(id) FROM emails`).Scan(&maxID); err != nil {
		return 0, err
	}
	return maxID.Int64 + 1, nil
}

func (s *SQLiteStore) UserByUsername(username string) (*User, error) {
	user := &User{}
	err := s.db.QueryRow(
		`SELECT id, username, password, domain_id FROM users WHERE username = ?`,
		strings.ToLower(username),
	).Scan(&user.ID, &user.Username, &user.Password, &user.DomainID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *SQLiteStore) UserByID(id int64) (*User, error) {
	user := &User{}
	err := s.db.QueryRow(
		`SELECT id, username, password, domain_id FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Username, &user.Password, &user.DomainID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *SQLiteStore) PasswordForUsername(username string) (string, error) {
	user, err := s.UserByUsername(username)
	if err != nil || user == nil {
		return "", err
	}
	return user.Password, nil
}

func (s *SQLiteStore) CheckUserPermission(username, fromAddress string) (bool, error) {
	domain := domainOfAddress(fromAddress)
	if domain == "" {
		return false, nil
	}

	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM users u
		 JOIN domains d ON d.id = u.domain_id
		 WHERE u.username = ? AND d.name = ?`,
		strings.ToLower(username), domain,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) FindDomainID(address string) (int64, error) {
	domain := domainOfAddress(address)
	if domain == "" {
		return 0, nil
	}

	var id int64
	err := s.db.QueryRow(`SELECT id FROM domains WHERE name = ?`, domain).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLiteStore) FindDomainDKIM(domain string) (string, error) {
	var key string
	err := s.db.QueryRow(
		`SELECT dkim_private_key FROM domains WHERE name = ?`,
		strings.ToLower(domain),
	).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

func (s *SQLiteStore) StoreEmail(email *Email) (int64, error) {
	domainID, err := s.FindDomainID(email.To)
	if err != nil {
		return 0, err
	}
	// Sent copies of relayed mail file under the sender's domain.
	if domainID == 0 {
		domainID, err = s.FindDomainID(email.From)
		if err != nil {
			return 0, err
		}
	}
	if domainID == 0 {
		return 0, fmt.Errorf("no managed domain for %s or %s", email.To, email.From)
	}

	folder := email.Folder
	if folder == "" {
		folder = FolderInbox
	}

	res, err := s.db.Exec(
		`INSERT INTO emails (domain_id, email_from, email_to, subject, body, code, folder, flags, raw_email)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		domainID,
		strings.ToLower(email.From),
		strings.ToLower(email.To),
		email.Subject,
		email.Body,
		email.Code,
		folder,
		JoinFlags(email.Flags),
		email.RawEmail,
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	// Offload the raw payload when a blob store is configured; on upload
	// failure the SQLite copy simply stays authoritative.
	if s.blobs != nil && len(email.RawEmail) > 0 {
		key := fmt.Sprintf("emails/%d", id)
		if err := s.blobs.Put(key, email.RawEmail); err != nil {
			log.Printf("Blob upload failed for email %d, keeping local copy: %v", id, err)
		} else {
			if _, err := s.db.Exec(
				`UPDATE emails SET raw_email = ? WHERE id = ?`,
				[]byte(blobPointerPrefix+key), id,
			); err != nil {
				return 0, err
			}
		}
	}

	return id, nil
}

// SplitFlags parses the space-joined flags column.
func SplitFlags(flags string) []string {
	if strings.TrimSpace(flags) == "" {
		return nil
	}
	return strings.Fields(flags)
}

// JoinFlags serializes a flag list for the flags column.
func JoinFlags(flags []string) string {
	return strings.Join(flags, " ")
}

func domainOfAddress(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}
