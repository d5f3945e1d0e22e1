// Package store is the encrypted persistence layer: messages, delivery
// reports, and send failures, with message content encrypted at rest.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"

	// cos its cgo...
	_ "github.com/mattn/go-sqlite3"
)

// SMSStatus is the lifecycle state of a message row.
type SMSStatus int

const (
	StatusSent SMSStatus = iota
	StatusDelivered
	StatusReceived
	StatusTemporaryFailure
	StatusPermanentFailure
)

const schemaVersion = "goatsms v2"

// Store is a wrapper around sql.DB, content-encrypting message bodies on
// write and decrypting on read.
type Store struct {
	*sql.DB
	cipher *aeadCipher
}

// Config controls connection pool sizing.
type Config struct {
	Driver         string
	DataSourceName string
	EncryptionKey  []byte // 32 raw bytes, base64-decoded by the caller
	MinConns       int
	MaxConns       int
}

// DefaultMinConns and DefaultMaxConns are the default 5-20 connection pool
// bounds. database/sql does not distinguish min/max idle precisely; instead
// MaxOpenConns is set to MaxConns and MaxIdleConns to
// MinConns, which is the closest stdlib approximation of the policy.
const (
	DefaultMinConns = 5
	DefaultMaxConns = 20
)

// Open connects to (and if necessary initialises) the store, applying the
// WAL/pool/pragma policy.
func Open(cfg Config) (*Store, error) {
	if cfg.MinConns <= 0 {
		cfg.MinConns = DefaultMinConns
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	cipher, err := newAEADCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "store: building content cipher")
	}

	dsn := cfg.DataSourceName
	sqldb, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "store: opening database")
	}
	sqldb.SetMaxOpenConns(cfg.MaxConns)
	sqldb.SetMaxIdleConns(cfg.MinConns)

	s := &Store{DB: sqldb, cipher: cipher}
	if err := s.applyPragmas(); err != nil {
		sqldb.Close()
		return nil, err
	}

	init := true
	if rows, err := sqldb.Query("SELECT version FROM schema_version"); err == nil {
		if rows.Next() {
			var version string
			if err := rows.Scan(&version); err == nil && version == schemaVersion {
				init = false
			}
		}
		rows.Close()
	}
	if init {
		if err := s.initSchema(); err != nil {
			sqldb.Close()
			return nil, errors.Wrap(err, "store: initialising schema")
		}
	}
	return s, nil
}

func (s *Store) applyPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-65536", // 64 MiB, negative = KiB of page cache
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		if _, err := s.Exec(p); err != nil {
			return errors.Wrapf(err, "store: applying %q", p)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	cmds := []string{
		`CREATE TABLE messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			phone_number TEXT NOT NULL,
			message_content BLOB NOT NULL,
			reference_id INTEGER,
			is_outgoing INTEGER NOT NULL,
			status INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP
		);`,
		"CREATE INDEX IF NOT EXISTS messages_phone_number ON messages (phone_number)",
		"CREATE INDEX IF NOT EXISTS messages_status ON messages (status)",
		`CREATE TABLE delivery_reports (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			message_id INTEGER NOT NULL REFERENCES messages(id),
			raw_status INTEGER NOT NULL,
			is_final INTEGER NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		"CREATE INDEX IF NOT EXISTS delivery_reports_message_id ON delivery_reports (message_id)",
		`CREATE TABLE send_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT NOT NULL,
			message_id INTEGER NOT NULL REFERENCES messages(id),
			error_text TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE schema_version (
			version TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);`,
		"INSERT INTO schema_version(version) VALUES(?)",
	}
	for i, cmd := range cmds {
		var err error
		if i == len(cmds)-1 {
			_, err = s.Exec(cmd, schemaVersion)
		} else {
			_, err = s.Exec(cmd)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Message is a row of the messages table, in plaintext form.
type Message struct {
	MessageID   int64      `json:"message_id"`
	PhoneNumber string     `json:"phone_number"`
	Content     string     `json:"content"`
	ReferenceID *byte      `json:"reference_id,omitempty"`
	IsOutgoing  bool       `json:"is_outgoing"`
	Status      SMSStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// InsertMessage inserts a message row, encrypting content at rest, and
// returns the assigned MessageID.
func (s *Store) InsertMessage(m Message) (int64, error) {
	ciphertext, err := s.cipher.encrypt([]byte(m.Content))
	if err != nil {
		return 0, errors.Wrap(err, "store: encrypting message content")
	}
	res, err := s.Exec(
		"INSERT INTO messages(phone_number, message_content, reference_id, is_outgoing, status, completed_at) VALUES(?,?,?,?,?,?)",
		m.PhoneNumber, ciphertext, nullableByte(m.ReferenceID), m.IsOutgoing, int(m.Status), nullableTime(m.CompletedAt),
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: inserting message")
	}
	return res.LastInsertId()
}

// UpdateMessageStatus updates a message's status and, iff final, its
// completed_at timestamp.
func (s *Store) UpdateMessageStatus(messageID int64, status SMSStatus, completedAt *time.Time) error {
	_, err := s.Exec("UPDATE messages SET status=?, completed_at=? WHERE id=?", int(status), nullableTime(completedAt), messageID)
	return errors.Wrap(err, "store: updating message status")
}

// FindOpenOutgoing locates the most recent outgoing message matching
// (phoneNumber, referenceID) with completed_at still NULL, implementing
// the delivery-report correlation rule.
func (s *Store) FindOpenOutgoing(phoneNumber string, referenceID byte) (int64, error) {
	var id int64
	err := s.QueryRow(
		`SELECT id FROM messages
		 WHERE phone_number=? AND reference_id=? AND is_outgoing=1 AND completed_at IS NULL
		 ORDER BY id DESC LIMIT 1`,
		phoneNumber, referenceID,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: finding open outgoing message")
	}
	return id, nil
}

// ErrNotFound is returned when a delivery-report correlation finds no
// candidate message.
var ErrNotFound = errors.New("store: no matching message found")

// GetMessages pages messages for a phone number (or all, if empty),
// ordered by created_at per the reverse flag.
func (s *Store) GetMessages(phoneNumber string, limit, offset int, reverse bool) ([]Message, error) {
	order := "DESC"
	if reverse {
		order = "ASC"
	}
	query := fmt.Sprintf(
		"SELECT id, phone_number, message_content, reference_id, is_outgoing, status, created_at, completed_at FROM messages %s ORDER BY created_at %s LIMIT ? OFFSET ?",
		whereClause(phoneNumber), order,
	)
	args := []interface{}{}
	if phoneNumber != "" {
		args = append(args, phoneNumber)
	}
	args = append(args, limitOrDefault(limit), offset)

	rows, err := s.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "store: querying messages")
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ciphertext []byte
		var refID sql.NullInt64
		var completedAt sql.NullTime
		if err := rows.Scan(&m.MessageID, &m.PhoneNumber, &ciphertext, &refID, &m.IsOutgoing, &m.Status, &m.CreatedAt, &completedAt); err != nil {
			return nil, errors.Wrap(err, "store: scanning message row")
		}
		plaintext, err := s.cipher.decrypt(ciphertext)
		if err != nil {
			return nil, errors.Wrap(err, "store: decrypting message content")
		}
		m.Content = string(plaintext)
		if refID.Valid {
			b := byte(refID.Int64)
			m.ReferenceID = &b
		}
		if completedAt.Valid {
			m.CompletedAt = &completedAt.Time
		}
		out = append(out, m)
	}
	return out, nil
}

func whereClause(phoneNumber string) string {
	if phoneNumber == "" {
		return ""
	}
	return "WHERE phone_number=?"
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// DeliveryReport is a row of the delivery_reports table.
type DeliveryReport struct {
	ReportID  int64     `json:"report_id"`
	MessageID int64     `json:"message_id"`
	RawStatus byte      `json:"raw_status"`
	IsFinal   bool      `json:"is_final"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertDeliveryReport inserts a delivery report row.
func (s *Store) InsertDeliveryReport(r DeliveryReport) (int64, error) {
	res, err := s.Exec(
		"INSERT INTO delivery_reports(message_id, raw_status, is_final) VALUES(?,?,?)",
		r.MessageID, r.RawStatus, r.IsFinal,
	)
	if err != nil {
		return 0, errors.Wrap(err, "store: inserting delivery report")
	}
	return res.LastInsertId()
}

// GetDeliveryReports pages delivery reports for a message.
func (s *Store) GetDeliveryReports(messageID int64, limit, offset int, reverse bool) ([]DeliveryReport, error) {
	order := "DESC"
	if reverse {
		order = "ASC"
	}
	query := fmt.Sprintf(
		"SELECT id, message_id, raw_status, is_final, created_at FROM delivery_reports WHERE message_id=? ORDER BY created_at %s LIMIT ? OFFSET ?",
		order,
	)
	rows, err := s.Query(query, messageID, limitOrDefault(limit), offset)
	if err != nil {
		return nil, errors.Wrap(err, "store: querying delivery reports")
	}
	defer rows.Close()

	var out []DeliveryReport
	for rows.Next() {
		var r DeliveryReport
		if err := rows.Scan(&r.ReportID, &r.MessageID, &r.RawStatus, &r.IsFinal, &r.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "store: scanning delivery report row")
		}
		out = append(out, r)
	}
	return out, nil
}

// InsertSendFailure inserts a send_failures row.
func (s *Store) InsertSendFailure(messageID int64, errorText string) (int64, error) {
	res, err := s.Exec("INSERT INTO send_failures(message_id, error_text) VALUES(?,?)", messageID, errorText)
	if err != nil {
		return 0, errors.Wrap(err, "store: inserting send failure")
	}
	return res.LastInsertId()
}

// LatestNumber is one row of GetLatestNumbers.
type LatestNumber struct {
	PhoneNumber string    `json:"phone_number"`
	LastSeen    time.Time `json:"last_seen"`
}

// GetLatestNumbers returns distinct phone numbers ordered by their most
// recent message.
func (s *Store) GetLatestNumbers(limit, offset int, reverse bool) ([]LatestNumber, error) {
	order := "DESC"
	if reverse {
		order = "ASC"
	}
	query := fmt.Sprintf(
		`SELECT phone_number, MAX(created_at) as last_seen FROM messages
		 GROUP BY phone_number ORDER BY last_seen %s LIMIT ? OFFSET ?`,
		order,
	)
	rows, err := s.Query(query, limitOrDefault(limit), offset)
	if err != nil {
		return nil, errors.Wrap(err, "store: querying latest numbers")
	}
	defer rows.Close()

	var out []LatestNumber
	for rows.Next() {
		var n LatestNumber
		if err := rows.Scan(&n.PhoneNumber, &n.LastSeen); err != nil {
			return nil, errors.Wrap(err, "store: scanning latest number row")
		}
		out = append(out, n)
	}
	return out, nil
}

func nullableByte(b *byte) interface{} {
	if b == nil {
		return nil
	}
	return int(*b)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
