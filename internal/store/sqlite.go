package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// SQLite persists users and messages in an embedded database. A single
// process owns all live connections, so an embedded file store is enough;
// the Store interface keeps a server database possible.
type SQLite struct {
	conn  *sql.DB
	nowFn func() time.Time
}

// OpenSQLite opens (and if needed creates) the database at path.
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// The message log is the single serialization point for ordering; one
	// writer connection keeps insertion order equal to call order.
	conn.SetMaxOpenConns(1)

	s := &SQLite{conn: conn, nowFn: time.Now}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			username TEXT PRIMARY KEY,
			password_hash BLOB NOT NULL,
			last_seen TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			text TEXT NOT NULL,
			sent_at TEXT NOT NULL,
			read_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender, recipient, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient, sender) WHERE read_at IS NULL`,
	}
	for _, query := range queries {
		if _, err := s.conn.Exec(query); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Append implements Store.
func (s *SQLite) Append(ctx context.Context, sender, recipient, text string) (Message, error) {
	sentAt := s.nowFn().UTC()
	res, err := s.conn.ExecContext(ctx,
		"INSERT INTO messages (sender, recipient, text, sent_at) VALUES (?, ?, ?, ?)",
		sender, recipient, text, sentAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("append message id: %w", err)
	}
	return Message{
		ID:        id,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		SentAt:    sentAt,
	}, nil
}

// History implements Store.
func (s *SQLite) History(ctx context.Context, a, b string) ([]Message, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, sender, recipient, text, sent_at, read_at
		FROM messages
		WHERE (sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?)
		ORDER BY id ASC`,
		a, b, b, a,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m       Message
			sentStr string
			readStr sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Recipient, &m.Text, &sentStr, &readStr); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if m.SentAt, err = time.Parse(time.RFC3339Nano, sentStr); err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		if readStr.Valid {
			t, err := time.Parse(time.RFC3339Nano, readStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse read_at: %w", err)
			}
			m.ReadAt = &t
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkRead implements Store.
func (s *SQLite) MarkRead(ctx context.Context, reader, other string) (int64, error) {
	now := s.nowFn().UTC().Format(time.RFC3339Nano)
	res, err := s.conn.ExecContext(ctx,
		"UPDATE messages SET read_at = ? WHERE recipient = ? AND sender = ? AND read_at IS NULL",
		now, reader, other,
	)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	return res.RowsAffected()
}

// CreateUser implements Store.
func (s *SQLite) CreateUser(ctx context.Context, username string, passwordHash []byte) error {
	_, err := s.conn.ExecContext(ctx,
		"INSERT INTO users (username, password_hash) VALUES (?, ?)",
		username, passwordHash,
	)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("create user %s: %w", username, err)
	}
	return nil
}

// Credentials implements Store.
func (s *SQLite) Credentials(ctx context.Context, username string) ([]byte, error) {
	var hash []byte
	err := s.conn.QueryRowContext(ctx,
		"SELECT password_hash FROM users WHERE username = ?", username,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return hash, nil
}

// SetLastSeen implements Store.
func (s *SQLite) SetLastSeen(ctx context.Context, username string, t time.Time) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE users SET last_seen = ? WHERE username = ?",
		t.UTC().Format(time.RFC3339Nano), username,
	)
	if err != nil {
		return fmt.Errorf("set last seen: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Users implements Store.
func (s *SQLite) Users(ctx context.Context) ([]User, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT username, password_hash, last_seen FROM users ORDER BY username",
	)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u       User
			seenStr sql.NullString
		)
		if err := rows.Scan(&u.Username, &u.PasswordHash, &seenStr); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		if seenStr.Valid {
			t, err := time.Parse(time.RFC3339Nano, seenStr.String)
			if err != nil {
				return nil, fmt.Errorf("parse last_seen: %w", err)
			}
			u.LastSeen = &t
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.conn.Close()
}
