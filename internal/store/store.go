// Package store persists users and the append-only message log. Message
// ordering within a conversation equals insertion order regardless of which
// participant queries it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrExists indicates an insert collided with an existing record.
var ErrExists = errors.New("already exists")

// Message is immutable once appended; ReadAt transitions from nil to a
// timestamp exactly once.
type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      string
	SentAt    time.Time
	ReadAt    *time.Time
}

// User is a row of the users relation: credential verifier plus the presence
// fields that must survive restarts.
type User struct {
	Username     string
	PasswordHash []byte
	LastSeen     *time.Time
}

// Store is the durable backend for identities and messages. Append must be
// durable before it returns; callers rely on write-then-notify ordering.
type Store interface {
	// Append persists a new unread message stamped with the current time and
	// returns the stored record including its assigned ID.
	Append(ctx context.Context, sender, recipient, text string) (Message, error)

	// History returns every message of the conversation between a and b,
	// ascending by insertion order. Safe to call repeatedly; no cursor.
	History(ctx context.Context, a, b string) ([]Message, error)

	// MarkRead stamps ReadAt on all unread messages sent by other to reader
	// and reports how many transitioned. Zero is a valid result.
	MarkRead(ctx context.Context, reader, other string) (int64, error)

	// CreateUser inserts a user with its credential hash, or ErrExists when
	// the username is already taken.
	CreateUser(ctx context.Context, username string, passwordHash []byte) error

	// Credentials returns the stored hash for a username, or ErrNotFound.
	Credentials(ctx context.Context, username string) ([]byte, error)

	// SetLastSeen records the disconnect timestamp for an identity.
	SetLastSeen(ctx context.Context, username string, t time.Time) error

	// Users lists all known users for seeding the presence registry.
	Users(ctx context.Context) ([]User, error)

	Close() error
}

// ConversationKey returns the canonical key for the unordered pair {a, b}:
// both directions of a conversation share one log.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}
