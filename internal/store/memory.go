package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used for tests and the memory driver. All
// mutations share one mutex so concurrent senders still observe a single
// total insertion order.
type Memory struct {
	mu       sync.RWMutex
	nextID   int64
	messages []*Message
	users    map[string]*User
	nowFn    func() time.Time
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]*User),
		nowFn: time.Now,
	}
}

// Append implements Store.
func (m *Memory) Append(_ context.Context, sender, recipient, text string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	msg := &Message{
		ID:        m.nextID,
		Sender:    sender,
		Recipient: recipient,
		Text:      text,
		SentAt:    m.nowFn().UTC(),
	}
	m.messages = append(m.messages, msg)
	return cloneMessage(msg), nil
}

// History implements Store.
func (m *Memory) History(_ context.Context, a, b string) ([]Message, error) {
	key := ConversationKey(a, b)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Message
	for _, msg := range m.messages {
		if ConversationKey(msg.Sender, msg.Recipient) == key {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

// MarkRead implements Store.
func (m *Memory) MarkRead(_ context.Context, reader, other string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFn().UTC()
	var count int64
	for _, msg := range m.messages {
		if msg.Recipient == reader && msg.Sender == other && msg.ReadAt == nil {
			t := now
			msg.ReadAt = &t
			count++
		}
	}
	return count, nil
}

// CreateUser implements Store.
func (m *Memory) CreateUser(_ context.Context, username string, passwordHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[username]; ok {
		return ErrExists
	}
	m.users[username] = &User{
		Username:     username,
		PasswordHash: append([]byte(nil), passwordHash...),
	}
	return nil
}

// Credentials implements Store.
func (m *Memory) Credentials(_ context.Context, username string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[username]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), u.PasswordHash...), nil
}

// SetLastSeen implements Store.
func (m *Memory) SetLastSeen(_ context.Context, username string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return ErrNotFound
	}
	ts := t.UTC()
	u.LastSeen = &ts
	return nil
}

// Users implements Store.
func (m *Memory) Users(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		cp := User{Username: u.Username, PasswordHash: append([]byte(nil), u.PasswordHash...)}
		if u.LastSeen != nil {
			t := *u.LastSeen
			cp.LastSeen = &t
		}
		out = append(out, cp)
	}
	return out, nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }

func cloneMessage(in *Message) Message {
	cp := *in
	if in.ReadAt != nil {
		t := *in.ReadAt
		cp.ReadAt = &t
	}
	return cp
}
