// Package wire defines the JSON event envelope exchanged over a client
// connection. Both directions share one envelope type; unused fields are
// omitted from the encoding.
package wire

import "time"

// Client-originated event types.
const (
	EventAuth       = "auth"
	EventSend       = "send"
	EventHistory    = "history"
	EventRead       = "read"
	EventTyping     = "typing"
	EventStopTyping = "stop_typing"
	EventFocus      = "focus"
)

// Server-originated event types.
const (
	EventPresence    = "presence"
	EventMessage     = "message"
	EventReadReceipt = "read_receipt"
	EventOK          = "ok"
	EventError       = "error"
)

// Message is the wire form of a stored message.
type Message struct {
	ID        int64      `json:"id"`
	Sender    string     `json:"sender"`
	Recipient string     `json:"recipient"`
	Text      string     `json:"text"`
	SentAt    time.Time  `json:"sent_at"`
	ReadAt    *time.Time `json:"read_at,omitempty"`
}

// PresenceEntry is one row of a presence snapshot.
type PresenceEntry struct {
	Identity string     `json:"identity"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Event is the envelope for every frame in either direction. Type selects
// which fields are meaningful.
type Event struct {
	Type string `json:"type"`

	// client -> server
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	To       string `json:"to,omitempty"`
	Peer     string `json:"peer,omitempty"`
	Text     string `json:"text,omitempty"`

	// server -> client
	Users    []PresenceEntry `json:"users,omitempty"`
	Message  *Message        `json:"message,omitempty"`
	Messages []Message       `json:"messages,omitempty"`
	From     string          `json:"from,omitempty"`
	By       string          `json:"by,omitempty"`
	At       *time.Time      `json:"at,omitempty"`
	Op       string          `json:"op,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}
