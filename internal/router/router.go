// Package router moves messages and receipt/typing signals between live
// connections, persisting before any delivery attempt so live pushes are
// never ahead of durable history.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/beeline-chat/beeline/internal/presence"
	"github.com/beeline-chat/beeline/internal/store"
	"github.com/beeline-chat/beeline/pkg/wire"
)

// Stable error codes surfaced to clients.
const (
	CodeInvalidMessage   = "INVALID_MESSAGE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeUnidentified     = "UNIDENTIFIED"
	CodeAuthFailed       = "AUTH_FAILED"
	CodeUnknownEvent     = "UNKNOWN_EVENT"
)

// RouteError maps a per-event failure to an error frame. Fatal errors tear
// the connection down; everything else is reported and the connection stays
// open.
type RouteError struct {
	Code  string
	Msg   string
	Fatal bool
}

func (e *RouteError) Error() string { return e.Msg }

// Router implements message delivery and read/typing propagation on top of
// the store and the presence registry.
type Router struct {
	log   *zap.Logger
	store store.Store
	reg   *presence.Registry
	nowFn func() time.Time
}

// New wires the router's dependencies.
func New(log *zap.Logger, st store.Store, reg *presence.Registry) *Router {
	return &Router{
		log:   log,
		store: st,
		reg:   reg,
		nowFn: time.Now,
	}
}

// Send validates, persists, then delivers. The sender connection always gets
// the canonical persisted record echoed back; the recipient gets it only if
// live. An offline recipient's copy simply waits in the store for the next
// history pull. Recipient existence is not validated: a user may message
// someone who has never been online.
func (r *Router) Send(ctx context.Context, sender presence.Link, from, to, text string) (store.Message, error) {
	if from == "" {
		return store.Message{}, &RouteError{Code: CodeUnidentified, Msg: "authenticate before sending"}
	}
	if text == "" || to == "" {
		return store.Message{}, &RouteError{Code: CodeInvalidMessage, Msg: "recipient and text are required"}
	}

	msg, err := r.store.Append(ctx, from, to, text)
	if err != nil {
		r.log.Error("persist message", zap.Error(err), zap.String("from", from), zap.String("to", to))
		return store.Message{}, &RouteError{Code: CodeStoreUnavailable, Msg: "message not persisted"}
	}

	delivered := MessageEvent(msg)
	sender.Push(delivered)

	if to == from {
		return msg, nil
	}

	target, online := r.reg.Resolve(to)
	if !online {
		return msg, nil
	}
	target.Push(delivered)

	// A recipient focused on this conversation has already seen the message:
	// settle the unread tail eagerly and tell the sender.
	if target.Active() == from {
		r.MarkRead(ctx, to, from)
	}
	return msg, nil
}

// MarkRead settles the contiguous unread tail reader has from other and, when
// anything transitioned, pushes one read receipt to other's live connection.
// A zero count is a valid terminal state and produces no event. Re-marking is
// idempotent by construction: already-read messages never transition again.
func (r *Router) MarkRead(ctx context.Context, reader, other string) (int64, error) {
	if reader == "" {
		return 0, &RouteError{Code: CodeUnidentified, Msg: "authenticate before marking read"}
	}

	count, err := r.store.MarkRead(ctx, reader, other)
	if err != nil {
		r.log.Error("mark read", zap.Error(err), zap.String("reader", reader), zap.String("other", other))
		return 0, &RouteError{Code: CodeStoreUnavailable, Msg: "read state not persisted"}
	}
	if count == 0 {
		return 0, nil
	}

	if target, online := r.reg.Resolve(other); online {
		at := r.nowFn().UTC()
		target.Push(wire.Event{Type: wire.EventReadReceipt, By: reader, At: &at})
	}
	return count, nil
}

// Typing forwards an ephemeral typing pulse. Nothing is persisted and an
// offline recipient never observes it, even after reconnecting.
func (r *Router) Typing(from, to string, stop bool) {
	if from == "" || to == "" {
		return
	}
	target, online := r.reg.Resolve(to)
	if !online {
		return
	}
	evType := wire.EventTyping
	if stop {
		evType = wire.EventStopTyping
	}
	target.Push(wire.Event{Type: evType, From: from})
}

// History returns the conversation log between user and peer in persistence
// order, identical for both parties.
func (r *Router) History(ctx context.Context, user, peer string) ([]wire.Message, error) {
	if user == "" {
		return nil, &RouteError{Code: CodeUnidentified, Msg: "authenticate before fetching history"}
	}
	msgs, err := r.store.History(ctx, user, peer)
	if err != nil {
		r.log.Error("fetch history", zap.Error(err), zap.String("user", user), zap.String("peer", peer))
		return nil, &RouteError{Code: CodeStoreUnavailable, Msg: "history unavailable"}
	}

	out := make([]wire.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toWire(m))
	}
	return out, nil
}

// MessageEvent wraps a stored message in its delivery event.
func MessageEvent(m store.Message) wire.Event {
	wm := toWire(m)
	return wire.Event{Type: wire.EventMessage, Message: &wm}
}

func toWire(m store.Message) wire.Message {
	return wire.Message{
		ID:        m.ID,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Text:      m.Text,
		SentAt:    m.SentAt,
		ReadAt:    m.ReadAt,
	}
}
