package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/beeline-chat/beeline/internal/presence"
	"github.com/beeline-chat/beeline/internal/store"
	"github.com/beeline-chat/beeline/pkg/wire"
)

type fakeLink struct {
	mu     sync.Mutex
	active string
	events []wire.Event
}

func (f *fakeLink) Push(ev wire.Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeLink) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeLink) byType(evType string) []wire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []wire.Event
	for _, ev := range f.events {
		if ev.Type == evType {
			out = append(out, ev)
		}
	}
	return out
}

// brokenStore simulates persistence failure on append.
type brokenStore struct {
	store.Store
}

func (b *brokenStore) Append(context.Context, string, string, string) (store.Message, error) {
	return store.Message{}, errors.New("disk on fire")
}

func newTestRouter(t *testing.T, st store.Store) (*Router, *presence.Registry) {
	t.Helper()
	reg := presence.NewRegistry()
	return New(zaptest.NewLogger(t), st, reg), reg
}

func TestSendEchoesToSenderAndDeliversToRecipient(t *testing.T) {
	ctx := context.Background()
	r, reg := newTestRouter(t, store.NewMemory())

	alice := &fakeLink{}
	bob := &fakeLink{}
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)

	msg, err := r.Send(ctx, alice, "alice", "bob", "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.Sender != "alice" || msg.Recipient != "bob" || msg.Text != "hi" || msg.ReadAt != nil {
		t.Fatalf("unexpected stored message: %+v", msg)
	}

	for name, l := range map[string]*fakeLink{"alice": alice, "bob": bob} {
		got := l.byType(wire.EventMessage)
		if len(got) != 1 {
			t.Fatalf("%s expected one delivery, got %d", name, len(got))
		}
		if got[0].Message == nil || got[0].Message.Text != "hi" || got[0].Message.ReadAt != nil {
			t.Fatalf("%s received wrong message: %+v", name, got[0].Message)
		}
	}
}

func TestSendToOfflineRecipientQueuesInStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r, reg := newTestRouter(t, st)

	alice := &fakeLink{}
	reg.Bind("alice", alice)

	if _, err := r.Send(ctx, alice, "alice", "bob", "first"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := r.Send(ctx, alice, "alice", "bob", "second"); err != nil {
		t.Fatalf("send: %v", err)
	}

	if echoes := alice.byType(wire.EventMessage); len(echoes) != 2 {
		t.Fatalf("sender echo must not depend on recipient liveness, got %d", len(echoes))
	}

	// Recipient recovers the messages via history once back online.
	history, err := r.History(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Text != "first" || history[1].Text != "second" {
		t.Fatalf("expected queued messages in send order, got %+v", history)
	}
	for _, m := range history {
		if m.ReadAt != nil {
			t.Fatalf("queued message must be unread, got %+v", m)
		}
	}
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r, reg := newTestRouter(t, st)

	alice := &fakeLink{}
	reg.Bind("alice", alice)

	cases := []struct {
		name     string
		from, to string
		text     string
		code     string
	}{
		{"empty text", "alice", "bob", "", CodeInvalidMessage},
		{"empty recipient", "alice", "", "hi", CodeInvalidMessage},
		{"unauthenticated", "", "bob", "hi", CodeUnidentified},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := r.Send(ctx, alice, tc.from, tc.to, tc.text)
			var rerr *RouteError
			if !errors.As(err, &rerr) || rerr.Code != tc.code {
				t.Fatalf("expected code %s, got %v", tc.code, err)
			}
		})
	}

	// Nothing was persisted and nothing delivered.
	history, err := r.History(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("rejected sends must persist nothing, got %+v", history)
	}
	if deliveries := alice.byType(wire.EventMessage); len(deliveries) != 0 {
		t.Fatalf("rejected sends must deliver nothing, got %+v", deliveries)
	}
}

func TestStoreFailureSuppressesDelivery(t *testing.T) {
	ctx := context.Background()
	r, reg := newTestRouter(t, &brokenStore{Store: store.NewMemory()})

	alice := &fakeLink{}
	bob := &fakeLink{}
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)

	_, err := r.Send(ctx, alice, "alice", "bob", "hi")
	var rerr *RouteError
	if !errors.As(err, &rerr) || rerr.Code != CodeStoreUnavailable {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}

	// Live pushes must never run ahead of durable history.
	if len(alice.byType(wire.EventMessage)) != 0 || len(bob.byType(wire.EventMessage)) != 0 {
		t.Fatal("failed persist must not deliver to anyone")
	}
}

func TestMarkReadNotifiesSenderOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r, reg := newTestRouter(t, st)

	alice := &fakeLink{}
	bob := &fakeLink{}
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)

	if _, err := r.Send(ctx, alice, "alice", "bob", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	count, err := r.MarkRead(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one transition, got %d", count)
	}

	receipts := alice.byType(wire.EventReadReceipt)
	if len(receipts) != 1 {
		t.Fatalf("expected exactly one receipt, got %d", len(receipts))
	}
	if receipts[0].By != "bob" || receipts[0].At == nil {
		t.Fatalf("unexpected receipt: %+v", receipts[0])
	}

	// Nothing new to settle: no second receipt.
	count, err = r.MarkRead(ctx, "bob", "alice")
	if err != nil || count != 0 {
		t.Fatalf("expected idempotent repeat, got count=%d err=%v", count, err)
	}
	if len(alice.byType(wire.EventReadReceipt)) != 1 {
		t.Fatal("zero-count settle must not push a receipt")
	}
}

func TestMarkReadWithOfflineSenderSettlesSilently(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r, reg := newTestRouter(t, st)

	alice := &fakeLink{}
	reg.Bind("alice", alice)
	if _, err := r.Send(ctx, alice, "alice", "bob", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}
	reg.Unbind("alice", alice, time.Now())

	count, err := r.MarkRead(ctx, "bob", "alice")
	if err != nil || count != 1 {
		t.Fatalf("expected settle without notification, got count=%d err=%v", count, err)
	}
}

func TestEagerReadWhenRecipientFocusedOnSender(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r, reg := newTestRouter(t, st)

	alice := &fakeLink{}
	bob := &fakeLink{active: "alice"}
	reg.Bind("alice", alice)
	reg.Bind("bob", bob)

	if _, err := r.Send(ctx, alice, "alice", "bob", "hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Bob's UI is already showing the conversation, so the unread tail is
	// settled immediately and alice gets her receipt.
	if receipts := alice.byType(wire.EventReadReceipt); len(receipts) != 1 || receipts[0].By != "bob" {
		t.Fatalf("expected eager receipt for focused recipient, got %+v", receipts)
	}

	history, err := r.History(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if history[0].ReadAt == nil {
		t.Fatal("expected message marked read eagerly")
	}
}

func TestTypingIsEphemeral(t *testing.T) {
	r, reg := newTestRouter(t, store.NewMemory())

	alice := &fakeLink{}
	bob := &fakeLink{}
	reg.Bind("alice", alice)

	// Recipient offline: silently dropped, nothing buffered.
	r.Typing("alice", "bob", false)

	reg.Bind("bob", bob)
	if len(bob.byType(wire.EventTyping)) != 0 {
		t.Fatal("typing pulse sent while offline must never be observed")
	}

	r.Typing("alice", "bob", false)
	r.Typing("alice", "bob", true)

	if got := bob.byType(wire.EventTyping); len(got) != 1 || got[0].From != "alice" {
		t.Fatalf("expected one typing event from alice, got %+v", got)
	}
	if got := bob.byType(wire.EventStopTyping); len(got) != 1 {
		t.Fatalf("expected one stop-typing event, got %+v", got)
	}
}

func TestSelfMessageEchoesOnce(t *testing.T) {
	ctx := context.Background()
	r, reg := newTestRouter(t, store.NewMemory())

	alice := &fakeLink{}
	reg.Bind("alice", alice)

	if _, err := r.Send(ctx, alice, "alice", "alice", "note to self"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := alice.byType(wire.EventMessage); len(got) != 1 {
		t.Fatalf("self message must be delivered exactly once, got %d", len(got))
	}
}
