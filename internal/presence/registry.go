// Package presence owns the identity-to-connection mapping and the presence
// broadcast. All identity-binding decisions serialize on the registry mutex;
// connection handlers never touch the maps directly.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/beeline-chat/beeline/pkg/wire"
)

// Link is the registry's view of a live connection. Push must never block:
// delivery to one recipient must not stall anyone else's traffic.
type Link interface {
	// Push enqueues an event for delivery, dropping the connection rather
	// than blocking when the client cannot keep up.
	Push(ev wire.Event)

	// Active reports the peer identity of the conversation currently open in
	// this connection's UI, or "".
	Active() string
}

// Entry is one identity's presence state at snapshot time.
type Entry struct {
	Identity string
	Online   bool
	LastSeen *time.Time
}

// Registry maps identities to their single live delivery target and tracks
// last-seen timestamps for everyone else. It also keeps a watcher set of all
// open connections (authenticated or not) that receive snapshot broadcasts.
type Registry struct {
	mu       sync.RWMutex
	links    map[string]Link
	lastSeen map[string]time.Time
	known    map[string]struct{}
	watchers map[Link]struct{}
	nowFn    func() time.Time

	// onAnnounce, when set, observes every broadcast (metrics hook).
	onAnnounce func(size int)
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		links:    make(map[string]Link),
		lastSeen: make(map[string]time.Time),
		known:    make(map[string]struct{}),
		watchers: make(map[Link]struct{}),
		nowFn:    time.Now,
	}
}

// SetAnnounceHook installs an observer called with the watcher count on each
// broadcast. Must be called before the registry is shared.
func (r *Registry) SetAnnounceHook(fn func(size int)) {
	r.onAnnounce = fn
}

// Seed primes the registry with identities loaded from the store so presence
// survives restarts. All seeded identities start offline.
func (r *Registry) Seed(entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		r.known[e.Identity] = struct{}{}
		if e.LastSeen != nil {
			r.lastSeen[e.Identity] = *e.LastSeen
		}
	}
}

// Attach adds a connection to the broadcast watcher set. It does not bind an
// identity; unauthenticated connections are watchers too.
func (r *Registry) Attach(l Link) {
	r.mu.Lock()
	r.watchers[l] = struct{}{}
	r.mu.Unlock()
}

// Detach removes a connection from the watcher set.
func (r *Registry) Detach(l Link) {
	r.mu.Lock()
	delete(r.watchers, l)
	r.mu.Unlock()
}

// Bind registers l as the delivery target for identity, replacing any prior
// mapping (last connect wins). The superseded connection is not closed; it
// stays attached as a watcher but no longer receives routed traffic. Bind
// marks the identity online, clears its last-seen mark, and broadcasts a
// fresh snapshot to every watcher.
func (r *Registry) Bind(identity string, l Link) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.links[identity] = l
	r.known[identity] = struct{}{}
	delete(r.lastSeen, identity)
	r.push(r.announceLocked())
}

// Unbind clears the mapping for identity if and only if l is still its
// current owner, stamps last-seen, and broadcasts. A stale disconnect from a
// superseded connection is a no-op, so a freshly reconnected user is never
// marked offline by the connection they replaced. Reports whether state
// changed.
func (r *Registry) Unbind(identity string, l Link, now time.Time) bool {
	if now.IsZero() {
		now = r.nowFn()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.links[identity]
	if !ok || current != l {
		return false
	}
	delete(r.links, identity)
	r.lastSeen[identity] = now
	r.push(r.announceLocked())
	return true
}

// Resolve returns the live delivery target for identity, if any.
func (r *Registry) Resolve(identity string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[identity]
	return l, ok
}

// Online reports how many identities currently have a live connection.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// Snapshot returns the full presence view, sorted by identity for
// deterministic rendering.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Announce pushes the current snapshot to every watcher. Bind and Unbind
// broadcast on their own; this exists for priming and manual refresh.
func (r *Registry) Announce() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.push(r.announceLocked())
}

func (r *Registry) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(r.known))
	for identity := range r.known {
		e := Entry{Identity: identity}
		if _, online := r.links[identity]; online {
			e.Online = true
		} else if seen, ok := r.lastSeen[identity]; ok {
			t := seen
			e.LastSeen = &t
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func (r *Registry) watchersLocked() []Link {
	out := make([]Link, 0, len(r.watchers))
	for l := range r.watchers {
		out = append(out, l)
	}
	return out
}

func (r *Registry) announceLocked() ([]Entry, []Link) {
	return r.snapshotLocked(), r.watchersLocked()
}

// push fans the snapshot out while the registry mutex is still held, so
// watchers observe transitions in the order they happened. Link.Push never
// blocks, which keeps the critical section short; a watcher that cannot keep
// up recovers via the next broadcast.
func (r *Registry) push(snapshot []Entry, targets []Link) {
	if r.onAnnounce != nil {
		r.onAnnounce(len(targets))
	}
	ev := SnapshotEvent(snapshot)
	for _, l := range targets {
		l.Push(ev)
	}
}

// SnapshotEvent converts a snapshot to its wire form.
func SnapshotEvent(snapshot []Entry) wire.Event {
	users := make([]wire.PresenceEntry, 0, len(snapshot))
	for _, e := range snapshot {
		users = append(users, wire.PresenceEntry{
			Identity: e.Identity,
			Online:   e.Online,
			LastSeen: e.LastSeen,
		})
	}
	return wire.Event{Type: wire.EventPresence, Users: users}
}
