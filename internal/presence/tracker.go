// Package presence tracks ephemeral per-client awareness for one room.
package presence

import (
	"sort"
	"sync"
	"time"

	"glyph-sync-server/internal/domain"
)

const DefaultTimeout = 30 * time.Second

type Option func(*Tracker)

// WithTimeout sets how long a remote entry survives without a refresh.
func WithTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

type remoteEntry struct {
	state domain.PresenceState
	seen  time.Time
}

type Tracker struct {
	clientID string
	timeout  time.Duration

	mu       sync.Mutex
	local    domain.PresenceState
	remote   map[string]remoteEntry
	outbound func(domain.PresenceState)
	subs     map[uint64]func(map[string]domain.PresenceState)
	nextSub  uint64
}

func New(clientID string, user domain.PresenceUser, opts ...Option) *Tracker {
	t := &Tracker{
		clientID: clientID,
		timeout:  DefaultTimeout,
		local:    domain.PresenceState{ClientID: clientID, User: user},
		remote:   make(map[string]remoteEntry),
		subs:     make(map[uint64]func(map[string]domain.PresenceState)),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) ClientID() string {
	return t.clientID
}

func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}

// SetOutbound installs the hook that publishes local state. Delivery is best
// effort; a nil hook disables publishing.
func (t *Tracker) SetOutbound(fn func(domain.PresenceState)) {
	t.mu.Lock()
	t.outbound = fn
	t.mu.Unlock()
}

func (t *Tracker) UpdateCursor(cursor *domain.CursorPosition) {
	t.updateLocal(func(s *domain.PresenceState) {
		if cursor == nil {
			s.Cursor = nil
			return
		}
		c := *cursor
		s.Cursor = &c
	})
}

func (t *Tracker) UpdateSelection(selection *domain.SelectionRange) {
	t.updateLocal(func(s *domain.PresenceState) {
		if selection == nil {
			s.Selection = nil
			return
		}
		sel := *selection
		s.Selection = &sel
	})
}

func (t *Tracker) UpdateActiveComponent(componentID *string) {
	t.updateLocal(func(s *domain.PresenceState) {
		if componentID == nil {
			s.ActiveComponent = nil
			return
		}
		id := *componentID
		s.ActiveComponent = &id
	})
}

func (t *Tracker) updateLocal(fn func(*domain.PresenceState)) {
	t.mu.Lock()
	fn(&t.local)
	state := t.local.Clone()
	out := t.outbound
	t.mu.Unlock()

	if out != nil {
		out(state)
	}
}

// Announce republishes the current local state, e.g. as a heartbeat.
func (t *Tracker) Announce() {
	t.updateLocal(func(*domain.PresenceState) {})
}

func (t *Tracker) Local() domain.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.local.Clone()
}

// Remote returns a copy of every peer's state keyed by client id. The local
// client is never included.
func (t *Tracker) Remote() map[string]domain.PresenceState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteLocked()
}

// ApplyRemote records a peer's state as of now. A nil state removes the peer.
func (t *Tracker) ApplyRemote(clientID string, state *domain.PresenceState, now time.Time) {
	if clientID == "" || clientID == t.clientID {
		return
	}

	t.mu.Lock()
	if state == nil {
		if _, ok := t.remote[clientID]; !ok {
			t.mu.Unlock()
			return
		}
		delete(t.remote, clientID)
	} else {
		s := state.Clone()
		s.ClientID = clientID
		t.remote[clientID] = remoteEntry{state: s, seen: now}
	}
	snapshot, subs := t.remoteLocked(), t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, snapshot)
}

// Expire drops remote entries not refreshed within the timeout and returns
// the removed client ids.
func (t *Tracker) Expire(now time.Time) []string {
	t.mu.Lock()
	var removed []string
	for id, e := range t.remote {
		if now.Sub(e.seen) >= t.timeout {
			delete(t.remote, id)
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		t.mu.Unlock()
		return nil
	}
	snapshot, subs := t.remoteLocked(), t.subscribersLocked()
	t.mu.Unlock()

	sort.Strings(removed)
	notify(subs, snapshot)
	return removed
}

// Clear forgets every remote entry.
func (t *Tracker) Clear() {
	t.mu.Lock()
	if len(t.remote) == 0 {
		t.mu.Unlock()
		return
	}
	t.remote = make(map[string]remoteEntry)
	snapshot, subs := t.remoteLocked(), t.subscribersLocked()
	t.mu.Unlock()

	notify(subs, snapshot)
}

func (t *Tracker) Subscribe(fn func(map[string]domain.PresenceState)) func() {
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
		})
	}
}

func (t *Tracker) remoteLocked() map[string]domain.PresenceState {
	out := make(map[string]domain.PresenceState, len(t.remote))
	for id, e := range t.remote {
		out[id] = e.state.Clone()
	}
	return out
}

func (t *Tracker) subscribersLocked() []func(map[string]domain.PresenceState) {
	ids := make([]uint64, 0, len(t.subs))
	for id := range t.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	subs := make([]func(map[string]domain.PresenceState), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, t.subs[id])
	}
	return subs
}

func notify(subs []func(map[string]domain.PresenceState), snapshot map[string]domain.PresenceState) {
	for i, fn := range subs {
		if i == len(subs)-1 {
			fn(snapshot)
			continue
		}
		cp := make(map[string]domain.PresenceState, len(snapshot))
		for id, s := range snapshot {
			cp[id] = s.Clone()
		}
		fn(cp)
	}
}
