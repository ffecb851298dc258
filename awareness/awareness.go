// Package awareness tracks ephemeral per-actor presence for a shared
// document: cursor positions, user names, liveness. Every actor's state is
// versioned by a logical clock owned by that actor; remote updates are merged
// last-writer-wins by clock, silent actors are evicted after a timeout, and
// every mutation is announced through synchronous change/update events.
//
// Presence is never persisted. A store lives exactly as long as its document
// session.
package awareness

import (
	"fmt"
	"sort"
	"sync"
	"time"

	cerrors "collabtext/errors"
)

// DefaultTimeout is how long an actor may stay silent before it is removed.
const DefaultTimeout = 30 * time.Second

// Doc is the document session a store belongs to.
type Doc interface {
	ClientID() ActorID
	OnDestroy(func())
}

// Options configures a Store. The zero value is usable.
type Options struct {
	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
	// ManualTick disables the background maintenance loop; the owner calls
	// Check instead.
	ManualTick bool
}

// Store holds the presence state of every actor of one document.
type Store struct {
	notifier

	clientID ActorID
	timeout  time.Duration
	now      func() time.Time
	manual   bool

	mu     sync.Mutex
	states map[ActorID]State
	meta   map[ActorID]Meta

	destroyOnce sync.Once
	stop        chan struct{}
	done        chan struct{}
}

// New creates the store for doc. The local actor starts with an empty object
// state so it always exists, and the store destroys itself when doc does.
func New(doc Doc, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		clientID: doc.ClientID(),
		timeout:  opts.Timeout,
		now:      opts.Now,
		manual:   opts.ManualTick,
		states:   make(map[ActorID]State),
		meta:     make(map[ActorID]Meta),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if !s.manual {
		interval := s.timeout / 10
		if interval <= 0 {
			interval = time.Millisecond
		}
		go s.run(interval)
	}

	_ = s.SetLocalState(map[string]any{})
	doc.OnDestroy(s.Destroy)
	return s
}

// ClientID returns the local actor's id.
func (s *Store) ClientID() ActorID { return s.clientID }

// Timeout returns the staleness threshold.
func (s *Store) Timeout() time.Duration { return s.timeout }

// Done is closed once the maintenance loop has stopped.
func (s *Store) Done() <-chan struct{} { return s.done }

func (s *Store) run(interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Check()
		}
	}
}

// LocalState returns the local actor's state, or nil when it has none.
func (s *Store) LocalState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.states[s.clientID])
}

// SetLocalState replaces the local actor's state and advances its clock by
// one. A nil state announces departure. The value must be JSON-serializable;
// otherwise an INVALID_STATE error is returned and nothing changes.
//
// An update event always fires. A change event fires only when the actor was
// added or removed, or its content actually differs.
func (s *Store) SetLocalState(state State) error {
	norm, err := normalize(state)
	if err != nil {
		return cerrors.Wrap(err, cerrors.ErrCodeInvalidState, "state is not JSON-serializable")
	}

	s.mu.Lock()
	id := s.clientID
	var clock uint64
	if m, ok := s.meta[id]; ok {
		clock = m.Clock + 1
	}
	prev, hadPrev := s.states[id]
	if norm == nil {
		delete(s.states, id)
	} else {
		s.states[id] = norm
	}
	s.meta[id] = Meta{Clock: clock, LastUpdated: s.now()}
	s.mu.Unlock()

	var change, update Change
	switch {
	case norm == nil:
		change.Removed = []ActorID{id}
		update.Removed = []ActorID{id}
	case !hadPrev:
		change.Added = []ActorID{id}
		update.Added = []ActorID{id}
	default:
		update.Updated = []ActorID{id}
		if !equal(prev, norm) {
			change.Updated = []ActorID{id}
		}
	}
	s.emit(change, update, OriginLocal)
	return nil
}

// SetLocalStateField sets one field of the local state object. It does
// nothing while the local actor has no presence, and fails with
// INVALID_STATE when the current state is not an object.
func (s *Store) SetLocalStateField(field string, value any) error {
	current := s.LocalState()
	if current == nil {
		return nil
	}
	obj, ok := current.(map[string]any)
	if !ok {
		return cerrors.InvalidState(fmt.Sprintf("local state is %T, not an object", current)).
			WithDetail("field", field)
	}
	obj[field] = value
	return s.SetLocalState(obj)
}

// States returns a copy of every present actor's state.
func (s *Store) States() map[ActorID]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ActorID]State, len(s.states))
	for id, st := range s.states {
		out[id] = clone(st)
	}
	return out
}

// Meta returns the clock information for id, including removed actors that
// have not been garbage-collected yet.
func (s *Store) Meta(id ActorID) (Meta, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[id]
	return m, ok
}

// Actor returns a snapshot of id's entry. State is nil for removed actors.
func (s *Store) Actor(id ActorID) (ActorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meta[id]
	if !ok {
		return ActorState{}, false
	}
	return ActorState{
		ActorID:     id,
		State:       clone(s.states[id]),
		Clock:       m.Clock,
		LastUpdated: m.LastUpdated,
	}, true
}

// ApplyUpdate merges decoded remote tuples. A tuple is accepted when its
// clock is newer than the stored one, or when it is a removal carrying the
// same clock for an actor that is still present (a relayed disconnect).
// Nobody else may remove the local actor: such a removal instead bumps the
// local clock so the next broadcast reasserts its presence.
//
// Events fire once for the whole batch. A tuple whose state is not
// JSON-serializable rejects the batch with INVALID_UPDATE before anything is
// applied.
func (s *Store) ApplyUpdate(updates []StateUpdate, origin Origin) error {
	normalized := make([]State, len(updates))
	for i, u := range updates {
		norm, err := normalize(u.State)
		if err != nil {
			return cerrors.Wrap(err, cerrors.ErrCodeInvalidUpdate, "state is not JSON-serializable").
				WithDetail("actor", u.ActorID).WithDetail("index", i)
		}
		normalized[i] = norm
	}

	var added, updated, filteredUpdated, removed []ActorID

	s.mu.Lock()
	now := s.now()
	for i, u := range updates {
		id := u.ActorID
		state := normalized[i]
		m, known := s.meta[id]
		prev, present := s.states[id]
		var current uint64
		if known {
			current = m.Clock
		}
		if !(current < u.Clock || (current == u.Clock && state == nil && present)) {
			continue
		}

		clock := u.Clock
		if state == nil && id == s.clientID && present {
			clock++
			s.meta[id] = Meta{Clock: clock, LastUpdated: now}
			updated = append(updated, id)
			continue
		}

		if state == nil {
			delete(s.states, id)
		} else {
			s.states[id] = state
		}
		s.meta[id] = Meta{Clock: clock, LastUpdated: now}

		switch {
		case state != nil && !present:
			added = append(added, id)
		case state == nil && present:
			removed = append(removed, id)
		case state != nil:
			updated = append(updated, id)
			if !equal(prev, state) {
				filteredUpdated = append(filteredUpdated, id)
			}
		}
	}
	s.mu.Unlock()

	s.emit(
		Change{Added: added, Updated: filteredUpdated, Removed: removed},
		Change{Added: added, Updated: updated, Removed: removed},
		origin,
	)
	return nil
}

// RemoveStates marks the given actors as removed in one batch. Metadata is
// kept so the removal can be broadcast with the actor's clock. Removing the
// local actor advances its clock.
func (s *Store) RemoveStates(ids []ActorID, origin Origin) {
	var removed []ActorID

	s.mu.Lock()
	for _, id := range ids {
		if _, ok := s.states[id]; !ok {
			continue
		}
		delete(s.states, id)
		if id == s.clientID {
			m := s.meta[id]
			s.meta[id] = Meta{Clock: m.Clock + 1, LastUpdated: s.now()}
		}
		removed = append(removed, id)
	}
	s.mu.Unlock()

	if len(removed) > 0 {
		ch := Change{Removed: removed}
		s.emit(ch, ch, origin)
	}
}

// Renew advances the local clock and lastUpdated without touching the local
// state, and fires an update event so transports resend the local tuple. It
// reports false and does nothing while the local actor has no presence.
func (s *Store) Renew() bool {
	s.mu.Lock()
	renewed := s.renewLocked(s.now())
	s.mu.Unlock()
	if renewed {
		s.emit(Change{}, Change{Updated: []ActorID{s.clientID}}, OriginLocal)
	}
	return renewed
}

// renewLocked bumps the local clock in place, so whatever content is current
// at that moment is what gets renewed. Callers hold s.mu.
func (s *Store) renewLocked(now time.Time) bool {
	if _, ok := s.states[s.clientID]; !ok {
		return false
	}
	m := s.meta[s.clientID]
	s.meta[s.clientID] = Meta{Clock: m.Clock + 1, LastUpdated: now}
	return true
}

// Check runs one maintenance pass:
//   - renews the local state once Timeout/2 has passed since it was written,
//     so peers do not time this actor out;
//   - removes remote actors silent for Timeout;
//   - forgets remote actors that were already removed and stayed silent for
//     Timeout.
func (s *Store) Check() {
	select {
	case <-s.stop:
		return
	default:
	}
	now := s.now()

	s.mu.Lock()
	renew := false
	if now.Sub(s.meta[s.clientID].LastUpdated) >= s.timeout/2 {
		renew = s.renewLocked(now)
	}
	var stale []ActorID
	for id, m := range s.meta {
		if id == s.clientID || now.Sub(m.LastUpdated) < s.timeout {
			continue
		}
		if _, ok := s.states[id]; ok {
			stale = append(stale, id)
		} else {
			delete(s.meta, id)
		}
	}
	s.mu.Unlock()

	if renew {
		s.emit(Change{}, Change{Updated: []ActorID{s.clientID}}, OriginLocal)
	}
	if len(stale) > 0 {
		sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
		s.RemoveStates(stale, OriginTimeout)
	}
}

// Destroy emits destroy, announces the local actor's departure and stops the
// maintenance loop. Later calls do nothing.
func (s *Store) Destroy() {
	s.destroyOnce.Do(func() {
		s.emitDestroy()
		_ = s.SetLocalState(nil)
		s.notifier.clear()
		close(s.stop)
		if s.manual {
			close(s.done)
		}
	})
}
