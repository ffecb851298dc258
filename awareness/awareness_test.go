package awareness

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "collabtext/errors"
)

type testDoc struct {
	id      ActorID
	mu      sync.Mutex
	destroy []func()
}

func (d *testDoc) ClientID() ActorID { return d.id }

func (d *testDoc) OnDestroy(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroy = append(d.destroy, fn)
}

func (d *testDoc) Destroy() {
	d.mu.Lock()
	fns := d.destroy
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type event struct {
	change Change
	origin Origin
}

type recorder struct {
	mu      sync.Mutex
	changes []event
	updates []event
}

func record(s *Store) *recorder {
	r := &recorder{}
	s.OnChange(func(c Change, o Origin) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.changes = append(r.changes, event{c, o})
	})
	s.OnUpdate(func(c Change, o Origin) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.updates = append(r.updates, event{c, o})
	})
	return r
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = nil
	r.updates = nil
}

func newTestStore(t *testing.T, id ActorID) (*Store, *fakeClock, *testDoc) {
	t.Helper()
	clock := newFakeClock()
	doc := &testDoc{id: id}
	s := New(doc, Options{Timeout: 30 * time.Second, Now: clock.Now, ManualTick: true})
	t.Cleanup(s.Destroy)
	return s, clock, doc
}

func TestNew_InitializesLocalState(t *testing.T) {
	s, _, _ := newTestStore(t, 1)

	assert.Equal(t, map[string]any{}, s.LocalState())
	m, ok := s.Meta(1)
	require.True(t, ok)
	assert.Equal(t, uint64(0), m.Clock)
	assert.Len(t, s.States(), 1)
}

func TestSetLocalState_ClockIncrementsByOne(t *testing.T) {
	s, _, _ := newTestStore(t, 1)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SetLocalState(map[string]any{"cursor": i}))
		m, _ := s.Meta(1)
		assert.Equal(t, uint64(i), m.Clock)
	}
	require.NoError(t, s.SetLocalState(nil))
	m, _ := s.Meta(1)
	assert.Equal(t, uint64(6), m.Clock)
}

func TestSetLocalState_Events(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	r := record(s)

	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 5}))
	require.Len(t, r.updates, 1)
	assert.Equal(t, Change{Updated: []ActorID{1}}, r.updates[0].change)
	assert.Equal(t, OriginLocal, r.updates[0].origin)
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Updated: []ActorID{1}}, r.changes[0].change)

	r.reset()
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 5.0}))
	assert.Len(t, r.updates, 1, "every touch is an update")
	assert.Empty(t, r.changes, "equal content suppresses change")

	r.reset()
	require.NoError(t, s.SetLocalState(nil))
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Removed: []ActorID{1}}, r.changes[0].change)
	assert.Nil(t, s.LocalState())

	r.reset()
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 1}))
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Added: []ActorID{1}}, r.changes[0].change)
}

func TestSetLocalState_NotSerializable(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	r := record(s)

	err := s.SetLocalState(map[string]any{"ch": make(chan int)})
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.ErrCodeInvalidState))

	m, _ := s.Meta(1)
	assert.Equal(t, uint64(0), m.Clock)
	assert.Empty(t, r.updates)
}

func TestSetLocalState_DoesNotAliasCaller(t *testing.T) {
	s, _, _ := newTestStore(t, 1)

	st := map[string]any{"cursor": 1}
	require.NoError(t, s.SetLocalState(st))
	st["cursor"] = 99

	assert.Equal(t, map[string]any{"cursor": 1.0}, s.LocalState())

	got := s.States()
	got[1].(map[string]any)["cursor"] = 42.0
	assert.Equal(t, map[string]any{"cursor": 1.0}, s.LocalState())
}

func TestSetLocalStateField(t *testing.T) {
	s, _, _ := newTestStore(t, 1)

	require.NoError(t, s.SetLocalStateField("user", "ada"))
	require.NoError(t, s.SetLocalStateField("cursor", 3))
	assert.Equal(t, map[string]any{"user": "ada", "cursor": 3.0}, s.LocalState())

	require.NoError(t, s.SetLocalState(nil))
	m, _ := s.Meta(1)
	require.NoError(t, s.SetLocalStateField("cursor", 4))
	assert.Nil(t, s.LocalState(), "no field can be added to an absent presence")
	after, _ := s.Meta(1)
	assert.Equal(t, m.Clock, after.Clock)

	require.NoError(t, s.SetLocalState("just a string"))
	err := s.SetLocalStateField("cursor", 4)
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.ErrCodeInvalidState))
}

func TestApplyUpdate_EndToEndScenario(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 5}))
	m, _ := s.Meta(1)
	assert.Equal(t, uint64(1), m.Clock)

	r := record(s)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{
		{ActorID: 2, Clock: 1, State: map[string]any{"cursor": 10}},
	}, "remote"))

	assert.Len(t, s.States(), 2)
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Added: []ActorID{2}}, r.changes[0].change)
	assert.Equal(t, "remote", r.changes[0].origin)

	r.reset()
	require.NoError(t, s.ApplyUpdate([]StateUpdate{
		{ActorID: 2, Clock: 0, State: map[string]any{"cursor": 99}},
	}, "remote"))

	assert.Equal(t, map[string]any{"cursor": 10.0}, s.States()[2])
	assert.Empty(t, r.changes)
	assert.Empty(t, r.updates)
}

func TestApplyUpdate_StaleReject(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 4, State: map[string]any{"a": 1}}}, "remote"))

	r := record(s)
	tests := []StateUpdate{
		{ActorID: 2, Clock: 3, State: map[string]any{"a": 2}},
		{ActorID: 2, Clock: 4, State: map[string]any{"a": 3}},
		{ActorID: 2, Clock: 3, State: nil},
	}
	for _, u := range tests {
		require.NoError(t, s.ApplyUpdate([]StateUpdate{u}, "remote"))
	}

	assert.Equal(t, map[string]any{"a": 1.0}, s.States()[2])
	m, _ := s.Meta(2)
	assert.Equal(t, uint64(4), m.Clock)
	assert.Empty(t, r.changes)
	assert.Empty(t, r.updates)
}

func TestApplyUpdate_UnknownActorAtClockZeroIsIgnored(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 7, Clock: 0, State: map[string]any{}}}, "remote"))

	_, ok := s.Meta(7)
	assert.False(t, ok)
}

func TestApplyUpdate_SameClockRemovalAcceptedOnce(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 3, State: map[string]any{"a": 1}}}, "remote"))

	r := record(s)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 3, State: nil}}, "relay"))

	_, present := s.States()[2]
	assert.False(t, present)
	m, ok := s.Meta(2)
	require.True(t, ok, "metadata outlives the removal")
	assert.Equal(t, uint64(3), m.Clock)
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Removed: []ActorID{2}}, r.changes[0].change)

	r.reset()
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 3, State: nil}}, "relay"))
	assert.Empty(t, r.updates, "a retransmitted removal is not applied twice")
}

func TestApplyUpdate_LocalRemovalImmunity(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 5}))
	stored, _ := s.Meta(1)

	r := record(s)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 1, Clock: stored.Clock + 1, State: nil}}, "remote"))

	assert.Equal(t, map[string]any{"cursor": 5.0}, s.LocalState())
	m, _ := s.Meta(1)
	assert.Equal(t, stored.Clock+2, m.Clock)
	assert.Empty(t, r.changes)
	require.Len(t, r.updates, 1, "the reassertion must reach the transport")
	assert.Equal(t, Change{Updated: []ActorID{1}}, r.updates[0].change)
}

func TestApplyUpdate_BatchPartitions(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{
		{ActorID: 2, Clock: 1, State: map[string]any{"c": 1}},
		{ActorID: 3, Clock: 1, State: map[string]any{"c": 1}},
		{ActorID: 4, Clock: 1, State: map[string]any{"c": 1}},
	}, "remote"))

	r := record(s)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{
		{ActorID: 2, Clock: 2, State: map[string]any{"c": 2}}, // content change
		{ActorID: 3, Clock: 2, State: map[string]any{"c": 1}}, // heartbeat
		{ActorID: 4, Clock: 2, State: nil},                    // departure
		{ActorID: 5, Clock: 1, State: []any{"x"}},             // newcomer
	}, "remote"))

	require.Len(t, r.changes, 1)
	require.Len(t, r.updates, 1)
	assert.Equal(t, Change{Added: []ActorID{5}, Updated: []ActorID{2}, Removed: []ActorID{4}}, r.changes[0].change)
	assert.Equal(t, Change{Added: []ActorID{5}, Updated: []ActorID{2, 3}, Removed: []ActorID{4}}, r.updates[0].change)

	r.reset()
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 4, Clock: 3, State: map[string]any{"back": true}}}, "remote"))
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Added: []ActorID{4}}, r.changes[0].change, "a removed actor returning counts as added")
}

func TestApplyUpdate_RoundTripEchoProducesNoChange(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 5}))
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 2, State: map[string]any{"cursor": 1}}}, "remote"))

	var echo []StateUpdate
	for id, st := range s.States() {
		a, _ := s.Actor(id)
		echo = append(echo, StateUpdate{ActorID: id, Clock: a.Clock, State: st})
	}

	r := record(s)
	require.NoError(t, s.ApplyUpdate(echo, "server"))
	assert.Empty(t, r.changes)
}

func TestApplyUpdate_RejectsUnserializableBatch(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	err := s.ApplyUpdate([]StateUpdate{
		{ActorID: 2, Clock: 1, State: map[string]any{"ok": true}},
		{ActorID: 3, Clock: 1, State: func() {}},
	}, "remote")
	require.Error(t, err)
	assert.True(t, cerrors.Is(err, cerrors.ErrCodeInvalidUpdate))
	assert.Len(t, s.States(), 1, "nothing from a rejected batch is applied")
}

func TestRemoveStates(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{
		{ActorID: 2, Clock: 5, State: map[string]any{}},
		{ActorID: 3, Clock: 5, State: map[string]any{}},
	}, "remote"))

	r := record(s)
	s.RemoveStates([]ActorID{2, 9, 1}, "disconnect")

	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Removed: []ActorID{2, 1}}, r.changes[0].change)
	assert.Equal(t, "disconnect", r.changes[0].origin)

	m, _ := s.Meta(2)
	assert.Equal(t, uint64(5), m.Clock, "remote clocks are kept as-is")
	local, _ := s.Meta(1)
	assert.Equal(t, uint64(1), local.Clock, "removing the local actor advances its clock")

	r.reset()
	s.RemoveStates([]ActorID{2}, "disconnect")
	assert.Empty(t, r.changes)
}

func TestCheck_TimeoutEviction(t *testing.T) {
	s, clock, _ := newTestStore(t, 1)
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 1, State: map[string]any{"c": 1}}}, "remote"))

	clock.Advance(s.Timeout() + time.Millisecond)
	r := record(s)
	s.Check()

	_, present := s.States()[2]
	assert.False(t, present)
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Removed: []ActorID{2}}, r.changes[0].change)
	assert.Equal(t, OriginTimeout, r.changes[0].origin)
	require.NotEmpty(t, r.updates)
	assert.Equal(t, Change{Removed: []ActorID{2}}, r.updates[len(r.updates)-1].change)

	_, known := s.Meta(2)
	assert.True(t, known, "metadata survives the tick that removed the actor")

	clock.Advance(s.Timeout() / 10)
	s.Check()
	_, known = s.Meta(2)
	assert.False(t, known, "removed actors are garbage-collected on a later tick")
}

func TestCheck_LocalActorIsNeverEvicted(t *testing.T) {
	s, clock, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(nil))

	clock.Advance(3 * s.Timeout())
	s.Check()

	_, known := s.Meta(1)
	assert.True(t, known)
}

func TestCheck_HeartbeatRenewal(t *testing.T) {
	s, clock, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 5}))
	before, _ := s.Meta(1)

	clock.Advance(s.Timeout()/2 - time.Millisecond)
	s.Check()
	m, _ := s.Meta(1)
	assert.Equal(t, before.Clock, m.Clock, "no renewal before Timeout/2")

	clock.Advance(time.Millisecond)
	r := record(s)
	s.Check()

	m, _ = s.Meta(1)
	assert.Equal(t, before.Clock+1, m.Clock)
	assert.Equal(t, clock.Now(), m.LastUpdated)
	assert.Equal(t, map[string]any{"cursor": 5.0}, s.LocalState())
	assert.Empty(t, r.changes)
	require.Len(t, r.updates, 1)
	assert.Equal(t, Change{Updated: []ActorID{1}}, r.updates[0].change)
}

func TestCheck_HeartbeatKeepsConcurrentLocalWrites(t *testing.T) {
	// every call to now moves a minute forward, so every Check renews
	var ticks atomic.Int64
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return start.Add(time.Duration(ticks.Add(1)) * time.Minute) }
	s := New(&testDoc{id: 1}, Options{Timeout: time.Second, Now: now, ManualTick: true})
	t.Cleanup(s.Destroy)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Check()
			}
		}
	}()

	reverted := 0
	for i := 0; i < 20000; i++ {
		require.NoError(t, s.SetLocalState(map[string]any{"n": i}))
		state, ok := s.LocalState().(map[string]any)
		require.True(t, ok)
		if state["n"].(float64) < float64(i) {
			reverted++
		}
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, reverted, "renewal wrote back an older local state")
	assert.Equal(t, map[string]any{"n": 19999.0}, s.LocalState())
}

func TestRenew(t *testing.T) {
	s, clock, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 2}))
	before, _ := s.Meta(1)
	clock.Advance(time.Second)

	r := record(s)
	require.True(t, s.Renew())

	m, _ := s.Meta(1)
	assert.Equal(t, before.Clock+1, m.Clock)
	assert.Equal(t, clock.Now(), m.LastUpdated)
	assert.Equal(t, map[string]any{"cursor": 2.0}, s.LocalState())
	assert.Empty(t, r.changes)
	require.Len(t, r.updates, 1)
	assert.Equal(t, Change{Updated: []ActorID{1}}, r.updates[0].change)

	require.NoError(t, s.SetLocalState(nil))
	r.reset()
	assert.False(t, s.Renew())
	assert.Empty(t, r.updates)
}

func TestCheck_NoHeartbeatWithoutPresence(t *testing.T) {
	s, clock, _ := newTestStore(t, 1)
	require.NoError(t, s.SetLocalState(nil))
	before, _ := s.Meta(1)

	clock.Advance(s.Timeout())
	s.Check()

	m, _ := s.Meta(1)
	assert.Equal(t, before.Clock, m.Clock)
}

func TestDestroy_BroadcastsDeparture(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	r := record(s)
	destroyed := 0
	s.OnDestroy(func() { destroyed++ })

	s.Destroy()
	s.Destroy()

	assert.Equal(t, 1, destroyed)
	assert.Nil(t, s.LocalState())
	require.Len(t, r.updates, 1)
	assert.Equal(t, Change{Removed: []ActorID{1}}, r.updates[0].change)
	require.Len(t, r.changes, 1)
	assert.Equal(t, Change{Removed: []ActorID{1}}, r.changes[0].change)

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after Destroy")
	}
}

func TestDestroy_FollowsDoc(t *testing.T) {
	s, _, doc := newTestStore(t, 1)
	destroyed := false
	s.OnDestroy(func() { destroyed = true })

	doc.Destroy()

	assert.True(t, destroyed)
	assert.Nil(t, s.LocalState())
}

// destroyedDoc behaves like a session that was already destroyed: handlers
// registered with OnDestroy run immediately.
type destroyedDoc struct{ id ActorID }

func (d destroyedDoc) ClientID() ActorID   { return d.id }
func (d destroyedDoc) OnDestroy(fn func()) { fn() }

func TestNew_OnDestroyedDoc(t *testing.T) {
	s := New(destroyedDoc{id: 1}, Options{ManualTick: true})

	assert.Nil(t, s.LocalState(), "a store of a destroyed doc has no presence")
	assert.Empty(t, s.States())
	m, ok := s.Meta(1)
	require.True(t, ok)
	assert.Equal(t, uint64(1), m.Clock, "departure follows the initial state")

	select {
	case <-s.Done():
	default:
		t.Fatal("store of a destroyed doc should be stopped")
	}
	s.Check()
	assert.Nil(t, s.LocalState())
}

func TestMaintenanceLoop(t *testing.T) {
	doc := &testDoc{id: 1}
	s := New(doc, Options{Timeout: 100 * time.Millisecond})
	require.NoError(t, s.ApplyUpdate([]StateUpdate{{ActorID: 2, Clock: 1, State: map[string]any{}}}, "remote"))

	removed := make(chan ActorID, 4)
	s.OnChange(func(c Change, o Origin) {
		if o == OriginTimeout {
			for _, id := range c.Removed {
				removed <- id
			}
		}
	})

	select {
	case id := <-removed:
		assert.Equal(t, ActorID(2), id)
	case <-time.After(2 * time.Second):
		t.Fatal("stale actor was not evicted by the maintenance loop")
	}

	m, _ := s.Meta(1)
	assert.Greater(t, m.Clock, uint64(0), "the loop renews the local clock")

	s.Destroy()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}
	stopped, _ := s.Meta(1)
	time.Sleep(50 * time.Millisecond)
	after, _ := s.Meta(1)
	assert.Equal(t, stopped, after, "no ticks after Destroy")
}

func TestHandlersMayReenterStore(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	var seen State
	s.OnChange(func(c Change, o Origin) {
		seen = s.LocalState()
	})

	require.NoError(t, s.SetLocalState(map[string]any{"cursor": 2}))
	assert.Equal(t, map[string]any{"cursor": 2.0}, seen)
}

func TestUnsubscribe(t *testing.T) {
	s, _, _ := newTestStore(t, 1)
	calls := 0
	off := s.OnUpdate(func(Change, Origin) { calls++ })

	require.NoError(t, s.SetLocalState(map[string]any{"a": 1}))
	off()
	require.NoError(t, s.SetLocalState(map[string]any{"a": 2}))

	assert.Equal(t, 1, calls)
}
