package awareness

import (
	"slices"
	"sync"
)

// Change lists the actors touched by one store operation.
type Change struct {
	Added   []ActorID `json:"added"`
	Updated []ActorID `json:"updated"`
	Removed []ActorID `json:"removed"`
}

// Empty reports whether no actor was touched.
func (c Change) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

// Actors returns every actor in the change.
func (c Change) Actors() []ActorID {
	ids := make([]ActorID, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	ids = append(ids, c.Added...)
	ids = append(ids, c.Updated...)
	return append(ids, c.Removed...)
}

// ChangeHandler receives change and update events.
type ChangeHandler func(Change, Origin)

type handlerList[T any] struct {
	mu     sync.Mutex
	nextID int
	ids    []int
	fns    []T
}

func (l *handlerList[T]) add(fn T) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.ids = append(l.ids, id)
	l.fns = append(l.fns, fn)
	return func() { l.remove(id) }
}

func (l *handlerList[T]) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := slices.Index(l.ids, id); i >= 0 {
		l.ids = slices.Delete(l.ids, i, i+1)
		l.fns = slices.Delete(l.fns, i, i+1)
	}
}

func (l *handlerList[T]) snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.fns)
}

func (l *handlerList[T]) clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = nil
	l.fns = nil
}

// notifier dispatches synchronously on the caller's goroutine, in
// registration order. Handlers may call back into the store.
type notifier struct {
	change  handlerList[ChangeHandler]
	update  handlerList[ChangeHandler]
	destroy handlerList[func()]
}

// OnChange subscribes to observable content changes: additions, removals and
// updates whose state differs from the previous one. It returns a func that
// unsubscribes.
func (n *notifier) OnChange(h ChangeHandler) func() { return n.change.add(h) }

// OnUpdate subscribes to every touch of an actor, including heartbeats that
// leave the content unchanged.
func (n *notifier) OnUpdate(h ChangeHandler) func() { return n.update.add(h) }

// OnDestroy subscribes to store teardown.
func (n *notifier) OnDestroy(h func()) func() { return n.destroy.add(h) }

func (n *notifier) emit(change, update Change, origin Origin) {
	if !change.Empty() {
		for _, h := range n.change.snapshot() {
			h(change, origin)
		}
	}
	if !update.Empty() {
		for _, h := range n.update.snapshot() {
			h(update, origin)
		}
	}
}

func (n *notifier) emitDestroy() {
	for _, h := range n.destroy.snapshot() {
		h()
	}
}

func (n *notifier) clear() {
	n.change.clear()
	n.update.clear()
	n.destroy.clear()
}
