// Package session models one open editing session of a shared document.
package session

import (
	"sync"

	"github.com/google/uuid"

	"collabtext/awareness"
)

// Doc is a document session. It owns the local actor id and fires destroy
// handlers when the session ends.
type Doc struct {
	id       string
	clientID awareness.ActorID

	mu        sync.Mutex
	destroyed bool
	handlers  []func()
}

// New opens a session for document id with a fresh random actor id.
func New(id string) *Doc {
	return NewWithClientID(id, NewClientID())
}

// NewWithClientID opens a session with a fixed actor id.
func NewWithClientID(id string, clientID awareness.ActorID) *Doc {
	return &Doc{id: id, clientID: clientID}
}

// NewClientID draws a random actor id from a v4 UUID.
func NewClientID() awareness.ActorID {
	for {
		if id := awareness.ActorID(uuid.New().ID()); id != 0 {
			return id
		}
	}
}

func (d *Doc) ID() string { return d.id }

func (d *Doc) ClientID() awareness.ActorID { return d.clientID }

// OnDestroy registers fn to run when the session ends. Registering after the
// session ended runs fn immediately.
func (d *Doc) OnDestroy(fn func()) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		fn()
		return
	}
	d.handlers = append(d.handlers, fn)
	d.mu.Unlock()
}

// Destroy ends the session. Only the first call has any effect.
func (d *Doc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	handlers := d.handlers
	d.handlers = nil
	d.mu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// Destroyed reports whether Destroy has been called.
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}
