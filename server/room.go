package main

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collabtext/awareness"
	"collabtext/protocol"
	"collabtext/session"
)

const (
	originRelay      = "relay"
	originDisconnect = "disconnect"
)

type member struct {
	client *Client
	actors map[awareness.ActorID]struct{}
}

// Room is the relay state of one document: its connected clients and a
// server-side awareness store that mirrors every actor's presence. The
// server's own actor never has presence.
type Room struct {
	docID   string
	doc     *session.Doc
	store   *awareness.Store
	relay   Relay
	log     *logrus.Entry
	closeFn func() error

	mu      sync.Mutex
	members map[string]*member
}

func newRoom(docID string, relay Relay, opts awareness.Options, log *logrus.Entry) *Room {
	doc := session.New(docID)
	r := &Room{
		docID:   docID,
		doc:     doc,
		store:   awareness.New(doc, opts),
		relay:   relay,
		log:     log.WithField("doc", docID),
		members: make(map[string]*member),
	}
	_ = r.store.SetLocalState(nil)
	r.store.OnUpdate(r.onUpdate)
	r.store.OnChange(func(ch awareness.Change, origin awareness.Origin) {
		if origin == awareness.OriginTimeout {
			actorsRemoved.WithLabelValues(awareness.OriginTimeout).Add(float64(len(ch.Removed)))
		}
	})
	return r
}

// onUpdate tracks which actors each connection controls and fans every
// awareness change out to all clients of the room, including the sender:
// a client drops its own echo by clock comparison.
func (r *Room) onUpdate(ch awareness.Change, origin awareness.Origin) {
	r.mu.Lock()
	if m, ok := r.members[origin]; ok {
		for _, id := range ch.Added {
			m.actors[id] = struct{}{}
		}
		for _, id := range ch.Updated {
			m.actors[id] = struct{}{}
		}
		for _, id := range ch.Removed {
			delete(m.actors, id)
		}
	}
	r.mu.Unlock()

	ids := r.withoutSelf(ch.Actors())
	if len(ids) == 0 {
		return
	}
	enc, err := protocol.EncodeAwareness(r.store, ids)
	if err != nil {
		r.log.WithError(err).Error("Failed to encode awareness update")
		return
	}
	msg := protocol.NewAwarenessMessage(r.docID, enc)
	data, err := protocol.Marshal(msg)
	if err != nil {
		r.log.WithError(err).Error("Failed to marshal awareness update")
		return
	}
	r.broadcast(data, "")

	if origin != originRelay && r.relay != nil {
		if err := r.relay.Publish(context.Background(), r.docID, msg); err != nil {
			r.log.WithError(err).Warn("Failed to publish awareness update")
		}
	}
}

func (r *Room) withoutSelf(ids []awareness.ActorID) []awareness.ActorID {
	out := ids[:0:0]
	for _, id := range ids {
		if id != r.store.ClientID() {
			out = append(out, id)
		}
	}
	return out
}

// join registers c and sends it the current presence snapshot.
func (r *Room) join(c *Client) {
	r.mu.Lock()
	r.members[c.id] = &member{client: c, actors: make(map[awareness.ActorID]struct{})}
	count := len(r.members)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"client": c.id, "clients": count}).Info("Client joined")
	r.sendSnapshot(c)
}

// leave unregisters c and announces the departure of every actor it
// controlled. It returns those actors and the number of remaining clients.
func (r *Room) leave(c *Client) ([]awareness.ActorID, int) {
	r.mu.Lock()
	m, ok := r.members[c.id]
	if !ok {
		n := len(r.members)
		r.mu.Unlock()
		return nil, n
	}
	delete(r.members, c.id)
	count := len(r.members)
	actors := make([]awareness.ActorID, 0, len(m.actors))
	var gone []awareness.ActorID
	for id := range m.actors {
		actors = append(actors, id)
		// an actor that already reconnected through another client stays
		if !r.controlledLocked(id) {
			gone = append(gone, id)
		}
	}
	r.mu.Unlock()

	c.closeSend()

	sort.Slice(actors, func(i, j int) bool { return actors[i] < actors[j] })
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })

	if len(gone) > 0 {
		r.store.RemoveStates(gone, originDisconnect)
		actorsRemoved.WithLabelValues(originDisconnect).Add(float64(len(gone)))
	}
	r.log.WithFields(logrus.Fields{"client": c.id, "clients": count, "actors": actors}).Info("Client left")
	return actors, count
}

// controlledLocked reports whether any current member controls id. Callers
// hold r.mu.
func (r *Room) controlledLocked(id awareness.ActorID) bool {
	for _, m := range r.members {
		if _, ok := m.actors[id]; ok {
			return true
		}
	}
	return false
}

func (r *Room) sendSnapshot(c *Client) {
	data, err := r.snapshotFrame()
	if err != nil {
		r.log.WithError(err).Error("Failed to build awareness snapshot")
		return
	}
	if data != nil {
		c.enqueue(data)
	}
}

// snapshotFrame encodes every present actor, or returns nil when there is
// nobody to report.
func (r *Room) snapshotFrame() ([]byte, error) {
	states := r.store.States()
	if len(states) == 0 {
		return nil, nil
	}
	ids := make([]awareness.ActorID, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	enc, err := protocol.EncodeAwareness(r.store, r.withoutSelf(ids))
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(protocol.NewAwarenessMessage(r.docID, enc))
}

// handle processes one frame read from client c.
func (r *Room) handle(c *Client, msg *protocol.Message) {
	messagesReceived.WithLabelValues(string(msg.Type)).Inc()

	switch msg.Type {
	case protocol.TypeAwareness:
		updates, err := protocol.DecodeAwareness(msg.Awareness)
		if err == nil {
			err = r.store.ApplyUpdate(updates, c.id)
		}
		if err != nil {
			decodeFailures.Inc()
			r.log.WithError(err).WithField("client", c.id).Warn("Rejected awareness update")
		}
	case protocol.TypeAwarenessQuery:
		r.sendSnapshot(c)
	case protocol.TypeUpdate:
		msg.DocID = r.docID
		data, err := protocol.Marshal(msg)
		if err != nil {
			r.log.WithError(err).Error("Failed to marshal document update")
			return
		}
		r.broadcast(data, c.id)
		if r.relay != nil {
			if err := r.relay.Publish(context.Background(), r.docID, msg); err != nil {
				r.log.WithError(err).Warn("Failed to publish document update")
			}
		}
	}
}

// handleRelayed processes a frame published by another server instance.
func (r *Room) handleRelayed(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAwareness:
		updates, err := protocol.DecodeAwareness(msg.Awareness)
		if err == nil {
			err = r.store.ApplyUpdate(updates, originRelay)
		}
		if err != nil {
			decodeFailures.Inc()
			r.log.WithError(err).Warn("Rejected relayed awareness update")
		}
	case protocol.TypeUpdate:
		msg.Instance = ""
		data, err := protocol.Marshal(msg)
		if err != nil {
			return
		}
		r.broadcast(data, "")
	}
}

// broadcast queues data for every client except the one with id skip.
func (r *Room) broadcast(data []byte, skip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.members {
		if id == skip {
			continue
		}
		m.client.enqueue(data)
	}
}

func (r *Room) clientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// close stops the room's relay subscription and ends its session.
func (r *Room) close() {
	if r.closeFn != nil {
		if err := r.closeFn(); err != nil {
			r.log.WithError(err).Warn("Failed to close relay subscription")
		}
	}
	r.doc.Destroy()
}

// presence is the JSON shape served by the awareness snapshot endpoint.
type presence struct {
	ActorID     awareness.ActorID `json:"actorId"`
	Clock       uint64            `json:"clock"`
	State       awareness.State   `json:"state"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

func (r *Room) presence() []presence {
	states := r.store.States()
	out := make([]presence, 0, len(states))
	for id := range states {
		if id == r.store.ClientID() {
			continue
		}
		if a, ok := r.store.Actor(id); ok {
			out = append(out, presence{ActorID: id, Clock: a.Clock, State: a.State, LastUpdated: a.LastUpdated})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActorID < out[j].ActorID })
	return out
}
