package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"collabtext/awareness"
	"collabtext/config"
	"collabtext/protocol"
	"collabtext/session"
)

const originRemote = "remote"

var validate = validator.New()

// tabMessage is a frame sent by a browser tab.
type tabMessage struct {
	Type   string          `json:"type" validate:"required,oneof=presence update"`
	Field  string          `json:"field" validate:"required_if=Type presence"`
	Value  json.RawMessage `json:"value"`
	Update json.RawMessage `json:"update" validate:"required_if=Type update"`
}

// presenceView is pushed to every tab whenever presence changes.
type presenceView struct {
	Type    string                                `json:"type"`
	Self    awareness.ActorID                     `json:"self"`
	Added   []awareness.ActorID                   `json:"added"`
	Updated []awareness.ActorID                   `json:"updated"`
	Removed []awareness.ActorID                   `json:"removed"`
	States  map[awareness.ActorID]awareness.State `json:"states"`
}

// Agent is the local end of one document: it owns the doc session and its
// awareness store, serves the browser tabs and keeps the store in sync with
// the relay server.
type Agent struct {
	docID    string
	uiDir    string
	doc      *session.Doc
	store    *awareness.Store
	hub      *Hub
	upstream *Upstream
	log      *logrus.Entry

	shutdown sync.Once
}

func newAgent(cfg *config.Config, log *logrus.Entry) (*Agent, error) {
	doc := session.New(cfg.Agent.DocID)
	a := &Agent{
		docID: cfg.Agent.DocID,
		uiDir: cfg.Agent.UIDir,
		doc:   doc,
		store: awareness.New(doc, awareness.Options{Timeout: cfg.Awareness.Timeout}),
		log:   log.WithFields(logrus.Fields{"doc": cfg.Agent.DocID, "actor": doc.ClientID()}),
	}
	a.hub = newHub(a.view, a.handleTab, a.log)
	a.upstream = newUpstream(upstreamURL(cfg.Agent.ServerURL, cfg.Agent.DocID), a.greetServer, a.handleServer, a.log)

	a.store.OnUpdate(a.onUpdate)
	a.store.OnChange(a.onChange)

	if cfg.Agent.Name != "" {
		if err := a.store.SetLocalStateField("user", cfg.Agent.Name); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func upstreamURL(base, docID string) string {
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(docID)
}

// Start runs the tab hub and the upstream connection until ctx is done or
// Shutdown is called.
func (a *Agent) Start(ctx context.Context) {
	go a.hub.run()
	go a.upstream.Run(ctx)
}

// Router serves the UI files at / and the tab socket at /ws.
func (a *Agent) Router() http.Handler {
	mux := http.NewServeMux()
	if a.uiDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(a.uiDir)))
	}
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		serveWs(a.hub, w, r)
	})
	return mux
}

// Shutdown destroys the doc session, which announces the local actor's
// departure, then closes the upstream connection and every tab.
func (a *Agent) Shutdown() {
	a.shutdown.Do(func() {
		a.doc.Destroy()
		a.upstream.Close()
		a.hub.stop()
	})
}

// onUpdate forwards the local actor's tuple whenever it is touched, whatever
// the origin: edits, heartbeats, reassertions and the final departure.
func (a *Agent) onUpdate(ch awareness.Change, origin awareness.Origin) {
	if !contains(ch.Actors(), a.store.ClientID()) {
		return
	}
	frame, err := a.localFrame()
	if err != nil {
		a.log.WithError(err).Error("Failed to encode local state")
		return
	}
	a.upstream.Send(frame)
}

func (a *Agent) onChange(ch awareness.Change, origin awareness.Origin) {
	a.log.WithFields(logrus.Fields{
		"origin":  origin,
		"added":   ch.Added,
		"updated": ch.Updated,
		"removed": ch.Removed,
	}).Debug("Presence changed")
	data, err := json.Marshal(a.presence(ch))
	if err != nil {
		a.log.WithError(err).Error("Failed to encode presence view")
		return
	}
	a.hub.Broadcast(data)
}

func (a *Agent) localFrame() ([]byte, error) {
	u, err := protocol.EncodeAwareness(a.store, []awareness.ActorID{a.store.ClientID()})
	if err != nil {
		return nil, err
	}
	return protocol.Marshal(protocol.NewAwarenessMessage(a.docID, u))
}

// greetServer renews the local clock after every (re)connect. The server
// kept the clock of the removal it announced when the previous connection
// dropped, so resending the old tuple would be rejected as stale; the
// renewal's update event queues a newer tuple through onUpdate.
func (a *Agent) greetServer() {
	a.store.Renew()
}

// view is the full presence view sent to a tab when it connects.
func (a *Agent) view() []byte {
	states := a.store.States()
	ids := make([]awareness.ActorID, 0, len(states))
	for id := range states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	data, err := json.Marshal(a.presence(awareness.Change{Added: ids}))
	if err != nil {
		a.log.WithError(err).Error("Failed to encode presence view")
		return nil
	}
	return data
}

func (a *Agent) presence(ch awareness.Change) presenceView {
	v := presenceView{
		Type:    "presence",
		Self:    a.store.ClientID(),
		Added:   nonNil(ch.Added),
		Updated: nonNil(ch.Updated),
		Removed: nonNil(ch.Removed),
		States:  a.store.States(),
	}
	return v
}

func (a *Agent) handleTab(data []byte) {
	var msg tabMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.log.WithError(err).Warn("Dropping malformed tab frame")
		return
	}
	if err := validate.Struct(&msg); err != nil {
		a.log.WithError(err).Warn("Dropping invalid tab frame")
		return
	}

	switch msg.Type {
	case "presence":
		var value any
		if len(msg.Value) > 0 {
			if err := json.Unmarshal(msg.Value, &value); err != nil {
				a.log.WithError(err).Warn("Dropping tab presence with invalid value")
				return
			}
		}
		if err := a.store.SetLocalStateField(msg.Field, value); err != nil {
			a.log.WithError(err).WithField("field", msg.Field).Warn("Failed to set presence field")
		}
	case "update":
		frame, err := protocol.Marshal(&protocol.Message{
			Type:   protocol.TypeUpdate,
			DocID:  a.docID,
			Update: msg.Update,
		})
		if err != nil {
			a.log.WithError(err).Warn("Dropping invalid document update")
			return
		}
		a.upstream.Send(frame)
	}
}

func (a *Agent) handleServer(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAwareness:
		updates, err := protocol.DecodeAwareness(msg.Awareness)
		if err != nil {
			a.log.WithError(err).Warn("Dropping awareness update")
			return
		}
		if err := a.store.ApplyUpdate(updates, originRemote); err != nil {
			a.log.WithError(err).Warn("Failed to apply awareness update")
		}
	case protocol.TypeUpdate:
		data, err := json.Marshal(map[string]any{"type": protocol.TypeUpdate, "update": msg.Update})
		if err != nil {
			return
		}
		a.hub.Broadcast(data)
	}
}

func contains(ids []awareness.ActorID, id awareness.ActorID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func nonNil(ids []awareness.ActorID) []awareness.ActorID {
	if ids == nil {
		return []awareness.ActorID{}
	}
	return ids
}
