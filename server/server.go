package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"collabtext/awareness"
	cerrors "collabtext/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server relays document and presence frames between the clients of each
// document, and between server instances through the Relay.
type Server struct {
	relay     Relay
	sessions  SessionLog
	awareness awareness.Options
	log       *logrus.Entry

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewServer builds a server. relay may be nil for a single instance.
func NewServer(relay Relay, sessions SessionLog, opts awareness.Options, log *logrus.Entry) *Server {
	if sessions == nil {
		sessions = newMemorySessionLog()
	}
	return &Server{
		relay:     relay,
		sessions:  sessions,
		awareness: opts,
		log:       log,
		rooms:     make(map[string]*Room),
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{docID}", s.handleConnections)
	r.HandleFunc("/docs/{docID}/awareness", s.handleAwareness).Methods(http.MethodGet)
	r.HandleFunc("/docs/{docID}/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	c := newClient(uuid.NewString(), ws, s.log.WithField("doc", docID))
	room, err := s.join(docID, c)
	if err != nil {
		s.log.WithError(err).WithField("doc", docID).Error("Failed to open room")
		ws.Close()
		return
	}
	connectedClients.Inc()

	rec := SessionRecord{ID: c.id, DocID: docID, RemoteAddr: r.RemoteAddr, ConnectedAt: time.Now()}
	if err := s.sessions.Opened(r.Context(), rec); err != nil {
		s.log.WithError(err).Warn("Failed to record session")
	}

	go c.writePump()
	c.readPump(room)

	actors := s.leave(docID, room, c)
	connectedClients.Dec()
	if err := s.sessions.Closed(context.Background(), c.id, actors, time.Now()); err != nil {
		s.log.WithError(err).Warn("Failed to close session record")
	}
}

// join returns the room for docID, opening it and its relay subscription on
// first use, and registers c.
func (s *Server) join(docID string, c *Client) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[docID]
	if !ok {
		room = newRoom(docID, s.relay, s.awareness, s.log)
		if s.relay != nil {
			closeFn, err := s.relay.Subscribe(context.Background(), docID, room.handleRelayed)
			if err != nil {
				room.close()
				return nil, err
			}
			room.closeFn = closeFn
		}
		s.rooms[docID] = room
		openRooms.Inc()
		s.log.WithField("doc", docID).Info("Room opened")
	}
	room.join(c)
	return room, nil
}

// leave removes c from room and closes the room once it is empty.
func (s *Server) leave(docID string, room *Room, c *Client) []awareness.ActorID {
	s.mu.Lock()
	defer s.mu.Unlock()

	actors, remaining := room.leave(c)
	if remaining == 0 && s.rooms[docID] == room {
		delete(s.rooms, docID)
		room.close()
		openRooms.Dec()
		s.log.WithField("doc", docID).Info("Room closed")
	}
	return actors
}

func (s *Server) room(docID string) (*Room, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[docID]
	return room, ok
}

func (s *Server) handleAwareness(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	states := []presence{}
	if room, ok := s.room(docID); ok {
		states = room.presence()
	}
	writeJSON(w, map[string]interface{}{"docId": docID, "states": states})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	docID := mux.Vars(r)["docID"]
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, cerrors.InvalidRequest("limit", "must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.sessions.Recent(r.Context(), docID, limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if recs == nil {
		recs = []SessionRecord{}
	}
	writeJSON(w, map[string]interface{}{"docId": docID, "sessions": recs})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError replies with the JSON form of err. Errors without a code are
// reported as internal.
func writeError(w http.ResponseWriter, status int, err error) {
	var ce *cerrors.CollabError
	if !stderrors.As(err, &ce) {
		ce = cerrors.Wrap(err, cerrors.ErrCodeInternal, err.Error())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, ce.ToJSON())
}

// Shutdown closes every room, stopping their maintenance loops and relay
// subscriptions.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for docID, room := range s.rooms {
		room.close()
		delete(s.rooms, docID)
		openRooms.Dec()
	}
}
