package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collabtext/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Client is one WebSocket connection to a room.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	log    *logrus.Entry
	closed sync.Once
	mu     sync.Mutex
	done   bool
}

func newClient(id string, conn *websocket.Conn, log *logrus.Entry) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  log.WithField("client", id),
	}
}

// enqueue queues data without blocking. A client that cannot keep up is
// disconnected.
func (c *Client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warn("Send buffer full, dropping client")
		c.conn.Close()
	}
}

func (c *Client) closeSend() {
	c.closed.Do(func() {
		c.mu.Lock()
		c.done = true
		close(c.send)
		c.mu.Unlock()
	})
}

// readPump decodes frames and hands them to the room until the connection
// fails.
func (c *Client) readPump(room *Room) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Debug("Client read failed")
			}
			return
		}
		msg, err := protocol.Unmarshal(data)
		if err != nil {
			decodeFailures.Inc()
			c.log.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		room.handle(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.WithError(err).Debug("Client write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
