package main

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	cerrors "collabtext/errors"
	"collabtext/protocol"
)

const (
	upstreamWriteWait = 10 * time.Second
	upstreamQueue     = 64
)

// Upstream keeps one WebSocket connection to the relay server open,
// reconnecting with exponential backoff.
type Upstream struct {
	url string
	log *logrus.Entry

	// onConnect runs after every (re)connect, once Send accepts frames.
	onConnect func()
	// onMessage receives every decoded frame from the server.
	onMessage func(*protocol.Message)

	out      chan []byte
	closing  chan struct{}
	finished chan struct{}
	once     sync.Once

	mu        sync.Mutex
	connected bool
}

func newUpstream(url string, onConnect func(), onMessage func(*protocol.Message), log *logrus.Entry) *Upstream {
	return &Upstream{
		url:       url,
		log:       log.WithField("upstream", url),
		onConnect: onConnect,
		onMessage: onMessage,
		out:       make(chan []byte, upstreamQueue),
		closing:   make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// Send queues a frame. Frames queued while disconnected are dropped: the
// full local state is resent on reconnect.
func (u *Upstream) Send(frame []byte) {
	u.mu.Lock()
	connected := u.connected
	u.mu.Unlock()
	if !connected {
		return
	}
	select {
	case u.out <- frame:
	default:
		u.log.Warn("Upstream queue full, dropping frame")
	}
}

// Connected reports whether a connection is currently open.
func (u *Upstream) Connected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *Upstream) setConnected(v bool) {
	u.mu.Lock()
	u.connected = v
	u.mu.Unlock()
}

// Run connects and serves until ctx is cancelled or Close is called.
func (u *Upstream) Run(ctx context.Context) {
	defer close(u.finished)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-u.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		conn, err := u.dial(ctx)
		if err != nil {
			return
		}
		u.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		u.log.Warn("Disconnected from server, reconnecting")
	}
}

func (u *Upstream) dial(ctx context.Context) (*websocket.Conn, error) {
	var conn *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	op := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return cerrors.TransportFailed("dial", err)
		}
		conn = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		u.log.WithError(err).WithField("retry_in", next).Debug("Server unreachable")
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	u.log.Info("Connected to server")
	return conn, nil
}

func (u *Upstream) serve(ctx context.Context, conn *websocket.Conn) {
	// drop anything queued for a previous connection
	for drained := false; !drained; {
		select {
		case <-u.out:
		default:
			drained = true
		}
	}
	u.setConnected(true)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.Unmarshal(data)
			if err != nil {
				u.log.WithError(err).Warn("Dropping malformed frame from server")
				continue
			}
			u.onMessage(msg)
		}
	}()

	write := func(data []byte) error {
		conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	defer func() {
		u.setConnected(false)
		conn.Close()
		<-readDone
	}()

	if u.onConnect != nil {
		u.onConnect()
	}

	for {
		select {
		case data := <-u.out:
			if err := write(data); err != nil {
				u.log.WithError(err).Debug("Upstream write failed")
				return
			}
		case <-readDone:
			return
		case <-ctx.Done():
			// flush what is already queued, typically the departure frame
			for {
				select {
				case data := <-u.out:
					if write(data) != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// Close flushes queued frames, closes the connection and waits for Run to
// return.
func (u *Upstream) Close() {
	u.once.Do(func() { close(u.closing) })
	<-u.finished
}
