package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 * 1024 * 1024
	subBufferSize  = 64
	logPreviewLen  = 500
)

// Conn is one physical websocket to the upstream service. Frames are read
// by a single goroutine and delivered, in order, to the current subscriber.
type Conn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger

	writeMu sync.Mutex

	subMu sync.Mutex
	sub   *Subscription

	done      chan struct{}
	readDone  chan struct{}
	closeOnce sync.Once
	errMu     sync.RWMutex
	err       error
	onClose   func(*Conn)
}

func newConn(ws *websocket.Conn, log *slog.Logger, onClose func(*Conn)) *Conn {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.New().String()
	c := &Conn{
		id:       id,
		ws:       ws,
		log:      log.With("upstream_conn", id),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
		onClose:  onClose,
	}
	ws.SetReadLimit(maxMessageSize)
	go c.readLoop()
	return c
}

func (c *Conn) ID() string {
	return c.id
}

// Done is closed once the connection is no longer usable.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err reports why the connection closed, or nil while it is open.
func (c *Conn) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Send writes one client event. Writes are serialized on the connection.
func (c *Conn) Send(ctx context.Context, ev ClientEvent) error {
	if c.IsClosed() {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)

	if err := c.ws.WriteJSON(ev); err != nil {
		c.shutdown(err)
		return err
	}
	c.log.Debug("sent upstream event", "type", ev.Type, "event_id", ev.EventID)
	return nil
}

// Subscribe makes the caller the sole receiver of upstream frames until the
// subscription is closed. A previous subscription is released first.
func (c *Conn) Subscribe() (*Subscription, error) {
	if c.IsClosed() {
		return nil, ErrConnClosed
	}

	sub := &Subscription{
		conn:   c,
		events: make(chan *ServerEvent, subBufferSize),
		done:   make(chan struct{}),
	}

	c.subMu.Lock()
	prev := c.sub
	c.sub = sub
	c.subMu.Unlock()

	if prev != nil {
		prev.close()
	}
	return sub, nil
}

// Close tears the connection down and waits for the reader to exit.
func (c *Conn) Close() error {
	c.shutdown(ErrConnClosed)
	<-c.readDone
	return nil
}

func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()

		close(c.done)
		_ = c.ws.Close()

		if c.onClose != nil {
			c.onClose(c)
		}
		c.log.Info("upstream connection closed", "reason", cause)
	})
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.IsClosed() {
				c.log.Warn("upstream read error", "error", err)
			}
			if errors.Is(err, websocket.ErrCloseSent) || c.IsClosed() {
				c.shutdown(ErrConnClosed)
			} else {
				c.shutdown(err)
			}
			return
		}

		if c.log.Enabled(context.Background(), slog.LevelDebug) {
			preview := string(message)
			if len(preview) > logPreviewLen {
				preview = preview[:logPreviewLen] + "..."
			}
			c.log.Debug("received upstream frame", "len", len(message), "content", preview)
		}

		ev, err := ParseServerEvent(message)
		if err != nil {
			c.log.Warn("skipping upstream frame", "error", err)
			continue
		}

		c.deliver(ev)
	}
}

func (c *Conn) deliver(ev *ServerEvent) {
	c.subMu.Lock()
	sub := c.sub
	c.subMu.Unlock()

	if sub == nil {
		c.log.Debug("no subscriber, dropping upstream frame", "type", ev.Type)
		return
	}

	select {
	case sub.events <- ev:
	case <-sub.done:
	case <-c.done:
	}
}

func (c *Conn) release(sub *Subscription) {
	c.subMu.Lock()
	if c.sub == sub {
		c.sub = nil
	}
	c.subMu.Unlock()
}

// Subscription receives upstream frames for one owner.
type Subscription struct {
	conn   *Conn
	events chan *ServerEvent
	done   chan struct{}
	once   sync.Once
}

func (s *Subscription) Events() <-chan *ServerEvent {
	return s.events
}

// Close unsubscribes. Frames arriving afterwards are dropped.
func (s *Subscription) Close() {
	s.conn.release(s)
	s.close()
}

func (s *Subscription) close() {
	s.once.Do(func() {
		close(s.done)
	})
}
