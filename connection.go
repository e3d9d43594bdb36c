package cdpilot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// DefaultSendTimeout is the upper bound applied to every CDP call that does
// not carry an earlier deadline of its own.
const DefaultSendTimeout = 30 * time.Second

// Connection demultiplexes a single browser websocket into logical sessions.
// Requests and responses are correlated by a monotonically increasing id;
// events are routed to the root session or a named child session via the
// sessionId field.
type Connection struct {
	conn   Transport
	logger *Logger

	// next is the next message id. Ids are allocated from one counter for
	// all sessions, so they are unique per outbound frame.
	next int64

	sendTimeout time.Duration

	mu       sync.Mutex
	pending  map[int64]chan *cdproto.Message
	sessions map[target.SessionID]*Session
	closed   bool
	closeErr error

	// done is closed when the read loop exits.
	done chan struct{}

	root *Session
}

// ConnectionOption is a connection option.
type ConnectionOption func(*Connection)

// WithSendTimeout overrides the default per-call send timeout.
func WithSendTimeout(d time.Duration) ConnectionOption {
	return func(c *Connection) {
		c.sendTimeout = d
	}
}

// NewConnection starts the multiplexer on top of an established transport.
func NewConnection(conn Transport, logger *Logger, opts ...ConnectionOption) *Connection {
	if logger == nil {
		logger = NewNullLogger()
	}
	c := &Connection{
		conn:        conn,
		logger:      logger,
		sendTimeout: DefaultSendTimeout,
		pending:     make(map[int64]chan *cdproto.Message),
		sessions:    make(map[target.SessionID]*Session),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.root = newSession(c, "", "")
	c.sessions[""] = c.root
	go c.recvLoop()
	return c
}

// RootSession returns the browser-level session (empty session id).
func (c *Connection) RootSession() *Session {
	return c.root
}

// createSession registers a logical session for an attached target.
func (c *Connection) createSession(sid target.SessionID, tid target.ID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.sessions[sid]; ok {
		return s
	}
	s := newSession(c, sid, tid)
	if c.closed {
		s.markDetached()
		return s
	}
	c.sessions[sid] = s
	return s
}

// getSession returns the session for sid, or nil.
func (c *Connection) getSession(sid target.SessionID) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sid]
}

// dropSession removes a detached session from routing.
func (c *Connection) dropSession(sid target.SessionID) {
	c.mu.Lock()
	s, ok := c.sessions[sid]
	if ok && sid != "" {
		delete(c.sessions, sid)
	}
	c.mu.Unlock()
	if ok && sid != "" {
		s.markDetached()
	}
}

func (c *Connection) recvLoop() {
	var readErr error
	for {
		msg := new(cdproto.Message)
		if err := c.conn.Read(msg); err != nil {
			readErr = err
			break
		}

		switch {
		case msg.ID != 0:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				c.logger.Debugf("connection", "response id %d has no pending call", msg.ID)
				continue
			}
			if ch != nil {
				ch <- msg
			}

		case msg.Method != "":
			s := c.getSession(msg.SessionID)
			if s == nil {
				// A target can emit between attach and session
				// registration, or after detach. Either way a
				// later event re-establishes consistency.
				c.logger.Debugf("connection", "event %s for unknown session %q", msg.Method, msg.SessionID)
				continue
			}
			s.enqueue(msg)

		default:
			c.logger.Debugf("connection", "malformed message without id or method")
		}
	}
	c.closeWith(readErr)
}

// closeWith tears down the multiplexer. Pending calls reject immediately;
// nothing is buffered past close.
func (c *Connection) closeWith(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = cause
	pending := c.pending
	c.pending = nil
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = map[target.SessionID]*Session{}
	c.mu.Unlock()

	for _, ch := range pending {
		if ch != nil {
			close(ch)
		}
	}
	for _, s := range sessions {
		s.markDetached()
	}
	close(c.done)
	c.conn.Close()
}

// Close shuts the connection down. Safe to call more than once, and safe to
// call on a connection whose read loop already exited.
func (c *Connection) Close() error {
	c.closeWith(nil)
	return nil
}

// Done is closed once the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// send issues one request on behalf of a session and waits for its reply.
func (c *Connection) send(ctx context.Context, sid target.SessionID, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	var buf easyjson.RawMessage
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}

	id := atomic.AddInt64(&c.next, 1)
	ch := make(chan *cdproto.Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	msg := &cdproto.Message{
		ID:        id,
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	}
	if err := c.conn.Write(msg); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	timer := time.NewTimer(c.sendTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return context.DeadlineExceeded
	case reply, ok := <-ch:
		switch {
		case !ok:
			return ErrTransportClosed
		case reply.Error != nil:
			return reply.Error
		case res != nil:
			return easyjson.Unmarshal(reply.Result, res)
		}
	}
	return nil
}

// sendAsync issues a request without waiting for the reply. Used where the
// target may be gone before the server answers.
func (c *Connection) sendAsync(sid target.SessionID, method string, params easyjson.Marshaler) error {
	var buf easyjson.RawMessage
	if params != nil {
		var err error
		buf, err = easyjson.Marshal(params)
		if err != nil {
			return err
		}
	}

	id := atomic.AddInt64(&c.next, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrTransportClosed
	}
	// Register a discard slot so the eventual reply doesn't log as stray.
	c.pending[id] = nil
	c.mu.Unlock()

	return c.conn.Write(&cdproto.Message{
		ID:        id,
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    buf,
	})
}
