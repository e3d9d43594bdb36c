package cdpilot

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// sessionQueueSize bounds the per-session event backlog. Events on a session
// are dispatched in server order by a single goroutine.
const sessionQueueSize = 4096

type eventListener struct {
	id int64
	fn func(ev interface{})
}

// Session is a logical channel within the connection. The root session has an
// empty id; child sessions exist one per attached target. A session never
// outlives its connection.
type Session struct {
	id  target.SessionID
	tid target.ID

	conn *Connection

	mu        sync.Mutex
	nextLid   int64
	listeners map[string][]eventListener
	detached  bool

	queue chan *cdproto.Message
	stop  chan struct{}
	once  sync.Once
}

func newSession(c *Connection, sid target.SessionID, tid target.ID) *Session {
	s := &Session{
		id:        sid,
		tid:       tid,
		conn:      c,
		listeners: make(map[string][]eventListener),
		queue:     make(chan *cdproto.Message, sessionQueueSize),
		stop:      make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

// ID returns the CDP session id (empty for the root session).
func (s *Session) ID() target.SessionID {
	return s.id
}

// TargetID returns the id of the target this session is attached to.
func (s *Session) TargetID() target.ID {
	return s.tid
}

func (s *Session) enqueue(msg *cdproto.Message) {
	select {
	case s.queue <- msg:
	case <-s.stop:
	default:
		// Dropping is preferable to blocking the connection reader; a
		// full queue means the consumer stalled for thousands of
		// events.
		s.conn.logger.Warnf("session", "sid:%s dropping event %s: queue full", s.id, msg.Method)
	}
}

func (s *Session) dispatchLoop() {
	for {
		select {
		case <-s.stop:
			return
		case msg := <-s.queue:
			s.dispatch(msg)
		}
	}
}

func (s *Session) dispatch(msg *cdproto.Message) {
	ev, err := cdproto.UnmarshalMessage(msg)
	if err != nil {
		if _, ok := err.(cdp.ErrUnknownCommandOrEvent); ok {
			// Event from a Chrome this cdproto build doesn't know.
			return
		}
		s.conn.logger.Debugf("session", "sid:%s could not unmarshal event %s: %v", s.id, msg.Method, err)
		return
	}

	s.mu.Lock()
	ls := append([]eventListener(nil), s.listeners[string(msg.Method)]...)
	s.mu.Unlock()

	for _, l := range ls {
		s.invoke(l, ev)
	}
}

// invoke runs one listener, isolating the rest from its panics.
func (s *Session) invoke(l eventListener, ev interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.conn.logger.Errorf("session", "sid:%s listener panic: %v", s.id, r)
		}
	}()
	l.fn(ev)
}

// on registers fn for the given event method. Listeners run in insertion
// order on the session's dispatch goroutine. The returned func unregisters.
func (s *Session) on(method string, fn func(ev interface{})) (off func()) {
	s.mu.Lock()
	s.nextLid++
	id := s.nextLid
	s.listeners[method] = append(s.listeners[method], eventListener{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		ls := s.listeners[method]
		for i := range ls {
			if ls[i].id == id {
				s.listeners[method] = append(ls[:i:i], ls[i+1:]...)
				break
			}
		}
	}
}

// onAll registers fn for several event methods at once.
func (s *Session) onAll(methods []string, fn func(ev interface{})) (off func()) {
	offs := make([]func(), 0, len(methods))
	for _, m := range methods {
		offs = append(offs, s.on(m, fn))
	}
	return func() {
		for _, o := range offs {
			o()
		}
	}
}

// markDetached stops event dispatch and fails subsequent Execute calls.
func (s *Session) markDetached() {
	s.mu.Lock()
	s.detached = true
	s.mu.Unlock()
	s.once.Do(func() { close(s.stop) })
}

// Detached reports whether the session's target has detached.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

// Execute runs a CDP command on this session and unmarshals the reply into
// res. It satisfies the cdproto executor contract, so typed command wrappers
// are invoked as action.Do(cdp.WithExecutor(ctx, session)).
func (s *Session) Execute(ctx context.Context, method string, params easyjson.Marshaler, res easyjson.Unmarshaler) error {
	if s.Detached() {
		return ErrSessionClosed
	}
	return s.conn.send(ctx, s.id, method, params, res)
}

// ExecuteWithoutExpectationOnReply fires a command and does not wait. The
// target may be gone before the server replies; callers that care use
// Execute.
func (s *Session) ExecuteWithoutExpectationOnReply(method string, params easyjson.Marshaler) error {
	if s.Detached() {
		return ErrSessionClosed
	}
	return s.conn.sendAsync(s.id, method, params)
}
