package cdpilot

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
)

// fakeTransport is an in-memory Transport: the test plays the browser side
// by consuming writes and queueing reads.
type fakeTransport struct {
	in  chan *cdproto.Message
	out chan *cdproto.Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan *cdproto.Message, 64),
		out:  make(chan *cdproto.Message, 64),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Read(msg *cdproto.Message) error {
	select {
	case m, ok := <-t.in:
		if !ok {
			return ErrTransportClosed
		}
		*msg = *m
		return nil
	case <-t.done:
		return ErrTransportClosed
	}
}

func (t *fakeTransport) Write(msg *cdproto.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.mu.Unlock()
	cp := *msg
	select {
	case t.out <- &cp:
	case <-t.done:
		return ErrTransportClosed
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// push delivers a server-originated message to the client.
func (t *fakeTransport) push(msg *cdproto.Message) {
	t.in <- msg
}

// pushEvent delivers an event with params marshaled from v.
func (t *fakeTransport) pushEvent(sid target.SessionID, method string, v interface{}) {
	var params easyjson.RawMessage
	if v != nil {
		buf, _ := json.Marshal(v)
		params = buf
	}
	t.push(&cdproto.Message{
		SessionID: sid,
		Method:    cdproto.MethodType(method),
		Params:    params,
	})
}

// respondOK answers every outbound command with an empty result until the
// transport closes. Run it in a goroutine for tests that only care about
// events.
func (t *fakeTransport) respondOK() {
	for {
		select {
		case msg := <-t.out:
			if msg.ID != 0 {
				t.push(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)})
			}
		case <-t.done:
			return
		}
	}
}

// respondSeq answers outbound commands from scripted per-method queues: each
// reply is consumed in order, the last repeating; unscripted methods get an
// empty result. A reply beginning with "!" produces a server error carrying
// the rest of the string.
func (t *fakeTransport) respondSeq(script map[string][]string) {
	idx := make(map[string]int)
	for {
		select {
		case msg := <-t.out:
			if msg.ID == 0 {
				continue
			}
			method := string(msg.Method)
			result := `{}`
			if queue := script[method]; len(queue) > 0 {
				i := idx[method]
				if i >= len(queue) {
					i = len(queue) - 1
				}
				result = queue[i]
				idx[method] = i + 1
			}
			if strings.HasPrefix(result, "!") {
				t.push(&cdproto.Message{ID: msg.ID, Error: &cdproto.Error{
					Code:    -32000,
					Message: strings.TrimPrefix(result, "!"),
				}})
				continue
			}
			t.push(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(result)})
		case <-t.done:
			return
		}
	}
}

// mainFrame builds a parentless frame for registry seeding in tests.
func mainFrame(id cdp.FrameID) *cdp.Frame {
	return &cdp.Frame{ID: id, URL: "https://example.com/", LoaderID: "L1"}
}

// buildTestPage assembles a page over conn with its main frame seeded, the
// way newPage leaves one, without the attach-time CDP traffic.
func buildTestPage(t *testing.T, conn *Connection) *Page {
	t.Helper()
	sess := conn.createSession("s0", "t0")
	p := &Page{
		conn:          conn,
		logger:        NewNullLogger(),
		session:       sess,
		registry:      NewFrameRegistry(nil),
		network:       NewNetworkManager(NewNullLogger()),
		childSessions: make(map[target.SessionID]*Session),
		sessionOffs:   make(map[target.SessionID]func()),
		contextOffs:   make(map[target.SessionID]func()),
		netDetach:     make(map[target.SessionID]func()),
		ordinals:      make(map[cdp.FrameID]int),
		worlds:        make(map[worldKey]cdpruntime.ExecutionContextID),
		mainWorlds:    make(map[worldKey]cdpruntime.ExecutionContextID),
		destroyed:     make(chan struct{}),
	}
	t.Cleanup(p.network.Stop)
	p.keyboard = &keyboard{page: p}
	p.mouse = &mouse{page: p}
	p.registry.OnFrameNavigated(mainFrame("main"), "s0")
	return p
}

// newScriptedPage builds a page whose session answers from respondSeq
// queues.
func newScriptedPage(t *testing.T, script map[string][]string) *Page {
	t.Helper()
	conn, ft := newTestConnection(t)
	go ft.respondSeq(script)
	return buildTestPage(t, conn)
}

func newTestConnection(t *testing.T) (*Connection, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	conn := NewConnection(ft, NewNullLogger())
	t.Cleanup(func() { conn.Close() })
	return conn, ft
}
