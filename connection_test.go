package cdpilot

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionSendCorrelatesByID(t *testing.T) {
	conn, ft := newTestConnection(t)

	done := make(chan error, 1)
	go func() {
		done <- conn.send(context.Background(), "", "Custom.call", nil, nil)
	}()

	msg := <-ft.out
	require.Greater(t, msg.ID, int64(0))
	require.Equal(t, cdproto.MethodType("Custom.call"), msg.Method)

	// An unrelated response id must not satisfy the call.
	ft.push(&cdproto.Message{ID: msg.ID + 1000, Result: easyjson.RawMessage(`{}`)})
	ft.push(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{"value":"ok"}`)})

	require.NoError(t, <-done)
}

func TestConnectionSendServerError(t *testing.T) {
	conn, ft := newTestConnection(t)

	done := make(chan error, 1)
	go func() {
		done <- conn.send(context.Background(), "", "Custom.fail", nil, nil)
	}()

	msg := <-ft.out
	ft.push(&cdproto.Message{ID: msg.ID, Error: &cdproto.Error{Code: -32000, Message: "boom"}})

	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestConnectionCloseRejectsInflight(t *testing.T) {
	conn, ft := newTestConnection(t)

	done := make(chan error, 1)
	go func() {
		done <- conn.send(context.Background(), "", "Custom.hang", nil, nil)
	}()
	<-ft.out

	conn.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("inflight call hung after close")
	}

	// Sends after close reject immediately.
	err := conn.send(context.Background(), "", "Custom.late", nil, nil)
	require.ErrorIs(t, err, ErrTransportClosed)
}

func TestConnectionCloseIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
}

func TestEventRoutingBySession(t *testing.T) {
	conn, ft := newTestConnection(t)

	child := conn.createSession("sess-1", "tid-1")

	rootCh := make(chan struct{}, 1)
	childCh := make(chan struct{}, 1)
	conn.RootSession().on(cdproto.EventTargetTargetCrashed, func(ev interface{}) { rootCh <- struct{}{} })
	child.on(cdproto.EventTargetTargetCrashed, func(ev interface{}) { childCh <- struct{}{} })

	ft.pushEvent("sess-1", string(cdproto.EventTargetTargetCrashed), map[string]interface{}{
		"targetId": "tid-1", "status": "crashed", "errorCode": 1,
	})

	select {
	case <-childCh:
	case <-time.After(time.Second):
		t.Fatal("child session did not receive its event")
	}
	select {
	case <-rootCh:
		t.Fatal("root session received a child-session event")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestListenerOrderAndPanicIsolation(t *testing.T) {
	conn, ft := newTestConnection(t)
	sess := conn.createSession("s", "t")

	var order []int
	done := make(chan struct{})
	sess.on(cdproto.EventTargetTargetCrashed, func(ev interface{}) { order = append(order, 1) })
	sess.on(cdproto.EventTargetTargetCrashed, func(ev interface{}) {
		order = append(order, 2)
		panic("listener boom")
	})
	sess.on(cdproto.EventTargetTargetCrashed, func(ev interface{}) {
		order = append(order, 3)
		close(done)
	})

	ft.pushEvent("s", string(cdproto.EventTargetTargetCrashed), map[string]interface{}{
		"targetId": "t", "status": "crashed", "errorCode": 1,
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listeners did not all run")
	}
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestListenerOff(t *testing.T) {
	conn, ft := newTestConnection(t)
	sess := conn.createSession("s", "t")

	hits := make(chan struct{}, 2)
	off := sess.on(cdproto.EventTargetTargetCrashed, func(ev interface{}) { hits <- struct{}{} })
	marker := make(chan struct{}, 1)
	sess.on(cdproto.EventTargetTargetDestroyed, func(ev interface{}) { marker <- struct{}{} })

	off()
	ft.pushEvent("s", string(cdproto.EventTargetTargetCrashed), map[string]interface{}{
		"targetId": "t", "status": "crashed", "errorCode": 1,
	})
	ft.pushEvent("s", string(cdproto.EventTargetTargetDestroyed), map[string]interface{}{
		"targetId": "t",
	})

	select {
	case <-marker:
	case <-time.After(time.Second):
		t.Fatal("marker event not delivered")
	}
	select {
	case <-hits:
		t.Fatal("removed listener still invoked")
	default:
	}
}

func TestSessionExecuteAfterDetach(t *testing.T) {
	conn, _ := newTestConnection(t)
	sess := conn.createSession("gone", "t")
	conn.dropSession("gone")

	err := sess.Execute(context.Background(), "Page.enable", nil, nil)
	require.ErrorIs(t, err, ErrSessionClosed)
}

func TestUnknownSessionEventIgnored(t *testing.T) {
	conn, ft := newTestConnection(t)

	// Must not panic or kill the read loop.
	ft.pushEvent(target.SessionID("never-registered"), string(cdproto.EventTargetTargetCrashed), map[string]interface{}{
		"targetId": "t", "status": "crashed", "errorCode": 1,
	})

	// Connection still works afterwards.
	done := make(chan error, 1)
	go func() { done <- conn.send(context.Background(), "", "Custom.ping", nil, nil) }()
	msg := <-ft.out
	ft.push(&cdproto.Message{ID: msg.ID, Result: easyjson.RawMessage(`{}`)})
	require.NoError(t, <-done)
}
