package cdpilot

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newWatcherFixture builds a page bound to a live fake connection plus a
// watcher for it. Events are fed through the watcher directly; the session
// only carries listener plumbing.
func newWatcherFixture(t *testing.T, waitUntil WaitUntil) (*Page, *lifecycleWatcher) {
	t.Helper()
	conn, ft := newTestConnection(t)
	go ft.respondOK()
	sess := conn.createSession("s0", "t0")

	p := &Page{
		conn:     conn,
		logger:   NewNullLogger(),
		session:  sess,
		registry: NewFrameRegistry(nil),
		network:  NewNetworkManager(NewNullLogger()),
	}
	t.Cleanup(p.network.Stop)
	p.registry.SeedFromFrameTree("s0", &page.FrameTree{
		Frame: &cdp.Frame{ID: "main", URL: "https://example.com/", LoaderID: "L1"},
	})
	w := newLifecycleWatcher(p, sess, waitUntil, NewNullLogger())
	return p, w
}

func lifecycleEvent(frame cdp.FrameID, name string) *page.EventLifecycleEvent {
	return &page.EventLifecycleEvent{FrameID: frame, Name: name}
}

func TestWatcherDOMContentLoaded(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilDOMContentLoaded)

	go func() {
		time.Sleep(10 * time.Millisecond)
		w.onEvent(lifecycleEvent("main", "DOMContentLoaded"))
	}()
	require.NoError(t, w.wait(context.Background(), time.Second))
}

func TestWatcherLoadImpliesDCL(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilLoad)

	go func() {
		time.Sleep(10 * time.Millisecond)
		// Coalesced fast navigation: only load arrives.
		w.onEvent(lifecycleEvent("main", "load"))
	}()
	require.NoError(t, w.wait(context.Background(), time.Second))
}

func TestWatcherIgnoresOtherFrames(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilDOMContentLoaded)

	w.onEvent(lifecycleEvent("some-iframe", "DOMContentLoaded"))
	err := w.wait(context.Background(), 100*time.Millisecond)
	require.ErrorIs(t, err, ErrLifecycleTimeout)
}

func TestWatcherNavigationSuperseded(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilLoad)
	w.expectLoader("L-expected")

	go func() {
		w.onEvent(&page.EventFrameNavigated{
			Frame: &cdp.Frame{ID: "main", LoaderID: "L-other"},
		})
	}()
	err := w.wait(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrNavigationSuperseded)
}

func TestWatcherAcceptsExpectedLoader(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilDOMContentLoaded)
	w.expectLoader("L1")

	go func() {
		w.onEvent(&page.EventFrameNavigated{
			Frame: &cdp.Frame{ID: "main", LoaderID: "L1"},
		})
		w.onEvent(lifecycleEvent("main", "DOMContentLoaded"))
	}()
	require.NoError(t, w.wait(context.Background(), time.Second))
}

func TestWatcherMainFrameDetached(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilLoad)

	go func() {
		w.onEvent(&page.EventFrameDetached{FrameID: "main", Reason: page.FrameDetachedReasonRemove})
	}()
	err := w.wait(context.Background(), time.Second)
	require.ErrorIs(t, err, ErrMainFrameDetached)
}

func TestWatcherSwapDetachIsNotFatal(t *testing.T) {
	p, w := newWatcherFixture(t, WaitUntilDOMContentLoaded)

	go func() {
		w.onEvent(&page.EventFrameDetached{FrameID: "main", Reason: page.FrameDetachedReasonSwap})
		// The root swap lands, then the new main frame loads. The
		// watcher reads the main frame id at event time.
		p.registry.OnFrameNavigated(&cdp.Frame{ID: "main-2", URL: "https://cross.site/", LoaderID: "X"}, "s1")
		w.onEvent(lifecycleEvent("main-2", "DOMContentLoaded"))
	}()
	require.NoError(t, w.wait(context.Background(), time.Second))
}

func TestWatcherTimeout(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilLoad)
	err := w.wait(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrLifecycleTimeout)
}

func TestWatcherCanceled(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilLoad)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := w.wait(ctx, time.Second)
	require.ErrorIs(t, err, ErrNavigationCanceled)
}

func TestWatcherNetworkIdle(t *testing.T) {
	p, w := newWatcherFixture(t, WaitUntilNetworkIdle)

	go func() {
		w.onEvent(lifecycleEvent("main", "DOMContentLoaded"))
		w.onEvent(lifecycleEvent("main", "load"))
	}()
	start := time.Now()
	require.NoError(t, w.wait(context.Background(), 5*time.Second))
	assert.GreaterOrEqual(t, time.Since(start), networkQuietWindow)
	assert.Zero(t, p.network.InflightCount())
}

func TestWatcherDisposeIsIdempotent(t *testing.T) {
	_, w := newWatcherFixture(t, WaitUntilLoad)
	w.dispose()
	w.dispose()
}
