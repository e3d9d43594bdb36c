package cdpilot

import (
	"context"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
)

// WaitUntil names the load state a navigation waits for.
type WaitUntil string

// Load states.
const (
	// WaitUntilLoad waits for the window load event.
	WaitUntilLoad WaitUntil = "load"
	// WaitUntilDOMContentLoaded waits for DOMContentLoaded. The default.
	WaitUntilDOMContentLoaded WaitUntil = "domcontentloaded"
	// WaitUntilNetworkIdle waits for load plus network quiescence.
	WaitUntilNetworkIdle WaitUntil = "networkidle"
)

// DefaultNavigationTimeout bounds navigation waits that pass no timeout.
const DefaultNavigationTimeout = 15 * time.Second

// lifecycleWatcher observes one navigation on a page's main frame. It must be
// installed before the navigation is issued so no event can be missed, and
// disposed on every exit path.
type lifecycleWatcher struct {
	page      *Page
	waitUntil WaitUntil
	logger    *Logger

	mu             sync.Mutex
	expectedLoader cdp.LoaderID

	dclOnce  sync.Once
	dcl      chan struct{}
	loadOnce sync.Once
	loaded   chan struct{}
	errOnce  sync.Once
	errCh    chan error

	off func()
}

func newLifecycleWatcher(p *Page, sess *Session, waitUntil WaitUntil, logger *Logger) *lifecycleWatcher {
	w := &lifecycleWatcher{
		page:      p,
		waitUntil: waitUntil,
		logger:    logger,
		dcl:       make(chan struct{}),
		loaded:    make(chan struct{}),
		errCh:     make(chan error, 1),
	}
	w.off = sess.onAll([]string{
		cdproto.EventPageLifecycleEvent,
		cdproto.EventPageDomContentEventFired,
		cdproto.EventPageLoadEventFired,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageFrameDetached,
	}, w.onEvent)
	return w
}

// expectLoader arms supersession detection once Page.navigate reports the
// loader id for this navigation attempt.
func (w *lifecycleWatcher) expectLoader(id cdp.LoaderID) {
	w.mu.Lock()
	w.expectedLoader = id
	w.mu.Unlock()
}

func (w *lifecycleWatcher) onEvent(ev interface{}) {
	// The main frame id is read at event time, so a root swap mid-wait is
	// followed rather than tracking the pre-swap frame.
	main := w.page.registry.MainFrameID()

	switch e := ev.(type) {
	case *page.EventLifecycleEvent:
		if e.FrameID != main {
			return
		}
		switch e.Name {
		case "DOMContentLoaded":
			w.signalDCL()
		case "load":
			w.signalLoad()
		}

	case *page.EventDomContentEventFired:
		w.signalDCL()

	case *page.EventLoadEventFired:
		w.signalLoad()

	case *page.EventFrameNavigated:
		if e.Frame == nil || e.Frame.ParentID != "" {
			return
		}
		w.mu.Lock()
		expected := w.expectedLoader
		w.mu.Unlock()
		if expected != "" && e.Frame.LoaderID != expected {
			w.fail(ErrNavigationSuperseded)
		}

	case *page.EventFrameDetached:
		if e.FrameID != main {
			return
		}
		if e.Reason != page.FrameDetachedReasonSwap {
			w.fail(ErrMainFrameDetached)
		}
	}
}

func (w *lifecycleWatcher) signalDCL() {
	w.dclOnce.Do(func() { close(w.dcl) })
}

func (w *lifecycleWatcher) signalLoad() {
	// load implies DOMContentLoaded; some fast navigations coalesce.
	w.signalDCL()
	w.loadOnce.Do(func() { close(w.loaded) })
}

func (w *lifecycleWatcher) fail(err error) {
	w.errOnce.Do(func() { w.errCh <- err })
}

// dispose removes the watcher's listeners. Safe to call repeatedly.
func (w *lifecycleWatcher) dispose() {
	if w.off != nil {
		w.off()
		w.off = nil
	}
}

// wait blocks until the configured load state is reached, a terminal
// navigation error occurs, timeout elapses, or ctx is canceled.
func (w *lifecycleWatcher) wait(ctx context.Context, timeout time.Duration) error {
	defer w.dispose()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	start := time.Now()

	await := func(ch <-chan struct{}) error {
		select {
		case <-ch:
			return nil
		case err := <-w.errCh:
			return err
		case <-deadline.C:
			return ErrLifecycleTimeout
		case <-ctx.Done():
			return ErrNavigationCanceled
		}
	}

	if err := await(w.dcl); err != nil {
		return err
	}
	if w.waitUntil == WaitUntilLoad || w.waitUntil == WaitUntilNetworkIdle {
		if err := await(w.loaded); err != nil {
			return err
		}
	}
	if w.waitUntil == WaitUntilNetworkIdle {
		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return ErrLifecycleTimeout
		}
		idleCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		idleErr := make(chan error, 1)
		go func() { idleErr <- w.page.network.WaitForIdle(idleCtx, remaining) }()
		select {
		case err := <-idleErr:
			if err == context.Canceled {
				return ErrNavigationCanceled
			}
			return err
		case err := <-w.errCh:
			return err
		case <-ctx.Done():
			return ErrNavigationCanceled
		}
	}
	return nil
}
