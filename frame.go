package cdpilot

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

// Frame is a thin per-frame adapter over its page. It holds no frame state
// of its own; everything is read from the registry at call time.
type Frame struct {
	page *Page
	id   cdp.FrameID
}

// ID returns the frame id.
func (f *Frame) ID() cdp.FrameID {
	return f.id
}

// Page returns the owning page.
func (f *Frame) Page() *Page {
	return f.page
}

// URL returns the frame's last-known URL.
func (f *Frame) URL() string {
	rec, ok := f.page.registry.Frame(f.id)
	if !ok {
		return ""
	}
	return rec.URL
}

// Detached reports whether the frame has left the registry.
func (f *Frame) Detached() bool {
	return !f.page.registry.Contains(f.id)
}

// Session returns the session owning this frame. The snapshot and lifecycle
// watcher reach their CDP calls through here.
func (f *Frame) Session() *Session {
	return f.page.SessionForFrame(f.id)
}

// OwnerSessionID returns the owning session id recorded in the registry.
func (f *Frame) OwnerSessionID() target.SessionID {
	sid, _ := f.page.registry.OwnerSessionID(f.id)
	return sid
}

// Evaluate runs fnOrExpr in the engine's isolated world on this frame.
func (f *Frame) Evaluate(ctx context.Context, fnOrExpr string, arg interface{}, res interface{}) error {
	if f.Detached() {
		return ErrFrameDetached
	}
	return f.page.evaluateOnFrame(ctx, f.id, fnOrExpr, arg, res)
}

// WaitForLoadState resolves when this frame's document reaches the given
// state, polling readyState through the frame's own session.
func (f *Frame) WaitForLoadState(ctx context.Context, state WaitUntil, timeout time.Duration) error {
	if f.id == f.page.registry.MainFrameID() {
		return f.page.WaitForLoadState(ctx, state, timeout)
	}
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}
	deadline := time.Now().Add(timeout)
	for {
		if f.Detached() {
			return ErrFrameDetached
		}
		var ready string
		if err := f.Evaluate(ctx, "document.readyState", nil, &ready); err == nil {
			if ready == "complete" {
				return nil
			}
			if ready == "interactive" && state == WaitUntilDOMContentLoaded {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return ErrLifecycleTimeout
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Locator builds a locator for selector scoped to this frame.
func (f *Frame) Locator(selector string) *Locator {
	return newLocator(f, selector)
}
