package cdpilot

import (
	"context"
	"math"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/page"
)

// ScreenshotOptions configure Page.Screenshot.
type ScreenshotOptions struct {
	// FullPage captures the whole scrollable content instead of the
	// viewport.
	FullPage bool
	// Format is "png" (default) or "jpeg".
	Format string
	// Quality applies to jpeg only.
	Quality int64
}

// Screenshot captures the page. Failures are surfaced, but callers that
// treat screenshots as best-effort may downgrade them.
func (p *Page) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	format := page.CaptureScreenshotFormatPng
	if opts.Format == "jpeg" {
		format = page.CaptureScreenshotFormatJpeg
	}
	cap := page.CaptureScreenshot().WithFormat(format)
	if format == page.CaptureScreenshotFormatJpeg && opts.Quality > 0 {
		cap = cap.WithQuality(opts.Quality)
	}

	if opts.FullPage {
		_, _, _, _, _, contentSize, err := page.GetLayoutMetrics().Do(cdp.WithExecutor(ctx, p.session))
		if err != nil {
			return nil, err
		}
		if contentSize != nil {
			cap = cap.WithClip(&page.Viewport{
				X:      0,
				Y:      0,
				Width:  math.Ceil(contentSize.Width),
				Height: math.Ceil(contentSize.Height),
				Scale:  1,
			}).WithCaptureBeyondViewport(true)
		}
	}
	return cap.Do(cdp.WithExecutor(ctx, p.session))
}

// Screenshot captures the region covered by the resolved element: scrolled
// into view, clipped to its border box, lifted into top-level viewport
// coordinates across out-of-process boundaries.
func (l *Locator) Screenshot(ctx context.Context) ([]byte, error) {
	h, err := l.resolve(ctx)
	if err != nil {
		return nil, &ActionError{Action: "screenshot", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)

	if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(h.backendID).Do(cdp.WithExecutor(ctx, h.sess)); err != nil {
		h.page.logger.Debugf("screenshot", "scroll into view: %v", err)
	}
	box, err := dom.GetBoxModel().WithBackendNodeID(h.backendID).Do(cdp.WithExecutor(ctx, h.sess))
	if err != nil || box == nil || len(box.Border) < 8 {
		return nil, &ActionError{Action: "screenshot", Selector: l.selector, Err: ErrInvalidBoxModel}
	}
	x, y := box.Border[0], box.Border[1]
	w := box.Border[2] - box.Border[0]
	ht := box.Border[5] - box.Border[1]
	if ax, ay, err := h.page.absolutePoint(ctx, h.frameID, x, y); err == nil {
		x, y = ax, ay
	}

	return page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithClip(&page.Viewport{X: x, Y: y, Width: w, Height: ht, Scale: 1}).
		Do(cdp.WithExecutor(ctx, h.page.mainSession()))
}

// Screenshot captures the region of the viewport covered by this frame. For
// the main frame this is the full viewport.
func (f *Frame) Screenshot(ctx context.Context) ([]byte, error) {
	p := f.page
	if f.id == p.registry.MainFrameID() {
		return p.Screenshot(ctx, ScreenshotOptions{})
	}

	rec, ok := p.registry.Frame(f.id)
	if !ok || rec.ParentID == "" {
		return nil, ErrFrameDetached
	}
	parentSess := p.SessionForFrame(rec.ParentID)
	ownerID, _, err := dom.GetFrameOwner(f.id).Do(cdp.WithExecutor(ctx, parentSess))
	if err != nil {
		return nil, err
	}
	box, err := dom.GetBoxModel().WithBackendNodeID(ownerID).Do(cdp.WithExecutor(ctx, parentSess))
	if err != nil || box == nil || len(box.Content) < 8 {
		return nil, ErrInvalidBoxModel
	}

	x, y := box.Content[0], box.Content[1]
	// Lift into top-level coordinates across OOPIF boundaries.
	if ax, ay, err := p.absolutePoint(ctx, rec.ParentID, x, y); err == nil {
		x, y = ax, ay
	}
	w := box.Content[2] - box.Content[0]
	h := box.Content[5] - box.Content[1]

	return page.CaptureScreenshot().
		WithFormat(page.CaptureScreenshotFormatPng).
		WithClip(&page.Viewport{X: x, Y: y, Width: w, Height: h, Scale: 1}).
		Do(cdp.WithExecutor(ctx, p.session))
}
