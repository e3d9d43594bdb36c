package cdpilot

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

// EncodedID is the primary key across snapshot outputs:
// "{frame-ordinal}-{backendNodeId}".
type EncodedID string

func encodeID(ordinal int, backendID cdp.BackendNodeID) EncodedID {
	return EncodedID(fmt.Sprintf("%d-%d", ordinal, backendID))
}

// NavigateOptions configure navigation waits.
type NavigateOptions struct {
	// WaitUntil defaults to WaitUntilDOMContentLoaded.
	WaitUntil WaitUntil
	// Timeout defaults to DefaultNavigationTimeout.
	Timeout time.Duration
}

func (o NavigateOptions) withDefaults() NavigateOptions {
	if o.WaitUntil == "" {
		o.WaitUntil = WaitUntilDOMContentLoaded
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultNavigationTimeout
	}
	return o
}

// ClickOptions configure Page.Click.
type ClickOptions struct {
	Button     MouseButton
	ClickCount int64
	// ReturnXPath asks for the absolute cross-frame XPath of the deepest
	// node at the click point.
	ReturnXPath bool
}

// ScrollOptions configure Page.Scroll.
type ScrollOptions struct {
	ReturnXPath bool
}

// DragOptions configure Page.DragAndDrop.
type DragOptions struct {
	// Steps is the number of interpolated intermediate moves. Default 1.
	Steps int
	// Delay pauses between steps.
	Delay  time.Duration
	Button MouseButton
	// ReturnXPath asks for the XPath of the deepest node at the drop
	// point.
	ReturnXPath bool
}

// Page orchestrates everything scoped to one top-level page target: frame
// topology, navigation, input, evaluation, snapshots, and its adopted OOPIF
// child sessions.
type Page struct {
	browser *Browser
	conn    *Connection
	logger  *Logger

	targetID target.ID
	session  *Session

	registry *FrameRegistry
	network  *NetworkManager

	keyboard *keyboard
	mouse    *mouse
	rng      *rand.Rand

	createdAt time.Time

	mu            sync.Mutex
	childSessions map[target.SessionID]*Session
	sessionOffs   map[target.SessionID]func()
	contextOffs   map[target.SessionID]func()
	netDetach     map[target.SessionID]func()
	ordinals      map[cdp.FrameID]int
	nextOrdinal   int
	currentURL    string
	worlds        map[worldKey]cdpruntime.ExecutionContextID
	mainWorlds    map[worldKey]cdpruntime.ExecutionContextID
	closed        bool

	cursorEnabled bool

	destroyOnce sync.Once
	destroyed   chan struct{}
}

type worldKey struct {
	session target.SessionID
	frame   cdp.FrameID
}

// isolatedWorldName is the isolated world engine JS evaluates in.
const isolatedWorldName = "v3-world"

// newPage wires a Page onto its main session: registry, network tracking,
// frame-event bridges, and an initial frame-tree seed.
func newPage(ctx context.Context, b *Browser, conn *Connection, sess *Session, tid target.ID, logger *Logger) (*Page, error) {
	if logger == nil {
		logger = NewNullLogger()
	}
	p := &Page{
		browser:       b,
		conn:          conn,
		logger:        logger,
		targetID:      tid,
		session:       sess,
		registry:      NewFrameRegistry(logger),
		network:       NewNetworkManager(logger),
		createdAt:     time.Now(),
		childSessions: make(map[target.SessionID]*Session),
		sessionOffs:   make(map[target.SessionID]func()),
		contextOffs:   make(map[target.SessionID]func()),
		netDetach:     make(map[target.SessionID]func()),
		ordinals:      make(map[cdp.FrameID]int),
		worlds:        make(map[worldKey]cdpruntime.ExecutionContextID),
		mainWorlds:    make(map[worldKey]cdpruntime.ExecutionContextID),
		destroyed:     make(chan struct{}),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.keyboard = &keyboard{page: p, macOS: runtime.GOOS == "darwin"}
	p.mouse = &mouse{page: p}
	if b != nil {
		p.cursorEnabled = b.opts.EnableCursor
		p.keyboard.macOS = b.opts.macOS()
	}

	p.installFrameBridges(sess)
	if err := p.installContextTracking(ctx, sess); err != nil {
		return nil, fmt.Errorf("enable runtime tracking: %w", err)
	}

	off, err := p.network.Attach(ctx, sess)
	if err != nil {
		return nil, fmt.Errorf("enable network tracking: %w", err)
	}
	p.netDetach[sess.ID()] = off

	tree, err := page.GetFrameTree().Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return nil, fmt.Errorf("get frame tree: %w", err)
	}
	p.registry.SeedFromFrameTree(sess.ID(), tree)
	if tree != nil && tree.Frame != nil {
		p.setURL(tree.Frame.URL)
	}
	p.seedOrdinals()
	return p, nil
}

// installFrameBridges forwards a session's frame events into the registry,
// stamping the emitting session as owner.
func (p *Page) installFrameBridges(sess *Session) {
	sid := sess.ID()
	off := sess.onAll([]string{
		cdproto.EventPageFrameAttached,
		cdproto.EventPageFrameDetached,
		cdproto.EventPageFrameNavigated,
		cdproto.EventPageNavigatedWithinDocument,
		cdproto.EventRuntimeExecutionContextsCleared,
	}, func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameAttached:
			p.registry.OnFrameAttached(e.FrameID, e.ParentFrameID, sid)
			p.ordinalFor(e.FrameID)
			if p.browser != nil {
				if child := p.browser.claimStaged(e.FrameID); child != nil {
					// Adoption issues its own CDP calls; keep the
					// dispatch goroutine free.
					go p.AdoptOOPIFSession(context.Background(), child, e.FrameID)
				}
			}
		case *page.EventFrameDetached:
			p.registry.OnFrameDetached(e.FrameID, e.Reason)
			p.invalidateWorldsFor(e.FrameID)
		case *page.EventFrameNavigated:
			p.registry.OnFrameNavigated(e.Frame, sid)
			if e.Frame != nil {
				p.ordinalFor(e.Frame.ID)
				p.invalidateWorldsFor(e.Frame.ID)
				if e.Frame.ParentID == "" {
					p.setURL(e.Frame.URL + e.Frame.URLFragment)
				}
			}
		case *page.EventNavigatedWithinDocument:
			p.registry.OnNavigatedWithinDocument(e.FrameID, e.URL, sid)
			if e.FrameID == p.registry.MainFrameID() {
				p.setURL(e.URL)
			}
		case *cdpruntime.EventExecutionContextsCleared:
			p.invalidateWorldsForSession(sid)
		}
	})
	p.mu.Lock()
	p.sessionOffs[sid] = off
	p.mu.Unlock()
}

// AdoptOOPIFSession binds an out-of-process iframe's child session into this
// page once the child's root frame id is present in the parent frame tree.
func (p *Page) AdoptOOPIFSession(ctx context.Context, sess *Session, rootFrameID cdp.FrameID) {
	p.logger.Debugf("page", "tid:%s adopting oopif session sid:%s fid:%s", p.targetID, sess.ID(), rootFrameID)

	p.registry.AdoptChildSession(sess.ID(), rootFrameID)
	p.ordinalFor(rootFrameID)
	p.installFrameBridges(sess)
	if err := p.installContextTracking(ctx, sess); err != nil {
		p.logger.Debugf("page", "tid:%s oopif runtime tracking failed: %v", p.targetID, err)
	}

	p.mu.Lock()
	p.childSessions[sess.ID()] = sess
	p.mu.Unlock()

	if off, err := p.network.Attach(ctx, sess); err == nil {
		p.mu.Lock()
		p.netDetach[sess.ID()] = off
		p.mu.Unlock()
	} else {
		// Short-lived OOPIFs regularly die before their domains enable.
		p.logger.Debugf("page", "tid:%s oopif network attach failed: %v", p.targetID, err)
	}

	// Seed the child's own subtree. Failures are adoption races.
	if tree, err := page.GetFrameTree().Do(cdp.WithExecutor(ctx, sess)); err == nil {
		p.registry.SeedFromFrameTree(sess.ID(), tree)
		p.seedOrdinals()
	} else {
		p.logger.Debugf("page", "tid:%s oopif frame tree failed: %v", p.targetID, err)
	}
}

// DetachChildSession prunes the frames owned by a detached OOPIF session.
func (p *Page) DetachChildSession(sid target.SessionID) {
	p.logger.Debugf("page", "tid:%s detaching child session sid:%s", p.targetID, sid)

	p.registry.PruneSession(sid)
	p.network.DetachSession(sid)
	p.mu.Lock()
	delete(p.childSessions, sid)
	if off, ok := p.sessionOffs[sid]; ok {
		delete(p.sessionOffs, sid)
		defer off()
	}
	if off, ok := p.netDetach[sid]; ok {
		delete(p.netDetach, sid)
		defer off()
	}
	if off, ok := p.contextOffs[sid]; ok {
		delete(p.contextOffs, sid)
		defer off()
	}
	for k := range p.worlds {
		if k.session == sid {
			delete(p.worlds, k)
		}
	}
	for k := range p.mainWorlds {
		if k.session == sid {
			delete(p.mainWorlds, k)
		}
	}
	p.mu.Unlock()
}

// mainSession returns the page's main session.
func (p *Page) mainSession() *Session {
	return p.session
}

// SessionForFrame returns the session owning frameID, falling back to the
// main session when ownership is unknown.
func (p *Page) SessionForFrame(frameID cdp.FrameID) *Session {
	sid, ok := p.registry.OwnerSessionID(frameID)
	if !ok || sid == p.session.ID() {
		return p.session
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.childSessions[sid]; ok {
		return s
	}
	return p.session
}

// Sessions returns the main session followed by all adopted child sessions.
func (p *Page) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := []*Session{p.session}
	for _, s := range p.childSessions {
		out = append(out, s)
	}
	return out
}

// Registry exposes the page's frame registry.
func (p *Page) Registry() *FrameRegistry {
	return p.registry
}

// TargetID returns the page's target id.
func (p *Page) TargetID() target.ID {
	return p.targetID
}

// URL returns the last known main-frame URL.
func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentURL
}

func (p *Page) setURL(u string) {
	p.mu.Lock()
	p.currentURL = u
	p.mu.Unlock()
}

// ordinalFor assigns a compact per-page frame ordinal, first-seen, persisting
// for the page's lifetime.
func (p *Page) ordinalFor(frameID cdp.FrameID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ord, ok := p.ordinals[frameID]; ok {
		return ord
	}
	ord := p.nextOrdinal
	p.nextOrdinal++
	p.ordinals[frameID] = ord
	return ord
}

func (p *Page) seedOrdinals() {
	for _, rec := range p.registry.AllFrames() {
		p.ordinalFor(rec.ID)
	}
}

// EncodedIDFor builds the snapshot key for a backend node in a frame.
func (p *Page) EncodedIDFor(frameID cdp.FrameID, backendID cdp.BackendNodeID) EncodedID {
	return encodeID(p.ordinalFor(frameID), backendID)
}

func (p *Page) invalidateWorldsFor(frameID cdp.FrameID) {
	p.mu.Lock()
	for k := range p.worlds {
		if k.frame == frameID {
			delete(p.worlds, k)
		}
	}
	for k := range p.mainWorlds {
		if k.frame == frameID {
			delete(p.mainWorlds, k)
		}
	}
	p.mu.Unlock()
}

func (p *Page) invalidateWorldsForSession(sid target.SessionID) {
	p.mu.Lock()
	for k := range p.worlds {
		if k.session == sid {
			delete(p.worlds, k)
		}
	}
	for k := range p.mainWorlds {
		if k.session == sid {
			delete(p.mainWorlds, k)
		}
	}
	p.mu.Unlock()
}

func (p *Page) touch() {
	if p.browser != nil {
		p.browser.touch(p)
	}
}

// MainFrame returns the page's main frame.
func (p *Page) MainFrame() *Frame {
	return &Frame{page: p, id: p.registry.MainFrameID()}
}

// FrameByID returns the frame with the given id, if known.
func (p *Page) FrameByID(id cdp.FrameID) (*Frame, bool) {
	if !p.registry.Contains(id) {
		return nil, false
	}
	return &Frame{page: p, id: id}, true
}

// Frames returns all frames currently reachable from the main frame.
func (p *Page) Frames() []*Frame {
	recs := p.registry.AllFrames()
	out := make([]*Frame, 0, len(recs))
	for _, rec := range recs {
		out = append(out, &Frame{page: p, id: rec.ID})
	}
	return out
}

// Locator builds a locator rooted at the main frame.
func (p *Page) Locator(selector string) *Locator {
	return p.MainFrame().Locator(selector)
}

// Goto navigates the main frame and waits for the requested load state.
func (p *Page) Goto(ctx context.Context, url string, opts NavigateOptions) error {
	opts = opts.withDefaults()
	p.touch()

	w := newLifecycleWatcher(p, p.session, opts.WaitUntil, p.logger)

	_, loaderID, errText, err := page.Navigate(url).Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		w.dispose()
		return fmt.Errorf("navigate to %q: %w", url, err)
	}
	if errText != "" {
		w.dispose()
		return fmt.Errorf("navigate to %q: %s", url, errText)
	}
	if loaderID != "" {
		w.expectLoader(loaderID)
	}
	return w.wait(ctx, opts.Timeout)
}

// Reload reloads the page under the same lifecycle gating as Goto.
func (p *Page) Reload(ctx context.Context, opts NavigateOptions) error {
	opts = opts.withDefaults()
	p.touch()

	w := newLifecycleWatcher(p, p.session, opts.WaitUntil, p.logger)
	if err := page.Reload().Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		w.dispose()
		return fmt.Errorf("reload: %w", err)
	}
	return w.wait(ctx, opts.Timeout)
}

// GoBack navigates one history entry back, returning silently when history
// has no earlier entry.
func (p *Page) GoBack(ctx context.Context, opts NavigateOptions) error {
	return p.navigateHistory(ctx, -1, opts)
}

// GoForward navigates one history entry forward, returning silently when
// history has no later entry.
func (p *Page) GoForward(ctx context.Context, opts NavigateOptions) error {
	return p.navigateHistory(ctx, 1, opts)
}

func (p *Page) navigateHistory(ctx context.Context, dir int, opts NavigateOptions) error {
	opts = opts.withDefaults()
	p.touch()

	cur, entries, err := page.GetNavigationHistory().Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		return fmt.Errorf("navigation history: %w", err)
	}
	idx := cur + int64(dir)
	if idx < 0 || idx >= int64(len(entries)) {
		return nil
	}
	w := newLifecycleWatcher(p, p.session, opts.WaitUntil, p.logger)
	if err := page.NavigateToHistoryEntry(entries[idx].ID).Do(cdp.WithExecutor(ctx, p.session)); err != nil {
		w.dispose()
		return fmt.Errorf("navigate history: %w", err)
	}
	return w.wait(ctx, opts.Timeout)
}

// Click synthesizes move, press, release at viewport coordinates. With
// ReturnXPath it also reports the absolute XPath of the deepest node at the
// point, crossing frame boundaries.
func (p *Page) Click(ctx context.Context, x, y float64, opts ClickOptions) (string, error) {
	p.touch()
	if opts.Button == "" {
		opts.Button = input.Left
	}
	if opts.ClickCount == 0 {
		opts.ClickCount = 1
	}

	var xpath string
	if opts.ReturnXPath {
		xpath = p.xpathForPoint(ctx, x, y)
	}
	if err := p.mouse.move(ctx, x, y); err != nil {
		return "", err
	}
	if err := p.mouse.press(ctx, x, y, opts.Button, opts.ClickCount); err != nil {
		return "", err
	}
	if err := p.mouse.release(ctx, x, y, opts.Button, opts.ClickCount); err != nil {
		return "", err
	}
	return xpath, nil
}

// Scroll dispatches one mouse-wheel event at the given point.
func (p *Page) Scroll(ctx context.Context, x, y, deltaX, deltaY float64, opts ScrollOptions) (string, error) {
	p.touch()
	var xpath string
	if opts.ReturnXPath {
		xpath = p.xpathForPoint(ctx, x, y)
	}
	if err := p.mouse.wheel(ctx, x, y, deltaX, deltaY); err != nil {
		return "", err
	}
	return xpath, nil
}

// DragAndDrop presses at the source, moves in interpolated steps, and
// releases at the target.
func (p *Page) DragAndDrop(ctx context.Context, fromX, fromY, toX, toY float64, opts DragOptions) (string, error) {
	p.touch()
	if opts.Button == "" {
		opts.Button = input.Left
	}
	steps := opts.Steps
	if steps < 1 {
		steps = 1
	}

	var xpath string
	if opts.ReturnXPath {
		xpath = p.xpathForPoint(ctx, toX, toY)
	}

	if err := p.mouse.move(ctx, fromX, fromY); err != nil {
		return "", err
	}
	if err := p.mouse.press(ctx, fromX, fromY, opts.Button, 1); err != nil {
		return "", err
	}
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		mx := fromX + (toX-fromX)*frac
		my := fromY + (toY-fromY)*frac
		if err := p.mouse.move(ctx, mx, my); err != nil {
			return "", err
		}
		if opts.Delay > 0 {
			select {
			case <-time.After(opts.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if err := p.mouse.release(ctx, toX, toY, opts.Button, 1); err != nil {
		return "", err
	}
	return xpath, nil
}

// Type sends per-character key events to the focused element.
func (p *Page) Type(ctx context.Context, text string, opts TypeOptions) error {
	p.touch()
	return p.keyboard.typeText(ctx, text, opts, p.rng)
}

// KeyPress dispatches a key combination such as "Cmd+Shift+A". The pressed
// modifier set is cleared if the sequence fails part way.
func (p *Page) KeyPress(ctx context.Context, combo string) error {
	p.touch()
	return p.keyboard.press(ctx, combo)
}

// PressedModifiers reports the currently held modifier bitmask.
func (p *Page) PressedModifiers() int64 {
	return int64(p.keyboard.modifiers())
}

// WaitForLoadState resolves when the main frame reaches the given state. The
// fast path reads document.readyState; otherwise lifecycle events are
// awaited, following the current main frame across root swaps.
func (p *Page) WaitForLoadState(ctx context.Context, state WaitUntil, timeout time.Duration) error {
	if state == "" {
		state = WaitUntilDOMContentLoaded
	}
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}

	if state != WaitUntilNetworkIdle {
		var ready string
		if err := p.Evaluate(ctx, "document.readyState", nil, &ready); err == nil {
			if ready == "complete" {
				return nil
			}
			if ready == "interactive" && state == WaitUntilDOMContentLoaded {
				return nil
			}
		}
	}

	w := newLifecycleWatcher(p, p.session, state, p.logger)
	return w.wait(ctx, timeout)
}

// WaitForTimeout sleeps for d or until ctx is canceled.
func (p *Page) WaitForTimeout(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetViewportSize overrides viewport metrics to w×h CSS pixels.
func (p *Page) SetViewportSize(ctx context.Context, width, height int64) error {
	return emulation.SetDeviceMetricsOverride(width, height, 1, false).
		Do(cdp.WithExecutor(ctx, p.session))
}

// Close asks the browser to close the target, waiting up to 2s for it to
// disappear. Best effort: a target that lingers is not an error.
func (p *Page) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	root := p.conn.RootSession()
	if err := target.CloseTarget(p.targetID).Do(cdp.WithExecutor(ctx, root)); err != nil {
		p.markDestroyed()
		return fmt.Errorf("close target: %w", err)
	}
	select {
	case <-p.destroyed:
	case <-time.After(2 * time.Second):
		p.logger.Debugf("page", "tid:%s close: target did not report destruction", p.targetID)
	case <-ctx.Done():
	}
	return nil
}

// markDestroyed is called when the browser observes target destruction.
func (p *Page) markDestroyed() {
	p.destroyOnce.Do(func() {
		p.network.Stop()
		close(p.destroyed)
	})
}

// cursorMoved updates the visual cursor overlay, when enabled. Moves
// requested before the overlay installs are buffered page-side.
func (p *Page) cursorMoved(_ context.Context, x, y float64) {
	if !p.cursorEnabled {
		return
	}
	expr := fmt.Sprintf("window.%s && window.%s.move(%f, %f)", cursorGlobal, cursorGlobal, x, y)
	_ = p.session.ExecuteWithoutExpectationOnReply(
		cdpruntime.CommandEvaluate,
		cdpruntime.Evaluate(expr),
	)
}

// isFunctionLike reports whether src is a function literal rather than an
// expression.
func isFunctionLike(src string) bool {
	s := strings.TrimSpace(src)
	return strings.HasPrefix(s, "function") ||
		strings.HasPrefix(s, "async ") ||
		strings.HasPrefix(s, "(") && strings.Contains(s, "=>") ||
		strings.Contains(firstLine(s), "=>")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
