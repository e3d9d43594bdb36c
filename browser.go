package cdpilot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// popupSignalWindow is how recently a popup target must have been announced
// for AwaitActivePage to hold out for the new page.
const (
	popupSignalWindow      = 300 * time.Millisecond
	popupSignalWindowCloud = 1000 * time.Millisecond
)

// BrowserOptions configure an engine connection.
type BrowserOptions struct {
	// Logger receives all engine logging. Defaults to a null logger.
	Logger *Logger
	// CloudMode widens the popup-signal window for remote browsers.
	CloudMode bool
	// EnableCursor installs the visual cursor overlay on every page.
	EnableCursor bool
	// Platform overrides the platform used for modifier normalization and
	// editing commands ("darwin" enables macOS behavior). Defaults to the
	// host platform.
	Platform string
	// SendTimeout bounds every CDP call. Defaults to DefaultSendTimeout.
	SendTimeout time.Duration
}

func (o BrowserOptions) macOS() bool {
	return o.Platform == "darwin"
}

// Browser discovers page targets, attaches to them in flat mode, spawns
// Pages for top-level targets, and adopts OOPIF child sessions into their
// owning Page.
type Browser struct {
	conn   *Connection
	logger *Logger
	opts   BrowserOptions

	piercer *piercer

	mu             sync.Mutex
	pages          map[target.ID]*Page
	pagesBySession map[target.SessionID]*Page
	// stagedOOPIF holds iframe child sessions whose owning page has not
	// yet observed the child root frame, keyed by that frame id.
	stagedOOPIF map[cdp.FrameID]*Session
	initialized map[target.SessionID]bool
	recency     []*Page
	popupSignal time.Time
}

// Connect dials the browser websocket endpoint and starts target discovery.
func Connect(ctx context.Context, wsURL string, opts BrowserOptions) (*Browser, error) {
	if opts.Logger == nil {
		opts.Logger = NewNullLogger()
	}
	if opts.Platform == "" {
		opts.Platform = hostPlatform()
	}

	conn, err := DialContext(ctx, ForceIP(wsURL))
	if err != nil {
		return nil, fmt.Errorf("dial browser: %w", err)
	}
	var copts []ConnectionOption
	if opts.SendTimeout > 0 {
		copts = append(copts, WithSendTimeout(opts.SendTimeout))
	}

	b := &Browser{
		conn:           NewConnection(conn, opts.Logger, copts...),
		logger:         opts.Logger,
		opts:           opts,
		piercer:        newPiercer(uuid.NewString(), opts.EnableCursor, opts.Logger),
		pages:          make(map[target.ID]*Page),
		pagesBySession: make(map[target.SessionID]*Page),
		stagedOOPIF:    make(map[cdp.FrameID]*Session),
		initialized:    make(map[target.SessionID]bool),
	}
	if err := b.bootstrap(ctx); err != nil {
		b.conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Browser) bootstrap(ctx context.Context) error {
	root := b.conn.RootSession()
	b.installTargetHandlers(root)

	if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(ctx, root)); err != nil {
		return fmt.Errorf("discover targets: %w", err)
	}
	if err := target.SetAutoAttach(true, false).
		WithFlatten(true).
		Do(cdp.WithExecutor(ctx, root)); err != nil {
		return fmt.Errorf("auto attach: %w", err)
	}
	return nil
}

// installTargetHandlers subscribes target lifecycle events on a session. In
// flat mode OOPIF attach events arrive on the parent page's session, so every
// attached session gets these handlers too.
func (b *Browser) installTargetHandlers(sess *Session) {
	sess.on(cdproto.EventTargetAttachedToTarget, func(ev interface{}) {
		if e, ok := ev.(*target.EventAttachedToTarget); ok {
			b.onAttachedToTarget(e)
		}
	})
	sess.on(cdproto.EventTargetDetachedFromTarget, func(ev interface{}) {
		if e, ok := ev.(*target.EventDetachedFromTarget); ok {
			b.onDetachedFromTarget(e)
		}
	})
	sess.on(cdproto.EventTargetTargetCreated, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetCreated); ok {
			b.onTargetCreated(e)
		}
	})
	sess.on(cdproto.EventTargetTargetDestroyed, func(ev interface{}) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			b.onTargetDestroyed(e)
		}
	})
}

func (b *Browser) onAttachedToTarget(e *target.EventAttachedToTarget) {
	info := e.TargetInfo
	if info == nil {
		return
	}
	b.mu.Lock()
	if b.initialized[e.SessionID] {
		b.mu.Unlock()
		return
	}
	b.initialized[e.SessionID] = true
	b.mu.Unlock()

	b.logger.Debugf("browser", "attached sid:%s tid:%s type:%s subtype:%s", e.SessionID, info.TargetID, info.Type, info.Subtype)

	sess := b.conn.createSession(e.SessionID, info.TargetID)
	b.installTargetHandlers(sess)

	// Attach setup runs off the dispatch goroutine so session event flow
	// is never blocked behind our own CDP calls.
	go b.initTarget(sess, info)
}

func (b *Browser) initTarget(sess *Session, info *target.Info) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()

	// Workers and anything else the engine does not track: unblock and
	// detach before touching page-only domains.
	if info.Type != "page" && info.Type != "iframe" {
		_ = sess.ExecuteWithoutExpectationOnReply(cdpruntime.CommandRunIfWaitingForDebugger, nil)
		_ = sess.ExecuteWithoutExpectationOnReply(target.CommandDetachFromTarget,
			&target.DetachFromTargetParams{SessionID: sess.ID()})
		return
	}

	exec := cdp.WithExecutor(ctx, sess)
	if err := page.Enable().Do(exec); err != nil {
		// The target can vanish between attach and init; later
		// frameDetached events keep the topology consistent.
		b.logger.Debugf("browser", "sid:%s page enable failed: %v", sess.ID(), err)
		return
	}
	if err := page.SetLifecycleEventsEnabled(true).Do(exec); err != nil {
		b.logger.Debugf("browser", "sid:%s lifecycle enable failed: %v", sess.ID(), err)
	}
	_ = sess.ExecuteWithoutExpectationOnReply(cdpruntime.CommandRunIfWaitingForDebugger, nil)

	if err := b.piercer.install(ctx, sess); err != nil {
		b.logger.Debugf("browser", "sid:%s piercer install failed: %v", sess.ID(), err)
	}

	// Cascade auto-attach so this session reports its own OOPIF children.
	if err := target.SetAutoAttach(true, false).
		WithFlatten(true).
		Do(exec); err != nil {
		b.logger.Debugf("browser", "sid:%s auto attach failed: %v", sess.ID(), err)
	}

	if info.Type == "page" && info.Subtype != "iframe" {
		b.initPage(ctx, sess, info)
		return
	}
	b.initOOPIF(ctx, sess)
}

func (b *Browser) initPage(ctx context.Context, sess *Session, info *target.Info) {
	p, err := newPage(ctx, b, b.conn, sess, info.TargetID, b.logger)
	if err != nil {
		b.logger.Debugf("browser", "sid:%s page init failed: %v", sess.ID(), err)
		return
	}
	b.mu.Lock()
	b.pages[info.TargetID] = p
	b.pagesBySession[sess.ID()] = p
	b.mu.Unlock()
	b.touch(p)
}

func (b *Browser) initOOPIF(ctx context.Context, sess *Session) {
	tree, err := page.GetFrameTree().Do(cdp.WithExecutor(ctx, sess))
	if err != nil || tree == nil || tree.Frame == nil {
		// Short-lived OOPIFs often die before replying.
		b.logger.Debugf("browser", "sid:%s oopif frame tree failed: %v", sess.ID(), err)
		return
	}
	rootID := tree.Frame.ID

	b.mu.Lock()
	var owner *Page
	for _, p := range b.pages {
		if p.registry.Contains(rootID) {
			owner = p
			break
		}
	}
	if owner == nil {
		b.stagedOOPIF[rootID] = sess
	}
	b.mu.Unlock()

	if owner != nil {
		owner.AdoptOOPIFSession(ctx, sess, rootID)
	}
}

// claimStaged hands back a staged OOPIF session once its root frame shows up
// in a parent's frame tree.
func (b *Browser) claimStaged(frameID cdp.FrameID) *Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stagedOOPIF[frameID]
	if ok {
		delete(b.stagedOOPIF, frameID)
		return s
	}
	return nil
}

func (b *Browser) onDetachedFromTarget(e *target.EventDetachedFromTarget) {
	sid := e.SessionID
	b.logger.Debugf("browser", "detached sid:%s", sid)

	b.mu.Lock()
	delete(b.initialized, sid)
	p, isMain := b.pagesBySession[sid]
	if isMain {
		delete(b.pagesBySession, sid)
		delete(b.pages, p.targetID)
		b.dropFromRecency(p)
	}
	var owners []*Page
	if !isMain {
		for _, cand := range b.pages {
			owners = append(owners, cand)
		}
	}
	for fid, s := range b.stagedOOPIF {
		if s.ID() == sid {
			delete(b.stagedOOPIF, fid)
		}
	}
	b.mu.Unlock()

	if isMain {
		p.markDestroyed()
	} else {
		for _, owner := range owners {
			if len(owner.registry.FramesForSession(sid)) > 0 {
				owner.DetachChildSession(sid)
			}
		}
	}
	b.conn.dropSession(sid)
}

func (b *Browser) onTargetCreated(e *target.EventTargetCreated) {
	info := e.TargetInfo
	if info == nil || info.Type != "page" {
		return
	}
	if info.OpenerID != "" {
		b.mu.Lock()
		b.popupSignal = time.Now()
		b.mu.Unlock()
	}
}

func (b *Browser) onTargetDestroyed(e *target.EventTargetDestroyed) {
	b.mu.Lock()
	p, ok := b.pages[e.TargetID]
	if ok {
		delete(b.pages, e.TargetID)
		delete(b.pagesBySession, p.session.ID())
		b.dropFromRecency(p)
	}
	b.mu.Unlock()
	if ok {
		p.markDestroyed()
	}
}

// touch records p as the most recently active page.
func (b *Browser) touch(p *Page) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropFromRecency(p)
	b.recency = append(b.recency, p)
}

func (b *Browser) dropFromRecency(p *Page) {
	for i := range b.recency {
		if b.recency[i] == p {
			b.recency = append(b.recency[:i], b.recency[i+1:]...)
			return
		}
	}
}

// Pages returns all live pages.
func (b *Browser) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Page, 0, len(b.pages))
	for _, p := range b.pages {
		out = append(out, p)
	}
	return out
}

// AwaitActivePage returns the most recently touched page. When a popup was
// announced within the signal window it waits up to timeout for the newer
// page to attach, preferring the one with the largest creation time.
func (b *Browser) AwaitActivePage(ctx context.Context, timeout time.Duration) (*Page, error) {
	window := popupSignalWindow
	if b.opts.CloudMode {
		window = popupSignalWindowCloud
	}

	b.mu.Lock()
	last := b.lastTouchedLocked()
	signal := b.popupSignal
	b.mu.Unlock()

	if last != nil && (signal.IsZero() || time.Since(signal) > window) {
		return last, nil
	}

	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		newest := b.newestPageLocked(signal)
		b.mu.Unlock()
		if newest != nil {
			b.touch(newest)
			return newest, nil
		}
		if time.Now().After(deadline) {
			if last != nil {
				return last, nil
			}
			return nil, ErrNoSuchPage
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (b *Browser) lastTouchedLocked() *Page {
	if len(b.recency) == 0 {
		return nil
	}
	return b.recency[len(b.recency)-1]
}

func (b *Browser) newestPageLocked(after time.Time) *Page {
	var newest *Page
	for _, p := range b.pages {
		if !after.IsZero() && p.createdAt.Before(after) {
			continue
		}
		if newest == nil || p.createdAt.After(newest.createdAt) {
			newest = p
		}
	}
	return newest
}

// NewPage creates a blank top-level target and waits for its Page to attach.
func (b *Browser) NewPage(ctx context.Context, timeout time.Duration) (*Page, error) {
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}
	root := b.conn.RootSession()
	tid, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, root))
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		p, ok := b.pages[tid]
		b.mu.Unlock()
		if ok {
			b.touch(p)
			return p, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNoSuchPage
		}
		select {
		case <-time.After(25 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close shuts down the browser process and the connection. Errors from the
// individual steps are aggregated.
func (b *Browser) Close(ctx context.Context) error {
	var result *multierror.Error

	for _, p := range b.Pages() {
		p.network.Stop()
	}
	if err := browser.Close().Do(cdp.WithExecutor(ctx, b.conn.RootSession())); err != nil && err != ErrTransportClosed {
		result = multierror.Append(result, fmt.Errorf("browser close: %w", err))
	}
	if err := b.conn.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Conn exposes the underlying multiplexer.
func (b *Browser) Conn() *Connection {
	return b.conn
}
