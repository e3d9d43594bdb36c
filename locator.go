package cdpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/overlay"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/mailru/easyjson"
)

type selectorKind int

const (
	selCSS selectorKind = iota
	selXPath
	selText
)

// classifySelector maps the public selector grammar onto a resolution kind.
func classifySelector(s string) (selectorKind, string) {
	switch {
	case strings.HasPrefix(s, "xpath="):
		return selXPath, strings.TrimPrefix(s, "xpath=")
	case strings.HasPrefix(s, "text="):
		return selText, strings.TrimPrefix(s, "text=")
	case strings.HasPrefix(s, "css="):
		return selCSS, strings.TrimPrefix(s, "css=")
	case strings.HasPrefix(s, "/") || strings.HasPrefix(s, "("):
		return selXPath, s
	default:
		return selCSS, s
	}
}

// Locator lazily resolves a selector to a single element on each action.
type Locator struct {
	frame    *Frame
	selector string
	nth      int
}

func newLocator(f *Frame, selector string) *Locator {
	return &Locator{frame: f, selector: selector, nth: -1}
}

// Nth returns a locator resolving to the nth match (0-based) in document
// order.
func (l *Locator) Nth(i int) *Locator {
	return &Locator{frame: l.frame, selector: l.selector, nth: i}
}

// Selector returns the locator's selector string.
func (l *Locator) Selector() string {
	return l.selector
}

// handle is a resolved element: its owning session/frame, the remote object,
// and the backend node id.
type handle struct {
	page      *Page
	sess      *Session
	frameID   cdp.FrameID
	objectID  cdpruntime.RemoteObjectID
	backendID cdp.BackendNodeID
	nodeName  string
}

// release frees the remote object. Failures are swallowed: the context may
// have navigated away.
func (h *handle) release(ctx context.Context) {
	releaseObject(ctx, h.sess, h.objectID, h.page.logger)
}

// resolve resolves the selector fresh, following cross-frame hops first,
// retrying once when a navigation invalidates resolution mid-flight.
func (l *Locator) resolve(ctx context.Context) (*handle, error) {
	h, err := l.resolveOnce(ctx)
	if err != nil && (isStaleContextError(err) || err == ErrNavigationDuringResolve) {
		return l.resolveOnce(ctx)
	}
	return h, err
}

func (l *Locator) resolveOnce(ctx context.Context) (*handle, error) {
	frame, tail, err := resolveFrameChain(ctx, l.frame, l.selector)
	if err != nil {
		return nil, err
	}
	return resolveInFrame(ctx, frame, tail, l.nth)
}

// resolveInFrame resolves one selector within a single frame, piercing open
// and closed shadow roots.
func resolveInFrame(ctx context.Context, f *Frame, selector string, nth int) (*handle, error) {
	if f.Detached() {
		return nil, ErrFrameDetached
	}
	kind, value := classifySelector(selector)
	switch kind {
	case selXPath:
		return resolveXPathInFrame(ctx, f, value, nth)
	case selText:
		return resolveTextInFrame(ctx, f, value, nth)
	default:
		return resolveCSSInFrame(ctx, f, value, nth)
	}
}

func indexOrFirst(nth int) int {
	if nth < 0 {
		return 0
	}
	return nth
}

// evalElementHandle evaluates expr expecting an element, returning nil when
// nothing matched.
func evalElementHandle(ctx context.Context, sess *Session, contextID cdpruntime.ExecutionContextID, expr string) (*cdpruntime.RemoteObject, error) {
	p := cdpruntime.Evaluate(expr)
	if contextID != 0 {
		p = p.WithContextID(contextID)
	}
	v, exp, err := p.Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return nil, err
	}
	if exp != nil {
		return nil, evalException(exp)
	}
	if v == nil || v.ObjectID == "" || v.Subtype == "null" || v.Type == "undefined" {
		return nil, nil
	}
	return v, nil
}

func newHandleFromObject(ctx context.Context, f *Frame, obj *cdpruntime.RemoteObject) (*handle, error) {
	sess := f.Session()
	node, err := dom.DescribeNode().WithObjectID(obj.ObjectID).Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		releaseObject(ctx, sess, obj.ObjectID, f.page.logger)
		return nil, err
	}
	return &handle{
		page:      f.page,
		sess:      sess,
		frameID:   f.id,
		objectID:  obj.ObjectID,
		backendID: node.BackendNodeID,
		nodeName:  node.NodeName,
	}, nil
}

func jsString(s string) string {
	buf, _ := json.Marshal(s)
	return string(buf)
}

func resolveCSSInFrame(ctx context.Context, f *Frame, sel string, nth int) (*handle, error) {
	// Hops that were not iframe boundaries are shadow/descendant hops:
	// the deep query treats them as descendant combinators.
	sel = strings.Join(splitHops(sel), " ")
	idx := indexOrFirst(nth)
	sess := f.Session()

	// Isolated world first: open shadow roots.
	if world, err := f.page.isolatedWorld(ctx, sess, f.id); err == nil {
		expr := fmt.Sprintf("(%s)(%s)[%d]", queryDeepAllJS, jsString(sel), idx)
		obj, err := evalElementHandle(ctx, sess, world, expr)
		if err != nil && !isStaleContextError(err) {
			return nil, err
		}
		if obj != nil {
			return newHandleFromObject(ctx, f, obj)
		}
	}

	// Main-world fallback consults the piercer's closed-root registry.
	expr := fmt.Sprintf("window.%s && window.%s.queryDeepAll(%s)[%d]",
		piercerGlobal, piercerGlobal, jsString(sel), idx)
	obj, err := evalElementHandle(ctx, sess, f.page.mainWorld(sess, f.id), expr)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrElementNotFound
	}
	return newHandleFromObject(ctx, f, obj)
}

func resolveTextInFrame(ctx context.Context, f *Frame, query string, nth int) (*handle, error) {
	sess := f.Session()

	// Main world first: the piercer search sees closed roots and applies
	// the innermost-match rule.
	if nth < 0 {
		expr := fmt.Sprintf("window.%s && window.%s.textDeepSearch(%s)",
			piercerGlobal, piercerGlobal, jsString(query))
		obj, err := evalElementHandle(ctx, sess, f.page.mainWorld(sess, f.id), expr)
		if err == nil && obj != nil {
			return newHandleFromObject(ctx, f, obj)
		}
	}

	world, err := f.page.isolatedWorld(ctx, sess, f.id)
	if err != nil {
		return nil, err
	}
	expr := fmt.Sprintf("(%s)(%s)[%d]", textDeepAllJS, jsString(query), indexOrFirst(nth))
	obj, err := evalElementHandle(ctx, sess, world, expr)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, ErrElementNotFound
	}
	return newHandleFromObject(ctx, f, obj)
}

func resolveXPathInFrame(ctx context.Context, f *Frame, xp string, nth int) (*handle, error) {
	sess := f.Session()

	// Main world first: the injected helper traverses open and
	// patched-closed shadow roots.
	if nth < 0 {
		expr := fmt.Sprintf("window.%s && window.%s.resolveSimpleXPath(%s)",
			piercerGlobal, piercerGlobal, jsString(xp))
		obj, err := evalElementHandle(ctx, sess, f.page.mainWorld(sess, f.id), expr)
		if err == nil && obj != nil {
			return newHandleFromObject(ctx, f, obj)
		}
	}

	// CDP pierce fallback: walk the full DOM tree, shadow roots included.
	match, err := resolveXPathViaCDP(ctx, f, xp, indexOrFirst(nth))
	if err != nil {
		return nil, err
	}
	world, err := f.page.isolatedWorld(ctx, sess, f.id)
	if err != nil {
		return nil, err
	}
	obj, err := dom.ResolveNode().
		WithBackendNodeID(match.BackendNodeID).
		WithExecutionContextID(world).
		Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return nil, fmt.Errorf("resolve node: %w", err)
	}
	return &handle{
		page:      f.page,
		sess:      sess,
		frameID:   f.id,
		objectID:  obj.ObjectID,
		backendID: match.BackendNodeID,
		nodeName:  match.NodeName,
	}, nil
}

func resolveXPathViaCDP(ctx context.Context, f *Frame, xp string, idx int) (*cdp.Node, error) {
	sess := f.Session()
	root, err := dom.GetDocument().WithDepth(-1).WithPierce(true).Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return nil, err
	}
	docRoot := root
	if f.id != f.page.registry.MainFrameID() {
		if d := findDocumentNode(root, f.id); d != nil {
			docRoot = d
		}
	}
	matches := matchSimpleXPath(docRoot, xp)
	if idx >= len(matches) {
		return nil, ErrElementNotFound
	}
	return matches[idx], nil
}

// Count returns how many elements the selector matches within its frame,
// using the same classify-and-pierce algorithm as resolution.
func (l *Locator) Count(ctx context.Context) (int, error) {
	frame, tail, err := resolveFrameChain(ctx, l.frame, l.selector)
	if err != nil {
		return 0, err
	}
	kind, value := classifySelector(tail)
	sess := frame.Session()

	switch kind {
	case selXPath:
		root, err := dom.GetDocument().WithDepth(-1).WithPierce(true).Do(cdp.WithExecutor(ctx, sess))
		if err != nil {
			return 0, err
		}
		docRoot := root
		if frame.id != frame.page.registry.MainFrameID() {
			if d := findDocumentNode(root, frame.id); d != nil {
				docRoot = d
			}
		}
		return len(matchSimpleXPath(docRoot, value)), nil

	case selText:
		world, err := frame.page.isolatedWorld(ctx, sess, frame.id)
		if err != nil {
			return 0, err
		}
		var n int
		expr := fmt.Sprintf("(%s)(%s).length", textDeepAllJS, jsString(value))
		if err := evaluate(ctx, sess, expr, nil, &n, evalOptions{contextID: world, rawExpr: true}); err != nil {
			return 0, err
		}
		return n, nil

	default:
		value = strings.Join(splitHops(value), " ")
		world, err := frame.page.isolatedWorld(ctx, sess, frame.id)
		if err != nil {
			return 0, err
		}
		var n int
		expr := fmt.Sprintf("(%s)(%s).length", queryDeepAllJS, jsString(value))
		if err := evaluate(ctx, sess, expr, nil, &n, evalOptions{contextID: world, rawExpr: true}); err != nil {
			return 0, err
		}
		return n, nil
	}
}

// callOn invokes fnDecl with the handle's element as this. With res non-nil
// the result is returned by value and unmarshaled.
func callOn(ctx context.Context, h *handle, fnDecl string, res interface{}, args ...interface{}) error {
	cargs := make([]*cdpruntime.CallArgument, 0, len(args))
	for _, a := range args {
		buf, err := json.Marshal(a)
		if err != nil {
			return err
		}
		cargs = append(cargs, &cdpruntime.CallArgument{Value: easyjson.RawMessage(buf)})
	}
	p := cdpruntime.CallFunctionOn(fnDecl).WithObjectID(h.objectID)
	if len(cargs) > 0 {
		p = p.WithArguments(cargs)
	}
	if res != nil {
		p = p.WithReturnByValue(true)
	}
	v, exp, err := p.Do(cdp.WithExecutor(ctx, h.sess))
	if err != nil {
		return err
	}
	if exp != nil {
		return evalException(exp)
	}
	if res != nil && v != nil && len(v.Value) > 0 {
		return json.Unmarshal(v.Value, res)
	}
	return nil
}

// contentCenter returns the center of the element's content quad in its
// session's viewport coordinates.
func contentCenter(ctx context.Context, h *handle) (float64, float64, error) {
	box, err := dom.GetBoxModel().WithBackendNodeID(h.backendID).Do(cdp.WithExecutor(ctx, h.sess))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidBoxModel, err)
	}
	if box == nil || len(box.Content) < 8 {
		return 0, 0, ErrInvalidBoxModel
	}
	var x, y float64
	for i := 0; i+1 < len(box.Content); i += 2 {
		x += box.Content[i]
		y += box.Content[i+1]
	}
	n := float64(len(box.Content) / 2)
	return x / n, y / n, nil
}

// absolutePoint lifts frame-local viewport coordinates into top-level
// viewport coordinates by adding the owner-iframe origin at every
// out-of-process boundary. Same-process frames already share the top-level
// coordinate space.
func (p *Page) absolutePoint(ctx context.Context, frameID cdp.FrameID, x, y float64) (float64, float64, error) {
	cur := frameID
	for cur != "" && cur != p.registry.MainFrameID() {
		rec, ok := p.registry.Frame(cur)
		if !ok {
			return 0, 0, ErrFrameDetached
		}
		parent := rec.ParentID
		if parent == "" {
			break
		}
		parentSid, _ := p.registry.OwnerSessionID(parent)
		if rec.SessionID != parentSid {
			parentSess := p.SessionForFrame(parent)
			ownerID, _, err := dom.GetFrameOwner(cur).Do(cdp.WithExecutor(ctx, parentSess))
			if err != nil {
				return 0, 0, fmt.Errorf("frame owner for %s: %w", cur, err)
			}
			box, err := dom.GetBoxModel().WithBackendNodeID(ownerID).Do(cdp.WithExecutor(ctx, parentSess))
			if err != nil || box == nil || len(box.Content) < 2 {
				return 0, 0, ErrInvalidBoxModel
			}
			x += box.Content[0]
			y += box.Content[1]
		}
		cur = parent
	}
	return x, y, nil
}

// clickablePoint resolves the element's center in top-level viewport
// coordinates.
func clickablePoint(ctx context.Context, h *handle) (float64, float64, error) {
	cx, cy, err := contentCenter(ctx, h)
	if err != nil {
		return 0, 0, err
	}
	return h.page.absolutePoint(ctx, h.frameID, cx, cy)
}

// LocatorClickOptions configure Locator.Click.
type LocatorClickOptions struct {
	Button     MouseButton
	ClickCount int64
}

// Click scrolls the element into view and dispatches a full click at the
// center of its content quad.
func (l *Locator) Click(ctx context.Context, opts LocatorClickOptions) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return &ActionError{Action: "click", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)

	if err := dom.ScrollIntoViewIfNeeded().WithBackendNodeID(h.backendID).Do(cdp.WithExecutor(ctx, h.sess)); err != nil {
		l.frame.page.logger.Debugf("locator", "scroll into view: %v", err)
	}
	x, y, err := clickablePoint(ctx, h)
	if err != nil {
		return &ActionError{Action: "click", Selector: l.selector, Err: err}
	}

	button := opts.Button
	if button == "" {
		button = input.Left
	}
	count := opts.ClickCount
	if count == 0 {
		count = 1
	}
	m := l.frame.page.mouse
	if err := m.move(ctx, x, y); err != nil {
		return &ActionError{Action: "click", Selector: l.selector, Err: err}
	}
	if err := m.press(ctx, x, y, button, count); err != nil {
		return &ActionError{Action: "click", Selector: l.selector, Err: err}
	}
	if err := m.release(ctx, x, y, button, count); err != nil {
		return &ActionError{Action: "click", Selector: l.selector, Err: err}
	}
	return nil
}

// Hover moves the pointer to the element's center.
func (l *Locator) Hover(ctx context.Context) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return &ActionError{Action: "hover", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)
	x, y, err := clickablePoint(ctx, h)
	if err != nil {
		return &ActionError{Action: "hover", Selector: l.selector, Err: err}
	}
	return l.frame.page.mouse.move(ctx, x, y)
}

// Centroid returns the element's center in top-level viewport coordinates.
func (l *Locator) Centroid(ctx context.Context) (float64, float64, error) {
	h, err := l.resolve(ctx)
	if err != nil {
		return 0, 0, err
	}
	defer h.release(ctx)
	return clickablePoint(ctx, h)
}

// Fill writes value into the element and fires input and change.
func (l *Locator) Fill(ctx context.Context, value string) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return &ActionError{Action: "fill", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)
	return callOn(ctx, h, fillJS, nil, value)
}

// Type focuses the element and types text: one insertText without delay, or
// per-character key events with it.
func (l *Locator) Type(ctx context.Context, text string, opts TypeOptions) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return &ActionError{Action: "type", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)

	if err := callOn(ctx, h, focusJS, nil); err != nil {
		return &ActionError{Action: "type", Selector: l.selector, Err: err}
	}
	if opts.Delay <= 0 && !opts.WithMistakes {
		return input.InsertText(text).Do(cdp.WithExecutor(ctx, l.frame.page.mainSession()))
	}
	return l.frame.page.keyboard.typeText(ctx, text, opts, l.frame.page.rng)
}

// SelectOption selects options by label or value, fires input and change,
// and returns the values actually selected.
func (l *Locator) SelectOption(ctx context.Context, values []string) ([]string, error) {
	h, err := l.resolve(ctx)
	if err != nil {
		return nil, &ActionError{Action: "selectOption", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)
	var selected []string
	if err := callOn(ctx, h, selectOptionJS, &selected, values); err != nil {
		return nil, err
	}
	return selected, nil
}

// IsVisible reports layout visibility.
func (l *Locator) IsVisible(ctx context.Context) (bool, error) {
	var v bool
	err := l.withHandle(ctx, func(h *handle) error { return callOn(ctx, h, visibleJS, &v) })
	return v, err
}

// IsChecked reports the checked state.
func (l *Locator) IsChecked(ctx context.Context) (bool, error) {
	var v bool
	err := l.withHandle(ctx, func(h *handle) error { return callOn(ctx, h, checkedJS, &v) })
	return v, err
}

// InputValue reads the element's value.
func (l *Locator) InputValue(ctx context.Context) (string, error) {
	var v string
	err := l.withHandle(ctx, func(h *handle) error { return callOn(ctx, h, inputValueJS, &v) })
	return v, err
}

// TextContent reads textContent.
func (l *Locator) TextContent(ctx context.Context) (string, error) {
	var v string
	err := l.withHandle(ctx, func(h *handle) error { return callOn(ctx, h, textContentJS, &v) })
	return v, err
}

// InnerHTML reads innerHTML.
func (l *Locator) InnerHTML(ctx context.Context) (string, error) {
	var v string
	err := l.withHandle(ctx, func(h *handle) error { return callOn(ctx, h, innerHTMLJS, &v) })
	return v, err
}

// InnerText reads innerText.
func (l *Locator) InnerText(ctx context.Context) (string, error) {
	var v string
	err := l.withHandle(ctx, func(h *handle) error { return callOn(ctx, h, innerTextJS, &v) })
	return v, err
}

// BackendNodeID resolves the element and returns its backend node id.
func (l *Locator) BackendNodeID(ctx context.Context) (cdp.BackendNodeID, error) {
	h, err := l.resolve(ctx)
	if err != nil {
		return 0, err
	}
	defer h.release(ctx)
	return h.backendID, nil
}

// Highlight flashes the browser's node highlight over the element.
func (l *Locator) Highlight(ctx context.Context) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return err
	}
	defer h.release(ctx)
	cfg := &overlay.HighlightConfig{
		ContentColor: &cdp.RGBA{R: 111, G: 168, B: 220, A: 0.66},
	}
	return overlay.HighlightNode(cfg).
		WithBackendNodeID(h.backendID).
		Do(cdp.WithExecutor(ctx, h.sess))
}

// SetInputFiles sets a file input's selected files.
func (l *Locator) SetInputFiles(ctx context.Context, files []string) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return &ActionError{Action: "setInputFiles", Selector: l.selector, Err: err}
	}
	defer h.release(ctx)
	return dom.SetFileInputFiles(files).
		WithBackendNodeID(h.backendID).
		Do(cdp.WithExecutor(ctx, h.sess))
}

// FilePayload is an in-memory file for SetInputFilePayloads.
type FilePayload struct {
	Name string
	Data []byte
}

// SetInputFilePayloads materializes buffer payloads as temp files, sets them
// on the input, and removes the temp files on all exit paths.
func (l *Locator) SetInputFilePayloads(ctx context.Context, payloads []FilePayload) error {
	dir, err := os.MkdirTemp("", "cdpilot-files-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	files := make([]string, 0, len(payloads))
	for _, pl := range payloads {
		path := filepath.Join(dir, filepath.Base(pl.Name))
		if err := os.WriteFile(path, pl.Data, 0o600); err != nil {
			return err
		}
		files = append(files, path)
	}
	return l.SetInputFiles(ctx, files)
}

func (l *Locator) withHandle(ctx context.Context, fn func(h *handle) error) error {
	h, err := l.resolve(ctx)
	if err != nil {
		return err
	}
	defer h.release(ctx)
	return fn(h)
}
