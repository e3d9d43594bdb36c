package cdpilot

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/sync/errgroup"
)

// HybridSnapshot is the cross-frame merged outline plus its lookup maps,
// keyed by EncodedID throughout.
type HybridSnapshot struct {
	// CombinedTree is the stitched accessibility outline: child frames are
	// injected beneath their host iframe's line.
	CombinedTree string
	// CombinedXPathMap maps EncodedID to an absolute XPath from the top
	// document, crossing iframe boundaries.
	CombinedXPathMap map[EncodedID]string
	// CombinedURLMap maps EncodedID to the URL an accessibility node
	// carries (links, documents).
	CombinedURLMap map[EncodedID]string
}

// SnapshotOptions configure CaptureHybridSnapshot.
type SnapshotOptions struct {
	// FocusSelector narrows the snapshot to the frame chain and subtree
	// of one element, avoiding the global crawl. Any failure falls back
	// to the full snapshot.
	FocusSelector string
}

// snapshotBuilder carries the per-capture state: the DOM indexes, one per
// session id.
type snapshotBuilder struct {
	page   *Page
	logger *Logger

	mu      sync.Mutex
	indexes map[target.SessionID]*domIndex
}

func newSnapshotBuilder(p *Page) *snapshotBuilder {
	return &snapshotBuilder{
		page:    p,
		logger:  p.logger,
		indexes: make(map[target.SessionID]*domIndex),
	}
}

// indexForSession builds (or reuses) the DOM index for one session.
func (sb *snapshotBuilder) indexForSession(ctx context.Context, sess *Session) (*domIndex, error) {
	sb.mu.Lock()
	idx, ok := sb.indexes[sess.ID()]
	sb.mu.Unlock()
	if ok {
		return idx, nil
	}
	root, err := dom.GetDocument().WithDepth(-1).WithPierce(true).Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return nil, fmt.Errorf("dom index for session %s: %w", sess.ID(), err)
	}
	idx = buildDOMIndex(root)
	sb.mu.Lock()
	sb.indexes[sess.ID()] = idx
	sb.mu.Unlock()
	return idx, nil
}

// CaptureHybridSnapshot produces the merged outline and maps for the whole
// page, or for a focused subtree when opts.FocusSelector is set.
func (p *Page) CaptureHybridSnapshot(ctx context.Context, opts SnapshotOptions) (*HybridSnapshot, error) {
	if opts.FocusSelector != "" {
		if snap, err := p.focusedSnapshot(ctx, opts.FocusSelector); err == nil {
			return snap, nil
		} else {
			p.logger.Debugf("snapshot", "focus path failed, falling back to full: %v", err)
		}
	}
	return p.fullSnapshot(ctx)
}

func (p *Page) fullSnapshot(ctx context.Context) (*HybridSnapshot, error) {
	sb := newSnapshotBuilder(p)
	frames := p.registry.AllFrames()
	if len(frames) == 0 {
		return nil, ErrNoSuchPage
	}

	// One DOM.getDocument per distinct session, in parallel.
	sessions := make(map[target.SessionID]*Session)
	for _, rec := range frames {
		s := p.SessionForFrame(rec.ID)
		sessions[s.ID()] = s
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			_, err := sb.indexForSession(gctx, s)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &HybridSnapshot{
		CombinedXPathMap: make(map[EncodedID]string),
		CombinedURLMap:   make(map[EncodedID]string),
	}

	// Owner iframe backend ids and absolute prefixes, parents first.
	ownerBackend := make(map[cdp.FrameID]cdp.BackendNodeID)
	prefix := map[cdp.FrameID]string{frames[0].ID: ""}
	for _, rec := range frames[1:] {
		parentSess := p.SessionForFrame(rec.ParentID)
		backendID, _, err := dom.GetFrameOwner(rec.ID).Do(cdp.WithExecutor(ctx, parentSess))
		if err != nil {
			p.logger.Debugf("snapshot", "frame owner for %s: %v", rec.ID, err)
			continue
		}
		ownerBackend[rec.ID] = backendID
		parentIdx := sb.indexes[parentSess.ID()]
		parentPrefix, ok := prefix[rec.ParentID]
		if !ok {
			continue
		}
		prefix[rec.ID] = parentPrefix + parentIdx.xpathByBackend[backendID]
	}

	var combined []outlineLine
	for i, rec := range frames {
		pfx, ok := prefix[rec.ID]
		if !ok {
			continue
		}
		lines := sb.frameInto(ctx, rec, pfx, snap, nil)
		if i == 0 {
			combined = lines
			continue
		}
		hostEncoded := p.EncodedIDFor(rec.ParentID, ownerBackend[rec.ID])
		combined = injectOutline(combined, hostEncoded, lines)
	}

	snap.CombinedTree = renderLines(combined)
	return snap, nil
}

// frameInto builds one frame's maps and outline, merging the maps into snap
// with the given absolute prefix. focus, when non-nil, filters the outline to
// that node's subtree.
func (sb *snapshotBuilder) frameInto(ctx context.Context, rec FrameRecord, prefix string, snap *HybridSnapshot, focus *cdp.BackendNodeID) []outlineLine {
	return sb.page.frameInto(ctx, sb, rec, prefix, snap, focus)
}

func (p *Page) frameInto(ctx context.Context, sb *snapshotBuilder, rec FrameRecord, prefix string, snap *HybridSnapshot, focus *cdp.BackendNodeID) []outlineLine {
	sess := p.SessionForFrame(rec.ID)
	idx := sb.indexes[sess.ID()]
	if idx == nil {
		return nil
	}
	docRoot, ok := idx.docRootByFrame[rec.ID]
	if !ok {
		p.logger.Debugf("snapshot", "no document root for frame %s", rec.ID)
		return nil
	}

	// Scrollability is probed page-side and mapped back via local XPaths.
	var scrollable []string
	if err := p.evaluateOnFrame(ctx, rec.ID, scrollableXPathsJS, nil, &scrollable); err == nil {
		idx.markScrollableByXPath(docRoot, scrollable)
	}

	// XPath map for this frame, prefixed into the combined map.
	for _, backendID := range idx.sliceForDoc(docRoot) {
		encoded := p.EncodedIDFor(rec.ID, backendID)
		snap.CombinedXPathMap[encoded] = prefix + idx.xpathByBackend[backendID]
	}
	snap.CombinedURLMap[p.EncodedIDFor(rec.ID, docRoot)] = rec.URL

	// Accessibility outline.
	raw, err := fetchAXTree(ctx, sess, rec.ID)
	if err != nil {
		p.logger.Debugf("snapshot", "ax tree for frame %s: %v", rec.ID, err)
		return nil
	}
	decor := axDecor{
		tag:        func(id cdp.BackendNodeID) string { return idx.tagByBackend[id] },
		scrollable: func(id cdp.BackendNodeID) bool { return idx.scrollableByBackend[id] },
	}
	forest := simplifyAX(buildAXForest(raw), decor)
	if focus != nil {
		forest = filterSubtree(forest, *focus)
	}

	// URL map entries from AX link nodes.
	var collectURLs func(ns []*axNode)
	collectURLs = func(ns []*axNode) {
		for _, n := range ns {
			if n.url != "" && n.backendID != 0 {
				snap.CombinedURLMap[p.EncodedIDFor(rec.ID, n.backendID)] = n.url
			}
			collectURLs(n.children)
		}
	}
	collectURLs(forest)

	return renderOutline(forest, decor, func(id cdp.BackendNodeID) EncodedID {
		return p.EncodedIDFor(rec.ID, id)
	})
}

// injectOutline splices child lines directly under the host iframe's line,
// re-based to the host's indent.
func injectOutline(lines []outlineLine, hostEncoded EncodedID, child []outlineLine) []outlineLine {
	for i, l := range lines {
		if l.encoded != hostEncoded {
			continue
		}
		rebased := make([]outlineLine, len(child))
		for j, c := range child {
			rebased[j] = outlineLine{
				encoded: c.encoded,
				depth:   c.depth + l.depth + 1,
				text:    c.text,
			}
		}
		out := make([]outlineLine, 0, len(lines)+len(rebased))
		out = append(out, lines[:i+1]...)
		out = append(out, rebased...)
		out = append(out, lines[i+1:]...)
		return out
	}
	// Host line absent (pruned or raced away): append at top level so the
	// child content is still represented.
	return append(lines, child...)
}

func renderLines(lines []outlineLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(strings.Repeat("  ", l.depth))
		b.WriteString("[")
		b.WriteString(string(l.encoded))
		b.WriteString("] ")
		b.WriteString(l.text)
		b.WriteString("\n")
	}
	return b.String()
}

// focusedSnapshot walks only the iframe chain of the focus selector, builds
// maps for the target frame alone, and filters the AX tree to the focused
// subtree.
func (p *Page) focusedSnapshot(ctx context.Context, focusSelector string) (*HybridSnapshot, error) {
	frame, tail, err := resolveFrameChain(ctx, p.MainFrame(), focusSelector)
	if err != nil {
		return nil, err
	}
	h, err := resolveInFrame(ctx, frame, tail, -1)
	if err != nil {
		return nil, err
	}
	defer h.release(ctx)

	sb := newSnapshotBuilder(p)
	if _, err := sb.indexForSession(ctx, frame.Session()); err != nil {
		return nil, err
	}
	prefix, err := p.framePrefix(ctx, sb, frame.id)
	if err != nil {
		return nil, err
	}

	rec, ok := p.registry.Frame(frame.id)
	if !ok {
		return nil, ErrFrameDetached
	}
	snap := &HybridSnapshot{
		CombinedXPathMap: make(map[EncodedID]string),
		CombinedURLMap:   make(map[EncodedID]string),
	}
	lines := p.frameInto(ctx, sb, rec, prefix, snap, &h.backendID)
	snap.CombinedTree = renderLines(lines)
	return snap, nil
}

// framePrefix computes the absolute XPath prefix for a frame by walking its
// ancestor chain, indexing each ancestor session on demand.
func (p *Page) framePrefix(ctx context.Context, sb *snapshotBuilder, frameID cdp.FrameID) (string, error) {
	var parts []string
	cur := frameID
	for cur != p.registry.MainFrameID() {
		rec, ok := p.registry.Frame(cur)
		if !ok || rec.ParentID == "" {
			return "", ErrFrameDetached
		}
		parentSess := p.SessionForFrame(rec.ParentID)
		idx, err := sb.indexForSession(ctx, parentSess)
		if err != nil {
			return "", err
		}
		backendID, _, err := dom.GetFrameOwner(cur).Do(cdp.WithExecutor(ctx, parentSess))
		if err != nil {
			return "", fmt.Errorf("frame owner for %s: %w", cur, err)
		}
		parts = append([]string{idx.xpathByBackend[backendID]}, parts...)
		cur = rec.ParentID
	}
	return strings.Join(parts, ""), nil
}

// xpathForPoint reports the absolute cross-frame XPath of the deepest node
// at top-level viewport coordinates, or "" when unavailable.
func (p *Page) xpathForPoint(ctx context.Context, x, y float64) string {
	backendID, frameID, _, err := dom.GetNodeForLocation(int64(x), int64(y)).
		WithIncludeUserAgentShadowDOM(false).
		Do(cdp.WithExecutor(ctx, p.session))
	if err != nil {
		p.logger.Debugf("snapshot", "node for location (%f, %f): %v", x, y, err)
		return ""
	}
	if frameID == "" {
		frameID = p.registry.MainFrameID()
	}

	sb := newSnapshotBuilder(p)
	sess := p.SessionForFrame(frameID)
	idx, err := sb.indexForSession(ctx, sess)
	if err != nil {
		return ""
	}
	local, ok := idx.xpathByBackend[backendID]
	if !ok {
		return ""
	}
	prefix, err := p.framePrefix(ctx, sb, frameID)
	if err != nil {
		return local
	}
	return prefix + local
}
