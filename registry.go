package cdpilot

import (
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"golang.org/x/exp/slices"
)

// FrameRecord is an immutable snapshot of one frame's registry state.
type FrameRecord struct {
	ID       cdp.FrameID
	ParentID cdp.FrameID
	URL      string
	LoaderID cdp.LoaderID
	// SessionID is the owning session: the session that most recently
	// reported frameAttached or frameNavigated for this frame.
	SessionID target.SessionID
	// PendingSwap marks a frame detached with reason "swap"; it stays in
	// the tree awaiting re-navigation from its new renderer.
	PendingSwap bool
}

type frameNode struct {
	rec      FrameRecord
	children []cdp.FrameID
}

// FrameRegistry is the sole source of truth for a page's frame topology and
// for frame→session ownership. All other components read from it; none keep
// parallel frame state.
type FrameRegistry struct {
	mu     sync.RWMutex
	logger *Logger

	main   cdp.FrameID
	frames map[cdp.FrameID]*frameNode
}

// NewFrameRegistry creates an empty registry.
func NewFrameRegistry(logger *Logger) *FrameRegistry {
	if logger == nil {
		logger = NewNullLogger()
	}
	return &FrameRegistry{
		logger: logger,
		frames: make(map[cdp.FrameID]*frameNode),
	}
}

// SeedFromFrameTree bulk-installs a frame tree reported by sid, stamping
// ownership on every node. Existing nodes are updated in place so seeding
// after events have already flowed is safe.
func (r *FrameRegistry) SeedFromFrameTree(sid target.SessionID, tree *page.FrameTree) {
	if tree == nil || tree.Frame == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seedNode(sid, tree, tree.Frame.ParentID)
	if tree.Frame.ParentID == "" && r.main == "" {
		r.main = tree.Frame.ID
	}
}

func (r *FrameRegistry) seedNode(sid target.SessionID, tree *page.FrameTree, parentID cdp.FrameID) {
	f := tree.Frame
	n := r.ensureNode(f.ID)
	n.rec.ParentID = parentID
	n.rec.URL = f.URL + f.URLFragment
	n.rec.LoaderID = f.LoaderID
	n.rec.SessionID = sid
	n.rec.PendingSwap = false
	r.linkChild(parentID, f.ID)
	for _, child := range tree.ChildFrames {
		r.seedNode(sid, child, f.ID)
	}
}

// OnFrameAttached records a new frame under parentID, owned by sid.
// Idempotent; a second attach only updates ownership.
func (r *FrameRegistry) OnFrameAttached(frameID, parentID cdp.FrameID, sid target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.ensureNode(frameID)
	if n.rec.ParentID != parentID {
		r.unlinkChild(n.rec.ParentID, frameID)
		n.rec.ParentID = parentID
		r.linkChild(parentID, frameID)
	} else {
		r.linkChild(parentID, frameID)
	}
	n.rec.SessionID = sid
}

// OnFrameDetached removes frameID and its subtree, unless the reason is a
// cross-process swap, in which case the node is kept pending re-navigation.
func (r *FrameRegistry) OnFrameDetached(frameID cdp.FrameID, reason page.FrameDetachedReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.frames[frameID]
	if !ok {
		return
	}
	if reason == page.FrameDetachedReasonSwap {
		n.rec.PendingSwap = true
		return
	}
	r.pruneSubtree(frameID)
}

// OnFrameNavigated updates URL, loader and ownership for a navigated frame.
// A navigation of a parentless frame with a new id is a root swap: the main
// frame pointer is rewritten and the old root's subtree is dropped.
func (r *FrameRegistry) OnFrameNavigated(frame *cdp.Frame, sid target.SessionID) {
	if frame == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if frame.ParentID == "" && r.main != "" && r.main != frame.ID {
		old := r.main
		r.pruneSubtree(old)
		r.main = frame.ID
		r.logger.Debugf("registry", "main frame swap %s -> %s", old, frame.ID)
	}

	n := r.ensureNode(frame.ID)
	if frame.ParentID == "" {
		if r.main == "" {
			r.main = frame.ID
		}
	} else if n.rec.ParentID != frame.ParentID {
		r.unlinkChild(n.rec.ParentID, frame.ID)
		n.rec.ParentID = frame.ParentID
		r.linkChild(frame.ParentID, frame.ID)
	}
	n.rec.URL = frame.URL + frame.URLFragment
	n.rec.LoaderID = frame.LoaderID
	n.rec.SessionID = sid
	n.rec.PendingSwap = false
}

// OnNavigatedWithinDocument updates only the frame's URL. A within-document
// navigation never transfers ownership.
func (r *FrameRegistry) OnNavigatedWithinDocument(frameID cdp.FrameID, url string, _ target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.frames[frameID]; ok {
		n.rec.URL = url
	}
}

// AdoptChildSession seeds ownership of an OOPIF's root frame onto its child
// session before that session's own events flow.
func (r *FrameRegistry) AdoptChildSession(sid target.SessionID, rootFrameID cdp.FrameID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.ensureNode(rootFrameID)
	n.rec.SessionID = sid
	n.rec.PendingSwap = false
}

// PruneSession removes every frame owned by sid together with its subtree.
// Called on detachedFromTarget so no frame keeps a dead owner.
func (r *FrameRegistry) PruneSession(sid target.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var owned []cdp.FrameID
	for id, n := range r.frames {
		if n.rec.SessionID == sid {
			owned = append(owned, id)
		}
	}
	for _, id := range owned {
		if _, ok := r.frames[id]; ok {
			r.pruneSubtree(id)
		}
	}
}

// MainFrameID returns the current main frame id.
func (r *FrameRegistry) MainFrameID() cdp.FrameID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.main
}

// OwnerSessionID returns the owning session for frameID.
func (r *FrameRegistry) OwnerSessionID(frameID cdp.FrameID) (target.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.frames[frameID]
	if !ok {
		return "", false
	}
	return n.rec.SessionID, true
}

// Frame returns the record for frameID.
func (r *FrameRegistry) Frame(frameID cdp.FrameID) (FrameRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.frames[frameID]
	if !ok {
		return FrameRecord{}, false
	}
	return n.rec, true
}

// Contains reports whether frameID is known to the registry.
func (r *FrameRegistry) Contains(frameID cdp.FrameID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.frames[frameID]
	return ok
}

// ChildIDs returns the child frame ids of frameID in attach order.
func (r *FrameRegistry) ChildIDs(frameID cdp.FrameID) []cdp.FrameID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.frames[frameID]
	if !ok {
		return nil
	}
	return append([]cdp.FrameID(nil), n.children...)
}

// AllFrames returns a snapshot of every frame reachable from the main frame,
// in breadth-first order starting at the root.
func (r *FrameRegistry) AllFrames() []FrameRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.main == "" {
		return nil
	}
	var out []FrameRecord
	queue := []cdp.FrameID{r.main}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		n, ok := r.frames[id]
		if !ok {
			continue
		}
		out = append(out, n.rec)
		queue = append(queue, n.children...)
	}
	return out
}

// FramesForSession returns exactly the frames owned by sid.
func (r *FrameRegistry) FramesForSession(sid target.SessionID) []FrameRecord {
	var out []FrameRecord
	for _, rec := range r.AllFrames() {
		if rec.SessionID == sid {
			out = append(out, rec)
		}
	}
	return out
}

// AsProtocolFrameTree renders the subtree rooted at rootID in the protocol's
// frame-tree shape, for callers that expect a page.FrameTree.
func (r *FrameRegistry) AsProtocolFrameTree(rootID cdp.FrameID) *page.FrameTree {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocolTree(rootID)
}

func (r *FrameRegistry) protocolTree(id cdp.FrameID) *page.FrameTree {
	n, ok := r.frames[id]
	if !ok {
		return nil
	}
	t := &page.FrameTree{
		Frame: &cdp.Frame{
			ID:       n.rec.ID,
			ParentID: n.rec.ParentID,
			URL:      n.rec.URL,
			LoaderID: n.rec.LoaderID,
		},
	}
	for _, c := range n.children {
		if ct := r.protocolTree(c); ct != nil {
			t.ChildFrames = append(t.ChildFrames, ct)
		}
	}
	return t
}

func (r *FrameRegistry) ensureNode(id cdp.FrameID) *frameNode {
	n, ok := r.frames[id]
	if !ok {
		n = &frameNode{rec: FrameRecord{ID: id}}
		r.frames[id] = n
	}
	return n
}

func (r *FrameRegistry) linkChild(parentID, childID cdp.FrameID) {
	if parentID == "" {
		return
	}
	p := r.ensureNode(parentID)
	if !slices.Contains(p.children, childID) {
		p.children = append(p.children, childID)
	}
}

func (r *FrameRegistry) unlinkChild(parentID, childID cdp.FrameID) {
	if parentID == "" {
		return
	}
	p, ok := r.frames[parentID]
	if !ok {
		return
	}
	if i := slices.Index(p.children, childID); i >= 0 {
		p.children = slices.Delete(p.children, i, i+1)
	}
}

func (r *FrameRegistry) pruneSubtree(id cdp.FrameID) {
	n, ok := r.frames[id]
	if !ok {
		return
	}
	for _, c := range append([]cdp.FrameID(nil), n.children...) {
		r.pruneSubtree(c)
	}
	r.unlinkChild(n.rec.ParentID, id)
	delete(r.frames, id)
	if r.main == id {
		r.main = ""
	}
}
