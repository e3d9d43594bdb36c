package cdpilot

import (
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/cdp"
)

// domIndex is a per-session index over one pierced DOM.getDocument tree:
// absolute XPaths (local to each containing document), tags, scrollability,
// containing-document roots, and iframe→content-document links.
type domIndex struct {
	xpathByBackend      map[cdp.BackendNodeID]string
	tagByBackend        map[cdp.BackendNodeID]string
	scrollableByBackend map[cdp.BackendNodeID]bool
	docRootByBackend    map[cdp.BackendNodeID]cdp.BackendNodeID
	contentDocByIframe  map[cdp.BackendNodeID]cdp.BackendNodeID
	docRootByFrame      map[cdp.FrameID]cdp.BackendNodeID
}

// buildDOMIndex walks a pierced document tree. XPaths restart at "" for each
// content document, so per-frame slices are already local to their frame.
func buildDOMIndex(root *cdp.Node) *domIndex {
	idx := &domIndex{
		xpathByBackend:      make(map[cdp.BackendNodeID]string),
		tagByBackend:        make(map[cdp.BackendNodeID]string),
		scrollableByBackend: make(map[cdp.BackendNodeID]bool),
		docRootByBackend:    make(map[cdp.BackendNodeID]cdp.BackendNodeID),
		contentDocByIframe:  make(map[cdp.BackendNodeID]cdp.BackendNodeID),
		docRootByFrame:      make(map[cdp.FrameID]cdp.BackendNodeID),
	}
	if root != nil {
		idx.walkDocument(root)
	}
	return idx
}

func (idx *domIndex) walkDocument(doc *cdp.Node) {
	if doc.FrameID != "" {
		idx.docRootByFrame[doc.FrameID] = doc.BackendNodeID
	}
	idx.docRootByBackend[doc.BackendNodeID] = doc.BackendNodeID
	idx.walkChildren(doc, "", false, doc.BackendNodeID)
}

// walkChildren indexes the children of parent. hop marks descent that just
// crossed a shadow-root boundary, which turns the next step into a "//" hop.
func (idx *domIndex) walkChildren(parent *cdp.Node, base string, hop bool, docRoot cdp.BackendNodeID) {
	// Sibling positions are qualified per step key within this parent.
	seen := make(map[string]int)

	step := func(key string) string {
		seen[key]++
		sep := "/"
		if hop {
			sep = "//"
		}
		return fmt.Sprintf("%s%s%s[%d]", base, sep, key, seen[key])
	}

	for _, c := range parent.Children {
		switch c.NodeType {
		case cdp.NodeTypeElement:
			path := step(elementStepKey(c))
			idx.index(c, path, docRoot)
			idx.walkChildren(c, path, false, docRoot)
			idx.walkShadowRoots(c, path, docRoot)
			if c.ContentDocument != nil {
				idx.contentDocByIframe[c.BackendNodeID] = c.ContentDocument.BackendNodeID
				idx.walkDocument(c.ContentDocument)
			}
		case cdp.NodeTypeText:
			idx.index(c, step("text()"), docRoot)
		case cdp.NodeTypeComment:
			idx.index(c, step("comment()"), docRoot)
		case cdp.NodeTypeDocumentFragment:
			// template content and similar fragments
			idx.walkChildren(c, base, true, docRoot)
		}
	}
	// Shadow roots attached to parent are handled by walkShadowRoots at
	// the element case above; document nodes carry none.
}

func (idx *domIndex) walkShadowRoots(host *cdp.Node, hostPath string, docRoot cdp.BackendNodeID) {
	for _, sr := range host.ShadowRoots {
		idx.docRootByBackend[sr.BackendNodeID] = docRoot
		idx.walkChildren(sr, hostPath, true, docRoot)
	}
}

func (idx *domIndex) index(n *cdp.Node, path string, docRoot cdp.BackendNodeID) {
	idx.xpathByBackend[n.BackendNodeID] = path
	idx.tagByBackend[n.BackendNodeID] = strings.ToLower(n.LocalName)
	idx.docRootByBackend[n.BackendNodeID] = docRoot
}

// markScrollableByXPath flags backend nodes of one document whose local
// XPath appears in xpaths. Scrollability is probed page-side; the index maps
// the probe results back onto backend ids.
func (idx *domIndex) markScrollableByXPath(docRoot cdp.BackendNodeID, xpaths []string) {
	if len(xpaths) == 0 {
		return
	}
	want := make(map[string]bool, len(xpaths))
	for _, xp := range xpaths {
		want[xp] = true
	}
	for id, root := range idx.docRootByBackend {
		if root != docRoot {
			continue
		}
		if want[idx.xpathByBackend[id]] {
			idx.scrollableByBackend[id] = true
		}
	}
}

// elementStepKey renders the XPath step key for an element: plain lowercase
// tag, or a name() qualifier for namespaced elements.
func elementStepKey(n *cdp.Node) string {
	name := n.NodeName
	if strings.Contains(name, ":") {
		return fmt.Sprintf("*[name()='%s']", strings.ToLower(name))
	}
	return strings.ToLower(n.LocalName)
}

// sliceForDoc returns the backend ids whose containing document root is
// docRoot.
func (idx *domIndex) sliceForDoc(docRoot cdp.BackendNodeID) []cdp.BackendNodeID {
	var out []cdp.BackendNodeID
	for id, root := range idx.docRootByBackend {
		if root == docRoot && id != docRoot {
			out = append(out, id)
		}
	}
	return out
}
