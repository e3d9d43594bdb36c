package cdpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
)

// axNode is one simplified accessibility node.
type axNode struct {
	id        accessibility.NodeID
	role      string
	name      string
	desc      string
	url       string
	ignored   bool
	backendID cdp.BackendNodeID
	children  []*axNode
}

// outlineLine is one rendered line of a frame outline, kept structured so
// child-frame outlines can be injected under their host iframe's line.
type outlineLine struct {
	encoded EncodedID
	depth   int
	text    string
}

func axValueString(v *accessibility.Value) string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err != nil {
		return strings.Trim(string(v.Value), `"`)
	}
	return s
}

// fetchAXTree retrieves a frame-scoped accessibility tree, falling back to
// the session's unscoped tree when the server rejects the frame id (adoption
// races on fresh OOPIFs).
func fetchAXTree(ctx context.Context, sess *Session, frameID cdp.FrameID) ([]*accessibility.Node, error) {
	nodes, err := accessibility.GetFullAXTree().
		WithFrameID(frameID).
		Do(cdp.WithExecutor(ctx, sess))
	if err == nil {
		return nodes, nil
	}
	return accessibility.GetFullAXTree().Do(cdp.WithExecutor(ctx, sess))
}

// buildAXForest links raw AX nodes into trees, preserving reported child
// order.
func buildAXForest(nodes []*accessibility.Node) []*axNode {
	byID := make(map[accessibility.NodeID]*axNode, len(nodes))
	for _, n := range nodes {
		an := &axNode{
			id:        n.NodeID,
			role:      axValueString(n.Role),
			name:      axValueString(n.Name),
			desc:      axValueString(n.Description),
			ignored:   n.Ignored,
			backendID: n.BackendDOMNodeID,
		}
		for _, p := range n.Properties {
			if string(p.Name) == "url" {
				an.url = axValueString(p.Value)
			}
		}
		byID[n.NodeID] = an
	}
	linked := make(map[accessibility.NodeID]bool)
	for _, n := range nodes {
		parent := byID[n.NodeID]
		for _, cid := range n.ChildIDs {
			if child, ok := byID[cid]; ok {
				parent.children = append(parent.children, child)
				linked[cid] = true
			}
		}
	}
	var roots []*axNode
	for _, n := range nodes {
		if !linked[n.NodeID] {
			roots = append(roots, byID[n.NodeID])
		}
	}
	return roots
}

// axDecor supplies DOM-index facts for outline decoration.
type axDecor struct {
	tag        func(cdp.BackendNodeID) string
	scrollable func(cdp.BackendNodeID) bool
}

func isStructuralRole(role string) bool {
	switch strings.ToLower(role) {
	case "generic", "none", "inlinetextbox":
		return true
	}
	return false
}

// simplifyAX prunes structural wrappers, collapses combobox-over-select, and
// strips redundant StaticText children.
func simplifyAX(nodes []*axNode, decor axDecor) []*axNode {
	var out []*axNode
	for _, n := range nodes {
		out = append(out, simplifyOne(n, decor)...)
	}
	return out
}

func simplifyOne(n *axNode, decor axDecor) []*axNode {
	n.children = simplifyAX(n.children, decor)

	if n.ignored {
		return n.children
	}

	// A combobox whose underlying element is a <select> reads as select.
	if strings.EqualFold(n.role, "combobox") && decor.tag(n.backendID) == "select" {
		n.role = "select"
	}

	// Strip StaticText children whose combined text merely repeats the
	// parent's accessible name.
	if n.name != "" {
		var combined strings.Builder
		texts := 0
		for _, c := range n.children {
			if strings.EqualFold(c.role, "statictext") {
				combined.WriteString(c.name)
				texts++
			}
		}
		if texts > 0 && texts == len(n.children) && strings.TrimSpace(combined.String()) == strings.TrimSpace(n.name) {
			n.children = nil
		}
	}

	if isStructuralRole(n.role) {
		// Keep wrappers that carry a description, and named wrappers
		// whose unique child would lose its only accessible context if
		// the wrapper were pruned away. Everything else prunes, its
		// children promoted in place.
		orphansChild := len(n.children) == 1 && n.name != ""
		if n.desc == "" && !orphansChild {
			return n.children
		}
		// Remaining structural roles read as the underlying tag.
		if tag := decor.tag(n.backendID); tag != "" {
			n.role = tag
		}
	}
	return []*axNode{n}
}

// renderOutline renders trees into lines. Scrollable nodes and the html
// element get a "scrollable, <tag>" role prefix.
func renderOutline(roots []*axNode, decor axDecor, encode func(cdp.BackendNodeID) EncodedID) []outlineLine {
	var lines []outlineLine
	var walk func(n *axNode, depth int)
	walk = func(n *axNode, depth int) {
		role := n.role
		tag := decor.tag(n.backendID)
		if decor.scrollable(n.backendID) || tag == "html" {
			role = fmt.Sprintf("scrollable, %s", tag)
		}
		text := role
		if n.name != "" {
			text += fmt.Sprintf(" %q", n.name)
		}
		lines = append(lines, outlineLine{
			encoded: encode(n.backendID),
			depth:   depth,
			text:    text,
		})
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
	return lines
}

// filterSubtree keeps only the subtree rooted at the node with backendID.
func filterSubtree(roots []*axNode, backendID cdp.BackendNodeID) []*axNode {
	var found *axNode
	var search func(n *axNode)
	search = func(n *axNode) {
		if found != nil {
			return
		}
		if n.backendID == backendID {
			found = n
			return
		}
		for _, c := range n.children {
			search(c)
		}
	}
	for _, r := range roots {
		search(r)
	}
	if found == nil {
		return roots
	}
	return []*axNode{found}
}
