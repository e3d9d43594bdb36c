package cdpilot

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
)

// splitHops splits a selector on the ">>" hop operator.
func splitHops(s string) []string {
	parts := strings.Split(s, ">>")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

var xpathStepRe = regexp.MustCompile(`(/{1,2})([^/]+)`)

type xpathStep struct {
	deep  bool
	name  string
	index int // 1-based; 0 means unindexed
	raw   string
}

func parseXPathSteps(xp string) []xpathStep {
	var steps []xpathStep
	for _, m := range xpathStepRe.FindAllStringSubmatch(xp, -1) {
		s := xpathStep{deep: m[1] == "//", raw: m[0]}
		body := m[2]
		if i := strings.IndexByte(body, '['); i >= 0 && strings.HasSuffix(body, "]") {
			if n, err := strconv.Atoi(body[i+1 : len(body)-1]); err == nil {
				s.index = n
				body = body[:i]
			}
		}
		s.name = body
		steps = append(steps, s)
	}
	return steps
}

// splitXPathAtFrameStep splits an XPath at its first iframe/frame step
// (case-insensitive). It returns the prefix resolving the frame element, and
// the remainder to resolve inside that frame. ok is false when the
// expression has no frame step.
func splitXPathAtFrameStep(xp string) (prefix, rest string, ok bool) {
	steps := parseXPathSteps(xp)
	var b strings.Builder
	for i, s := range steps {
		b.WriteString(s.raw)
		name := strings.ToLower(s.name)
		if (name == "iframe" || name == "frame") && i < len(steps)-1 {
			var r strings.Builder
			for _, t := range steps[i+1:] {
				r.WriteString(t.raw)
			}
			return b.String(), r.String(), true
		}
	}
	return "", "", false
}

// resolveFrameChain walks a selector's cross-frame hops left to right and
// returns the final context frame plus the tail selector to resolve there.
// Hop segments that resolve to something other than an iframe are shadow or
// descendant hops and stay within the current frame.
func resolveFrameChain(ctx context.Context, f *Frame, selector string) (*Frame, string, error) {
	kind, value := classifySelector(selector)

	if kind == selXPath {
		cur := f
		xp := value
		for {
			prefix, rest, ok := splitXPathAtFrameStep(xp)
			if !ok {
				return cur, "xpath=" + xp, nil
			}
			child, err := hopIntoFrame(ctx, cur, "xpath="+prefix)
			if err != nil {
				return nil, "", err
			}
			cur, xp = child, rest
		}
	}

	if !strings.Contains(selector, ">>") {
		return f, selector, nil
	}

	segments := splitHops(selector)
	cur := f
	for i := 0; i < len(segments)-1; i++ {
		child, err := hopIntoFrame(ctx, cur, segments[i])
		if err == errNotAFrameElement {
			// Shadow-host hop: the rest resolves in this frame with
			// the hops as descendant combinators.
			return cur, strings.Join(segments[i:], " "), nil
		}
		if err != nil {
			return nil, "", err
		}
		cur = child
	}
	return cur, segments[len(segments)-1], nil
}

// errNotAFrameElement distinguishes shadow hops from frame hops internally.
const errNotAFrameElement = Error("selector segment is not a frame element")

// hopIntoFrame resolves segment to an element in f and maps it to the child
// frame it hosts.
func hopIntoFrame(ctx context.Context, f *Frame, segment string) (*Frame, error) {
	h, err := resolveInFrame(ctx, f, segment, -1)
	if err != nil {
		return nil, err
	}
	defer h.release(ctx)

	name := strings.ToUpper(h.nodeName)
	if name != "IFRAME" && name != "FRAME" {
		return nil, errNotAFrameElement
	}

	childID, err := childFrameForOwner(ctx, f, h.backendID)
	if err != nil {
		return nil, err
	}
	child, ok := f.page.FrameByID(childID)
	if !ok {
		return nil, ErrFrameDetached
	}
	return child, nil
}

// childFrameForOwner maps an iframe element to the child frame it hosts by
// probing each registered child frame's owner node.
func childFrameForOwner(ctx context.Context, f *Frame, ownerBackendID cdp.BackendNodeID) (cdp.FrameID, error) {
	sess := f.Session()
	for _, childID := range f.page.registry.ChildIDs(f.id) {
		backendID, _, err := dom.GetFrameOwner(childID).Do(cdp.WithExecutor(ctx, sess))
		if err != nil {
			// OOPIF children are not resolvable through the parent
			// session's DOM agent by frame id alone; skip.
			continue
		}
		if backendID == ownerBackendID {
			return childID, nil
		}
	}
	return "", ErrElementNotFound
}

// matchSimpleXPath walks a pierced cdp.Node tree evaluating the simple XPath
// subset: /, //, tag[n], and *. Shadow roots are traversed transparently;
// content documents are frame boundaries and are not crossed.
func matchSimpleXPath(docRoot *cdp.Node, xp string) []*cdp.Node {
	steps := parseXPathSteps(xp)
	if len(steps) == 0 {
		return nil
	}
	contexts := []*cdp.Node{docRoot}
	for _, s := range steps {
		var next []*cdp.Node
		for _, ctx := range contexts {
			var found []*cdp.Node
			if s.deep {
				collectDescendants(ctx, s.name, &found)
			} else {
				for _, c := range elementChildren(ctx) {
					if nodeNameMatches(c, s.name) {
						found = append(found, c)
					}
				}
			}
			if s.index > 0 {
				if len(found) >= s.index {
					next = append(next, found[s.index-1])
				}
			} else {
				next = append(next, found...)
			}
		}
		if len(next) == 0 {
			return nil
		}
		contexts = next
	}
	return contexts
}

func nodeNameMatches(n *cdp.Node, name string) bool {
	if n.NodeType != cdp.NodeTypeElement {
		return false
	}
	return name == "*" || strings.EqualFold(n.NodeName, name)
}

// elementChildren lists a node's element children, flattening shadow roots
// into the host's child list.
func elementChildren(n *cdp.Node) []*cdp.Node {
	var out []*cdp.Node
	for _, sr := range n.ShadowRoots {
		out = append(out, elementsOf(sr.Children)...)
	}
	out = append(out, elementsOf(n.Children)...)
	return out
}

func elementsOf(nodes []*cdp.Node) []*cdp.Node {
	var out []*cdp.Node
	for _, c := range nodes {
		if c.NodeType == cdp.NodeTypeElement {
			out = append(out, c)
		}
	}
	return out
}

func collectDescendants(n *cdp.Node, name string, out *[]*cdp.Node) {
	for _, c := range elementChildren(n) {
		if nodeNameMatches(c, name) {
			*out = append(*out, c)
		}
		collectDescendants(c, name, out)
	}
}

// findDocumentNode locates a frame's document node inside a pierced tree.
func findDocumentNode(root *cdp.Node, frameID cdp.FrameID) *cdp.Node {
	if root == nil {
		return nil
	}
	if root.NodeType == cdp.NodeTypeDocument && root.FrameID == frameID {
		return root
	}
	for _, set := range [][]*cdp.Node{root.Children, root.ShadowRoots} {
		for _, c := range set {
			if found := findDocumentNode(c, frameID); found != nil {
				return found
			}
		}
	}
	if root.ContentDocument != nil {
		if found := findDocumentNode(root.ContentDocument, frameID); found != nil {
			return found
		}
	}
	return nil
}
