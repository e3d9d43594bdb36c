package cdpilot

import (
	"testing"

	"github.com/chromedp/cdproto/accessibility"
	"github.com/chromedp/cdproto/cdp"
	"github.com/mailru/easyjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func axValue(s string) *accessibility.Value {
	return &accessibility.Value{Value: easyjson.RawMessage(`"` + s + `"`)}
}

func rawNode(id, parent string, role, name string, backendID int64, childIDs ...string) *accessibility.Node {
	n := &accessibility.Node{
		NodeID:           accessibility.NodeID(id),
		Role:             axValue(role),
		BackendDOMNodeID: cdp.BackendNodeID(backendID),
	}
	if name != "" {
		n.Name = axValue(name)
	}
	if parent != "" {
		n.ParentID = accessibility.NodeID(parent)
	}
	for _, c := range childIDs {
		n.ChildIDs = append(n.ChildIDs, accessibility.NodeID(c))
	}
	return n
}

func tagsFixture(tags map[int64]string) axDecor {
	return axDecor{
		tag: func(id cdp.BackendNodeID) string {
			return tags[int64(id)]
		},
		scrollable: func(id cdp.BackendNodeID) bool { return false },
	}
}

func TestBuildAXForest(t *testing.T) {
	nodes := []*accessibility.Node{
		rawNode("1", "", "RootWebArea", "Page", 1, "2", "3"),
		rawNode("2", "1", "button", "OK", 2),
		rawNode("3", "1", "link", "Docs", 3),
	}
	roots := buildAXForest(nodes)
	require.Len(t, roots, 1)
	require.Len(t, roots[0].children, 2)
	assert.Equal(t, "button", roots[0].children[0].role)
	assert.Equal(t, "Docs", roots[0].children[1].name)
}

func TestSimplifyPrunesStructuralWrappers(t *testing.T) {
	nodes := []*accessibility.Node{
		rawNode("1", "", "RootWebArea", "Page", 1, "2"),
		rawNode("2", "1", "generic", "", 2, "3"),
		rawNode("3", "2", "button", "OK", 3),
	}
	forest := simplifyAX(buildAXForest(nodes), tagsFixture(map[int64]string{2: "div"}))
	require.Len(t, forest, 1)
	// The generic wrapper is gone; the button is promoted.
	require.Len(t, forest[0].children, 1)
	assert.Equal(t, "button", forest[0].children[0].role)
}

func TestSimplifyKeepsDescribedWrapperAsTag(t *testing.T) {
	n := rawNode("2", "1", "generic", "", 2, "3")
	n.Description = axValue("sidebar container")
	nodes := []*accessibility.Node{
		rawNode("1", "", "RootWebArea", "Page", 1, "2"),
		n,
		rawNode("3", "2", "button", "OK", 3),
	}
	forest := simplifyAX(buildAXForest(nodes), tagsFixture(map[int64]string{2: "aside"}))
	require.Len(t, forest, 1)
	require.Len(t, forest[0].children, 1)
	// Kept, with the underlying tag in place of "generic".
	assert.Equal(t, "aside", forest[0].children[0].role)
}

func TestSimplifyKeepsNamedWrapperWithUniqueChild(t *testing.T) {
	named := rawNode("2", "1", "generic", "Results", 2, "3")
	nodes := []*accessibility.Node{
		rawNode("1", "", "RootWebArea", "Page", 1, "2"),
		named,
		rawNode("3", "2", "button", "OK", 3),
	}
	forest := simplifyAX(buildAXForest(nodes), tagsFixture(map[int64]string{2: "section"}))
	require.Len(t, forest, 1)
	require.Len(t, forest[0].children, 1)
	// Pruning would orphan the unique child of its named context, so the
	// wrapper stays, reading as its tag.
	wrapper := forest[0].children[0]
	assert.Equal(t, "section", wrapper.role)
	assert.Equal(t, "Results", wrapper.name)
	require.Len(t, wrapper.children, 1)
	assert.Equal(t, "button", wrapper.children[0].role)
}

func TestSimplifyCollapsesComboboxOverSelect(t *testing.T) {
	nodes := []*accessibility.Node{
		rawNode("1", "", "combobox", "Color", 10),
	}
	forest := simplifyAX(buildAXForest(nodes), tagsFixture(map[int64]string{10: "select"}))
	require.Len(t, forest, 1)
	assert.Equal(t, "select", forest[0].role)
}

func TestSimplifyStripsRedundantStaticText(t *testing.T) {
	nodes := []*accessibility.Node{
		rawNode("1", "", "button", "Submit", 1, "2"),
		rawNode("2", "1", "StaticText", "Submit", 2),
	}
	forest := simplifyAX(buildAXForest(nodes), tagsFixture(nil))
	require.Len(t, forest, 1)
	assert.Empty(t, forest[0].children)

	// Distinct text survives.
	nodes = []*accessibility.Node{
		rawNode("1", "", "button", "Submit", 1, "2"),
		rawNode("2", "1", "StaticText", "Submit now", 2),
	}
	forest = simplifyAX(buildAXForest(nodes), tagsFixture(nil))
	require.Len(t, forest[0].children, 1)
}

func TestRenderOutlineScrollableDecor(t *testing.T) {
	nodes := []*accessibility.Node{
		rawNode("1", "", "RootWebArea", "Page", 1, "2"),
		rawNode("2", "1", "main", "", 2),
	}
	decor := axDecor{
		tag: func(id cdp.BackendNodeID) string {
			if id == 1 {
				return "html"
			}
			return "main"
		},
		scrollable: func(id cdp.BackendNodeID) bool { return id == 2 },
	}
	forest := simplifyAX(buildAXForest(nodes), decor)
	lines := renderOutline(forest, decor, func(id cdp.BackendNodeID) EncodedID {
		return encodeID(0, id)
	})
	require.Len(t, lines, 2)
	assert.Equal(t, EncodedID("0-1"), lines[0].encoded)
	assert.Contains(t, lines[0].text, "scrollable, html")
	assert.Contains(t, lines[1].text, "scrollable, main")
	assert.Equal(t, 1, lines[1].depth)
}

func TestFilterSubtree(t *testing.T) {
	nodes := []*accessibility.Node{
		rawNode("1", "", "RootWebArea", "Page", 1, "2", "3"),
		rawNode("2", "1", "navigation", "", 2),
		rawNode("3", "1", "form", "", 3, "4"),
		rawNode("4", "3", "button", "Go", 4),
	}
	forest := buildAXForest(nodes)
	filtered := filterSubtree(forest, 3)
	require.Len(t, filtered, 1)
	assert.Equal(t, "form", filtered[0].role)

	// Unknown backend id keeps the whole forest.
	assert.Equal(t, forest, filterSubtree(forest, 999))
}

func TestAXURLProperty(t *testing.T) {
	n := rawNode("1", "", "link", "Docs", 5)
	n.Properties = []*accessibility.Property{{
		Name:  accessibility.PropertyName("url"),
		Value: axValue("https://docs.example/"),
	}}
	roots := buildAXForest([]*accessibility.Node{n})
	require.Len(t, roots, 1)
	assert.Equal(t, "https://docs.example/", roots[0].url)
}
