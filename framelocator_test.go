package cdpilot

import (
	"testing"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHops(t *testing.T) {
	assert.Equal(t, []string{"iframe#a", "#x"}, splitHops("iframe#a >> #x"))
	assert.Equal(t, []string{"a", "b", "c"}, splitHops("a>>b>>c"))
	assert.Equal(t, []string{"div.foo"}, splitHops("div.foo"))
}

func TestParseXPathSteps(t *testing.T) {
	steps := parseXPathSteps("/html/body//iframe[2]/div[1]")
	require.Len(t, steps, 4)
	assert.Equal(t, "html", steps[0].name)
	assert.False(t, steps[0].deep)
	assert.True(t, steps[2].deep)
	assert.Equal(t, "iframe", steps[2].name)
	assert.Equal(t, 2, steps[2].index)
	assert.Equal(t, "div", steps[3].name)
	assert.Equal(t, 1, steps[3].index)
}

func TestSplitXPathAtFrameStep(t *testing.T) {
	prefix, rest, ok := splitXPathAtFrameStep("/html/body/iframe[1]/html/body/button[1]")
	require.True(t, ok)
	assert.Equal(t, "/html/body/iframe[1]", prefix)
	assert.Equal(t, "/html/body/button[1]", rest)

	// Case-insensitive FRAME step.
	prefix, rest, ok = splitXPathAtFrameStep("/html/FRAME[2]/p[1]")
	require.True(t, ok)
	assert.Equal(t, "/html/FRAME[2]", prefix)
	assert.Equal(t, "/p[1]", rest)

	// A trailing iframe step targets the iframe element itself.
	_, _, ok = splitXPathAtFrameStep("/html/body/iframe[1]")
	assert.False(t, ok)

	_, _, ok = splitXPathAtFrameStep("/html/body/div[3]")
	assert.False(t, ok)
}

func elem(name string, backendID int64, children ...*cdp.Node) *cdp.Node {
	return &cdp.Node{
		NodeType:      cdp.NodeTypeElement,
		NodeName:      name,
		LocalName:     lower(name),
		BackendNodeID: cdp.BackendNodeID(backendID),
		Children:      children,
	}
}

func lower(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r >= 'A' && r <= 'Z' {
			r += 'a' - 'A'
		}
		out = append(out, r)
	}
	return string(out)
}

func testDoc() *cdp.Node {
	// html > body > [div, div > button, shadow-host{#shadow: button}]
	host := elem("DIV", 60)
	host.ShadowRoots = []*cdp.Node{{
		NodeType:      cdp.NodeTypeDocumentFragment,
		NodeName:      "#document-fragment",
		BackendNodeID: 61,
		Children:      []*cdp.Node{elem("BUTTON", 62)},
	}}
	doc := &cdp.Node{
		NodeType:      cdp.NodeTypeDocument,
		NodeName:      "#document",
		BackendNodeID: 1,
		FrameID:       "main",
		Children: []*cdp.Node{
			elem("HTML", 10,
				elem("BODY", 20,
					elem("DIV", 30),
					elem("DIV", 40, elem("BUTTON", 41)),
					host,
				),
			),
		},
	}
	return doc
}

func TestMatchSimpleXPath(t *testing.T) {
	doc := testDoc()

	tests := []struct {
		xp   string
		want []int64
	}{
		{"/html/body/div[1]", []int64{30}},
		{"/html/body/div[2]/button[1]", []int64{41}},
		{"/html/body/div", []int64{30, 40, 60}},
		{"//button", []int64{41, 62}},
		{"//button[1]", []int64{41}},
		{"/html/body/*", []int64{30, 40, 60}},
		{"/html/body/span", nil},
	}
	for _, tt := range tests {
		t.Run(tt.xp, func(t *testing.T) {
			matches := matchSimpleXPath(doc, tt.xp)
			got := make([]int64, 0, len(matches))
			for _, m := range matches {
				got = append(got, int64(m.BackendNodeID))
			}
			if tt.want == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMatchSimpleXPathPiercesShadow(t *testing.T) {
	doc := testDoc()
	// The shadow child is reachable through its host with a direct step:
	// shadow roots flatten into the host's child list.
	matches := matchSimpleXPath(doc, "/html/body/div[3]/button[1]")
	require.Len(t, matches, 1)
	assert.Equal(t, cdp.BackendNodeID(62), matches[0].BackendNodeID)
}

func TestFindDocumentNode(t *testing.T) {
	inner := &cdp.Node{
		NodeType:      cdp.NodeTypeDocument,
		NodeName:      "#document",
		BackendNodeID: 100,
		FrameID:       "child",
	}
	iframe := elem("IFRAME", 50)
	iframe.ContentDocument = inner
	doc := &cdp.Node{
		NodeType:      cdp.NodeTypeDocument,
		BackendNodeID: 1,
		FrameID:       "main",
		Children:      []*cdp.Node{elem("HTML", 10, elem("BODY", 20, iframe))},
	}

	found := findDocumentNode(doc, "child")
	require.NotNil(t, found)
	assert.Equal(t, cdp.BackendNodeID(100), found.BackendNodeID)

	assert.Same(t, doc, findDocumentNode(doc, "main"))
	assert.Nil(t, findDocumentNode(doc, "nope"))
}
