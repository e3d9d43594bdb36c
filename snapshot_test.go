package cdpilot

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectOutlineUnderHostLine(t *testing.T) {
	parent := []outlineLine{
		{encoded: "0-1", depth: 0, text: "scrollable, html"},
		{encoded: "0-20", depth: 1, text: "iframe"},
		{encoded: "0-30", depth: 1, text: `button "After"`},
	}
	child := []outlineLine{
		{encoded: "1-1", depth: 0, text: "scrollable, html"},
		{encoded: "1-9", depth: 1, text: `button "Inner"`},
	}

	merged := injectOutline(parent, "0-20", child)
	require.Len(t, merged, 5)
	assert.Equal(t, EncodedID("0-20"), merged[1].encoded)
	assert.Equal(t, EncodedID("1-1"), merged[2].encoded)
	assert.Equal(t, 2, merged[2].depth)
	assert.Equal(t, 3, merged[3].depth)
	assert.Equal(t, EncodedID("0-30"), merged[4].encoded)
	assert.Equal(t, 1, merged[4].depth)
}

func TestInjectOutlineMissingHostAppends(t *testing.T) {
	parent := []outlineLine{{encoded: "0-1", depth: 0, text: "html"}}
	child := []outlineLine{{encoded: "1-1", depth: 0, text: "html"}}

	merged := injectOutline(parent, "0-999", child)
	require.Len(t, merged, 2)
	assert.Equal(t, EncodedID("1-1"), merged[1].encoded)
}

func TestRenderLines(t *testing.T) {
	out := renderLines([]outlineLine{
		{encoded: "0-1", depth: 0, text: "scrollable, html"},
		{encoded: "0-2", depth: 2, text: `button "OK"`},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "[0-1] scrollable, html", lines[0])
	assert.Equal(t, `    [0-2] button "OK"`, lines[1])
}

func TestEncodeID(t *testing.T) {
	assert.Equal(t, EncodedID("0-42"), encodeID(0, 42))
	assert.Equal(t, EncodedID("3-7"), encodeID(3, 7))
}

func TestOrdinalAssignmentPersists(t *testing.T) {
	p := newDetachedPage(t)

	first := p.ordinalFor("frame-a")
	second := p.ordinalFor("frame-b")
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	// First-seen ordinals persist for the page's lifetime.
	assert.Equal(t, 0, p.ordinalFor("frame-a"))
	assert.Equal(t, 2, p.ordinalFor("frame-c"))
	assert.Equal(t, EncodedID("0-99"), p.EncodedIDFor("frame-a", 99))
}
