package cdpilot

import (
	"context"
	"testing"

	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newLivePage builds a page over a scripted fake connection.
func newLivePage(t *testing.T, overrides map[string]string) *Page {
	t.Helper()
	conn, ft := newTestConnection(t)
	go ft.respondWith(overrides)
	return buildTestPage(t, conn)
}

func TestPageEvaluateExpression(t *testing.T) {
	p := newLivePage(t, map[string]string{
		"Page.createIsolatedWorld": `{"executionContextId": 5}`,
		"Runtime.evaluate":         `{"result":{"type":"string","value":"complete"}}`,
	})

	var ready string
	require.NoError(t, p.Evaluate(context.Background(), "document.readyState", nil, &ready))
	assert.Equal(t, "complete", ready)

	// The isolated world is cached per (session, frame).
	p.mu.Lock()
	assert.Equal(t, cdpruntime.ExecutionContextID(5), p.worlds[worldKey{session: "s0", frame: "main"}])
	p.mu.Unlock()
}

func TestPageEvaluateSurfacesException(t *testing.T) {
	p := newLivePage(t, map[string]string{
		"Page.createIsolatedWorld": `{"executionContextId": 5}`,
		"Runtime.evaluate":         `{"result":{"type":"undefined"},"exceptionDetails":{"exceptionId":1,"text":"Uncaught","lineNumber":0,"columnNumber":0,"exception":{"type":"object","description":"TypeError: boom"}}}`,
	})

	err := p.Evaluate(context.Background(), "throw new TypeError('boom')", nil, nil)
	var evalErr *EvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, "Uncaught", evalErr.Text)
	assert.Contains(t, evalErr.Detail, "TypeError: boom")
}

func TestEvaluateWrapsFunctionWithArg(t *testing.T) {
	p := newLivePage(t, map[string]string{
		"Page.createIsolatedWorld": `{"executionContextId": 5}`,
		"Runtime.evaluate":         `{"result":{"type":"number","value":3}}`,
	})

	var n int
	err := p.Evaluate(context.Background(), "(arg) => arg.a + arg.b", map[string]int{"a": 1, "b": 2}, &n)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestEvaluateUndefinedLeavesResultUntouched(t *testing.T) {
	p := newLivePage(t, map[string]string{
		"Page.createIsolatedWorld": `{"executionContextId": 5}`,
		"Runtime.evaluate":         `{"result":{"type":"undefined"}}`,
	})

	n := 42
	require.NoError(t, p.Evaluate(context.Background(), "void 0", nil, &n))
	assert.Equal(t, 42, n)
}
