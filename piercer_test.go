package cdpilot

import (
	"strings"
	"testing"

	"github.com/chromedp/cdproto/fetch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpliceScriptBeforeHeadEnd(t *testing.T) {
	doc := []byte(`<html><head><title>t</title></head><body></body></html>`)
	out := string(spliceScript(doc, []byte("<script>x</script>")))

	require.Contains(t, out, "<script>x</script>")
	assert.Less(t, strings.Index(out, "<script>x</script>"), strings.Index(out, "</head>"))
	assert.Greater(t, strings.Index(out, "<script>x</script>"), strings.Index(out, "<title>"))
}

func TestSpliceScriptAfterHeadOpen(t *testing.T) {
	// No closing head tag: fall back to just after <head>.
	doc := []byte(`<html><head><body><p>hi</p></body></html>`)
	out := string(spliceScript(doc, []byte("<script>x</script>")))

	i := strings.Index(out, "<script>x</script>")
	require.GreaterOrEqual(t, i, 0)
	assert.Greater(t, i, strings.Index(out, "<head>"))
}

func TestSpliceScriptBeforeBodyEnd(t *testing.T) {
	doc := []byte(`<html><body><p>hi</p></body></html>`)
	out := string(spliceScript(doc, []byte("<script>x</script>")))

	i := strings.Index(out, "<script>x</script>")
	require.GreaterOrEqual(t, i, 0)
	assert.Less(t, i, strings.Index(out, "</body>"))
	assert.Greater(t, i, strings.Index(out, "<p>hi</p>"))
}

func TestSpliceScriptPrependFallback(t *testing.T) {
	doc := []byte(`just some text`)
	out := string(spliceScript(doc, []byte("<script>x</script>")))
	assert.True(t, strings.HasPrefix(out, "<script>x</script>"))
	assert.True(t, strings.HasSuffix(out, "just some text"))
}

func TestRewriteCSPAddsNonceAndEval(t *testing.T) {
	in := "default-src 'self'; script-src 'self'; img-src *"
	out := rewriteCSP(in, "abc123")

	assert.Contains(t, out, "script-src 'self' 'unsafe-eval' 'nonce-abc123' 'unsafe-inline'")
	assert.Contains(t, out, "default-src 'self' 'unsafe-eval' 'nonce-abc123' 'unsafe-inline'")
	assert.Contains(t, out, "img-src *")
	assert.NotContains(t, out, "img-src * 'unsafe-eval'")
}

func TestRewriteCSPUnsafeInlineWithoutNonce(t *testing.T) {
	out := rewriteCSP("script-src 'self'", "")
	assert.Contains(t, out, "'unsafe-eval'")
	assert.Contains(t, out, "'unsafe-inline'")
}

func TestRewriteCSPKeepsPolicyNonceExclusive(t *testing.T) {
	// A policy that already uses a nonce source stays nonce-gated:
	// 'unsafe-inline' would be ignored there anyway.
	out := rewriteCSP("script-src 'nonce-site' 'self'", "abc123")
	assert.Contains(t, out, "'nonce-site'")
	assert.Contains(t, out, "'nonce-abc123'")
	assert.NotContains(t, out, "'unsafe-inline'")
}

func TestRewriteCSPHeadersOnlyTouchesCSP(t *testing.T) {
	headers := []*fetch.HeaderEntry{
		{Name: "Content-Type", Value: "text/html"},
		{Name: "Content-Security-Policy", Value: "script-src 'self'"},
	}
	out := rewriteCSPHeaders(headers, "n1")
	require.Len(t, out, 2)
	assert.Equal(t, "text/html", out[0].Value)
	assert.Contains(t, out[1].Value, "'nonce-n1'")
}

func TestIsHTMLResponse(t *testing.T) {
	assert.True(t, isHTMLResponse([]*fetch.HeaderEntry{{Name: "content-type", Value: "text/html; charset=utf-8"}}))
	assert.True(t, isHTMLResponse([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "TEXT/HTML"}}))
	assert.False(t, isHTMLResponse([]*fetch.HeaderEntry{{Name: "content-type", Value: "application/json"}}))
	assert.False(t, isHTMLResponse(nil))
}

func TestScriptTagCarriesNonceAndClass(t *testing.T) {
	pc := newPiercer("my-nonce", false, NewNullLogger())
	tag := string(pc.scriptTag())
	assert.Contains(t, tag, `nonce="my-nonce"`)
	assert.Contains(t, tag, initScriptClass)
	assert.Contains(t, tag, piercerGlobal)
}

func TestPiercerSourceIncludesCursorWhenEnabled(t *testing.T) {
	plain := newPiercer("n", false, nil)
	withCursor := newPiercer("n", true, nil)
	assert.NotContains(t, plain.source, cursorGlobal)
	assert.Contains(t, withCursor.source, cursorGlobal)
}
