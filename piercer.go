package cdpilot

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"golang.org/x/net/html"
)

// piercer installs the page-side helper script at document start. Two paths
// run together for robustness: splicing the script into intercepted Document
// responses, and a new-document script plus immediate evaluation for
// about:blank, races, and OOPIFs that bypass interception.
type piercer struct {
	nonce  string
	source string
	logger *Logger
}

func newPiercer(nonce string, cursor bool, logger *Logger) *piercer {
	if logger == nil {
		logger = NewNullLogger()
	}
	src := piercerJS
	if cursor {
		src += "\n" + cursorJS
	}
	return &piercer{nonce: nonce, source: src, logger: logger}
}

// install wires both injection paths onto a session.
func (pc *piercer) install(ctx context.Context, sess *Session) error {
	err := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   "*",
		ResourceType: network.ResourceTypeDocument,
		RequestStage: fetch.RequestStageResponse,
	}}).Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return fmt.Errorf("enable fetch interception: %w", err)
	}

	sess.on(cdproto.EventFetchRequestPaused, func(ev interface{}) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			// Fulfillment runs off the dispatch goroutine: it issues
			// its own CDP calls on this session.
			go pc.onRequestPaused(sess, e)
		}
	})

	if _, err := page.AddScriptToEvaluateOnNewDocument(pc.source).
		Do(cdp.WithExecutor(ctx, sess)); err != nil {
		return fmt.Errorf("add new-document script: %w", err)
	}

	// Evaluate immediately for the document already committed.
	_ = sess.ExecuteWithoutExpectationOnReply(
		cdpruntime.CommandEvaluate,
		cdpruntime.Evaluate(pc.source),
	)
	return nil
}

func (pc *piercer) onRequestPaused(sess *Session, e *fetch.EventRequestPaused) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultSendTimeout)
	defer cancel()
	exec := cdp.WithExecutor(ctx, sess)

	cont := func() {
		if err := fetch.ContinueRequest(e.RequestID).Do(exec); err != nil {
			pc.logger.Debugf("piercer", "continue request %s: %v", e.RequestID, err)
		}
	}

	// Only HTML documents with 2xx/3xx status are touched.
	if e.ResponseStatusCode < 200 || e.ResponseStatusCode >= 400 || !isHTMLResponse(e.ResponseHeaders) {
		cont()
		return
	}

	body, err := fetch.GetResponseBody(e.RequestID).Do(exec)
	if err != nil {
		pc.logger.Debugf("piercer", "response body %s: %v", e.RequestID, err)
		cont()
		return
	}

	spliced := spliceScript(body, pc.scriptTag())
	headers := rewriteCSPHeaders(e.ResponseHeaders, pc.nonce)

	err = fetch.FulfillRequest(e.RequestID, e.ResponseStatusCode).
		WithResponseHeaders(headers).
		WithBody(base64.StdEncoding.EncodeToString(spliced)).
		Do(exec)
	if err != nil {
		pc.logger.Debugf("piercer", "fulfill %s: %v", e.RequestID, err)
		cont()
	}
}

func (pc *piercer) scriptTag() []byte {
	return []byte(fmt.Sprintf("<script class=%q nonce=%q>%s</script>", initScriptClass, pc.nonce, pc.source))
}

func isHTMLResponse(headers []*fetch.HeaderEntry) bool {
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-type") {
			return strings.Contains(strings.ToLower(h.Value), "text/html")
		}
	}
	return false
}

// spliceScript inserts tag before </head>, falling back to after <head>,
// before </body>, then document start.
func spliceScript(doc, tag []byte) []byte {
	if off := tagOffset(doc, "head", false); off >= 0 {
		return insertAt(doc, tag, off)
	}
	if off := tagOffset(doc, "head", true); off >= 0 {
		return insertAt(doc, tag, off)
	}
	if off := tagOffset(doc, "body", false); off >= 0 {
		return insertAt(doc, tag, off)
	}
	return append(append([]byte{}, tag...), doc...)
}

// tagOffset scans doc with the HTML tokenizer and returns the byte offset of
// the named end tag (start=false), or the offset just past the named start
// tag (start=true). Returns -1 when absent.
func tagOffset(doc []byte, name string, start bool) int {
	z := html.NewTokenizer(bytes.NewReader(doc))
	off := 0
	for {
		tt := z.Next()
		raw := len(z.Raw())
		if tt == html.ErrorToken {
			return -1
		}
		tn, _ := z.TagName()
		switch {
		case start && tt == html.StartTagToken && string(tn) == name:
			return off + raw
		case !start && tt == html.EndTagToken && string(tn) == name:
			return off
		}
		off += raw
	}
}

func insertAt(doc, tag []byte, off int) []byte {
	out := make([]byte, 0, len(doc)+len(tag))
	out = append(out, doc[:off]...)
	out = append(out, tag...)
	out = append(out, doc[off:]...)
	return out
}

// rewriteCSPHeaders grants 'unsafe-eval' plus our nonce (when set) in the
// script directives of every Content-Security-Policy header; a directive
// with no nonce source of its own also gets 'unsafe-inline'. This lets the
// spliced script and helper survive strict policies.
func rewriteCSPHeaders(headers []*fetch.HeaderEntry, nonce string) []*fetch.HeaderEntry {
	out := make([]*fetch.HeaderEntry, 0, len(headers))
	for _, h := range headers {
		if strings.EqualFold(h.Name, "content-security-policy") ||
			strings.EqualFold(h.Name, "content-security-policy-report-only") {
			out = append(out, &fetch.HeaderEntry{
				Name:  h.Name,
				Value: rewriteCSP(h.Value, nonce),
			})
			continue
		}
		out = append(out, h)
	}
	return out
}

func rewriteCSP(value, nonce string) string {
	directives := strings.Split(value, ";")
	for i, d := range directives {
		fields := strings.Fields(d)
		if len(fields) == 0 {
			continue
		}
		switch strings.ToLower(fields[0]) {
		case "script-src", "script-src-elem", "default-src":
			hasNonce := strings.Contains(d, "'nonce-")
			fields = append(fields, "'unsafe-eval'")
			if nonce != "" {
				fields = append(fields, "'nonce-"+nonce+"'")
			}
			// A policy with no nonce source of its own also gets
			// 'unsafe-inline', so inline handlers the page relies on
			// keep working after the rewrite.
			if !hasNonce {
				fields = append(fields, "'unsafe-inline'")
			}
			directives[i] = strings.Join(fields, " ")
		}
	}
	return strings.Join(directives, ";")
}
