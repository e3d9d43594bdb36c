package cdpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// installContextTracking follows a session's execution contexts so frames can
// be evaluated in either their main world or the engine's isolated world.
func (p *Page) installContextTracking(ctx context.Context, sess *Session) error {
	sid := sess.ID()
	off := sess.onAll([]string{
		cdproto.EventRuntimeExecutionContextCreated,
		cdproto.EventRuntimeExecutionContextDestroyed,
	}, func(ev interface{}) {
		switch e := ev.(type) {
		case *cdpruntime.EventExecutionContextCreated:
			var aux struct {
				FrameID   cdp.FrameID `json:"frameId"`
				IsDefault bool        `json:"isDefault"`
			}
			if len(e.Context.AuxData) == 0 {
				return
			}
			if err := json.Unmarshal(e.Context.AuxData, &aux); err != nil || aux.FrameID == "" {
				return
			}
			key := worldKey{session: sid, frame: aux.FrameID}
			p.mu.Lock()
			if aux.IsDefault {
				p.mainWorlds[key] = e.Context.ID
			} else if e.Context.Name == isolatedWorldName {
				p.worlds[key] = e.Context.ID
			}
			p.mu.Unlock()
		case *cdpruntime.EventExecutionContextDestroyed:
			p.mu.Lock()
			for k, id := range p.mainWorlds {
				if id == e.ExecutionContextID {
					delete(p.mainWorlds, k)
				}
			}
			for k, id := range p.worlds {
				if id == e.ExecutionContextID {
					delete(p.worlds, k)
				}
			}
			p.mu.Unlock()
		}
	})
	p.mu.Lock()
	p.contextOffs[sid] = off
	p.mu.Unlock()

	return cdpruntime.Enable().Do(cdp.WithExecutor(ctx, sess))
}

// isolatedWorld returns the engine's isolated world for a frame, creating it
// on first use. Worlds are cached per (session, frame) for the frame's
// lifetime.
func (p *Page) isolatedWorld(ctx context.Context, sess *Session, frameID cdp.FrameID) (cdpruntime.ExecutionContextID, error) {
	key := worldKey{session: sess.ID(), frame: frameID}
	p.mu.Lock()
	id, ok := p.worlds[key]
	p.mu.Unlock()
	if ok {
		return id, nil
	}
	id, err := page.CreateIsolatedWorld(frameID).
		WithWorldName(isolatedWorldName).
		WithGrantUniveralAccess(true).
		Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return 0, fmt.Errorf("create isolated world: %w", err)
	}
	p.mu.Lock()
	p.worlds[key] = id
	p.mu.Unlock()
	return id, nil
}

// mainWorld returns the main-world context id recorded for a frame, or 0 when
// no default context has been recorded for it (evaluation then uses the
// session default context).
func (p *Page) mainWorld(sess *Session, frameID cdp.FrameID) cdpruntime.ExecutionContextID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mainWorlds[worldKey{session: sess.ID(), frame: frameID}]
}

// evalOptions select the world and marshaling mode for evaluate.
type evalOptions struct {
	contextID    cdpruntime.ExecutionContextID
	awaitPromise bool
	// rawExpr suppresses function-literal detection for callers that
	// build complete expressions themselves.
	rawExpr bool
}

// evaluate runs fnOrExpr on sess. A function literal is wrapped into a call
// with arg serialized as JSON and rehydrated inside the page; an expression
// evaluates as-is. The result is returned by value and unmarshaled into res.
func evaluate(ctx context.Context, sess *Session, fnOrExpr string, arg interface{}, res interface{}, opts evalOptions) error {
	expr := fnOrExpr
	if !opts.rawExpr && isFunctionLike(fnOrExpr) {
		argJSON := "undefined"
		if arg != nil {
			buf, err := json.Marshal(arg)
			if err != nil {
				return fmt.Errorf("marshal evaluate argument: %w", err)
			}
			argJSON = string(buf)
		}
		expr = "(" + fnOrExpr + ")(" + argJSON + ")"
	}

	p := cdpruntime.Evaluate(expr).WithReturnByValue(true)
	if opts.contextID != 0 {
		p = p.WithContextID(opts.contextID)
	}
	if opts.awaitPromise {
		p = p.WithAwaitPromise(true)
	}

	v, exp, err := p.Do(cdp.WithExecutor(ctx, sess))
	if err != nil {
		return err
	}
	if exp != nil {
		return evalException(exp)
	}
	if res == nil || v == nil {
		return nil
	}
	if v.Type == "undefined" || len(v.Value) == 0 {
		return nil
	}
	return json.Unmarshal(v.Value, res)
}

func evalException(exp *cdpruntime.ExceptionDetails) error {
	e := &EvaluationError{Text: exp.Text}
	if exp.Exception != nil {
		e.Detail = exp.Exception.Description
	}
	return e
}

// Evaluate runs fnOrExpr in the engine's isolated world on the current main
// frame, rehydrating arg inside the page and unmarshaling the JSON result
// into res.
func (p *Page) Evaluate(ctx context.Context, fnOrExpr string, arg interface{}, res interface{}) error {
	return p.evaluateOnFrame(ctx, p.registry.MainFrameID(), fnOrExpr, arg, res)
}

func (p *Page) evaluateOnFrame(ctx context.Context, frameID cdp.FrameID, fnOrExpr string, arg interface{}, res interface{}) error {
	sess := p.SessionForFrame(frameID)
	world, err := p.isolatedWorld(ctx, sess, frameID)
	if err != nil {
		return err
	}
	err = evaluate(ctx, sess, fnOrExpr, arg, res, evalOptions{contextID: world, awaitPromise: true})
	if err != nil && isStaleContextError(err) {
		// The frame navigated under us; rebuild the world and retry once.
		p.invalidateWorldsFor(frameID)
		world, werr := p.isolatedWorld(ctx, sess, frameID)
		if werr != nil {
			return werr
		}
		return evaluate(ctx, sess, fnOrExpr, arg, res, evalOptions{contextID: world, awaitPromise: true})
	}
	return err
}

// evaluateMainWorld runs fnOrExpr in a frame's main world, where the piercer
// helper and the page's own globals live.
func (p *Page) evaluateMainWorld(ctx context.Context, frameID cdp.FrameID, fnOrExpr string, arg interface{}, res interface{}) error {
	sess := p.SessionForFrame(frameID)
	opts := evalOptions{awaitPromise: true}
	if id := p.mainWorld(sess, frameID); id != 0 {
		opts.contextID = id
	}
	return evaluate(ctx, sess, fnOrExpr, arg, res, opts)
}

// isStaleContextError matches the server errors produced by evaluating in a
// context torn down by navigation.
func isStaleContextError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Cannot find context") ||
		strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "uniqueContextId not found")
}

// releaseObject releases a remote object id, swallowing failures: the
// context may already be gone after a navigation, which is not an error.
func releaseObject(ctx context.Context, sess *Session, id cdpruntime.RemoteObjectID, logger *Logger) {
	if id == "" {
		return
	}
	if err := cdpruntime.ReleaseObject(id).Do(cdp.WithExecutor(ctx, sess)); err != nil {
		logger.Debugf("eval", "release object: %v", err)
	}
}
