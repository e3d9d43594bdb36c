package cdpilot

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
)

const (
	// networkQuietWindow is how long the in-flight count must stay at zero
	// before the network is considered idle.
	networkQuietWindow = 500 * time.Millisecond

	// requestStallAge force-completes requests that never report a
	// terminal event. Stalled iframe documents are common on ad networks.
	requestStallAge = 2 * time.Second

	// stallSweepInterval is how often the stall sweep runs.
	stallSweepInterval = 500 * time.Millisecond
)

type requestKey struct {
	session target.SessionID
	request network.RequestID
}

type requestRecord struct {
	url     string
	frameID cdp.FrameID
	resType network.ResourceType
	started time.Time
}

// NetworkManager tracks in-flight requests across all of a page's sessions
// and answers network-idle waits. WebSocket and EventSource requests are
// never counted toward idleness.
type NetworkManager struct {
	logger *Logger

	mu       sync.Mutex
	inflight map[requestKey]*requestRecord
	// changed is closed and replaced on every mutation, broadcasting to
	// idle waiters.
	changed chan struct{}

	sweepStop chan struct{}
	sweepOnce sync.Once
	now       func() time.Time
}

// NewNetworkManager creates a manager with its stall sweep running.
func NewNetworkManager(logger *Logger) *NetworkManager {
	if logger == nil {
		logger = NewNullLogger()
	}
	m := &NetworkManager{
		logger:    logger,
		inflight:  make(map[requestKey]*requestRecord),
		changed:   make(chan struct{}),
		sweepStop: make(chan struct{}),
		now:       time.Now,
	}
	go m.sweepLoop()
	return m
}

// Stop terminates the stall sweep. Idempotent.
func (m *NetworkManager) Stop() {
	m.sweepOnce.Do(func() { close(m.sweepStop) })
}

// Attach enables the Network domain on sess and subscribes the manager to
// its request lifecycle events. The returned func unsubscribes.
func (m *NetworkManager) Attach(ctx context.Context, sess *Session) (func(), error) {
	if err := network.Enable().Do(cdp.WithExecutor(ctx, sess)); err != nil {
		return nil, err
	}
	sid := sess.ID()

	offs := []func(){
		sess.on(cdproto.EventNetworkRequestWillBeSent, func(ev interface{}) {
			if e, ok := ev.(*network.EventRequestWillBeSent); ok {
				m.onRequestWillBeSent(sid, e)
			}
		}),
		sess.on(cdproto.EventNetworkLoadingFinished, func(ev interface{}) {
			if e, ok := ev.(*network.EventLoadingFinished); ok {
				m.complete(sid, e.RequestID)
			}
		}),
		sess.on(cdproto.EventNetworkLoadingFailed, func(ev interface{}) {
			if e, ok := ev.(*network.EventLoadingFailed); ok {
				m.complete(sid, e.RequestID)
			}
		}),
		sess.on(cdproto.EventNetworkRequestServedFromCache, func(ev interface{}) {
			if e, ok := ev.(*network.EventRequestServedFromCache); ok {
				m.complete(sid, e.RequestID)
			}
		}),
		sess.on(cdproto.EventNetworkResponseReceived, func(ev interface{}) {
			if e, ok := ev.(*network.EventResponseReceived); ok {
				m.onResponseReceived(sid, e)
			}
		}),
		sess.on(cdproto.EventPageFrameStoppedLoading, func(ev interface{}) {
			if e, ok := ev.(*page.EventFrameStoppedLoading); ok {
				m.onFrameStoppedLoading(sid, e.FrameID)
			}
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}, nil
}

// DetachSession drops every in-flight record held for sid.
func (m *NetworkManager) DetachSession(sid target.SessionID) {
	m.mu.Lock()
	for k := range m.inflight {
		if k.session == sid {
			delete(m.inflight, k)
		}
	}
	m.broadcastLocked()
	m.mu.Unlock()
}

// InflightCount returns the number of requests currently counted.
func (m *NetworkManager) InflightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight)
}

func (m *NetworkManager) onRequestWillBeSent(sid target.SessionID, e *network.EventRequestWillBeSent) {
	switch e.Type {
	case network.ResourceTypeWebSocket, network.ResourceTypeEventSource:
		return
	}
	m.mu.Lock()
	m.inflight[requestKey{sid, e.RequestID}] = &requestRecord{
		url:     e.Request.URL,
		frameID: e.FrameID,
		resType: e.Type,
		started: m.now(),
	}
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *NetworkManager) onResponseReceived(sid target.SessionID, e *network.EventResponseReceived) {
	// data: URLs produce no loadingFinished; complete them on response.
	if e.Response != nil && strings.HasPrefix(e.Response.URL, "data:") {
		m.complete(sid, e.RequestID)
	}
}

func (m *NetworkManager) onFrameStoppedLoading(sid target.SessionID, frameID cdp.FrameID) {
	m.mu.Lock()
	for k, rec := range m.inflight {
		if k.session == sid && rec.frameID == frameID && rec.resType == network.ResourceTypeDocument {
			delete(m.inflight, k)
		}
	}
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *NetworkManager) complete(sid target.SessionID, id network.RequestID) {
	m.mu.Lock()
	delete(m.inflight, requestKey{sid, id})
	m.broadcastLocked()
	m.mu.Unlock()
}

func (m *NetworkManager) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func (m *NetworkManager) sweepLoop() {
	t := time.NewTicker(stallSweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *NetworkManager) sweep() {
	cutoff := m.now().Add(-requestStallAge)
	m.mu.Lock()
	var stalled int
	for k, rec := range m.inflight {
		if rec.started.Before(cutoff) {
			m.logger.Debugf("network", "force-completing stalled request %s (%s)", k.request, rec.url)
			delete(m.inflight, k)
			stalled++
		}
	}
	if stalled > 0 {
		m.broadcastLocked()
	}
	m.mu.Unlock()
}

// WaitForIdle resolves once the in-flight count has been zero for the quiet
// window, or fails with ErrLifecycleTimeout when timeout elapses first. The
// caller's context aborts the wait early.
func (m *NetworkManager) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		count := len(m.inflight)
		changed := m.changed
		m.mu.Unlock()

		if count == 0 {
			quiet := time.NewTimer(networkQuietWindow)
			select {
			case <-quiet.C:
				return nil
			case <-changed:
				quiet.Stop()
				// activity resumed; go around again
			case <-deadline.C:
				quiet.Stop()
				return ErrLifecycleTimeout
			case <-ctx.Done():
				quiet.Stop()
				return ctx.Err()
			}
			continue
		}

		select {
		case <-changed:
		case <-deadline.C:
			return ErrLifecycleTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
