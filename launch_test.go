package cdpilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollVersionEndpoint(t *testing.T) {
	var ready atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" || !ready.Load() {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws://127.0.0.1:9222/devtools/browser/abc",
		})
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	// The endpoint comes up only after a short delay, as a real launch
	// does.
	go func() {
		time.Sleep(150 * time.Millisecond)
		ready.Store(true)
	}()

	wsURL, err := pollVersionEndpoint(context.Background(), port, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", wsURL)
}

func TestPollVersionEndpointTimesOut(t *testing.T) {
	port, err := pickFreePort()
	require.NoError(t, err)

	_, err = pollVersionEndpoint(context.Background(), port, 300*time.Millisecond)
	require.Error(t, err)
}

func TestPickFreePort(t *testing.T) {
	a, err := pickFreePort()
	require.NoError(t, err)
	assert.Greater(t, a, 0)
}
