package cdpilot

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// DefaultConnectTimeout bounds the wait for a launched browser's DevTools
// endpoint to come up.
const DefaultConnectTimeout = 20 * time.Second

// LaunchOptions configure a local Chromium launch.
type LaunchOptions struct {
	// ExecPath is the browser binary. When empty, well-known install
	// locations are searched.
	ExecPath string
	// UserDataDir is the profile directory. When empty a temp dir is
	// created and removed on Close.
	UserDataDir string
	// Port is the remote debugging port. When zero a free port is picked.
	Port int
	// Headless runs with --headless=new.
	Headless bool
	// ConnectTimeout bounds endpoint discovery. Defaults to
	// DefaultConnectTimeout.
	ConnectTimeout time.Duration
	// ExtraFlags are appended verbatim to the command line.
	ExtraFlags []string
	// Logger receives launch diagnostics.
	Logger *Logger
}

// LaunchedBrowser is a running local browser process.
type LaunchedBrowser struct {
	// WebSocketURL is the browser-level DevTools endpoint.
	WebSocketURL string

	cmd       *exec.Cmd
	dataDir   string
	removeDir bool
	logger    *Logger
}

// Launch starts a local Chromium and discovers its DevTools websocket URL by
// polling the version endpoint.
func Launch(ctx context.Context, opts LaunchOptions) (*LaunchedBrowser, error) {
	if opts.Logger == nil {
		opts.Logger = NewNullLogger()
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	execPath := opts.ExecPath
	if execPath == "" {
		execPath = findExecPath()
		if execPath == "" {
			return nil, Error("no chromium executable found")
		}
	}

	port := opts.Port
	if port == 0 {
		var err error
		if port, err = pickFreePort(); err != nil {
			return nil, fmt.Errorf("pick debugging port: %w", err)
		}
	}

	dataDir := opts.UserDataDir
	removeDir := false
	if dataDir == "" {
		dir, err := os.MkdirTemp("", "cdpilot-profile-")
		if err != nil {
			return nil, fmt.Errorf("create user data dir: %w", err)
		}
		dataDir = dir
		removeDir = true
	}

	args := []string{
		"--remote-allow-origins=*",
		"--no-first-run",
		"--no-default-browser-check",
		"--disable-dev-shm-usage",
		"--site-per-process",
		"--user-data-dir=" + dataDir,
		fmt.Sprintf("--remote-debugging-port=%d", port),
	}
	if opts.Headless {
		args = append(args, "--headless=new")
	}
	args = append(args, opts.ExtraFlags...)
	args = append(args, "about:blank")

	cmd := exec.Command(execPath, args...)
	if err := cmd.Start(); err != nil {
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return nil, fmt.Errorf("start browser: %w", err)
	}
	opts.Logger.Debugf("launch", "started %s pid:%d port:%d", filepath.Base(execPath), cmd.Process.Pid, port)

	wsURL, err := pollVersionEndpoint(ctx, port, opts.ConnectTimeout)
	if err != nil {
		cmd.Process.Kill()
		if removeDir {
			os.RemoveAll(dataDir)
		}
		return nil, err
	}

	return &LaunchedBrowser{
		WebSocketURL: wsURL,
		cmd:          cmd,
		dataDir:      dataDir,
		removeDir:    removeDir,
		logger:       opts.Logger,
	}, nil
}

// Connect attaches an engine to the launched browser.
func (lb *LaunchedBrowser) Connect(ctx context.Context, opts BrowserOptions) (*Browser, error) {
	return Connect(ctx, lb.WebSocketURL, opts)
}

// Close terminates the browser process and removes a temp profile dir.
func (lb *LaunchedBrowser) Close() error {
	var err error
	if lb.cmd != nil && lb.cmd.Process != nil {
		lb.cmd.Process.Kill()
		err = lb.cmd.Wait()
	}
	if lb.removeDir {
		os.RemoveAll(lb.dataDir)
	}
	return err
}

// pollVersionEndpoint polls /json/version until the endpoint reports its
// webSocketDebuggerUrl or the deadline passes.
func pollVersionEndpoint(ctx context.Context, port int, timeout time.Duration) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: time.Second}

	for {
		if u, err := fetchDebuggerURL(ctx, client, url); err == nil && u != "" {
			return u, nil
		}
		if time.Now().After(deadline) {
			return "", Error("timed out waiting for devtools endpoint")
		}
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func fetchDebuggerURL(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var v struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return "", err
	}
	return v.WebSocketDebuggerURL, nil
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// findExecPath searches well-known Chromium install locations.
func findExecPath() string {
	for _, path := range [...]string{
		"headless-shell",
		"headless_shell",
		"chromium",
		"chromium-browser",
		"google-chrome",
		"google-chrome-stable",
		"google-chrome-beta",
		"google-chrome-unstable",
		"/usr/bin/google-chrome",
		"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
		"/Applications/Chromium.app/Contents/MacOS/Chromium",
		`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
		`C:\Program Files\Google\Chrome\Application\chrome.exe`,
	} {
		if found, err := exec.LookPath(path); err == nil {
			return found
		}
	}
	return ""
}
