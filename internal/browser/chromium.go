// SPDX-License-Identifier: MIT

package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/state"
)

// EnvBrowserBinary overrides browser binary discovery.
const EnvBrowserBinary = "SURFWRIGHT_BROWSER"

// startupDeadline bounds how long a launched browser may take to expose its
// debug endpoint.
const startupDeadline = 20 * time.Second

// browserCandidates are tried in order when no override is set.
var browserCandidates = []string{
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
}

// ChromiumDriver launches and probes Chromium-family browsers. It implements
// Port; probes go through a bounded TTL cache.
type ChromiumDriver struct {
	binary string
	cache  *ReachCache
}

// NewChromiumDriver resolves the browser binary and builds the driver.
// Resolution failure is deferred to the first StartManaged call so that
// attach-only workflows run on machines without a local browser.
func NewChromiumDriver(rt config.Runtime) *ChromiumDriver {
	d := &ChromiumDriver{binary: findBrowserBinary()}
	d.cache = NewReachCache(rt.ReachCacheSize, rt.ReachCacheTTL, ProbeHTTP)
	return d
}

func findBrowserBinary() string {
	if override := config.ParseString(EnvBrowserBinary, ""); override != "" {
		return override
	}
	for _, candidate := range browserCandidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return path
		}
	}
	return ""
}

// AllocateFreePort implements Port.
func (d *ChromiumDriver) AllocateFreePort() (int, error) {
	return AllocateFreePort()
}

// StartManaged launches the browser detached, waits for the debug endpoint,
// and returns the populated record. The process must outlive the launching
// CLI, so it runs in its own session.
func (d *ChromiumDriver) StartManaged(ctx context.Context, spec StartSpec) (*state.SessionRecord, error) {
	if d.binary == "" {
		return nil, fmt.Errorf("no browser binary found; set %s", EnvBrowserBinary)
	}

	args := []string{
		fmt.Sprintf("--remote-debugging-port=%d", spec.DebugPort),
		"--user-data-dir=" + spec.UserDataDir,
		"--no-first-run",
		"--no-default-browser-check",
		"--remote-allow-origins=*",
	}
	if spec.BrowserMode != state.ModeHeaded {
		args = append(args, "--headless=new")
	}
	args = append(args, "about:blank")

	cmd := exec.Command(d.binary, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedBrowserAttr()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start browser %s: %w", d.binary, err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Process.Release(); err != nil {
		lg := log.WithComponent("browser")
		lg.Debug().Err(err).Msg("release browser process handle")
	}

	origin := fmt.Sprintf("http://127.0.0.1:%d", spec.DebugPort)
	if err := d.awaitEndpoint(ctx, origin); err != nil {
		_ = d.KillProcess(pid)
		return nil, err
	}
	d.cache.Invalidate(origin)

	lg := log.WithComponent("browser")
	lg.Info().
		Str("event", "browser.started").
		Str("session_id", spec.SessionID).
		Int("pid", pid).
		Int("debug_port", spec.DebugPort).
		Msg("managed browser up")

	port := spec.DebugPort
	return &state.SessionRecord{
		SessionID:   spec.SessionID,
		Kind:        state.KindManaged,
		BrowserMode: spec.BrowserMode,
		CDPOrigin:   origin,
		DebugPort:   &port,
		UserDataDir: spec.UserDataDir,
		BrowserPid:  &pid,
	}, nil
}

// awaitEndpoint polls the debug endpoint until it answers or the startup
// deadline passes.
func (d *ChromiumDriver) awaitEndpoint(ctx context.Context, origin string) error {
	deadline := time.Now().Add(startupDeadline)
	for time.Now().Before(deadline) {
		if ProbeHTTP(ctx, origin, 500*time.Millisecond) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("browser never exposed debug endpoint at %s", origin)
}

// Probe implements Port through the TTL cache.
func (d *ChromiumDriver) Probe(ctx context.Context, cdpOrigin string, timeout time.Duration) bool {
	return d.cache.Probe(ctx, cdpOrigin, timeout)
}

// AttachHandshake fetches and decodes /json/version, requiring a usable
// websocket debugger URL. Deeper than Probe, never cached.
func (d *ChromiumDriver) AttachHandshake(ctx context.Context, cdpOrigin string, timeout time.Duration) bool {
	u, err := url.Parse(cdpOrigin)
	if err != nil {
		return false
	}
	scheme := u.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, scheme+"://"+u.Host+"/json/version", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}

	var version struct {
		Browser              string `json:"Browser"`
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return false
	}
	return version.WebSocketDebuggerURL != ""
}

// KillProcess implements Port. Termination is escalating: polite signal
// first, hard kill when the process lingers.
func (d *ChromiumDriver) KillProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := terminateProcess(proc); err == nil {
		for i := 0; i < 10; i++ {
			if !processAlive(pid) {
				return nil
			}
			time.Sleep(100 * time.Millisecond)
		}
	}
	if !processAlive(pid) {
		return nil
	}
	return killHard(proc)
}
