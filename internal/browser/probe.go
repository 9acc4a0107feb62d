// SPDX-License-Identifier: MIT

package browser

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"time"
)

// AllocateFreePort asks the OS for an ephemeral TCP port on loopback.
func AllocateFreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := ln.Close(); err != nil {
		return 0, err
	}
	return port, nil
}

// ProbeHTTP checks a debug endpoint by fetching /json/version, the
// conventional liveness surface of Chromium-family debug servers. ws/wss
// origins probe the equivalent http origin.
func ProbeHTTP(ctx context.Context, cdpOrigin string, timeout time.Duration) bool {
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
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
