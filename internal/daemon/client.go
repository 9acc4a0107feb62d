// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/surfwright/surfwright/internal/daemonmeta"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/wire"
)

// Call opens one connection to the advertised daemon, sends a single request
// frame, and reads a single response frame. Any transport failure maps to
// E_DAEMON_UNREACHABLE so the orchestrator can fall through to spawning.
func Call(ctx context.Context, meta daemonmeta.Metadata, req wire.Request, connectTimeout, requestTimeout time.Duration) (wire.Response, error) {
	addr := net.JoinHostPort(meta.Host, fmt.Sprint(meta.Port))

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.Response{}, errcode.Wrap(errcode.DaemonUnreachable, err, "connect to daemon at %s", addr).
			WithContext("addr", addr)
	}
	defer conn.Close()

	deadline := time.Now().Add(requestTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	frame, err := wire.Encode(req)
	if err != nil {
		return wire.Response{}, errcode.Wrap(errcode.DaemonRequestInvalid, err, "encode request frame")
	}
	if _, err := conn.Write(frame); err != nil {
		return wire.Response{}, errcode.Wrap(errcode.DaemonUnreachable, err, "send request to daemon")
	}

	var resp wire.Response
	if err := wire.NewDecoder(conn).Decode(&resp); err != nil {
		if errors.Is(err, wire.ErrFrameOversize) || errors.Is(err, wire.ErrFrameInvalidJSON) {
			return wire.Response{}, errcode.Wrap(errcode.DaemonFrameInvalid, err, "malformed response frame")
		}
		return wire.Response{}, errcode.Wrap(errcode.DaemonUnreachable, err, "read response from daemon")
	}
	return resp, nil
}
