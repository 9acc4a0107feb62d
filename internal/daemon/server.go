// SPDX-License-Identifier: MIT

// Package daemon implements the loopback coordination worker: a framed TCP
// server that admits commands through the lane scheduler, plus the client
// side that talks to it and the spawner that brings one up.
package daemon

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/surfwright/surfwright/internal/command"
	"github.com/surfwright/surfwright/internal/config"
	"github.com/surfwright/surfwright/internal/daemonmeta"
	"github.com/surfwright/surfwright/internal/errcode"
	"github.com/surfwright/surfwright/internal/lane"
	"github.com/surfwright/surfwright/internal/log"
	"github.com/surfwright/surfwright/internal/metrics"
	"github.com/surfwright/surfwright/internal/wire"
)

// drainGrace bounds how long shutdown waits for in-flight tasks.
const drainGrace = 10 * time.Second

// Server is one daemon worker: a loopback listener, the lane scheduler, and
// the idle-shutdown clock.
type Server struct {
	rt       config.Runtime
	metaPath string
	dispatch command.Dispatcher
	resolver *lane.Resolver
	sched    *lane.Scheduler

	// AfterRequest runs after each completed run request; the wiring installs
	// the opportunistic maintenance pass here.
	AfterRequest func(ctx context.Context)

	token string

	mu        sync.Mutex
	inflight  int
	idleTimer *time.Timer

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// NewServer builds a worker. Serve does the binding and publishing.
func NewServer(rt config.Runtime, metaPath string, dispatch command.Dispatcher, resolver *lane.Resolver, sched *lane.Scheduler) *Server {
	return &Server{
		rt:         rt,
		metaPath:   metaPath,
		dispatch:   dispatch,
		resolver:   resolver,
		sched:      sched,
		shutdownCh: make(chan struct{}),
	}
}

// Serve binds a loopback port, publishes discovery metadata, and accepts
// connections until the context ends, a shutdown request arrives, or the
// idle deadline passes with no work. It always cleans up its own metadata.
func (s *Server) Serve(ctx context.Context) error {
	logger := log.WithComponent("daemon")

	token, err := NewToken()
	if err != nil {
		return err
	}
	s.token = token

	ln, err := net.Listen("tcp", daemonmeta.Host+":0")
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "bind daemon listener")
	}
	port := ln.Addr().(*net.TCPAddr).Port

	meta := daemonmeta.New(port, token)
	if err := daemonmeta.Publish(s.metaPath, meta); err != nil {
		_ = ln.Close()
		return errcode.Wrap(errcode.StateIO, err, "publish daemon metadata")
	}
	defer daemonmeta.CleanupIfOwned(s.metaPath, token)

	logger.Info().
		Str("event", "daemon.listening").
		Int("port", port).
		Dur("idle_timeout", s.rt.DaemonIdle).
		Msg("daemon worker accepting")

	s.mu.Lock()
	s.armIdleTimerLocked()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.shutdownCh:
		}
		return ln.Close()
	})

	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-gctx.Done():
					return nil
				case <-s.shutdownCh:
					return nil
				default:
					return err
				}
			}
			s.beginRequest()
			go func() {
				defer s.endRequest()
				s.handleConn(gctx, conn)
			}()
		}
	})

	err = g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	if drainErr := s.sched.Drain(drainCtx); drainErr != nil {
		logger.Warn().Err(drainErr).Str("event", "daemon.drain_timeout").Msg("shutdown with tasks still running")
	}

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logger.Info().Str("event", "daemon.stopped").Msg("daemon worker stopped")
	return nil
}

// requestShutdown is idempotent; the first call wins.
func (s *Server) requestShutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
}

// beginRequest pauses the idle clock while any connection is live.
func (s *Server) beginRequest() {
	s.mu.Lock()
	s.inflight++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.mu.Unlock()
}

// endRequest restarts the idle clock when the last connection finishes.
func (s *Server) endRequest() {
	s.mu.Lock()
	s.inflight--
	if s.inflight == 0 {
		s.armIdleTimerLocked()
	}
	s.mu.Unlock()
}

// armIdleTimerLocked (re)starts the idle clock. Caller holds s.mu.
func (s *Server) armIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	if s.rt.DaemonIdle > 0 {
		s.idleTimer = time.AfterFunc(s.rt.DaemonIdle, func() {
			lg := log.WithComponent("daemon")
			lg.Info().
				Str("event", "daemon.idle_exit").
				Msg("idle deadline reached, shutting down")
			s.requestShutdown()
		})
	}
}

// handleConn serves exactly one request/response exchange.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(s.rt.RequestTimeout))

	var req wire.Request
	if err := wire.NewDecoder(conn).Decode(&req); err != nil {
		switch {
		case errors.Is(err, wire.ErrFrameOversize):
			s.respond(conn, wire.Failure(string(errcode.DaemonFrameInvalid), "request frame exceeds size cap"))
		default:
			s.respond(conn, wire.Failure(string(errcode.DaemonFrameInvalid), "request frame is not valid JSON"))
		}
		metrics.DaemonRequests.WithLabelValues("invalid", "error").Inc()
		return
	}

	if !tokenEqual(req.Token, s.token) {
		s.respond(conn, wire.Failure(string(errcode.DaemonTokenInvalid), "request token does not match this daemon"))
		metrics.DaemonRequests.WithLabelValues(req.Kind, "denied").Inc()
		return
	}

	switch req.Kind {
	case wire.KindPing:
		s.respond(conn, wire.Pong())
		metrics.DaemonRequests.WithLabelValues(wire.KindPing, "ok").Inc()
	case wire.KindShutdown:
		s.respond(conn, wire.ShutdownOK())
		metrics.DaemonRequests.WithLabelValues(wire.KindShutdown, "ok").Inc()
		s.requestShutdown()
	case wire.KindRun:
		s.handleRun(ctx, conn, req)
	default:
		s.respond(conn, wire.Failure(string(errcode.DaemonRequestInvalid), "unknown request kind "+req.Kind))
		metrics.DaemonRequests.WithLabelValues(req.Kind, "error").Inc()
	}
}

// handleRun admits the argv through the scheduler and relays the result.
// Client disconnect cancels the task via the watcher goroutine.
func (s *Server) handleRun(ctx context.Context, conn net.Conn, req wire.Request) {
	if len(req.Argv) == 0 {
		s.respond(conn, wire.Failure(string(errcode.DaemonRequestInvalid), "run request carries no argv"))
		metrics.DaemonRequests.WithLabelValues(wire.KindRun, "error").Inc()
		return
	}

	requestID := uuid.NewString()
	taskCtx, cancel := context.WithCancel(log.ContextWithRequestID(ctx, requestID))
	defer cancel()

	// A second read on the one-shot connection returns only when the client
	// goes away; that is the disconnect signal.
	go func() {
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
		cancel()
	}()

	laneKey, family := s.resolver.Resolve(req.Argv)
	resultCh := make(chan wire.Response, 1)

	task := &lane.Task{
		ID:      requestID,
		LaneKey: laneKey,
		Family:  family,
		Argv:    req.Argv,
		Ctx:     taskCtx,
		Run: func(runCtx context.Context) {
			res := s.dispatch.Dispatch(runCtx, req.Argv)
			resultCh <- wire.RunResult(res.Code, res.Stdout, res.Stderr)
		},
		Fail: func(err error) {
			typed := errcode.As(err)
			resultCh <- wire.Failure(string(typed.Code), typed.Message)
		},
	}

	if err := s.sched.Submit(task); err != nil {
		typed := errcode.As(err)
		s.respond(conn, wire.Failure(string(typed.Code), typed.Message))
		metrics.DaemonRequests.WithLabelValues(wire.KindRun, "rejected").Inc()
		return
	}

	resp := <-resultCh
	s.respond(conn, resp)

	outcome := "ok"
	if !resp.OK {
		outcome = "error"
	}
	metrics.DaemonRequests.WithLabelValues(wire.KindRun, outcome).Inc()

	if s.AfterRequest != nil {
		go s.AfterRequest(context.WithoutCancel(taskCtx))
	}
}

func (s *Server) respond(conn net.Conn, resp wire.Response) {
	data, err := wire.Encode(resp)
	if err != nil {
		// Response too large for the frame cap; degrade to a typed failure.
		data, _ = wire.Encode(wire.Failure(string(errcode.DaemonFrameInvalid), "response frame exceeds size cap"))
	}
	if _, err := conn.Write(data); err != nil {
		lg := log.WithComponent("daemon")
		lg.Debug().Err(err).Msg("write response")
	}
}
