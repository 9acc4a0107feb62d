// SPDX-License-Identifier: MIT

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surfwright/surfwright/internal/lane"
	"github.com/surfwright/surfwright/internal/log"
)

// StartDebugListener serves /healthz and /metrics on addr. Opt-in only; the
// daemon's coordination socket never carries HTTP.
func StartDebugListener(ctx context.Context, addr string, sched *lane.Scheduler) {
	logger := log.WithComponent("debug")

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		stats := sched.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"active": stats.ActiveTotal,
			"queued": stats.QueuedTotal,
			"lanes":  stats.Lanes,
		})
	})
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("event", "debug.listening").Str("addr", addr).Msg("debug listener up")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Str("event", "debug.failed").Msg("debug listener stopped")
		}
	}()
}
