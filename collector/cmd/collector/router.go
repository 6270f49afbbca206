package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/accountscope/common/httputil"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/middleware"
	"github.com/telhawk-systems/accountscope/common/window"
)

// maxEventBytes bounds a manual run request body.
const maxEventBytes = 64 << 10

// eventHandler is the part of *service.Service that executes events.
type eventHandler interface {
	Handle(ctx context.Context, ev window.Event) (any, error)
}

// newRouter builds the ops mux. Manual runs triggered over HTTP execute on
// base: they outlive the request and stop with the server.
func newRouter(base context.Context, h eventHandler, logger *logging.Logger, checks ...httputil.Check) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", httputil.Healthz)
	mux.HandleFunc("GET /readyz", httputil.Readyz(2*time.Second, checks...))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v1/runs", runHandler(base, h, logger, time.Now))

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}

// runHandler validates an invocation event and executes it in the
// background, answering 202 with the run id.
func runHandler(base context.Context, h eventHandler, logger *logging.Logger, now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.WriteError(w, http.StatusRequestEntityTooLarge, "event too large")
				return
			}
			httputil.WriteError(w, http.StatusBadRequest, "failed to read event")
			return
		}
		ev, err := window.DecodeEvent(body)
		if err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := ev.Plan(now()); err != nil {
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}

		runID := uuid.NewString()
		ctx := logging.WithRunID(base, runID)
		go func() {
			if _, err := h.Handle(ctx, ev); err != nil && !errors.Is(err, context.Canceled) {
				logger.ErrorContext(ctx, "manual run failed", logging.Error(err))
				return
			}
			logger.InfoContext(ctx, "manual run complete")
		}()

		httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": runID})
	}
}
