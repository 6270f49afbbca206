package main

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/accountscope/common/httputil"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/middleware"
	"github.com/telhawk-systems/accountscope/common/runstats"
)

// newRouter builds the ops mux. stats may be nil when Redis is disabled.
func newRouter(stats runstats.Reader, logger *logging.Logger, checks ...httputil.Check) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", httputil.Healthz)
	mux.HandleFunc("GET /readyz", httputil.Readyz(2*time.Second, checks...))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/v1/accounts/{account}/stats", statsHandler(stats))

	return middleware.RequestID(middleware.AccessLog(logger)(mux))
}

func statsHandler(stats runstats.Reader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if stats == nil {
			httputil.WriteError(w, http.StatusServiceUnavailable, "run statistics are disabled")
			return
		}
		s, err := stats.GetStats(r.Context(), r.PathValue("account"))
		if err != nil {
			slog.ErrorContext(r.Context(), "failed to read stats", logging.Error(err))
			httputil.WriteError(w, http.StatusInternalServerError, "failed to read stats")
			return
		}
		httputil.WriteJSON(w, http.StatusOK, s)
	}
}
