package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/accountscope/collector/internal/service"
	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/window"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Collect on a schedule and run the ops server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	intervals, err := parseIntervals(cfg.Collection.Intervals)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	go scheduleLoop(ctx, rt.service, intervals, cfg.Collection.Schedule, time.Now, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(ctx, rt.service, logger, rt.checks...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("collector ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("ops server error: %w", err)
	}

	logger.Info("shutting down collector")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("collector stopped gracefully")
	return nil
}

func parseIntervals(names []string) ([]window.Interval, error) {
	if len(names) == 0 {
		return []window.Interval{window.Daily}, nil
	}
	out := make([]window.Interval, 0, len(names))
	for _, n := range names {
		iv, err := window.ParseInterval(n)
		if err != nil {
			return nil, fmt.Errorf("collection.intervals: %w", err)
		}
		out = append(out, iv)
	}
	return out, nil
}

// windowRunner is the part of *service.Service the schedule drives.
type windowRunner interface {
	Run(ctx context.Context, w window.Window) (service.RunSummary, error)
}

// scheduleLoop collects every configured interval immediately and then on
// each tick, always for the window ending today.
func scheduleLoop(ctx context.Context, r windowRunner, intervals []window.Interval, every time.Duration, now func() time.Time, logger *logging.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		for _, iv := range intervals {
			if ctx.Err() != nil {
				return
			}
			_, err := r.Run(ctx, window.Resolve(iv, now()))
			switch {
			case err == nil:
			case errors.Is(err, lease.ErrLeaseHeld):
				logger.InfoContext(ctx, "scheduled run skipped, window held elsewhere", logging.Interval(string(iv)))
			case ctx.Err() == nil:
				logger.ErrorContext(ctx, "scheduled run failed", logging.Interval(string(iv)), logging.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
