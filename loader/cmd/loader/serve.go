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

	"github.com/telhawk-systems/accountscope/common/lease"
	"github.com/telhawk-systems/accountscope/common/logging"
	"github.com/telhawk-systems/accountscope/common/messaging"
	"github.com/telhawk-systems/accountscope/common/staging"
	"github.com/telhawk-systems/accountscope/loader/internal/ingest"
	"github.com/telhawk-systems/accountscope/loader/internal/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loader: notifications, periodic sweeps and the ops server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

func serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if cfg.Ingestion.AutoMigrate {
		if _, err := migrateSchema(ctx); err != nil {
			return err
		}
	}

	rt, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.js != nil {
		consumer := rt.js.Consumer(messaging.StreamStaging, messaging.ConsumerLoader)
		stop, err := consumer.Consume(ctx, stagedHandler(rt.processor, logger))
		if err != nil {
			return err
		}
		defer stop()
		logger.Info("consuming staged notifications", "subject", messaging.SubjectStaged)
	}

	go sweepLoop(ctx, rt.processor, cfg.Ingestion.Account, cfg.Ingestion.SweepInterval, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(rt.stats, logger, rt.checks...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("loader ops server listening", "addr", srv.Addr)
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

	logger.Info("shutting down loader")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("loader stopped gracefully")
	return nil
}

// documentProcessor is the part of *ingest.Processor the loops drive.
type documentProcessor interface {
	Process(ctx context.Context, key staging.Key) (ingest.Result, error)
	Drain(ctx context.Context, account string) (ingest.DrainSummary, error)
}

// sweepLoop drains the pending namespace immediately and then every
// interval, picking up documents whose notification was lost.
func sweepLoop(ctx context.Context, p documentProcessor, account string, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		metrics.SweepsTotal.Inc()
		if _, err := p.Drain(ctx, account); err != nil && ctx.Err() == nil {
			logger.WarnContext(ctx, "sweep failed", logging.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Notification outcomes beyond the document outcomes.
const (
	notificationInvalid = "invalid"
	notificationHeld    = "held"
)

// stagedHandler processes one staged notification. Undecodable events and
// held leases are acknowledged; a failed load is returned so the broker
// redelivers it.
func stagedHandler(p documentProcessor, logger *logging.Logger) messaging.MessageHandler {
	return func(ctx context.Context, msg *messaging.Message) error {
		ev, err := messaging.DecodeStagingEvent(msg.Data)
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(notificationInvalid).Inc()
			logger.WarnContext(ctx, "dropping undecodable notification", logging.Error(err))
			return nil
		}
		key, err := staging.ParseKey(ev.Key)
		if err != nil {
			metrics.NotificationsTotal.WithLabelValues(notificationInvalid).Inc()
			logger.WarnContext(ctx, "dropping notification with invalid key", logging.Key(ev.Key), logging.Error(err))
			return nil
		}

		ctx = logging.WithRunID(ctx, ev.ID)
		res, err := p.Process(ctx, key)
		if errors.Is(err, lease.ErrLeaseHeld) {
			metrics.NotificationsTotal.WithLabelValues(notificationHeld).Inc()
			return nil
		}
		metrics.NotificationsTotal.WithLabelValues(string(res.Outcome)).Inc()
		return err
	}
}
