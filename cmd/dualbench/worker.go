package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/dualbench/internal/config"
	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/metrics"
	"github.com/gateway-fm/dualbench/internal/worker"
)

func newWorkerCmd(s *config.Settings) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Connect to a master and run the rounds it dispatches",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, s, metricsAddr)
		},
	}

	f := cmd.Flags()
	f.StringVar(&s.MasterURL, "master", s.MasterURL, "Master worker endpoint")
	f.DurationVar(&s.ReportInterval, "report-interval", s.ReportInterval, "Progress report period")
	f.StringVar(&metricsAddr, "metrics", "", "Serve worker metrics on this address")
	return cmd
}

func runWorker(ctx context.Context, s *config.Settings, metricsAddr string) error {
	id := uuid.NewString()
	logger := newLogger(s).With("worker", id)

	m := metrics.NewPrometheusMetrics(nil)
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, err := ipc.Dial(dialCtx, s.MasterURL, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := conn.Send(ctx, ipc.Ready{WorkerID: id}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	logger.Info("connected to master", slog.String("master", s.MasterURL))

	driver := worker.New(worker.Config{
		Networks:       newNetworks(logger),
		Metrics:        m,
		ReportInterval: s.ReportInterval,
		Logger:         logger,
	})
	if err := driver.Serve(ctx, conn); err != nil {
		return err
	}
	logger.Info("master closed the connection")
	return nil
}
