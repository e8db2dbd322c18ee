package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/gateway-fm/dualbench/internal/config"
	"github.com/gateway-fm/dualbench/internal/metrics"
	"github.com/gateway-fm/dualbench/internal/orchestrator"
	"github.com/gateway-fm/dualbench/internal/storage"
	"github.com/gateway-fm/dualbench/internal/transport"
	"github.com/gateway-fm/dualbench/internal/worker"
)

type runOptions struct {
	benchPath string
	networkA  string
	networkB  string
}

func newRunCmd(s *config.Settings) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a benchmark against networks A and B",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := s.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBenchmark(ctx, s, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.benchPath, "config", "c", "", "Benchmark config file")
	f.StringVarP(&opts.networkA, "network-a", "a", "", "Network A config file")
	f.StringVarP(&opts.networkB, "network-b", "b", "", "Network B config file")
	f.StringVarP(&s.ResultPath, "result", "r", s.ResultPath, "Result file rewritten after every round")
	f.StringVar(&s.ListenAddr, "listen", s.ListenAddr, "HTTP API listen address")
	f.StringVar(&s.DatabasePath, "database", s.DatabasePath, "SQLite history database (empty disables history)")
	f.DurationVar(&s.RoundDelay, "round-delay", s.RoundDelay, "Pause between rounds")
	f.DurationVar(&s.ReportInterval, "report-interval", s.ReportInterval, "Worker progress report period")
	f.StringVar(&s.CORSAllowedOrigins, "cors", s.CORSAllowedOrigins, "Comma-separated allowed origins, or * for all")
	for _, name := range []string{"config", "network-a", "network-b"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func runBenchmark(ctx context.Context, s *config.Settings, opts runOptions) (err error) {
	logger := newLogger(s)

	bench, err := config.LoadBenchConfig(opts.benchPath)
	if err != nil {
		return err
	}
	docA, err := os.ReadFile(opts.networkA)
	if err != nil {
		return fmt.Errorf("read network A config: %w", err)
	}
	docB, err := os.ReadFile(opts.networkB)
	if err != nil {
		return fmt.Errorf("read network B config: %w", err)
	}

	var store storage.Storage
	if s.DatabasePath != "" {
		sqlite, openErr := storage.NewSQLiteStorage(s.DatabasePath)
		if openErr != nil {
			return fmt.Errorf("open history database: %w", openErr)
		}
		defer func() { err = closeWith(err, "history database", sqlite.Close()) }()
		store = sqlite
		logger.Info("initialized storage", slog.String("path", s.DatabasePath))
	}

	m := metrics.NewPrometheusMetrics(nil)
	nets := newNetworks(logger)

	var (
		workers orchestrator.WorkerSource
		hub     *transport.WorkerHub
	)
	switch bench.Test.Clients.Type {
	case config.ClientsRemote:
		hub = transport.NewWorkerHub(logger)
		defer func() { err = closeWith(err, "worker hub", hub.Close()) }()
		workers = hub
	default:
		local := orchestrator.NewLocalWorkers(worker.Config{
			Networks:       nets,
			Metrics:        m,
			ReportInterval: s.ReportInterval,
			Logger:         logger.With("component", "worker"),
		})
		defer func() { err = closeWith(err, "local workers", local.Close()) }()
		workers = local
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Bench:      bench,
		NetworkA:   docA,
		NetworkB:   docB,
		ResultPath: s.ResultPath,
		RoundDelay: s.RoundDelay,
		Networks:   nets,
		Workers:    workers,
		Storage:    store,
		Metrics:    m,
		Out:        os.Stdout,
		Progress:   os.Stderr,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	api := transport.NewServer(transport.Config{
		Status:             orch,
		Storage:            store,
		Hub:                hub,
		CORSAllowedOrigins: s.CORSAllowedOrigins,
		Logger:             logger,
	})
	srv := &http.Server{Addr: s.ListenAddr, Handler: api.Handler()}
	go func() {
		logger.Info("starting HTTP server", slog.String("addr", s.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.Close()
		err = closeWith(err, "HTTP server", srv.Shutdown(shutdownCtx))
	}()

	if err := orch.Run(ctx); err != nil {
		logger.Error("benchmark failed", slog.String("error", err.Error()))
		return err
	}
	logger.Info("benchmark finished", slog.String("result", s.ResultPath))
	return nil
}

// closeWith folds a teardown error into the command's result.
func closeWith(err error, what string, closeErr error) error {
	if closeErr == nil {
		return err
	}
	closeErr = fmt.Errorf("close %s: %w", what, closeErr)
	if err == nil {
		return closeErr
	}
	return multierror.Append(err, closeErr)
}
