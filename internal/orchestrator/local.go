package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/worker"
)

// LocalWorkers runs workers as goroutines of the master process, each connected
// over an in-memory pipe.
type LocalWorkers struct {
	cfg worker.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalWorkers creates a source of in-process workers built from cfg.
func NewLocalWorkers(cfg worker.Config) *LocalWorkers {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalWorkers{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Acquire starts n workers and returns the master side of their pipes.
func (l *LocalWorkers) Acquire(ctx context.Context, n int) ([]ipc.Conn, error) {
	if n <= 0 {
		return nil, fmt.Errorf("acquire %d workers: count must be positive", n)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conns := make([]ipc.Conn, n)
	for i := range conns {
		master, side := ipc.Pipe()
		conns[i] = master

		d := worker.New(l.cfg)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer side.Close()
			if err := d.Serve(l.ctx, side); err != nil {
				l.cfg.Logger.Warn("Local worker stopped", slog.Int("client", i), slog.String("error", err.Error()))
			}
		}()
	}
	return conns, nil
}

// Close stops every worker and waits for them to exit.
func (l *LocalWorkers) Close() error {
	l.cancel()
	l.wg.Wait()
	return nil
}
