package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/gateway-fm/dualbench/internal/ipc"
)

// DefaultReadyTimeout bounds how long a connecting worker has to introduce itself.
const DefaultReadyTimeout = 10 * time.Second

// ErrHubClosed is returned by Acquire after Close.
var ErrHubClosed = errors.New("worker hub closed")

// remoteWorker is a connected worker that has sent its ready message.
type remoteWorker struct {
	id   string
	conn ipc.Conn
}

// WorkerHub collects remote workers connecting over websocket and hands them to
// the orchestrator.
type WorkerHub struct {
	logger       *slog.Logger
	readyTimeout time.Duration

	mu      sync.Mutex
	idle    []remoteWorker
	changed chan struct{} // closed and replaced whenever idle grows
	closed  bool
}

// NewWorkerHub creates an empty hub.
func NewWorkerHub(logger *slog.Logger) *WorkerHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerHub{
		logger:       logger.With("component", "worker-hub"),
		readyTimeout: DefaultReadyTimeout,
		changed:      make(chan struct{}),
	}
}

// Handler upgrades a worker connection and registers it once it is ready.
func (h *WorkerHub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("Worker upgrade failed", slog.String("error", err.Error()))
			return
		}
		conn := ipc.NewWebSocketConn(ws, h.logger)

		ctx, cancel := context.WithTimeout(context.Background(), h.readyTimeout)
		defer cancel()
		msg, err := conn.Recv(ctx)
		if err != nil {
			h.logger.Warn("Worker did not become ready", slog.String("error", err.Error()))
			conn.Close()
			return
		}
		ready, ok := msg.(ipc.Ready)
		if !ok {
			h.logger.Warn("Unexpected first message from worker", slog.String("type", string(msg.Type())))
			_ = conn.Send(ctx, ipc.Error{Reason: "expected ready"})
			conn.Close()
			return
		}

		if err := h.add(remoteWorker{id: ready.WorkerID, conn: conn}); err != nil {
			conn.Close()
			return
		}
		h.logger.Info("Worker connected",
			slog.String("worker", ready.WorkerID),
			slog.String("remote", r.RemoteAddr),
			slog.Int("idle", h.Count()),
		)
	}
}

func (h *WorkerHub) add(w remoteWorker) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHubClosed
	}
	h.idle = append(h.idle, w)
	close(h.changed)
	h.changed = make(chan struct{})
	return nil
}

// Count returns the number of connected, unassigned workers.
func (h *WorkerHub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.idle)
}

// Acquire waits until n workers are connected and takes them. The caller owns
// the returned connections.
func (h *WorkerHub) Acquire(ctx context.Context, n int) ([]ipc.Conn, error) {
	if n <= 0 {
		return nil, fmt.Errorf("acquire %d workers: count must be positive", n)
	}
	logged := -1
	for {
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrHubClosed
		}
		if len(h.idle) >= n {
			taken := h.idle[:n]
			h.idle = append([]remoteWorker(nil), h.idle[n:]...)
			h.mu.Unlock()

			conns := make([]ipc.Conn, n)
			for i, w := range taken {
				conns[i] = w.conn
			}
			return conns, nil
		}
		have := len(h.idle)
		changed := h.changed
		h.mu.Unlock()

		if have != logged {
			h.logger.Info("Waiting for workers", slog.Int("connected", have), slog.Int("required", n))
			logged = have
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d workers (%d connected): %w", n, have, ctx.Err())
		}
	}
}

// Close disconnects every unassigned worker.
func (h *WorkerHub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	idle := h.idle
	h.idle = nil
	close(h.changed)
	h.mu.Unlock()

	var result *multierror.Error
	for _, w := range idle {
		if err := w.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close worker %s: %w", w.id, err))
		}
	}
	return result.ErrorOrNil()
}
