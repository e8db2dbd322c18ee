// Package orchestrator runs a benchmark on the master: it prepares both networks,
// drives the configured rounds through the workers one at a time and assembles
// their results.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/gateway-fm/dualbench/internal/config"
	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/metrics"
	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/ratecontrol"
	"github.com/gateway-fm/dualbench/internal/report"
	"github.com/gateway-fm/dualbench/internal/storage"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// ErrRunning is returned by Run while another run is in progress.
var ErrRunning = errors.New("a benchmark is already running")

// WorkerSource hands out connections to n workers. The caller owns and closes them.
type WorkerSource interface {
	Acquire(ctx context.Context, n int) ([]ipc.Conn, error)
}

// Config for creating an Orchestrator.
type Config struct {
	Bench      *config.BenchConfig
	NetworkA   []byte // network A config document
	NetworkB   []byte // network B config document
	ResultPath string
	RoundDelay time.Duration // pause between sub-rounds

	Networks *network.Registry
	Workers  WorkerSource
	Storage  storage.Storage            // optional
	Metrics  *metrics.PrometheusMetrics // optional
	Out      io.Writer                  // tables and command output; default: os.Stdout
	Progress io.Writer                  // progress bar; nil disables it
	Logger   *slog.Logger
}

// Orchestrator runs benchmarks and reports their live status.
type Orchestrator struct {
	cfg     Config
	logger  *slog.Logger
	printer *report.Printer

	runMu sync.Mutex // held for the whole of Run

	mu     sync.RWMutex
	status types.BenchStatus
	rates  *metrics.RateTracker
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Bench == nil {
		return nil, fmt.Errorf("benchmark config is required")
	}
	if len(cfg.NetworkA) == 0 || len(cfg.NetworkB) == 0 {
		return nil, fmt.Errorf("both network configs are required")
	}
	if cfg.ResultPath == "" {
		return nil, fmt.Errorf("result path is required")
	}
	if cfg.Workers == nil {
		return nil, fmt.Errorf("worker source is required")
	}
	if cfg.Networks == nil {
		return nil, fmt.Errorf("network registry is required")
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Orchestrator{
		cfg:     cfg,
		logger:  logger.With("component", "orchestrator"),
		printer: report.NewPrinter(cfg.Out),
		status:  types.BenchStatus{State: types.RunIdle, Name: cfg.Bench.Test.Name},
	}, nil
}

// Status returns a snapshot of the live status.
func (o *Orchestrator) Status() types.BenchStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.status
	if o.rates != nil {
		s.SendRate, s.CommitRate = o.rates.Rates()
	}
	return s
}

func (o *Orchestrator) updateStatus(fn func(*types.BenchStatus)) {
	o.mu.Lock()
	fn(&o.status)
	o.mu.Unlock()
}

// run is the state of one benchmark run.
type run struct {
	id       string
	started  time.Time
	rounds   []types.RoundSpec
	nets     [2]network.Network
	names    [2]string
	contract string
	args     [2][]json.RawMessage // per network, per client
	conns    []ipc.Conn
	results  map[string]types.RoundReport
	done     int
}

// Run executes the whole benchmark. The returned error names the failed round.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	if !o.runMu.TryLock() {
		return ErrRunning
	}
	defer o.runMu.Unlock()

	rounds, err := o.cfg.Bench.Rounds(ratecontrol.DefaultSpec())
	if err != nil {
		return err
	}

	r := &run{
		id:      uuid.NewString(),
		started: time.Now(),
		rounds:  rounds,
		results: make(map[string]types.RoundReport),
	}
	logger := o.logger.With("run", r.id)

	rates := metrics.NewRateTracker(ctx, time.Second)
	defer rates.Stop()

	o.mu.Lock()
	o.rates = rates
	o.status = types.BenchStatus{
		RunID:       r.id,
		State:       types.RunRunning,
		Name:        o.cfg.Bench.Test.Name,
		TotalRounds: len(rounds),
		StartedAt:   &r.started,
	}
	o.mu.Unlock()
	o.setRunStatus(types.RunRunning)

	logger.Info("Benchmark started",
		slog.String("name", o.cfg.Bench.Test.Name),
		slog.Int("rounds", len(rounds)),
		slog.Int("clients", o.cfg.Bench.Test.Clients.Number),
	)

	defer func() {
		if cerr := o.runCommand(context.WithoutCancel(ctx), "end", o.cfg.Bench.Command.End); cerr != nil {
			err = appendErr(err, cerr)
		}
		o.finish(ctx, r, err)
	}()

	if err := o.runCommand(ctx, "start", o.cfg.Bench.Command.Start); err != nil {
		return err
	}

	if err := o.prepare(ctx, r); err != nil {
		return appendErr(err, o.closeNetworks(r))
	}
	defer func() {
		err = appendErr(err, o.closeNetworks(r))
	}()

	if err := o.writeResults(r); err != nil {
		return err
	}
	o.createRun(ctx, r)

	conns, err := o.cfg.Workers.Acquire(ctx, o.cfg.Bench.Test.Clients.Number)
	if err != nil {
		return fmt.Errorf("acquire workers: %w", err)
	}
	r.conns = conns
	defer func() {
		err = appendErr(err, closeConns(conns))
	}()
	o.updateStatus(func(s *types.BenchStatus) { s.Workers = len(conns) })
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.SetWorkers(len(conns))
	}

	for i, spec := range r.rounds {
		if err := o.runRound(ctx, r, spec); err != nil {
			logger.Error(fmt.Sprintf("failed '%s' testing", spec.Label), slog.String("error", err.Error()))
			return fmt.Errorf("failed '%s' testing: %w", spec.Label, err)
		}
		r.done++

		if i == len(r.rounds)-1 {
			break
		}
		logger.Info(fmt.Sprintf("wait %s for next round...", o.cfg.RoundDelay))
		select {
		case <-time.After(o.cfg.RoundDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.printer.Summary()
	logger.Info("Benchmark completed", slog.Duration("elapsed", time.Since(r.started)))
	return nil
}

// prepare opens and initializes both networks, installs the contracts and
// negotiates the per-client arguments.
func (o *Orchestrator) prepare(ctx context.Context, r *run) error {
	for i, doc := range [2][]byte{o.cfg.NetworkA, o.cfg.NetworkB} {
		n, err := o.cfg.Networks.Open(doc)
		if err != nil {
			return err
		}
		r.nets[i] = n
		r.names[i] = n.Name()
		if err := n.Init(ctx); err != nil {
			return fmt.Errorf("init network %s: %w", n.Name(), err)
		}
	}
	if r.names[0] == r.names[1] {
		return fmt.Errorf("networks A and B share the name %q", r.names[0])
	}

	for i, n := range r.nets {
		id, err := n.InstallSmartContract(ctx, o.cfg.Bench.Contracts)
		if err != nil {
			return fmt.Errorf("install contracts on %s: %w", n.Name(), err)
		}
		if i == 0 {
			r.contract = id
		} else if id != r.contract {
			return fmt.Errorf("contract id mismatch: %s installed %q, %s installed %q", r.names[0], r.contract, n.Name(), id)
		}
	}

	clients := o.cfg.Bench.Test.Clients.Number
	for i, n := range r.nets {
		args, err := n.PrepareClients(ctx, clients)
		if err != nil {
			return fmt.Errorf("prepare clients on %s: %w", n.Name(), err)
		}
		if len(args) != clients {
			return fmt.Errorf("prepare clients on %s: got %d argument sets for %d clients", n.Name(), len(args), clients)
		}
		r.args[i] = args
	}
	return nil
}

func (o *Orchestrator) closeNetworks(r *run) error {
	var result *multierror.Error
	for _, n := range r.nets {
		if n == nil {
			continue
		}
		if err := n.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close network %s: %w", n.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// finish records the outcome of a run.
func (o *Orchestrator) finish(ctx context.Context, r *run, err error) {
	state := types.RunCompleted
	msg := ""
	if err != nil {
		state = types.RunFailed
		msg = err.Error()
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.RecordError("round")
		}
	}

	o.updateStatus(func(s *types.BenchStatus) {
		s.State = state
		s.Error = msg
		s.RoundState = ""
	})
	o.setRunStatus(state)

	if o.cfg.Storage == nil {
		return
	}
	now := time.Now()
	if serr := o.cfg.Storage.CompleteRun(context.WithoutCancel(ctx), r.id, &storage.Run{
		CompletedAt:  &now,
		RoundsDone:   r.done,
		Status:       state,
		ErrorMessage: msg,
	}); serr != nil {
		o.storageError("complete run", serr)
	}
}

func (o *Orchestrator) createRun(ctx context.Context, r *run) {
	if o.cfg.Storage == nil {
		return
	}
	cfg, err := json.Marshal(o.cfg.Bench)
	if err != nil {
		o.storageError("encode config", err)
		cfg = nil
	}
	if err = o.cfg.Storage.CreateRun(ctx, &storage.Run{
		ID:          r.id,
		Name:        o.cfg.Bench.Test.Name,
		Description: o.cfg.Bench.Test.Description,
		StartedAt:   r.started,
		NetworkA:    r.names[0],
		NetworkB:    r.names[1],
		TotalRounds: len(r.rounds),
		Status:      types.RunRunning,
		Config:      cfg,
	}); err != nil {
		o.storageError("create run", err)
	}
}

func (o *Orchestrator) storageError(op string, err error) {
	o.logger.Warn("History write failed", slog.String("op", op), slog.String("error", err.Error()))
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordError("storage")
	}
}

func (o *Orchestrator) setRunStatus(state types.RunState) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.SetRunStatus(state)
	}
}

func closeConns(conns []ipc.Conn) error {
	var result *multierror.Error
	for i, c := range conns {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close client %d: %w", i, err))
		}
	}
	return result.ErrorOrNil()
}

// appendErr adds teardown failures to the primary error.
func appendErr(err, more error) error {
	if more == nil {
		return err
	}
	if err == nil {
		return more
	}
	return multierror.Append(err, more)
}
