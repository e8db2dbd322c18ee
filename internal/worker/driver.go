// Package worker runs benchmark rounds against both networks on behalf of the
// orchestrator.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/metrics"
	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/ratecontrol"
	"github.com/gateway-fm/dualbench/internal/stats"
	"github.com/gateway-fm/dualbench/internal/workload"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// DefaultReportInterval is the live progress period.
const DefaultReportInterval = 500 * time.Millisecond

// ErrBusy is returned when a round arrives while another one is running.
var ErrBusy = errors.New("worker is already running a round")

// Config for creating a Driver.
type Config struct {
	Networks       *network.Registry
	Workloads      *workload.Registry
	Policies       *ratecontrol.Registry
	Metrics        *metrics.PrometheusMetrics // optional
	ReportInterval time.Duration              // default: 500ms
	Now            func() time.Time           // default: time.Now
	Logger         *slog.Logger
}

// Driver runs one round at a time:
// idle → initializing → issuing → draining → reporting → idle.
type Driver struct {
	networks  *network.Registry
	workloads *workload.Registry
	policies  *ratecontrol.Registry
	metrics   *metrics.PrometheusMetrics
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	stateMu sync.RWMutex
	state   types.WorkerState

	inFlight metrics.Counter
}

// New creates a Driver.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	d := &Driver{
		networks:  cfg.Networks,
		workloads: cfg.Workloads,
		policies:  cfg.Policies,
		metrics:   cfg.Metrics,
		interval:  cfg.ReportInterval,
		now:       cfg.Now,
		logger:    logger,
		state:     types.WorkerIdle,
	}
	if d.networks == nil {
		d.networks = network.NewRegistry(logger)
	}
	if d.workloads == nil {
		d.workloads = workload.NewRegistry()
	}
	if d.policies == nil {
		d.policies = ratecontrol.NewRegistry()
	}
	if d.interval <= 0 {
		d.interval = DefaultReportInterval
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// State returns the current lifecycle state.
func (d *Driver) State() types.WorkerState {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Driver) setState(s types.WorkerState) {
	d.stateMu.Lock()
	d.state = s
	d.stateMu.Unlock()
	if d.metrics != nil {
		d.metrics.SetWorkerState(s)
	}
}

// acquire moves an idle driver to initializing.
func (d *Driver) acquire() bool {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	if d.state != types.WorkerIdle {
		return false
	}
	d.state = types.WorkerInitializing
	return true
}

// round is the per-round state built at initializing and dropped after reporting.
type round struct {
	msg   ipc.Test
	nets  [2]network.Network
	cctxs [2]*network.ClientContext
	subs  [2]event.Subscription
	ctrl  ratecontrol.Controller
	wl    workload.Workload
	acc   *RoundAccumulator

	finished metrics.Counter // issuance tasks done, successful or not
	cancel   context.CancelCauseFunc
}

// Completed reports finished issuance tasks to the rate controller. A task may
// carry several transactions, so the result count would overstate progress.
func (r *round) Completed() int {
	return int(r.finished.Load())
}

// fail aborts the round with err. Only the first cause is kept.
func (r *round) fail(err error) {
	r.cancel(err)
}

// RunRound runs the round described by msg and returns the aggregates of both
// networks and their simul view. progress, if set, receives every live report.
func (d *Driver) RunRound(ctx context.Context, msg ipc.Test, progress func(ipc.TxUpdated)) (types.RoundResult, error) {
	if !d.acquire() {
		return nil, ErrBusy
	}
	if d.metrics != nil {
		d.metrics.SetWorkerState(types.WorkerInitializing)
	}
	defer d.setState(types.WorkerIdle)

	log := d.logger.With(slog.String("round", msg.Label), slog.Int("client", msg.ClientIdx))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	r, err := d.initialize(runCtx, msg, cancel)
	if err != nil {
		return nil, err
	}
	defer d.closeNetworks(r, log)

	d.setState(types.WorkerIssuing)
	start := r.acc.Begin()
	log.Info("issuing started", slog.String("workload", r.wl.Info()), slog.String("rateControl", msg.RateControl.Type))

	tickCtx, stopTicks := context.WithCancel(runCtx)
	ticksDone := make(chan struct{})
	go func() {
		defer close(ticksDone)
		d.reportLoop(tickCtx, r, progress)
	}()

	issueErr := d.issue(runCtx, r, start)

	d.setState(types.WorkerDraining)
	drainErr := d.drain(ctx, r)

	stopTicks()
	<-ticksDone

	if cause := context.Cause(runCtx); cause != nil && ctx.Err() == nil {
		log.Error("round aborted", slog.String("error", cause.Error()))
		return nil, cause
	}
	if issueErr != nil {
		return nil, issueErr
	}
	if drainErr != nil {
		return nil, drainErr
	}

	d.setState(types.WorkerReporting)
	if err := d.tick(r, progress); err != nil {
		return nil, err
	}
	log.Info("round finished", slog.Duration("elapsed", d.now().Sub(start)), slog.Int("completed", r.acc.Completed()))
	return r.acc.Result(r.nets[0].Name(), r.nets[1].Name()), nil
}

func (d *Driver) initialize(ctx context.Context, msg ipc.Test, cancel context.CancelCauseFunc) (*round, error) {
	if msg.RateControl.Type == "" {
		msg.RateControl = ratecontrol.DefaultSpec()
	}
	if msg.TxNumber <= 0 && msg.TxDuration <= 0 {
		return nil, fmt.Errorf("round %s: either numb or txDuration is required", msg.Label)
	}

	r := &round{msg: msg, cancel: cancel}
	r.acc = NewRoundAccumulator(msg.RoundSpec, d.now)

	var err error
	if r.ctrl, err = d.policies.New(msg.RoundSpec); err != nil {
		return nil, fmt.Errorf("round %s: %w", msg.Label, err)
	}
	if r.wl, err = d.workloads.New(msg.Callback); err != nil {
		return nil, fmt.Errorf("round %s: %w", msg.Label, err)
	}

	for i, doc := range [2][]byte{msg.NetworkA, msg.NetworkB} {
		n, err := d.networks.Open(doc)
		if err != nil {
			d.closeNetworks(r, d.logger)
			return nil, err
		}
		r.nets[i] = n
		if err := n.Init(ctx); err != nil {
			d.closeNetworks(r, d.logger)
			return nil, fmt.Errorf("init network %s: %w", n.Name(), err)
		}
	}

	for i, n := range r.nets {
		sub, err := n.RegisterBlockProcessing(ctx, msg.ClientIdx, func(err error) {
			r.fail(fmt.Errorf("network %s: %w", n.Name(), err))
		})
		if err != nil {
			d.closeNetworks(r, d.logger)
			return nil, fmt.Errorf("register block processing on %s: %w", n.Name(), err)
		}
		r.subs[i] = sub
	}

	for i, n := range r.nets {
		var args json.RawMessage
		if i < len(msg.ClientArgs) {
			args = msg.ClientArgs[i]
		}
		cctx, err := n.GetContext(ctx, msg.Label, args, msg.ClientIdx)
		if err != nil {
			d.closeNetworks(r, d.logger)
			return nil, fmt.Errorf("get context on %s: %w", n.Name(), err)
		}
		if cctx == nil {
			cctx = &network.ClientContext{Label: msg.Label}
		}
		cctx.ClientIdx = msg.ClientIdx
		cctx.ContractID = msg.ContractID
		cctx.OnSubmit = r.acc.Submitted
		r.cctxs[i] = cctx
	}

	if err := r.wl.Init(ctx, r.nets, r.cctxs, msg.Arguments); err != nil {
		if derr := d.drain(context.WithoutCancel(ctx), r); derr != nil {
			d.logger.Warn("teardown after failed init", slog.String("error", derr.Error()))
		}
		d.closeNetworks(r, d.logger)
		return nil, fmt.Errorf("round %s: init workload %s: %w", msg.Label, msg.Callback, err)
	}
	return r, nil
}

// issue runs the issuance loop until the round's count or duration is reached.
func (d *Driver) issue(ctx context.Context, r *round, start time.Time) error {
	g, gctx := errgroup.WithContext(ctx)
	if r.msg.MaxInFlight > 0 {
		g.SetLimit(r.msg.MaxInFlight)
	}

	more := func(issued int) bool {
		if r.msg.DurationMode() {
			return d.now().Sub(start) < r.msg.Duration()
		}
		return issued < r.msg.TxNumber
	}

	var applyErr error
	for issued := 0; more(issued); issued++ {
		if err := r.ctrl.Apply(gctx, start, issued, r); err != nil {
			applyErr = err
			break
		}
		if r.msg.DurationMode() && !more(issued) {
			break
		}
		g.Go(func() error {
			d.setInFlight(d.inFlight.Inc())
			defer func() {
				r.finished.Inc()
				d.setInFlight(d.inFlight.SubSaturating(1))
			}()

			pairs, err := r.wl.Run(gctx)
			if err != nil {
				return fmt.Errorf("workload %s: %w", r.msg.Callback, err)
			}
			r.acc.Add(pairs)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if applyErr != nil && ctx.Err() == nil {
		return fmt.Errorf("rate control: %w", applyErr)
	}
	return nil
}

// drain ends the controller and workload and releases both client contexts.
func (d *Driver) drain(ctx context.Context, r *round) error {
	r.ctrl.End()

	var result *multierror.Error
	if err := r.wl.End(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("end workload: %w", err))
	}
	for i, n := range r.nets {
		if err := n.ReleaseContext(ctx, r.cctxs[i]); err != nil {
			result = multierror.Append(result, fmt.Errorf("release context on %s: %w", n.Name(), err))
		}
	}
	for i, sub := range r.subs {
		sub.Unsubscribe()
		r.subs[i] = nil
	}
	return result.ErrorOrNil()
}

func (d *Driver) closeNetworks(r *round, log *slog.Logger) {
	for i, sub := range r.subs {
		if sub != nil {
			sub.Unsubscribe()
			r.subs[i] = nil
		}
	}
	for _, n := range r.nets {
		if n == nil {
			continue
		}
		if err := n.Close(); err != nil {
			log.Warn("close network", slog.String("network", n.Name()), slog.String("error", err.Error()))
		}
	}
}

func (d *Driver) reportLoop(ctx context.Context, r *round, progress func(ipc.TxUpdated)) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.tick(r, progress); err != nil {
				r.fail(err)
				return
			}
		}
	}
}

// tick folds the results gathered since the previous tick and reports them.
func (d *Driver) tick(r *round, progress func(ipc.TxUpdated)) error {
	w, err := r.acc.Tick()
	if err != nil {
		return err
	}

	update := ipc.TxUpdated{Submitted: w.Submitted}
	if len(w.A) > 0 || len(w.B) > 0 {
		all := make([]types.TxStatus, 0, len(w.A)+len(w.B))
		all = append(all, w.A...)
		all = append(all, w.B...)
		update.Committed = stats.Reduce(all)
		update.Committed.Delay.Detail = nil
	}

	if d.metrics != nil {
		d.metrics.RecordResults(r.nets[0].Name(), w.A)
		d.metrics.RecordResults(r.nets[1].Name(), w.B)
	}
	if progress != nil {
		progress(update)
	}
	return nil
}

func (d *Driver) setInFlight(n int64) {
	if d.metrics != nil {
		d.metrics.SetInFlight(n)
	}
}
