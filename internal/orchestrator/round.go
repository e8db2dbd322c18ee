package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/stats"
	"github.com/gateway-fm/dualbench/internal/storage"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// runRound dispatches one sub-round to every worker and assembles the result.
func (o *Orchestrator) runRound(ctx context.Context, r *run, spec types.RoundSpec) error {
	log := o.logger.With(slog.String("run", r.id), slog.String("round", spec.Label), slog.Int("roundIdx", spec.RoundIdx))
	started := time.Now()

	o.updateStatus(func(s *types.BenchStatus) {
		s.Round = spec.Label
		s.RoundIdx = spec.RoundIdx
		s.RoundState = types.RoundPending
		s.Submitted, s.Succ, s.Fail = 0, 0, 0
	})

	mon := o.newMonitor(r, spec)
	o.updateStatus(func(s *types.BenchStatus) { s.RoundState = types.RoundDispatched })
	log.Info("Round dispatched", slog.Int("clients", len(r.conns)), slog.String("callback", spec.Callback))

	results, err := o.dispatch(ctx, r, spec, mon)
	samples := mon.finish()

	round := &storage.Round{
		RunID:      r.id,
		RoundIdx:   spec.RoundIdx,
		Label:      spec.Label,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
		Spec:       spec,
	}

	if err != nil {
		round.State = types.RoundFailed
		round.Error = err.Error()
		o.settle(ctx, round, samples)
		return err
	}

	merged := stats.MergeResults(results...)
	rep := stats.BuildReport(merged)
	r.results[spec.Label] = rep
	if err := o.writeResults(r); err != nil {
		round.State = types.RoundFailed
		round.Error = err.Error()
		o.settle(ctx, round, samples)
		return err
	}

	o.printer.Round(spec.Label, []string{r.names[0], r.names[1], types.SimulKey}, rep)

	round.State = types.RoundSettled
	round.Report = rep
	o.settle(ctx, round, samples)
	log.Info("Round settled", slog.Duration("elapsed", time.Since(started)))
	return nil
}

// dispatch sends the test message to every worker and waits for all of them
// to answer. The first error cancels the wait on the others.
func (o *Orchestrator) dispatch(ctx context.Context, r *run, spec types.RoundSpec, mon *monitor) ([]types.RoundResult, error) {
	results := make([]types.RoundResult, len(r.conns))

	g, gctx := errgroup.WithContext(ctx)
	for i, conn := range r.conns {
		msg := ipc.Test{
			RoundSpec:   spec,
			NetworkA:    o.cfg.NetworkA,
			NetworkB:    o.cfg.NetworkB,
			ContractID:  r.contract,
			ClientIdx:   i,
			MaxInFlight: o.cfg.Bench.Test.Clients.MaxInFlight,
		}
		if i < len(r.args[0]) && i < len(r.args[1]) {
			msg.ClientArgs = append(msg.ClientArgs, r.args[0][i], r.args[1][i])
		}

		g.Go(func() error {
			if err := conn.Send(gctx, msg); err != nil {
				return fmt.Errorf("client %d: send test: %w", i, err)
			}
			for {
				m, err := conn.Recv(gctx)
				if err != nil {
					return fmt.Errorf("client %d: %w", i, err)
				}
				switch m := m.(type) {
				case ipc.TxUpdated:
					mon.update(m)
				case ipc.TestResult:
					results[i] = m.Results
					return nil
				case ipc.Error:
					return fmt.Errorf("client %d: %s", i, m.Reason)
				default:
					o.logger.Warn("Unexpected message from worker",
						slog.Int("client", i),
						slog.String("type", string(m.Type())),
					)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// settle records a finished round in metrics, status and history.
func (o *Orchestrator) settle(ctx context.Context, round *storage.Round, samples []storage.ProgressSample) {
	o.updateStatus(func(s *types.BenchStatus) { s.RoundState = round.State })
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.RecordRound(round.State, float64(round.DurationMs)/1000)
	}
	if o.cfg.Storage == nil {
		return
	}

	ctx = context.WithoutCancel(ctx)
	if err := o.cfg.Storage.SaveRound(ctx, round); err != nil {
		o.storageError("save round", err)
	}
	if len(samples) > 0 {
		if err := o.cfg.Storage.BulkInsertProgress(ctx, round.RunID, samples); err != nil {
			o.storageError("save progress", err)
		}
	}
}
