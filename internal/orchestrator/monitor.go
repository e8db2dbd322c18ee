package orchestrator

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/gateway-fm/dualbench/internal/config"
	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/metrics"
	"github.com/gateway-fm/dualbench/internal/storage"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// monitor folds the live txUpdated reports of all workers of one round and
// samples the running totals for history.
type monitor struct {
	o        *Orchestrator
	rates    *metrics.RateTracker
	roundIdx int
	runStart time.Time

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	submitted int
	succ      int
	fail      int
	samples   []storage.ProgressSample
	bar       *progressbar.ProgressBar
}

func (o *Orchestrator) newMonitor(r *run, spec types.RoundSpec) *monitor {
	interval := o.cfg.Bench.Monitor.Interval
	if interval <= 0 {
		interval = config.DefaultMonitorInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.RLock()
	m := &monitor{
		o:        o,
		rates:    o.rates,
		roundIdx: spec.RoundIdx,
		runStart: r.started,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	o.mu.RUnlock()
	if o.cfg.Progress != nil {
		m.bar = newBar(o.cfg.Progress, spec, len(r.conns))
	}

	go m.sampleLoop(ctx, interval)
	return m
}

// newBar counts submissions against the round total, or spins for duration rounds.
func newBar(w io.Writer, spec types.RoundSpec, clients int) *progressbar.ProgressBar {
	total := -1
	if !spec.DurationMode() {
		total = spec.TxNumber * clients
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(spec.Label),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// update folds one worker report.
func (m *monitor) update(u ipc.TxUpdated) {
	m.mu.Lock()
	m.submitted += u.Submitted
	m.succ += u.Committed.Succ
	m.fail += u.Committed.Fail
	submitted, succ, fail := m.submitted, m.succ, m.fail
	if m.bar != nil {
		_ = m.bar.Add(u.Submitted)
	}
	m.mu.Unlock()

	if m.rates != nil {
		m.rates.Add(int64(u.Submitted), int64(u.Committed.Succ))
	}
	m.o.updateStatus(func(s *types.BenchStatus) {
		s.Submitted, s.Succ, s.Fail = submitted, succ, fail
	})
}

func (m *monitor) sampleLoop(ctx context.Context, interval time.Duration) {
	defer close(m.done)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sample()
			if m.o.cfg.Metrics != nil && m.rates != nil {
				m.o.cfg.Metrics.SetRates(m.rates.Rates())
			}
		case <-ctx.Done():
			return
		}
	}
}

func (m *monitor) sample() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, storage.ProgressSample{
		RoundIdx:    m.roundIdx,
		TimestampMs: time.Since(m.runStart).Milliseconds(),
		Submitted:   m.submitted,
		Succ:        m.succ,
		Fail:        m.fail,
	})
}

// finish stops sampling, takes a final sample and returns all of them.
func (m *monitor) finish() []storage.ProgressSample {
	m.cancel()
	<-m.done
	m.sample()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bar != nil {
		_ = m.bar.Finish()
	}
	return m.samples
}
