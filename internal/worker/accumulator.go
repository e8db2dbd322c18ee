package worker

import (
	"sync"
	"time"

	"github.com/gateway-fm/dualbench/internal/metrics"
	"github.com/gateway-fm/dualbench/internal/stats"
	"github.com/gateway-fm/dualbench/pkg/types"
)

type trimMode int

const (
	trimNone trimMode = iota
	trimDuration
	trimCount
)

// trimGate decides when a view starts folding results into its aggregate.
// Once open it stays open for the rest of the round. Each view has its own gate,
// so in count mode every view discards its own first trim results.
type trimGate struct {
	mode      trimMode
	seconds   float64
	remaining int
	open      bool
}

func newTrimGate(spec types.RoundSpec) trimGate {
	switch {
	case spec.Trim <= 0:
		return trimGate{mode: trimNone}
	case spec.DurationMode():
		return trimGate{mode: trimDuration, seconds: float64(spec.Trim)}
	default:
		return trimGate{mode: trimCount, remaining: spec.Trim}
	}
}

// admit reports whether a window of n results seen at elapsed may be folded.
// A rejected window is discarded; in count mode its size is charged against the trim.
func (g *trimGate) admit(n int, elapsed time.Duration) bool {
	if g.open {
		return true
	}
	switch g.mode {
	case trimNone:
		g.open = true
	case trimDuration:
		g.open = g.seconds < elapsed.Seconds()
	case trimCount:
		if g.remaining < 0 {
			g.open = true
		} else {
			g.remaining -= n
		}
	}
	return g.open
}

// view is the running aggregate of one network or of the simul combination.
type view struct {
	gate   trimGate
	bundle types.StatsBundle
}

func (v *view) fold(results []types.TxStatus, elapsed time.Duration) {
	if !v.gate.admit(len(results), elapsed) {
		return
	}
	v.bundle = stats.MergeBundles(v.bundle, stats.BuildBundle(results))
}

// Window is what one tick drained from the accumulator.
type Window struct {
	A, B      []types.TxStatus
	Submitted int
}

// RoundAccumulator owns the result buffers and running aggregates of one round.
// Issuance tasks append concurrently; a single ticker drains.
type RoundAccumulator struct {
	start time.Time
	now   func() time.Time

	mu      sync.Mutex
	pending []types.TxPair

	submitted metrics.Counter
	completed metrics.Counter

	tickMu      sync.Mutex
	a, b, simul view // guarded by tickMu
}

// NewRoundAccumulator creates the accumulator for one round. now defaults to time.Now.
func NewRoundAccumulator(spec types.RoundSpec, now func() time.Time) *RoundAccumulator {
	if now == nil {
		now = time.Now
	}
	gate := newTrimGate(spec)
	return &RoundAccumulator{
		now:   now,
		a:     view{gate: gate},
		b:     view{gate: gate},
		simul: view{gate: gate},
	}
}

// Begin stamps the round start time that duration trim is measured from.
func (r *RoundAccumulator) Begin() time.Time {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()
	r.start = r.now()
	return r.start
}

// Add appends the index-aligned results of one issuance task.
func (r *RoundAccumulator) Add(pairs []types.TxPair) {
	r.mu.Lock()
	r.pending = append(r.pending, pairs...)
	r.mu.Unlock()
	r.completed.Add(int64(len(pairs)))
}

// Submitted records n transactions handed to one of the networks.
func (r *RoundAccumulator) Submitted(n int) {
	r.submitted.Add(int64(n))
}

// Completed returns how many logical transactions have finished.
func (r *RoundAccumulator) Completed() int {
	return int(r.completed.Load())
}

// Tick drains the pending buffer, folds it into the running aggregates and returns
// the drained window. Ticks never overlap.
func (r *RoundAccumulator) Tick() (Window, error) {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	r.mu.Lock()
	pairs := r.pending
	r.pending = nil
	r.mu.Unlock()

	w := Window{Submitted: int(r.submitted.Swap(0))}
	if len(pairs) == 0 {
		return w, nil
	}
	w.A, w.B = stats.Unzip(pairs)

	elapsed := r.now().Sub(r.start)
	r.a.fold(w.A, elapsed)
	r.b.fold(w.B, elapsed)

	combined, err := stats.Combine(w.A, w.B)
	if err != nil {
		return w, err
	}
	r.simul.fold(combined, elapsed)
	return w, nil
}

// Result returns the running aggregates keyed by network name and SimulKey.
func (r *RoundAccumulator) Result(nameA, nameB string) types.RoundResult {
	r.tickMu.Lock()
	defer r.tickMu.Unlock()

	return types.RoundResult{
		types.SimulKey: r.simul.bundle,
		nameA:          r.a.bundle,
		nameB:          r.b.bundle,
	}
}
