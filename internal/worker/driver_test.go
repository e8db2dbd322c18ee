package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/network/sim"
	"github.com/gateway-fm/dualbench/internal/ratecontrol"
	"github.com/gateway-fm/dualbench/internal/stats"
	"github.com/gateway-fm/dualbench/internal/workload"
	"github.com/gateway-fm/dualbench/pkg/types"
)

const financierArgs = `{"nTxn":1,"nAccount":10,"nWrite":1,"updateSize":1}`

func simDoc(name string, extra string) []byte {
	return []byte(fmt.Sprintf(`name: %s
type: sim
sim:
  endorseLatency: 100ms
  orderLatency: 100ms
  commitLatency: 300ms
  blockInterval: 1s
  realtime: false
%s`, name, extra))
}

// installFinancier prepares the shared ledger of a sim network for the round.
func installFinancier(t *testing.T, doc []byte) {
	t.Helper()
	n, err := sim.New(doc, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.InstallSmartContract(context.Background(), []network.ContractSpec{{ID: "financier", InitArgs: []string{"10", "1"}}}); err != nil {
		t.Fatal(err)
	}
}

func newTestDriver(t *testing.T, workloads *workload.Registry) *Driver {
	t.Helper()
	nets := network.NewRegistry(nil)
	nets.Register(sim.Type, sim.New)
	return New(Config{
		Networks:       nets,
		Workloads:      workloads,
		ReportInterval: 20 * time.Millisecond,
	})
}

func testMessage(t *testing.T, spec types.RoundSpec) ipc.Test {
	t.Helper()
	a, b := simDoc("solo-"+t.Name(), ""), simDoc("raft-"+t.Name(), "")
	installFinancier(t, a)
	installFinancier(t, b)
	if spec.Callback == "" {
		spec.Callback = workload.FinancierName
	}
	if spec.Arguments == nil {
		spec.Arguments = json.RawMessage(financierArgs)
	}
	return ipc.Test{RoundSpec: spec, NetworkA: a, NetworkB: b, ContractID: "financier"}
}

func fixedRate(tps int) types.RateControlSpec {
	return types.RateControlSpec{Type: ratecontrol.FixedRate, Opts: json.RawMessage(fmt.Sprintf(`{"tps":%d}`, tps))}
}

type progressLog struct {
	mu      sync.Mutex
	updates []ipc.TxUpdated
}

func (p *progressLog) record(u ipc.TxUpdated) {
	p.mu.Lock()
	p.updates = append(p.updates, u)
	p.mu.Unlock()
}

func (p *progressLog) totals() (submitted, succ int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, u := range p.updates {
		submitted += u.Submitted
		succ += u.Committed.Succ
	}
	return submitted, succ
}

func TestRunRoundFixedCount(t *testing.T) {
	d := newTestDriver(t, nil)
	msg := testMessage(t, types.RoundSpec{Label: "count", TxNumber: 20, RateControl: fixedRate(1000)})

	var progress progressLog
	res, err := d.RunRound(context.Background(), msg, progress.record)
	if err != nil {
		t.Fatal(err)
	}
	if d.State() != types.WorkerIdle {
		t.Errorf("state = %s, want idle", d.State())
	}

	nameA, nameB := "solo-"+t.Name(), "raft-"+t.Name()
	for _, name := range []string{nameA, nameB, types.SimulKey} {
		if _, ok := res[name]; !ok {
			t.Fatalf("result missing %q", name)
		}
	}

	a := res[nameA]
	if a.Overall.Succ != 20 || a.Invoke.Succ != 20 || a.Detailed.Succ != 20 {
		t.Errorf("network A succ = %d/%d/%d, want 20", a.Overall.Succ, a.Invoke.Succ, a.Detailed.Succ)
	}
	if !a.Query.IsNull() {
		t.Error("query stats should be null for an invoke-only workload")
	}
	if avg := a.Overall.Delay.Sum / float64(a.Overall.Succ); math.Abs(avg-0.5) > 1e-6 {
		t.Errorf("avg delay = %v, want 0.5", avg)
	}

	simul := res[types.SimulKey]
	if simul.Overall.Succ != 20 {
		t.Errorf("simul succ = %d, want 20", simul.Overall.Succ)
	}
	// B's 0.5s plus A's order-to-commit 0.3s.
	if avg := simul.Overall.Delay.Sum / float64(simul.Overall.Succ); math.Abs(avg-0.8) > 1e-6 {
		t.Errorf("simul avg delay = %v, want 0.8", avg)
	}

	submitted, succ := progress.totals()
	if submitted != 40 {
		t.Errorf("submitted across updates = %d, want 40", submitted)
	}
	if succ != 40 {
		t.Errorf("committed across updates = %d, want 40", succ)
	}
}

func TestRunRoundEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("paced round takes ten seconds")
	}
	d := newTestDriver(t, nil)
	msg := testMessage(t, types.RoundSpec{Label: "e2e", TxNumber: 100, RateControl: fixedRate(10)})

	res, err := d.RunRound(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"solo-" + t.Name(), "raft-" + t.Name()} {
		row := stats.Summarize(res[name].Overall)
		if row.Succ != 100 || row.Fail != 0 {
			t.Errorf("%s succ/fail = %d/%d, want 100/0", name, row.Succ, row.Fail)
		}
		if row.AvgDelay == nil || math.Abs(*row.AvgDelay-0.5) > 1e-3 {
			t.Errorf("%s avg delay = %v, want 0.500", name, row.AvgDelay)
		}
		if row.Thruput == nil || *row.Thruput <= 0 {
			t.Errorf("%s throughput should be reported", name)
		}
		if row.SendRate == nil || *row.SendRate > 10.5 {
			t.Errorf("%s send rate = %v, want at most the target", name, row.SendRate)
		}
	}
}

func TestRunRoundDuration(t *testing.T) {
	d := newTestDriver(t, nil)
	msg := testMessage(t, types.RoundSpec{Label: "duration", TxDuration: 1, RateControl: fixedRate(20)})

	start := time.Now()
	res, err := d.RunRound(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("round ended after %v, before its duration", elapsed)
	}
	succ := res["solo-"+t.Name()].Overall.Succ
	if succ < 10 || succ > 21 {
		t.Errorf("succ = %d, want about 20", succ)
	}
}

// slowWorkload records how many Run calls overlap.
type slowWorkload struct {
	delay      time.Duration
	batch      int // pairs per Run; 0 means 1
	cur, peak  atomic.Int64
	calls      atomic.Int64
	runErr     error
	initCalled atomic.Bool
}

func (w *slowWorkload) Info() string { return "slow" }

func (w *slowWorkload) Init(context.Context, [2]network.Network, [2]*network.ClientContext, json.RawMessage) error {
	w.initCalled.Store(true)
	return nil
}

func (w *slowWorkload) Run(ctx context.Context) ([]types.TxPair, error) {
	n := w.cur.Add(1)
	defer w.cur.Add(-1)
	w.calls.Add(1)
	for {
		p := w.peak.Load()
		if n <= p || w.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if w.runErr != nil {
		return nil, w.runErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(w.delay):
	}
	now := time.Now()
	st := types.TxStatus{Operation: types.OpInvoke, Committed: true, TimeCreate: now, TimeOrder: now, TimeCommit: now.Add(time.Millisecond)}
	pairs := make([]types.TxPair, max(w.batch, 1))
	for i := range pairs {
		pairs[i] = types.TxPair{A: st, B: st}
	}
	return pairs, nil
}

func (w *slowWorkload) End(context.Context) error { return nil }

func slowRegistry(w *slowWorkload) *workload.Registry {
	r := workload.NewRegistry()
	r.Register("slow", func() workload.Workload { return w })
	return r
}

func TestRunRoundMaxInFlight(t *testing.T) {
	tests := []struct {
		name        string
		maxInFlight int
		check       func(peak int64) bool
	}{
		{"bounded", 2, func(peak int64) bool { return peak <= 2 }},
		{"unbounded", 0, func(peak int64) bool { return peak > 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &slowWorkload{delay: 100 * time.Millisecond}
			d := newTestDriver(t, slowRegistry(w))
			msg := testMessage(t, types.RoundSpec{Label: tt.name, TxNumber: 10, Callback: "slow", RateControl: fixedRate(1000)})
			msg.MaxInFlight = tt.maxInFlight

			res, err := d.RunRound(context.Background(), msg, nil)
			if err != nil {
				t.Fatal(err)
			}
			if w.calls.Load() != 10 {
				t.Errorf("runs = %d, want 10", w.calls.Load())
			}
			if !tt.check(w.peak.Load()) {
				t.Errorf("peak in flight = %d", w.peak.Load())
			}
			if res[types.SimulKey].Overall.Succ != 10 {
				t.Errorf("simul succ = %d, want 10", res[types.SimulKey].Overall.Succ)
			}
		})
	}
}

func TestRunRoundFixedBacklogCountsRuns(t *testing.T) {
	w := &slowWorkload{delay: 20 * time.Millisecond, batch: 5}
	d := newTestDriver(t, slowRegistry(w))
	msg := testMessage(t, types.RoundSpec{
		Label:       "backlog",
		TxNumber:    12,
		Callback:    "slow",
		RateControl: types.RateControlSpec{Type: ratecontrol.FixedBacklog, Opts: json.RawMessage(`{"unfinishedPerClient":1}`)},
	})

	res, err := d.RunRound(context.Background(), msg, nil)
	if err != nil {
		t.Fatal(err)
	}
	if w.calls.Load() != 12 {
		t.Errorf("runs = %d, want 12", w.calls.Load())
	}
	if peak := w.peak.Load(); peak > 1 {
		t.Errorf("peak unfinished runs = %d, want at most 1", peak)
	}
	if res[types.SimulKey].Overall.Succ != 60 {
		t.Errorf("simul succ = %d, want 60", res[types.SimulKey].Overall.Succ)
	}
}

func TestRunRoundDurationStopsAtDeadline(t *testing.T) {
	w := &slowWorkload{}
	d := newTestDriver(t, slowRegistry(w))
	msg := testMessage(t, types.RoundSpec{Label: "deadline", TxDuration: 1, Callback: "slow", RateControl: fixedRate(1)})

	if _, err := d.RunRound(context.Background(), msg, nil); err != nil {
		t.Fatal(err)
	}
	// The second permit falls due exactly at the deadline.
	if w.calls.Load() != 1 {
		t.Errorf("runs = %d, want 1", w.calls.Load())
	}
}

func TestRunRoundDefaultRateControl(t *testing.T) {
	w := &slowWorkload{}
	d := newTestDriver(t, slowRegistry(w))
	msg := testMessage(t, types.RoundSpec{Label: "default", TxNumber: 1, Callback: "slow"})

	if _, err := d.RunRound(context.Background(), msg, nil); err != nil {
		t.Fatal(err)
	}
	if w.calls.Load() != 1 {
		t.Errorf("runs = %d, want 1", w.calls.Load())
	}
}

func TestRunRoundConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ipc.Test)
		target error
		substr string
	}{
		{
			name:   "unknown policy",
			mutate: func(m *ipc.Test) { m.RateControl = types.RateControlSpec{Type: "zero-rate"} },
			target: ratecontrol.ErrUnknownPolicy,
		},
		{
			name:   "unknown workload",
			mutate: func(m *ipc.Test) { m.Callback = "smallbank" },
			target: workload.ErrUnknownWorkload,
		},
		{
			name:   "missing workload args",
			mutate: func(m *ipc.Test) { m.Arguments = json.RawMessage(`{"nTxn":1}`) },
			target: workload.ErrMissingArguments,
		},
		{
			name:   "unknown network type",
			mutate: func(m *ipc.Test) { m.NetworkB = []byte("name: raft\ntype: fabric\n") },
			target: network.ErrUnknownType,
		},
		{
			name:   "no driving mode",
			mutate: func(m *ipc.Test) { m.TxNumber = 0 },
			substr: "either numb or txDuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDriver(t, nil)
			msg := testMessage(t, types.RoundSpec{Label: "bad", TxNumber: 1, RateControl: fixedRate(10)})
			tt.mutate(&msg)

			_, err := d.RunRound(context.Background(), msg, nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("expected %v, got %v", tt.target, err)
			}
			if tt.substr != "" && !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error %q does not mention %q", err, tt.substr)
			}
			if d.State() != types.WorkerIdle {
				t.Errorf("state = %s after failure, want idle", d.State())
			}
		})
	}
}

func TestRunRoundWorkloadError(t *testing.T) {
	w := &slowWorkload{runErr: errors.New("endorser unreachable")}
	d := newTestDriver(t, slowRegistry(w))
	msg := testMessage(t, types.RoundSpec{Label: "fail", TxNumber: 5, Callback: "slow", RateControl: fixedRate(1000)})

	_, err := d.RunRound(context.Background(), msg, nil)
	if err == nil || !strings.Contains(err.Error(), "endorser unreachable") {
		t.Errorf("expected workload error, got %v", err)
	}
}

func TestRunRoundBlockProcessingError(t *testing.T) {
	d := newTestDriver(t, nil)
	msg := testMessage(t, types.RoundSpec{Label: "blocks", TxDuration: 30, RateControl: fixedRate(50)})
	msg.NetworkB = simDoc("raft-"+t.Name(), "  blockErrorAfter: 2\n")
	msg.NetworkB = []byte(strings.Replace(string(msg.NetworkB), "blockInterval: 1s", "blockInterval: 10ms", 1))

	start := time.Now()
	_, err := d.RunRound(context.Background(), msg, nil)
	if err == nil || !strings.Contains(err.Error(), "block processing failed") {
		t.Fatalf("expected block processing error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("round should abort promptly on an adapter error")
	}
}

func TestServe(t *testing.T) {
	d := newTestDriver(t, nil)
	master, workerEnd := ipc.Pipe()
	defer master.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- d.Serve(ctx, workerEnd) }()

	msg := testMessage(t, types.RoundSpec{Label: "served", TxNumber: 5, RateControl: fixedRate(1000)})
	if err := master.Send(ctx, msg); err != nil {
		t.Fatal(err)
	}

	var updates int
	for {
		m, err := master.Recv(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if m.Type() == ipc.TypeTxUpdated {
			updates++
			continue
		}
		res, ok := m.(ipc.TestResult)
		if !ok {
			t.Fatalf("unexpected %s message: %+v", m.Type(), m)
		}
		if res.Results[types.SimulKey].Overall.Succ != 5 {
			t.Errorf("simul succ = %d, want 5", res.Results[types.SimulKey].Overall.Succ)
		}
		break
	}
	if updates == 0 {
		t.Error("expected at least the final progress update")
	}

	if err := master.Send(ctx, ipc.TxUpdated{}); err != nil {
		t.Fatal(err)
	}
	m, err := master.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := m.(ipc.Error); !ok || e.Reason != "unknown message type" {
		t.Errorf("expected unknown message type error, got %+v", m)
	}

	bad := msg
	bad.Callback = "smallbank"
	if err := master.Send(ctx, bad); err != nil {
		t.Fatal(err)
	}
	m, err = master.Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.(ipc.Error); !ok {
		t.Errorf("expected error for a failing round, got %s", m.Type())
	}

	master.Close()
	if err := <-served; err != nil {
		t.Errorf("serve returned %v", err)
	}
}
