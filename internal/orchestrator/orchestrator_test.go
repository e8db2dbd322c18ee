package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/dualbench/internal/config"
	"github.com/gateway-fm/dualbench/internal/ipc"
	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/network/sim"
	"github.com/gateway-fm/dualbench/internal/storage"
	"github.com/gateway-fm/dualbench/internal/worker"
	"github.com/gateway-fm/dualbench/pkg/types"
)

func simDoc(name string) []byte {
	return []byte(fmt.Sprintf(`name: %s
type: sim
sim:
  endorseLatency: 100ms
  orderLatency: 100ms
  commitLatency: 300ms
  blockInterval: 1s
  realtime: false
`, name))
}

const benchTemplate = `
test:
  name: financier
  clients:
    type: local
    number: 2
  rounds:
    - label: open
      txNumber: [10, 20]
      rateControl:
        - type: fixed-rate
          opts:
            tps: 500
        - type: fixed-rate
          opts:
            tps: 500
      arguments:
        nTxn: 1
        nAccount: 10
        nWrite: 1
        updateSize: 1
      callback: %s
contracts:
  - id: financier
    version: v0
    init: ["10", "1"]
command:
  start: %s
  end: %s
monitor:
  interval: 10ms
`

func newRegistry() *network.Registry {
	nets := network.NewRegistry(nil)
	nets.Register(sim.Type, sim.New)
	return nets
}

type harness struct {
	orch    *Orchestrator
	out     *bytes.Buffer
	result  string
	store   *storage.SQLiteStorage
	workers *LocalWorkers
}

func newHarness(t *testing.T, callback, start, end string) *harness {
	t.Helper()

	bench, err := config.ParseBenchConfig([]byte(fmt.Sprintf(benchTemplate, callback, start, end)))
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	nets := newRegistry()
	workers := NewLocalWorkers(worker.Config{Networks: nets, ReportInterval: 10 * time.Millisecond})
	t.Cleanup(func() { workers.Close() })

	h := &harness{
		out:     &bytes.Buffer{},
		result:  filepath.Join(dir, "out", "result.json"),
		store:   store,
		workers: workers,
	}
	h.orch, err = New(Config{
		Bench:      bench,
		NetworkA:   simDoc("solo-" + t.Name()),
		NetworkB:   simDoc("raft-" + t.Name()),
		ResultPath: h.result,
		Networks:   nets,
		Workers:    workers,
		Storage:    store,
		Out:        h.out,
		Progress:   &bytes.Buffer{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) readResults(t *testing.T) map[string]types.RoundReport {
	t.Helper()
	data, err := os.ReadFile(h.result)
	if err != nil {
		t.Fatal(err)
	}
	var results map[string]types.RoundReport
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("result file: %v", err)
	}
	return results
}

func TestNewValidation(t *testing.T) {
	bench := &config.BenchConfig{}
	valid := Config{
		Bench:      bench,
		NetworkA:   []byte("a"),
		NetworkB:   []byte("b"),
		ResultPath: "result.json",
		Networks:   newRegistry(),
		Workers:    NewLocalWorkers(worker.Config{}),
	}

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing bench", func(c *Config) { c.Bench = nil }},
		{"missing network A", func(c *Config) { c.NetworkA = nil }},
		{"missing network B", func(c *Config) { c.NetworkB = nil }},
		{"missing result path", func(c *Config) { c.ResultPath = "" }},
		{"missing workers", func(c *Config) { c.Workers = nil }},
		{"missing registry", func(c *Config) { c.Networks = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := New(valid); err != nil {
		t.Errorf("valid config: %v", err)
	}
}

func TestRunCompletes(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "end")
	h := newHarness(t, "financier", "echo started", "touch "+marker)

	if err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	results := h.readResults(t)
	rep, ok := results["open"]
	if !ok || len(results) != 1 {
		t.Fatalf("result keys = %v, want [open]", results)
	}
	solo := "solo-" + t.Name()
	raft := "raft-" + t.Name()
	for _, name := range []string{solo, raft, types.SimulKey} {
		nr, ok := rep[name]
		if !ok || nr.Overall == nil {
			t.Fatalf("report for %s missing", name)
		}
	}
	// The second sub-round reuses the label and replaces the first.
	if inv := rep[solo].Invoke; inv == nil || inv.Succ+inv.Fail != 40 {
		t.Errorf("%s invoke = %+v, want 40 transactions", solo, inv)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("end command did not run: %v", err)
	}

	out := h.out.String()
	for _, s := range []string{"started", "###test result of open:###", "###all test results:###"} {
		if !strings.Contains(out, s) {
			t.Errorf("output missing %q", s)
		}
	}

	status := h.orch.Status()
	if status.State != types.RunCompleted || status.TotalRounds != 2 || status.Workers != 2 {
		t.Errorf("status = %+v", status)
	}

	run, err := h.store.GetRun(context.Background(), status.RunID)
	if err != nil || run == nil {
		t.Fatalf("GetRun() = %v, %v", run, err)
	}
	if run.Status != types.RunCompleted || run.RoundsDone != 2 || run.NetworkA != solo {
		t.Errorf("run = %+v", run)
	}
	rounds, err := h.store.GetRounds(context.Background(), status.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 2 || rounds[0].RoundIdx != 1 || rounds[1].RoundIdx != 2 {
		t.Fatalf("rounds = %+v", rounds)
	}
	for _, r := range rounds {
		if r.State != types.RoundSettled {
			t.Errorf("round %d state = %s", r.RoundIdx, r.State)
		}
	}
	progress, err := h.store.GetProgress(context.Background(), status.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(progress) < 2 {
		t.Errorf("progress samples = %d, want at least one per round", len(progress))
	}
	last := progress[len(progress)-1]
	if last.RoundIdx != 2 || last.Submitted == 0 || last.Succ+last.Fail == 0 {
		t.Errorf("last sample = %+v", last)
	}
}

func TestRunFailsOnWorkerError(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "end")
	h := newHarness(t, "missing", "true", "touch "+marker)

	err := h.orch.Run(context.Background())
	if err == nil {
		t.Fatal("Run() succeeded with unknown workload")
	}
	if !strings.Contains(err.Error(), "failed 'open' testing") {
		t.Errorf("error = %v", err)
	}

	if _, err := os.Stat(marker); err != nil {
		t.Errorf("end command did not run after failure: %v", err)
	}
	if results := h.readResults(t); len(results) != 0 {
		t.Errorf("result file = %v, want empty", results)
	}

	status := h.orch.Status()
	if status.State != types.RunFailed || status.Error == "" {
		t.Errorf("status = %+v", status)
	}
	run, err := h.store.GetRun(context.Background(), status.RunID)
	if err != nil || run == nil {
		t.Fatalf("GetRun() = %v, %v", run, err)
	}
	if run.Status != types.RunFailed || run.RoundsDone != 0 {
		t.Errorf("run = %+v", run)
	}
	rounds, err := h.store.GetRounds(context.Background(), status.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 1 || rounds[0].State != types.RoundFailed || rounds[0].Error == "" {
		t.Errorf("rounds = %+v", rounds)
	}
}

func TestRunFailsOnStartCommand(t *testing.T) {
	h := newHarness(t, "financier", "exit 3", "true")

	err := h.orch.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "start command") {
		t.Fatalf("Run() error = %v", err)
	}
	if _, serr := os.Stat(h.result); !errors.Is(serr, os.ErrNotExist) {
		t.Errorf("result file written before start command succeeded")
	}
}

func TestRunRejectsSameNetworkNames(t *testing.T) {
	h := newHarness(t, "financier", "true", "true")
	h.orch.cfg.NetworkB = h.orch.cfg.NetworkA

	err := h.orch.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "share the name") {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRunBusy(t *testing.T) {
	h := newHarness(t, "financier", "true", "true")
	h.orch.runMu.Lock()
	defer h.orch.runMu.Unlock()

	if err := h.orch.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("Run() error = %v, want ErrRunning", err)
	}
}

func TestLocalWorkersAcquire(t *testing.T) {
	l := NewLocalWorkers(worker.Config{Networks: newRegistry()})
	defer l.Close()

	if _, err := l.Acquire(context.Background(), 0); err == nil {
		t.Error("Acquire(0) succeeded")
	}

	conns, err := l.Acquire(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conns[0].Send(ctx, ipc.Ready{WorkerID: "x"}); err != nil {
		t.Fatal(err)
	}
	msg, err := conns[0].Recv(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if e, ok := msg.(ipc.Error); !ok || e.Reason != "unknown message type" {
		t.Errorf("reply = %#v", msg)
	}
	conns[0].Close()
}

func TestWriteResults(t *testing.T) {
	dir := t.TempDir()
	o := &Orchestrator{cfg: Config{ResultPath: filepath.Join(dir, "nested", "r.json")}}
	r := &run{results: map[string]types.RoundReport{
		"open": {"a": {Overall: &types.SummaryRow{Succ: 1}}},
	}}

	if err := o.writeResults(r); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(o.cfg.ResultPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"open"`) || !strings.Contains(string(data), `"send_rate": null`) {
		t.Errorf("result file = %s", data)
	}
	entries, _ := os.ReadDir(filepath.Dir(o.cfg.ResultPath))
	if len(entries) != 1 {
		t.Errorf("leftover files in result directory: %d", len(entries))
	}
}
