package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gateway-fm/dualbench/internal/config"
)

func TestCloseWith(t *testing.T) {
	runErr := errors.New("run failed")
	closeErr := errors.New("busy")

	if got := closeWith(nil, "db", nil); got != nil {
		t.Errorf("closeWith(nil, nil) = %v", got)
	}
	if got := closeWith(runErr, "db", nil); got != runErr {
		t.Errorf("closeWith(err, nil) = %v", got)
	}
	got := closeWith(nil, "db", closeErr)
	if !errors.Is(got, closeErr) || !strings.Contains(got.Error(), "close db") {
		t.Errorf("closeWith(nil, err) = %v", got)
	}
	got = closeWith(runErr, "db", closeErr)
	if !errors.Is(got, runErr) || !errors.Is(got, closeErr) {
		t.Errorf("closeWith(err, err) = %v", got)
	}
}

func TestRunRequiresConfigs(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run", "-c", "bench.yaml"})
	root.SetOut(&strings.Builder{})
	root.SetErr(&strings.Builder{})
	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "network-a") {
		t.Errorf("Execute() error = %v", err)
	}
}

const testBench = `
test:
  name: smoke
  clients:
    type: local
    number: 1
  rounds:
    - label: open
      txNumber: [5]
      rateControl:
        - type: fixed-rate
          opts:
            tps: 1000
      arguments:
        nTxn: 1
        nAccount: 4
      callback: financier
contracts:
  - id: financier
    version: v0
    init: ["4", "1"]
monitor:
  interval: 10ms
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunBenchmarkWithSimNetworks(t *testing.T) {
	dir := t.TempDir()
	simDoc := func(name string) string {
		return "name: " + name + "\ntype: sim\nsim:\n  commitLatency: 50ms\n  realtime: false\n"
	}
	opts := runOptions{
		benchPath: writeFile(t, dir, "bench.yaml", testBench),
		networkA:  writeFile(t, dir, "a.yaml", simDoc("cmd-solo")),
		networkB:  writeFile(t, dir, "b.yaml", simDoc("cmd-raft")),
	}
	s := config.DefaultSettings()
	s.ListenAddr = "127.0.0.1:0"
	s.DatabasePath = filepath.Join(dir, "history.db")
	s.ResultPath = filepath.Join(dir, "result.json")
	s.RoundDelay = 0
	s.ReportInterval = 10 * time.Millisecond
	s.LogLevel = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := runBenchmark(ctx, &s, opts); err != nil {
		t.Fatalf("runBenchmark() error = %v", err)
	}

	data, err := os.ReadFile(s.ResultPath)
	if err != nil {
		t.Fatal(err)
	}
	var results map[string]map[string]json.RawMessage
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"cmd-solo", "cmd-raft", "simul"} {
		if _, ok := results["open"][name]; !ok {
			t.Errorf("result file missing %s: %s", name, data)
		}
	}
}
