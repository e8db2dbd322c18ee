package config

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gateway-fm/dualbench/pkg/types"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadFrom(t *testing.T) {
	s, err := LoadFrom(envMap(map[string]string{
		"DUALBENCH_LISTEN_ADDR":     ":9000",
		"DUALBENCH_DATABASE_PATH":   "",
		"DUALBENCH_ROUND_DELAY":     "250",
		"DUALBENCH_REPORT_INTERVAL": "1s",
		"LOG_LEVEL":                 "debug",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if s.ListenAddr != ":9000" {
		t.Errorf("listen = %q", s.ListenAddr)
	}
	if s.DatabasePath != "" {
		t.Errorf("empty database path should disable history, got %q", s.DatabasePath)
	}
	if s.RoundDelay != 250*time.Millisecond {
		t.Errorf("round delay = %v", s.RoundDelay)
	}
	if s.ReportInterval != time.Second {
		t.Errorf("report interval = %v", s.ReportInterval)
	}
	if s.Level() != slog.LevelDebug {
		t.Errorf("level = %v", s.Level())
	}
	if s.ResultPath != DefaultResultPath {
		t.Errorf("result path default not kept: %q", s.ResultPath)
	}
}

func TestLoadFromInvalidDuration(t *testing.T) {
	if _, err := LoadFrom(envMap(map[string]string{"DUALBENCH_ROUND_DELAY": "soon"})); err == nil {
		t.Error("expected error for invalid duration")
	}
}

func TestSettingsValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Settings)
		wantErr bool
	}{
		{"defaults", func(*Settings) {}, false},
		{"no listen address", func(s *Settings) { s.ListenAddr = "" }, true},
		{"no result path", func(s *Settings) { s.ResultPath = "" }, true},
		{"negative delay", func(s *Settings) { s.RoundDelay = -time.Second }, true},
		{"zero delay", func(s *Settings) { s.RoundDelay = 0 }, false},
		{"zero report interval", func(s *Settings) { s.ReportInterval = 0 }, true},
		{"bad log level", func(s *Settings) { s.LogLevel = "loud" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Settings.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

const benchYAML = `
test:
  name: financier
  description: read and write accounts
  clients:
    type: local
    number: 2
    maxInFlight: 64
  rounds:
    - label: open
      txNumber: [100, 200]
      rateControl:
        - type: fixed-rate
          opts:
            tps: 10
        - type: linear-rate
          opts:
            startingTps: 5
            finishingTps: 20
      trim: 10
      arguments:
        nTxn: 1
        nAccount: 1000
        zipfs: 1.2
      callback: financier
    - label: query
      txDuration: [30]
      callback: query
      arguments:
        nAccount: 1000
contracts:
  - id: financier
    version: v0
    init: ["1000", "64"]
command:
  start: echo start
  end: echo end
monitor:
  interval: 2s
`

func TestParseBenchConfig(t *testing.T) {
	cfg, err := ParseBenchConfig([]byte(benchYAML))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Test.Clients.Number != 2 || cfg.Test.Clients.MaxInFlight != 64 {
		t.Errorf("clients = %+v", cfg.Test.Clients)
	}
	if cfg.Monitor.Interval != 2*time.Second {
		t.Errorf("monitor interval = %v", cfg.Monitor.Interval)
	}
	if cfg.Command.Start != "echo start" {
		t.Errorf("command = %+v", cfg.Command)
	}
	if len(cfg.Contracts) != 1 || cfg.Contracts[0].InitArgs[1] != "64" {
		t.Errorf("contracts = %+v", cfg.Contracts)
	}

	def := types.RateControlSpec{Type: "fixed-rate", Opts: json.RawMessage(`{"tps":1}`)}
	rounds, err := cfg.Rounds(def)
	if err != nil {
		t.Fatal(err)
	}
	if len(rounds) != 3 {
		t.Fatalf("rounds = %d, want 3", len(rounds))
	}

	first := rounds[0]
	if first.Label != "open" || first.TxNumber != 100 || first.RoundIdx != 1 || first.Trim != 10 {
		t.Errorf("first round = %+v", first)
	}
	var opts struct{ TPS float64 }
	if err := json.Unmarshal(first.RateControl.Opts, &opts); err != nil || opts.TPS != 10 {
		t.Errorf("first opts = %s (%v)", first.RateControl.Opts, err)
	}
	var args struct {
		NTxn     int     `json:"nTxn"`
		NAccount int     `json:"nAccount"`
		Zipfs    float64 `json:"zipfs"`
	}
	if err := json.Unmarshal(first.Arguments, &args); err != nil || args.NAccount != 1000 || args.Zipfs != 1.2 {
		t.Errorf("args = %s (%v)", first.Arguments, err)
	}

	if rounds[1].RateControl.Type != "linear-rate" || rounds[1].TxNumber != 200 || rounds[1].RoundIdx != 2 {
		t.Errorf("second round = %+v", rounds[1])
	}

	last := rounds[2]
	if !last.DurationMode() || last.TxDuration != 30 || last.RoundIdx != 3 {
		t.Errorf("last round = %+v", last)
	}
	if last.RateControl.Type != "fixed-rate" || string(last.RateControl.Opts) != `{"tps":1}` {
		t.Errorf("missing policy should default, got %+v", last.RateControl)
	}
}

func TestParseBenchConfigDefaults(t *testing.T) {
	cfg, err := ParseBenchConfig([]byte(`
test:
  rounds:
    - label: r
      txNumber: [1]
      callback: financier
contracts:
  - id: financier
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Test.Clients.Type != ClientsLocal || cfg.Test.Clients.Number != 1 {
		t.Errorf("clients defaults = %+v", cfg.Test.Clients)
	}
	if cfg.Monitor.Interval != DefaultMonitorInterval {
		t.Errorf("monitor default = %v", cfg.Monitor.Interval)
	}
}

func TestRoundConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		round   RoundConfig
		wantErr error
		ok      bool
	}{
		{name: "count", round: RoundConfig{Label: "a", TxNumber: []int{1}, Callback: "cb"}, ok: true},
		{name: "duration", round: RoundConfig{Label: "a", TxDuration: []int{1}, Callback: "cb"}, ok: true},
		{name: "no label", round: RoundConfig{TxNumber: []int{1}, Callback: "cb"}},
		{name: "no driving mode", round: RoundConfig{Label: "a", Callback: "cb"}, wantErr: ErrNoDrivingMode},
		{name: "both modes", round: RoundConfig{Label: "a", TxNumber: []int{1}, TxDuration: []int{1}, Callback: "cb"}},
		{name: "zero count", round: RoundConfig{Label: "a", TxNumber: []int{0}, Callback: "cb"}},
		{name: "rate control length", round: RoundConfig{Label: "a", TxNumber: []int{1, 2}, RateControl: []RateControlConfig{{Type: "fixed-rate"}}, Callback: "cb"}},
		{name: "rate control type", round: RoundConfig{Label: "a", TxNumber: []int{1}, RateControl: []RateControlConfig{{}}, Callback: "cb"}},
		{name: "negative trim", round: RoundConfig{Label: "a", TxNumber: []int{1}, Trim: -1, Callback: "cb"}},
		{name: "no callback", round: RoundConfig{Label: "a", TxNumber: []int{1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.round.Validate()
			if tt.ok {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestBenchConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"no contracts", "test: {rounds: [{label: a, txNumber: [1], callback: cb}]}"},
		{"no rounds", "test: {}\ncontracts: [{id: c}]"},
		{"bad clients type", "test: {clients: {type: docker}, rounds: [{label: a, txNumber: [1], callback: cb}]}\ncontracts: [{id: c}]"},
		{"negative in-flight", "test: {clients: {maxInFlight: -1}, rounds: [{label: a, txNumber: [1], callback: cb}]}\ncontracts: [{id: c}]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBenchConfig([]byte(tt.yaml)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := ParseBenchConfig([]byte("test: {rounds: [{label: a, txNumber: [1], callback: cb}]}")); !errors.Is(err, ErrNoContracts) {
		t.Errorf("expected ErrNoContracts, got %v", err)
	}
}

func TestLoadBenchConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bench.yaml")
	if err := os.WriteFile(path, []byte(benchYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadBenchConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Test.Name != "financier" {
		t.Errorf("name = %q", cfg.Test.Name)
	}

	if _, err := LoadBenchConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
