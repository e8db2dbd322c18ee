package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// Client modes.
const (
	ClientsLocal  = "local"
	ClientsRemote = "remote"
)

var (
	// ErrNoDrivingMode is returned for a round with neither txNumber nor txDuration.
	ErrNoDrivingMode = errors.New("unspecified test driving mode")
	// ErrNoContracts is returned when the benchmark installs nothing.
	ErrNoContracts = errors.New("no smart contract config in benchmark config")
)

// BenchConfig is the benchmark configuration file.
type BenchConfig struct {
	Test      TestConfig             `yaml:"test"`
	Contracts []network.ContractSpec `yaml:"contracts"`
	Command   CommandConfig          `yaml:"command"`
	Monitor   MonitorConfig          `yaml:"monitor"`
}

// TestConfig describes the rounds and the clients that run them.
type TestConfig struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Clients     ClientsConfig `yaml:"clients"`
	Rounds      []RoundConfig `yaml:"rounds"`
}

// ClientsConfig selects in-process or remote workers.
type ClientsConfig struct {
	Type        string `yaml:"type"`
	Number      int    `yaml:"number"`
	MaxInFlight int    `yaml:"maxInFlight"` // 0 = unbounded
}

// RoundConfig is one configured round. Each entry of the driving list becomes one
// sub-round paced by the rate control at the same position.
type RoundConfig struct {
	Label       string              `yaml:"label"`
	TxNumber    []int               `yaml:"txNumber"`
	TxDuration  []int               `yaml:"txDuration"`
	RateControl []RateControlConfig `yaml:"rateControl"`
	Trim        int                 `yaml:"trim"`
	Arguments   map[string]any      `yaml:"arguments"`
	Callback    string              `yaml:"callback"`
}

// RateControlConfig names a policy and its options.
type RateControlConfig struct {
	Type string         `yaml:"type"`
	Opts map[string]any `yaml:"opts"`
}

// CommandConfig holds shell commands run around the benchmark.
type CommandConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// MonitorConfig controls how often live progress is sampled into history.
type MonitorConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultMonitorInterval is used when monitor.interval is unset.
const DefaultMonitorInterval = time.Second

// LoadBenchConfig reads and validates a benchmark configuration file.
func LoadBenchConfig(path string) (*BenchConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read benchmark config: %w", err)
	}
	return ParseBenchConfig(data)
}

// ParseBenchConfig parses and validates a benchmark configuration document.
func ParseBenchConfig(data []byte) (*BenchConfig, error) {
	var cfg BenchConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse benchmark config: %w", err)
	}
	if cfg.Test.Clients.Type == "" {
		cfg.Test.Clients.Type = ClientsLocal
	}
	if cfg.Test.Clients.Number == 0 {
		cfg.Test.Clients.Number = 1
	}
	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = DefaultMonitorInterval
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate validates the benchmark configuration.
func (c *BenchConfig) Validate() error {
	if len(c.Contracts) == 0 {
		return ErrNoContracts
	}
	for i, contract := range c.Contracts {
		if contract.ID == "" {
			return fmt.Errorf("contract %d: id is required", i)
		}
	}
	switch c.Test.Clients.Type {
	case ClientsLocal, ClientsRemote:
	default:
		return fmt.Errorf("invalid clients type: %s", c.Test.Clients.Type)
	}
	if c.Test.Clients.Number <= 0 {
		return fmt.Errorf("clients number must be positive")
	}
	if c.Test.Clients.MaxInFlight < 0 {
		return fmt.Errorf("clients maxInFlight cannot be negative")
	}
	if c.Monitor.Interval < 0 {
		return fmt.Errorf("monitor interval cannot be negative")
	}
	if len(c.Test.Rounds) == 0 {
		return fmt.Errorf("at least one round is required")
	}
	for i := range c.Test.Rounds {
		if err := c.Test.Rounds[i].Validate(); err != nil {
			return fmt.Errorf("round %d: %w", i, err)
		}
	}
	return nil
}

// Validate validates one round entry.
func (r *RoundConfig) Validate() error {
	if r.Label == "" {
		return fmt.Errorf("label is required")
	}
	driving := r.driving()
	switch {
	case len(r.TxNumber) > 0 && len(r.TxDuration) > 0:
		return fmt.Errorf("%s: txNumber and txDuration are mutually exclusive", r.Label)
	case len(driving) == 0:
		return fmt.Errorf("%s: %w", r.Label, ErrNoDrivingMode)
	}
	for _, v := range driving {
		if v <= 0 {
			return fmt.Errorf("%s: txNumber and txDuration entries must be positive", r.Label)
		}
	}
	if len(r.RateControl) > 0 && len(r.RateControl) != len(driving) {
		return fmt.Errorf("%s: %d rate controls for %d sub-rounds", r.Label, len(r.RateControl), len(driving))
	}
	for _, rc := range r.RateControl {
		if rc.Type == "" {
			return fmt.Errorf("%s: rate control type is required", r.Label)
		}
	}
	if r.Trim < 0 {
		return fmt.Errorf("%s: trim cannot be negative", r.Label)
	}
	if r.Callback == "" {
		return fmt.Errorf("%s: callback is required", r.Label)
	}
	return nil
}

func (r *RoundConfig) driving() []int {
	if len(r.TxNumber) > 0 {
		return r.TxNumber
	}
	return r.TxDuration
}

// Rounds expands every round entry into its sub-rounds. Round indices start at 1
// and increase across entries. defaultRate is used for sub-rounds without a policy.
func (c *BenchConfig) Rounds(defaultRate types.RateControlSpec) ([]types.RoundSpec, error) {
	var out []types.RoundSpec
	idx := 0
	for _, r := range c.Test.Rounds {
		args, err := toJSON(r.Arguments)
		if err != nil {
			return nil, fmt.Errorf("round %s: arguments: %w", r.Label, err)
		}
		for i, v := range r.driving() {
			idx++
			spec := types.RoundSpec{
				Label:       r.Label,
				RateControl: defaultRate,
				Trim:        r.Trim,
				Arguments:   args,
				Callback:    r.Callback,
				RoundIdx:    idx,
			}
			if len(r.TxNumber) > 0 {
				spec.TxNumber = v
			} else {
				spec.TxDuration = v
			}
			if i < len(r.RateControl) {
				opts, err := toJSON(r.RateControl[i].Opts)
				if err != nil {
					return nil, fmt.Errorf("round %s: rate control opts: %w", r.Label, err)
				}
				spec.RateControl = types.RateControlSpec{Type: r.RateControl[i].Type, Opts: opts}
			}
			out = append(out, spec)
		}
	}
	return out, nil
}

// toJSON re-encodes a decoded YAML mapping for consumers that take raw JSON.
func toJSON(v map[string]any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
