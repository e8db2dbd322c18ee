// Package sim is an in-memory ledger adapter with configurable pipeline latencies.
//
// It runs the financier read/write contract against a simulated world state and
// stamps every transaction with endorse, order and commit times derived from the
// configured latencies. With realtime disabled the stamps are synthetic and calls
// return immediately, which makes round timings exact and fast in tests.
//
// World state is kept per network name for the whole process, so the orchestrator
// and in-process workers opening the same network share one ledger.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// Type is the network config type handled by this adapter.
const Type = "sim"

// Settings holds the simulated pipeline parameters.
type Settings struct {
	EndorseLatency  time.Duration `yaml:"endorseLatency"`
	OrderLatency    time.Duration `yaml:"orderLatency"`
	CommitLatency   time.Duration `yaml:"commitLatency"`
	Jitter          time.Duration `yaml:"jitter"`
	FailureRatio    float64       `yaml:"failureRatio"`
	BlockInterval   time.Duration `yaml:"blockInterval"`
	BlockErrorAfter uint64        `yaml:"blockErrorAfter"` // fail block processing at this height; 0 = never
	Realtime        bool          `yaml:"realtime"`
	Seed            uint64        `yaml:"seed"`
}

// Config is the sim network config document.
type Config struct {
	network.Config `yaml:",inline"`
	Sim            Settings `yaml:"sim"`
}

// Defaults for unset settings.
const (
	DefaultEndorseLatency = 20 * time.Millisecond
	DefaultOrderLatency   = 50 * time.Millisecond
	DefaultCommitLatency  = 100 * time.Millisecond
	DefaultBlockInterval  = 200 * time.Millisecond
)

var (
	ledgersMu sync.Mutex
	ledgers   = make(map[string]*ledger)
)

func ledgerFor(name string) *ledger {
	ledgersMu.Lock()
	defer ledgersMu.Unlock()
	l, ok := ledgers[name]
	if !ok {
		l = newLedger()
		ledgers[name] = l
	}
	return l
}

// Network is the simulated ledger.
type Network struct {
	cfg    Config
	logger *slog.Logger
	ledger *ledger
	seq    atomic.Uint64

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New builds a sim network from its config document.
func New(doc []byte, logger *slog.Logger) (network.Network, error) {
	cfg := Config{Sim: Settings{
		EndorseLatency: DefaultEndorseLatency,
		OrderLatency:   DefaultOrderLatency,
		CommitLatency:  DefaultCommitLatency,
		BlockInterval:  DefaultBlockInterval,
		Realtime:       true,
	}}
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("parse sim config: %w", err)
	}
	if cfg.Sim.FailureRatio < 0 || cfg.Sim.FailureRatio > 1 {
		return nil, fmt.Errorf("sim %s: failureRatio must be within [0, 1]", cfg.Name)
	}
	if cfg.Sim.BlockInterval <= 0 {
		return nil, fmt.Errorf("sim %s: blockInterval must be positive", cfg.Name)
	}
	return NewNetwork(cfg, logger), nil
}

// NewNetwork builds a sim network from a parsed config.
func NewNetwork(cfg Config, logger *slog.Logger) *Network {
	if logger == nil {
		logger = slog.Default()
	}
	return &Network{
		cfg:    cfg,
		logger: logger,
		ledger: ledgerFor(cfg.Name),
		rng:    rand.New(rand.NewPCG(cfg.Sim.Seed, cfg.Sim.Seed^0x9e3779b97f4a7c15)),
	}
}

// Name returns the configured network name.
func (n *Network) Name() string { return n.cfg.Name }

// Init is a no-op; the ledger is ready on construction.
func (n *Network) Init(context.Context) error { return nil }

// InstallSmartContract creates each contract's state and returns the first id.
func (n *Network) InstallSmartContract(_ context.Context, contracts []network.ContractSpec) (string, error) {
	for _, c := range contracts {
		if err := n.ledger.install(c.ID, c.InitArgs); err != nil {
			return "", err
		}
		n.logger.Info("contract installed", slog.String("contract", c.ID), slog.String("version", c.Version))
	}
	if len(contracts) == 0 {
		return "", nil
	}
	return contracts[0].ID, nil
}

type clientArgs struct {
	Client int `json:"client"`
}

// PrepareClients hands each client its index.
func (n *Network) PrepareClients(_ context.Context, count int) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, count)
	for i := range out {
		data, err := json.Marshal(clientArgs{Client: i})
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// GetContext opens a session; sim sessions carry no state.
func (n *Network) GetContext(_ context.Context, label string, _ json.RawMessage, clientIdx int) (*network.ClientContext, error) {
	return &network.ClientContext{Label: label, ClientIdx: clientIdx}, nil
}

// ReleaseContext is a no-op.
func (n *Network) ReleaseContext(context.Context, *network.ClientContext) error { return nil }

// RegisterBlockProcessing produces blocks on the configured interval until
// unsubscribed. It fails once BlockErrorAfter blocks have been produced.
func (n *Network) RegisterBlockProcessing(ctx context.Context, clientIdx int, onError func(error)) (event.Subscription, error) {
	interval := n.cfg.Sim.BlockInterval
	failAt := n.cfg.Sim.BlockErrorAfter

	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var height uint64
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				height++
				if failAt > 0 && height >= failAt {
					err := fmt.Errorf("sim %s: block processing failed at height %d", n.cfg.Name, height)
					n.logger.Warn("block processing failed", slog.Int("client", clientIdx), slog.Uint64("height", height))
					if onError != nil {
						onError(err)
					}
					return err
				}
			}
		}
	}), nil
}

// InvokeSmartContract runs every call concurrently and returns their statuses in
// call order.
func (n *Network) InvokeSmartContract(ctx context.Context, cctx *network.ClientContext, contractID, _ string, calls []network.Call, timeout time.Duration) ([]types.TxStatus, error) {
	if !n.ledger.installed(contractID) {
		return nil, fmt.Errorf("sim %s: contract %q not installed", n.cfg.Name, contractID)
	}

	statuses := make([]types.TxStatus, len(calls))
	cctx.Submitted(len(calls))

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			st, err := n.invoke(gctx, contractID, call, timeout)
			statuses[i] = st
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (n *Network) invoke(ctx context.Context, contractID string, call network.Call, timeout time.Duration) (types.TxStatus, error) {
	st := types.TxStatus{
		ID:         fmt.Sprintf("%s-%d", n.cfg.Name, n.seq.Add(1)),
		Operation:  types.OpInvoke,
		TimeCreate: time.Now(),
	}

	e, err := n.ledger.simulate(contractID, callArgs{function: call.Function, args: call.Args})
	if err != nil {
		n.logger.Debug("endorsement failed", slog.String("tx", st.ID), slog.String("error", err.Error()))
		return st, nil
	}

	stages := []time.Duration{
		n.latency(n.cfg.Sim.EndorseLatency) + e.sleep,
		n.latency(n.cfg.Sim.OrderLatency),
		n.latency(n.cfg.Sim.CommitLatency),
	}
	if timeout > 0 && stages[0]+stages[1]+stages[2] > timeout {
		return st, nil
	}

	stamps := make([]time.Time, len(stages))
	at := st.TimeCreate
	for i, d := range stages {
		if n.cfg.Sim.Realtime {
			if err := sleep(ctx, d); err != nil {
				return st, err
			}
			at = time.Now()
		} else {
			at = at.Add(d)
		}
		stamps[i] = at
	}
	st.TimeEndorse, st.TimeOrder, st.TimeCommit = stamps[0], stamps[1], stamps[2]

	if n.failed() {
		st.TimeCommit = time.Time{}
		return st, nil
	}
	n.ledger.commit(contractID, e.writes)
	st.Committed = true
	return st, nil
}

// QueryState reads a key; queries skip ordering and complete after the endorse latency.
func (n *Network) QueryState(ctx context.Context, cctx *network.ClientContext, contractID, _ string, key string) (types.TxStatus, error) {
	cctx.Submitted(1)
	st := types.TxStatus{
		ID:         fmt.Sprintf("%s-%d", n.cfg.Name, n.seq.Add(1)),
		Operation:  types.OpQuery,
		TimeCreate: time.Now(),
	}
	d := n.latency(n.cfg.Sim.EndorseLatency)
	if n.cfg.Sim.Realtime {
		if err := sleep(ctx, d); err != nil {
			return st, err
		}
		st.TimeCommit = time.Now()
	} else {
		st.TimeCommit = st.TimeCreate.Add(d)
	}
	if _, ok := n.ledger.get(contractID, key); !ok || n.failed() {
		st.TimeCommit = time.Time{}
		return st, nil
	}
	st.Committed = true
	return st, nil
}

// Close is a no-op.
func (n *Network) Close() error { return nil }

// latency adds uniform jitter in [-jitter, +jitter] to base, never below zero.
func (n *Network) latency(base time.Duration) time.Duration {
	j := n.cfg.Sim.Jitter
	if j <= 0 {
		return base
	}
	n.rngMu.Lock()
	offset := time.Duration(n.rng.Int64N(int64(2*j)+1)) - j
	n.rngMu.Unlock()
	return max(base+offset, 0)
}

func (n *Network) failed() bool {
	if n.cfg.Sim.FailureRatio <= 0 {
		return false
	}
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return n.rng.Float64() < n.cfg.Sim.FailureRatio
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
