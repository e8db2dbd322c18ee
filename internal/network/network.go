// Package network defines the contract between the benchmark engine and the ledger
// adapters that submit transactions and observe their commitment.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// ErrUnknownType is returned when a network config names an adapter nobody registered.
var ErrUnknownType = errors.New("unknown network type")

// ContractSpec describes a contract the benchmark installs before the first round.
type ContractSpec struct {
	ID       string   `yaml:"id" json:"id"`
	Version  string   `yaml:"version" json:"version"`
	Address  string   `yaml:"address,omitempty" json:"address,omitempty"`
	InitArgs []string `yaml:"init,omitempty" json:"init,omitempty"`
}

// Call is one contract invocation: a function name and its string arguments.
type Call struct {
	Function string
	Args     []string
}

// ClientContext is a worker's session on one network for one round.
type ClientContext struct {
	Label      string
	ClientIdx  int
	ContractID string

	// OnSubmit is called by the adapter with the number of transactions it has
	// just handed to the ledger. May be nil.
	OnSubmit func(n int)

	// Handle is adapter-specific session state.
	Handle any
}

// Submitted reports n submitted transactions to the engine.
func (c *ClientContext) Submitted(n int) {
	if c != nil && c.OnSubmit != nil {
		c.OnSubmit(n)
	}
}

// Network is a ledger adapter.
type Network interface {
	// Name identifies the network in results.
	Name() string

	// Init prepares the adapter for use.
	Init(ctx context.Context) error

	// InstallSmartContract deploys or verifies the benchmark contracts and returns
	// the contract id workloads should target.
	InstallSmartContract(ctx context.Context, contracts []ContractSpec) (string, error)

	// PrepareClients returns one opaque argument document per worker client.
	PrepareClients(ctx context.Context, n int) ([]json.RawMessage, error)

	// GetContext opens a client session for a round.
	GetContext(ctx context.Context, label string, args json.RawMessage, clientIdx int) (*ClientContext, error)

	// ReleaseContext closes a session opened by GetContext.
	ReleaseContext(ctx context.Context, cctx *ClientContext) error

	// RegisterBlockProcessing starts following commit events for a client.
	// onError is called if event processing fails; the subscription is then dead.
	// Unsubscribing is the unregister operation.
	RegisterBlockProcessing(ctx context.Context, clientIdx int, onError func(error)) (event.Subscription, error)

	// InvokeSmartContract submits the calls and waits for their outcome.
	// The returned statuses are index-aligned with calls.
	InvokeSmartContract(ctx context.Context, cctx *ClientContext, contractID, version string, calls []Call, timeout time.Duration) ([]types.TxStatus, error)

	// QueryState reads a key through the contract.
	QueryState(ctx context.Context, cctx *ClientContext, contractID, version, key string) (types.TxStatus, error)

	// Close releases adapter resources.
	Close() error
}

// Config is the header every network config document starts with.
type Config struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// ParseConfig reads the header of a network config document.
func ParseConfig(doc []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return cfg, fmt.Errorf("parse network config: %w", err)
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("network config: name is required")
	}
	if cfg.Name == types.SimulKey {
		return cfg, fmt.Errorf("network config: name %q is reserved", types.SimulKey)
	}
	if cfg.Type == "" {
		return cfg, fmt.Errorf("network config %s: type is required", cfg.Name)
	}
	return cfg, nil
}

// Factory builds an adapter from its full config document.
type Factory func(doc []byte, logger *slog.Logger) (Network, error)

// Registry manages adapter lookup by config type.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger,
	}
}

// Register adds an adapter factory.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Open builds the adapter described by doc.
func (r *Registry) Open(doc []byte) (Network, error) {
	cfg, err := ParseConfig(doc)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}

	n, err := f(doc, r.logger.With("network", cfg.Name))
	if err != nil {
		return nil, fmt.Errorf("open network %s: %w", cfg.Name, err)
	}
	return n, nil
}
