// Package evm is a ledger adapter for EVM chains reached over JSON-RPC.
//
// Each benchmark client signs with its own key derived from the configured
// seed. Financier calls become readAndWrite transactions against the
// benchmark contract; a transaction is ordered once the node accepts it and
// committed once its receipt is observed. New heads arrive over websocket when
// wsURL is set and by polling eth_blockNumber otherwise.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/dualbench/internal/account"
	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/rpc"
)

// Type is the network config type handled by this adapter.
const Type = "evm"

// Defaults for unset settings.
const (
	DefaultGasLimit      = 500_000
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultTimeout       = 60 * time.Second
	DefaultFundTimeout   = 2 * time.Minute
	DefaultSeed          = "dualbench"
	defaultFundAmountWei = "1000000000000000000" // 1 ether
)

// Settings configures the adapter.
type Settings struct {
	RPCURL            string            `yaml:"rpcURL"`
	WSURL             string            `yaml:"wsURL"`
	ChainID           int64             `yaml:"chainID"` // 0 = ask the node
	Seed              string            `yaml:"seed"`
	FaucetKey         string            `yaml:"faucetKey"`  // funds client accounts when set
	FundAmount        string            `yaml:"fundAmount"` // wei
	GasLimit          uint64            `yaml:"gasLimit"`
	GasPrice          int64             `yaml:"gasPrice"` // wei; 0 = ask the node
	PollInterval      time.Duration     `yaml:"pollInterval"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"` // receipt polls per client; 0 = unlimited
	Timeout           time.Duration     `yaml:"timeout"`
	Contracts         map[string]string `yaml:"contracts"` // contract id -> address
}

// Config is the evm network config document.
type Config struct {
	network.Config `yaml:",inline"`
	EVM            Settings `yaml:"evm"`
}

// Network is the EVM ledger adapter.
type Network struct {
	cfg    Config
	logger *slog.Logger
	client rpc.Client
	heads  *headFeed

	mu        sync.RWMutex
	chainID   *big.Int
	gasPrice  *big.Int
	contracts map[string]common.Address
}

// New builds the adapter from its config document.
func New(doc []byte, logger *slog.Logger) (network.Network, error) {
	var cfg Config
	if err := yaml.Unmarshal(doc, &cfg); err != nil {
		return nil, fmt.Errorf("parse evm config: %w", err)
	}
	if cfg.EVM.RPCURL == "" {
		return nil, fmt.Errorf("evm %s: rpcURL is required", cfg.Name)
	}
	if cfg.EVM.Seed == "" {
		cfg.EVM.Seed = DefaultSeed
	}
	if cfg.EVM.FundAmount == "" {
		cfg.EVM.FundAmount = defaultFundAmountWei
	}
	if cfg.EVM.GasLimit == 0 {
		cfg.EVM.GasLimit = DefaultGasLimit
	}
	if cfg.EVM.PollInterval <= 0 {
		cfg.EVM.PollInterval = DefaultPollInterval
	}
	if cfg.EVM.Timeout <= 0 {
		cfg.EVM.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	contracts := make(map[string]common.Address, len(cfg.EVM.Contracts))
	for id, addr := range cfg.EVM.Contracts {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("evm %s: contract %s: invalid address %q", cfg.Name, id, addr)
		}
		contracts[id] = common.HexToAddress(addr)
	}

	rpcCfg := rpc.DefaultClientConfig(cfg.EVM.RPCURL)
	rpcCfg.Logger = logger
	return &Network{
		cfg:       cfg,
		logger:    logger,
		client:    rpc.NewHTTPClient(rpcCfg),
		heads:     newHeadFeed(),
		contracts: contracts,
	}, nil
}

// Name identifies the network in results.
func (n *Network) Name() string { return n.cfg.Name }

// Init resolves the chain id and gas price.
func (n *Network) Init(ctx context.Context) error {
	chainID := big.NewInt(n.cfg.EVM.ChainID)
	if n.cfg.EVM.ChainID == 0 {
		id, err := n.client.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("evm %s: chain id: %w", n.cfg.Name, err)
		}
		chainID = id
	}

	gasPrice := big.NewInt(n.cfg.EVM.GasPrice)
	if n.cfg.EVM.GasPrice == 0 {
		p, err := n.client.GetGasPrice(ctx)
		if err != nil {
			return fmt.Errorf("evm %s: gas price: %w", n.cfg.Name, err)
		}
		gasPrice = p
	}

	n.mu.Lock()
	n.chainID, n.gasPrice = chainID, gasPrice
	n.mu.Unlock()

	n.logger.Info("evm network ready",
		slog.String("chainID", chainID.String()),
		slog.String("gasPrice", gasPrice.String()),
	)
	return nil
}

func (n *Network) signing() (chainID, gasPrice *big.Int) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.chainID, n.gasPrice
}

// InstallSmartContract checks that code is deployed at every contract's
// address and returns the first contract id.
func (n *Network) InstallSmartContract(ctx context.Context, contracts []network.ContractSpec) (string, error) {
	for _, c := range contracts {
		addr, err := n.resolve(c)
		if err != nil {
			return "", err
		}
		code, err := n.client.GetCode(ctx, addr.Hex())
		if err != nil {
			return "", fmt.Errorf("evm %s: get code of %s: %w", n.cfg.Name, c.ID, err)
		}
		if code == "" || code == "0x" {
			return "", fmt.Errorf("evm %s: no code deployed for %s at %s", n.cfg.Name, c.ID, addr.Hex())
		}

		n.mu.Lock()
		n.contracts[c.ID] = addr
		n.mu.Unlock()
		n.logger.Info("contract verified", slog.String("contract", c.ID), slog.String("address", addr.Hex()))
	}
	if len(contracts) == 0 {
		return "", nil
	}
	return contracts[0].ID, nil
}

func (n *Network) resolve(c network.ContractSpec) (common.Address, error) {
	if c.Address != "" {
		if !common.IsHexAddress(c.Address) {
			return common.Address{}, fmt.Errorf("evm %s: contract %s: invalid address %q", n.cfg.Name, c.ID, c.Address)
		}
		return common.HexToAddress(c.Address), nil
	}
	n.mu.RLock()
	addr, ok := n.contracts[c.ID]
	n.mu.RUnlock()
	if !ok {
		return common.Address{}, fmt.Errorf("evm %s: no address configured for contract %s", n.cfg.Name, c.ID)
	}
	return addr, nil
}

// clientArgs is what a worker needs to act as one client.
type clientArgs struct {
	PrivateKey string            `json:"privateKey"`
	Contracts  map[string]string `json:"contracts"`
}

// PrepareClients derives one key per client, funds the accounts when a faucet
// is configured and hands each client its key and the contract addresses.
func (n *Network) PrepareClients(ctx context.Context, count int) ([]json.RawMessage, error) {
	accounts := make([]*account.Account, count)
	for i := range accounts {
		acc, err := account.Derive(n.cfg.EVM.Seed, i)
		if err != nil {
			return nil, err
		}
		accounts[i] = acc
	}

	if n.cfg.EVM.FaucetKey != "" {
		if err := n.fund(ctx, accounts); err != nil {
			return nil, err
		}
	}

	n.mu.RLock()
	contracts := make(map[string]string, len(n.contracts))
	for id, addr := range n.contracts {
		contracts[id] = addr.Hex()
	}
	n.mu.RUnlock()

	out := make([]json.RawMessage, count)
	for i, acc := range accounts {
		data, err := json.Marshal(clientArgs{PrivateKey: acc.HexKey(), Contracts: contracts})
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

func (n *Network) fund(ctx context.Context, accounts []*account.Account) error {
	faucet, err := account.NewAccountFromHex(strings.TrimPrefix(n.cfg.EVM.FaucetKey, "0x"))
	if err != nil {
		return fmt.Errorf("evm %s: faucet key: %w", n.cfg.Name, err)
	}
	amount, ok := new(big.Int).SetString(n.cfg.EVM.FundAmount, 10)
	if !ok {
		return fmt.Errorf("evm %s: invalid fundAmount %q", n.cfg.Name, n.cfg.EVM.FundAmount)
	}
	chainID, gasPrice := n.signing()
	f := account.NewFunder(n.client, faucet, chainID, gasPrice, n.logger)
	if err := f.Fund(ctx, accounts, amount, DefaultFundTimeout); err != nil {
		return fmt.Errorf("evm %s: %w", n.cfg.Name, err)
	}
	return nil
}

// session is the per-client state kept in ClientContext.Handle.
type session struct {
	acct      *account.Account
	contracts map[string]common.Address
	limiter   *rate.Limiter
}

// GetContext opens a client session from the arguments made by PrepareClients.
// Without arguments the key is derived from the seed and the client index.
func (n *Network) GetContext(ctx context.Context, label string, raw json.RawMessage, clientIdx int) (*network.ClientContext, error) {
	var args clientArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("evm %s: client args: %w", n.cfg.Name, err)
		}
	}

	var (
		acct *account.Account
		err  error
	)
	if args.PrivateKey != "" {
		acct, err = account.NewAccountFromHex(args.PrivateKey)
	} else {
		acct, err = account.Derive(n.cfg.EVM.Seed, clientIdx)
	}
	if err != nil {
		return nil, fmt.Errorf("evm %s: client key: %w", n.cfg.Name, err)
	}
	if err := acct.Resync(ctx, n.client); err != nil {
		return nil, fmt.Errorf("evm %s: nonce of %s: %w", n.cfg.Name, acct.Address.Hex(), err)
	}

	s := &session{
		acct:      acct,
		contracts: make(map[string]common.Address),
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
	n.mu.RLock()
	for id, addr := range n.contracts {
		s.contracts[id] = addr
	}
	n.mu.RUnlock()
	for id, addr := range args.Contracts {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("evm %s: contract %s: invalid address %q", n.cfg.Name, id, addr)
		}
		s.contracts[id] = common.HexToAddress(addr)
	}
	if rps := n.cfg.EVM.RequestsPerSecond; rps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	n.logger.Debug("client session opened",
		slog.String("round", label),
		slog.Int("client", clientIdx),
		slog.String("address", acct.Address.Hex()),
		slog.Uint64("nonce", acct.PeekNonce()),
	)
	return &network.ClientContext{Label: label, ClientIdx: clientIdx, Handle: s}, nil
}

// ReleaseContext is a no-op; sessions hold no connections.
func (n *Network) ReleaseContext(context.Context, *network.ClientContext) error { return nil }

// RegisterBlockProcessing follows new heads until unsubscribed.
func (n *Network) RegisterBlockProcessing(ctx context.Context, clientIdx int, onError func(error)) (event.Subscription, error) {
	fail := func(err error) {
		err = fmt.Errorf("evm %s: %w", n.cfg.Name, err)
		n.logger.Warn("block processing failed", slog.Int("client", clientIdx), slog.String("error", err.Error()))
		if onError != nil {
			onError(err)
		}
	}

	if n.cfg.EVM.WSURL != "" {
		sub, err := n.subscribeHeads(ctx, fail)
		if err != nil {
			return nil, fmt.Errorf("evm %s: subscribe newHeads: %w", n.cfg.Name, err)
		}
		return sub, nil
	}
	return n.pollHeads(ctx, fail), nil
}

// Close releases adapter resources.
func (n *Network) Close() error { return nil }

func sessionOf(cctx *network.ClientContext) (*session, error) {
	if cctx == nil {
		return nil, fmt.Errorf("no client context")
	}
	s, ok := cctx.Handle.(*session)
	if !ok {
		return nil, fmt.Errorf("client context was not opened by the evm adapter")
	}
	return s, nil
}

func (s *session) contract(id string) (common.Address, error) {
	addr, ok := s.contracts[id]
	if !ok {
		return common.Address{}, fmt.Errorf("unknown contract %q", id)
	}
	return addr, nil
}
