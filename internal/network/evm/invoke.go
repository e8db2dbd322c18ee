package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/dualbench/internal/network"
	benchtypes "github.com/gateway-fm/dualbench/pkg/types"
)

// benchmarkABI is the interface of the financier benchmark contract.
const benchmarkABI = `[
  {"type":"function","name":"readAndWrite","stateMutability":"nonpayable","inputs":[
    {"name":"sleepMS","type":"uint256"},
    {"name":"nRead","type":"uint256"},
    {"name":"nWrite","type":"uint256"},
    {"name":"updateSize","type":"uint256"},
    {"name":"keys","type":"string[]"}],"outputs":[]},
  {"type":"function","name":"get","stateMutability":"view","inputs":[
    {"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]}
]`

var contractABI = mustParseABI(benchmarkABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse benchmark abi: %v", err))
	}
	return parsed
}

// packCall encodes a contract call. Leading numeric arguments fill the uint256
// parameters; the rest are the string keys.
func packCall(call network.Call) ([]byte, error) {
	method, ok := contractABI.Methods[call.Function]
	if !ok {
		return nil, fmt.Errorf("unsupported function %q", call.Function)
	}

	var numeric int
	for _, in := range method.Inputs {
		if in.Type.T == abi.UintTy {
			numeric++
		}
	}
	if len(call.Args) < numeric {
		return nil, fmt.Errorf("%s: want at least %d arguments, got %d", call.Function, numeric, len(call.Args))
	}

	args := make([]interface{}, 0, len(method.Inputs))
	for i := range numeric {
		v, ok := new(big.Int).SetString(call.Args[i], 10)
		if !ok {
			return nil, fmt.Errorf("%s: argument %d: not an integer: %q", call.Function, i, call.Args[i])
		}
		args = append(args, v)
	}
	rest := call.Args[numeric:]
	switch {
	case len(args) == len(method.Inputs):
	case method.Inputs[len(args)].Type.T == abi.SliceTy:
		args = append(args, append([]string{}, rest...))
	case len(rest) == 1:
		args = append(args, rest[0])
	default:
		return nil, fmt.Errorf("%s: want 1 string argument, got %d", call.Function, len(rest))
	}
	return contractABI.Pack(call.Function, args...)
}

// sent is a transaction accepted by the node and awaiting its receipt.
type sent struct {
	idx  int
	hash string
}

// InvokeSmartContract signs and sends the calls in order, then waits for their
// receipts. Statuses are index-aligned with calls.
func (n *Network) InvokeSmartContract(ctx context.Context, cctx *network.ClientContext, contractID, _ string, calls []network.Call, timeout time.Duration) ([]benchtypes.TxStatus, error) {
	s, err := sessionOf(cctx)
	if err != nil {
		return nil, err
	}
	to, err := s.contract(contractID)
	if err != nil {
		return nil, fmt.Errorf("evm %s: %w", n.cfg.Name, err)
	}
	if timeout <= 0 {
		timeout = n.cfg.EVM.Timeout
	}

	statuses := make([]benchtypes.TxStatus, len(calls))
	pending := make([]sent, 0, len(calls))
	for i, call := range calls {
		statuses[i] = benchtypes.TxStatus{Operation: benchtypes.OpInvoke, TimeCreate: time.Now()}
		hash, err := n.send(ctx, s, to, call)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			n.logger.Debug("transaction rejected", slog.Int("client", cctx.ClientIdx), slog.String("error", err.Error()))
			continue
		}
		statuses[i].ID = hash
		statuses[i].TimeOrder = time.Now()
		pending = append(pending, sent{idx: i, hash: hash})
	}
	cctx.Submitted(len(calls))

	if err := n.awaitReceipts(ctx, s, statuses, pending, timeout); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (n *Network) send(ctx context.Context, s *session, to common.Address, call network.Call) (string, error) {
	data, err := packCall(call)
	if err != nil {
		return "", err
	}
	chainID, gasPrice := n.signing()
	if chainID == nil {
		return "", fmt.Errorf("network not initialized")
	}

	nonce := s.acct.ReserveNonce()
	defer nonce.Rollback()

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce.Value(),
		GasPrice: gasPrice,
		Gas:      n.cfg.EVM.GasLimit,
		To:       &to,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.acct.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	hash, err := n.client.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", fmt.Errorf("send: %w", err)
	}
	nonce.Commit()
	if hash == "" {
		hash = signed.Hash().Hex()
	}
	return hash, nil
}

// awaitReceipts polls for receipts on every new head or poll interval until
// all are known or the timeout passes. Missing receipts stay uncommitted.
func (n *Network) awaitReceipts(ctx context.Context, s *session, statuses []benchtypes.TxStatus, pending []sent, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(n.cfg.EVM.PollInterval)
	defer ticker.Stop()

	for len(pending) > 0 {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		hashes := make([]string, len(pending))
		for i, p := range pending {
			hashes[i] = p.hash
		}
		receipts, err := n.client.GetTransactionReceiptsBatch(ctx, hashes)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			n.logger.Debug("receipt poll failed", slog.String("error", err.Error()))
		}

		now := time.Now()
		rest := pending[:0]
		for i, p := range pending {
			if i >= len(receipts) || receipts[i] == nil {
				rest = append(rest, p)
				continue
			}
			statuses[p.idx].Committed = receipts[i].Status == 1
			statuses[p.idx].TimeCommit = now
		}
		pending = rest
		if len(pending) == 0 {
			return nil
		}

		select {
		case <-n.heads.wait():
		case <-ticker.C:
		case <-deadline.C:
			n.logger.Debug("receipts timed out", slog.Int("pending", len(pending)))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// QueryState reads key through the contract's get function.
func (n *Network) QueryState(ctx context.Context, cctx *network.ClientContext, contractID, _ string, key string) (benchtypes.TxStatus, error) {
	st := benchtypes.TxStatus{Operation: benchtypes.OpQuery, TimeCreate: time.Now()}
	s, err := sessionOf(cctx)
	if err != nil {
		return st, err
	}
	to, err := s.contract(contractID)
	if err != nil {
		return st, fmt.Errorf("evm %s: %w", n.cfg.Name, err)
	}
	cctx.Submitted(1)

	data, err := contractABI.Pack("get", key)
	if err != nil {
		return st, fmt.Errorf("pack get: %w", err)
	}
	out, err := n.client.EthCall(ctx, to.Hex(), data)
	if err != nil {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		n.logger.Debug("query failed", slog.String("key", key), slog.String("error", err.Error()))
		return st, nil
	}
	values, err := contractABI.Unpack("get", out)
	if err != nil || len(values) == 0 {
		return st, nil
	}
	if v, ok := values[0].(string); ok && v != "" {
		st.TimeCommit = time.Now()
		st.Committed = true
	}
	return st, nil
}
