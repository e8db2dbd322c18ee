package account

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/dualbench/internal/rpc"
)

// transferGas is the gas of a plain value transfer.
const transferGas = 21000

// Funder tops up client accounts from a faucet account before a benchmark.
type Funder struct {
	client   rpc.Client
	faucet   *Account
	signer   types.Signer
	gasPrice *big.Int
	logger   *slog.Logger
}

// NewFunder creates a funder signing for chainID.
func NewFunder(client rpc.Client, faucet *Account, chainID, gasPrice *big.Int, logger *slog.Logger) *Funder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Funder{
		client:   client,
		faucet:   faucet,
		signer:   types.LatestSignerForChainID(chainID),
		gasPrice: gasPrice,
		logger:   logger,
	}
}

// Fund sends amount to every recipient and waits until the faucet's confirmed
// nonce shows all transfers mined.
func (f *Funder) Fund(ctx context.Context, recipients []*Account, amount *big.Int, timeout time.Duration) error {
	if len(recipients) == 0 {
		return nil
	}
	if err := f.faucet.ResyncFromChain(ctx, f.client); err != nil {
		return fmt.Errorf("resync faucet nonce: %w", err)
	}

	f.logger.Info("Funding client accounts",
		slog.Int("count", len(recipients)),
		slog.String("faucet", f.faucet.Address.Hex()),
	)
	for i, acc := range recipients {
		if err := f.transfer(ctx, acc, amount); err != nil {
			return fmt.Errorf("fund account %d (%s): %w", i, acc.Address.Hex(), err)
		}
	}
	return f.waitForNonce(ctx, f.faucet.PeekNonce(), timeout)
}

func (f *Funder) transfer(ctx context.Context, recipient *Account, amount *big.Int) error {
	n := f.faucet.ReserveNonce()
	defer n.Rollback()

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    n.Value(),
		GasPrice: f.gasPrice,
		Gas:      transferGas,
		To:       &recipient.Address,
		Value:    amount,
	})
	signed, err := types.SignTx(tx, f.signer, f.faucet.PrivateKey)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	data, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if _, err := f.client.SendRawTransaction(ctx, data); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	n.Commit()
	return nil
}

// waitForNonce polls the faucet's confirmed nonce until it reaches expected.
func (f *Funder) waitForNonce(ctx context.Context, expected uint64, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		nonce, err := f.client.GetConfirmedNonce(ctx, f.faucet.Address.Hex())
		if err == nil && nonce >= expected {
			f.logger.Info("Client accounts funded", slog.Uint64("faucetNonce", nonce))
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for funding transfers (nonce %d): %w", expected, ctx.Err())
		case <-ticker.C:
		}
	}
}
