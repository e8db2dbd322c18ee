// Package account manages the signing accounts of evm benchmark clients.
package account

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/gateway-fm/dualbench/internal/rpc"
)

// Account holds a client's key and its local nonce.
type Account struct {
	PrivateKey *ecdsa.PrivateKey
	Address    common.Address
	nonce      uint64
	mu         sync.Mutex
}

// NewAccount creates an account from a private key.
func NewAccount(privateKey *ecdsa.PrivateKey) *Account {
	return &Account{
		PrivateKey: privateKey,
		Address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// NewAccountFromHex creates an account from a hex-encoded private key.
func NewAccountFromHex(hexKey string) (*Account, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, err
	}
	return NewAccount(privateKey), nil
}

// Derive returns the account of client idx for a seed. The same seed and index
// always give the same key, so the master and its workers agree on addresses.
func Derive(seed string, idx int) (*Account, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(idx))
	key, err := crypto.ToECDSA(crypto.Keccak256([]byte(seed), buf[:]))
	if err != nil {
		return nil, fmt.Errorf("derive key %d: %w", idx, err)
	}
	return NewAccount(key), nil
}

// HexKey returns the private key hex-encoded without prefix.
func (a *Account) HexKey() string {
	return common.Bytes2Hex(crypto.FromECDSA(a.PrivateKey))
}

// Nonce represents a reserved nonce that must be committed or rolled back.
type Nonce struct {
	value     uint64
	account   *Account
	committed atomic.Bool
}

// Value returns the nonce value.
func (n *Nonce) Value() uint64 {
	return n.value
}

// Commit marks the nonce as used. Idempotent.
func (n *Nonce) Commit() {
	n.committed.Store(true)
}

// Rollback returns the nonce if it was not committed. Idempotent.
func (n *Nonce) Rollback() {
	if n.committed.Swap(true) {
		return
	}
	n.account.rollback(n.value)
}

// ReserveNonce reserves the next nonce. The returned Nonce must be committed or
// rolled back:
//
//	n := acc.ReserveNonce()
//	defer n.Rollback()
//	if err := send(n.Value()); err != nil {
//	    return err
//	}
//	n.Commit()
func (a *Account) ReserveNonce() *Nonce {
	a.mu.Lock()
	nonce := a.nonce
	a.nonce++
	a.mu.Unlock()

	return &Nonce{
		value:   nonce,
		account: a,
	}
}

// rollback decrements nonce if it was the last one issued.
func (a *Account) rollback(nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nonce == nonce+1 {
		a.nonce = nonce
	}
}

// Resync raises the local nonce to the node's pending nonce. It never moves
// the nonce backwards.
func (a *Account) Resync(ctx context.Context, client rpc.Client) error {
	nonce, err := client.GetNonce(ctx, a.Address.Hex())
	if err != nil {
		return err
	}
	a.mu.Lock()
	if nonce > a.nonce {
		a.nonce = nonce
	}
	a.mu.Unlock()
	return nil
}

// ResyncFromChain raises the local nonce to the confirmed chain nonce.
func (a *Account) ResyncFromChain(ctx context.Context, client rpc.Client) error {
	nonce, err := client.GetConfirmedNonce(ctx, a.Address.Hex())
	if err != nil {
		return err
	}
	a.mu.Lock()
	if nonce > a.nonce {
		a.nonce = nonce
	}
	a.mu.Unlock()
	return nil
}

// SetNonce sets the nonce value directly.
func (a *Account) SetNonce(nonce uint64) {
	a.mu.Lock()
	a.nonce = nonce
	a.mu.Unlock()
}

// PeekNonce returns the current nonce without incrementing.
func (a *Account) PeekNonce() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonce
}
