package account

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gateway-fm/dualbench/internal/rpc"
)

const devKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestAccount(t *testing.T) *Account {
	t.Helper()
	acc, err := NewAccountFromHex(devKey)
	if err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return acc
}

func TestNewAccountFromHex(t *testing.T) {
	acc := newTestAccount(t)
	if got := acc.Address.Hex(); got != "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266" {
		t.Errorf("Address = %s", got)
	}
	if acc.HexKey() != devKey {
		t.Errorf("HexKey() = %s", acc.HexKey())
	}
	if _, err := NewAccountFromHex("zz"); err == nil {
		t.Error("expected error for invalid key")
	}
}

func TestDerive(t *testing.T) {
	a0, err := Derive("seed", 0)
	if err != nil {
		t.Fatal(err)
	}
	again, err := Derive("seed", 0)
	if err != nil {
		t.Fatal(err)
	}
	if a0.Address != again.Address {
		t.Error("same seed and index gave different accounts")
	}

	a1, _ := Derive("seed", 1)
	other, _ := Derive("other", 0)
	if a0.Address == a1.Address || a0.Address == other.Address {
		t.Error("derived accounts collide")
	}

	restored, err := NewAccountFromHex(a1.HexKey())
	if err != nil || restored.Address != a1.Address {
		t.Errorf("HexKey round trip = %v, %v", restored, err)
	}
}

func TestReserveNonceCommit(t *testing.T) {
	acc := newTestAccount(t)
	acc.SetNonce(7)

	n := acc.ReserveNonce()
	if n.Value() != 7 {
		t.Errorf("Value() = %d, want 7", n.Value())
	}
	n.Commit()
	n.Rollback()
	if got := acc.PeekNonce(); got != 8 {
		t.Errorf("after commit, PeekNonce() = %d, want 8", got)
	}
}

func TestReserveNonceRollback(t *testing.T) {
	acc := newTestAccount(t)
	acc.SetNonce(7)

	n := acc.ReserveNonce()
	n.Rollback()
	n.Rollback()
	if got := acc.PeekNonce(); got != 7 {
		t.Errorf("after rollback, PeekNonce() = %d, want 7", got)
	}
	n.Commit()
	if got := acc.PeekNonce(); got != 7 {
		t.Errorf("commit after rollback changed nonce to %d", got)
	}
}

func TestReserveNonceOutOfOrderRollback(t *testing.T) {
	acc := newTestAccount(t)
	acc.SetNonce(100)

	n1 := acc.ReserveNonce()
	n2 := acc.ReserveNonce()
	if n1.Value() != 100 || n2.Value() != 101 {
		t.Fatalf("reserved %d, %d", n1.Value(), n2.Value())
	}

	// n2 is still out, so n1 cannot be returned.
	n1.Rollback()
	if got := acc.PeekNonce(); got != 102 {
		t.Errorf("after out-of-order rollback, PeekNonce() = %d, want 102", got)
	}
	n2.Rollback()
	if got := acc.PeekNonce(); got != 101 {
		t.Errorf("after n2 rollback, PeekNonce() = %d, want 101", got)
	}
}

func TestReserveNonceConcurrency(t *testing.T) {
	acc := newTestAccount(t)

	const numGoroutines = 100
	var wg sync.WaitGroup
	seen := make(chan uint64, numGoroutines)
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := acc.ReserveNonce()
			seen <- n.Value()
			n.Commit()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		if unique[v] {
			t.Errorf("nonce %d reserved twice", v)
		}
		unique[v] = true
	}
	if got := acc.PeekNonce(); got != numGoroutines {
		t.Errorf("PeekNonce() = %d, want %d", got, numGoroutines)
	}
}

// fakeClient is an in-memory node recording raw transactions.
type fakeClient struct {
	rpc.Client

	mu        sync.Mutex
	pending   uint64
	confirmed uint64
	sent      []*types.Transaction
	autoMine  bool
}

func (f *fakeClient) GetNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeClient) GetConfirmedNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmed, nil
}

func (f *fakeClient) SendRawTransaction(_ context.Context, raw []byte) (string, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.autoMine {
		f.confirmed = tx.Nonce() + 1
	}
	return tx.Hash().Hex(), nil
}

func TestResync(t *testing.T) {
	acc := newTestAccount(t)
	client := &fakeClient{pending: 12, confirmed: 10}

	if err := acc.ResyncFromChain(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	if got := acc.PeekNonce(); got != 10 {
		t.Errorf("after ResyncFromChain, PeekNonce() = %d, want 10", got)
	}
	if err := acc.Resync(context.Background(), client); err != nil {
		t.Fatal(err)
	}
	if got := acc.PeekNonce(); got != 12 {
		t.Errorf("after Resync, PeekNonce() = %d, want 12", got)
	}

	// Never moves backwards.
	acc.SetNonce(20)
	_ = acc.Resync(context.Background(), client)
	if got := acc.PeekNonce(); got != 20 {
		t.Errorf("Resync moved nonce back to %d", got)
	}
}

func TestFunderFund(t *testing.T) {
	faucet := newTestAccount(t)
	client := &fakeClient{confirmed: 3, autoMine: true}
	chainID := big.NewInt(1337)

	recipients := make([]*Account, 3)
	for i := range recipients {
		recipients[i], _ = Derive("fund", i)
	}

	f := NewFunder(client, faucet, chainID, big.NewInt(1e9), nil)
	if err := f.Fund(context.Background(), recipients, big.NewInt(1e18), time.Second); err != nil {
		t.Fatalf("Fund() error = %v", err)
	}

	if len(client.sent) != 3 {
		t.Fatalf("sent %d transactions, want 3", len(client.sent))
	}
	signer := types.LatestSignerForChainID(chainID)
	for i, tx := range client.sent {
		if tx.Nonce() != uint64(3+i) {
			t.Errorf("tx %d nonce = %d, want %d", i, tx.Nonce(), 3+i)
		}
		if *tx.To() != recipients[i].Address || tx.Value().Cmp(big.NewInt(1e18)) != 0 {
			t.Errorf("tx %d = to %s value %s", i, tx.To().Hex(), tx.Value())
		}
		from, err := types.Sender(signer, tx)
		if err != nil || from != faucet.Address {
			t.Errorf("tx %d sender = %s, %v", i, from.Hex(), err)
		}
	}
}

func TestFunderTimeout(t *testing.T) {
	client := &fakeClient{}
	recipient, _ := Derive("fund", 0)

	f := NewFunder(client, newTestAccount(t), big.NewInt(1), big.NewInt(1), nil)
	if err := f.Fund(context.Background(), []*Account{recipient}, big.NewInt(1), 50*time.Millisecond); err == nil {
		t.Fatal("Fund() succeeded while transfers were never mined")
	}
}
