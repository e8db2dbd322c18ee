package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"

	"github.com/gateway-fm/dualbench/internal/rpc"
)

// headFeed wakes receipt waiters whenever a new block is seen.
type headFeed struct {
	mu     sync.Mutex
	ch     chan struct{} // closed and replaced on every head
	number uint64
}

func newHeadFeed() *headFeed {
	return &headFeed{ch: make(chan struct{})}
}

// wait returns a channel closed at the next head.
func (f *headFeed) wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ch
}

// publish records a head. Heads at or below the last one are ignored.
func (f *headFeed) publish(number uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if number <= f.number {
		return false
	}
	f.number = number
	close(f.ch)
	f.ch = make(chan struct{})
	return true
}

// maxPollFailures is how many consecutive eth_blockNumber failures end polling.
const maxPollFailures = 5

// pollHeads follows the chain head by polling eth_blockNumber. Transient RPC
// failures are logged and retried on the next tick.
func (n *Network) pollHeads(ctx context.Context, fail func(error)) event.Subscription {
	interval := n.cfg.EVM.PollInterval
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		failures := 0
		for {
			select {
			case <-quit:
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				num, err := n.client.GetBlockNumber(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					failures++
					n.logger.Debug("block number poll failed", slog.Int("failures", failures), slog.String("error", err.Error()))
					if failures >= maxPollFailures {
						err = fmt.Errorf("block number: %w", err)
						fail(err)
						return err
					}
					continue
				}
				failures = 0
				n.heads.publish(num)
			}
		}
	})
}

// subscribeHeads follows newHeads over a websocket subscription. A dropped
// connection ends block processing with an error.
func (n *Network) subscribeHeads(ctx context.Context, fail func(error)) (event.Subscription, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, n.cfg.EVM.WSURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", n.cfg.EVM.WSURL, err)
	}

	if err := conn.WriteJSON(rpc.JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  "eth_subscribe",
		Params:  []interface{}{"newHeads"},
		ID:      1,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send subscribe: %w", err)
	}
	var ack rpc.JSONRPCResponse
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read subscribe ack: %w", err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, &rpc.RPCError{Code: ack.Error.Code, Message: ack.Error.Message}
	}

	return event.NewSubscription(func(quit <-chan struct{}) error {
		errc := make(chan error, 1)
		go func() { errc <- n.readHeads(conn) }()

		select {
		case <-quit:
			conn.Close()
			<-errc
			return nil
		case <-ctx.Done():
			conn.Close()
			<-errc
			return nil
		case err := <-errc:
			conn.Close()
			fail(fmt.Errorf("newHeads subscription: %w", err))
			return err
		}
	}), nil
}

// headNotification is an eth_subscription push carrying a block header.
type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number string `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

func (n *Network) readHeads(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg headNotification
		if err := json.Unmarshal(data, &msg); err != nil || msg.Method != "eth_subscription" {
			continue
		}
		num, err := hexutil.DecodeUint64(msg.Params.Result.Number)
		if err != nil {
			continue
		}
		n.heads.publish(num)
	}
}
