package workload

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// QueryName is the callback name of the query workload.
const QueryName = "query"

// QueryArgs configures the query workload. NAccount is required.
type QueryArgs struct {
	NAccount *int `json:"nAccount"`
	NQuery   int  `json:"nQuery"`
}

// Query reads random accounts through the contract on both networks.
type Query struct {
	args     QueryArgs
	nets     [2]network.Network
	sessions [2]*network.ClientContext

	mu  sync.Mutex
	rng *rand.Rand
}

// Info describes the workload.
func (q *Query) Info() string { return "account state queries" }

// Init validates args.
func (q *Query) Init(_ context.Context, nets [2]network.Network, sessions [2]*network.ClientContext, raw json.RawMessage) error {
	var args QueryArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("query args: %w", err)
		}
	}
	if args.NAccount == nil {
		return ErrMissingArguments
	}
	if *args.NAccount <= 0 {
		return fmt.Errorf("query: nAccount must be positive")
	}
	if args.NQuery <= 0 {
		args.NQuery = 1
	}
	seed := uint64(time.Now().UnixNano())
	q.rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	q.args = args
	q.nets = nets
	q.sessions = sessions
	return nil
}

// Run queries the same keys on both networks.
func (q *Query) Run(ctx context.Context) ([]types.TxPair, error) {
	keys := make([]string, q.args.NQuery)
	q.mu.Lock()
	for i := range keys {
		keys[i] = "A" + strconv.FormatUint(q.rng.Uint64N(uint64(*q.args.NAccount)), 10)
	}
	q.mu.Unlock()

	return submitBoth(ctx, func(ctx context.Context, side int) ([]types.TxStatus, error) {
		s := q.sessions[side]
		out := make([]types.TxStatus, 0, len(keys))
		for _, key := range keys {
			st, err := q.nets[side].QueryState(ctx, s, s.ContractID, "v0", key)
			if err != nil {
				return nil, err
			}
			out = append(out, st)
		}
		return out, nil
	})
}

// End is a no-op.
func (q *Query) End(context.Context) error { return nil }
