// Package workload generates the transactions a round submits to both networks.
package workload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/gateway-fm/dualbench/internal/network"
	"github.com/gateway-fm/dualbench/internal/stats"
	"github.com/gateway-fm/dualbench/pkg/types"
)

var (
	// ErrUnknownWorkload is returned for a callback name nobody registered.
	ErrUnknownWorkload = errors.New("unknown workload")
	// ErrMissingArguments is returned when required workload args are absent.
	ErrMissingArguments = errors.New("required more arguments")
)

// Workload decides what each transaction contains.
type Workload interface {
	// Info describes the workload.
	Info() string

	// Init binds the workload to both networks and their client sessions.
	Init(ctx context.Context, nets [2]network.Network, sessions [2]*network.ClientContext, args json.RawMessage) error

	// Run submits one batch to both networks and returns index-aligned pairs.
	Run(ctx context.Context) ([]types.TxPair, error)

	// End releases workload state.
	End(ctx context.Context) error
}

// Registry manages workload lookup by callback name.
type Registry struct {
	workloads map[string]func() Workload
}

// NewRegistry creates a registry with the built-in workloads.
func NewRegistry() *Registry {
	r := &Registry{workloads: make(map[string]func() Workload)}
	r.Register(FinancierName, func() Workload { return &Financier{} })
	r.Register(QueryName, func() Workload { return &Query{} })
	return r
}

// Register adds a workload factory.
func (r *Registry) Register(name string, factory func() Workload) {
	r.workloads[name] = factory
}

// Names returns the registered workload names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.workloads))
	for name := range r.workloads {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a fresh workload instance.
func (r *Registry) New(name string) (Workload, error) {
	factory, ok := r.workloads[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkload, name)
	}
	return factory(), nil
}

// submitBoth runs submit against both networks concurrently and pairs the results.
func submitBoth(ctx context.Context, submit func(ctx context.Context, side int) ([]types.TxStatus, error)) ([]types.TxPair, error) {
	var results [2][]types.TxStatus
	g, gctx := errgroup.WithContext(ctx)
	for side := range results {
		g.Go(func() error {
			r, err := submit(gctx, side)
			results[side] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(results[0]) != len(results[1]) {
		return nil, fmt.Errorf("%w: %d != %d", stats.ErrLengthMismatch, len(results[0]), len(results[1]))
	}

	pairs := make([]types.TxPair, len(results[0]))
	for i := range pairs {
		pairs[i] = types.TxPair{A: results[0][i], B: results[1][i]}
	}
	return pairs, nil
}
