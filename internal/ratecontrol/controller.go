// Package ratecontrol paces transaction issuance inside a worker.
//
// Policies are selected by name from a Registry and configured from the round's
// rate-control options. Every policy guarantees that issuance never runs faster than
// its configured cap.
package ratecontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// Policy names.
const (
	FixedRate    = "fixed-rate"
	LinearRate   = "linear-rate"
	FixedBacklog = "fixed-backlog"
)

var (
	// ErrUnknownPolicy is returned for a rate-control type nobody registered.
	ErrUnknownPolicy = errors.New("unknown rate control policy")
	// ErrInvalidOptions is returned when a policy rejects its options.
	ErrInvalidOptions = errors.New("invalid rate control options")
)

// Feedback exposes round progress to policies that react to it.
type Feedback interface {
	// Completed returns how many issuance steps have finished, committed or not.
	Completed() int
}

// Controller decides when the next transaction may be issued.
type Controller interface {
	// Init configures the policy for one round.
	Init(round types.RoundSpec) error

	// Apply blocks until transaction number issued+1 may be issued.
	Apply(ctx context.Context, start time.Time, issued int, fb Feedback) error

	// End is called once after issuance stops.
	End()
}

// DefaultSpec is the policy used by rounds that configure none.
func DefaultSpec() types.RateControlSpec {
	return types.RateControlSpec{Type: FixedRate, Opts: json.RawMessage(`{"tps":1}`)}
}

// Registry manages policy lookup by name.
type Registry struct {
	policies map[string]func() Controller
}

// NewRegistry creates a registry with all built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[string]func() Controller),
	}
	r.Register(FixedRate, func() Controller { return &fixedRate{} })
	r.Register(LinearRate, func() Controller { return &linearRate{} })
	r.Register(FixedBacklog, func() Controller { return &fixedBacklog{} })
	return r
}

// Register adds a policy factory to the registry.
func (r *Registry) Register(name string, factory func() Controller) {
	r.policies[name] = factory
}

// Names returns the registered policy names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	return names
}

// New returns an initialized controller for the round's rate-control spec.
func (r *Registry) New(round types.RoundSpec) (Controller, error) {
	factory, ok := r.policies[round.RateControl.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, round.RateControl.Type)
	}
	c := factory()
	if err := c.Init(round); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeOpts(spec types.RateControlSpec, v any) error {
	if len(spec.Opts) == 0 {
		return fmt.Errorf("%w: %s requires opts", ErrInvalidOptions, spec.Type)
	}
	if err := json.Unmarshal(spec.Opts, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOptions, spec.Type, err)
	}
	return nil
}

// sleep waits for d or until the context is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
