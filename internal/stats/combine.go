package stats

import (
	"errors"
	"fmt"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// ErrLengthMismatch is returned when the two networks report different numbers of
// transactions for the same submissions.
var ErrLengthMismatch = errors.New("network result sequences differ in length")

// Combine builds the simul view from index-aligned results of network A and B.
// Each pair committed on both sides becomes a copy of the B entry whose commit time is
// extended by A's order-to-commit delta. Pairs where either side failed are dropped.
func Combine(a, b []types.TxStatus) ([]types.TxStatus, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %d != %d", ErrLengthMismatch, len(a), len(b))
	}

	out := make([]types.TxStatus, 0, len(a))
	for i := range a {
		if !a[i].Committed || !b[i].Committed {
			continue
		}
		proposed := a[i].TimeOrder
		if proposed.IsZero() {
			proposed = a[i].TimeCreate
		}
		c := b[i]
		c.TimeCommit = b[i].TimeCommit.Add(a[i].TimeCommit.Sub(proposed))
		out = append(out, c)
	}
	return out, nil
}

// Unzip splits pairs into the per-network sequences, preserving index alignment.
func Unzip(pairs []types.TxPair) (a, b []types.TxStatus) {
	a = make([]types.TxStatus, len(pairs))
	b = make([]types.TxStatus, len(pairs))
	for i, p := range pairs {
		a[i] = p.A
		b[i] = p.B
	}
	return a, b
}
