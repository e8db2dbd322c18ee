// Package stats reduces observed transactions into aggregate statistics and merges
// aggregates across time windows, workers and networks.
//
// Every function in this package is pure: inputs are never modified and results never
// alias input slices.
package stats

import (
	"github.com/gateway-fm/dualbench/pkg/types"
)

// Reduce aggregates a sequence of transactions. Uncommitted transactions only count
// as failures; committed ones feed the time bounds and the delay detail.
func Reduce(results []types.TxStatus) types.DefaultTxStats {
	var s types.DefaultTxStats
	for _, r := range results {
		if !r.Committed {
			s.Fail++
			continue
		}
		create := types.Seconds(r.TimeCreate)
		final := types.Seconds(r.TimeCommit)
		d := final - create

		if s.Succ == 0 {
			s.Create = types.Bounds{Min: create, Max: create}
			s.Final = types.Bounds{Min: final, Max: final}
			s.Delay.Min, s.Delay.Max = d, d
			s.Delay.Detail = make([]float64, 0, len(results))
		} else {
			s.Create.Min = min(s.Create.Min, create)
			s.Create.Max = max(s.Create.Max, create)
			s.Final.Min = min(s.Final.Min, final)
			s.Final.Max = max(s.Final.Max, final)
			s.Delay.Min = min(s.Delay.Min, d)
			s.Delay.Max = max(s.Delay.Max, d)
		}
		s.Succ++
		s.Delay.Sum += d
		s.Delay.Detail = append(s.Delay.Detail, d)
	}
	return s
}

// ReduceDetailedDelay sums pipeline stage delays over committed invoke transactions.
// A missing endorse stamp collapses submit->endorse to zero; a missing order stamp
// collapses endorse->order to zero.
func ReduceDetailedDelay(results []types.TxStatus) types.DetailedDelayStats {
	var s types.DetailedDelayStats
	for _, r := range results {
		if !r.Committed || r.Operation != types.OpInvoke {
			continue
		}
		create := types.Seconds(r.TimeCreate)
		endorse := create
		if !r.TimeEndorse.IsZero() {
			endorse = types.Seconds(r.TimeEndorse)
		}
		order := endorse
		if !r.TimeOrder.IsZero() {
			order = types.Seconds(r.TimeOrder)
		}
		commit := types.Seconds(r.TimeCommit)

		s.Succ++
		s.S2ESum += endorse - create
		s.E2OSum += order - endorse
		s.O2FSum += commit - order
		s.DelaySum += commit - create
	}
	return s
}

// Split partitions transactions by operation, preserving order.
func Split(results []types.TxStatus) (query, invoke []types.TxStatus) {
	for _, r := range results {
		switch r.Operation {
		case types.OpQuery:
			query = append(query, r)
		case types.OpInvoke:
			invoke = append(invoke, r)
		}
	}
	return query, invoke
}

// BuildBundle reduces one window of transactions into a bundle. Empty partitions
// yield null aggregates; detailed delay is only computed for invokes.
func BuildBundle(results []types.TxStatus) types.StatsBundle {
	query, invoke := Split(results)

	var b types.StatsBundle
	if len(query) > 0 {
		b.Query = Reduce(query)
	}
	if len(invoke) > 0 {
		b.Invoke = Reduce(invoke)
		b.Detailed = ReduceDetailedDelay(invoke)
	}
	if len(results) > 0 {
		b.Overall = Reduce(results)
	}
	return b
}
