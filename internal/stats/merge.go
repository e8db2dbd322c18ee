package stats

import (
	"github.com/gateway-fm/dualbench/pkg/types"
)

// Merge folds aggregates into one. Null aggregates are identities and the operation
// is a multiset union, so it is associative and commutative over its inputs. The
// delay detail of the result is a fresh slice in input order.
func Merge(stats ...types.DefaultTxStats) types.DefaultTxStats {
	var out types.DefaultTxStats
	for _, s := range stats {
		if s.Succ > 0 {
			if out.Succ == 0 {
				out.Create = s.Create
				out.Final = s.Final
				out.Delay.Min = s.Delay.Min
				out.Delay.Max = s.Delay.Max
			} else {
				out.Create.Min = min(out.Create.Min, s.Create.Min)
				out.Create.Max = max(out.Create.Max, s.Create.Max)
				out.Final.Min = min(out.Final.Min, s.Final.Min)
				out.Final.Max = max(out.Final.Max, s.Final.Max)
				out.Delay.Min = min(out.Delay.Min, s.Delay.Min)
				out.Delay.Max = max(out.Delay.Max, s.Delay.Max)
			}
			out.Delay.Sum += s.Delay.Sum
			out.Delay.Detail = append(out.Delay.Detail, s.Delay.Detail...)
		}
		out.Succ += s.Succ
		out.Fail += s.Fail
	}
	return out
}

// MergeDetailedDelay adds stage sums together.
func MergeDetailedDelay(stats ...types.DetailedDelayStats) types.DetailedDelayStats {
	var out types.DetailedDelayStats
	for _, s := range stats {
		out.Succ += s.Succ
		out.S2ESum += s.S2ESum
		out.E2OSum += s.E2OSum
		out.O2FSum += s.O2FSum
		out.DelaySum += s.DelaySum
	}
	return out
}

// MergeBundles merges bundles field by field.
func MergeBundles(bundles ...types.StatsBundle) types.StatsBundle {
	var (
		query    = make([]types.DefaultTxStats, 0, len(bundles))
		invoke   = make([]types.DefaultTxStats, 0, len(bundles))
		overall  = make([]types.DefaultTxStats, 0, len(bundles))
		detailed = make([]types.DetailedDelayStats, 0, len(bundles))
	)
	for _, b := range bundles {
		query = append(query, b.Query)
		invoke = append(invoke, b.Invoke)
		overall = append(overall, b.Overall)
		detailed = append(detailed, b.Detailed)
	}
	return types.StatsBundle{
		Query:    Merge(query...),
		Invoke:   Merge(invoke...),
		Overall:  Merge(overall...),
		Detailed: MergeDetailedDelay(detailed...),
	}
}

// MergeResults merges round results from several workers network by network.
func MergeResults(results ...types.RoundResult) types.RoundResult {
	grouped := make(map[string][]types.StatsBundle)
	for _, r := range results {
		for name, b := range r {
			grouped[name] = append(grouped[name], b)
		}
	}
	out := make(types.RoundResult, len(grouped))
	for name, bundles := range grouped {
		out[name] = MergeBundles(bundles...)
	}
	return out
}
