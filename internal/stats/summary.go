package stats

import (
	"math"
	"sort"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// Percentile returns the p-th percentile of the delay detail: the element at
// floor(len*p) of the ascending order. It reports false for an empty detail.
func Percentile(detail []float64, p float64) (float64, bool) {
	if len(detail) == 0 {
		return 0, false
	}
	// Copy for sorting (don't modify the caller's detail)
	sorted := make([]float64, len(detail))
	copy(sorted, detail)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * p))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return sorted[idx], true
}

// SendRate is the issuance rate over the create window. When every transaction was
// created in the same instant the raw count is reported.
func SendRate(s types.DefaultTxStats) (float64, bool) {
	if s.Succ == 0 {
		return 0, false
	}
	total := float64(s.Succ + s.Fail)
	if sameInstant(s.Create.Max, s.Create.Min) {
		return total, true
	}
	return total / (s.Create.Max - s.Create.Min), true
}

// Throughput is the commit rate from the first create to the last commit. When every
// transaction committed in the same instant the raw count is reported.
func Throughput(s types.DefaultTxStats) (float64, bool) {
	if s.Succ == 0 {
		return 0, false
	}
	if sameInstant(s.Final.Max, s.Final.Min) {
		return float64(s.Succ), true
	}
	window := s.Final.Max - s.Create.Min
	if window <= 0 {
		return float64(s.Succ), true
	}
	return float64(s.Succ) / window, true
}

// Summarize turns an aggregate into its reportable row.
func Summarize(s types.DefaultTxStats) types.SummaryRow {
	row := types.SummaryRow{Succ: s.Succ, Fail: s.Fail}
	if rate, ok := SendRate(s); ok {
		row.SendRate = value(rate, 2)
	}
	if s.Succ > 0 {
		row.MaxDelay = value(s.Delay.Max, 3)
		row.MinDelay = value(s.Delay.Min, 3)
		row.AvgDelay = value(s.Delay.Sum/float64(s.Succ), 3)
	}
	if p, ok := Percentile(s.Delay.Detail, 0.95); ok {
		row.PA95 = value(p, 3)
	}
	if p, ok := Percentile(s.Delay.Detail, 0.99); ok {
		row.PA99 = value(p, 3)
	}
	if tp, ok := Throughput(s); ok {
		row.Thruput = value(tp, 2)
	}
	return row
}

// SummarizeDetail turns stage sums into per-transaction averages.
func SummarizeDetail(s types.DetailedDelayStats) types.DetailRow {
	row := types.DetailRow{Succ: s.Succ}
	if s.Succ == 0 {
		return row
	}
	n := float64(s.Succ)
	row.AvgS2E = value(s.S2ESum/n, 3)
	row.AvgE2O = value(s.E2OSum/n, 3)
	row.AvgO2F = value(s.O2FSum/n, 3)
	row.AvgDelay = value(s.DelaySum/n, 3)
	return row
}

// BuildReport converts a round result into the persisted per-network rows.
// Null aggregates are left out of the report.
func BuildReport(result types.RoundResult) types.RoundReport {
	out := make(types.RoundReport, len(result))
	for name, b := range result {
		var nr types.NetworkReport
		if !b.Query.IsNull() {
			row := Summarize(b.Query)
			nr.Query = &row
		}
		if !b.Invoke.IsNull() {
			row := Summarize(b.Invoke)
			nr.Invoke = &row
		}
		if !b.Overall.IsNull() {
			row := Summarize(b.Overall)
			nr.Overall = &row
		}
		if !b.Detailed.IsNull() {
			row := SummarizeDetail(b.Detailed)
			nr.Detail = &row
		}
		out[name] = nr
	}
	return out
}

func sameInstant(a, b float64) bool {
	return round(a, 3) == round(b, 3)
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func value(v float64, places int) *float64 {
	r := round(v, places)
	return &r
}
