// Package report renders round reports as console tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"

	"github.com/gateway-fm/dualbench/pkg/types"
)

// NA marks a value that is not applicable.
const NA = "N/A"

var (
	resultHeader = []string{"Name", "Network", "Operation", "Succ", "Fail", "Send Rate",
		"Max Latency", "Min Latency", "95%ile Latency", "99%ile Latency", "Avg Latency", "Throughput"}
	detailHeader = []string{"Name", "Network", "Operation", "Succ", "Avg S2E", "Avg E2O", "Avg O2F", "Avg Latency"}
)

// Printer writes per-round tables and keeps every result row for the final summary.
type Printer struct {
	w io.Writer

	mu   sync.Mutex
	rows [][]string
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// Round prints the result and detail tables of one round. Networks are listed in
// order first, then any remaining names alphabetically.
func (p *Printer) Round(label string, order []string, rep types.RoundReport) {
	results, details := Rows(label, order, rep)

	p.mu.Lock()
	p.rows = append(p.rows, results...)
	p.mu.Unlock()

	fmt.Fprintf(p.w, "###test result of %s:###\n", label)
	render(p.w, resultHeader, results)
	fmt.Fprintf(p.w, "###detailed delay of %s:###\n", label)
	render(p.w, detailHeader, details)
}

// Summary prints every result row printed so far, numbered by round.
func (p *Printer) Summary() {
	p.mu.Lock()
	rows := make([][]string, len(p.rows))
	for i, r := range p.rows {
		rows[i] = append([]string{strconv.Itoa(i + 1)}, r...)
	}
	p.mu.Unlock()

	if len(rows) == 0 {
		return
	}
	fmt.Fprintln(p.w, "###all test results:###")
	render(p.w, append([]string{"Test"}, resultHeader...), rows)
}

// Rows builds the result and detail table rows of a round report.
func Rows(label string, order []string, rep types.RoundReport) (results, details [][]string) {
	for _, name := range networkOrder(order, rep) {
		nr := rep[name]
		for _, op := range []struct {
			name string
			row  *types.SummaryRow
		}{
			{string(types.OpQuery), nr.Query},
			{string(types.OpInvoke), nr.Invoke},
			{"overall", nr.Overall},
		} {
			if op.row == nil {
				continue
			}
			results = append(results, resultRow(label, name, op.name, op.row))
		}
		if nr.Detail != nil {
			details = append(details, detailRow(label, name, nr.Detail))
		}
	}
	return results, details
}

func networkOrder(order []string, rep types.RoundReport) []string {
	seen := make(map[string]bool, len(rep))
	var names []string
	for _, name := range order {
		if _, ok := rep[name]; ok && !seen[name] {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range rep {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func resultRow(label, network, op string, r *types.SummaryRow) []string {
	return []string{
		label, network, op,
		strconv.Itoa(r.Succ),
		strconv.Itoa(r.Fail),
		rate(r.SendRate),
		latency(r.MaxDelay),
		latency(r.MinDelay),
		latency(r.PA95),
		latency(r.PA99),
		latency(r.AvgDelay),
		rate(r.Thruput),
	}
}

func detailRow(label, network string, d *types.DetailRow) []string {
	return []string{
		label, network, "overall",
		strconv.Itoa(d.Succ),
		latency(d.AvgS2E),
		latency(d.AvgE2O),
		latency(d.AvgO2F),
		latency(d.AvgDelay),
	}
}

func latency(v *float64) string {
	if v == nil {
		return NA
	}
	return strconv.FormatFloat(*v, 'f', 3, 64) + " s"
}

func rate(v *float64) string {
	if v == nil {
		return NA
	}
	return strconv.FormatFloat(*v, 'f', 2, 64) + " tps"
}

func render(w io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.AppendBulk(rows)
	table.Render()
}
