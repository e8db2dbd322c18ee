package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/gateway-fm/dualbench/internal/storage"
	"github.com/gateway-fm/dualbench/pkg/types"
)

// RegisterTools registers all benchmark tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerHealth(s, client)
	registerHistory(s, client)
	registerRunDetail(s, client)
	registerRound(s, client)
	registerUpdateRun(s, client)
	registerDeleteRun(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_status",
		gomcp.WithDescription("Get live benchmark status: run state, current round, transactions submitted/succeeded/failed and smoothed send/commit rates."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark master unreachable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_health",
		gomcp.WithDescription("Quick liveness check of the benchmark master."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get("/health")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark master unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_history",
		gomcp.WithDescription("List benchmark runs, favorites first (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRunDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_run_detail",
		gomcp.WithDescription("Get a benchmark run with the overall results of every round on both networks."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get("/v1/history/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Run detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunDetail(raw)), nil
	})
}

func registerRound(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_round",
		gomcp.WithDescription("Get the full report of one round: per-operation results and stage latencies for each network and the simultaneous view."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithNumber("round",
			gomcp.Required(),
			gomcp.Description("1-based round index"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		idx := req.GetInt("round", 0)
		if idx <= 0 {
			return gomcp.NewToolResultError("round must be positive"), nil
		}
		raw, err := client.Get("/v1/history/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Round failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRound(raw, idx)), nil
	})
}

func registerUpdateRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_update_run",
		gomcp.WithDescription("Rename a run or mark it as favorite. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID"),
		),
		gomcp.WithString("name",
			gomcp.Description("Custom display name"),
		),
		gomcp.WithBoolean("favorite",
			gomcp.Description("Favorite flag"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}

		var update storage.RunMetadataUpdate
		args := req.GetArguments()
		if _, ok := args["name"]; ok {
			name := req.GetString("name", "")
			update.CustomName = &name
		}
		if _, ok := args["favorite"]; ok {
			fav := req.GetBool("favorite", false)
			update.IsFavorite = &fav
		}
		if update.CustomName == nil && update.IsFavorite == nil {
			return gomcp.NewToolResultError("nothing to update: pass name or favorite"), nil
		}

		raw, err := client.Patch("/v1/history/"+id, update)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
		}
		var run storage.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Error parsing run: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Updated"),
			kv("ID", run.ID),
			kv("Name", displayName(&run)),
			kv("Favorite", run.IsFavorite),
		)), nil
	})
}

func registerDeleteRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("dualbench_delete_run",
		gomcp.WithDescription("Delete a run with its rounds and progress samples. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Run ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		_, err = client.Delete("/v1/history/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Run Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var st types.BenchStatus
	if err := json.Unmarshal(raw, &st); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Benchmark Status"),
		kv("State", st.State),
		kv("Run", st.RunID),
		kv("Name", st.Name),
		kv("Workers", st.Workers),
	)
	if st.State == types.RunIdle {
		return lines
	}

	lines += "\n\n" + joinLines(
		section("Round"),
		kv("Label", st.Round),
		kv("Progress", fmt.Sprintf("%d / %d", st.RoundIdx, st.TotalRounds)),
		kv("State", st.RoundState),
		kv("Submitted", formatNumber(st.Submitted)),
		kv("Succeeded", formatNumber(st.Succ)),
		kv("Failed", formatNumber(st.Fail)),
		kv("Send Rate", fmt.Sprintf("%.1f tx/s", st.SendRate)),
		kv("Commit Rate", fmt.Sprintf("%.1f tx/s", st.CommitRate)),
	)
	if st.Error != "" {
		lines += "\n\n" + joinLines(section("Error"), st.Error)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m struct {
		Status string  `json:"status"`
		Uptime float64 `json:"uptime_seconds"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}
	return joinLines(
		section("Benchmark Master Health: "+strings.ToUpper(m.Status)),
		kv("Uptime", fmt.Sprintf("%.0fs", m.Uptime)),
	)
}

func formatHistory(raw json.RawMessage) string {
	var page storage.PaginatedRuns
	if err := json.Unmarshal(raw, &page); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Benchmark History"),
		kv("Total Runs", formatNumber(page.Total)),
		"",
	)
	if len(page.Runs) == 0 {
		return lines + "\nNo runs found."
	}

	for i := range page.Runs {
		run := &page.Runs[i]
		title := run.ID
		if run.IsFavorite {
			title += " ★"
		}
		lines += fmt.Sprintf("\n### %s\n", title)
		lines += joinLines(
			kv("Name", displayName(run)),
			kv("Networks", run.NetworkA+" vs "+run.NetworkB),
			kv("Status", run.Status),
			kv("Rounds", fmt.Sprintf("%d / %d", run.RoundsDone, run.TotalRounds)),
			kv("Started", run.StartedAt.Format("2006-01-02 15:04:05")),
		)
		lines += "\n"
	}
	return lines
}

func formatRunDetail(raw json.RawMessage) string {
	var detail storage.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	run := detail.Run
	if run == nil {
		return "Run not found"
	}

	lines := joinLines(
		section("Run: "+run.ID),
		kv("Name", displayName(run)),
		kv("Networks", run.NetworkA+" vs "+run.NetworkB),
		kv("Status", run.Status),
		kv("Rounds", fmt.Sprintf("%d / %d", run.RoundsDone, run.TotalRounds)),
		kv("Started", run.StartedAt.Format("2006-01-02 15:04:05")),
	)
	if run.CompletedAt != nil {
		lines += "\n" + kv("Duration", run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String())
	}
	if run.ErrorMessage != "" {
		lines += "\n" + kv("Error", run.ErrorMessage)
	}

	for _, r := range detail.Rounds {
		lines += "\n\n" + section(fmt.Sprintf("Round %d: %s (%s, %s)", r.RoundIdx, r.Label, r.State, formatMs(float64(r.DurationMs))))
		if r.Error != "" {
			lines += "\n" + kv("Error", r.Error)
			continue
		}
		for _, name := range reportOrder(run, r.Report) {
			rep := r.Report[name]
			if rep.Overall == nil {
				continue
			}
			lines += "\n" + summaryLine(name, rep.Overall)
		}
	}
	return lines
}

func formatRound(raw json.RawMessage, idx int) string {
	var detail storage.RunDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return fmt.Sprintf("Error parsing run detail: %v", err)
	}
	if detail.Run == nil {
		return "Run not found"
	}

	var round *storage.Round
	for i := range detail.Rounds {
		if detail.Rounds[i].RoundIdx == idx {
			round = &detail.Rounds[i]
			break
		}
	}
	if round == nil {
		return fmt.Sprintf("Round %d not found in run %s", idx, detail.Run.ID)
	}

	lines := joinLines(
		section(fmt.Sprintf("Round %d: %s", round.RoundIdx, round.Label)),
		kv("State", round.State),
		kv("Duration", formatMs(float64(round.DurationMs))),
		kv("Started", round.StartedAt.Format("2006-01-02 15:04:05")),
	)
	if round.Error != "" {
		return lines + "\n" + kv("Error", round.Error)
	}

	for _, name := range reportOrder(detail.Run, round.Report) {
		rep := round.Report[name]
		lines += "\n\n" + section(name)
		for _, op := range []struct {
			label string
			row   *types.SummaryRow
		}{
			{"query", rep.Query},
			{"invoke", rep.Invoke},
			{"overall", rep.Overall},
		} {
			if op.row != nil {
				lines += "\n" + summaryLine(op.label, op.row)
			}
		}
		if d := rep.Detail; d != nil {
			lines += "\n" + fmt.Sprintf("%-20s succ=%d s2e=%s e2o=%s o2f=%s avg=%s",
				"stages:", d.Succ, formatSec(d.AvgS2E), formatSec(d.AvgE2O), formatSec(d.AvgO2F), formatSec(d.AvgDelay))
		}
	}
	return lines
}

// reportOrder lists network A, network B and the simultaneous view first,
// then any other keys sorted.
func reportOrder(run *storage.Run, rep types.RoundReport) []string {
	var order []string
	seen := make(map[string]bool)
	for _, name := range []string{run.NetworkA, run.NetworkB, types.SimulKey} {
		if _, ok := rep[name]; ok && !seen[name] {
			order = append(order, name)
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
	return append(order, rest...)
}

func summaryLine(name string, row *types.SummaryRow) string {
	return fmt.Sprintf("%-20s succ=%s fail=%s send=%s tps throughput=%s tps avg=%s p95=%s p99=%s",
		name+":",
		formatNumber(row.Succ),
		formatNumber(row.Fail),
		formatRate(row.SendRate),
		formatRate(row.Thruput),
		formatSec(row.AvgDelay),
		formatSec(row.PA95),
		formatSec(row.PA99),
	)
}

func displayName(run *storage.Run) string {
	if run.CustomName != nil && *run.CustomName != "" {
		return *run.CustomName
	}
	return run.Name
}
