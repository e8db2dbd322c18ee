// Dualbench MCP server.
// Exposes the benchmark master's status and history over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/dualbench/internal/mcp"
)

func main() {
	masterURL := os.Getenv("DUALBENCH_URL")
	if masterURL == "" {
		masterURL = "http://localhost:3001"
	}

	s := server.NewMCPServer(
		"dualbench",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(masterURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
