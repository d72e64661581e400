// Migration planner MCP server.
// Exposes planner tools over MCP stdio transport.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	mcptools "github.com/gateway-fm/migrationplanner/internal/mcp"
)

func main() {
	plannerURL := os.Getenv("PLANNER_URL")
	if plannerURL == "" {
		plannerURL = "http://localhost:13002"
	}

	s := server.NewMCPServer(
		"migrationplanner",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	client := mcptools.NewClient(plannerURL)
	mcptools.RegisterTools(s, client)

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}
