package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all planner tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerHealth(s, client)
	registerConfig(s, client)
	registerRun(s, client)
	registerList(s, client)
	registerGet(s, client)
	registerBatches(s, client)
	registerRename(s, client)
	registerDelete(s, client)
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_health",
		gomcp.WithDescription("Check planner readiness: chain data provider and contract source."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			// Not-ready still carries the per-check report.
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
				return gomcp.NewToolResultText(formatHealth(apiErr.Body)), nil
			}
			return gomcp.NewToolResultError(fmt.Sprintf("Planner unreachable: %v\n\nIs the server running? Try: planner -serve", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerConfig(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_config",
		gomcp.WithDescription("Show the defaults applied to plan requests: contract, address, gas per slot, history window."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/config")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Config failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatConfig(raw)), nil
	})
}

func registerRun(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_run",
		gomcp.WithDescription("Compute a migration plan: dependency matrix, usage priority, write order and gas-bounded batches. The plan is stored. Empty fields use the server defaults."),
		gomcp.WithString("contract",
			gomcp.Description("Contract name in the source (default: the only deployable contract)"),
		),
		gomcp.WithString("address",
			gomcp.Description("Deployed contract address whose recent calls rank functions"),
		),
		gomcp.WithNumber("gas_per_slot",
			gomcp.Description("Gas budgeted per storage slot write (default: 30000)"),
		),
		gomcp.WithNumber("gas_limit",
			gomcp.Description("Block gas limit override (default: latest block's gas limit)"),
		),
		gomcp.WithNumber("history_window_blocks",
			gomcp.Description("Number of recent blocks to sample (default: 100)"),
		),
		gomcp.WithNumber("max_transactions",
			gomcp.Description("Maximum sampled transactions (default: 100)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		payload := map[string]any{}
		if v := req.GetString("contract", ""); v != "" {
			payload["contract"] = v
		}
		if v := req.GetString("address", ""); v != "" {
			payload["address"] = v
		}
		if v := req.GetInt("gas_per_slot", 0); v > 0 {
			payload["gasPerSlot"] = v
		}
		if v := req.GetInt("gas_limit", 0); v > 0 {
			payload["gasLimit"] = v
		}
		if v := req.GetInt("history_window_blocks", 0); v > 0 {
			payload["historyWindowBlocks"] = v
		}
		if v := req.GetInt("max_transactions", 0); v > 0 {
			payload["maxTransactions"] = v
		}

		raw, err := client.Post(ctx, "/v1/plans", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Plan failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatPlan(raw)), nil
	})
}

func registerList(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_list",
		gomcp.WithDescription("List stored plans, favorites first (paginated)."),
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
		raw, err := client.Get(ctx, fmt.Sprintf("/v1/plans?limit=%d&offset=%d", limit, offset))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("List failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatPlanList(raw)), nil
	})
}

func registerGet(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_get",
		gomcp.WithDescription("Get a stored plan by ID, including its dependency matrix and batches."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Plan ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/plans/"+url.PathEscape(id))
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Get plan failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatPlan(raw)), nil
	})
}

func registerBatches(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_batches",
		gomcp.WithDescription("Get only the batch sequence of a stored plan."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Plan ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/plans/"+url.PathEscape(id)+"/batches")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Get batches failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatBatches(raw)), nil
	})
}

func registerRename(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_update",
		gomcp.WithDescription("Rename a stored plan or mark it as favorite. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Plan ID"),
		),
		gomcp.WithString("name",
			gomcp.Description("New display name (empty string clears it)"),
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

		payload := map[string]any{}
		args := req.GetArguments()
		if _, ok := args["name"]; ok {
			payload["customName"] = req.GetString("name", "")
		}
		if _, ok := args["favorite"]; ok {
			payload["isFavorite"] = req.GetBool("favorite", false)
		}
		if len(payload) == 0 {
			return gomcp.NewToolResultError("nothing to update: pass name and/or favorite"), nil
		}

		raw, err := client.Patch(ctx, "/v1/plans/"+url.PathEscape(id), payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Update failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatSummary(raw)), nil
	})
}

func registerDelete(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("planner_delete",
		gomcp.WithDescription("Delete a stored plan and its batches. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Plan ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/plans/"+url.PathEscape(id)); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Plan Deleted"),
			kv("ID", id),
		)), nil
	})
}
