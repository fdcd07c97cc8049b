package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/lockin/internal/pipeline"
)

// NewMCPServer exposes the focus-policy user actions as MCP tools.
func NewMCPServer(svc Service, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"lockin",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions("lockin enforces a personal focus policy: classify pages, strike distracting ones, and manage allow and block lists."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("classify_page",
			mcp.WithDescription("Classify a page as CONDUCIVE, DISTRACTING or MIXED and report how it would be blocked."),
			mcp.WithString("url", mcp.Description("Absolute http(s) URL of the page"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Page title")),
		),
		mcpClassifyPage(svc),
	)

	s.AddTool(
		mcp.NewTool("strike_page",
			mcp.WithDescription("Flag a page as distracting. Repeated strikes on a domain block it outright."),
			mcp.WithString("url", mcp.Description("Absolute http(s) URL of the page"), mcp.Required()),
			mcp.WithString("title", mcp.Description("Page title")),
		),
		mcpStrikePage(svc),
	)

	s.AddTool(
		mcp.NewTool("allow_page",
			mcp.WithDescription("Allow a page. With minutes the allowance is temporary, otherwise permanent."),
			mcp.WithString("url", mcp.Description("Absolute http(s) URL of the page"), mcp.Required()),
			mcp.WithNumber("minutes", mcp.Description("Temporary allowance in minutes; omit for a permanent allowance")),
		),
		mcpAllowPage(svc),
	)

	s.AddTool(
		mcp.NewTool("list_blacklist",
			mcp.WithDescription("List the hard-blocked domains."),
		),
		mcpListBlacklist(svc),
	)

	s.AddTool(
		mcp.NewTool("list_strikes",
			mcp.WithDescription("List the current strike count per domain."),
		),
		mcpListStrikes(svc),
	)

	return s
}

func mcpClassifyPage(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		d, err := svc.Classify(ctx, pipeline.Navigation{URL: url, Title: req.GetString("title", "")})
		if err != nil {
			return mcpError(fmt.Sprintf("classification failed: %v", err)), nil
		}
		return mcpJSON(map[string]any{"decision": d, "action": d.Action()})
	}
}

func mcpStrikePage(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}
		res, err := svc.Strike(ctx, pipeline.Navigation{URL: url, Title: req.GetString("title", "")})
		if err != nil {
			return mcpError(fmt.Sprintf("strike failed: %v", err)), nil
		}
		return mcpJSON(res)
	}
}

func mcpAllowPage(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		url, err := req.RequireString("url")
		if err != nil {
			return mcpError("url is required"), nil
		}

		_, temporary := req.GetArguments()["minutes"]
		minutes := req.GetInt("minutes", 0)
		if temporary && minutes <= 0 {
			return mcpError("minutes must be positive"), nil
		}
		if !temporary {
			if err := svc.GrantPermanent(ctx, url); err != nil {
				return mcpError(fmt.Sprintf("allow failed: %v", err)), nil
			}
			return mcpText(fmt.Sprintf("Permanently allowed %s", url)), nil
		}

		expiresAt, err := svc.GrantTemporary(ctx, url, minutes)
		if err != nil {
			return mcpError(fmt.Sprintf("allow failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Allowed %s until %s", url, expiresAt.Format("15:04"))), nil
	}
}

func mcpListBlacklist(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		domains, err := svc.Blacklist(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read blacklist: %v", err)), nil
		}
		return mcpJSON(domains)
	}
}

func mcpListStrikes(svc Service) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		strikes, err := svc.Strikes(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read strikes: %v", err)), nil
		}
		return mcpJSON(strikes)
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
