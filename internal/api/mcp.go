package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Nightline-AI/iphone-bridge/internal/bridge"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
)

// MCPBridge is the part of the bridge exposed over MCP. The stdio server runs
// in its own process and reaches the bridge over its HTTP API, so Status can
// fail.
type MCPBridge interface {
	Send(ctx context.Context, handle, text string) sink.Result
	Status(ctx context.Context) (bridge.StatusReport, error)
}

// MCPDeps holds dependencies for the MCP server. History is optional.
type MCPDeps struct {
	Bridge  MCPBridge
	History History
}

// NewMCPServer creates an MCP server with the bridge tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"iphone-bridge",
		bridge.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("iphone-bridge sends iMessages/SMS from this Mac and reports bridge health."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send an iMessage or SMS to a phone number (E.164) or email address."),
			mcp.WithString("phone", mcp.Description("Recipient phone number in E.164 form, or an email address"), mcp.Required()),
			mcp.WithString("text", mcp.Description("Message text"), mcp.Required()),
		),
		mcpSendMessage(deps),
	)

	s.AddTool(
		mcp.NewTool("list_failed_forwards",
			mcp.WithDescription("List webhook deliveries the bridge gave up on, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of rows (default 20)")),
		),
		mcpListFailures(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"bridge://status",
			"Bridge Status",
			mcp.WithResourceDescription("Counters, watcher position and remote connectivity as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"bridge://sends/recent",
			"Recent Sends",
			mcp.WithResourceDescription("Last 20 outbound sends with their outcome"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentSends(deps),
	)

	return s
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		phone, err := req.RequireString("phone")
		if err != nil {
			return mcpError("phone is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}

		res := deps.Bridge.Send(ctx, phone, text)
		if !res.Success {
			return mcpError(fmt.Sprintf("send failed (%s): %s", res.Kind, res.Error)), nil
		}
		return mcpText(fmt.Sprintf("Sent message %s", res.MessageID)), nil
	}
}

func mcpListFailures(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.History == nil {
			return mcpError("failure log not available"), nil
		}
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 500 {
			limit = 500
		}

		rows, err := deps.History.ListFailedForwards(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("listing failed forwards: %v", err)), nil
		}
		if len(rows) == 0 {
			return mcpText("[]"), nil
		}
		b, err := json.Marshal(rows)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		report, err := deps.Bridge.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get status: %w", err)
		}
		b, err := json.Marshal(report)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func mcpResourceRecentSends(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.History == nil {
			return jsonResource(req.Params.URI, []byte("[]")), nil
		}
		sends, err := deps.History.GetRecentSends(20)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent sends: %w", err)
		}
		for i := range sends {
			sends[i].Text = sink.Truncate(sends[i].Text, 200)
		}
		b, err := json.Marshal(sends)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sends: %w", err)
		}
		return jsonResource(req.Params.URI, b), nil
	}
}

func jsonResource(uri string, b []byte) []mcp.ResourceContents {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(b),
		},
	}
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
