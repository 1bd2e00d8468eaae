// Package mcp provides a Model Context Protocol server for Turnstile.
//
// It exposes the engine's inbound interfaces (observe a candidate text
// surface, signal a detected user send, flush a disappeared source) as MCP
// tools, plus read access to the trails and their statistics. Supports
// stdio transport.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kestrelworks/turnstile/internal/pipeline"
	"github.com/kestrelworks/turnstile/internal/session"
	"github.com/kestrelworks/turnstile/internal/trail"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// ServerConfig holds configuration for the MCP server.
type ServerConfig struct {
	Engine  *pipeline.Engine
	Store   trail.Store
	Version string
}

// srvMu serializes tool calls. The mcp-go library dispatches handlers
// concurrently via goroutines; the engine serializes its own state, but
// the trail is SQLite and wants one writer, and observe-then-trail call
// sequences should see their own writes.
var srvMu sync.Mutex

// NewServer creates a configured MCP server with all Turnstile tools.
func NewServer(cfg ServerConfig) *server.MCPServer {
	ver := cfg.Version
	if ver == "" {
		ver = "dev"
	}

	s := server.NewMCPServer(
		"Turnstile",
		ver,
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerObserveTool(s, cfg.Engine)
	registerSendTool(s, cfg.Engine)
	registerFlushTool(s, cfg.Engine)
	registerTrailTool(s, cfg.Store)
	registerStatsTool(s, cfg.Store)

	registerRecentResource(s, cfg.Store)

	return s
}

// ServeStdio blocks serving the stdio transport.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

func parseTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Now()
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Now()
}

func registerObserveTool(s *server.MCPServer, engine *pipeline.Engine) {
	tool := mcp.NewTool("turnstile_observe",
		mcp.WithDescription("Submit one observed candidate text surface. The text is normalized, debounced per source_id, classified, and run through the duplicate/retransmission filters before dispatch."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Raw captured text"),
		),
		mcp.WithString("source_id",
			mcp.Required(),
			mcp.Description("Opaque stable identity of the originating surface; debounce key"),
		),
		mcp.WithString("role",
			mcp.Description("Optional role hint: user or assistant"),
			mcp.Enum("user", "assistant"),
		),
		mcp.WithString("timestamp",
			mcp.Description("Observation time, RFC3339 (default: now)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srvMu.Lock()
		defer srvMu.Unlock()

		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcp.NewToolResultError("source_id is required"), nil
		}

		hint := session.RoleUnknown
		if roleStr, err := req.RequireString("role"); err == nil && roleStr != "" {
			hint = session.ParseRole(roleStr)
		}
		at := time.Now()
		if tsStr, err := req.RequireString("timestamp"); err == nil && tsStr != "" {
			at = parseTimestamp(tsStr)
		}

		engine.ObserveText(sourceID, hint, text, at)

		result := map[string]any{
			"accepted":  true,
			"source_id": sourceID,
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerSendTool(s *server.MCPServer, engine *pipeline.Engine) {
	tool := mcp.NewTool("turnstile_send",
		mcp.WithDescription("Signal that the user just sent this text. Arms the genuine-exchange tracker: the echoed user text and the paired assistant reply bypass the filters."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The outbound text as sent"),
		),
		mcp.WithString("timestamp",
			mcp.Description("Send time, RFC3339 (default: now)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srvMu.Lock()
		defer srvMu.Unlock()

		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		at := time.Now()
		if tsStr, err := req.RequireString("timestamp"); err == nil && tsStr != "" {
			at = parseTimestamp(tsStr)
		}

		engine.NoteSend(text, at)
		return mcp.NewToolResultText(`{"tracked": true}`), nil
	})
}

func registerFlushTool(s *server.MCPServer, engine *pipeline.Engine) {
	tool := mcp.NewTool("turnstile_flush",
		mcp.WithDescription("Force-emit the pending capture for a source that disappeared before its quiet period elapsed. Observed content is never silently dropped."),
		mcp.WithReadOnlyHintAnnotation(false),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("source_id",
			mcp.Required(),
			mcp.Description("Source to flush"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srvMu.Lock()
		defer srvMu.Unlock()

		sourceID, err := req.RequireString("source_id")
		if err != nil {
			return mcp.NewToolResultError("source_id is required"), nil
		}
		engine.FlushSource(sourceID)
		return mcp.NewToolResultText(`{"flushed": true}`), nil
	})
}

func registerTrailTool(s *server.MCPServer, store trail.Store) {
	tool := mcp.NewTool("turnstile_trail",
		mcp.WithDescription("Read processed events. The full trail contains every event with its decision metadata; clean=true restricts to the clean trail."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
		mcp.WithString("clean",
			mcp.Description("true = clean trail only (default: full trail)"),
			mcp.Enum("true", "false"),
		),
		mcp.WithString("role",
			mcp.Description("Filter by role"),
			mcp.Enum("user", "assistant", "unknown"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum records (default: 50, max: 500)"),
		),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srvMu.Lock()
		defer srvMu.Unlock()

		opts := trail.ListOpts{Limit: 50}
		if c, err := req.RequireString("clean"); err == nil && c == "true" {
			opts.CleanOnly = true
		}
		if roleStr, err := req.RequireString("role"); err == nil && roleStr != "" {
			opts.Role = session.Role(roleStr)
		}
		if limitVal, err := req.RequireFloat("limit"); err == nil {
			limit := int(limitVal)
			if limit > 500 {
				limit = 500
			}
			if limit > 0 {
				opts.Limit = limit
			}
		}

		records, err := store.List(ctx, opts)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("trail query error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(records, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerStatsTool(s *server.MCPServer, store trail.Store) {
	tool := mcp.NewTool("turnstile_stats",
		mcp.WithDescription("Trail statistics: event counts by outcome (clean, filtered, preserved, genuine) and storage size."),
		mcp.WithReadOnlyHintAnnotation(true),
		mcp.WithDestructiveHintAnnotation(false),
	)

	s.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		srvMu.Lock()
		defer srvMu.Unlock()

		stats, err := store.Stats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stats error: %v", err)), nil
		}
		data, _ := json.MarshalIndent(stats, "", "  ")
		return mcp.NewToolResultText(string(data)), nil
	})
}

func registerRecentResource(s *server.MCPServer, store trail.Store) {
	resource := mcp.NewResource(
		"turnstile://recent",
		"Recent Clean Events",
		mcp.WithResourceDescription("The most recent clean-trail events, newest first."),
		mcp.WithMIMEType("application/json"),
	)

	s.AddResource(resource, func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		srvMu.Lock()
		defer srvMu.Unlock()

		records, err := store.List(ctx, trail.ListOpts{CleanOnly: true, Limit: 25})
		if err != nil {
			return nil, fmt.Errorf("querying recent events: %w", err)
		}
		payload := map[string]any{
			"events": records,
			"count":  len(records),
		}
		data, _ := json.MarshalIndent(payload, "", "  ")
		return []mcp.ResourceContents{
			mcp.TextResourceContents{URI: req.Params.URI, MIMEType: "application/json", Text: string(data)},
		}, nil
	})
}
