package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/cvehunter/internal/cve"
	"github.com/kalambet/cvehunter/internal/pipeline"
	"github.com/kalambet/cvehunter/internal/storage"
)

// recentLimit is how many rows the cve://recent resource returns.
const recentLimit = 10

// Processor runs the analysis pipeline. Implemented by *pipeline.Hunter.
type Processor interface {
	Process(ctx context.Context, raw string) (pipeline.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   CVEReader
	Hunter  Processor
	Version string
}

// NewMCPServer creates an MCP server with the cve tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"cvehunter",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithLogging(),
		server.WithInstructions("cvehunter looks up CVEs in NVD, summarizes the risk with a local model and keeps the results."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("cve",
			mcp.WithDescription("Analyze a CVE: fetch it from NVD, summarize the risk with the local model, and store the result."),
			mcp.WithString("cve_id", mcp.Description("CVE identifier, e.g. CVE-2024-12345"), mcp.Required()),
		),
		mcpAnalyzeCVE(deps),
	)

	s.AddTool(
		mcp.NewTool("get_cve",
			mcp.WithDescription("Return a previously analyzed CVE from the local store."),
			mcp.WithString("cve_id", mcp.Description("CVE identifier"), mcp.Required()),
		),
		mcpGetCVE(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"cve://recent",
			"Recent CVEs",
			mcp.WithResourceDescription("Most recently published analyzed CVEs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type processed struct {
	res pipeline.Result
	err error
}

func mcpAnalyzeCVE(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("cve_id")
		if err != nil {
			return mcpError("cve_id is required"), nil
		}
		id, err := cve.Normalize(raw)
		if err != nil {
			return mcpError(FormatMessage), nil
		}

		notifyProgress(ctx, InvestigatingMessage(id))

		// The run outlives a cancelled call so both sinks still get written.
		done := make(chan processed, 1)
		go func() {
			res, err := deps.Hunter.Process(context.WithoutCancel(ctx), string(id))
			done <- processed{res: res, err: err}
		}()

		select {
		case <-ctx.Done():
			return mcpError(fmt.Sprintf("analysis of %s cancelled: %v", id, ctx.Err())), nil
		case p := <-done:
			if p.err != nil {
				slog.Error("mcp analysis failed", "cve_id", id, "error", p.err)
				return mcpError(fmt.Sprintf("fatal error: %v", p.err)), nil
			}
			if p.res.Status != pipeline.StatusSuccess {
				return mcpError("error: " + p.res.Message), nil
			}
			return mcpText(NewPanel(p.res).Text()), nil
		}
	}
}

// notifyProgress sends a log notification to the calling client when the
// call arrived over a live session.
func notifyProgress(ctx context.Context, msg string) {
	srv := server.ServerFromContext(ctx)
	if srv == nil {
		return
	}
	err := srv.SendNotificationToClient(ctx, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "cvehunter",
		"data":   msg,
	})
	if err != nil {
		slog.Debug("progress notification not delivered", "error", err)
	}
}

func mcpGetCVE(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		raw, err := req.RequireString("cve_id")
		if err != nil {
			return mcpError("cve_id is required"), nil
		}
		id, err := cve.Normalize(raw)
		if err != nil {
			return mcpError(FormatMessage), nil
		}

		rec, err := deps.Store.GetCVE(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("%s has not been analyzed yet", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to load %s: %v", id, err)), nil
		}

		b, err := json.Marshal(rec)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal record: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		recs, err := deps.Store.ListCVEs(recentLimit, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list cves: %w", err)
		}

		type cveSummary struct {
			ID        string  `json:"id"`
			Score     float64 `json:"score"`
			Severity  string  `json:"severity"`
			Published string  `json:"published"`
		}

		summaries := make([]cveSummary, len(recs))
		for i, r := range recs {
			summaries[i] = cveSummary{
				ID:        string(r.ID),
				Score:     r.Score,
				Severity:  r.Severity,
				Published: r.PublishedDate(),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal cves: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
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
