package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/casepipe/internal/pipeline"
	"github.com/kalambet/casepipe/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Cases     *pipeline.Cases
	Extractor *pipeline.Extractor
	Analyzer  *pipeline.Analyzer
	Logger    *slog.Logger
}

func (d MCPDeps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// NewMCPServer creates an MCP server exposing case management tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"casepipe",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("casepipe: clinical case intake. Create cases, attach notes, extract uploaded files and run structured analysis."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_cases",
			mcp.WithDescription("List all cases, newest first."),
		),
		mcpListCases(deps),
	)

	s.AddTool(
		mcp.NewTool("create_case",
			mcp.WithDescription("Create a new empty case in DRAFT status."),
		),
		mcpCreateCase(deps),
	)

	s.AddTool(
		mcp.NewTool("get_case",
			mcp.WithDescription("Return a case with its files, extracted text, transcripts and latest analysis."),
			mcp.WithString("case_id", mcp.Description("Case UUID"), mcp.Required()),
		),
		mcpGetCase(deps),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Attach a typed note or transcript to a case."),
			mcp.WithString("case_id", mcp.Description("Case UUID"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Note text"), mcp.Required()),
			mcp.WithString("source", mcp.Description("NOTE (default), UPLOAD or LIVE_MIC")),
		),
		mcpAddNote(deps),
	)

	s.AddTool(
		mcp.NewTool("process_file",
			mcp.WithDescription("Extract text from an uploaded file so it can be analyzed."),
			mcp.WithString("file_id", mcp.Description("File UUID"), mcp.Required()),
		),
		mcpProcessFile(deps),
	)

	s.AddTool(
		mcp.NewTool("analyze_case",
			mcp.WithDescription("Run the reasoning provider over everything attached to a case and store the result."),
			mcp.WithString("case_id", mcp.Description("Case UUID"), mcp.Required()),
		),
		mcpAnalyzeCase(deps),
	)

	s.AddTool(
		mcp.NewTool("get_results",
			mcp.WithDescription("Return the latest analysis of a case."),
			mcp.WithString("case_id", mcp.Description("Case UUID"), mcp.Required()),
		),
		mcpGetResults(deps),
	)

	return s
}

func mcpListCases(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		cases, err := deps.Cases.List(ctx)
		if err != nil {
			return toolError(deps, err), nil
		}
		return mcpJSON(cases)
	}
}

func mcpCreateCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		c, err := deps.Cases.Create(ctx)
		if err != nil {
			return toolError(deps, err), nil
		}
		return mcpJSON(c)
	}
}

func mcpGetCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		d, err := deps.Cases.Get(ctx, caseID)
		if err != nil {
			return toolError(deps, err), nil
		}
		return mcpJSON(d)
	}
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpError("content is required"), nil
		}
		t, err := deps.Cases.AddTranscript(ctx, caseID, req.GetString("source", ""), content)
		if err != nil {
			return toolError(deps, err), nil
		}
		return mcpText(fmt.Sprintf("Added %s transcript %s to case %s", t.Source, t.ID, caseID)), nil
	}
}

func mcpProcessFile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		fileID, err := req.RequireString("file_id")
		if err != nil {
			return mcpError("file_id is required"), nil
		}
		if err := pipeline.ValidateID("file", fileID); err != nil {
			return toolError(deps, err), nil
		}
		if err := deps.Extractor.Process(ctx, fileID); err != nil {
			return toolError(deps, err), nil
		}
		return mcpText(fmt.Sprintf("File %s is %s", fileID, storage.FileReady)), nil
	}
}

func mcpAnalyzeCase(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		if err := pipeline.ValidateID("case", caseID); err != nil {
			return toolError(deps, err), nil
		}
		res, err := deps.Analyzer.Analyze(ctx, caseID)
		if err != nil {
			return toolError(deps, err), nil
		}
		return mcpJSON(res.Output)
	}
}

func mcpGetResults(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		caseID, err := req.RequireString("case_id")
		if err != nil {
			return mcpError("case_id is required"), nil
		}
		run, err := deps.Cases.Results(ctx, caseID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return mcpError("no analysis results for case " + caseID), nil
			}
			return toolError(deps, err), nil
		}
		return mcpJSON(run)
	}
}

// toolError turns a pipeline failure into a tool error result with the
// same wording the HTTP API uses.
func toolError(deps MCPDeps, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, pipeline.ErrValidation):
		return mcpError(err.Error())
	case errors.Is(err, pipeline.ErrAnalysisFailed):
		return mcpError("analysis failed")
	case errors.Is(err, pipeline.ErrExtraction):
		return mcpError("extraction failed")
	case errors.Is(err, pipeline.ErrPersistence):
		return mcpError("storage unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return mcpError("request cancelled")
	default:
		deps.logger().Error("unhandled tool error", "err", err)
		return mcpError("internal error")
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
