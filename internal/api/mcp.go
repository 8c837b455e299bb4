package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/fieldkit/shopcollector/internal/collector"
	"github.com/fieldkit/shopcollector/internal/photo"
	"github.com/fieldkit/shopcollector/internal/storage"
	"github.com/fieldkit/shopcollector/internal/submit"
)

const maxRefreshWait = 60 * time.Second

// SubmissionHistory lists recent outcomes for the history resource.
type SubmissionHistory interface {
	RecentSubmissions(ctx context.Context, limit int) ([]storage.SubmissionLogEntry, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	App     *collector.App
	History SubmissionHistory // optional; nil hides the history resource
}

// NewMCPServer creates an MCP server exposing the collector as tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"shopcollector",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("shopcollector: capture a shop record (name, remark, 1-5 popularity, photo) tagged with the current GPS fix and submit it to the collection endpoint."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("location_status",
			mcp.WithDescription("Report the location tracker state, the current fix and the attached photo."),
		),
		mcpLocationStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("refresh_location",
			mcp.WithDescription("Discard the current fix and start a new high-accuracy location watch."),
			mcp.WithNumber("wait_seconds", mcp.Description("Wait up to this many seconds for a fix (default 0, max 60)")),
		),
		mcpRefreshLocation(deps),
	)

	s.AddTool(
		mcp.NewTool("attach_photo",
			mcp.WithDescription("Encode an image file (png, jpeg, gif or webp) and make it the photo for the next submission."),
			mcp.WithString("path", mcp.Description("Path of the image file"), mcp.Required()),
		),
		mcpAttachPhoto(deps),
	)

	s.AddTool(
		mcp.NewTool("submit_shop",
			mcp.WithDescription("Submit one shop record using the current fix and attached photo. Makes exactly one attempt."),
			mcp.WithString("shop_name", mcp.Description("Shop name"), mcp.Required()),
			mcp.WithString("remark", mcp.Description("Free-text remark")),
			mcp.WithNumber("popularity", mcp.Description("Popularity rating 1-5 (default 3)")),
		),
		mcpSubmitShop(deps),
	)

	if deps.History != nil {
		s.AddResource(
			mcp.NewResource(
				"collector://submissions",
				"Recent Submissions",
				mcp.WithResourceDescription("Outcomes of the last 20 submission attempts"),
				mcp.WithMIMEType("application/json"),
			),
			mcpResourceSubmissions(deps),
		)
	}

	return s
}

func mcpLocationStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		b, err := json.Marshal(deps.App.Status())
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRefreshLocation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tracker := deps.App.State.Tracker
		tracker.Refresh(context.WithoutCancel(ctx))

		wait := time.Duration(req.GetFloat("wait_seconds", 0) * float64(time.Second))
		if wait <= 0 {
			return mcpText("Location watch restarted"), nil
		}
		if wait > maxRefreshWait {
			wait = maxRefreshWait
		}

		waitCtx, cancel := context.WithTimeout(ctx, wait)
		defer cancel()
		fix, err := tracker.Wait(waitCtx)
		if err != nil {
			return mcpError(fmt.Sprintf("no fix: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Fix %.6f, %.6f ±%.0fm", fix.Latitude, fix.Longitude, fix.AccuracyMeters)), nil
	}
}

func mcpAttachPhoto(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpError("path is required"), nil
		}
		asset, err := deps.App.AttachPhoto(ctx, photo.FileOnDisk(path))
		if err != nil {
			return mcpError(fmt.Sprintf("could not attach photo: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Attached %s (%s, %d KB)", asset.FileName, asset.MIMEType, asset.SizeBytes/1024)), nil
	}
}

func mcpSubmitShop(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		name, err := req.RequireString("shop_name")
		if err != nil {
			return mcpError("shop_name is required"), nil
		}
		form := submit.Form{
			ShopName:   name,
			Remark:     req.GetString("remark", ""),
			Popularity: req.GetInt("popularity", submit.DefaultPopularity),
		}

		out := deps.App.Submit(ctx, form)
		if !out.OK() {
			return mcpError(out.Summary()), nil
		}
		return mcpText(fmt.Sprintf("%s (attempt %s)", out.Summary(), out.AttemptID)), nil
	}
}

func mcpResourceSubmissions(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		entries, err := deps.History.RecentSubmissions(ctx, 20)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent submissions: %w", err)
		}

		type submissionSummary struct {
			AttemptID  string `json:"attempt_id"`
			CreatedAt  string `json:"created_at"`
			ShopName   string `json:"shop_name"`
			Outcome    string `json:"outcome"`
			StatusCode int    `json:"status_code,omitempty"`
			Message    string `json:"message,omitempty"`
		}

		summaries := make([]submissionSummary, len(entries))
		for i, e := range entries {
			summaries[i] = submissionSummary{
				AttemptID:  e.AttemptID,
				CreatedAt:  e.CreatedAt.Format(time.RFC3339),
				ShopName:   e.ShopName,
				Outcome:    e.Outcome,
				StatusCode: e.StatusCode,
				Message:    e.Message,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal submissions: %w", err)
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
