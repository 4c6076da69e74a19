package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/canvass/canvass/internal/storage"
)

// SurveyDesigner drafts questions and evaluation criteria for a topic.
type SurveyDesigner interface {
	DesignSurvey(ctx context.Context, topic, successCriteria string, priceRange storage.PriceRange) ([]string, []storage.Criterion, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Designer SurveyDesigner
	Flow     SessionFlow
}

// NewMCPServer creates an MCP server exposing survey design and insight
// retrieval to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"canvass",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("canvass — paid voice feedback surveys: design surveys, track sessions, and read aggregated insights."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("design_survey",
			mcp.WithDescription("Draft interview questions and evaluation criteria for a feedback topic and create the survey."),
			mcp.WithString("title", mcp.Description("Survey title"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("What the survey should learn from respondents"), mcp.Required()),
			mcp.WithString("success_criteria", mcp.Description("What a high-quality response looks like")),
			mcp.WithNumber("min_amount", mcp.Description("Minimum payment per session in dollars (default 1)")),
			mcp.WithNumber("max_amount", mcp.Description("Maximum payment per session in dollars (default 20)")),
		),
		mcpDesignSurvey(deps),
	)

	s.AddTool(
		mcp.NewTool("list_surveys",
			mcp.WithDescription("List all surveys with their questions and price ranges."),
		),
		mcpListSurveys(deps),
	)

	s.AddTool(
		mcp.NewTool("get_insights",
			mcp.WithDescription("Compute the live insight report for a survey: session counts, averages, and synthesized key insights."),
			mcp.WithString("survey_id", mcp.Description("Survey id, e.g. survey_1a2b3c4d"), mcp.Required()),
		),
		mcpGetInsights(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"canvass://surveys",
			"Surveys",
			mcp.WithResourceDescription("All surveys as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceSurveys(deps),
	)

	return s
}

func mcpDesignSurvey(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}

		successCriteria := req.GetString("success_criteria", "")
		priceRange := storage.PriceRange{
			MinAmount: req.GetFloat("min_amount", 1),
			MaxAmount: req.GetFloat("max_amount", 20),
		}

		questions, criteria, err := deps.Designer.DesignSurvey(ctx, topic, successCriteria, priceRange)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to design survey: %v", err)), nil
		}
		if len(questions) == 0 {
			return mcpError("survey design produced no questions, try a more specific topic"), nil
		}

		survey, err := deps.Store.CreateSurvey(storage.Survey{
			ID:         newID("survey"),
			Title:      title,
			Questions:  questions,
			Criteria:   criteria,
			PriceRange: priceRange,
			CreatedAt:  time.Now().UTC(),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to save survey: %v", err)), nil
		}

		b, err := json.Marshal(survey)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal survey: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListSurveys(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		surveys, err := deps.Store.ListSurveys()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list surveys: %v", err)), nil
		}
		if len(surveys) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(surveys)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal surveys: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpGetInsights(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		surveyID, err := req.RequireString("survey_id")
		if err != nil {
			return mcpError("survey_id is required"), nil
		}

		report, err := deps.Flow.Report(ctx, surveyID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to generate insights: %v", err)), nil
		}

		b, err := json.Marshal(report)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal report: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceSurveys(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		surveys, err := deps.Store.ListSurveys()
		if err != nil {
			return nil, fmt.Errorf("failed to list surveys: %w", err)
		}

		b, err := json.Marshal(surveys)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal surveys: %w", err)
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
