package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/analytica/capture"
	"github.com/isdmx/analytica/config"
	"github.com/isdmx/analytica/dataset"
	"github.com/isdmx/analytica/engine"
	"github.com/isdmx/analytica/observability"
	"github.com/isdmx/analytica/policy"
)

const readHeaderTimeout = 10 * time.Second

// Executor runs one analysis script under its execution policy.
// *engine.Coordinator implements it.
type Executor interface {
	Execute(ctx context.Context, script engine.Script, ds *dataset.Handle) engine.Outcome
	Policy() *policy.Policy
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	executor   Executor
	dataset    *dataset.Handle
	mcpServer  *server.MCPServer
	httpServer *http.Server
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor Executor, ds *dataset.Handle) (*MCPServer, error) {
	if ds == nil {
		return nil, errors.New("dataset is required")
	}
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		executor: executor,
		dataset:  ds,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.Int("server.metrics_port", cfg.Server.MetricsPort),
		zap.Int("sandbox.max_concurrent", cfg.Sandbox.MaxConcurrent),
		zap.String("sandbox.policy_file", cfg.Sandbox.PolicyFile),
		zap.String("dataset.path", ds.Source()),
		zap.Int("dataset.rows", ds.Len()),
		zap.String("dataset.digest", ds.Digest()),
	)

	s.mcpServer = server.NewMCPServer("analytica", "Sandboxed analysis of the vacancies dataset")

	s.registerRunAnalysisTool()
	s.registerDescribeDatasetTool()

	mux := http.NewServeMux()
	mux.Handle("/mcp", observability.MetricsMiddleware(server.NewStreamableHTTPServer(s.mcpServer)))
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s, nil
}

// registerRunAnalysisTool registers the run_analysis tool
func (s *MCPServer) registerRunAnalysisTool() {
	tool := mcp.Tool{
		Name:        "run_analysis",
		Description: runAnalysisDescription(s.executor.Policy()),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"script": map[string]any{
					"type":        "string",
					"description": "JavaScript source of the analysis",
				},
				"request_id": map[string]any{
					"type":        "string",
					"description": "Caller's request id, echoed in the outcome (optional)",
				},
			},
			Required: []string{"script"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRunAnalysis)
}

// runAnalysisDescription tells the script author what the policy allows.
func runAnalysisDescription(p *policy.Policy) string {
	modules := "no helper modules"
	if names := p.AllowedModules(); len(names) > 0 {
		modules = "the helper modules " + strings.Join(names, ", ")
	}
	return fmt.Sprintf("Run a JavaScript analysis script against the vacancies dataset. "+
		"The script reads the global `dataset`, may require %s, prints with console.log "+
		"and stores named results on the global RESULT object. "+
		"It is stopped after %s and may produce at most %d charts.",
		modules, p.Timeout(), p.MaxArtifacts())
}

// registerDescribeDatasetTool registers the describe_dataset tool
func (s *MCPServer) registerDescribeDatasetTool() {
	tool := mcp.Tool{
		Name:        "describe_dataset",
		Description: "Describe the columns of the vacancies dataset: inferred types, counts, numeric ranges and sample values",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]any{},
		},
	}

	s.mcpServer.AddTool(tool, s.handleDescribeDataset)
}

type chartSummary struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Bytes  int    `json:"bytes"`
}

type analysisResult struct {
	RequestID  string                `json:"request_id"`
	Status     engine.Status         `json:"status"`
	Message    string                `json:"message"`
	Stdout     string                `json:"stdout"`
	Truncated  bool                  `json:"truncated"`
	Results    []capture.NamedResult `json:"results"`
	Charts     []chartSummary        `json:"charts"`
	DurationMS int64                 `json:"duration_ms"`
}

// handleRunAnalysis handles the run_analysis tool
func (s *MCPServer) handleRunAnalysis(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	script, err := request.RequireString("script")
	if err != nil {
		return nil, fmt.Errorf("script parameter is required: %w", err)
	}
	requestID := request.GetString("request_id", "")

	s.logger.Info("analysis requested",
		zap.String("request_id", requestID),
		zap.Int("script_bytes", len(script)))

	out := s.executor.Execute(ctx, engine.Script{RequestID: requestID, Source: script}, s.dataset)

	payload, ok := out.Payload()
	if !ok {
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: out.UserMessage(),
				},
			},
			IsError: true,
		}, nil
	}

	result := analysisResult{
		RequestID:  out.RequestID(),
		Status:     out.Status(),
		Message:    out.UserMessage(),
		Stdout:     payload.Stdout,
		Truncated:  payload.Truncated,
		Results:    payload.Results,
		Charts:     make([]chartSummary, 0, len(payload.Charts)),
		DurationMS: out.Elapsed().Milliseconds(),
	}
	for _, c := range payload.Charts {
		result.Charts = append(result.Charts, chartSummary{Name: c.Name, Format: c.Format, Bytes: len(c.Data)})
	}

	text, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to encode analysis result", zap.String("request_id", out.RequestID()), zap.Error(err))
		return &mcp.CallToolResult{
			Content: []mcp.Content{
				mcp.TextContent{
					Type: "text",
					Text: engine.InternalError(out.RequestID()).UserMessage(),
				},
			},
			IsError: true,
		}, nil
	}

	content := []mcp.Content{
		mcp.TextContent{
			Type: "text",
			Text: string(text),
		},
	}
	for _, c := range payload.Charts {
		content = append(content, mcp.ImageContent{
			Type:     "image",
			Data:     base64.StdEncoding.EncodeToString(c.Data),
			MIMEType: "image/" + c.Format,
		})
	}

	return &mcp.CallToolResult{Content: content}, nil
}

// handleDescribeDataset handles the describe_dataset tool
func (s *MCPServer) handleDescribeDataset(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := json.Marshal(s.dataset.Describe())
	if err != nil {
		return nil, fmt.Errorf("failed to encode dataset description: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(text),
			},
		},
	}, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP. It returns http.ErrServerClosed after
// Shutdown.
func (s *MCPServer) ServeHTTP() error {
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", s.config.Server.HTTPPort))
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP transport. It is a no-op when serving stdio.
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
