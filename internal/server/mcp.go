package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCP wraps the MCP server that exposes run tools to agents.
type MCP struct {
	mcp    *mcp.Server
	logger *slog.Logger
}

// NewMCP creates an MCP server with the given version and logger.
func NewMCP(version string, logger *slog.Logger) *MCP {
	if logger == nil {
		logger = slog.Default()
	}
	impl := &mcp.Implementation{
		Name:    "sheetflow",
		Version: version,
	}
	return &MCP{
		mcp:    mcp.NewServer(impl, nil),
		logger: logger,
	}
}

// Setup adds request logging to the server.
func (s *MCP) Setup() {
	s.mcp.AddReceivingMiddleware(MCPLoggingMiddleware(s.logger))
}

// MCPServer returns the underlying MCP server for tool registration.
func (s *MCP) MCPServer() *mcp.Server {
	return s.mcp
}

// Run serves on stdio and blocks until disconnect or context cancellation.
func (s *MCP) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server", "transport", "stdio")
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves the same tools over the streamable HTTP transport.
func (s *MCP) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// MCPLoggingMiddleware logs every MCP request with timing.
// Slow requests (>100ms) are logged at WARN level.
// Arguments are truncated to 200 characters.
func MCPLoggingMiddleware(logger *slog.Logger) mcp.Middleware {
	return func(next mcp.MethodHandler) mcp.MethodHandler {
		return func(ctx context.Context, method string, req mcp.Request) (mcp.Result, error) {
			start := time.Now()
			result, err := next(ctx, method, req)
			duration := time.Since(start)

			attrs := []any{
				"method", method,
				"duration_ms", duration.Milliseconds(),
			}
			if params := req.GetParams(); params != nil {
				attrs = append(attrs, "params", truncate(fmt.Sprintf("%+v", params), maxArgLogLen))
			}

			if err != nil {
				attrs = append(attrs, "error", err.Error())
				logger.Error("mcp request failed", attrs...)
			} else if duration > slowRequestThreshold {
				logger.Warn("slow mcp request", attrs...)
			} else {
				logger.Debug("mcp request completed", attrs...)
			}
			return result, err
		}
	}
}
