// Package mcpserver exposes lookups and operator status as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/lookup"
	"github.com/JakeFAU/registry-fetcher/internal/policy/ratelimit"
)

// Tool names.
const (
	ToolLookup = "registry_lookup"
	ToolStatus = "registry_status"
)

// Lookuper answers entity lookups.
type Lookuper interface {
	Lookup(ctx context.Context, req lookup.Request) lookup.Response
}

// RateStatus reports the admission bucket.
type RateStatus interface {
	GetStatus(id string) ratelimit.Status
}

// PoolStatus reports session pool health.
type PoolStatus interface {
	Stats() browser.Stats
}

// Server registers the registry tools on an MCP server.
type Server struct {
	lookup   Lookuper
	limiter  RateStatus
	pool     PoolStatus
	sourceID string
	logger   *zap.Logger
}

// New creates a Server.
func New(lk Lookuper, limiter RateStatus, pool PoolStatus, sourceID string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		lookup:   lk,
		limiter:  limiter,
		pool:     pool,
		sourceID: sourceID,
		logger:   logger.Named("mcp"),
	}
}

// StatusResult is the registry_status payload.
type StatusResult struct {
	RateLimit ratelimit.Status `json:"rate_limit"`
	Pool      *browser.Stats   `json:"pool,omitempty"`
}

type lookupArgs struct {
	Key           string `json:"key"`
	IncludePeople bool   `json:"include_people,omitempty"`
	ForceRefresh  bool   `json:"force_refresh,omitempty"`
}

// MCPServer builds an MCP server carrying every tool.
func (s *Server) MCPServer(version string) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "registry-fetcher", Version: version}, nil)
	s.Register(srv)
	return srv
}

// ServeStdio serves the tools over stdin/stdout until ctx is done or the client disconnects.
func (s *Server) ServeStdio(ctx context.Context, version string) error {
	if err := s.MCPServer(version).Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("serve mcp over stdio: %w", err)
	}
	return nil
}

// Register adds the tools to srv.
func (s *Server) Register(srv *mcp.Server) {
	srv.AddTool(&mcp.Tool{
		Name: ToolLookup,
		Description: "Look up one business-registry entity by its ten-digit key. Serves the cached record " +
			"when fresh, otherwise fetches it live. Optionally includes board and management people.",
		InputSchema: inputSchema(map[string]any{
			"key":            map[string]any{"type": "string", "description": "Entity key, e.g. 556631-3788 or 5566313788"},
			"include_people": map[string]any{"type": "boolean", "description": "Also return board and management people"},
			"force_refresh":  map[string]any{"type": "boolean", "description": "Bypass the cache and fetch live"},
		}, []string{"key"}),
	}, s.handleLookup)

	srv.AddTool(&mcp.Tool{
		Name:        ToolStatus,
		Description: "Report the remaining rate-limit budget and browser session pool statistics.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}, s.handleStatus)
}

func (s *Server) handleLookup(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args lookupArgs
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(fmt.Errorf("invalid arguments: %w", err)), nil
		}
	}
	resp := s.lookup.Lookup(ctx, lookup.Request{
		Key:           args.Key,
		IncludePeople: args.IncludePeople,
		ForceRefresh:  args.ForceRefresh,
	})
	s.logger.Debug("lookup tool called",
		zap.String("key", args.Key),
		zap.Bool("success", resp.Success),
		zap.String("source", string(resp.Source)))

	res, err := jsonResult(resp)
	if err != nil {
		return errorResult(err), nil
	}
	res.IsError = !resp.Success
	return res, nil
}

func (s *Server) handleStatus(_ context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var out StatusResult
	if s.limiter != nil {
		out.RateLimit = s.limiter.GetStatus(s.sourceID)
	}
	if s.pool != nil {
		stats := s.pool.Stats()
		out.Pool = &stats
	}
	res, err := jsonResult(out)
	if err != nil {
		return errorResult(err), nil
	}
	return res, nil
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil
}

func errorResult(err error) *mcp.CallToolResult {
	var res mcp.CallToolResult
	res.SetError(err)
	return &res
}
