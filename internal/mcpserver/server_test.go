package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/lookup"
	"github.com/JakeFAU/registry-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

var testImpl = &mcp.Implementation{Name: "registry-fetcher-test", Version: "0.1.0"}

type fakeLookup struct {
	resp lookup.Response
	got  chan lookup.Request
}

func (f *fakeLookup) Lookup(_ context.Context, req lookup.Request) lookup.Response {
	f.got <- req
	return f.resp
}

type fakeLimiter struct{}

func (fakeLimiter) GetStatus(string) ratelimit.Status {
	return ratelimit.Status{Remaining: 4, ResetAt: time.Unix(1700000000, 0).UTC()}
}

type fakePool struct{}

func (fakePool) Stats() browser.Stats { return browser.Stats{Sessions: 1, MaxSessions: 3, Healthy: true} }

func session(t *testing.T, lk Lookuper) *mcp.ClientSession {
	t.Helper()
	srv := New(lk, fakeLimiter{}, fakePool{}, "registry", nil).MCPServer("test")

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testImpl, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func callTool(t *testing.T, cs *mcp.ClientSession, name string, args any) (*mcp.CallToolResult, string) {
	t.Helper()
	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", res.Content[0])
	return res, tc.Text
}

func TestListTools(t *testing.T) {
	cs := session(t, &fakeLookup{got: make(chan lookup.Request, 1)})

	tools, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	require.ElementsMatch(t, []string{ToolLookup, ToolStatus}, names)
}

func TestLookupTool(t *testing.T) {
	rec := registry.EntityRecord{Key: registry.MustParseKey("5566313788"), Name: "Exempelbolaget AB"}
	lk := &fakeLookup{
		resp: lookup.Response{Success: true, Outcome: registry.OutcomeSuccess, Source: lookup.SourceCache, Key: rec.Key, Record: &rec},
		got:  make(chan lookup.Request, 1),
	}
	cs := session(t, lk)

	res, text := callTool(t, cs, ToolLookup, map[string]any{"key": "5566313788", "include_people": true})
	require.False(t, res.IsError)
	require.Equal(t, lookup.Request{Key: "5566313788", IncludePeople: true}, <-lk.got)

	var resp lookup.Response
	require.NoError(t, json.Unmarshal([]byte(text), &resp))
	require.Equal(t, "Exempelbolaget AB", resp.Record.Name)
}

func TestLookupToolFailureIsToolError(t *testing.T) {
	lk := &fakeLookup{
		resp: lookup.Response{Outcome: registry.OutcomeNotFound, Reason: "no entity with key 556631-3788"},
		got:  make(chan lookup.Request, 1),
	}
	cs := session(t, lk)

	res, text := callTool(t, cs, ToolLookup, map[string]any{"key": "556631-3788"})
	require.True(t, res.IsError)
	require.Contains(t, text, "not_found")
	<-lk.got
}

func TestStatusTool(t *testing.T) {
	cs := session(t, &fakeLookup{got: make(chan lookup.Request, 1)})

	_, text := callTool(t, cs, ToolStatus, map[string]any{})
	var out StatusResult
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	require.Equal(t, 4, out.RateLimit.Remaining)
	require.NotNil(t, out.Pool)
	require.Equal(t, 3, out.Pool.MaxSessions)
}
