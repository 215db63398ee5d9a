package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/config"
	"github.com/JakeFAU/registry-fetcher/internal/lookup"
	"github.com/JakeFAU/registry-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

type fakeLookup struct {
	mu   sync.Mutex
	resp lookup.Response
	reqs []lookup.Request
}

func (f *fakeLookup) Lookup(_ context.Context, req lookup.Request) lookup.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.resp
}

func (f *fakeLookup) last() lookup.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeLimiter struct{ status ratelimit.Status }

func (f fakeLimiter) GetStatus(string) ratelimit.Status { return f.status }

type fakePool struct {
	healthy bool
	stats   browser.Stats
}

func (f fakePool) IsHealthy() bool      { return f.healthy }
func (f fakePool) Stats() browser.Stats { return f.stats }

type fixedIDs struct{}

func (fixedIDs) MustNewID() string { return "req-1" }

func newTestServer(lk *fakeLookup, cfg config.Config) *Server {
	return NewServer(Deps{
		Lookup:   lk,
		Limiter:  fakeLimiter{status: ratelimit.Status{Remaining: 7, ResetAt: time.Unix(1700000000, 0).UTC()}},
		Pool:     fakePool{healthy: true, stats: browser.Stats{Sessions: 2, MaxSessions: 3, Healthy: true}},
		IDs:      fixedIDs{},
		SourceID: "registry",
	}, cfg, zap.NewNop())
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_GetEntity_PassesFlags(t *testing.T) {
	t.Parallel()

	rec := registry.EntityRecord{Key: registry.MustParseKey("5566313788"), Name: "Exempelbolaget AB"}
	lk := &fakeLookup{resp: lookup.Response{
		Success: true,
		Outcome: registry.OutcomeSuccess,
		Source:  lookup.SourceLive,
		Key:     rec.Key,
		Record:  &rec,
	}}
	server := newTestServer(lk, config.Config{})

	res := serve(server, httptest.NewRequest(http.MethodGet, "/v1/entities/556631-3788?people=true&refresh=1", nil))

	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "req-1", res.Header().Get("X-Request-ID"))
	require.Equal(t, lookup.Request{Key: "556631-3788", IncludePeople: true, ForceRefresh: true}, lk.last())

	var body lookup.Response
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Equal(t, "Exempelbolaget AB", body.Record.Name)
	require.Equal(t, lookup.SourceLive, body.Source)
}

func TestServer_GetEntity_BadFlag(t *testing.T) {
	t.Parallel()

	lk := &fakeLookup{}
	res := serve(newTestServer(lk, config.Config{}), httptest.NewRequest(http.MethodGet, "/v1/entities/5566313788?people=maybe", nil))

	require.Equal(t, http.StatusBadRequest, res.Code)
	require.Empty(t, lk.reqs)
}

func TestServer_GetEntity_StatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		resp lookup.Response
		want int
	}{
		{"invalid key", lookup.Response{Outcome: lookup.OutcomeInvalid}, http.StatusBadRequest},
		{"not found", lookup.Response{Outcome: registry.OutcomeNotFound}, http.StatusNotFound},
		{"flagged", lookup.Response{Outcome: registry.OutcomeFlagged}, http.StatusUnavailableForLegalReasons},
		{"quota", lookup.Response{Outcome: registry.OutcomeQuotaExceeded, Retryable: true}, http.StatusTooManyRequests},
		{"transient retryable", lookup.Response{Outcome: registry.OutcomeTransient, Retryable: true}, http.StatusServiceUnavailable},
		{"transient final", lookup.Response{Outcome: registry.OutcomeTransient}, http.StatusBadGateway},
		{"stale success", lookup.Response{Success: true, Outcome: registry.OutcomeSuccess, Source: lookup.SourceStale}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := newTestServer(&fakeLookup{resp: tt.resp}, config.Config{})
			res := serve(server, httptest.NewRequest(http.MethodGet, "/v1/entities/5566313788", nil))
			require.Equal(t, tt.want, res.Code)
		})
	}
}

func TestServer_RateLimitStatus(t *testing.T) {
	t.Parallel()

	res := serve(newTestServer(&fakeLookup{}, config.Config{}), httptest.NewRequest(http.MethodGet, "/v1/ratelimit", nil))

	require.Equal(t, http.StatusOK, res.Code)
	var body rateLimitResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &body))
	require.Equal(t, "registry", body.Source)
	require.Equal(t, 7, body.Remaining)
}

func TestServer_PoolStats(t *testing.T) {
	t.Parallel()

	res := serve(newTestServer(&fakeLookup{}, config.Config{}), httptest.NewRequest(http.MethodGet, "/v1/pool", nil))

	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), `"max_sessions":3`)
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	server := newTestServer(&fakeLookup{}, config.Config{})
	require.Equal(t, http.StatusOK, serve(server, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
	require.Equal(t, http.StatusOK, serve(server, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)

	unhealthy := NewServer(Deps{Pool: fakePool{healthy: false}}, config.Config{}, nil)
	require.Equal(t, http.StatusServiceUnavailable, serve(unhealthy, httptest.NewRequest(http.MethodGet, "/readyz", nil)).Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	res := serve(newTestServer(&fakeLookup{}, config.Config{}), httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, res.Code)
	require.Contains(t, res.Body.String(), "registry_pool_restarts_total")
}

func TestServer_APIKeyRequiredForV1(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "secret"}}
	server := newTestServer(&fakeLookup{resp: lookup.Response{Success: true}}, cfg)

	res := serve(server, httptest.NewRequest(http.MethodGet, "/v1/ratelimit", nil))
	require.Equal(t, http.StatusForbidden, res.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/ratelimit", nil)
	req.Header.Set("X-API-Key", "secret")
	require.Equal(t, http.StatusOK, serve(server, req).Code)

	res = serve(server, httptest.NewRequest(http.MethodGet, "/v1/ratelimit?api_key=secret", nil))
	require.Equal(t, http.StatusOK, res.Code)

	require.Equal(t, http.StatusOK, serve(server, httptest.NewRequest(http.MethodGet, "/healthz", nil)).Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(Deps{Lookup: panickingLookup{}}, config.Config{}, nil)
	res := serve(server, httptest.NewRequest(http.MethodGet, "/v1/entities/5566313788", nil))
	require.Equal(t, http.StatusInternalServerError, res.Code)
}

type panickingLookup struct{}

func (panickingLookup) Lookup(context.Context, lookup.Request) lookup.Response {
	panic("boom")
}
