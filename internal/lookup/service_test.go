package lookup

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-fetcher/internal/clock/system"
	"github.com/JakeFAU/registry-fetcher/internal/freshness"
	pubmemory "github.com/JakeFAU/registry-fetcher/internal/publisher/memory"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
	"github.com/JakeFAU/registry-fetcher/internal/storage/memory"
)

var (
	testKey = registry.MustParseKey("5566313788")
	now     = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
)

type fakeFetcher struct {
	out   registry.FetchOutcome
	calls int
	keys  []registry.EntityKey
	with  []bool
}

func (f *fakeFetcher) FetchEntity(_ context.Context, key registry.EntityKey, includePeople bool) registry.FetchOutcome {
	f.calls++
	f.keys = append(f.keys, key)
	f.with = append(f.with, includePeople)
	return f.out
}

type failingSnapshots struct{}

func (failingSnapshots) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket gone")
}

type staticIDs struct{}

func (staticIDs) MustNewID() string { return "event-1" }

type harness struct {
	cache     *memory.CacheStore
	snapshots *memory.BlobStore
	events    *pubmemory.Publisher
	fetcher   *fakeFetcher
	svc       *Service
}

func newHarness(t *testing.T, cfg Config, out registry.FetchOutcome, opts ...Option) *harness {
	t.Helper()
	clock := system.NewFrozen(now)
	h := &harness{
		cache:     memory.NewCacheStore().WithClock(clock),
		snapshots: memory.NewBlobStore(),
		events:    pubmemory.New(),
		fetcher:   &fakeFetcher{out: out},
	}
	opts = append([]Option{
		WithSnapshots(h.snapshots),
		WithPublisher(h.events),
		WithIDGenerator(staticIDs{}),
	}, opts...)
	svc, err := New(cfg, freshness.New(h.cache, clock, 7), h.fetcher, h.cache, nil, opts...)
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) seed(t *testing.T, age time.Duration, people ...registry.PersonRecord) {
	t.Helper()
	require.NoError(t, h.cache.Put(context.Background(), registry.EntityRecord{
		Key:       testKey,
		Name:      "Cached AB",
		FetchedAt: now.Add(-age),
	}))
	if len(people) > 0 {
		require.NoError(t, h.cache.PutPeople(context.Background(), testKey, people))
	}
}

func liveSuccess(people []registry.PersonRecord, scraped bool) registry.FetchOutcome {
	out := registry.Success(registry.EntityRecord{
		Key:       testKey,
		Name:      "Live AB",
		FetchedAt: now,
	}, people, scraped)
	out.Attempts = 1
	out.Snapshot = []byte("<html><h1>Live AB</h1></html>")
	return out
}

func TestLookupRejectsInvalidKey(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, liveSuccess(nil, false))

	resp := h.svc.Lookup(context.Background(), Request{Key: "12345"})
	require.False(t, resp.Success)
	require.Equal(t, OutcomeInvalid, resp.Outcome)
	require.ErrorIs(t, resp.Err(), registry.ErrInvalidKey)
	require.Zero(t, h.fetcher.calls)
}

func TestLookupServesFreshCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, liveSuccess(nil, false))
	h.seed(t, 48*time.Hour, registry.PersonRecord{Key: testKey, Role: registry.RoleChair, Name: "Bo"})

	resp := h.svc.Lookup(context.Background(), Request{Key: "556631-3788", IncludePeople: true})
	require.True(t, resp.Success)
	require.Equal(t, SourceCache, resp.Source)
	require.Equal(t, "Cached AB", resp.Record.Name)
	require.InDelta(t, 2.0, resp.AgeDays, 1e-9)
	require.Len(t, resp.People, 1)
	require.Zero(t, h.fetcher.calls)
}

func TestLookupFreshCacheWithoutPeopleWarns(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, liveSuccess(nil, false))
	h.seed(t, 24*time.Hour)

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788", IncludePeople: true})
	require.True(t, resp.Success)
	require.Equal(t, SourceCache, resp.Source)
	require.Empty(t, resp.People)
	require.Equal(t, []string{WarnNoCachedPeople}, resp.Warnings)
	require.Zero(t, h.fetcher.calls)

	resp = h.svc.Lookup(context.Background(), Request{Key: "5566313788"})
	require.Empty(t, resp.Warnings)
}

func TestLookupFetchesWhenStaleAndPersists(t *testing.T) {
	t.Parallel()
	people := []registry.PersonRecord{{Key: testKey, Role: registry.RoleManagingDirector, Name: "Anna"}}
	h := newHarness(t, Config{}, liveSuccess(people, true))
	h.seed(t, 8*24*time.Hour)

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788", IncludePeople: true})
	require.True(t, resp.Success)
	require.Equal(t, SourceLive, resp.Source)
	require.Equal(t, 1, h.fetcher.calls)
	require.Equal(t, []bool{true}, h.fetcher.with)

	cached, err := h.cache.Get(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, "Live AB", cached.Name)
	stored, err := h.cache.GetPeople(context.Background(), testKey)
	require.NoError(t, err)
	require.Equal(t, people, stored)

	require.Equal(t, "memory://snapshots/5566313788/20240610T120000Z.html", resp.SnapshotURI)
	require.Equal(t, 1, h.snapshots.Len())

	events := h.events.Topic("registry-refresh")
	require.Len(t, events, 1)
	event, ok := events[0].(RefreshEvent)
	require.True(t, ok)
	require.Equal(t, "event-1", event.ID)
	require.Equal(t, testKey, event.Key)
	require.Equal(t, 1, event.People)
	require.Equal(t, resp.SnapshotURI, event.SnapshotURI)
}

func TestLookupWithoutPeopleLeavesStoredPeople(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, liveSuccess(nil, false))
	h.seed(t, 30*24*time.Hour, registry.PersonRecord{Key: testKey, Role: registry.RoleChair, Name: "Bo"})

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788"})
	require.True(t, resp.Success)
	require.Nil(t, resp.People)

	stored, err := h.cache.GetPeople(context.Background(), testKey)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestLookupForceRefreshBypassesFreshCache(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, liveSuccess(nil, false))
	h.seed(t, time.Hour)

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788", ForceRefresh: true})
	require.True(t, resp.Success)
	require.Equal(t, SourceLive, resp.Source)
	require.Equal(t, 1, h.fetcher.calls)
}

func TestLookupNotFoundNeverFallsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ServeStaleOnError: true}, registry.NotFound("no entity"))
	h.seed(t, 30*24*time.Hour)

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788"})
	require.False(t, resp.Success)
	require.Equal(t, registry.OutcomeNotFound, resp.Outcome)
	require.ErrorIs(t, resp.Err(), registry.ErrNotFound)
	require.Nil(t, resp.Record)
}

func TestLookupServesStaleOnQuota(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ServeStaleOnError: true}, registry.QuotaExceeded("too many searches"))
	h.seed(t, 30*24*time.Hour)

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788"})
	require.True(t, resp.Success)
	require.Equal(t, SourceStale, resp.Source)
	require.Equal(t, "Cached AB", resp.Record.Name)
	require.InDelta(t, 30.0, resp.AgeDays, 1e-9)
	require.Len(t, resp.Warnings, 1)
	require.Contains(t, resp.Warnings[0], "too many searches")
}

func TestLookupQuotaWithoutStaleFallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{}, registry.QuotaExceeded("too many searches"))
	h.seed(t, 30*24*time.Hour)

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788"})
	require.False(t, resp.Success)
	require.True(t, resp.Retryable)
	require.ErrorIs(t, resp.Err(), registry.ErrQuotaExceeded)
}

func TestLookupSnapshotFailureIsWarning(t *testing.T) {
	t.Parallel()
	out := liveSuccess(nil, false)
	out.Warnings = []string{"navigate back to detail page: timeout"}
	h := newHarness(t, Config{}, out, WithSnapshots(failingSnapshots{}))

	resp := h.svc.Lookup(context.Background(), Request{Key: "5566313788"})
	require.True(t, resp.Success)
	require.Empty(t, resp.SnapshotURI)
	require.Len(t, resp.Warnings, 2)
	require.Contains(t, resp.Warnings[1], "bucket gone")
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, &fakeFetcher{}, memory.NewCacheStore(), nil)
	require.Error(t, err)
}
