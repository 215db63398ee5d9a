package freshness

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-fetcher/internal/clock/system"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
	"github.com/JakeFAU/registry-fetcher/internal/storage/memory"
)

var key = registry.MustParseKey("5566313788")

func seeded(t *testing.T, fetchedAt time.Time) *memory.CacheStore {
	t.Helper()
	store := memory.NewCacheStore()
	require.NoError(t, store.Put(context.Background(), registry.EntityRecord{
		Key:       key,
		Name:      "Exempelbolaget AB",
		FetchedAt: fetchedAt,
	}))
	return store
}

func TestDecideServesFreshRecord(t *testing.T) {
	t.Parallel()
	fetched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := system.NewFrozen(fetched.Add(6 * 24 * time.Hour))

	d, err := New(seeded(t, fetched), clock, 7).Decide(context.Background(), key, false)
	require.NoError(t, err)
	require.Equal(t, ActionServe, d.Action)
	require.NotNil(t, d.Record)
	require.Equal(t, "Exempelbolaget AB", d.Record.Name)
	require.InDelta(t, 6.0, d.AgeDays, 1e-9)
}

func TestDecideAgeMatchesStoreAgeDays(t *testing.T) {
	t.Parallel()
	fetched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := system.NewFrozen(fetched.Add(90 * time.Hour))
	store := seeded(t, fetched).WithClock(clock)

	d, err := New(store, clock, 7).Decide(context.Background(), key, false)
	require.NoError(t, err)
	age, ok, err := store.AgeDays(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, age, d.AgeDays, 1e-9)
}

func TestDecideFetchesStaleRecord(t *testing.T) {
	t.Parallel()
	fetched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := system.NewFrozen(fetched.Add(8 * 24 * time.Hour))

	d, err := New(seeded(t, fetched), clock, 7).Decide(context.Background(), key, false)
	require.NoError(t, err)
	require.Equal(t, ActionFetch, d.Action)
	require.Equal(t, ReasonStale, d.Reason)
	require.NotNil(t, d.Record)
}

func TestDecideThresholdIsStrict(t *testing.T) {
	t.Parallel()
	fetched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := system.NewFrozen(fetched.Add(7 * 24 * time.Hour))

	d, err := New(seeded(t, fetched), clock, 7).Decide(context.Background(), key, false)
	require.NoError(t, err)
	require.Equal(t, ActionServe, d.Action)

	clock.Advance(time.Minute)
	d, err = New(seeded(t, fetched), clock, 7).Decide(context.Background(), key, false)
	require.NoError(t, err)
	require.Equal(t, ActionFetch, d.Action)
}

func TestDecideForceRefresh(t *testing.T) {
	t.Parallel()
	fetched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := system.NewFrozen(fetched.Add(time.Hour))

	d, err := New(seeded(t, fetched), clock, 7).Decide(context.Background(), key, true)
	require.NoError(t, err)
	require.Equal(t, ActionFetch, d.Action)
	require.Equal(t, ReasonForced, d.Reason)
}

func TestDecideMissingRecord(t *testing.T) {
	t.Parallel()
	clock := system.NewFrozen(time.Now())

	d, err := New(memory.NewCacheStore(), clock, 0).Decide(context.Background(), key, false)
	require.NoError(t, err)
	require.Equal(t, ActionFetch, d.Action)
	require.Equal(t, ReasonNotCached, d.Reason)
	require.Nil(t, d.Record)
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, registry.EntityKey) (registry.EntityRecord, error) {
	return registry.EntityRecord{}, errors.New("disk on fire")
}

func TestDecidePropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	_, err := New(brokenStore{}, system.New(), 7).Decide(context.Background(), key, false)
	require.ErrorContains(t, err, "disk on fire")
}

func TestDefaultThreshold(t *testing.T) {
	t.Parallel()
	require.InDelta(t, 7.0, New(brokenStore{}, system.New(), 0).StaleAfterDays(), 0)
}
