package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/registry-fetcher/internal/clock/system"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

func TestCacheStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := registry.MustParseKey("5566313788")
	fetched := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewCacheStore().WithClock(system.NewFrozen(fetched.Add(36 * time.Hour)))

	_, err := store.Get(ctx, key)
	require.ErrorIs(t, err, registry.ErrNotCached)
	_, ok, err := store.AgeDays(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	rec := registry.EntityRecord{
		Key:       key,
		Name:      "Exempelbolaget AB",
		Industry:  registry.Industry{Categories: []string{"IT"}},
		FetchedAt: fetched,
	}
	require.NoError(t, store.Put(ctx, rec))
	rec.Industry.Categories[0] = "mutated"

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "Exempelbolaget AB", got.Name)
	require.Equal(t, []string{"IT"}, got.Industry.Categories)

	age, ok, err := store.AgeDays(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 1.5, age, 1e-9)
}

func TestCacheStorePutPeopleReplacesSet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	key := registry.MustParseKey("5566313788")
	store := NewCacheStore()

	require.NoError(t, store.PutPeople(ctx, key, []registry.PersonRecord{
		{Key: key, Role: registry.RoleChair, Name: "A"},
		{Key: key, Role: registry.RoleBoardMember, Name: "B"},
	}))
	require.NoError(t, store.PutPeople(ctx, key, []registry.PersonRecord{
		{Key: key, Role: registry.RoleManagingDirector, Name: "C"},
	}))
	people, err := store.GetPeople(ctx, key)
	require.NoError(t, err)
	require.Len(t, people, 1)
	require.Equal(t, "C", people[0].Name)

	require.NoError(t, store.PutPeople(ctx, key, nil))
	people, err = store.GetPeople(ctx, key)
	require.NoError(t, err)
	require.Empty(t, people)
}
