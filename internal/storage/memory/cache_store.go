package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// CacheStore keeps records and people in maps. Values are copied on the way in and out.
type CacheStore struct {
	mu      sync.RWMutex
	records map[registry.EntityKey]registry.EntityRecord
	people  map[registry.EntityKey][]registry.PersonRecord
	now     func() time.Time
}

// NewCacheStore creates an empty in-memory cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{
		records: make(map[registry.EntityKey]registry.EntityRecord),
		people:  make(map[registry.EntityKey][]registry.PersonRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock sets the clock used by AgeDays and returns the store.
func (s *CacheStore) WithClock(c registry.Clock) *CacheStore {
	s.now = c.Now
	return s
}

// Get returns the cached record or registry.ErrNotCached.
func (s *CacheStore) Get(_ context.Context, key registry.EntityKey) (registry.EntityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return registry.EntityRecord{}, registry.ErrNotCached
	}
	return cloneRecord(rec), nil
}

// GetPeople returns the stored people for key in stored order.
func (s *CacheStore) GetPeople(_ context.Context, key registry.EntityKey) ([]registry.PersonRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.people[key]), nil
}

// Put overwrites the record for its key.
func (s *CacheStore) Put(_ context.Context, record registry.EntityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Key] = cloneRecord(record)
	return nil
}

// PutPeople replaces the full person set for key.
func (s *CacheStore) PutPeople(_ context.Context, key registry.EntityKey, people []registry.PersonRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(people) == 0 {
		delete(s.people, key)
		return nil
	}
	s.people[key] = slices.Clone(people)
	return nil
}

// AgeDays reports the age of the cached record in days; ok is false when absent.
func (s *CacheStore) AgeDays(_ context.Context, key registry.EntityKey) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	if !ok {
		return 0, false, nil
	}
	return registry.AgeInDays(rec.FetchedAt, s.now()), true, nil
}

func cloneRecord(rec registry.EntityRecord) registry.EntityRecord {
	rec.Industry.Categories = slices.Clone(rec.Industry.Categories)
	if rec.Financials != nil {
		fin := *rec.Financials
		rec.Financials = &fin
	}
	return rec
}
