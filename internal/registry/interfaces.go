package registry

import (
	"context"
	"io"
	"time"
)

// CacheStore persists fetched records. Person writes replace the full set for a key.
type CacheStore interface {
	Get(ctx context.Context, key EntityKey) (EntityRecord, error)
	GetPeople(ctx context.Context, key EntityKey) ([]PersonRecord, error)
	Put(ctx context.Context, record EntityRecord) error
	PutPeople(ctx context.Context, key EntityKey, people []PersonRecord) error
	AgeDays(ctx context.Context, key EntityKey) (float64, bool, error)
}

// SnapshotStore archives raw page markup and returns a URI.
type SnapshotStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes refresh notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// AgeInDays converts the distance between fetchedAt and now into fractional days.
func AgeInDays(fetchedAt, now time.Time) float64 {
	return now.Sub(fetchedAt).Hours() / 24
}
