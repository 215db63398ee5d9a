// Package freshness decides whether a cached record is served or refetched.
package freshness

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// DefaultStaleAfterDays is the age beyond which a cached record is refetched.
const DefaultStaleAfterDays = 7

// Action is the outcome of a freshness decision.
type Action string

// Possible actions.
const (
	ActionServe Action = "serve"
	ActionFetch Action = "fetch"
)

// Reasons attached to a Fetch decision.
const (
	ReasonNotCached = "not cached"
	ReasonForced    = "refresh forced"
	ReasonStale     = "stale"
)

// Decision tells the caller what to do. Record is set for Serve, and also for a stale
// Fetch so the caller can fall back to it.
type Decision struct {
	Action  Action
	Record  *registry.EntityRecord
	AgeDays float64
	Reason  string
}

// Reader is the read side of the cache store.
type Reader interface {
	Get(ctx context.Context, key registry.EntityKey) (registry.EntityRecord, error)
}

// Policy applies the staleness threshold. It never writes.
type Policy struct {
	store          Reader
	clock          registry.Clock
	staleAfterDays float64
}

// New creates a Policy. staleAfterDays <= 0 selects the default.
func New(store Reader, clock registry.Clock, staleAfterDays float64) *Policy {
	if staleAfterDays <= 0 {
		staleAfterDays = DefaultStaleAfterDays
	}
	return &Policy{store: store, clock: clock, staleAfterDays: staleAfterDays}
}

// StaleAfterDays returns the configured threshold.
func (p *Policy) StaleAfterDays() float64 {
	return p.staleAfterDays
}

// Decide returns Serve when a cached record exists, no refresh is forced and its age is
// not strictly greater than the threshold. Everything else is Fetch.
func (p *Policy) Decide(ctx context.Context, key registry.EntityKey, forceRefresh bool) (Decision, error) {
	rec, err := p.store.Get(ctx, key)
	switch {
	case errors.Is(err, registry.ErrNotCached):
		return Decision{Action: ActionFetch, Reason: ReasonNotCached}, nil
	case err != nil:
		return Decision{}, fmt.Errorf("read cached record %s: %w", key, err)
	}

	age := registry.AgeInDays(rec.FetchedAt, p.clock.Now())
	d := Decision{Record: &rec, AgeDays: age}
	switch {
	case forceRefresh:
		d.Action, d.Reason = ActionFetch, ReasonForced
	case age > p.staleAfterDays:
		d.Action, d.Reason = ActionFetch, ReasonStale
	default:
		d.Action = ActionServe
	}
	return d, nil
}
