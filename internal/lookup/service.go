// Package lookup is the request-facing entry point: it consults the freshness policy, runs
// a live fetch when needed and persists what the fetch returns.
package lookup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/freshness"
	"github.com/JakeFAU/registry-fetcher/internal/id/uuid"
	"github.com/JakeFAU/registry-fetcher/internal/metrics"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
	"github.com/JakeFAU/registry-fetcher/internal/telemetry"
)

// Source says where a response record came from.
type Source string

// Response sources.
const (
	SourceCache Source = "cache"
	SourceLive  Source = "live"
	SourceStale Source = "stale"
)

// OutcomeInvalid marks a request rejected before any cache or registry access.
const OutcomeInvalid registry.OutcomeKind = "invalid_key"

// WarnNoCachedPeople is attached when people were requested but the cache holds none for
// the entity, either because the board was never scraped or because it was empty.
const WarnNoCachedPeople = "no people cached for this entity, set force_refresh to scrape the board"

// Request is one lookup.
type Request struct {
	Key           string `json:"key"`
	IncludePeople bool   `json:"include_people"`
	ForceRefresh  bool   `json:"force_refresh"`
}

// Response is the caller-facing result. Partial successes carry Warnings.
type Response struct {
	Success     bool                    `json:"success"`
	Outcome     registry.OutcomeKind    `json:"outcome"`
	Reason      string                  `json:"reason,omitempty"`
	Retryable   bool                    `json:"retryable,omitempty"`
	Source      Source                  `json:"source,omitempty"`
	Key         registry.EntityKey      `json:"key,omitempty"`
	Record      *registry.EntityRecord  `json:"record,omitempty"`
	People      []registry.PersonRecord `json:"people,omitempty"`
	AgeDays     float64                 `json:"age_days"`
	Attempts    int                     `json:"attempts,omitempty"`
	SnapshotURI string                  `json:"snapshot_uri,omitempty"`
	Warnings    []string                `json:"warnings,omitempty"`
}

// Err maps an unsuccessful response to the registry sentinel errors.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Outcome == OutcomeInvalid {
		return fmt.Errorf("%w: %s", registry.ErrInvalidKey, r.Reason)
	}
	return registry.FetchOutcome{Kind: r.Outcome, Reason: r.Reason}.Err()
}

// RefreshEvent is published after every successful live fetch.
type RefreshEvent struct {
	ID          string             `json:"id"`
	Key         registry.EntityKey `json:"key"`
	Name        string             `json:"name"`
	FetchedAt   time.Time          `json:"fetched_at"`
	People      int                `json:"people"`
	SnapshotURI string             `json:"snapshot_uri,omitempty"`
	Warnings    []string           `json:"warnings,omitempty"`
}

// Fetcher runs a live fetch.
type Fetcher interface {
	FetchEntity(ctx context.Context, key registry.EntityKey, includePeople bool) registry.FetchOutcome
}

// Decider makes the serve-or-fetch decision.
type Decider interface {
	Decide(ctx context.Context, key registry.EntityKey, forceRefresh bool) (freshness.Decision, error)
}

// IDGenerator returns event identifiers.
type IDGenerator interface {
	MustNewID() string
}

// Config toggles the optional behaviors.
type Config struct {
	// ServeStaleOnError serves an existing stale record when a live fetch fails with
	// QuotaExceeded or Transient.
	ServeStaleOnError bool
	SnapshotPrefix    string
	EventTopic        string
}

// Option customizes a Service.
type Option func(*Service)

// WithSnapshots archives the raw detail page of every live fetch.
func WithSnapshots(store registry.SnapshotStore) Option {
	return func(s *Service) { s.snapshots = store }
}

// WithPublisher publishes a RefreshEvent after every live fetch.
func WithPublisher(pub registry.Publisher) Option {
	return func(s *Service) { s.publisher = pub }
}

// WithIDGenerator overrides the event id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Service) { s.ids = g }
}

// Service answers lookups. It is safe for concurrent use.
type Service struct {
	cfg     Config
	policy  Decider
	fetcher Fetcher
	cache   registry.CacheStore
	logger  *zap.Logger

	snapshots registry.SnapshotStore
	publisher registry.Publisher
	ids       IDGenerator
}

// New creates a Service.
func New(cfg Config, policy Decider, fetcher Fetcher, cache registry.CacheStore, logger *zap.Logger, opts ...Option) (*Service, error) {
	if policy == nil || fetcher == nil || cache == nil {
		return nil, errors.New("lookup: policy, fetcher and cache are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SnapshotPrefix == "" {
		cfg.SnapshotPrefix = "snapshots"
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = "registry-refresh"
	}
	s := &Service{
		cfg:     cfg,
		policy:  policy,
		fetcher: fetcher,
		cache:   cache,
		logger:  logger.Named("lookup"),
		ids:     uuid.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Lookup resolves req from the cache or the live registry.
func (s *Service) Lookup(ctx context.Context, req Request) Response {
	ctx, span := otel.Tracer(telemetry.TracerName).Start(ctx, "lookup")
	defer span.End()

	resp := s.lookup(ctx, req)
	span.SetAttributes(
		attribute.String("registry.key", resp.Key.String()),
		attribute.String("registry.source", string(resp.Source)),
		attribute.String("registry.outcome", string(resp.Outcome)),
	)
	if !resp.Success {
		span.SetStatus(codes.Error, resp.Reason)
	}
	source := string(resp.Source)
	if source == "" {
		source = "none"
	}
	metrics.ObserveLookup(source, string(resp.Outcome))
	return resp
}

func (s *Service) lookup(ctx context.Context, req Request) Response {
	key, err := registry.ParseKey(req.Key)
	if err != nil {
		return Response{Outcome: OutcomeInvalid, Reason: err.Error()}
	}
	log := s.logger.With(zap.String("key", key.String()))

	var warnings []string
	decision, err := s.policy.Decide(ctx, key, req.ForceRefresh)
	if err != nil {
		log.Warn("cache read failed, fetching live", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("cache unavailable: %v", err))
		decision = freshness.Decision{Action: freshness.ActionFetch}
	}

	if decision.Action == freshness.ActionServe {
		return s.serveCached(ctx, log, key, req.IncludePeople, decision, SourceCache, warnings)
	}

	log.Debug("fetching live", zap.String("reason", decision.Reason))
	out := s.fetcher.FetchEntity(ctx, key, req.IncludePeople)
	if out.OK() {
		return s.persist(ctx, log, key, out, warnings)
	}

	if s.cfg.ServeStaleOnError && decision.Record != nil &&
		(out.Kind == registry.OutcomeQuotaExceeded || out.Kind == registry.OutcomeTransient) {
		log.Warn("live fetch failed, serving stale record",
			zap.String("kind", string(out.Kind)),
			zap.String("reason", out.Reason))
		warnings = append(warnings, fmt.Sprintf("live fetch failed (%s): %s", out.Kind, out.Reason))
		resp := s.serveCached(ctx, log, key, req.IncludePeople, decision, SourceStale, warnings)
		resp.Attempts = out.Attempts
		return resp
	}

	return Response{
		Outcome:   out.Kind,
		Reason:    out.Reason,
		Retryable: out.Retryable,
		Key:       key,
		Attempts:  out.Attempts,
		Warnings:  warnings,
	}
}

func (s *Service) serveCached(
	ctx context.Context,
	log *zap.Logger,
	key registry.EntityKey,
	includePeople bool,
	decision freshness.Decision,
	source Source,
	warnings []string,
) Response {
	resp := Response{
		Success:  true,
		Outcome:  registry.OutcomeSuccess,
		Source:   source,
		Key:      key,
		Record:   decision.Record,
		AgeDays:  decision.AgeDays,
		Warnings: warnings,
	}
	if includePeople {
		people, err := s.cache.GetPeople(ctx, key)
		switch {
		case err != nil:
			log.Warn("read cached people failed", zap.Error(err))
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("cached people unavailable: %v", err))
		case len(people) == 0:
			resp.Warnings = append(resp.Warnings, WarnNoCachedPeople)
		}
		resp.People = people
	}
	return resp
}

// persist writes a successful fetch. Store, archive and publish failures are warnings;
// the fetched record is still returned.
func (s *Service) persist(ctx context.Context, log *zap.Logger, key registry.EntityKey, out registry.FetchOutcome, warnings []string) Response {
	warnings = append(warnings, out.Warnings...)
	record := *out.Record

	if err := s.cache.Put(ctx, record); err != nil {
		log.Error("store record failed", zap.Error(err))
		warnings = append(warnings, fmt.Sprintf("record not cached: %v", err))
	}
	if out.PeopleScraped {
		if err := s.cache.PutPeople(ctx, key, out.People); err != nil {
			log.Error("store people failed", zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("people not cached: %v", err))
		}
	}

	var snapshotURI string
	if s.snapshots != nil && len(out.Snapshot) > 0 {
		uri, err := s.snapshots.PutObject(ctx, s.snapshotPath(key, record.FetchedAt), "text/html; charset=utf-8", bytes.NewReader(out.Snapshot))
		if err != nil {
			log.Warn("archive snapshot failed", zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("snapshot not archived: %v", err))
		}
		snapshotURI = uri
	}

	if s.publisher != nil {
		event := RefreshEvent{
			ID:          s.ids.MustNewID(),
			Key:         key,
			Name:        record.Name,
			FetchedAt:   record.FetchedAt,
			People:      len(out.People),
			SnapshotURI: snapshotURI,
			Warnings:    out.Warnings,
		}
		if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, event); err != nil {
			log.Warn("publish refresh event failed", zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("refresh event not published: %v", err))
		}
	}

	resp := Response{
		Success:     true,
		Outcome:     registry.OutcomeSuccess,
		Source:      SourceLive,
		Key:         key,
		Record:      &record,
		Attempts:    out.Attempts,
		SnapshotURI: snapshotURI,
		Warnings:    warnings,
	}
	if out.PeopleScraped {
		resp.People = out.People
	}
	return resp
}

func (s *Service) snapshotPath(key registry.EntityKey, fetchedAt time.Time) string {
	return path.Join(s.cfg.SnapshotPrefix, key.Digits(), fetchedAt.UTC().Format("20060102T150405Z")+".html")
}
