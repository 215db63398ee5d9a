// Package fetch drives one live registry fetch: rate-limit admission, a pooled browser
// session, and the search, detail and board navigation steps. Every lower-level failure is
// classified into a registry.FetchOutcome before it leaves the package.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/extract"
	"github.com/JakeFAU/registry-fetcher/internal/metrics"
	"github.com/JakeFAU/registry-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// BoardScan selects how many people a board scrape collects.
type BoardScan string

// Board scan modes.
const (
	// BoardScanFirst stops at the first person link across the whole role vocabulary.
	BoardScanFirst BoardScan = "first"
	// BoardScanAll follows every person link of every role in the vocabulary.
	BoardScanAll BoardScan = "all"
)

// DefaultSourceID is the rate limiter identifier shared by every fetch.
const DefaultSourceID = "registry"

// Limiter is the admission gate consulted before each attempt.
type Limiter interface {
	WaitForSlot(ctx context.Context, id string) error
}

// SessionPool provides browser sessions.
type SessionPool interface {
	Acquire(ctx context.Context) (*browser.Handle, error)
	Release(h *browser.Handle)
	Restart(ctx context.Context) error
}

// Extractor reads registry pages. The state machine never looks at markup itself.
type Extractor interface {
	Search(html, pageURL string, key registry.EntityKey) (extract.SearchResult, error)
	Detail(html, pageURL string) (extract.Detail, error)
	Person(html, pageURL string, key registry.EntityKey, role registry.Role) (registry.PersonRecord, error)
}

// Config controls navigation and retries.
type Config struct {
	BaseURL     string
	SearchPath  string
	SearchParam string
	SourceID    string

	SearchTimeout time.Duration
	PageTimeout   time.Duration
	BoardScan     BoardScan

	MaxAttempts int
	Backoff     ratelimit.Backoff
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver registers a transition observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithPacer overrides the pause between navigation steps.
func WithPacer(p Pacer) Option {
	return func(o *Orchestrator) { o.pacer = p }
}

// WithClock overrides the time source stamped on records.
func WithClock(c registry.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSleeper overrides the wait between retry attempts.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// Orchestrator runs fetches. It is safe for concurrent use; each FetchEntity call owns its
// own state machine.
type Orchestrator struct {
	cfg       Config
	pool      SessionPool
	limiter   Limiter
	extractor Extractor
	logger    *zap.Logger

	pacer    Pacer
	clock    registry.Clock
	sleep    func(ctx context.Context, d time.Duration) error
	observer Observer
}

// New creates an Orchestrator.
func New(
	cfg Config,
	pool SessionPool,
	limiter Limiter,
	extractor Extractor,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if pool == nil || limiter == nil || extractor == nil {
		return nil, errors.New("fetch: pool, limiter and extractor are required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("fetch: invalid base url %q", cfg.BaseURL)
	}
	if cfg.SearchParam == "" {
		cfg.SearchParam = "q"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = DefaultSourceID
	}
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 15 * time.Second
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 20 * time.Second
	}
	if cfg.BoardScan == "" {
		cfg.BoardScan = BoardScanFirst
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff = ratelimit.DefaultBackoff()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		pool:      pool,
		limiter:   limiter,
		extractor: extractor,
		logger:    logger.Named("fetch"),
		pacer:     NoPacer{},
		clock:     wallClock{},
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// FetchEntity fetches key from the registry. Retryable transient failures are retried up
// to MaxAttempts with backoff; the pool is restarted once, right before the second
// attempt. NotFound, Flagged and QuotaExceeded are returned after a single attempt.
func (o *Orchestrator) FetchEntity(ctx context.Context, key registry.EntityKey, includePeople bool) registry.FetchOutcome {
	log := o.logger.With(zap.String("key", key.String()), zap.Bool("include_people", includePeople))

	var out registry.FetchOutcome
	for attempt := 1; ; attempt++ {
		if attempt == 2 {
			if err := o.pool.Restart(ctx); err != nil {
				log.Warn("pool restart before retry failed", zap.Error(err))
			}
		}

		metrics.ObserveFetchAttempt()
		out = o.attempt(ctx, key, includePeople, attempt)
		out.Attempts = attempt

		if out.Kind != registry.OutcomeTransient || !out.Retryable || attempt >= o.cfg.MaxAttempts {
			break
		}
		delay := o.cfg.Backoff.Delay(attempt)
		log.Warn("transient fetch failure, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.String("reason", out.Reason))
		if err := o.sleep(ctx, delay); err != nil {
			out = registry.Transient(fmt.Errorf("retry backoff: %w", err), false)
			out.Attempts = attempt
			break
		}
	}

	metrics.ObserveFetchOutcome(string(out.Kind))
	if out.OK() {
		log.Info("fetch succeeded",
			zap.Int("attempts", out.Attempts),
			zap.Int("people", len(out.People)),
			zap.Strings("warnings", out.Warnings))
	} else {
		log.Info("fetch failed",
			zap.String("kind", string(out.Kind)),
			zap.Int("attempts", out.Attempts),
			zap.String("reason", out.Reason))
	}
	return out
}

// searchURL builds the search page address for key.
func (o *Orchestrator) searchURL(key registry.EntityKey) string {
	u, err := url.Parse(o.cfg.BaseURL)
	if err != nil {
		return o.cfg.BaseURL
	}
	if o.cfg.SearchPath != "" {
		u = u.JoinPath(o.cfg.SearchPath)
	}
	q := u.Query()
	q.Set(o.cfg.SearchParam, key.Digits())
	u.RawQuery = q.Encode()
	return u.String()
}
