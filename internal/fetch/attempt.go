package fetch

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/registry-fetcher/internal/browser"
	"github.com/JakeFAU/registry-fetcher/internal/extract"
	"github.com/JakeFAU/registry-fetcher/internal/metrics"
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// run is the state of a single attempt. It is never reused.
type run struct {
	o       *Orchestrator
	key     registry.EntityKey
	attempt int
	state   State
	log     *zap.Logger
}

func (r *run) enter(next State) {
	r.notify(next, "")
	r.state = next
}

func (r *run) fail(out registry.FetchOutcome) registry.FetchOutcome {
	r.notify(StateFailed, out.Kind)
	r.state = StateFailed
	return out
}

func (r *run) notify(next State, kind registry.OutcomeKind) {
	metrics.ObserveStateTransition(string(next))
	r.log.Debug("state transition",
		zap.String("from", string(r.state)),
		zap.String("state", string(next)))
	if r.o.observer != nil {
		r.o.observer(Transition{Key: r.key, Attempt: r.attempt, From: r.state, To: next, Kind: kind})
	}
}

// transient classifies err. Cancellation of the caller's context is never retried.
func (r *run) transient(ctx context.Context, step string, err error) registry.FetchOutcome {
	wrapped := fmt.Errorf("%s: %w", step, err)
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return r.fail(registry.Transient(wrapped, false))
	}
	return r.fail(registry.Transient(wrapped, true))
}

// attempt runs Start → Searching → LimitCheck → DetailScrape → (BoardScrape)* → Done.
func (o *Orchestrator) attempt(ctx context.Context, key registry.EntityKey, includePeople bool, attempt int) registry.FetchOutcome {
	r := &run{
		o:       o,
		key:     key,
		attempt: attempt,
		log:     o.logger.With(zap.String("key", key.String()), zap.Int("attempt", attempt)),
	}
	r.enter(StateStart)

	if err := o.limiter.WaitForSlot(ctx, o.cfg.SourceID); err != nil {
		return r.fail(registry.Transient(fmt.Errorf("wait for rate limit slot: %w", err), false))
	}
	h, err := o.pool.Acquire(ctx)
	if err != nil {
		return r.transient(ctx, "acquire session", err)
	}
	defer o.pool.Release(h)
	sess := h.Session

	match, out, ok := o.search(ctx, r, sess)
	if !ok {
		return out
	}

	r.enter(StateDetailScrape)
	if err := o.pacer.Pause(ctx); err != nil {
		return r.transient(ctx, "pace before detail page", err)
	}
	detailHTML, err := o.load(ctx, sess, match.DetailURL, extract.DetailReadySelector)
	if err != nil {
		return r.transient(ctx, "load detail page", err)
	}
	detail, err := o.extractor.Detail(detailHTML, match.DetailURL)
	if err != nil {
		return r.transient(ctx, "parse detail page", err)
	}

	record := detail.Record
	record.Key = key
	if record.Name == "" {
		record.Name = match.Name
	}
	record.SourceURL = match.DetailURL
	record.FetchedAt = o.clock.Now()

	var (
		people   []registry.PersonRecord
		warnings []string
	)
	if includePeople {
		people, warnings = o.scrapeBoard(ctx, r, sess, key, match.DetailURL, detail.Board)
		if ctx.Err() != nil {
			return r.transient(ctx, "board scrape", ctx.Err())
		}
	}

	r.enter(StateDone)
	result := registry.Success(record, people, includePeople)
	result.Warnings = warnings
	result.Snapshot = []byte(detailHTML)
	return result
}

// search runs the Searching and LimitCheck states. ok is false when out is terminal.
func (o *Orchestrator) search(ctx context.Context, r *run, sess browser.Session) (*extract.Match, registry.FetchOutcome, bool) {
	r.enter(StateSearching)
	searchURL := o.searchURL(r.key)
	if err := sess.Navigate(ctx, searchURL); err != nil {
		return nil, r.transient(ctx, "open search page", err), false
	}
	rendered := true
	if err := sess.WaitVisible(ctx, extract.SearchReadySelector, o.cfg.SearchTimeout); err != nil {
		if ctx.Err() != nil {
			return nil, r.transient(ctx, "wait for search results", err), false
		}
		rendered = false
	}
	html, err := sess.HTML(ctx)
	if err != nil {
		return nil, r.transient(ctx, "read search page", err), false
	}
	res, err := o.extractor.Search(html, searchURL, r.key)
	if err != nil {
		return nil, r.transient(ctx, "parse search page", err), false
	}

	r.enter(StateLimitCheck)
	switch {
	case res.QuotaExceeded:
		return nil, r.fail(registry.QuotaExceeded("registry reports too many searches")), false
	case !rendered || !res.Rendered:
		return nil, r.fail(registry.NotFound("search results did not render")), false
	case res.Match == nil:
		return nil, r.fail(registry.NotFound(fmt.Sprintf("no entity with key %s", r.key))), false
	case res.Match.Flagged:
		return nil, r.fail(registry.Flagged(res.Match.Remark)), false
	case res.Match.DetailURL == "":
		return nil, r.fail(registry.NotFound(fmt.Sprintf("search hit for %s has no detail link", r.key))), false
	}
	return res.Match, registry.FetchOutcome{}, true
}

// scrapeBoard visits person pages in role vocabulary order, pausing before every
// navigation. Person page and back navigation failures become warnings.
func (o *Orchestrator) scrapeBoard(
	ctx context.Context,
	r *run,
	sess browser.Session,
	key registry.EntityKey,
	detailURL string,
	board []extract.BoardLink,
) ([]registry.PersonRecord, []string) {
	people := []registry.PersonRecord{}
	var warnings []string

	for _, role := range registry.RoleVocabulary {
		for _, link := range board {
			if link.Role != role {
				continue
			}
			r.enter(StateBoardScrape)
			person, err := o.scrapePerson(ctx, sess, key, link)
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("person %q (%s): %v", link.Name, link.Role, err))
			} else {
				people = append(people, person)
			}
			if ctx.Err() != nil {
				return people, warnings
			}
			if err := o.pacer.Pause(ctx); err != nil {
				warnings = append(warnings, fmt.Sprintf("pace before detail page: %v", err))
				return people, warnings
			}
			if err := sess.Navigate(ctx, detailURL); err != nil {
				warnings = append(warnings, fmt.Sprintf("navigate back to detail page: %v", err))
			}
			if o.cfg.BoardScan != BoardScanAll {
				return people, warnings
			}
		}
	}
	return people, warnings
}

func (o *Orchestrator) scrapePerson(
	ctx context.Context,
	sess browser.Session,
	key registry.EntityKey,
	link extract.BoardLink,
) (registry.PersonRecord, error) {
	if err := o.pacer.Pause(ctx); err != nil {
		return registry.PersonRecord{}, err
	}
	html, err := o.load(ctx, sess, link.URL, extract.PersonReadySelector)
	if err != nil {
		return registry.PersonRecord{}, err
	}
	person, err := o.extractor.Person(html, link.URL, key, link.Role)
	if err != nil {
		return registry.PersonRecord{}, err
	}
	if person.Name == "" {
		person.Name = link.Name
	}
	return person, nil
}

// load navigates to pageURL, waits for selector and returns the rendered markup.
func (o *Orchestrator) load(ctx context.Context, sess browser.Session, pageURL, selector string) (string, error) {
	if err := sess.Navigate(ctx, pageURL); err != nil {
		return "", err
	}
	if err := sess.WaitVisible(ctx, selector, o.cfg.PageTimeout); err != nil {
		return "", err
	}
	return sess.HTML(ctx)
}
