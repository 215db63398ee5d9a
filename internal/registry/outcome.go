package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure taxonomy. Callers test them with errors.Is.
var (
	ErrInvalidKey    = errors.New("invalid entity key")
	ErrNotFound      = errors.New("no such entity")
	ErrFlagged       = errors.New("entity is flagged by the registry")
	ErrQuotaExceeded = errors.New("registry quota exceeded")
	ErrTransient     = errors.New("transient fetch failure")
	ErrNotCached     = errors.New("entity not cached")
)

// OutcomeKind tags a FetchOutcome.
type OutcomeKind string

// Outcome kinds produced by the orchestrator.
const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeNotFound      OutcomeKind = "not_found"
	OutcomeFlagged       OutcomeKind = "flagged"
	OutcomeQuotaExceeded OutcomeKind = "quota_exceeded"
	OutcomeTransient     OutcomeKind = "transient"
)

// FetchOutcome is the classified result of one FetchEntity call.
type FetchOutcome struct {
	Kind      OutcomeKind
	Record    *EntityRecord
	People    []PersonRecord
	Reason    string
	Retryable bool
	Attempts  int
	// PeopleScraped is false when the board scrape was skipped, in which case stored
	// people must be left untouched.
	PeopleScraped bool
	Warnings      []string
	// Snapshot is the raw detail page markup, kept for archiving.
	Snapshot []byte
}

// Success builds a successful outcome.
func Success(record EntityRecord, people []PersonRecord, peopleScraped bool) FetchOutcome {
	return FetchOutcome{
		Kind:          OutcomeSuccess,
		Record:        &record,
		People:        people,
		PeopleScraped: peopleScraped,
	}
}

// NotFound builds a non-retryable "no such entity" outcome.
func NotFound(reason string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeNotFound, Reason: reason}
}

// Flagged builds a non-retryable outcome carrying the registry's remark.
func Flagged(reason string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFlagged, Reason: reason}
}

// QuotaExceeded builds an outcome that is retryable by the caller only.
func QuotaExceeded(reason string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeQuotaExceeded, Reason: reason, Retryable: true}
}

// Transient builds a transient failure outcome.
func Transient(err error, retryable bool) FetchOutcome {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return FetchOutcome{Kind: OutcomeTransient, Reason: reason, Retryable: retryable}
}

// OK reports whether the outcome carries a record.
func (o FetchOutcome) OK() bool {
	return o.Kind == OutcomeSuccess && o.Record != nil
}

// Err returns nil on success, otherwise the matching sentinel wrapped with the reason.
func (o FetchOutcome) Err() error {
	var base error
	switch o.Kind {
	case OutcomeSuccess:
		return nil
	case OutcomeNotFound:
		base = ErrNotFound
	case OutcomeFlagged:
		base = ErrFlagged
	case OutcomeQuotaExceeded:
		base = ErrQuotaExceeded
	default:
		base = ErrTransient
	}
	if o.Reason == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, o.Reason)
}
