package fetch

import (
	"github.com/JakeFAU/registry-fetcher/internal/registry"
)

// State is a step of the navigation state machine.
type State string

// Navigation states. Failed is terminal and reachable from every other state.
const (
	StateStart        State = "start"
	StateSearching    State = "searching"
	StateLimitCheck   State = "limit_check"
	StateDetailScrape State = "detail_scrape"
	StateBoardScrape  State = "board_scrape"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Transition is reported to the Observer every time an attempt changes state.
type Transition struct {
	Key     registry.EntityKey
	Attempt int
	From    State
	To      State
	// Kind is set when To is StateFailed.
	Kind registry.OutcomeKind
}

// Observer receives state transitions. It is called synchronously.
type Observer func(Transition)
