// ============================================================================
// Job lifecycle transition table
// ============================================================================
//
// Package: internal/lifecycle
//
// Next(state, event) is a pure function: it never reads the clock, the store
// or the provider. Every state change the orchestrator persists is computed
// here, so duplicate and out-of-order observations are rejected by the table
// itself rather than by flags scattered through the callers.
//
//   prepared ──submit_accepted──▶ submitted ──provider_running──▶ monitoring
//      │                                                           │
//      └─submit_rejected─▶ failed ◀─provider_failed────────────────┤
//                          expired ◀─provider_expired──────────────┤
//              partially_processed ◀─provider_partial──────────────┤
//                        processed ◀─provider_completed────────────┘
//
//   processed | partially_processed ──retrieved──▶ retrieved ──cleaned──▶ cleaned
//   failed | expired ──cleaned──▶ cleaned           (policy gated by the caller)
//   any pre-retrieval state ──fault──▶ failed
//
// ============================================================================

package lifecycle

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/batchkeeper/pkg/types"
)

var (
	// ErrInvalidTransition means the event does not apply to the current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrAlreadyApplied means the current state already reflects the event,
	// typically a repeated provider observation.
	ErrAlreadyApplied = errors.New("transition already applied")
)

// Event is an input to the state machine.
type Event string

const (
	EventSubmitAccepted    Event = "submit_accepted"
	EventSubmitRejected    Event = "submit_rejected"
	EventProviderRunning   Event = "provider_running"
	EventProviderCompleted Event = "provider_completed"
	EventProviderFailed    Event = "provider_failed"
	EventProviderExpired   Event = "provider_expired"
	EventProviderPartial   Event = "provider_partial"
	EventRetrieved         Event = "retrieved"
	EventCleaned           Event = "cleaned"

	// EventFault covers a permanent error or a transient one that exhausted
	// the retry budget.
	EventFault Event = "fault"
)

var transitions = map[types.JobState]map[Event]types.JobState{
	types.StatePrepared: {
		EventSubmitAccepted: types.StateSubmitted,
		EventSubmitRejected: types.StateFailed,
		EventFault:          types.StateFailed,
	},
	types.StateSubmitted: {
		EventProviderRunning: types.StateMonitoring,
		EventFault:           types.StateFailed,
	},
	types.StateMonitoring: {
		EventProviderCompleted: types.StateProcessed,
		EventProviderFailed:    types.StateFailed,
		EventProviderExpired:   types.StateExpired,
		EventProviderPartial:   types.StatePartiallyProcessed,
		EventFault:             types.StateFailed,
	},
	types.StateProcessed: {
		EventRetrieved: types.StateRetrieved,
		EventFault:     types.StateFailed,
	},
	types.StatePartiallyProcessed: {
		EventRetrieved: types.StateRetrieved,
		EventFault:     types.StateFailed,
	},
	types.StateRetrieved: {
		EventCleaned: types.StateCleaned,
	},
	types.StateFailed: {
		EventCleaned: types.StateCleaned,
	},
	types.StateExpired: {
		EventCleaned: types.StateCleaned,
	},
}

// reached lists, per state, the events whose effect the state already
// includes. A repeated report of any of them is a no-op, not an error.
var reached = map[types.JobState][]Event{
	types.StateSubmitted:          {EventSubmitAccepted},
	types.StateMonitoring:         {EventSubmitAccepted, EventProviderRunning},
	types.StateProcessed:          {EventSubmitAccepted, EventProviderRunning, EventProviderCompleted},
	types.StatePartiallyProcessed: {EventSubmitAccepted, EventProviderRunning, EventProviderPartial},
	types.StateExpired:            {EventSubmitAccepted, EventProviderRunning, EventProviderExpired},
	types.StateFailed:             {EventSubmitRejected, EventProviderFailed, EventFault},
	types.StateRetrieved: {
		EventSubmitAccepted, EventProviderRunning, EventProviderCompleted, EventProviderPartial, EventRetrieved,
	},
	types.StateCleaned: {
		EventSubmitAccepted, EventProviderRunning, EventProviderCompleted, EventProviderPartial,
		EventProviderFailed, EventProviderExpired, EventRetrieved, EventCleaned,
	},
}

// Next returns the state that follows from applying ev to from.
func Next(from types.JobState, ev Event) (types.JobState, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	for _, done := range reached[from] {
		if done == ev {
			return from, fmt.Errorf("%w: %s already reflects %s", ErrAlreadyApplied, from, ev)
		}
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to types.JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further automatic transition leaves state.
// retrieved is terminal only when no cleanup is pending for the job.
func IsTerminal(state types.JobState, cleanupPending bool) bool {
	switch state {
	case types.StateFailed, types.StateExpired, types.StateCleaned:
		return true
	case types.StateRetrieved:
		return !cleanupPending
	default:
		return false
	}
}

// ForProvider maps an observed provider state to the event it produces.
func ForProvider(ps types.ProviderState) (Event, bool) {
	switch ps {
	case types.ProviderRunning:
		return EventProviderRunning, true
	case types.ProviderCompleted:
		return EventProviderCompleted, true
	case types.ProviderFailed:
		return EventProviderFailed, true
	case types.ProviderExpired:
		return EventProviderExpired, true
	case types.ProviderPartiallyCompleted:
		return EventProviderPartial, true
	default:
		return "", false
	}
}

// ValidPath reports whether history is a sequence of legal edges that starts
// from prepared.
func ValidPath(history []types.Transition) error {
	prev := types.StatePrepared
	for i, tr := range history {
		if tr.From != prev {
			return fmt.Errorf("step %d: history broken, from %s after %s", i, tr.From, prev)
		}
		to, err := Next(tr.From, Event(tr.Event))
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if to != tr.To {
			return fmt.Errorf("step %d: %s on %s leads to %s, recorded %s", i, tr.Event, tr.From, to, tr.To)
		}
		prev = tr.To
	}
	return nil
}
