package ledger

import (
	"encoding/json"
	"time"
)

// EventKind enumerates the contract event kinds this layer understands.
// Anything else arriving on a feed is parsed once at the boundary into
// EventUnknown, keeping the raw payload.
type EventKind string

const (
	EventContractCreated      EventKind = "contract_created"
	EventMilestoneCompleted   EventKind = "milestone_completed"
	EventFundsReleased        EventKind = "funds_released"
	EventDisputeInitiated     EventKind = "dispute_initiated"
	EventPoolFunded           EventKind = "pool_funded"
	EventContributionReceived EventKind = "contribution_received"
	EventUnknown              EventKind = "unknown"
)

var knownEventKinds = map[EventKind]struct{}{
	EventContractCreated:      {},
	EventMilestoneCompleted:   {},
	EventFundsReleased:        {},
	EventDisputeInitiated:     {},
	EventPoolFunded:           {},
	EventContributionReceived: {},
}

// Event is a contract event delivered by a ledger feed.
type Event struct {
	// Kind of the event. EventUnknown when the feed delivered a type
	// this layer does not understand.
	Kind EventKind
	// Type is the raw type tag from the feed.
	Type string
	// Contract is the source contract id.
	Contract string
	// Payload is the raw event payload.
	Payload json.RawMessage
	// Position is the ledger position of the event, usable as a resume cursor.
	Position uint64
	// Timestamp of the event.
	Timestamp time.Time
}

// ParseEvent maps a raw feed event into the closed event union.
func ParseEvent(typ, contract string, payload json.RawMessage, position uint64, ts time.Time) Event {
	kind := EventKind(typ)
	if _, ok := knownEventKinds[kind]; !ok {
		kind = EventUnknown
	}
	return Event{
		Kind:      kind,
		Type:      typ,
		Contract:  contract,
		Payload:   payload,
		Position:  position,
		Timestamp: ts,
	}
}

// StreamItem is one delivery on an event stream. A non-nil Err means the
// stream failed and will deliver nothing further.
type StreamItem struct {
	Event Event
	Err   error
}

// EventFilter selects which events a stream delivers.
type EventFilter struct {
	// Contract limits delivery to a single contract id when non-empty.
	Contract string
	// Kinds limits delivery to the given kinds when non-empty.
	Kinds []EventKind
	// Cursor resumes delivery after the given ledger position when non-zero.
	Cursor uint64
}

// Matches reports whether the filter selects ev.
func (f EventFilter) Matches(ev Event) bool {
	if f.Contract != "" && f.Contract != ev.Contract {
		return false
	}
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if k == ev.Kind {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
