package eventadmission

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-set/v3"
	"github.com/oleiade/lane/v2"
	"github.com/sirupsen/logrus"
)

// clockSkewToleranceMS is how far into the candidate's future a parent
// timestamp may sit before the ordering is logged as suspicious. Wall
// clocks across federation disagree, so this is never fatal.
const clockSkewToleranceMS = 5 * 60 * 1000

// A DAGValidator checks that a candidate event attaches consistently to the
// room's event graph: its parents exist locally, stay within the same room,
// its depth follows from theirs, and following parent edges never loops
// back to the candidate.
type DAGValidator struct {
	events          EventRepository
	maxPrevEvents   int
	cycleDepthLimit int
}

// NewDAGValidator returns a DAGValidator backed by the given repository.
func NewDAGValidator(events EventRepository, maxPrevEvents, cycleDepthLimit int) *DAGValidator {
	return &DAGValidator{
		events:          events,
		maxPrevEvents:   maxPrevEvents,
		cycleDepthLimit: cycleDepthLimit,
	}
}

// ValidateDAG checks the candidate against the stored event graph. Graph
// inconsistencies are returned as StateError; repository failures as
// DatabaseError.
func (v *DAGValidator) ValidateDAG(ctx context.Context, event *Event) error {
	if len(event.PrevEvents) > v.maxPrevEvents {
		return StateError{Message: fmt.Sprintf(
			"too many prev_events: %d > %d", len(event.PrevEvents), v.maxPrevEvents,
		)}
	}

	parents := make([]*Event, 0, len(event.PrevEvents))
	for _, prevID := range event.PrevEvents {
		prev, err := v.events.GetByID(ctx, prevID)
		if err != nil {
			return DatabaseError{Err: err}
		}
		if prev == nil {
			// Outliers are accepted without their ancestry by construction.
			if event.Outlier {
				continue
			}
			return StateError{Message: "unknown prev_event " + prevID}
		}
		if prev.RoomID != event.RoomID {
			return StateError{Message: fmt.Sprintf(
				"prev_event %s belongs to room %s, not %s",
				prevID, prev.RoomID, event.RoomID,
			)}
		}
		parents = append(parents, prev)
	}

	if err := v.checkDepth(event, parents); err != nil {
		return err
	}

	// Parents stamped after the candidate are suspicious but not conclusive;
	// origin_server_ts is whatever the sending server's clock said.
	for _, prev := range parents {
		if prev.OriginServerTS > event.OriginServerTS+clockSkewToleranceMS {
			logrus.WithFields(logrus.Fields{
				"event_id":      event.EventID,
				"prev_event_id": prev.EventID,
				"event_ts":      event.OriginServerTS,
				"prev_ts":       prev.OriginServerTS,
			}).Warn("prev_event has origin_server_ts after the event referencing it")
		}
	}

	return v.detectCycle(ctx, event)
}

func (v *DAGValidator) checkDepth(event *Event, parents []*Event) error {
	if len(event.PrevEvents) == 0 {
		// Only the genesis of a room has no parents, and its depth is zero.
		if event.DepthValue() != 0 {
			return StateError{Message: fmt.Sprintf(
				"event without prev_events must have depth 0, got %d", event.DepthValue(),
			)}
		}
		return nil
	}
	if len(parents) == 0 {
		// All parents were unresolvable outlier parents; depth is unverifiable.
		return nil
	}
	var maxParent int64
	for _, prev := range parents {
		if prev.DepthValue() > maxParent {
			maxParent = prev.DepthValue()
		}
	}
	if event.DepthValue() != maxParent+1 {
		return StateError{Message: fmt.Sprintf(
			"bad depth: expected %d, got %d", maxParent+1, event.DepthValue(),
		)}
	}
	return nil
}

// dagFrame is one step of the iterative depth-first cycle walk. A frame is
// pushed unexpanded, then pushed again expanded once its children have been
// queued, so that the visiting mark can be cleared on the way back out.
type dagFrame struct {
	eventID  string
	depth    int
	expanded bool
}

// detectCycle walks parent edges from the candidate and fails if the walk
// reaches an event already on the current path. The walk is bounded at
// cycleDepthLimit generations; the depth rule makes deeper cycles
// unrepresentable anyway.
func (v *DAGValidator) detectCycle(ctx context.Context, event *Event) error {
	visiting := set.New[string](len(event.PrevEvents))
	visited := set.New[string](v.cycleDepthLimit)
	stack := lane.NewStack[dagFrame]()
	stack.Push(dagFrame{eventID: event.EventID, depth: 0})

	for {
		frame, ok := stack.Pop()
		if !ok {
			return nil
		}
		if frame.expanded {
			visiting.Remove(frame.eventID)
			visited.Insert(frame.eventID)
			continue
		}
		if visiting.Contains(frame.eventID) || visited.Contains(frame.eventID) {
			// Queued more than once before being walked.
			continue
		}
		visiting.Insert(frame.eventID)
		stack.Push(dagFrame{eventID: frame.eventID, depth: frame.depth, expanded: true})
		if frame.depth >= v.cycleDepthLimit {
			continue
		}

		prevIDs, err := v.prevEventIDs(ctx, event, frame.eventID)
		if err != nil {
			return err
		}
		for _, prevID := range prevIDs {
			if visiting.Contains(prevID) {
				return StateError{Message: "cycle detected through event " + prevID}
			}
			if !visited.Contains(prevID) {
				stack.Push(dagFrame{eventID: prevID, depth: frame.depth + 1})
			}
		}
	}
}

// prevEventIDs returns the parent IDs of the event with the given ID. The
// candidate itself is not stored yet, so its edges come from the struct;
// everything else is looked up. Unresolvable ancestors terminate their
// branch of the walk.
func (v *DAGValidator) prevEventIDs(ctx context.Context, candidate *Event, eventID string) ([]string, error) {
	if eventID == candidate.EventID {
		return candidate.PrevEvents, nil
	}
	stored, err := v.events.GetByID(ctx, eventID)
	if err != nil {
		return nil, DatabaseError{Err: err}
	}
	if stored == nil {
		return nil, nil
	}
	return stored.PrevEvents, nil
}
