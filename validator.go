package eventadmission

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/erebos-im/eventadmission/spec"
)

// ValidationOutcome is the verdict of the admission pipeline for one PDU.
type ValidationOutcome int

const (
	// EventValid means the event was accepted into the room.
	EventValid ValidationOutcome = iota
	// EventRejected means the event failed validation and is not stored as
	// part of the room.
	EventRejected
	// EventSoftFailed means the event passed validation against its cited
	// auth events but not against the current room state. It is stored but
	// excluded from the active state.
	EventSoftFailed
)

// A ValidationResult is the outcome of running one PDU through the
// pipeline. Event is set for valid and soft-failed outcomes; for a
// duplicate it is the already stored copy. Reason is set for rejected and
// soft-failed outcomes.
type ValidationResult struct {
	Outcome ValidationOutcome
	Event   *Event
	EventID string
	Reason  string
}

// A PDUValidator runs received PDUs through the admission pipeline: format
// validation, deduplication, hash and event ID verification, signature
// verification, event graph checks and authorization.
type PDUValidator struct {
	events  EventRepository
	rooms   RoomRepository
	signing EventSigningEngine
	dedup   *Deduplicator
	dag     *DAGValidator
	auth    *AuthorizationEngine
	config  Config

	// now is replaceable for tests.
	now func() time.Time
}

// NewPDUValidator wires a validator from its dependencies. signing and
// federation may be nil to disable signature verification and outbound
// restricted join checks respectively.
func NewPDUValidator(
	events EventRepository,
	rooms RoomRepository,
	memberships MembershipRepository,
	signing EventSigningEngine,
	federation FederationClient,
	config Config,
) *PDUValidator {
	return &PDUValidator{
		events:  events,
		rooms:   rooms,
		signing: signing,
		dedup:   NewDeduplicator(events, config.DedupWindowMS),
		dag:     NewDAGValidator(events, config.MaxPrevEvents, config.CycleDepthLimit),
		auth:    NewAuthorizationEngine(events, memberships, federation, config),
		config:  config,
		now:     time.Now,
	}
}

// ValidatePDU runs the pipeline on the raw PDU bytes as received from
// originServer. The returned error is reserved for infrastructure failures
// (storage, key fetching); every verdict about the event itself, including
// rejection, is carried in the ValidationResult.
func (v *PDUValidator) ValidatePDU(ctx context.Context, pdu []byte, originServer string) (ValidationResult, error) {
	event, err := NewEventFromJSON(pdu)
	if err != nil {
		return rejected("", "unparsable event JSON: "+err.Error()), nil
	}
	event.ReceivedTS = v.now().UnixMilli()

	version, err := v.roomVersionFor(ctx, event)
	if err != nil {
		return ValidationResult{}, err
	}

	if reason := v.validateFormat(event, version); reason != "" {
		return rejected(event.EventID, reason), nil
	}

	// The event ID check both verifies and, for hash-derived formats,
	// mints the ID, so it runs before anything that needs the ID.
	if err := VerifyEventID(event, version); err != nil {
		return rejected(event.EventID, err.Error()), nil
	}

	duplicate, err := v.dedup.FindDuplicate(ctx, event, version)
	if err != nil {
		return ValidationResult{}, err
	}
	if duplicate != nil {
		// Receiving an event we already hold is normal federation
		// behaviour; the stored copy stands.
		return ValidationResult{Outcome: EventValid, Event: duplicate, EventID: duplicate.EventID}, nil
	}

	if err := VerifyContentHash(event); err != nil {
		return rejected(event.EventID, err.Error()), nil
	}

	if reason, err := v.verifySignatures(ctx, event, version); err != nil {
		return ValidationResult{}, err
	} else if reason != "" {
		return rejected(event.EventID, reason), nil
	}

	if err := v.dag.ValidateDAG(ctx, event); err != nil {
		if _, ok := err.(DatabaseError); ok {
			return ValidationResult{}, err
		}
		return rejected(event.EventID, err.Error()), nil
	}

	if err := v.auth.AuthorizeEvent(ctx, event, nil, version); err != nil {
		if isAuthError(err) {
			return rejected(event.EventID, err.Error()), nil
		}
		// Collisions and infrastructure failures abort the pipeline.
		return ValidationResult{}, err
	}

	// The event is authorized against the state it cited. It may still
	// conflict with where the room is now; that makes it soft-failed, not
	// rejected, so that state resolution can revisit it later.
	if reason, err := v.checkAgainstCurrentState(ctx, event, version); err != nil {
		return ValidationResult{}, err
	} else if reason != "" {
		event.SoftFailed = true
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID,
			"room_id":  event.RoomID,
			"reason":   reason,
		}).Info("Event soft-failed against current room state")
		return ValidationResult{Outcome: EventSoftFailed, Event: event, EventID: event.EventID, Reason: reason}, nil
	}

	return ValidationResult{Outcome: EventValid, Event: event, EventID: event.EventID}, nil
}

func rejected(eventID, reason string) ValidationResult {
	return ValidationResult{Outcome: EventRejected, EventID: eventID, Reason: reason}
}

// roomVersionFor determines the room version governing the event: the
// event's own content for create events, then the stored room record, then
// the stored create event.
func (v *PDUValidator) roomVersionFor(ctx context.Context, event *Event) (RoomVersion, error) {
	if event.Type == spec.MRoomCreate && event.IsState() {
		content, err := NewCreateContentFromEvent(event)
		if err != nil {
			// Format validation rejects it properly later.
			return RoomVersionV1, nil
		}
		return content.RoomVersionOrDefault(), nil
	}
	if v.rooms != nil {
		room, err := v.rooms.GetRoom(ctx, event.RoomID)
		if err != nil {
			return "", DatabaseError{Err: err}
		}
		if room != nil {
			return room.RoomVersion, nil
		}
	}
	createEvent, err := v.events.GetRoomCreateEvent(ctx, event.RoomID)
	if err != nil {
		return "", DatabaseError{Err: err}
	}
	if createEvent != nil {
		content, err := NewCreateContentFromEvent(createEvent)
		if err == nil {
			return content.RoomVersionOrDefault(), nil
		}
	}
	return RoomVersionV1, nil
}

// maxCanonicalInt is the largest integer canonical JSON can carry, (2^53)-1.
const maxCanonicalInt = 9007199254740991

// validateFormat checks the structural rules of the room version. Returns
// a rejection reason, or "" if the event is well formed.
func (v *PDUValidator) validateFormat(event *Event, version RoomVersion) string {
	impl := resolveRoomVersion(version)

	if !wellFormedRoomID(event.RoomID) {
		return "missing or malformed room_id"
	}
	if !wellFormedUserID(event.Sender) {
		return "missing or malformed sender"
	}
	if event.Type == "" {
		return "missing type"
	}
	if len(event.Content) == 0 {
		return "missing content"
	}
	if impl.eventIDFormat == EventIDFormatV1 {
		if !wellFormedEventID(event.EventID) {
			return "missing or malformed event_id"
		}
	} else if event.EventID != "" && !wellFormedEventID(event.EventID) {
		return "malformed event_id"
	}
	if event.Type == spec.MRoomCreate && impl.requireEmptyCreateStateKey && !event.StateKeyEquals("") {
		return "m.room.create must have an empty state_key"
	}

	if impl.strictIntegerRanges {
		if event.OriginServerTS < 0 || event.OriginServerTS > maxCanonicalInt {
			return "origin_server_ts out of range"
		}
		if event.Depth != nil && (*event.Depth < 0 || *event.Depth > maxCanonicalInt) {
			return "depth out of range"
		}
	}

	if impl.maxEventBytes > 0 {
		canonical, err := CanonicalJSON(event.JSON())
		if err != nil {
			return "unparsable event JSON: " + err.Error()
		}
		if len(canonical) > impl.maxEventBytes {
			return fmt.Sprintf("event is too large: %d > %d bytes", len(canonical), impl.maxEventBytes)
		}
		if event.IsState() && impl.maxStateEventBytes > 0 {
			content, err := CanonicalJSON(event.Content)
			if err != nil {
				return "unparsable event content: " + err.Error()
			}
			if len(content) > impl.maxStateEventBytes {
				return fmt.Sprintf("state event content is too large: %d > %d bytes", len(content), impl.maxStateEventBytes)
			}
		}
	}

	return ""
}

// verifySignatures checks the event signatures with the signing engine.
// Which servers must have signed depends on the event: always the sender's,
// the event ID's domain for version 1 IDs, and the invited server for
// invites. Returns a rejection reason, or "" when the signatures are
// acceptable.
func (v *PDUValidator) verifySignatures(ctx context.Context, event *Event, version RoomVersion) (string, error) {
	if v.signing == nil {
		return "", nil
	}
	impl := resolveRoomVersion(version)

	needed := map[string]struct{}{}
	senderDomain, err := domainFromID(event.Sender)
	if err != nil {
		return "malformed sender", nil
	}
	needed[senderDomain] = struct{}{}
	if impl.eventIDFormat == EventIDFormatV1 {
		if eventIDDomain, err := domainFromID(event.EventID); err == nil {
			needed[eventIDDomain] = struct{}{}
		}
	}
	if event.Type == spec.MRoomMember && event.IsState() {
		if membership, err := event.Membership(); err == nil && membership == spec.Invite {
			if targetDomain, err := domainFromID(*event.StateKey); err == nil {
				needed[targetDomain] = struct{}{}
			}
		}
	}
	servers := make([]string, 0, len(needed))
	for serverName := range needed {
		servers = append(servers, serverName)
	}

	if err := v.signing.ValidateEventCrypto(ctx, event, servers); err != nil {
		if impl.enforceSignatureChecks {
			return err.Error(), nil
		}
		// Older room versions are riddled with events whose signatures no
		// longer verify; dropping them would punch holes in the graph.
		logrus.WithFields(logrus.Fields{
			"event_id": event.EventID,
			"room_id":  event.RoomID,
		}).WithError(err).Warn("Signature verification failed in lenient room version")
	}
	return "", nil
}

// checkAgainstCurrentState re-runs the authorization rules against the
// room's current state instead of the state the event cited. Returns the
// soft-fail reason, or "" if the event also passes against current state.
func (v *PDUValidator) checkAgainstCurrentState(ctx context.Context, event *Event, version RoomVersion) (string, error) {
	if event.Type == spec.MRoomCreate {
		return "", nil
	}
	stateEvents, err := v.currentStateForEvent(ctx, event)
	if err != nil {
		return "", err
	}
	state, err := NewAuthState(event.Sender, stateEvents)
	if err != nil {
		if isAuthError(err) {
			return err.Error(), nil
		}
		return "", err
	}

	if event.Type != spec.MRoomMember {
		membership, err := state.Membership(event.Sender)
		if err != nil {
			return err.Error(), nil
		}
		if membership != spec.Join {
			return "sender is not joined to the room in current state", nil
		}
	}
	if err := v.auth.powerLevels.ValidatePowerLevel(event, state); err != nil {
		if isAuthError(err) {
			return err.Error(), nil
		}
		return "", err
	}
	if err := v.auth.eventTypes.ValidateEventType(ctx, event, state); err != nil {
		if isAuthError(err) {
			return err.Error(), nil
		}
		if _, ok := err.(DatabaseError); ok {
			return "", err
		}
		return err.Error(), nil
	}
	return "", nil
}

// currentStateForEvent gathers the current state events relevant to
// authorizing the event: the distinguished state events plus the member
// events of everyone the event involves.
func (v *PDUValidator) currentStateForEvent(ctx context.Context, event *Event) ([]*Event, error) {
	var stateEvents []*Event
	appendState := func(eventType, stateKey string) error {
		stateEvent, err := v.events.GetRoomStateByTypeAndKey(ctx, event.RoomID, eventType, stateKey)
		if err != nil {
			return DatabaseError{Err: err}
		}
		if stateEvent != nil {
			stateEvents = append(stateEvents, stateEvent)
		}
		return nil
	}

	if err := appendState(spec.MRoomCreate, ""); err != nil {
		return nil, err
	}
	if err := appendState(spec.MRoomPowerLevels, ""); err != nil {
		return nil, err
	}
	if err := appendState(spec.MRoomJoinRules, ""); err != nil {
		return nil, err
	}
	if err := appendState(spec.MRoomMember, event.Sender); err != nil {
		return nil, err
	}
	if event.Type == spec.MRoomMember && event.IsState() && *event.StateKey != event.Sender {
		if err := appendState(spec.MRoomMember, *event.StateKey); err != nil {
			return nil, err
		}
	}
	return stateEvents, nil
}
