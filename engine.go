package eventadmission

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/erebos-im/eventadmission/spec"
)

// An AuthorizationEngine decides whether an event is permitted by the
// federation authorization rules, against the state named in its
// auth_events. It is usable standalone on events that already passed
// format, hash and signature validation.
type AuthorizationEngine struct {
	events           EventRepository
	powerLevels      PowerLevelValidator
	eventTypes       *EventTypeValidator
	versions         RoomVersionHandler
	strictAuthEvents bool
}

// NewAuthorizationEngine returns an engine using the given repositories.
// federation may be nil to disable outbound restricted join checks.
func NewAuthorizationEngine(events EventRepository, memberships MembershipRepository, federation FederationClient, config Config) *AuthorizationEngine {
	return &AuthorizationEngine{
		events:           events,
		eventTypes:       NewEventTypeValidator(memberships, federation, config.ServerName),
		strictAuthEvents: config.StrictAuthEvents,
	}
}

// AuthorizeEvent runs the full ordered rule set against the event using the
// given resolved auth events. Callers that do not already hold the auth
// events, such as the admission pipeline, pass nil to have them resolved
// from storage. A nil return means the event is authorized. Authorization
// failures come back as the error types recognised by isAuthError; anything
// else means the checks themselves could not be run.
func (a *AuthorizationEngine) AuthorizeEvent(ctx context.Context, event *Event, authEvents []*Event, version RoomVersion) error {
	// An already stored event with the same ID but a different sender can
	// never be reconciled. This is checked before anything else because no
	// later result is meaningful if it fails.
	if event.EventID != "" {
		existing, err := a.events.GetByID(ctx, event.EventID)
		if err != nil {
			return DatabaseError{Err: err}
		}
		if existing != nil && existing.Sender != event.Sender {
			return EventIDCollisionError{
				EventID:        event.EventID,
				ExistingSender: existing.Sender,
				Sender:         event.Sender,
			}
		}
	}

	if !wellFormedUserID(event.Sender) {
		return InvalidSenderError{Sender: event.Sender}
	}
	if !wellFormedRoomID(event.RoomID) {
		return InvalidContentError{Reason: "malformed room_id"}
	}
	if event.EventID != "" && !wellFormedEventID(event.EventID) {
		return InvalidContentError{Reason: "malformed event_id"}
	}
	if event.Depth != nil && *event.Depth < 0 {
		return InvalidContentError{Reason: "negative depth"}
	}

	if event.Type == spec.MRoomCreate {
		// The create event is authorized against nothing but itself.
		return a.eventTypes.ValidateEventType(ctx, event, nil)
	}

	if authEvents == nil {
		var err error
		if authEvents, err = a.ResolveAuthEvents(ctx, event); err != nil {
			return err
		}
	}
	for _, authEvent := range authEvents {
		if authEvent.RoomID != event.RoomID {
			return StateError{Message: "auth event " + authEvent.EventID + " is for a different room"}
		}
	}
	state, err := NewAuthState(event.Sender, authEvents)
	if err != nil {
		return err
	}
	if state.Create.roomID != event.RoomID {
		return StateError{Message: "create event in auth_events is for a different room"}
	}
	if err := state.Create.UserIDAllowed(event.Sender); err != nil {
		return err
	}

	// The sender must be in the room. Member events manage their own
	// transitions and are exempt here.
	if event.Type != spec.MRoomMember {
		membership, err := state.Membership(event.Sender)
		if err != nil {
			return err
		}
		if membership != spec.Join {
			return AccessDeniedError{Reason: "sender " + event.Sender + " is not joined to the room"}
		}
	}

	if err := a.powerLevels.ValidatePowerLevel(event, state); err != nil {
		return err
	}
	if err := a.eventTypes.ValidateEventType(ctx, event, state); err != nil {
		return err
	}
	if err := a.compareAuthSelection(event, state); err != nil {
		return err
	}
	return a.versions.ValidateRoomVersionRules(event, version)
}

// ResolveAuthEvents looks up the events named by the event's auth_events
// key. An unresolvable auth event means the event cannot be authorized.
func (a *AuthorizationEngine) ResolveAuthEvents(ctx context.Context, event *Event) ([]*Event, error) {
	authEvents := make([]*Event, 0, len(event.AuthEvents))
	for _, authEventID := range event.AuthEvents {
		authEvent, err := a.events.GetByID(ctx, authEventID)
		if err != nil {
			return nil, DatabaseError{Err: err}
		}
		if authEvent == nil {
			// Outliers are accepted without their full ancestry, the same
			// exemption the prev_events check applies.
			if event.Outlier {
				continue
			}
			return nil, MissingAuthEventError{AuthEventID: authEventID, ForEventID: event.EventID}
		}
		authEvents = append(authEvents, authEvent)
	}
	return authEvents, nil
}

// compareAuthSelection recomputes the auth events an event of this shape
// should have cited and compares against what it actually cited. The two
// legitimately differ when the sender selected against state we haven't
// seen, so a mismatch is logged rather than rejected unless strict mode is
// on.
func (a *AuthorizationEngine) compareAuthSelection(event *Event, state *AuthState) error {
	expected, err := SelectAuthEvents(event, state)
	if err != nil {
		return err
	}
	cited := make(map[string]bool, len(event.AuthEvents))
	for _, id := range event.AuthEvents {
		cited[id] = true
	}
	expectedSet := make(map[string]bool, len(expected))
	var missing []string
	for _, id := range expected {
		expectedSet[id] = true
		if !cited[id] {
			missing = append(missing, id)
		}
	}
	var extra []string
	for _, id := range event.AuthEvents {
		if !expectedSet[id] {
			extra = append(extra, id)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	if len(missing) > 0 && a.strictAuthEvents {
		return MissingAuthEventError{AuthEventID: missing[0], ForEventID: event.EventID}
	}
	logrus.WithFields(logrus.Fields{
		"event_id": event.EventID,
		"room_id":  event.RoomID,
		"missing":  missing,
		"extra":    extra,
	}).Warn("Cited auth events differ from the expected selection")
	return nil
}
