package eventadmission

import (
	"github.com/erebos-im/eventadmission/spec"
)

// A StateKeyTuple is the combination of an event type and a state key.
// It is used as a map key when looking up the current room state.
type StateKeyTuple struct {
	EventType string
	StateKey  string
}

// An AuthState is the subset of room state an event is authorized against,
// assembled from the event's auth_events. The frequently consulted pieces,
// the create content, the power levels and the join rules, are parsed once
// at construction.
type AuthState struct {
	sender string
	events map[StateKeyTuple]*Event

	// Parsed contents of the distinguished state events. PowerLevels is
	// populated with the room defaults when there is no power_levels event.
	Create      CreateContent
	PowerLevels PowerLevelContent
	JoinRules   JoinRuleContent

	createEvent      *Event
	powerLevelsEvent *Event
	joinRulesEvent   *Event
}

// NewAuthState builds the auth state for an event sent by sender from its
// resolved auth events. Duplicate (type, state_key) tuples keep the last
// event given. A missing create event is an error: nothing can be
// authorized in a room without one.
func (s *AuthState) init(sender string, events []*Event) error {
	s.sender = sender
	s.events = make(map[StateKeyTuple]*Event, len(events))
	for _, event := range events {
		if !event.IsState() {
			return InvalidContentError{Reason: "auth event " + event.EventID + " is not a state event"}
		}
		s.events[StateKeyTuple{event.Type, *event.StateKey}] = event
	}

	s.createEvent = s.Get(spec.MRoomCreate, "")
	s.powerLevelsEvent = s.Get(spec.MRoomPowerLevels, "")
	s.joinRulesEvent = s.Get(spec.MRoomJoinRules, "")

	if s.createEvent == nil {
		return MissingAuthEventError{AuthEventID: spec.MRoomCreate, ForEventID: ""}
	}
	var err error
	if s.Create, err = NewCreateContentFromEvent(s.createEvent); err != nil {
		return err
	}

	version := s.Create.RoomVersionOrDefault()
	if s.powerLevelsEvent != nil {
		if s.PowerLevels, err = NewPowerLevelContentFromEvent(s.powerLevelsEvent, version); err != nil {
			return err
		}
	} else {
		// Until a power_levels event exists only the room creator can act,
		// at the highest level JSON can carry. Without this the create
		// event itself could never be authorized.
		s.PowerLevels.Defaults()
		s.PowerLevels.Users = map[string]int64{s.Create.Creator: 9007199254740991}
	}

	if s.JoinRules, err = NewJoinRuleContentFromEvent(s.joinRulesEvent); err != nil {
		return err
	}
	return nil
}

// NewAuthState builds an AuthState for an event sent by sender from its
// resolved auth events.
func NewAuthState(sender string, events []*Event) (*AuthState, error) {
	var s AuthState
	if err := s.init(sender, events); err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the auth event with the given type and state key, or nil.
func (s *AuthState) Get(eventType, stateKey string) *Event {
	return s.events[StateKeyTuple{eventType, stateKey}]
}

// CreateEvent returns the m.room.create auth event.
func (s *AuthState) CreateEvent() *Event {
	return s.createEvent
}

// PowerLevelsEvent returns the m.room.power_levels auth event, or nil if
// the room has none yet.
func (s *AuthState) PowerLevelsEvent() *Event {
	return s.powerLevelsEvent
}

// JoinRulesEvent returns the m.room.join_rules auth event, or nil.
func (s *AuthState) JoinRulesEvent() *Event {
	return s.joinRulesEvent
}

// MemberEvent returns the m.room.member auth event for the given user, or
// nil.
func (s *AuthState) MemberEvent(userID string) *Event {
	return s.Get(spec.MRoomMember, userID)
}

// ThirdPartyInvite returns the m.room.third_party_invite auth event for the
// given token, or nil.
func (s *AuthState) ThirdPartyInvite(token string) *Event {
	return s.Get(spec.MRoomThirdPartyInvite, token)
}

// Membership returns the membership of the given user in the auth state.
// Users without a member event default to leave.
func (s *AuthState) Membership(userID string) (string, error) {
	memberEvent := s.MemberEvent(userID)
	if memberEvent == nil {
		return spec.Leave, nil
	}
	return memberEvent.Membership()
}

// UserLevel returns the power level of the given user.
func (s *AuthState) UserLevel(userID string) int64 {
	return s.PowerLevels.UserLevel(userID)
}

// RequiredLevel returns the power level needed to send an event of the
// given type.
func (s *AuthState) RequiredLevel(eventType string, isState bool) int64 {
	return s.PowerLevels.EventLevel(eventType, isState)
}

// Sender returns the user the auth state was built for.
func (s *AuthState) Sender() string {
	return s.sender
}
