package eventadmission

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/erebos-im/eventadmission/spec"
)

// CreateContent is the JSON content of an m.room.create event along with
// the top level keys needed for auth.
type CreateContent struct {
	// We need the domain of the create event when checking federatability.
	senderDomain string
	// We need the roomID to check that events are in the same room as the
	// create event.
	roomID string
	// We need the eventID to check the first join event in the room.
	eventID string
	// The "m.federate" flag tells us whether the room can be federated to
	// other servers.
	Federate *bool `json:"m.federate,omitempty"`
	// The creator of the room tells us what the default power levels are.
	Creator string `json:"creator"`
	// The version of the room. Treated as "1" when the key doesn't exist.
	RoomVersion *RoomVersion `json:"room_version,omitempty"`
	// The predecessor of the room, for upgraded rooms.
	Predecessor PreviousRoom `json:"predecessor,omitempty"`
}

// PreviousRoom points at the room this room was upgraded from.
type PreviousRoom struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
}

// NewCreateContentFromEvent parses the create content from a create event.
func NewCreateContentFromEvent(event *Event) (c CreateContent, err error) {
	if err = json.Unmarshal(event.Content, &c); err != nil {
		err = InvalidContentError{Reason: "unparsable create event content: " + err.Error()}
		return
	}
	c.roomID = event.RoomID
	c.eventID = event.EventID
	if c.senderDomain, err = domainFromID(event.Sender); err != nil {
		return
	}
	return
}

// RoomVersionOrDefault returns the declared room version, or "1" when the
// create content doesn't carry one.
func (c *CreateContent) RoomVersionOrDefault() RoomVersion {
	if c.RoomVersion == nil {
		return RoomVersionV1
	}
	return *c.RoomVersion
}

// DomainAllowed checks whether the domain is allowed in the room by the
// "m.federate" flag.
func (c *CreateContent) DomainAllowed(domain string) error {
	if domain == c.senderDomain {
		// The creating server is always allowed regardless of the flag.
		return nil
	}
	if c.Federate == nil || *c.Federate {
		// The m.federate field defaults to true.
		return nil
	}
	return AccessDeniedError{Reason: "room is unfederatable"}
}

// UserIDAllowed checks whether the domain part of the user ID is allowed in
// the room by the "m.federate" flag.
func (c *CreateContent) UserIDAllowed(id string) error {
	domain, err := domainFromID(id)
	if err != nil {
		return err
	}
	return c.DomainAllowed(domain)
}

// MemberContent is the JSON content of an m.room.member event needed for
// auth checks.
type MemberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
	IsDirect    bool   `json:"is_direct,omitempty"`
	// The third_party_invite key special cases third party invites.
	ThirdPartyInvite *MemberThirdPartyInvite `json:"third_party_invite,omitempty"`
	// Restricted join rules require a user with invite permission to be
	// nominated, so that their membership can be included in the auth events.
	AuthorisedVia string `json:"join_authorised_via_users_server,omitempty"`
}

// MemberThirdPartyInvite is the "third_party_invite" structure of an
// m.room.member event.
type MemberThirdPartyInvite struct {
	DisplayName string                       `json:"display_name"`
	Signed      MemberThirdPartyInviteSigned `json:"signed"`
}

// MemberThirdPartyInviteSigned is the "signed" structure of a third party
// invite.
type MemberThirdPartyInviteSigned struct {
	MXID       string                       `json:"mxid"`
	Signatures map[string]map[string]string `json:"signatures"`
	Token      string                       `json:"token"`
}

// NewMemberContentFromEvent parses the member content from an event.
func NewMemberContentFromEvent(event *Event) (c MemberContent, err error) {
	if err = json.Unmarshal(event.Content, &c); err != nil {
		// Fall back to just the keys auth needs; profile keys with
		// unexpected types must not fail the whole event.
		var partial struct {
			Membership       string                  `json:"membership"`
			ThirdPartyInvite *MemberThirdPartyInvite `json:"third_party_invite,omitempty"`
		}
		if err = json.Unmarshal(event.Content, &partial); err != nil {
			err = InvalidContentError{Reason: "unparsable member event content: " + err.Error()}
			return
		}
		c.Membership = partial.Membership
		c.ThirdPartyInvite = partial.ThirdPartyInvite
	}
	return
}

// ThirdPartyInviteContent is the JSON content of an m.room.third_party_invite
// event needed for auth checks.
type ThirdPartyInviteContent struct {
	DisplayName    string `json:"display_name"`
	KeyValidityURL string `json:"key_validity_url"`
	// Public keys are used to verify the signature of an m.room.member
	// event that came from an m.room.third_party_invite event.
	PublicKey  string      `json:"public_key"`
	PublicKeys []PublicKey `json:"public_keys"`
}

// PublicKey is one entry of the public_keys list of a third party invite.
type PublicKey struct {
	PublicKey      spec.Base64Bytes `json:"public_key"`
	KeyValidityURL string           `json:"key_validity_url"`
}

// JoinRuleContent is the JSON content of an m.room.join_rules event needed
// for auth checks.
type JoinRuleContent struct {
	JoinRule string                     `json:"join_rule"`
	Allow    []JoinRuleContentAllowRule `json:"allow,omitempty"`
}

// JoinRuleContentAllowRule is one allow condition of a restricted room.
type JoinRuleContentAllowRule struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// NewJoinRuleContentFromEvent parses the join rule content from a
// join_rules event. A nil event yields the "invite" default.
func NewJoinRuleContentFromEvent(event *Event) (c JoinRuleContent, err error) {
	c.JoinRule = spec.Invite
	if event == nil {
		return
	}
	if err = json.Unmarshal(event.Content, &c); err != nil {
		err = InvalidContentError{Reason: "unparsable join_rules event content: " + err.Error()}
		return
	}
	return
}

// HistoryVisibilityContent is the JSON content of an
// m.room.history_visibility event.
type HistoryVisibilityContent struct {
	HistoryVisibility string `json:"history_visibility"`
}

// PowerLevelContent is the JSON content of an m.room.power_levels event
// needed for auth checks. Typically the caller uses
// NewPowerLevelContentFromEvent rather than unmarshalling directly so that
// defaults are applied.
type PowerLevelContent struct {
	Ban           int64            `json:"ban"`
	Invite        int64            `json:"invite"`
	Kick          int64            `json:"kick"`
	Redact        int64            `json:"redact"`
	Users         map[string]int64 `json:"users"`
	UsersDefault  int64            `json:"users_default"`
	Events        map[string]int64 `json:"events"`
	EventsDefault int64            `json:"events_default"`
	StateDefault  int64            `json:"state_default"`
	Notifications map[string]int64 `json:"notifications"`
}

// UserLevel returns the power level a user has in the room.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	level, ok := c.Users[userID]
	if ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send an event in the room.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	if eventType == spec.MRoomThirdPartyInvite {
		// Third party invites require the same level as m.room.member
		// invites.
		return c.Invite
	}
	level, ok := c.Events[eventType]
	if ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// NotificationLevel returns the level required to trigger the given
// notification kind. Defaults to 50 if unspecified.
func (c *PowerLevelContent) NotificationLevel(notification string) int64 {
	level, ok := c.Notifications[notification]
	if ok {
		return level
	}
	return 50
}

// Defaults sets the power levels to their default values.
func (c *PowerLevelContent) Defaults() {
	c.Invite = 0
	c.Ban = 50
	c.Kick = 50
	c.Redact = 50
	c.UsersDefault = 0
	c.EventsDefault = 0
	c.StateDefault = 50
	c.Notifications = map[string]int64{
		"room": 50,
	}
}

// NewPowerLevelContentFromEvent loads the power level content from an
// event, applying the room defaults for absent keys. For room versions that
// require integer power levels, non-integer values are an error; older
// versions coerce strings and floats the way the reference servers do.
func NewPowerLevelContentFromEvent(event *Event, version RoomVersion) (c PowerLevelContent, err error) {
	c.Defaults()

	if resolveRoomVersion(version).requireIntegerPowerLevels {
		// Unmarshalling directly kicks up an error if one of the power
		// levels isn't an int64.
		if err = json.Unmarshal(event.Content, &c); err != nil {
			err = InvalidContentError{Reason: "unparsable power_levels event content: " + err.Error()}
			return
		}
		return
	}

	// We can't unmarshal directly to PowerLevelContent because string
	// values need converting to int values.
	var content struct {
		InviteLevel        levelJSONValue            `json:"invite"`
		BanLevel           levelJSONValue            `json:"ban"`
		KickLevel          levelJSONValue            `json:"kick"`
		RedactLevel        levelJSONValue            `json:"redact"`
		UserLevels         map[string]levelJSONValue `json:"users"`
		UsersDefaultLevel  levelJSONValue            `json:"users_default"`
		EventLevels        map[string]levelJSONValue `json:"events"`
		EventsDefaultLevel levelJSONValue            `json:"events_default"`
		StateDefaultLevel  levelJSONValue            `json:"state_default"`
		NotificationLevels map[string]levelJSONValue `json:"notifications"`
	}
	if err = json.Unmarshal(event.Content, &content); err != nil {
		err = InvalidContentError{Reason: "unparsable power_levels event content: " + err.Error()}
		return
	}

	content.InviteLevel.assignIfExists(&c.Invite)
	content.BanLevel.assignIfExists(&c.Ban)
	content.KickLevel.assignIfExists(&c.Kick)
	content.RedactLevel.assignIfExists(&c.Redact)
	content.UsersDefaultLevel.assignIfExists(&c.UsersDefault)
	content.EventsDefaultLevel.assignIfExists(&c.EventsDefault)
	content.StateDefaultLevel.assignIfExists(&c.StateDefault)

	for k, v := range content.UserLevels {
		if c.Users == nil {
			c.Users = make(map[string]int64)
		}
		c.Users[k] = v.value
	}
	for k, v := range content.EventLevels {
		if c.Events == nil {
			c.Events = make(map[string]int64)
		}
		c.Events[k] = v.value
	}
	for k, v := range content.NotificationLevels {
		if c.Notifications == nil {
			c.Notifications = make(map[string]int64)
		}
		c.Notifications[k] = v.value
	}

	return
}

// A levelJSONValue is used for unmarshalling power levels from JSON.
// It replicates the effects of x = int(content["key"]) in python.
type levelJSONValue struct {
	// Was a value loaded from the JSON?
	exists bool
	// The integer value of the power level.
	value int64
}

func (v *levelJSONValue) UnmarshalJSON(data []byte) error {
	var stringValue string
	var int64Value int64
	var floatValue float64
	var err error

	// First try to unmarshal as an int64.
	if int64Value, err = strconv.ParseInt(string(data), 10, 64); err != nil {
		// If unmarshalling as an int64 fails try as a string.
		if err = json.Unmarshal(data, &stringValue); err != nil {
			// If unmarshalling as a string fails try as a float.
			if floatValue, err = strconv.ParseFloat(string(data), 64); err != nil {
				return err
			}
			int64Value = int64(floatValue)
		} else {
			// If we managed to get a string, try parsing the string as an int.
			int64Value, err = strconv.ParseInt(strings.TrimSpace(stringValue), 10, 64)
			if err != nil {
				return err
			}
		}
	}
	v.exists = true
	v.value = int64Value
	return nil
}

// assign the power level if a value was present in the JSON.
func (v *levelJSONValue) assignIfExists(to *int64) {
	if v.exists {
		*to = v.value
	}
}
