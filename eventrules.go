package eventadmission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/ed25519"

	"github.com/erebos-im/eventadmission/spec"
)

// An EventTypeValidator applies the per-type authorization rules: the
// membership state machine for m.room.member, the structural rules for the
// distinguished state events, and the redaction rule. Restricted joins may
// consult local membership records and, failing those, the room's
// authoritative server over federation.
type EventTypeValidator struct {
	memberships MembershipRepository
	federation  FederationClient
	localServer string
}

// NewEventTypeValidator returns an EventTypeValidator. federation may be
// nil, in which case restricted join conditions are checked against local
// membership records only.
func NewEventTypeValidator(memberships MembershipRepository, federation FederationClient, localServer string) *EventTypeValidator {
	return &EventTypeValidator{
		memberships: memberships,
		federation:  federation,
		localServer: localServer,
	}
}

// ValidateEventType applies the rules specific to the event's type.
func (v *EventTypeValidator) ValidateEventType(ctx context.Context, event *Event, state *AuthState) error {
	switch event.Type {
	case spec.MRoomCreate:
		return v.validateCreate(event)
	case spec.MRoomMember:
		return v.validateMember(ctx, event, state)
	case spec.MRoomPowerLevels:
		return requireStateKey(event, "")
	case spec.MRoomJoinRules:
		return v.validateJoinRules(event)
	case spec.MRoomHistoryVisibility:
		return v.validateHistoryVisibility(event)
	case spec.MRoomRedaction:
		return v.validateRedaction(event, state)
	case spec.MRoomAliases:
		return v.validateAliases(event)
	default:
		return nil
	}
}

func requireStateKey(event *Event, stateKey string) error {
	if !event.StateKeyEquals(stateKey) {
		return InvalidContentError{Reason: fmt.Sprintf(
			"%s event must have state_key %q", event.Type, stateKey,
		)}
	}
	return nil
}

func (v *EventTypeValidator) validateCreate(event *Event) error {
	content, err := NewCreateContentFromEvent(event)
	if err != nil {
		return err
	}
	version := content.RoomVersionOrDefault()
	if resolveRoomVersion(version).requireEmptyCreateStateKey {
		if err := requireStateKey(event, ""); err != nil {
			return err
		}
	} else if !event.IsState() {
		return InvalidContentError{Reason: "m.room.create must be a state event"}
	}
	if len(event.PrevEvents) != 0 {
		return InvalidContentError{Reason: "m.room.create must not have prev_events"}
	}
	if len(event.AuthEvents) != 0 {
		return InvalidContentError{Reason: "m.room.create must not have auth_events"}
	}
	if content.Creator == "" {
		return InvalidContentError{Reason: "m.room.create must have a creator"}
	}
	senderDomain, err := domainFromID(event.Sender)
	if err != nil {
		return InvalidSenderError{Sender: event.Sender}
	}
	roomDomain, err := domainFromID(event.RoomID)
	if err != nil {
		return InvalidContentError{Reason: "malformed room_id"}
	}
	if senderDomain != roomDomain {
		return AccessDeniedError{Reason: fmt.Sprintf(
			"create event sender domain %q does not match room domain %q",
			senderDomain, roomDomain,
		)}
	}
	return nil
}

func (v *EventTypeValidator) validateJoinRules(event *Event) error {
	if err := requireStateKey(event, ""); err != nil {
		return err
	}
	content, err := NewJoinRuleContentFromEvent(event)
	if err != nil {
		return err
	}
	switch content.JoinRule {
	case spec.Public, spec.Invite, spec.Private, spec.Knock,
		spec.Restricted, spec.KnockRestricted:
		return nil
	default:
		return InvalidContentError{Reason: fmt.Sprintf("unknown join rule %q", content.JoinRule)}
	}
}

func (v *EventTypeValidator) validateHistoryVisibility(event *Event) error {
	if err := requireStateKey(event, ""); err != nil {
		return err
	}
	var content HistoryVisibilityContent
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return InvalidContentError{Reason: "unparsable history_visibility event content: " + err.Error()}
	}
	switch content.HistoryVisibility {
	case spec.WorldReadable, spec.Shared, spec.Invited, spec.Joined:
		return nil
	default:
		return InvalidContentError{Reason: fmt.Sprintf(
			"unknown history visibility %q", content.HistoryVisibility,
		)}
	}
}

// validateRedaction applies the federation redaction rule: the sender needs
// either the room's redact level, or to share a domain with the event being
// redacted. The latter only works for room versions where event IDs carry a
// domain; hash-derived IDs defer the decision until the redacted event is
// fetched.
func (v *EventTypeValidator) validateRedaction(event *Event, state *AuthState) error {
	if event.Redacts == "" {
		return InvalidContentError{Reason: "m.room.redaction must have a redacts key"}
	}
	senderLevel := state.UserLevel(event.Sender)
	redactLevel := state.PowerLevels.Redact
	if senderLevel >= redactLevel {
		return nil
	}
	senderDomain, err := domainFromID(event.Sender)
	if err != nil {
		return InvalidSenderError{Sender: event.Sender}
	}
	if redactDomain, err := domainFromID(event.Redacts); err == nil && redactDomain == senderDomain {
		// Servers may always redact their own events.
		return nil
	}
	return InsufficientPowerLevelError{Required: redactLevel, Actual: senderLevel}
}

func (v *EventTypeValidator) validateAliases(event *Event) error {
	if !event.IsState() {
		return InvalidContentError{Reason: "m.room.aliases must be a state event"}
	}
	senderDomain, err := domainFromID(event.Sender)
	if err != nil {
		return InvalidSenderError{Sender: event.Sender}
	}
	if *event.StateKey != senderDomain {
		return AccessDeniedError{Reason: fmt.Sprintf(
			"alias state_key %q does not match sender domain %q",
			*event.StateKey, senderDomain,
		)}
	}
	var content struct {
		Aliases []string `json:"aliases"`
	}
	if err := json.Unmarshal(event.Content, &content); err != nil {
		return InvalidContentError{Reason: "unparsable aliases event content: " + err.Error()}
	}
	for _, alias := range content.Aliases {
		if !wellFormedRoomAlias(alias) {
			return InvalidContentError{Reason: fmt.Sprintf("%q is not a room alias", alias)}
		}
	}
	return nil
}

// membershipAllower carries the information needed to authenticate one
// m.room.member event.
type membershipAllower struct {
	validator *EventTypeValidator
	state     *AuthState
	// The user ID of the user whose membership is changing.
	targetID string
	// The user ID of the user who sent the membership event.
	senderID string
	// The membership of the user who sent the membership event.
	senderMember MemberContent
	// The previous membership of the user whose membership is changing.
	oldMember MemberContent
	// The new membership of the user if this event is accepted.
	newMember        MemberContent
	thirdPartyInvite ThirdPartyInviteContent
	joinRule         JoinRuleContent
}

func (v *EventTypeValidator) validateMember(ctx context.Context, event *Event, state *AuthState) error {
	if !event.IsState() {
		return InvalidContentError{Reason: "m.room.member must be a state event"}
	}
	m := membershipAllower{
		validator: v,
		state:     state,
		targetID:  *event.StateKey,
		senderID:  event.Sender,
		joinRule:  state.JoinRules,
	}
	if !wellFormedUserID(m.targetID) {
		return InvalidContentError{Reason: fmt.Sprintf("state_key %q is not a user ID", m.targetID)}
	}
	var err error
	if m.newMember, err = NewMemberContentFromEvent(event); err != nil {
		return err
	}
	if m.newMember.Membership == "" {
		return InvalidContentError{Reason: "missing membership field"}
	}
	m.oldMember = memberContentFromState(state, m.targetID)
	m.senderMember = memberContentFromState(state, m.senderID)
	if m.newMember.ThirdPartyInvite != nil {
		token := m.newMember.ThirdPartyInvite.Signed.Token
		inviteEvent := state.ThirdPartyInvite(token)
		if inviteEvent == nil {
			return MissingAuthEventError{AuthEventID: spec.MRoomThirdPartyInvite + "/" + token, ForEventID: event.EventID}
		}
		if err = json.Unmarshal(inviteEvent.Content, &m.thirdPartyInvite); err != nil {
			return InvalidContentError{Reason: "unparsable third party invite event content: " + err.Error()}
		}
	}
	return m.membershipAllowed(ctx, event)
}

func memberContentFromState(state *AuthState, userID string) MemberContent {
	memberEvent := state.MemberEvent(userID)
	if memberEvent == nil {
		return MemberContent{Membership: spec.Leave}
	}
	content, err := NewMemberContentFromEvent(memberEvent)
	if err != nil {
		return MemberContent{Membership: spec.Leave}
	}
	return content
}

// membershipAllowed checks whether the membership event is allowed.
func (m *membershipAllower) membershipAllowed(ctx context.Context, event *Event) error {
	if err := m.state.Create.UserIDAllowed(m.targetID); err != nil {
		return err
	}

	// Special case the first join event in the room to allow the creator to
	// join. Without it nobody could ever enter a non-public room.
	if m.targetID == m.state.Create.Creator &&
		m.newMember.Membership == spec.Join &&
		m.senderID == m.targetID &&
		len(event.PrevEvents) == 1 &&
		event.PrevEvents[0] == m.state.Create.eventID {
		return nil
	}

	if m.newMember.Membership == spec.Invite && m.newMember.ThirdPartyInvite != nil {
		return m.membershipAllowedFromThirdPartyInvite()
	}

	if m.targetID == m.senderID {
		// The state_key and the sender are the same, so this is an attempt
		// by a user to update their own membership.
		return m.membershipAllowedSelf(ctx, event)
	}
	return m.membershipAllowedOther()
}

// membershipAllowedSelf determines if the change made by the user to their
// own membership is allowed.
func (m *membershipAllower) membershipAllowedSelf(ctx context.Context, event *Event) error {
	// Leave -> Leave is benign and widely produced in the wild, so it is
	// accepted even though it changes nothing.
	if m.oldMember.Membership == spec.Leave && m.newMember.Membership == spec.Leave {
		return nil
	}

	switch m.newMember.Membership {
	case spec.Knock:
		if m.joinRule.JoinRule != spec.Knock && m.joinRule.JoinRule != spec.KnockRestricted {
			return ForbiddenError{Reason: fmt.Sprintf(
				"join rule %q does not allow knocking", m.joinRule.JoinRule,
			)}
		}
		switch m.oldMember.Membership {
		case spec.Join, spec.Invite, spec.Ban:
			return InvalidMembershipTransitionError{From: m.oldMember.Membership, To: spec.Knock}
		}
		if m.joinRule.JoinRule == spec.KnockRestricted {
			return m.validator.checkAllowConditions(ctx, m.joinRule.Allow, m.targetID)
		}
		return nil

	case spec.Join:
		// An invited user is always allowed to join, regardless of the join
		// rule, and a joined user may update their join.
		if m.oldMember.Membership == spec.Invite || m.oldMember.Membership == spec.Join {
			return nil
		}
		if m.oldMember.Membership == spec.Ban {
			return InvalidMembershipTransitionError{From: spec.Ban, To: spec.Join}
		}
		switch m.joinRule.JoinRule {
		case spec.Public:
			return nil
		case spec.Restricted, spec.KnockRestricted:
			return m.restrictedJoinAllowed(ctx, event)
		default:
			return ForbiddenError{Reason: fmt.Sprintf(
				"join rule %q forbids joining without an invite", m.joinRule.JoinRule,
			)}
		}

	case spec.Leave:
		switch m.oldMember.Membership {
		case spec.Join, spec.Invite, spec.Knock:
			// Leaving, rejecting an invite, or withdrawing a knock.
			return nil
		default:
			return InvalidMembershipTransitionError{From: m.oldMember.Membership, To: spec.Leave}
		}

	case spec.Invite, spec.Ban:
		return InvalidMembershipTransitionError{From: m.oldMember.Membership, To: m.newMember.Membership}

	default:
		return InvalidContentError{Reason: fmt.Sprintf(
			"membership %q is unknown", m.newMember.Membership,
		)}
	}
}

// restrictedJoinAllowed decides a join against a restricted or
// knock_restricted join rule. If the event nominates an authorising user
// via join_authorised_via_users_server, that user must be joined and able
// to invite. Otherwise the allow conditions are checked directly against
// membership records.
func (m *membershipAllower) restrictedJoinAllowed(ctx context.Context, event *Event) error {
	if m.newMember.AuthorisedVia != "" {
		if !wellFormedUserID(m.newMember.AuthorisedVia) {
			return InvalidContentError{Reason: fmt.Sprintf(
				"join_authorised_via_users_server contains an invalid value %q",
				m.newMember.AuthorisedVia,
			)}
		}
		otherMember := m.state.MemberEvent(m.newMember.AuthorisedVia)
		if otherMember == nil {
			return ForbiddenError{Reason: fmt.Sprintf(
				"no membership event for authorising user %q", m.newMember.AuthorisedVia,
			)}
		}
		otherMembership, err := otherMember.Membership()
		if err != nil || otherMembership != spec.Join {
			return ForbiddenError{Reason: fmt.Sprintf(
				"authorising user %q is not joined to the room", m.newMember.AuthorisedVia,
			)}
		}
		if pl := m.state.UserLevel(m.newMember.AuthorisedVia); pl < m.state.PowerLevels.Invite {
			return InsufficientPowerLevelError{Required: m.state.PowerLevels.Invite, Actual: pl}
		}
		return nil
	}
	return m.validator.checkAllowConditions(ctx, m.joinRule.Allow, m.targetID)
}

// checkAllowConditions walks the allow conditions of a restricted room and
// succeeds if the user is joined to any of the referenced rooms. Local
// membership records are consulted first; rooms we know nothing about are
// queried over federation when a client is available.
func (v *EventTypeValidator) checkAllowConditions(ctx context.Context, allow []JoinRuleContentAllowRule, userID string) error {
	for _, rule := range allow {
		if rule.Type != "m.room_membership" || rule.RoomID == "" {
			continue
		}
		membership, err := v.memberships.GetByRoomUser(ctx, rule.RoomID, userID)
		if err != nil {
			return DatabaseError{Err: err}
		}
		if membership != nil {
			if membership.Membership == spec.Join {
				return nil
			}
			continue
		}
		if v.federation == nil {
			continue
		}
		serverName, err := domainFromID(rule.RoomID)
		if err != nil || serverName == v.localServer {
			continue
		}
		response, err := v.federation.QueryUserMembership(ctx, serverName, rule.RoomID, userID)
		if err != nil {
			// An unreachable server cannot satisfy the condition; keep
			// trying the rest.
			continue
		}
		if response != nil && response.Membership == spec.Join {
			return nil
		}
	}
	return ForbiddenError{Reason: "not joined to any room named by the restricted join rule"}
}

// membershipAllowedFromThirdPartyInvite determines if the member event is
// following up the third_party_invite event it claims.
func (m *membershipAllower) membershipAllowedFromThirdPartyInvite() error {
	if m.targetID != m.newMember.ThirdPartyInvite.Signed.MXID {
		return AccessDeniedError{Reason: fmt.Sprintf(
			"invite target %s does not match the Matrix ID %s provided by the identity server",
			m.targetID, m.newMember.ThirdPartyInvite.Signed.MXID,
		)}
	}
	marshalledSigned, err := json.Marshal(m.newMember.ThirdPartyInvite.Signed)
	if err != nil {
		return JSONError{Err: err}
	}
	// Accept the event if any signature verifies with any of the invite's
	// public keys.
	keys := m.thirdPartyInvite.PublicKeys
	if m.thirdPartyInvite.PublicKey != "" {
		var legacy spec.Base64Bytes
		if err := legacy.Decode(m.thirdPartyInvite.PublicKey); err == nil {
			keys = append(keys, PublicKey{PublicKey: legacy})
		}
	}
	for _, publicKey := range keys {
		for domain, signatures := range m.newMember.ThirdPartyInvite.Signed.Signatures {
			for keyID := range signatures {
				if strings.HasPrefix(keyID, "ed25519") {
					if verifySignedJSON(domain, keyID, ed25519.PublicKey(publicKey.PublicKey), marshalledSigned) == nil {
						return nil
					}
				}
			}
		}
	}
	return AccessDeniedError{Reason: "could not verify signature on third-party invite for " + m.targetID}
}

// membershipAllowedOther determines if the user is allowed to change the
// membership of another user.
func (m *membershipAllower) membershipAllowedOther() error {
	senderLevel := m.state.UserLevel(m.senderID)
	targetLevel := m.state.UserLevel(m.targetID)

	// Only joined users may modify the membership of others.
	if m.senderMember.Membership != spec.Join {
		return AccessDeniedError{Reason: fmt.Sprintf("sender %q is not in the room", m.senderID)}
	}

	switch m.newMember.Membership {
	case spec.Ban:
		if senderLevel >= m.state.PowerLevels.Ban && senderLevel > targetLevel {
			return nil
		}
		if senderLevel < m.state.PowerLevels.Ban {
			return InsufficientPowerLevelError{Required: m.state.PowerLevels.Ban, Actual: senderLevel}
		}
		return InsufficientPowerLevelError{Required: targetLevel + 1, Actual: senderLevel}

	case spec.Leave:
		if m.oldMember.Membership == spec.Ban {
			// Unbanning requires the ban level but, unlike kicking, no
			// comparison against the target's own level.
			if senderLevel >= m.state.PowerLevels.Ban {
				return nil
			}
			return InsufficientPowerLevelError{Required: m.state.PowerLevels.Ban, Actual: senderLevel}
		}
		if senderLevel >= m.state.PowerLevels.Kick && senderLevel > targetLevel {
			return nil
		}
		if senderLevel < m.state.PowerLevels.Kick {
			return InsufficientPowerLevelError{Required: m.state.PowerLevels.Kick, Actual: senderLevel}
		}
		return InsufficientPowerLevelError{Required: targetLevel + 1, Actual: senderLevel}

	case spec.Invite:
		if senderLevel < m.state.PowerLevels.Invite {
			return InsufficientPowerLevelError{Required: m.state.PowerLevels.Invite, Actual: senderLevel}
		}
		switch m.oldMember.Membership {
		case spec.Join, spec.Ban:
			return InvalidMembershipTransitionError{From: m.oldMember.Membership, To: spec.Invite}
		default:
			return nil
		}

	case spec.Knock, spec.Join:
		return InvalidMembershipTransitionError{From: m.oldMember.Membership, To: m.newMember.Membership}

	default:
		return InvalidContentError{Reason: fmt.Sprintf(
			"membership %q is unknown", m.newMember.Membership,
		)}
	}
}
