package eventadmission

import (
	"encoding/json"

	"github.com/matrix-org/util"

	"github.com/erebos-im/eventadmission/spec"
)

// SelectAuthEvents computes the auth event IDs an event of this shape
// should have cited, from the given auth state. The result is the
// admission-side counterpart of the selection the sending server performs
// when building the event, and comparing the two catches senders citing
// stale or foreign state.
func SelectAuthEvents(event *Event, state *AuthState) ([]string, error) {
	if event.Type == spec.MRoomCreate {
		// The create event authenticates against nothing.
		return nil, nil
	}

	selected := make([]string, 0, 5)
	appendEvent := func(e *Event) {
		if e != nil {
			selected = append(selected, e.EventID)
		}
	}

	appendEvent(state.CreateEvent())
	appendEvent(state.PowerLevelsEvent())
	appendEvent(state.MemberEvent(event.Sender))

	if event.Type == spec.MRoomMember && event.IsState() {
		var content struct {
			Membership       string                  `json:"membership"`
			ThirdPartyInvite *MemberThirdPartyInvite `json:"third_party_invite,omitempty"`
			AuthorisedVia    string                  `json:"join_authorised_via_users_server,omitempty"`
		}
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return nil, InvalidContentError{Reason: "unparsable member event content: " + err.Error()}
		}
		appendEvent(state.MemberEvent(*event.StateKey))
		switch content.Membership {
		case spec.Join, spec.Invite, spec.Knock:
			appendEvent(state.JoinRulesEvent())
		}
		if content.ThirdPartyInvite != nil {
			appendEvent(state.ThirdPartyInvite(content.ThirdPartyInvite.Signed.Token))
		}
		if content.AuthorisedVia != "" {
			appendEvent(state.MemberEvent(content.AuthorisedVia))
		}
	}

	return util.UniqueStrings(selected), nil
}
