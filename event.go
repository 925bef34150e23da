package eventadmission

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/erebos-im/eventadmission/spec"
)

// An EventIDList is an ordered list of event IDs. Room versions 1 and 2
// transmit prev_events and auth_events as [event_id, {hashes}] pairs while
// later versions use bare strings; both wire forms decode to the bare IDs.
type EventIDList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *EventIDList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		var id string
		if err := json.Unmarshal(item, &id); err == nil {
			ids = append(ids, id)
			continue
		}
		var pair []json.RawMessage
		if err := json.Unmarshal(item, &pair); err != nil || len(pair) == 0 {
			return fmt.Errorf("malformed event reference: %s", string(item))
		}
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return fmt.Errorf("malformed event reference: %s", string(item))
		}
		ids = append(ids, id)
	}
	*l = ids
	return nil
}

// An Event is a single federated room event in the form it is admitted by
// the validation pipeline. The JSON fields mirror the federation wire
// format; the remaining fields are local annotations that are never part of
// the signed payload.
type Event struct {
	EventID        string       `json:"event_id,omitempty"`
	RoomID         string       `json:"room_id"`
	Sender         string       `json:"sender"`
	Type           string       `json:"type"`
	Content        spec.RawJSON `json:"content"`
	StateKey       *string      `json:"state_key,omitempty"`
	OriginServerTS int64        `json:"origin_server_ts"`
	Depth          *int64       `json:"depth,omitempty"`
	PrevEvents     EventIDList  `json:"prev_events,omitempty"`
	AuthEvents     EventIDList  `json:"auth_events,omitempty"`
	Hashes         spec.RawJSON `json:"hashes,omitempty"`
	Signatures     spec.RawJSON `json:"signatures,omitempty"`
	Redacts        string       `json:"redacts,omitempty"`
	Unsigned       spec.RawJSON `json:"unsigned,omitempty"`

	// Local annotations. An outlier was accepted without full local context
	// and is exempt from some existence checks. A soft-failed event is kept
	// but excluded from active room state.
	Outlier        bool   `json:"-"`
	SoftFailed     bool   `json:"-"`
	RejectedReason string `json:"-"`
	ReceivedTS     int64  `json:"-"`

	// The wire bytes the event was parsed from, used for hashing and
	// signature checks so that unknown keys survive a round trip.
	raw []byte
}

// NewEventFromJSON parses an event from its federation wire bytes. The raw
// bytes are retained so that hashing and signature verification operate on
// exactly what was received.
func NewEventFromJSON(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, JSONError{Err: err}
	}
	e.raw = raw
	return &e, nil
}

// JSON returns the wire bytes of the event. Events parsed from JSON return
// the original payload; locally constructed events are marshalled.
func (e *Event) JSON() []byte {
	if e.raw != nil {
		return e.raw
	}
	data, err := json.Marshal(e)
	if err != nil {
		// Marshalling can only fail on unsupported value kinds, which the
		// Event struct does not contain.
		panic(fmt.Sprintf("eventadmission: failed to marshal event: %v", err))
	}
	return data
}

// Membership returns the value of the "membership" key of the event
// content. It returns an error if the event is not an m.room.member event
// or if the content is missing the key.
func (e *Event) Membership() (string, error) {
	if e.Type != spec.MRoomMember {
		return "", InvalidContentError{Reason: "not an m.room.member event"}
	}
	membership := gjson.GetBytes(e.Content, "membership")
	if !membership.Exists() || membership.Type != gjson.String {
		return "", InvalidContentError{Reason: "missing membership field"}
	}
	return membership.String(), nil
}

// StateKeyEquals returns true if the event is a state event and its state
// key equals s.
func (e *Event) StateKeyEquals(s string) bool {
	return e.StateKey != nil && *e.StateKey == s
}

// IsState returns true if the event is a state event.
func (e *Event) IsState() bool {
	return e.StateKey != nil
}

// DepthValue returns the declared depth of the event, or zero if the event
// carries no depth.
func (e *Event) DepthValue() int64 {
	if e.Depth == nil {
		return 0
	}
	return *e.Depth
}

// wellFormedEventID reports whether the given string is plausibly an event
// ID: a "$" sigil followed by at least one character.
func wellFormedEventID(id string) bool {
	return len(id) > 1 && id[0] == '$'
}

// wellFormedRoomID reports whether the given string is plausibly a room ID.
func wellFormedRoomID(id string) bool {
	return len(id) > 1 && id[0] == '!'
}

// wellFormedUserID reports whether the given string is plausibly a user ID:
// an "@" sigil and a ":" separating localpart from domain.
func wellFormedUserID(id string) bool {
	return len(id) > 1 && id[0] == '@' && strings.IndexByte(id, ':') != -1
}

// wellFormedRoomAlias reports whether the given string is plausibly a room
// alias: a "#" sigil and a ":" separating localpart from domain.
func wellFormedRoomAlias(alias string) bool {
	return len(alias) > 1 && alias[0] == '#' && strings.IndexByte(alias, ':') != -1
}

// domainFromID returns everything after the first ":" character to extract
// the domain part of a matrix ID.
func domainFromID(id string) (string, error) {
	// IDs have the format: SIGIL LOCALPART ":" DOMAIN
	// Split on the first ":" character since the domain can contain ":"
	// characters.
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		return "", InvalidFormatError{Message: fmt.Sprintf("invalid ID: %q", id)}
	}
	return parts[1], nil
}
