package eventadmission

import (
	"context"

	"github.com/erebos-im/eventadmission/spec"
)

// A Room is the stored record for a room, as far as admission needs it.
type Room struct {
	RoomID      string
	RoomVersion RoomVersion
	// Federate is false if the room was created with federation disabled.
	Federate bool
}

// A Membership is the stored membership of a user in a room.
type Membership struct {
	RoomID     string
	UserID     string
	Membership string
	EventID    string
}

// A MembershipResponse is the answer a remote server gives when asked about
// a user's membership in one of its rooms.
type MembershipResponse struct {
	RoomID     string       `json:"room_id"`
	UserID     string       `json:"user_id"`
	Membership string       `json:"membership"`
	Event      spec.RawJSON `json:"event,omitempty"`
}

// An EventRepository provides access to stored room events. Lookups that
// find nothing return (nil, nil); an error always means the lookup itself
// failed.
type EventRepository interface {
	// GetByID returns the event with the given ID, from any room.
	GetByID(ctx context.Context, eventID string) (*Event, error)
	// GetRoomStateByType returns the current state events of the given type
	// in the room, one per state key.
	GetRoomStateByType(ctx context.Context, roomID, eventType string) ([]*Event, error)
	// GetRoomStateByTypeAndKey returns the current state event with the
	// given type and state key in the room.
	GetRoomStateByTypeAndKey(ctx context.Context, roomID, eventType, stateKey string) (*Event, error)
	// GetRoomCreateEvent returns the m.room.create event of the room.
	GetRoomCreateEvent(ctx context.Context, roomID string) (*Event, error)
	// GetByContentHash returns a stored event in the room whose content
	// hash equals the given unpadded base64 hash.
	GetByContentHash(ctx context.Context, roomID, contentHash string) (*Event, error)
	// GetRecentBySender returns events in the room sent by the given sender
	// with an origin_server_ts in [fromTS, toTS].
	GetRecentBySender(ctx context.Context, roomID, sender, eventType string, fromTS, toTS int64) ([]*Event, error)
}

// A RoomRepository provides access to stored room records.
type RoomRepository interface {
	// GetRoom returns the room with the given ID, or (nil, nil) if the room
	// is unknown.
	GetRoom(ctx context.Context, roomID string) (*Room, error)
}

// A MembershipRepository provides access to stored membership records.
type MembershipRepository interface {
	// GetByRoomUser returns the membership of the user in the room, or
	// (nil, nil) if the user has none.
	GetByRoomUser(ctx context.Context, roomID, userID string) (*Membership, error)
}

// An EventSigningEngine verifies the signatures carried by an event against
// the signing keys of the servers expected to have signed it.
type EventSigningEngine interface {
	// ValidateEventCrypto checks that the event carries a valid signature
	// from every server in servers.
	ValidateEventCrypto(ctx context.Context, event *Event, servers []string) error
}

// A FederationClient performs the outbound federation requests the
// admission pipeline needs.
type FederationClient interface {
	// QueryUserMembership asks the server authoritative for the given room
	// what the user's membership in it is.
	QueryUserMembership(ctx context.Context, serverName, roomID, userID string) (*MembershipResponse, error)
}
