package eventadmission

import (
	"context"
	"testing"
	"time"
)

// memStore is an in-memory implementation of the repository interfaces used
// across the tests.
type memStore struct {
	events      map[string]*Event
	state       map[string]map[StateKeyTuple]*Event
	rooms       map[string]*Room
	memberships map[string]map[string]*Membership
}

func newMemStore() *memStore {
	return &memStore{
		events:      map[string]*Event{},
		state:       map[string]map[StateKeyTuple]*Event{},
		rooms:       map[string]*Room{},
		memberships: map[string]map[string]*Membership{},
	}
}

// add stores an event and, if it is a state event, makes it the current
// state for its (type, state_key).
func (s *memStore) add(e *Event) {
	s.events[e.EventID] = e
	if e.IsState() {
		if s.state[e.RoomID] == nil {
			s.state[e.RoomID] = map[StateKeyTuple]*Event{}
		}
		s.state[e.RoomID][StateKeyTuple{e.Type, *e.StateKey}] = e
	}
}

func (s *memStore) addRoom(roomID string, version RoomVersion) {
	s.rooms[roomID] = &Room{RoomID: roomID, RoomVersion: version, Federate: true}
}

func (s *memStore) addMembership(roomID, userID, membership string) {
	if s.memberships[roomID] == nil {
		s.memberships[roomID] = map[string]*Membership{}
	}
	s.memberships[roomID][userID] = &Membership{RoomID: roomID, UserID: userID, Membership: membership}
}

func (s *memStore) GetByID(ctx context.Context, eventID string) (*Event, error) {
	return s.events[eventID], nil
}

func (s *memStore) GetRoomStateByType(ctx context.Context, roomID, eventType string) ([]*Event, error) {
	var result []*Event
	for tuple, e := range s.state[roomID] {
		if tuple.EventType == eventType {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *memStore) GetRoomStateByTypeAndKey(ctx context.Context, roomID, eventType, stateKey string) (*Event, error) {
	return s.state[roomID][StateKeyTuple{eventType, stateKey}], nil
}

func (s *memStore) GetRoomCreateEvent(ctx context.Context, roomID string) (*Event, error) {
	return s.state[roomID][StateKeyTuple{"m.room.create", ""}], nil
}

func (s *memStore) GetByContentHash(ctx context.Context, roomID, contentHash string) (*Event, error) {
	for _, e := range s.events {
		if e.RoomID != roomID {
			continue
		}
		hash, err := ContentHash(e.JSON())
		if err != nil {
			continue
		}
		if hash.Encode() == contentHash {
			return e, nil
		}
	}
	return nil, nil
}

func (s *memStore) GetRecentBySender(ctx context.Context, roomID, sender, eventType string, fromTS, toTS int64) ([]*Event, error) {
	var result []*Event
	for _, e := range s.events {
		if e.RoomID == roomID && e.Sender == sender && e.Type == eventType &&
			e.OriginServerTS >= fromTS && e.OriginServerTS <= toTS {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *memStore) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	return s.rooms[roomID], nil
}

func (s *memStore) GetByRoomUser(ctx context.Context, roomID, userID string) (*Membership, error) {
	return s.memberships[roomID][userID], nil
}

// fakeFederation answers membership queries from a fixed table keyed by
// roomID + "/" + userID.
type fakeFederation struct {
	memberships map[string]string
}

func (f *fakeFederation) QueryUserMembership(ctx context.Context, serverName, roomID, userID string) (*MembershipResponse, error) {
	membership, ok := f.memberships[roomID+"/"+userID]
	if !ok {
		return nil, nil
	}
	return &MembershipResponse{RoomID: roomID, UserID: userID, Membership: membership}, nil
}

func mustEvent(t *testing.T, rawJSON string) *Event {
	t.Helper()
	event, err := NewEventFromJSON([]byte(rawJSON))
	if err != nil {
		t.Fatalf("failed to parse test event: %s", err)
	}
	return event
}

// testRoom populates a version 1 room with a create event, a public join
// rule, a power levels event and three joined members:
// alice (100, the creator), bob (50) and carol (30).
func testRoom(t *testing.T, store *memStore) {
	t.Helper()
	store.addRoom("!room:example.org", RoomVersionV1)
	for _, raw := range []string{
		`{"event_id":"$create:example.org","room_id":"!room:example.org","sender":"@alice:example.org","type":"m.room.create","state_key":"","content":{"creator":"@alice:example.org"},"origin_server_ts":1000,"depth":0,"prev_events":[],"auth_events":[]}`,
		`{"event_id":"$alicejoin:example.org","room_id":"!room:example.org","sender":"@alice:example.org","type":"m.room.member","state_key":"@alice:example.org","content":{"membership":"join"},"origin_server_ts":2000,"depth":1,"prev_events":["$create:example.org"],"auth_events":["$create:example.org"]}`,
		`{"event_id":"$power:example.org","room_id":"!room:example.org","sender":"@alice:example.org","type":"m.room.power_levels","state_key":"","content":{"ban":50,"kick":50,"redact":50,"invite":0,"state_default":50,"events_default":0,"users_default":0,"users":{"@alice:example.org":100,"@bob:example.org":50,"@carol:example.org":30}},"origin_server_ts":3000,"depth":2,"prev_events":["$alicejoin:example.org"],"auth_events":["$create:example.org","$alicejoin:example.org"]}`,
		`{"event_id":"$joinrules:example.org","room_id":"!room:example.org","sender":"@alice:example.org","type":"m.room.join_rules","state_key":"","content":{"join_rule":"public"},"origin_server_ts":4000,"depth":3,"prev_events":["$power:example.org"],"auth_events":["$create:example.org","$alicejoin:example.org","$power:example.org"]}`,
		`{"event_id":"$bobjoin:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.member","state_key":"@bob:example.org","content":{"membership":"join"},"origin_server_ts":5000,"depth":4,"prev_events":["$joinrules:example.org"],"auth_events":["$create:example.org","$power:example.org","$joinrules:example.org"]}`,
		`{"event_id":"$caroljoin:example.org","room_id":"!room:example.org","sender":"@carol:example.org","type":"m.room.member","state_key":"@carol:example.org","content":{"membership":"join"},"origin_server_ts":6000,"depth":5,"prev_events":["$bobjoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$joinrules:example.org"]}`,
	} {
		store.add(mustEvent(t, raw))
	}
}

func testValidator(store *memStore) *PDUValidator {
	v := NewPDUValidator(store, store, store, nil, nil, DefaultConfig("example.org"))
	v.now = func() time.Time { return time.UnixMilli(10000) }
	return v
}
