package eventadmission

import (
	"context"
	"strings"
	"testing"
)

func TestValidatePDUValid(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	v := testValidator(store)

	pdu := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hello"},"origin_server_ts":7000,"depth":6,"prev_events":["$caroljoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$bobjoin:example.org"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventValid {
		t.Fatalf("outcome = %v (%s), want EventValid", result.Outcome, result.Reason)
	}
	if result.Event == nil || result.Event.ReceivedTS != 10000 {
		t.Error("validated event is missing its received timestamp")
	}
}

func TestValidatePDUIdempotent(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	v := testValidator(store)

	// Re-sending an already stored event succeeds and returns the stored
	// copy rather than processing it again.
	pdu := []byte(`{"event_id":"$caroljoin:example.org","room_id":"!room:example.org","sender":"@carol:example.org","type":"m.room.member","state_key":"@carol:example.org","content":{"membership":"join"},"origin_server_ts":6000,"depth":5,"prev_events":["$bobjoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$joinrules:example.org"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventValid {
		t.Fatalf("outcome = %v (%s), want EventValid", result.Outcome, result.Reason)
	}
	if result.Event != store.events["$caroljoin:example.org"] {
		t.Error("duplicate did not return the stored copy")
	}
}

func TestValidatePDUUnparsable(t *testing.T) {
	store := newMemStore()
	v := testValidator(store)
	result, err := v.ValidatePDU(context.Background(), []byte(`{"not json`), "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventRejected {
		t.Errorf("outcome = %v, want EventRejected", result.Outcome)
	}
}

func TestValidatePDURejectedByAuth(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	v := testValidator(store)

	// carol (level 30) kicks bob; the kick level is 50.
	pdu := []byte(`{"event_id":"$kick:example.org","room_id":"!room:example.org","sender":"@carol:example.org","type":"m.room.member","state_key":"@bob:example.org","content":{"membership":"leave"},"origin_server_ts":7000,"depth":6,"prev_events":["$caroljoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$caroljoin:example.org","$bobjoin:example.org"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventRejected {
		t.Fatalf("outcome = %v, want EventRejected", result.Outcome)
	}
	if !strings.Contains(result.Reason, "insufficient power level") {
		t.Errorf("unexpected rejection reason: %q", result.Reason)
	}
}

func TestValidatePDURejectedByDAG(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	v := testValidator(store)

	pdu := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hello"},"origin_server_ts":7000,"depth":9,"prev_events":["$caroljoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$bobjoin:example.org"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventRejected {
		t.Fatalf("outcome = %v, want EventRejected", result.Outcome)
	}
	if !strings.Contains(result.Reason, "bad depth") {
		t.Errorf("unexpected rejection reason: %q", result.Reason)
	}
}

func TestValidatePDUSoftFail(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)

	// Bob has since left: the current member state is leave, but the old
	// join event remains fetchable for auth_events resolution.
	bobLeave := mustEvent(t, `{"event_id":"$bobleave:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.member","state_key":"@bob:example.org","content":{"membership":"leave"},"origin_server_ts":6500,"depth":6,"prev_events":["$caroljoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$bobjoin:example.org"]}`)
	store.add(bobLeave)
	v := testValidator(store)

	// The message cites bob's join, so it is authorized against its cited
	// state, but bob is no longer joined in current state.
	pdu := []byte(`{"event_id":"$late:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"late"},"origin_server_ts":7000,"depth":7,"prev_events":["$bobleave:example.org"],"auth_events":["$create:example.org","$power:example.org","$bobjoin:example.org"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventSoftFailed {
		t.Fatalf("outcome = %v (%s), want EventSoftFailed", result.Outcome, result.Reason)
	}
	if result.Event == nil || !result.Event.SoftFailed {
		t.Error("soft-failed event is not marked as such")
	}
	if result.Reason == "" {
		t.Error("soft-fail carries no reason")
	}
}

func TestValidatePDUHashMismatch(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	v := testValidator(store)

	pdu := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hello"},"hashes":{"sha256":"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"},"origin_server_ts":7000,"depth":6,"prev_events":["$caroljoin:example.org"],"auth_events":["$create:example.org","$power:example.org","$bobjoin:example.org"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventRejected {
		t.Fatalf("outcome = %v, want EventRejected", result.Outcome)
	}
	if !strings.Contains(result.Reason, "hash mismatch") {
		t.Errorf("unexpected rejection reason: %q", result.Reason)
	}
}

func TestValidatePDUSizeLimit(t *testing.T) {
	store := newMemStore()
	store.addRoom("!big:example.org", RoomVersionV7)
	v := testValidator(store)

	// A version 7 room rejects events over 65535 canonical bytes.
	pdu := []byte(`{"room_id":"!big:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"` + strings.Repeat("x", 70000) + `"},"origin_server_ts":7000,"depth":1}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventRejected {
		t.Fatalf("outcome = %v, want EventRejected", result.Outcome)
	}
	if !strings.Contains(result.Reason, "too large") {
		t.Errorf("unexpected rejection reason: %q", result.Reason)
	}
}

func TestValidatePDUStrictIntegerRanges(t *testing.T) {
	store := newMemStore()
	store.addRoom("!strict:example.org", RoomVersionV6)
	v := testValidator(store)

	pdu := []byte(`{"room_id":"!strict:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"x"},"origin_server_ts":-5,"depth":1}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventRejected {
		t.Fatalf("outcome = %v, want EventRejected", result.Outcome)
	}
	if !strings.Contains(result.Reason, "origin_server_ts") {
		t.Errorf("unexpected rejection reason: %q", result.Reason)
	}
}

func TestValidatePDUMissingFields(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	v := testValidator(store)

	cases := map[string]string{
		"no room_id": `{"event_id":"$x:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"x"},"origin_server_ts":1}`,
		"no sender":  `{"event_id":"$x:example.org","room_id":"!room:example.org","type":"m.room.message","content":{"body":"x"},"origin_server_ts":1}`,
		"no type":    `{"event_id":"$x:example.org","room_id":"!room:example.org","sender":"@bob:example.org","content":{"body":"x"},"origin_server_ts":1}`,
		"no event_id in v1 room": `{"room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"x"},"origin_server_ts":1}`,
	}
	for name, pdu := range cases {
		t.Run(name, func(t *testing.T) {
			result, err := v.ValidatePDU(context.Background(), []byte(pdu), "example.org")
			if err != nil {
				t.Fatal(err)
			}
			if result.Outcome != EventRejected {
				t.Errorf("outcome = %v, want EventRejected", result.Outcome)
			}
		})
	}
}

func TestValidatePDUCreateEvent(t *testing.T) {
	store := newMemStore()
	v := testValidator(store)

	pdu := []byte(`{"event_id":"$create:new.org","room_id":"!fresh:new.org","sender":"@alice:new.org","type":"m.room.create","state_key":"","content":{"creator":"@alice:new.org"},"origin_server_ts":1000,"depth":0,"prev_events":[],"auth_events":[]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "new.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventValid {
		t.Errorf("outcome = %v (%s), want EventValid", result.Outcome, result.Reason)
	}
}

func TestValidatePDUDerivesEventID(t *testing.T) {
	store := newMemStore()
	store.addRoom("!v10:example.org", RoomVersionV10)
	// Minimal room history so the event authorizes: create and join,
	// stored with derived IDs.
	create := mustEvent(t, `{"room_id":"!v10:example.org","sender":"@alice:example.org","type":"m.room.create","state_key":"","content":{"creator":"@alice:example.org","room_version":"10"},"origin_server_ts":1000,"depth":0}`)
	if err := VerifyEventID(create, RoomVersionV10); err != nil {
		t.Fatal(err)
	}
	store.add(create)
	v := testValidator(store)

	pdu := []byte(`{"room_id":"!v10:example.org","sender":"@alice:example.org","type":"m.room.member","state_key":"@alice:example.org","content":{"membership":"join"},"origin_server_ts":2000,"depth":1,"prev_events":["` + create.EventID + `"],"auth_events":["` + create.EventID + `"]}`)
	result, err := v.ValidatePDU(context.Background(), pdu, "example.org")
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != EventValid {
		t.Fatalf("outcome = %v (%s), want EventValid", result.Outcome, result.Reason)
	}
	if !strings.HasPrefix(result.EventID, "$") || strings.Contains(result.EventID, ":") {
		t.Errorf("derived event ID %q does not look hash-derived", result.EventID)
	}
}
