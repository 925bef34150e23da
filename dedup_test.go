package eventadmission

import (
	"context"
	"testing"
)

func TestFindDuplicateExactID(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	d := NewDeduplicator(store, 1000)

	resent := mustEvent(t, `{"event_id":"$caroljoin:example.org","room_id":"!room:example.org","sender":"@carol:example.org","type":"m.room.member","state_key":"@carol:example.org","content":{"membership":"join"},"origin_server_ts":6000,"depth":5}`)
	duplicate, err := d.FindDuplicate(context.Background(), resent, RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate == nil || duplicate.EventID != "$caroljoin:example.org" {
		t.Errorf("FindDuplicate did not match on event ID, got %v", duplicate)
	}
}

func TestFindDuplicateContentHash(t *testing.T) {
	store := newMemStore()
	// Version 4 wire events carry no event_id; the ID is minted at
	// admission, so the stored raw bytes stay ID-free.
	rawJSON := `{"room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":5000,"depth":3}`
	stored := mustEvent(t, rawJSON)
	if err := VerifyEventID(stored, RoomVersionV4); err != nil {
		t.Fatal(err)
	}
	store.add(stored)
	d := NewDeduplicator(store, 1000)

	resent := mustEvent(t, rawJSON)
	duplicate, err := d.FindDuplicate(context.Background(), resent, RoomVersionV4)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate == nil || duplicate.EventID != stored.EventID {
		t.Errorf("FindDuplicate did not match on content hash, got %v", duplicate)
	}
}

func TestFindDuplicateStateRestated(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	d := NewDeduplicator(store, 1000)

	// Carol re-sends her join with a new ID and timestamp outside the
	// temporal window; the identical current state still catches it.
	restated := mustEvent(t, `{"event_id":"$newjoin:example.org","room_id":"!room:example.org","sender":"@carol:example.org","type":"m.room.member","state_key":"@carol:example.org","content":{"membership":"join"},"origin_server_ts":99000,"depth":6}`)
	duplicate, err := d.FindDuplicate(context.Background(), restated, RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate == nil || duplicate.EventID != "$caroljoin:example.org" {
		t.Errorf("FindDuplicate did not match restated state, got %v", duplicate)
	}
}

func TestFindDuplicateTemporalWindow(t *testing.T) {
	store := newMemStore()
	stored := mustEvent(t, `{"event_id":"$first:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":5000,"depth":3}`)
	store.add(stored)
	d := NewDeduplicator(store, 1000)

	within := mustEvent(t, `{"event_id":"$second:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":5800,"depth":3}`)
	duplicate, err := d.FindDuplicate(context.Background(), within, RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate == nil || duplicate.EventID != "$first:example.org" {
		t.Errorf("FindDuplicate did not match within the window, got %v", duplicate)
	}

	outside := mustEvent(t, `{"event_id":"$third:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":8000,"depth":3}`)
	duplicate, err = d.FindDuplicate(context.Background(), outside, RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate != nil {
		t.Errorf("FindDuplicate matched outside the window: %v", duplicate)
	}

	differentBody := mustEvent(t, `{"event_id":"$fourth:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"other"},"origin_server_ts":5100,"depth":3}`)
	duplicate, err = d.FindDuplicate(context.Background(), differentBody, RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate != nil {
		t.Errorf("FindDuplicate matched different content: %v", duplicate)
	}
}

func TestFindDuplicateNewEvent(t *testing.T) {
	store := newMemStore()
	testRoom(t, store)
	d := NewDeduplicator(store, 1000)

	fresh := mustEvent(t, `{"event_id":"$fresh:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"new"},"origin_server_ts":9000,"depth":6}`)
	duplicate, err := d.FindDuplicate(context.Background(), fresh, RoomVersionV1)
	if err != nil {
		t.Fatal(err)
	}
	if duplicate != nil {
		t.Errorf("FindDuplicate flagged a fresh event: %v", duplicate)
	}
}
