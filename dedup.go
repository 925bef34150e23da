package eventadmission

import (
	"bytes"
	"context"

	"github.com/sirupsen/logrus"
)

// A Deduplicator decides whether a candidate event duplicates one that is
// already stored. Detection runs in four tiers from cheapest to most
// speculative: exact event ID, content hash within the room, identical
// current state content, and finally identical content from the same
// sender within a short time window. Whichever tier matches first wins.
type Deduplicator struct {
	events   EventRepository
	windowMS int64
}

// NewDeduplicator returns a Deduplicator backed by the given repository.
// windowMS is the half-width of the temporal tier in milliseconds.
func NewDeduplicator(events EventRepository, windowMS int64) *Deduplicator {
	return &Deduplicator{events: events, windowMS: windowMS}
}

// FindDuplicate returns the stored event the candidate duplicates, or nil
// if the candidate is new. Repository failures are returned as errors and
// never treated as "no duplicate".
func (d *Deduplicator) FindDuplicate(ctx context.Context, event *Event, version RoomVersion) (*Event, error) {
	// Tier 1: exact event ID.
	if event.EventID != "" {
		existing, err := d.events.GetByID(ctx, event.EventID)
		if err != nil {
			return nil, DatabaseError{Err: err}
		}
		if existing != nil {
			return existing, nil
		}
	}

	// Tier 2: content hash within the room. Only meaningful for room
	// versions with hash-derived IDs, where the stored hash is trustworthy.
	if resolveRoomVersion(version).eventIDFormat != EventIDFormatV1 {
		hash, err := ContentHash(event.JSON())
		if err != nil {
			return nil, err
		}
		existing, err := d.events.GetByContentHash(ctx, event.RoomID, hash.Encode())
		if err != nil {
			return nil, DatabaseError{Err: err}
		}
		if existing != nil {
			return existing, nil
		}
	}

	// Tier 3: a state event that restates the current state verbatim.
	if event.IsState() {
		current, err := d.events.GetRoomStateByTypeAndKey(ctx, event.RoomID, event.Type, *event.StateKey)
		if err != nil {
			return nil, DatabaseError{Err: err}
		}
		if current != nil && current.Sender == event.Sender && identicalContent(current, event) {
			return current, nil
		}
	}

	// Tier 4: same sender, type and content within the temporal window.
	// Catches retransmissions that were re-minted with a fresh ID.
	fromTS := event.OriginServerTS - d.windowMS
	toTS := event.OriginServerTS + d.windowMS
	recent, err := d.events.GetRecentBySender(ctx, event.RoomID, event.Sender, event.Type, fromTS, toTS)
	if err != nil {
		return nil, DatabaseError{Err: err}
	}
	for _, candidate := range recent {
		if candidate.EventID == event.EventID {
			continue
		}
		if identicalContent(candidate, event) {
			logrus.WithFields(logrus.Fields{
				"event_id":    event.EventID,
				"existing_id": candidate.EventID,
				"room_id":     event.RoomID,
			}).Debug("Temporal duplicate detected")
			return candidate, nil
		}
	}

	return nil, nil
}

// identicalContent reports whether two events agree on type, state key and
// canonical content.
func identicalContent(a, b *Event) bool {
	if a.Type != b.Type {
		return false
	}
	if (a.StateKey == nil) != (b.StateKey == nil) {
		return false
	}
	if a.StateKey != nil && *a.StateKey != *b.StateKey {
		return false
	}
	aContent, err := CanonicalJSON(a.Content)
	if err != nil {
		return false
	}
	bContent, err := CanonicalJSON(b.Content)
	if err != nil {
		return false
	}
	return bytes.Equal(aContent, bContent)
}
