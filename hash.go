package eventadmission

import (
	"crypto/sha256"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/erebos-im/eventadmission/spec"
)

// ContentHash computes the SHA-256 content hash of an event from its wire
// bytes. The hash covers the canonical JSON of the event with the
// signatures, unsigned and hashes keys removed.
func ContentHash(eventJSON []byte) (spec.Base64Bytes, error) {
	preimage, err := stripKeys(eventJSON, "signatures", "unsigned", "hashes")
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(preimage)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

// referenceHash computes the SHA-256 reference hash of an event, the value
// hash-derived event IDs are minted from. Unlike the content hash it covers
// the hashes key, so it pins the content hash too. The event_id key is also
// removed: wire PDUs in hash-derived rooms do not carry one, and a stored
// copy that does must still produce the same reference.
func referenceHash(eventJSON []byte) (spec.Base64Bytes, error) {
	preimage, err := stripKeys(eventJSON, "signatures", "unsigned", "event_id")
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(preimage)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(canonical)
	return sum[:], nil
}

func stripKeys(eventJSON []byte, keys ...string) ([]byte, error) {
	var err error
	for _, key := range keys {
		if eventJSON, err = sjson.DeleteBytes(eventJSON, key); err != nil {
			return nil, JSONError{Err: err}
		}
	}
	return eventJSON, nil
}

// EventIDForVersion derives the event ID of the given wire bytes for room
// versions that use hash-derived IDs. It returns an empty string for
// version 1 format rooms, whose IDs are minted by the sending server.
func EventIDForVersion(eventJSON []byte, version RoomVersion) (string, error) {
	impl := resolveRoomVersion(version)
	if impl.eventIDFormat == EventIDFormatV1 {
		return "", nil
	}
	reference, err := referenceHash(eventJSON)
	if err != nil {
		return "", err
	}
	switch impl.eventIDFormat {
	case EventIDFormatV2:
		return "$" + reference.Encode(), nil
	default:
		return "$" + reference.EncodeURL(), nil
	}
}

// VerifyContentHash checks that the sha256 entry of the event's hashes key
// matches the hash recomputed from the event. Events without a sha256 hash
// pass: redacted copies legitimately lack one, and the event ID check pins
// the hashes key in hash-derived rooms anyway.
func VerifyContentHash(event *Event) error {
	declared := gjson.GetBytes(event.Hashes, "sha256")
	if !declared.Exists() {
		return nil
	}
	var declaredHash spec.Base64Bytes
	if err := declaredHash.Decode(declared.String()); err != nil {
		return InvalidFormatError{Message: "hashes.sha256 is not valid base64"}
	}
	computed, err := ContentHash(event.JSON())
	if err != nil {
		return err
	}
	if string(declaredHash) != string(computed) {
		return HashMismatchError{
			Expected: declaredHash.Encode(),
			Actual:   computed.Encode(),
		}
	}
	return nil
}

// VerifyEventID checks that the event's ID is well formed for the room
// version and, for hash-derived formats, that it matches the ID recomputed
// from the event bytes. When the wire PDU carries no event_id in a
// hash-derived room, the derived ID is written into the event.
func VerifyEventID(event *Event, version RoomVersion) error {
	impl := resolveRoomVersion(version)
	if impl.eventIDFormat == EventIDFormatV1 {
		if !wellFormedEventID(event.EventID) {
			return InvalidFormatError{Message: "malformed event_id"}
		}
		return nil
	}
	derived, err := EventIDForVersion(event.JSON(), version)
	if err != nil {
		return err
	}
	if event.EventID == "" {
		event.EventID = derived
		return nil
	}
	if event.EventID != derived {
		return HashMismatchError{Expected: event.EventID, Actual: derived}
	}
	return nil
}
