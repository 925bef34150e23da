package eventadmission

import (
	"github.com/sirupsen/logrus"
)

// RoomVersion refers to the room version for a specific room.
type RoomVersion string

// EventIDFormat says what format an event ID is.
type EventIDFormat int

// Room version constants. These are strings because the version grammar
// allows spaces.
const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// Event ID formats.
const (
	// EventIDFormatV1 is the original format "$localpart:domain" where the
	// ID is minted by the sending server.
	EventIDFormatV1 EventIDFormat = iota + 1
	// EventIDFormatV2 is "$" followed by the unpadded standard base64 of the
	// event's reference hash.
	EventIDFormatV2
	// EventIDFormatV3 is "$" followed by the unpadded URL-safe base64 of the
	// event's reference hash.
	EventIDFormatV3
)

// roomVersionImpl records the behaviours that vary between room versions.
type roomVersionImpl struct {
	eventIDFormat              EventIDFormat
	requireEmptyCreateStateKey bool
	strictIntegerRanges        bool
	enforceSignatureChecks     bool
	requireIntegerPowerLevels  bool
	// Size limits in canonical JSON bytes. Zero means unlimited.
	maxEventBytes      int
	maxStateEventBytes int
}

var roomVersionMeta = map[RoomVersion]roomVersionImpl{
	RoomVersionV1: {
		eventIDFormat: EventIDFormatV1,
	},
	RoomVersionV2: {
		eventIDFormat: EventIDFormatV1,
	},
	RoomVersionV3: {
		eventIDFormat:              EventIDFormatV2,
		requireEmptyCreateStateKey: true,
	},
	RoomVersionV4: {
		eventIDFormat:              EventIDFormatV3,
		requireEmptyCreateStateKey: true,
	},
	RoomVersionV5: {
		eventIDFormat:              EventIDFormatV3,
		requireEmptyCreateStateKey: true,
		strictIntegerRanges:        true,
		enforceSignatureChecks:     true,
		requireIntegerPowerLevels:  true,
	},
	RoomVersionV6: {
		eventIDFormat:              EventIDFormatV3,
		requireEmptyCreateStateKey: true,
		strictIntegerRanges:        true,
		enforceSignatureChecks:     true,
		requireIntegerPowerLevels:  true,
	},
	RoomVersionV7:  roomVersionV7Plus(),
	RoomVersionV8:  roomVersionV7Plus(),
	RoomVersionV9:  roomVersionV7Plus(),
	RoomVersionV10: roomVersionV7Plus(),
	RoomVersionV11: roomVersionV7Plus(),
}

func roomVersionV7Plus() roomVersionImpl {
	return roomVersionImpl{
		eventIDFormat:              EventIDFormatV3,
		requireEmptyCreateStateKey: true,
		strictIntegerRanges:        true,
		enforceSignatureChecks:     true,
		requireIntegerPowerLevels:  true,
		maxEventBytes:              65535,
		maxStateEventBytes:         10240,
	}
}

// resolveRoomVersion looks up the behaviour table for the given room
// version. Unknown versions fall back to the version 1 rules so that events
// from newer servers are still processed rather than dropped outright.
func resolveRoomVersion(version RoomVersion) roomVersionImpl {
	impl, ok := roomVersionMeta[version]
	if !ok {
		logrus.WithField("room_version", version).Warn(
			"Unknown room version, falling back to version 1 rules",
		)
		return roomVersionMeta[RoomVersionV1]
	}
	return impl
}

// KnownRoomVersion returns true if the given room version is supported.
func KnownRoomVersion(version RoomVersion) bool {
	_, ok := roomVersionMeta[version]
	return ok
}
