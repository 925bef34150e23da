package eventadmission

import (
	"github.com/sirupsen/logrus"
)

// A RoomVersionHandler applies authorization rules that only exist in
// certain room versions, after the version-independent rules have passed.
// No current version adds any, so this is a hook: adding a case here is the
// only change needed when a future version introduces one.
type RoomVersionHandler struct{}

// ValidateRoomVersionRules applies the version-specific rules to an event
// that has already passed the common rules.
func (RoomVersionHandler) ValidateRoomVersionRules(event *Event, version RoomVersion) error {
	switch version {
	case RoomVersionV1, RoomVersionV2, RoomVersionV3, RoomVersionV4,
		RoomVersionV5, RoomVersionV6, RoomVersionV7, RoomVersionV8,
		RoomVersionV9, RoomVersionV10, RoomVersionV11:
		return nil
	default:
		logrus.WithFields(logrus.Fields{
			"event_id":     event.EventID,
			"room_version": version,
		}).Warn("No version-specific auth rules for unknown room version")
		return nil
	}
}
