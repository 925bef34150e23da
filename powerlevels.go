package eventadmission

import (
	"github.com/erebos-im/eventadmission/spec"
)

// A PowerLevelValidator checks an event against the power levels in its
// auth state: that the sender may send events of its type at all, and for
// m.room.power_levels events that every individual level change stays
// within the sender's reach.
type PowerLevelValidator struct{}

// ValidatePowerLevel checks that the sender of the event holds the power
// level the event requires.
func (PowerLevelValidator) ValidatePowerLevel(event *Event, state *AuthState) error {
	if event.Type == spec.MRoomCreate {
		// Nothing exists before the create event to hold a level against.
		return nil
	}
	senderLevel := state.UserLevel(event.Sender)
	// Member events don't go through the send-level gate; the membership
	// rules apply their own level checks per transition.
	if event.Type != spec.MRoomMember {
		required := state.RequiredLevel(event.Type, event.IsState())
		if senderLevel < required {
			return InsufficientPowerLevelError{Required: required, Actual: senderLevel}
		}
	}
	if event.Type == spec.MRoomPowerLevels && event.StateKeyEquals("") {
		return validatePowerLevelChanges(event, state)
	}
	return nil
}

// validatePowerLevelChanges checks each level the event changes against the
// sender's own level. A change is allowed only when both the level being
// replaced and its replacement are within the sender's reach; the one
// exception is that users may always lower their own level.
func validatePowerLevelChanges(event *Event, state *AuthState) error {
	newPowerLevels, err := NewPowerLevelContentFromEvent(event, state.Create.RoomVersionOrDefault())
	if err != nil {
		return err
	}
	for userID := range newPowerLevels.Users {
		if !wellFormedUserID(userID) {
			return InvalidContentError{Reason: "not a valid user ID in users: " + userID}
		}
	}

	oldPowerLevels := state.PowerLevels
	senderLevel := oldPowerLevels.UserLevel(event.Sender)

	if err := checkEventLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}
	if err := checkNotificationLevels(senderLevel, oldPowerLevels, newPowerLevels); err != nil {
		return err
	}
	return checkUserLevels(senderLevel, event.Sender, oldPowerLevels, newPowerLevels)
}

type levelPair struct {
	old int64
	new int64
}

// checkEventLevels checks that the changes in the named levels, the default
// levels and the per-type event levels are allowed.
func checkEventLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	// Defaults fill in for levels absent on either side, so a key appearing
	// or disappearing still counts as a change.
	levelChecks := []levelPair{
		{oldPowerLevels.Ban, newPowerLevels.Ban},
		{oldPowerLevels.Invite, newPowerLevels.Invite},
		{oldPowerLevels.Kick, newPowerLevels.Kick},
		{oldPowerLevels.Redact, newPowerLevels.Redact},
		{oldPowerLevels.StateDefault, newPowerLevels.StateDefault},
		{oldPowerLevels.EventsDefault, newPowerLevels.EventsDefault},
	}

	// Per-type levels from both sides. Keys present in both are checked
	// twice, which is harmless.
	const isStateEvent = false
	for eventType := range newPowerLevels.Events {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, isStateEvent),
			newPowerLevels.EventLevel(eventType, isStateEvent),
		})
	}
	for eventType := range oldPowerLevels.Events {
		levelChecks = append(levelChecks, levelPair{
			oldPowerLevels.EventLevel(eventType, isStateEvent),
			newPowerLevels.EventLevel(eventType, isStateEvent),
		})
	}

	for _, level := range levelChecks {
		if level.old == level.new {
			// Levels are always allowed to stay the same.
			continue
		}
		if senderLevel < level.new {
			return InsufficientPowerLevelError{Required: level.new, Actual: senderLevel}
		}
		if senderLevel < level.old {
			return InsufficientPowerLevelError{Required: level.old, Actual: senderLevel}
		}
	}
	return nil
}

// checkUserLevels checks that the changes in user levels are allowed.
// Changing another user's level requires the sender's level to be strictly
// above the old value; users may always lower their own level.
func checkUserLevels(senderLevel int64, sender string, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	userLevelChecks := map[string]levelPair{}
	for userID := range newPowerLevels.Users {
		userLevelChecks[userID] = levelPair{
			old: oldPowerLevels.UserLevel(userID),
			new: newPowerLevels.UserLevel(userID),
		}
	}
	// Old entries too, so deletions are caught.
	for userID := range oldPowerLevels.Users {
		userLevelChecks[userID] = levelPair{
			old: oldPowerLevels.UserLevel(userID),
			new: newPowerLevels.UserLevel(userID),
		}
	}

	for userID, level := range userLevelChecks {
		if level.old == level.new {
			continue
		}
		if senderLevel < level.new {
			return InsufficientPowerLevelError{Required: level.new, Actual: senderLevel}
		}
		if userID == sender {
			// The previous check means this can only be a reduction.
			continue
		}
		if senderLevel <= level.old {
			return InsufficientPowerLevelError{Required: level.old + 1, Actual: senderLevel}
		}
	}
	return nil
}

// checkNotificationLevels checks that the changes in notification levels
// are allowed, under the same rules as user levels.
func checkNotificationLevels(senderLevel int64, oldPowerLevels, newPowerLevels PowerLevelContent) error {
	levelChecks := map[string]levelPair{}
	for key := range newPowerLevels.Notifications {
		levelChecks[key] = levelPair{
			old: oldPowerLevels.NotificationLevel(key),
			new: newPowerLevels.NotificationLevel(key),
		}
	}
	for key := range oldPowerLevels.Notifications {
		levelChecks[key] = levelPair{
			old: oldPowerLevels.NotificationLevel(key),
			new: newPowerLevels.NotificationLevel(key),
		}
	}

	for _, level := range levelChecks {
		if level.old == level.new {
			continue
		}
		if senderLevel < level.new {
			return InsufficientPowerLevelError{Required: level.new, Actual: senderLevel}
		}
		if senderLevel <= level.old {
			return InsufficientPowerLevelError{Required: level.old + 1, Actual: senderLevel}
		}
	}
	return nil
}
