package eventadmission

import (
	"fmt"
)

// InvalidFormatError means the PDU could not be parsed, or violated the
// format grammar of the room version it was sent for.
type InvalidFormatError struct {
	Message string
}

func (e InvalidFormatError) Error() string {
	return "eventadmission: invalid PDU format: " + e.Message
}

// HashMismatchError means a supplied content hash or hash-derived event ID
// did not match the value recomputed from the event content.
type HashMismatchError struct {
	Expected string
	Actual   string
}

func (e HashMismatchError) Error() string {
	return fmt.Sprintf(
		"eventadmission: hash mismatch: expected %s, got %s",
		e.Expected, e.Actual,
	)
}

// SignatureError wraps a failure reported by the signing engine.
type SignatureError struct {
	Err error
}

func (e SignatureError) Error() string {
	return "eventadmission: signature verification failed: " + e.Err.Error()
}

func (e SignatureError) Unwrap() error {
	return e.Err
}

// StateError means the event is inconsistent with the room's event graph:
// unresolvable prev_events, bad depth, a cycle, or a cross-room reference.
type StateError struct {
	Message string
}

func (e StateError) Error() string {
	return "eventadmission: state validation failed: " + e.Message
}

// EventIDCollisionError means an event with the same ID but a different
// sender is already on record. Always fatal.
type EventIDCollisionError struct {
	EventID        string
	ExistingSender string
	Sender         string
}

func (e EventIDCollisionError) Error() string {
	return fmt.Sprintf(
		"eventadmission: event ID %s already recorded for sender %s, resent by %s",
		e.EventID, e.ExistingSender, e.Sender,
	)
}

// InsufficientPowerLevelError means the sender's power level is below the
// level the attempted action requires.
type InsufficientPowerLevelError struct {
	Required int64
	Actual   int64
}

func (e InsufficientPowerLevelError) Error() string {
	return fmt.Sprintf(
		"eventadmission: insufficient power level: required %d, user has %d",
		e.Required, e.Actual,
	)
}

// InvalidMembershipTransitionError means the membership state machine does
// not permit the attempted transition.
type InvalidMembershipTransitionError struct {
	From string
	To   string
}

func (e InvalidMembershipTransitionError) Error() string {
	return fmt.Sprintf(
		"eventadmission: invalid membership transition: %s -> %s",
		e.From, e.To,
	)
}

// MissingAuthEventError refers to a situation where one of the auth
// events for a given event was not found.
type MissingAuthEventError struct {
	AuthEventID string
	ForEventID  string
}

func (e MissingAuthEventError) Error() string {
	return fmt.Sprintf(
		"eventadmission: missing auth event with ID %s for event %s",
		e.AuthEventID, e.ForEventID,
	)
}

// InvalidContentError means the event content fails the structural rules for
// its event type.
type InvalidContentError struct {
	Reason string
}

func (e InvalidContentError) Error() string {
	return "eventadmission: invalid event content: " + e.Reason
}

// AccessDeniedError means the sender is not permitted to act in the room,
// for example because they are not joined.
type AccessDeniedError struct {
	Reason string
}

func (e AccessDeniedError) Error() string {
	return "eventadmission: access denied: " + e.Reason
}

// InvalidSenderError means the sender identifier is malformed.
type InvalidSenderError struct {
	Sender string
}

func (e InvalidSenderError) Error() string {
	return fmt.Sprintf("eventadmission: invalid sender: %q", e.Sender)
}

// ForbiddenError means a join-rule condition could not be satisfied, for
// example a restricted join with no qualifying membership.
type ForbiddenError struct {
	Reason string
}

func (e ForbiddenError) Error() string {
	return "eventadmission: forbidden: " + e.Reason
}

// DatabaseError wraps a repository failure. Repository errors are always
// propagated, never swallowed.
type DatabaseError struct {
	Err error
}

func (e DatabaseError) Error() string {
	return "eventadmission: database error: " + e.Err.Error()
}

func (e DatabaseError) Unwrap() error {
	return e.Err
}

// JSONError wraps a JSON encoding or decoding failure.
type JSONError struct {
	Err error
}

func (e JSONError) Error() string {
	return "eventadmission: bad JSON: " + e.Err.Error()
}

func (e JSONError) Unwrap() error {
	return e.Err
}

// isAuthError reports whether err belongs to the authorization taxonomy.
// Authorization failures are converted to a Rejected outcome by the
// validator rather than propagated, with the exception of event ID
// collisions which are always fatal.
func isAuthError(err error) bool {
	switch err.(type) {
	case InsufficientPowerLevelError, InvalidMembershipTransitionError,
		MissingAuthEventError, InvalidContentError, AccessDeniedError,
		InvalidSenderError, ForbiddenError:
		return true
	default:
		return false
	}
}
