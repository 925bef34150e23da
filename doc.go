// Package eventadmission implements the federated event admission pipeline
// for a Matrix homeserver: deciding whether a PDU received from a remote
// server may be accepted into a room's event graph.
//
// The entry point is PDUValidator.ValidatePDU, which runs a candidate event
// through format validation, deduplication, hash and event ID verification,
// signature verification, DAG consistency checks and the federation
// authorization rules, and produces exactly one of three outcomes: the event
// is valid, rejected, or soft-failed (stored but excluded from active room
// state).
//
// AuthorizationEngine.AuthorizeEvent is usable standalone by callers that
// already hold validated events, for example when re-running authorization
// during state resolution. Storage, transport and signature key management
// are supplied by the caller through the interfaces in repository.go and
// signing.go.
package eventadmission
