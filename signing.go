package eventadmission

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/crypto/ed25519"

	"github.com/erebos-im/eventadmission/spec"
)

// A KeyProvider returns the ed25519 verification keys of remote servers.
// Implementations are expected to cache and to consult key validity
// windows; the signing engine only asks for the key bytes.
type KeyProvider interface {
	// PublicKey returns the verification key keyID of the given server, or
	// (nil, nil) if the key is unknown.
	PublicKey(ctx context.Context, serverName, keyID string) (ed25519.PublicKey, error)
}

// LocalSigningEngine is an EventSigningEngine that verifies event
// signatures against keys from a KeyProvider.
type LocalSigningEngine struct {
	keys KeyProvider
}

// NewLocalSigningEngine returns a signing engine backed by the given key
// provider.
func NewLocalSigningEngine(keys KeyProvider) *LocalSigningEngine {
	return &LocalSigningEngine{keys: keys}
}

// ValidateEventCrypto checks that the event carries a valid ed25519
// signature from every server in servers. An event signed by a key we
// cannot obtain fails: absence of a key is not proof of anything.
func (e *LocalSigningEngine) ValidateEventCrypto(ctx context.Context, event *Event, servers []string) error {
	preimage, err := stripKeys(event.JSON(), "signatures", "unsigned")
	if err != nil {
		return SignatureError{Err: err}
	}
	canonical, err := CanonicalJSON(preimage)
	if err != nil {
		return SignatureError{Err: err}
	}

	// signatures is keyed by server name, then key ID. Server names contain
	// dots so the object has to be walked as a map rather than with paths.
	signatures := gjson.GetBytes(event.JSON(), "signatures")
	if !signatures.IsObject() {
		return SignatureError{Err: fmt.Errorf("event has no signatures")}
	}
	byServer := signatures.Map()

	for _, serverName := range servers {
		serverSigs, ok := byServer[serverName]
		if !ok || !serverSigs.IsObject() {
			return SignatureError{Err: fmt.Errorf("no signature from server %q", serverName)}
		}
		if err := e.verifyServerSignature(ctx, serverName, serverSigs.Map(), canonical); err != nil {
			return err
		}
	}
	return nil
}

func (e *LocalSigningEngine) verifyServerSignature(ctx context.Context, serverName string, sigs map[string]gjson.Result, message []byte) error {
	var lastErr error
	for keyID, sig := range sigs {
		if !strings.HasPrefix(keyID, "ed25519:") {
			continue
		}
		publicKey, err := e.keys.PublicKey(ctx, serverName, keyID)
		if err != nil {
			return SignatureError{Err: err}
		}
		if publicKey == nil {
			lastErr = fmt.Errorf("no verification key %q for server %q", keyID, serverName)
			continue
		}
		var sigBytes spec.Base64Bytes
		if err := sigBytes.Decode(sig.String()); err != nil {
			lastErr = fmt.Errorf("malformed signature %q from server %q", keyID, serverName)
			continue
		}
		if ed25519.Verify(publicKey, message, sigBytes) {
			return nil
		}
		lastErr = fmt.Errorf("signature %q from server %q does not verify", keyID, serverName)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable ed25519 signature from server %q", serverName)
	}
	return SignatureError{Err: lastErr}
}

// verifySignedJSON checks one ed25519 signature on a signed JSON object,
// such as the "signed" block of a third party invite. The signature itself
// is removed from the object before canonicalisation.
func verifySignedJSON(serverName, keyID string, publicKey ed25519.PublicKey, message []byte) error {
	signatures := gjson.GetBytes(message, "signatures")
	if !signatures.IsObject() {
		return SignatureError{Err: fmt.Errorf("no signatures on object")}
	}
	sig, ok := signatures.Map()[serverName]
	if !ok || !sig.IsObject() {
		return SignatureError{Err: fmt.Errorf("no signature from server %q", serverName)}
	}
	sigValue, ok := sig.Map()[keyID]
	if !ok {
		return SignatureError{Err: fmt.Errorf("no signature with key %q from server %q", keyID, serverName)}
	}
	var sigBytes spec.Base64Bytes
	if err := sigBytes.Decode(sigValue.String()); err != nil {
		return SignatureError{Err: fmt.Errorf("malformed signature %q from server %q", keyID, serverName)}
	}

	var object map[string]spec.RawJSON
	if err := json.Unmarshal(message, &object); err != nil {
		return SignatureError{Err: err}
	}
	delete(object, "signatures")
	delete(object, "unsigned")
	unsigned, err := json.Marshal(object)
	if err != nil {
		return SignatureError{Err: err}
	}
	canonical, err := CanonicalJSON(unsigned)
	if err != nil {
		return SignatureError{Err: err}
	}
	if !ed25519.Verify(publicKey, canonical, sigBytes) {
		return SignatureError{Err: fmt.Errorf("signature %q from server %q does not verify", keyID, serverName)}
	}
	return nil
}

// SignEventJSON adds an ed25519 signature to the event bytes under
// signatures.<signingName>.<keyID>. The signature covers the canonical JSON
// of the event with the signatures and unsigned keys removed.
func SignEventJSON(signingName, keyID string, privateKey ed25519.PrivateKey, eventJSON []byte) ([]byte, error) {
	preimage, err := stripKeys(eventJSON, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	canonical, err := CanonicalJSON(preimage)
	if err != nil {
		return nil, err
	}
	signature := spec.Base64Bytes(ed25519.Sign(privateKey, canonical))

	var event map[string]spec.RawJSON
	if err := json.Unmarshal(eventJSON, &event); err != nil {
		return nil, JSONError{Err: err}
	}
	var signatures map[string]map[string]spec.Base64Bytes
	if existing, ok := event["signatures"]; ok {
		if err := json.Unmarshal(existing, &signatures); err != nil {
			return nil, JSONError{Err: err}
		}
	} else {
		signatures = map[string]map[string]spec.Base64Bytes{}
	}
	if signatures[signingName] == nil {
		signatures[signingName] = map[string]spec.Base64Bytes{}
	}
	signatures[signingName][keyID] = signature

	signaturesJSON, err := json.Marshal(signatures)
	if err != nil {
		return nil, JSONError{Err: err}
	}
	event["signatures"] = signaturesJSON
	return json.Marshal(event)
}
