package eventadmission

import (
	"context"
	"testing"

	"github.com/tidwall/sjson"
	"golang.org/x/crypto/ed25519"
)

// mapKeyProvider serves verification keys from a fixed table keyed by
// serverName + "/" + keyID.
type mapKeyProvider struct {
	keys map[string]ed25519.PublicKey
}

func (p *mapKeyProvider) PublicKey(ctx context.Context, serverName, keyID string) (ed25519.PublicKey, error) {
	return p.keys[serverName+"/"+keyID], nil
}

func newTestKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	publicKey, privateKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	return publicKey, privateKey
}

func TestSignAndVerifyEvent(t *testing.T) {
	publicKey, privateKey := newTestKey(t)
	engine := NewLocalSigningEngine(&mapKeyProvider{keys: map[string]ed25519.PublicKey{
		"example.org/ed25519:1": publicKey,
	}})

	raw := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":7000,"depth":6}`)
	signed, err := SignEventJSON("example.org", "ed25519:1", privateKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	event := mustEvent(t, string(signed))
	if err := engine.ValidateEventCrypto(context.Background(), event, []string{"example.org"}); err != nil {
		t.Errorf("valid signature failed verification: %s", err)
	}
}

func TestVerifyEventIgnoresUnsigned(t *testing.T) {
	publicKey, privateKey := newTestKey(t)
	engine := NewLocalSigningEngine(&mapKeyProvider{keys: map[string]ed25519.PublicKey{
		"example.org/ed25519:1": publicKey,
	}})

	raw := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":7000,"depth":6}`)
	signed, err := SignEventJSON("example.org", "ed25519:1", privateKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	// The unsigned key is excluded from the signature, so a relay adding to
	// it does not break verification.
	annotated, err := sjson.SetBytes(signed, "unsigned.age", 42)
	if err != nil {
		t.Fatal(err)
	}
	event := mustEvent(t, string(annotated))
	if err := engine.ValidateEventCrypto(context.Background(), event, []string{"example.org"}); err != nil {
		t.Errorf("signature failed after an unsigned-only change: %s", err)
	}
}

func TestVerifyEventTampered(t *testing.T) {
	publicKey, privateKey := newTestKey(t)
	engine := NewLocalSigningEngine(&mapKeyProvider{keys: map[string]ed25519.PublicKey{
		"example.org/ed25519:1": publicKey,
	}})

	raw := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":7000,"depth":6}`)
	signed, err := SignEventJSON("example.org", "ed25519:1", privateKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	tampered, err := sjson.SetBytes(signed, "content.body", "changed")
	if err != nil {
		t.Fatal(err)
	}
	event := mustEvent(t, string(tampered))
	err = engine.ValidateEventCrypto(context.Background(), event, []string{"example.org"})
	if _, ok := err.(SignatureError); !ok {
		t.Errorf("tampered event verified, err = %v", err)
	}
}

func TestVerifyEventMissingServer(t *testing.T) {
	publicKey, privateKey := newTestKey(t)
	engine := NewLocalSigningEngine(&mapKeyProvider{keys: map[string]ed25519.PublicKey{
		"example.org/ed25519:1": publicKey,
	}})

	raw := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":7000,"depth":6}`)
	signed, err := SignEventJSON("example.org", "ed25519:1", privateKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	event := mustEvent(t, string(signed))
	err = engine.ValidateEventCrypto(context.Background(), event, []string{"example.org", "other.org"})
	if _, ok := err.(SignatureError); !ok {
		t.Errorf("missing server signature passed, err = %v", err)
	}
}

func TestVerifyEventUnknownKey(t *testing.T) {
	_, privateKey := newTestKey(t)
	engine := NewLocalSigningEngine(&mapKeyProvider{keys: map[string]ed25519.PublicKey{}})

	raw := []byte(`{"event_id":"$msg:example.org","room_id":"!room:example.org","sender":"@bob:example.org","type":"m.room.message","content":{"body":"hi"},"origin_server_ts":7000,"depth":6}`)
	signed, err := SignEventJSON("example.org", "ed25519:1", privateKey, raw)
	if err != nil {
		t.Fatal(err)
	}
	event := mustEvent(t, string(signed))
	err = engine.ValidateEventCrypto(context.Background(), event, []string{"example.org"})
	if _, ok := err.(SignatureError); !ok {
		t.Errorf("signature by an unobtainable key passed, err = %v", err)
	}
}

func TestVerifySignedJSON(t *testing.T) {
	publicKey, privateKey := newTestKey(t)

	block := []byte(`{"mxid":"@dan:example.org","token":"abc123"}`)
	signed, err := SignEventJSON("id.example.org", "ed25519:0", privateKey, block)
	if err != nil {
		t.Fatal(err)
	}
	if err := verifySignedJSON("id.example.org", "ed25519:0", publicKey, signed); err != nil {
		t.Errorf("valid signed block failed verification: %s", err)
	}

	tampered, err := sjson.SetBytes(signed, "mxid", "@mallory:example.org")
	if err != nil {
		t.Fatal(err)
	}
	if err := verifySignedJSON("id.example.org", "ed25519:0", publicKey, tampered); err == nil {
		t.Error("tampered signed block verified")
	}
}
