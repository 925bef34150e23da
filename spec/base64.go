package spec

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// A Base64Bytes is a string of bytes (not base64 encoded) that are
// base64 encoded when used in JSON.
//
// The bytes are encoded using unpadded base64 when marshalled as JSON.
// When the bytes are unmarshalled from JSON they are decoded from base64.
type Base64Bytes []byte

// Encode encodes the bytes as unpadded standard base64.
func (b64 Base64Bytes) Encode() string {
	return base64.RawStdEncoding.EncodeToString(b64)
}

// EncodeURL encodes the bytes as unpadded URL-safe base64.
func (b64 Base64Bytes) EncodeURL() string {
	return base64.RawURLEncoding.EncodeToString(b64)
}

// Decode decodes the given input into this Base64Bytes.
func (b64 *Base64Bytes) Decode(str string) error {
	// We must check whether the string was encoded in a URL-safe way in order
	// to use the appropriate encoding.
	var err error
	if strings.ContainsAny(str, "-_") {
		*b64, err = base64.RawURLEncoding.DecodeString(str)
	} else {
		*b64, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(str, "="))
	}
	return err
}

// MarshalJSON encodes the bytes as base64 and then encodes the base64 as a
// JSON string. This takes a value receiver so that maps and slices of
// Base64Bytes encode correctly.
func (b64 Base64Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(b64.Encode())
}

// UnmarshalJSON decodes a JSON string and then decodes the resulting base64.
// This takes a pointer receiver because it needs to write the result of
// decoding.
func (b64 *Base64Bytes) UnmarshalJSON(raw []byte) error {
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return err
	}
	return b64.Decode(str)
}
