package eventadmission

import (
	"encoding/binary"
	"encoding/json"
	"sort"
	"unicode/utf8"
)

// CanonicalJSON re-encodes the JSON in the canonical encoding used for
// hashing and signing: object keys sorted by codepoint, no insignificant
// whitespace, and the shortest possible escaping. The input must be valid
// JSON.
func CanonicalJSON(input []byte) ([]byte, error) {
	sorted, err := sortJSON(input, make([]byte, 0, len(input)))
	if err != nil {
		return nil, JSONError{Err: err}
	}
	return compactJSON(sorted, make([]byte, 0, len(sorted))), nil
}

// sortJSON re-encodes the JSON with object keys sorted lexicographically by
// codepoint, recursively.
func sortJSON(input, output []byte) ([]byte, error) {
	var decoded interface{}
	if err := json.Unmarshal(input, &decoded); err != nil {
		return nil, err
	}
	return sortJSONValue(decoded, output)
}

func sortJSONValue(input interface{}, output []byte) ([]byte, error) {
	switch value := input.(type) {
	case []interface{}:
		return sortJSONArray(value, output)
	case map[string]interface{}:
		return sortJSONObject(value, output)
	default:
		// Plain values need no further sorting.
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return append(output, encoded...), nil
	}
}

func sortJSONArray(input []interface{}, output []byte) ([]byte, error) {
	var err error
	sep := byte('[')
	for _, value := range input {
		output = append(output, sep)
		sep = ','
		if output, err = sortJSONValue(value, output); err != nil {
			return nil, err
		}
	}
	if sep == '[' {
		// The array was empty so the opening '[' was never written.
		output = append(output, '[', ']')
	} else {
		output = append(output, ']')
	}
	return output, nil
}

func sortJSONObject(input map[string]interface{}, output []byte) ([]byte, error) {
	var err error
	keys := make([]string, 0, len(input))
	for key := range input {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	sep := byte('{')
	for _, key := range keys {
		output = append(output, sep)
		sep = ','
		var encoded []byte
		if encoded, err = json.Marshal(key); err != nil {
			return nil, err
		}
		output = append(output, encoded...)
		output = append(output, ':')
		if output, err = sortJSONValue(input[key], output); err != nil {
			return nil, err
		}
	}
	if sep == '{' {
		// The object was empty so the opening '{' was never written.
		output = append(output, '{', '}')
	} else {
		output = append(output, '}')
	}
	return output, nil
}

// compactJSON makes the encoded JSON as small as possible by removing
// whitespace and unneeded unicode escapes.
func compactJSON(input, output []byte) []byte {
	var i int
	for i < len(input) {
		c := input[i]
		i++
		if c <= ' ' {
			// Whitespace outside of strings is insignificant.
			continue
		}
		output = append(output, c)
		if c == '"' {
			for i < len(input) {
				c = input[i]
				i++
				if c == '\\' {
					escape := input[i]
					i++
					if escape == 'u' {
						output, i = compactUnicodeEscape(input, output, i)
					} else if escape == '/' {
						// '/' does not need escaping.
						output = append(output, escape)
					} else {
						output = append(output, c, escape)
					}
				} else {
					output = append(output, c)
				}
				if c == '"' {
					break
				}
			}
		}
	}
	return output
}

// compactUnicodeEscape unpacks a 4 byte unicode escape starting at index.
// Returns the output slice and the index to resume parsing at.
func compactUnicodeEscape(input, output []byte, index int) ([]byte, int) {
	const (
		ESCAPES = "uuuuuuuubtnufruuuuuuuuuuuuuuuuuu"
		HEX     = "0123456789ABCDEF"
	)
	// If there aren't enough bytes to decode the hex escape then return.
	if len(input)-index < 4 {
		return output, len(input)
	}
	c := readHexDigits(input[index:])
	index += 4
	if c < ' ' {
		// Control characters must stay escaped, using the short forms for
		// the characters that have them.
		escape := ESCAPES[c]
		output = append(output, '\\', escape)
		if escape == 'u' {
			output = append(output, '0', '0', byte('0'+(c>>4)), HEX[c&0xF])
		}
	} else if c == '\\' || c == '"' {
		output = append(output, '\\', byte(c))
	} else if c < 0xD800 || c >= 0xE000 {
		// The character is in the Basic Multilingual Plane and can be
		// written as UTF-8 directly.
		var buffer [4]byte
		n := utf8.EncodeRune(buffer[:], rune(c))
		output = append(output, buffer[:n]...)
	} else {
		// The character is a surrogate and needs combining with the low
		// surrogate that follows it.
		if len(input)-index < 6 {
			return output, len(input)
		}
		surrogate := readHexDigits(input[index+2:])
		index += 6
		codepoint := 0x10000 + (((c & 0x3FF) << 10) | (surrogate & 0x3FF))
		var buffer [4]byte
		n := utf8.EncodeRune(buffer[:], rune(codepoint))
		output = append(output, buffer[:n]...)
	}
	return output, index
}

// readHexDigits parses four hex digits in parallel without branching.
func readHexDigits(input []byte) uint32 {
	hex := binary.BigEndian.Uint32(input)
	// subtract '0'
	hex -= 0x30303030
	// strip the higher bits, maps 'a' => 'A'
	hex &= 0x1F1F1F1F
	mask := hex & 0x10101010
	// subtract 'A' - 10 - '9' - 9 = 7 from the letters.
	hex -= mask >> 1
	hex += mask >> 4
	// collect the nibbles
	hex |= hex >> 4
	hex &= 0xFF00FF
	hex |= hex >> 8
	return hex & 0xFFFF
}
