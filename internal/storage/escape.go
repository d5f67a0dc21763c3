package storage

import (
	"bytes"
	"encoding/json"
)

// HasEscapedText reports whether data, a JSON encoding, contains a \uXXXX
// escape for a character that a direct encoder writes literally. Such
// escapes only appear in files produced by older, ASCII-only serializers.
//
// Escapes that Marshal itself emits are ignored: control characters below
// 0x20, and U+2028/U+2029 which encoding/json always escapes. An escaped
// backslash ("\\u") is not an escape sequence and is skipped.
func HasEscapedText(data []byte) bool {
	for i := 0; i < len(data); i++ {
		if data[i] != '\\' {
			continue
		}
		if i+1 >= len(data) {
			return false
		}
		if data[i+1] != 'u' {
			i++ // skip the escaped character, including a second backslash
			continue
		}
		if i+5 >= len(data) {
			return false
		}
		r, ok := hex4(data[i+2 : i+6])
		i += 5
		if !ok {
			continue
		}
		switch {
		case r < 0x20:
		case r == 0x2028 || r == 0x2029:
		case r == '"' || r == '\\':
		default:
			return true
		}
	}
	return false
}

func hex4(b []byte) (rune, bool) {
	var r rune
	for _, c := range b {
		r <<= 4
		switch {
		case c >= '0' && c <= '9':
			r |= rune(c - '0')
		case c >= 'a' && c <= 'f':
			r |= rune(c-'a') + 10
		case c >= 'A' && c <= 'F':
			r |= rune(c-'A') + 10
		default:
			return 0, false
		}
	}
	return r, true
}

// Normalize re-encodes a raw JSON value with Marshal when it carries
// legacy escapes, and returns it unchanged otherwise. Numbers keep their
// literal form. Invalid input is returned as is.
func Normalize(raw []byte) []byte {
	if !HasEscapedText(raw) {
		return raw
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}
	out, err := Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
