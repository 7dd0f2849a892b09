// Package canonicalize provides deterministic JSON serialization for hashing
// bureau artifacts: registry snapshots, ledger entries, and lesson ids.
//
// The canonical form is UTF-8 with object keys sorted bytewise ascending, no
// whitespace between tokens, and every rune above U+007F escaped as \uXXXX
// (surrogate pairs for runes outside the BMP). The escaping is what pins the
// persisted hash format: two writers producing the same document must produce
// the same bytes, so reconstruction from an old ledger still verifies.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"unicode/utf16"
)

// Marshal returns the canonical JSON representation of v.
//
// Strategy: marshal to intermediate JSON with the standard encoder (so struct
// tags are respected), decode into a generic value with UseNumber (so numbers
// round-trip verbatim), then serialize recursively with sorted keys and ASCII
// escaping.
func Marshal(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalString returns the canonical form as a string.
func MarshalString(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Hash returns the lowercase hex SHA-256 digest of the canonical form of v.
func Hash(v interface{}) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 digest of raw bytes as a hex string.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		buf.WriteString(t.String())
		return nil
	case string:
		writeEscapedString(buf, t)
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeEscapedString(buf, k)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
}

// writeEscapedString emits a JSON string with ASCII-only output. Control
// characters use the short escapes where JSON defines one, \u00XX otherwise;
// runes above U+007F always escape, with surrogate pairs past the BMP.
func writeEscapedString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			switch {
			case r < 0x20 || r > 0x7e:
				if r > 0xffff {
					hi, lo := utf16.EncodeRune(r)
					writeUnicodeEscape(buf, hi)
					writeUnicodeEscape(buf, lo)
				} else {
					writeUnicodeEscape(buf, r)
				}
			default:
				buf.WriteByte(byte(r))
			}
		}
	}
	buf.WriteByte('"')
}

func writeUnicodeEscape(buf *bytes.Buffer, r rune) {
	buf.WriteString(`\u`)
	hexDigits := strconv.FormatInt(int64(r), 16)
	for i := len(hexDigits); i < 4; i++ {
		buf.WriteByte('0')
	}
	buf.WriteString(hexDigits)
}
