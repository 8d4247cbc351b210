package storage

import (
	"fmt"
	"strings"
)

// DefaultSeparator is the reserved byte joining the parts of a composite
// index key.
const DefaultSeparator byte = 0x00

// EncodeComposite joins per-field string encodings with the separator byte.
// A literal separator or backslash inside a part is backslash-escaped, so
// decoding is bijective. Nil values encode as empty parts.
func EncodeComposite(values []interface{}, sep byte) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = escapePart(EncodeKeyPart(v), sep)
	}
	return strings.Join(parts, string(sep))
}

// EncodeKeyPart renders one field value as its string encoding.
func EncodeKeyPart(v interface{}) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

// DecodeComposite splits an encoded composite key back into its parts. The
// empty string decodes to a single null part; empty parts elsewhere are
// preserved as empty strings.
func DecodeComposite(encoded string, sep byte) []interface{} {
	if encoded == "" {
		return []interface{}{nil}
	}

	var parts []interface{}
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == sep:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if escaped {
		// Trailing lone backslash is kept literally
		cur.WriteByte('\\')
	}
	parts = append(parts, cur.String())
	return parts
}

func escapePart(s string, sep byte) string {
	if !strings.ContainsRune(s, rune(sep)) && !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == sep || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}
