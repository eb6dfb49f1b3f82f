// Package xmppid implements the XEP-0106 JID-escaping rules used to turn an
// opaque legacy contact/group id into a valid XMPP localpart, plus the
// bare-JID normalization policy the gateway applies on every read (see
// spec.md ยง9: "Safe behavior: on read, normalize jids to bare").
package xmppid

import "strings"

// escapeMap is the XEP-0106 character -> escape sequence table.
var escapeMap = map[byte]string{
	' ':  `\20`,
	'"':  `\22`,
	'&':  `\26`,
	'\'': `\27`,
	'/':  `\2f`,
	':':  `\3a`,
	'<':  `\3c`,
	'>':  `\3e`,
	'@':  `\40`,
	'\\': `\5c`,
}

var unescapeMap = map[string]byte{
	`\20`: ' ',
	`\22`: '"',
	`\26`: '&',
	`\27`: '\'',
	`\2f`: '/',
	`\3a`: ':',
	`\3c`: '<',
	`\3e`: '>',
	`\40`: '@',
	`\5c`: '\\',
}

// Escape maps disallowed JID-localpart characters in a legacy id to their
// XEP-0106 escape sequence. A literal backslash is only escaped when it is
// not already the start of one of the known escape sequences, so Escape is
// idempotent on already-escaped input (the same guarantee the XEP requires
// of a conformant implementation).
func Escape(legacyID string) string {
	var b strings.Builder
	b.Grow(len(legacyID))
	for i := 0; i < len(legacyID); i++ {
		c := legacyID[i]
		if c == '\\' && i+3 <= len(legacyID) {
			if _, ok := unescapeMap[legacyID[i:i+3]]; ok {
				b.WriteByte(c)
				continue
			}
		}
		if seq, ok := escapeMap[c]; ok {
			b.WriteString(seq)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Unescape reverses Escape. Unknown escape sequences are left as-is.
func Unescape(localpart string) string {
	var b strings.Builder
	b.Grow(len(localpart))
	for i := 0; i < len(localpart); {
		if localpart[i] == '\\' && i+3 <= len(localpart) {
			if c, ok := unescapeMap[localpart[i:i+3]]; ok {
				b.WriteByte(c)
				i += 3
				continue
			}
		}
		b.WriteByte(localpart[i])
		i++
	}
	return b.String()
}
