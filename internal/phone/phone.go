// Package phone canonicalizes WhatsApp phone numbers into the identity key
// used for conversation matching.
package phone

import "strings"

const (
	brazilCountryCode = "55"
	jidUserSuffix     = "@s.whatsapp.net"
	jidGroupSuffix    = "@g.us"
)

// Normalize strips every non-digit and folds Brazilian mobile numbers written
// with the ninth digit (55 + DDD + 9 + 8 digits) into the legacy form
// (55 + DDD + 8 digits). Any other input is returned digit-stripped.
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		if c := raw[i]; c >= '0' && c <= '9' {
			b.WriteByte(c)
		}
	}
	digits := b.String()

	if !strings.HasPrefix(digits, brazilCountryCode) {
		return digits
	}
	national := digits[len(brazilCountryCode):]
	if len(national) != 11 {
		return digits
	}
	ddd, rest := national[:2], national[2:]
	if rest[0] != '9' {
		return digits
	}
	return brazilCountryCode + ddd + rest[1:]
}

// FromJID returns the user part of a WhatsApp JID and whether the JID
// addresses a group chat.
func FromJID(jid string) (number string, group bool) {
	switch {
	case strings.HasSuffix(jid, jidGroupSuffix):
		return strings.TrimSuffix(jid, jidGroupSuffix), true
	case strings.HasSuffix(jid, jidUserSuffix):
		return strings.TrimSuffix(jid, jidUserSuffix), false
	}
	if i := strings.IndexByte(jid, '@'); i >= 0 {
		return jid[:i], false
	}
	return jid, false
}
