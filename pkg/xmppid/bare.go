package xmppid

import "mellium.im/xmpp/jid"

// Bare normalizes a JID to its bare form. The gateway persists and compares
// every JID in bare form; historic rows from the resource-stripping
// migration era are not trusted to already be bare (spec.md ยง9), so every
// read goes through this function rather than assuming bare-ness.
func Bare(j jid.JID) jid.JID {
	return j.Bare()
}

// ContactJID builds the synthetic bare JID the gateway presents for a legacy
// contact or room: localpart = Escape(legacyID), domain = componentDomain.
func ContactJID(legacyID, componentDomain string) (jid.JID, error) {
	return jid.New(Escape(legacyID), componentDomain, "")
}

// LegacyID extracts and unescapes the legacy id encoded in j's localpart.
func LegacyID(j jid.JID) string {
	return Unescape(j.Localpart())
}
