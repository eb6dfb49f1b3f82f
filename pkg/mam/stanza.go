package mam

import (
	"bytes"
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"
)

// BuildGroupMessageStanza serializes the minimal groupchat <message/> a
// backfilled history row is stored (and later replayed from MAM) as: a
// From of roomJID/nickname (the occupant JID, mirroring pkg/dispatch's
// occupantJID), the legacy id as the stanza id, and a plain body (spec.md
// ยง4.4). Returns nil if roomJID doesn't parse.
func BuildGroupMessageStanza(roomJID, nickname, id, body string) []byte {
	base, err := jid.Parse(roomJID)
	if err != nil {
		return nil
	}
	from, err := base.WithResource(nickname)
	if err != nil {
		return nil
	}
	m := stanza.Message{From: &from, ID: id, Type: stanza.GroupChatMessage}
	bodyEl := xmlstream.Wrap(
		xmlstream.Token(xml.CharData(body)),
		xml.StartElement{Name: xml.Name{Local: "body"}},
	)

	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(enc, m.Wrap(bodyEl)); err != nil {
		return nil
	}
	if err := enc.Flush(); err != nil {
		return nil
	}
	return buf.Bytes()
}
