package dispatch

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/muc"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/models"
)

var _ interface {
	SendOccupantPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string)
	SendSelfPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string, statusCodes []int)
	SendSubject(ctx context.Context, user *models.User, room *models.Room, subject string, setter *models.Participant)
	SendArchivedMessage(ctx context.Context, user *models.User, room *models.Room, m *models.ArchivedMessage)
}(nil)

// occupantJID builds the full JID a participant is known under inside room.
func occupantJID(room *models.Room, nickname string) (jid.JID, error) {
	base, err := jid.Parse(room.JID)
	if err != nil {
		return jid.JID{}, err
	}
	return base.WithResource(nickname)
}

// mucUserX builds the muc#user <x> payload carrying p's affiliation/role,
// plus any XEP-0317 hats and status codes. A jid attribute is added only
// when realJIDOf resolves one, which it never does, so no real JID is
// disclosed.
func mucUserX(p *models.Participant, statusCodes []int) xml.TokenReader {
	itemAttrs := []xml.Attr{
		{Name: xml.Name{Local: "affiliation"}, Value: string(p.Affiliation)},
		{Name: xml.Name{Local: "role"}, Value: string(p.Role)},
	}
	if !p.Anonymous() {
		if rj, err := jid.Parse(realJIDOf(p)); err == nil && rj.String() != "" {
			itemAttrs = append(itemAttrs, xml.Attr{Name: xml.Name{Local: "jid"}, Value: rj.String()})
		}
	}

	var itemChildren []xml.TokenReader
	for _, h := range p.Hats {
		itemChildren = append(itemChildren, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: "urn:xmpp:hats:0", Local: "hat"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "uri"}, Value: h.URI},
				{Name: xml.Name{Local: "title"}, Value: h.Title},
			},
		}))
	}

	item := xmlstream.Wrap(xmlstream.MultiReader(itemChildren...), xml.StartElement{
		Name: xml.Name{Local: "item"},
		Attr: itemAttrs,
	})

	children := []xml.TokenReader{item}
	for _, code := range statusCodes {
		children = append(children, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "status"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "code"}, Value: fmt.Sprintf("%d", code)}},
		}))
	}

	return xmlstream.Wrap(xmlstream.MultiReader(children...), xmlNameStart("x", muc.NSUser))
}

// realJIDOf always returns "": Participant carries no resolved JID of its
// own (that lookup lives in the Contacts collection, keyed by ContactPK), so
// item disclosure is limited to affiliation/role.
func realJIDOf(p *models.Participant) string {
	return ""
}

// SendOccupantPresence implements muc.Notifier: another occupant's presence,
// pushed to the user's joined resource.
func (d *Dispatcher) SendOccupantPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string) {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for occupant presence")
		return
	}
	toFull, err := to.WithResource(toResource)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: build user resource jid")
		return
	}
	from, err := occupantJID(room, p.Nickname)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: build occupant jid")
		return
	}

	pres := stanza.Presence{To: &toFull, From: &from}
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, pres.Wrap(mucUserX(p, nil))); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send occupant presence")
	}
}

// SendSelfPresence implements muc.Notifier: the user's own self-presence
// inside room, carrying statusCodes (110/210 on join, 333/332 on removal).
func (d *Dispatcher) SendSelfPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string, statusCodes []int) {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for self presence")
		return
	}
	toFull, err := to.WithResource(toResource)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: build user resource jid")
		return
	}
	from, err := occupantJID(room, p.Nickname)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: build occupant jid")
		return
	}

	pres := stanza.Presence{To: &toFull, From: &from}
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, pres.Wrap(mucUserX(p, statusCodes))); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send self presence")
	}
}

// SendSubject implements muc.Notifier: a groupchat message carrying room's
// subject, from setter's occupant JID when known.
func (d *Dispatcher) SendSubject(ctx context.Context, user *models.User, room *models.Room, subject string, setter *models.Participant) {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for subject")
		return
	}
	from, err := jid.Parse(room.JID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse room jid for subject")
		return
	}
	if setter != nil {
		if f, ferr := occupantJID(room, setter.Nickname); ferr == nil {
			from = f
		}
	}

	m := stanza.Message{To: &to, From: &from, Type: stanza.GroupChatMessage}
	payload := xmlstream.Wrap(xmlstream.Token(xml.CharData(subject)), xmlNameStart("subject", ""))
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, m.Wrap(payload)); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send subject")
	}
}

// SendArchivedMessage implements muc.Notifier: replays one stored backfill
// entry verbatim to user on join. The stored bytes are decoded and resent
// as-is: they carry only the addressing stored at archival time (a
// backfilled row has a from and an id but no to), and no delay element is
// added here.
func (d *Dispatcher) SendArchivedMessage(ctx context.Context, user *models.User, room *models.Room, m *models.ArchivedMessage) {
	if len(m.Stanza) == 0 {
		return
	}
	dec := xml.NewDecoder(bytes.NewReader(m.Stanza))
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, dec); err != nil {
		d.log.Error().Err(err).Str("stanza_id", m.StanzaID).Msg("dispatch: replay archived message")
	}
}
