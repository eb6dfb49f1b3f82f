package dispatch

import (
	"context"
	"encoding/xml"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/models"
)

var _ interface {
	SendPresence(ctx context.Context, user *models.User, show, status string, available bool)
	SendGatewayMessage(ctx context.Context, user *models.User, body string)
} = (*Dispatcher)(nil)

// componentJID builds the from-JID the component uses when speaking as
// itself rather than as a synthesised contact.
func (d *Dispatcher) componentJID() *jid.JID {
	return &d.component
}

// SendPresence implements session.Notifier: the component's own availability
// toward user, reflecting a lifecycle transition (spec.md ยง4.2).
func (d *Dispatcher) SendPresence(ctx context.Context, user *models.User, show, status string, available bool) {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Str("user", user.BareJID).Msg("dispatch: parse user jid for presence")
		return
	}

	typ := stanza.PresenceType("")
	if !available {
		typ = stanza.UnavailablePresence
	}
	p := stanza.Presence{To: &to, From: d.componentJID(), Type: typ}

	var payload xml.TokenReader
	if show != "" || status != "" {
		payload = presenceExtras(show, status)
	}

	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, p.Wrap(payload)); err != nil {
		d.log.Error().Err(err).Str("user", user.BareJID).Msg("dispatch: send component presence")
	}
}

// SendGatewayMessage implements session.Notifier: a headline chat message
// from the component itself, used for status/error notices (spec.md ยง4.2,
// ยง4.7).
func (d *Dispatcher) SendGatewayMessage(ctx context.Context, user *models.User, body string) {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Str("user", user.BareJID).Msg("dispatch: parse user jid for gateway message")
		return
	}
	m := stanza.Message{To: &to, From: d.componentJID(), Type: stanza.HeadlineMessage}
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, m.Wrap(bodyElement(body))); err != nil {
		d.log.Error().Err(err).Str("user", user.BareJID).Msg("dispatch: send gateway message")
	}
}

// presenceExtras builds the optional <show/> and <status/> children of a
// presence stanza.
func presenceExtras(show, status string) xml.TokenReader {
	var parts []xml.TokenReader
	if show != "" {
		parts = append(parts, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(show)),
			xml.StartElement{Name: xml.Name{Local: "show"}},
		))
	}
	if status != "" {
		parts = append(parts, xmlstream.Wrap(
			xmlstream.Token(xml.CharData(status)),
			xml.StartElement{Name: xml.Name{Local: "status"}},
		))
	}
	return xmlstream.MultiReader(parts...)
}

// bodyElement builds a <body> child holding plain text.
func bodyElement(body string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(body)),
		xml.StartElement{Name: xml.Name{Local: "body"}},
	)
}
