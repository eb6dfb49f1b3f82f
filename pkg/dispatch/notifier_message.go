package dispatch

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/carbons"
	"mellium.im/xmpp/delay"
	"mellium.im/xmpp/forward"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/message"
	"github.com/slidge-im/slidge-go/pkg/models"
)

var _ interface {
	SendMessageStanza(ctx context.Context, user *models.User, chat message.Chat, xmppID, body string, replyTo string) []byte
	SendCorrection(ctx context.Context, user *models.User, chat message.Chat, newXMPPID, priorXMPPID, newBody string) []byte
	SendRetraction(ctx context.Context, user *models.User, chat message.Chat, xmppID string) []byte
	SendReaction(ctx context.Context, user *models.User, chat message.Chat, targetXMPPID string, emojis []string) []byte
	SendDisplayedMarker(ctx context.Context, user *models.User, chat message.Chat, xmppID string)
	SendOutgoingCarbon(ctx context.Context, user *models.User, chat message.Chat, body string) bool
	ArchivalStanza(ctx context.Context, user *models.User, chat message.Chat, xmppID, body string) []byte
}(nil)

// chatPeerJID resolves the bare JID a message plane operation speaks as:
// the contact's synthesised JID for a 1:1 chat, the room's bare JID for a
// group chat (spec.md ยง4.5).
func chatPeerJID(chat message.Chat) (jid.JID, error) {
	switch {
	case chat.Contact != nil:
		return jid.Parse(chat.Contact.JID)
	case chat.Room != nil:
		return jid.Parse(chat.Room.JID)
	default:
		return jid.JID{}, fmt.Errorf("dispatch: chat has neither contact nor room")
	}
}

func chatMessageType(chat message.Chat) stanza.MessageType {
	if chat.Room != nil {
		return stanza.GroupChatMessage
	}
	return stanza.ChatMessage
}

// chatHintElements are the XEP-0085 chat-state "active", XEP-0333
// "markable", and XEP-0334 "store" processing-hint children every outgoing
// send_text stanza carries (spec.md ยง4.5, scenario 2).
func chatHintElements() []xml.TokenReader {
	return []xml.TokenReader{
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: "http://jabber.org/protocol/chatstates", Local: "active"}}),
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: "urn:xmpp:chat-markers:0", Local: "markable"}}),
		xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: "urn:xmpp:hints", Local: "store"}}),
	}
}

// buildChatMessage assembles the plain message stanza send_text (and its
// archival variant, ArchivalStanza) emit: body, chat hints, and an optional
// XEP-0461 reply-fallback reference. Callers that need both the serialized
// bytes and the stanza actually sent must call this twice -- the returned
// xml.TokenReader is single-pass.
func buildChatMessage(to, from jid.JID, xmppID string, typ stanza.MessageType, body, replyTo string) xml.TokenReader {
	m := stanza.Message{To: &to, From: &from, ID: xmppID, Type: typ}
	parts := append([]xml.TokenReader{bodyElement(body)}, chatHintElements()...)
	if replyTo != "" {
		parts = append(parts, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: "urn:xmpp:reply:0", Local: "reply"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: replyTo}},
		}))
	}
	return m.Wrap(xmlstream.MultiReader(parts...))
}

// SendMessageStanza implements message.Notifier: a plain incoming message,
// optionally carrying a reply-fallback reference (XEP-0461).
func (d *Dispatcher) SendMessageStanza(ctx context.Context, user *models.User, chat message.Chat, xmppID, body, replyTo string) []byte {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for message")
		return nil
	}
	from, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return nil
	}
	typ := chatMessageType(chat)

	stanzaBytes := marshalStanza(buildChatMessage(to, from, xmppID, typ, body, replyTo))

	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, buildChatMessage(to, from, xmppID, typ, body, replyTo)); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send message stanza")
		return nil
	}
	return stanzaBytes
}

// ArchivalStanza implements message.Notifier: builds the plain-message
// shape SendMessageStanza would have emitted, without sending it, for the
// carbon-impersonation path where what actually went out (a carbons
// <sent/> envelope) isn't itself a plain message replayable from MAM.
func (d *Dispatcher) ArchivalStanza(ctx context.Context, user *models.User, chat message.Chat, xmppID, body string) []byte {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for archival stanza")
		return nil
	}
	from, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return nil
	}
	return marshalStanza(buildChatMessage(to, from, xmppID, chatMessageType(chat), body, ""))
}

// SendCorrection implements message.Notifier (XEP-0308).
func (d *Dispatcher) SendCorrection(ctx context.Context, user *models.User, chat message.Chat, newXMPPID, priorXMPPID, newBody string) []byte {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for correction")
		return nil
	}
	from, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return nil
	}

	build := func() xml.TokenReader {
		m := stanza.Message{To: &to, From: &from, ID: newXMPPID, Type: chatMessageType(chat)}
		replace := xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: "urn:xmpp:message-correct:0", Local: "replace"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: priorXMPPID}},
		})
		return m.Wrap(xmlstream.MultiReader(bodyElement(newBody), replace))
	}

	stanzaBytes := marshalStanza(build())
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, build()); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send correction")
		return nil
	}
	return stanzaBytes
}

// SendRetraction implements message.Notifier (XEP-0424).
func (d *Dispatcher) SendRetraction(ctx context.Context, user *models.User, chat message.Chat, xmppID string) []byte {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for retraction")
		return nil
	}
	from, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return nil
	}

	build := func() xml.TokenReader {
		m := stanza.Message{To: &to, From: &from, Type: chatMessageType(chat)}
		retract := xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Space: "urn:xmpp:message-retract:1", Local: "retract"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: xmppID}},
		})
		return m.Wrap(retract)
	}

	stanzaBytes := marshalStanza(build())
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, build()); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send retraction")
		return nil
	}
	return stanzaBytes
}

// SendReaction implements message.Notifier (XEP-0444).
func (d *Dispatcher) SendReaction(ctx context.Context, user *models.User, chat message.Chat, targetXMPPID string, emojis []string) []byte {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for reaction")
		return nil
	}
	from, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return nil
	}

	build := func() xml.TokenReader {
		var reactionEls []xml.TokenReader
		for _, e := range emojis {
			reactionEls = append(reactionEls, xmlstream.Wrap(
				xmlstream.Token(xml.CharData(e)),
				xml.StartElement{Name: xml.Name{Local: "reaction"}},
			))
		}
		reactions := xmlstream.Wrap(xmlstream.MultiReader(reactionEls...), xml.StartElement{
			Name: xml.Name{Space: "urn:xmpp:reactions:0", Local: "reactions"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: targetXMPPID}},
		})
		m := stanza.Message{To: &to, From: &from, Type: chatMessageType(chat)}
		return m.Wrap(reactions)
	}

	stanzaBytes := marshalStanza(build())
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, build()); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send reaction")
		return nil
	}
	return stanzaBytes
}

// SendDisplayedMarker implements message.Notifier (XEP-0333).
func (d *Dispatcher) SendDisplayedMarker(ctx context.Context, user *models.User, chat message.Chat, xmppID string) {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for displayed marker")
		return
	}
	from, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return
	}

	displayed := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: "urn:xmpp:chat-markers:0", Local: "displayed"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: xmppID}},
	})
	m := stanza.Message{To: &to, From: &from, Type: chatMessageType(chat)}
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, m.Wrap(displayed)); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send displayed marker")
	}
}

// SendOutgoingCarbon implements message.Notifier: wraps body as a carbons
// "sent" copy (XEP-0280) impersonating the user's own bare JID, reachable
// only when the deployment was granted the message:outgoing privilege
// (XEP-0356); returns false without sending otherwise.
func (d *Dispatcher) SendOutgoingCarbon(ctx context.Context, user *models.User, chat message.Chat, body string) bool {
	if !d.cfg.MessageOutgoing {
		d.log.Warn().Str("user", user.BareJID).Msg("dispatch: dropping outgoing carbon, message:outgoing privilege not granted")
		return false
	}

	from, err := jid.Parse(user.BareJID)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: parse user jid for outgoing carbon")
		return false
	}
	to, err := chatPeerJID(chat)
	if err != nil {
		d.log.Error().Err(err).Msg("dispatch: resolve chat peer jid")
		return false
	}

	inner := stanza.Message{To: &to, From: &from, Type: chatMessageType(chat)}.Wrap(bodyElement(body))
	forwarded := forward.Forwarded{Delay: delay.Delay{Time: time.Now()}}.Wrap(inner)
	sentCarbon := xmlstream.Wrap(forwarded, xmlNameStart("sent", carbons.NS))

	outer := stanza.Message{From: &from, Type: chatMessageType(chat)}
	sctx, cancel := d.sendCtx()
	defer cancel()
	if err := d.xsess.Send(sctx, outer.Wrap(sentCarbon)); err != nil {
		d.log.Error().Err(err).Msg("dispatch: send outgoing carbon")
		return false
	}
	return true
}
