package dispatch

import (
	"context"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/models"
)

var _ interface {
	PushRosterItem(ctx context.Context, user *models.User, contact *models.Contact, group string) error
	SendSubscribe(ctx context.Context, user *models.User, contact *models.Contact) error
	SendContactPresence(ctx context.Context, user *models.User, contact *models.Contact, p models.PresenceTuple) error
}(nil)

// PushRosterItem implements roster.Notifier: a roster-item-set IQ, sent as
// user, adding contact to their roster. Only reachable when the component
// holds the roster:both privilege (XEP-0356).
func (d *Dispatcher) PushRosterItem(ctx context.Context, user *models.User, contact *models.Contact, group string) error {
	from, err := jid.Parse(user.BareJID)
	if err != nil {
		return err
	}
	contactJID, err := jid.Parse(contact.JID)
	if err != nil {
		return err
	}

	item := roster.Item{
		JID:          contactJID,
		Name:         contact.Nickname,
		Subscription: "both",
		Group:        group,
	}
	iq := stanza.IQ{Type: stanza.SetIQ, From: &from}
	payload := xmlstream.Wrap(
		item.TokenReader(),
		xmlNameStart("query", roster.NS),
	)

	r, err := d.xsess.SendIQElement(ctx, payload, iq)
	if err != nil {
		return err
	}
	r.Close()
	return nil
}

// SendSubscribe implements roster.Notifier: a subscribe presence from
// contact's synthesised JID toward user, the privilege-less fallback.
func (d *Dispatcher) SendSubscribe(ctx context.Context, user *models.User, contact *models.Contact) error {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		return err
	}
	from, err := jid.Parse(contact.JID)
	if err != nil {
		return err
	}
	p := stanza.Presence{To: &to, From: &from, Type: stanza.SubscribePresence}
	return d.xsess.Send(ctx, p.Wrap(nil))
}

// SendContactPresence implements roster.Notifier: contact's current presence
// pushed from its synthesised JID to user.
func (d *Dispatcher) SendContactPresence(ctx context.Context, user *models.User, contact *models.Contact, p models.PresenceTuple) error {
	to, err := jid.Parse(user.BareJID)
	if err != nil {
		return err
	}
	from, err := jid.Parse(contact.JID)
	if err != nil {
		return err
	}
	typ := stanza.PresenceType("")
	if p.PType == "unavailable" {
		typ = stanza.UnavailablePresence
	}
	stanzaPresence := stanza.Presence{To: &to, From: &from, Type: typ}
	return d.xsess.Send(ctx, stanzaPresence.Wrap(presenceExtras(p.PShow, p.PStatus)))
}
