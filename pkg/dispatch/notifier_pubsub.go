package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/pubsub"
)

const (
	pubsubEventNS = "http://jabber.org/protocol/pubsub#event"
	pubsubNS      = "http://jabber.org/protocol/pubsub"
	pubsubOwnerNS = "http://jabber.org/protocol/pubsub#owner"
	nodeConfigNS  = "jabber:x:data"
	stanzaIDNS    = "urn:xmpp:sid:0"
)

var _ interface {
	PublishAvatarMetadata(ctx context.Context, contactJID, recipientJID, hash string, bytes int, width, height int) error
	PublishAvatarData(ctx context.Context, contactJID, recipientJID, hash string, imageBytes []byte) error
	PublishNick(ctx context.Context, contactJID, recipientJID, nickname string) error
	PublishVCard4(ctx context.Context, contactJID, recipientJID string, vcard []byte) error
	WhitelistMDSNode(ctx context.Context, user *models.User) error
	PublishMDSDisplayed(ctx context.Context, user *models.User, chatJID, xmppMsgID string) error
}(nil)

// pepEventItem builds a headline message carrying a single pubsub#event item
// as though published by fromJID's own PEP service, toward toJID (spec.md
// ยง4.10).
func (d *Dispatcher) pepEventItem(ctx context.Context, fromJID, toJID, node, itemID string, payload xml.TokenReader) error {
	from, err := jid.Parse(fromJID)
	if err != nil {
		return fmt.Errorf("dispatch: parse pep publisher jid: %w", err)
	}
	to, err := jid.Parse(toJID)
	if err != nil {
		return fmt.Errorf("dispatch: parse pep recipient jid: %w", err)
	}

	item := xmlstream.Wrap(payload, xml.StartElement{
		Name: xml.Name{Local: "item"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: itemID}},
	})
	items := xmlstream.Wrap(item, xml.StartElement{
		Name: xml.Name{Local: "items"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: node}},
	})
	event := xmlstream.Wrap(items, xmlNameStart("event", pubsubEventNS))

	m := stanza.Message{To: &to, From: &from, Type: stanza.HeadlineMessage}
	sctx, cancel := d.sendCtx()
	defer cancel()
	return d.xsess.Send(sctx, m.Wrap(event))
}

// PublishAvatarMetadata implements pubsub.Notifier.
func (d *Dispatcher) PublishAvatarMetadata(ctx context.Context, contactJID, recipientJID, hash string, bytes int, width, height int) error {
	var info xml.TokenReader
	if hash != "" {
		info = xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "info"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "bytes"}, Value: fmt.Sprintf("%d", bytes)},
				{Name: xml.Name{Local: "height"}, Value: fmt.Sprintf("%d", height)},
				{Name: xml.Name{Local: "width"}, Value: fmt.Sprintf("%d", width)},
				{Name: xml.Name{Local: "id"}, Value: hash},
				{Name: xml.Name{Local: "type"}, Value: "image/png"},
			},
		})
	}
	metadata := xmlstream.Wrap(info, xmlNameStart("metadata", pubsub.NodeAvatarMetadata))
	return d.pepEventItem(ctx, contactJID, recipientJID, pubsub.NodeAvatarMetadata, hash, metadata)
}

// PublishAvatarData implements pubsub.Notifier.
func (d *Dispatcher) PublishAvatarData(ctx context.Context, contactJID, recipientJID, hash string, imageBytes []byte) error {
	data := xmlstream.Wrap(
		xmlstream.Token(xml.CharData(base64.StdEncoding.EncodeToString(imageBytes))),
		xmlNameStart("data", pubsub.NodeAvatarData),
	)
	return d.pepEventItem(ctx, contactJID, recipientJID, pubsub.NodeAvatarData, hash, data)
}

// PublishNick implements pubsub.Notifier.
func (d *Dispatcher) PublishNick(ctx context.Context, contactJID, recipientJID, nickname string) error {
	nick := xmlstream.Wrap(xmlstream.Token(xml.CharData(nickname)), xmlNameStart("nick", pubsub.NodeNick))
	return d.pepEventItem(ctx, contactJID, recipientJID, pubsub.NodeNick, "current", nick)
}

// PublishVCard4 implements pubsub.Notifier. vcard already holds a fully
// serialised <vcard xmlns='urn:ietf:params:xml:ns:vcard-4.0'> element.
func (d *Dispatcher) PublishVCard4(ctx context.Context, contactJID, recipientJID string, vcard []byte) error {
	var payload xml.TokenReader
	if len(vcard) > 0 {
		payload = xml.NewDecoder(bytes.NewReader(vcard))
	}
	return d.pepEventItem(ctx, contactJID, recipientJID, pubsub.NodeVCard4, "current", payload)
}

// WhitelistMDSNode implements pubsub.Notifier: the access-model and
// affiliation pubsub-owner IQs that grant the component whitelist access to
// user's own MDS node, impersonating user via the privileged-entity
// extension (spec.md ยง4.10, ยง6).
func (d *Dispatcher) WhitelistMDSNode(ctx context.Context, user *models.User) error {
	self, err := jid.Parse(user.BareJID)
	if err != nil {
		return fmt.Errorf("dispatch: parse user jid for mds whitelist: %w", err)
	}

	configure := xmlstream.Wrap(
		dataFormSubmit(map[string]string{
			"FORM_TYPE":           "http://jabber.org/protocol/pubsub#node_config",
			"pubsub#access_model": "whitelist",
		}),
		xml.StartElement{Name: xml.Name{Local: "configure"}, Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: pubsub.NodeMDS}}},
	)
	if err := d.sendPrivilegedOwnerIQ(ctx, &self, configure); err != nil {
		return fmt.Errorf("dispatch: mds access model: %w", err)
	}

	affiliation := xmlstream.Wrap(
		xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "affiliation"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "jid"}, Value: d.component.String()},
				{Name: xml.Name{Local: "affiliation"}, Value: "member"},
			},
		}),
		xml.StartElement{Name: xml.Name{Local: "affiliations"}, Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: pubsub.NodeMDS}}},
	)
	if err := d.sendPrivilegedOwnerIQ(ctx, &self, affiliation); err != nil {
		return fmt.Errorf("dispatch: mds affiliation: %w", err)
	}
	return nil
}

// PublishMDSDisplayed implements both pubsub.Notifier and message.Notifier:
// a privileged publish to user's own MDS node recording xmppMsgID as read
// in chatJID (XEP-0490).
func (d *Dispatcher) PublishMDSDisplayed(ctx context.Context, user *models.User, chatJID, xmppMsgID string) error {
	self, err := jid.Parse(user.BareJID)
	if err != nil {
		return fmt.Errorf("dispatch: parse user jid for mds publish: %w", err)
	}

	stanzaIDEl := xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Space: stanzaIDNS, Local: "stanza-id"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "id"}, Value: xmppMsgID},
			{Name: xml.Name{Local: "by"}, Value: chatJID},
		},
	})
	displayed := xmlstream.Wrap(stanzaIDEl, xmlNameStart("displayed", pubsub.NodeMDS))
	item := xmlstream.Wrap(displayed, xml.StartElement{
		Name: xml.Name{Local: "item"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "id"}, Value: chatJID}},
	})
	publish := xmlstream.Wrap(item, xml.StartElement{
		Name: xml.Name{Local: "publish"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "node"}, Value: pubsub.NodeMDS}},
	})

	iq := stanza.IQ{Type: stanza.SetIQ, From: &self, To: &self}
	payload := xmlstream.Wrap(publish, xmlNameStart("pubsub", pubsubNS))
	r, err := d.xsess.SendIQElement(ctx, payload, iq)
	if err != nil {
		return fmt.Errorf("dispatch: mds publish: %w", err)
	}
	return r.Close()
}

// sendPrivilegedOwnerIQ wraps payload in a pubsub#owner IQ set, impersonating
// self both as sender and recipient (the gateway acts on the user's own PEP
// service).
func (d *Dispatcher) sendPrivilegedOwnerIQ(ctx context.Context, self *jid.JID, payload xml.TokenReader) error {
	iq := stanza.IQ{Type: stanza.SetIQ, From: self, To: self}
	wrapped := xmlstream.Wrap(payload, xmlNameStart("pubsub", pubsubOwnerNS))
	r, err := d.xsess.SendIQElement(ctx, wrapped, iq)
	if err != nil {
		return err
	}
	return r.Close()
}

// dataFormSubmit builds a jabber:x:data submit form from a flat var->value
// map, used for the single-field MDS node-configuration forms this package
// needs.
func dataFormSubmit(fields map[string]string) xml.TokenReader {
	var els []xml.TokenReader
	for v, val := range fields {
		els = append(els, xmlstream.Wrap(
			xmlstream.Wrap(xmlstream.Token(xml.CharData(val)), xml.StartElement{Name: xml.Name{Local: "value"}}),
			xml.StartElement{Name: xml.Name{Local: "field"}, Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: v}}},
		))
	}
	return xmlstream.Wrap(xmlstream.MultiReader(els...), xml.StartElement{
		Name: xml.Name{Space: nodeConfigNS, Local: "x"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "submit"}},
	})
}
