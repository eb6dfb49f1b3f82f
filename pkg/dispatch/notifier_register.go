package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"
	"mellium.im/xmpp/upload"
)

var _ interface {
	SendFile(ctx context.Context, toBareJID string, pngBytes []byte, filename string) (string, error)
	SendText(ctx context.Context, toBareJID, text string) error
	SubscribeComponent(ctx context.Context, toBareJID string) error
}(nil)

// SendFile implements register.Notifier: requests an HTTP upload slot
// (XEP-0363) from the deployment's configured upload service, PUTs
// pngBytes to it, and returns the retrieval URL (spec.md ยง4.7, used for
// the out-of-band QR login code).
func (d *Dispatcher) SendFile(ctx context.Context, toBareJID string, pngBytes []byte, filename string) (string, error) {
	if d.cfg.HTTPUploadJID == "" {
		return "", fmt.Errorf("dispatch: no http upload service configured")
	}
	service, err := jid.Parse(d.cfg.HTTPUploadJID)
	if err != nil {
		return "", fmt.Errorf("dispatch: parse http upload jid: %w", err)
	}

	slot, err := upload.GetSlot(ctx, upload.File{
		Name: filename,
		Size: uint64(len(pngBytes)),
		Type: "image/png",
	}, service, d.xsess)
	if err != nil {
		return "", fmt.Errorf("dispatch: get upload slot: %w", err)
	}

	req, err := slot.Put(ctx, bytes.NewReader(pngBytes))
	if err != nil {
		return "", fmt.Errorf("dispatch: build upload put request: %w", err)
	}
	req.ContentLength = int64(len(pngBytes))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("dispatch: upload put: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("dispatch: upload put: unexpected status %s", resp.Status)
	}

	if slot.GetURL == nil {
		return "", fmt.Errorf("dispatch: upload slot missing get url")
	}
	return slot.GetURL.String(), nil
}

// SendText implements register.Notifier: a headline message from the
// component itself carrying a plain-text instruction (spec.md ยง4.7).
func (d *Dispatcher) SendText(ctx context.Context, toBareJID, text string) error {
	to, err := jid.Parse(toBareJID)
	if err != nil {
		return fmt.Errorf("dispatch: parse recipient jid: %w", err)
	}
	m := stanza.Message{To: &to, From: d.componentJID(), Type: stanza.HeadlineMessage}
	return d.xsess.Send(ctx, m.Wrap(bodyElement(text)))
}

// SubscribeComponent implements register.Notifier: on a fresh registration,
// the component subscribes its own JID to the new user's roster (spec.md
// scenario 1) so gateway-initiated messages and presence work without the
// user adding the gateway by hand, mirroring the roster:both-vs-subscribe
// fallback already used for ordinary contacts (pkg/roster.Contacts.AddToRoster).
func (d *Dispatcher) SubscribeComponent(ctx context.Context, toBareJID string) error {
	to, err := jid.Parse(toBareJID)
	if err != nil {
		return fmt.Errorf("dispatch: parse recipient jid: %w", err)
	}
	from := d.componentJID()

	if d.cfg.RosterBoth {
		item := roster.Item{JID: *from, Subscription: "both"}
		iq := stanza.IQ{Type: stanza.SetIQ, From: &to}
		payload := xmlstream.Wrap(item.TokenReader(), xmlNameStart("query", roster.NS))
		r, err := d.xsess.SendIQElement(ctx, payload, iq)
		if err != nil {
			return fmt.Errorf("dispatch: push component roster item: %w", err)
		}
		r.Close()
		return nil
	}

	p := stanza.Presence{To: &to, From: from, Type: stanza.SubscribePresence}
	return d.xsess.Send(ctx, p.Wrap(nil))
}
