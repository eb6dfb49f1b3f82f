// Package message is the Message Plane (spec.md ยง4.5, C5): the six
// outbound operations (send_text, send_file, correct, retract, react,
// displayed), carbon impersonation, duplicate suppression, and MAM
// archival of XMPP-originated traffic.
package message

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/xid"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

// Chat is the target of an outbound operation: exactly one of Contact or
// Room is set.
type Chat struct {
	Contact *models.Contact
	Room    *models.Room
}

func (c Chat) roomPK() int64 {
	if c.Room != nil {
		return c.Room.PK
	}
	return 0
}

// Notifier is the slice of the Stanza Dispatcher the message plane needs
// to emit wire stanzas for each operation (spec.md ยง4.5).
type Notifier interface {
	// SendMessageStanza and the other Send* operations below return the
	// literal bytes of the stanza placed on the wire (nil on send failure),
	// so the Plane can archive exactly what was sent rather than
	// reconstructing an approximation of it.
	SendMessageStanza(ctx context.Context, user *models.User, chat Chat, xmppID, body string, replyTo string) []byte
	SendCorrection(ctx context.Context, user *models.User, chat Chat, newXMPPID, priorXMPPID, newBody string) []byte
	SendRetraction(ctx context.Context, user *models.User, chat Chat, xmppID string) []byte
	SendReaction(ctx context.Context, user *models.User, chat Chat, targetXMPPID string, emojis []string) []byte
	SendDisplayedMarker(ctx context.Context, user *models.User, chat Chat, xmppID string)
	SendOutgoingCarbon(ctx context.Context, user *models.User, chat Chat, body string) (hasPrivilege bool)
	// ArchivalStanza builds (without sending) the same plain-message shape
	// SendMessageStanza would emit, for the carbon-impersonation path where
	// what actually went out was a wrapped <sent/> forward rather than a
	// directly replayable message.
	ArchivalStanza(ctx context.Context, user *models.User, chat Chat, xmppID, body string) []byte
	// PublishMDSDisplayed shares its signature with pubsub.Notifier's method
	// of the same name so the Stanza Dispatcher implements both with a
	// single method (spec.md ยง4.5, ยง4.10).
	PublishMDSDisplayed(ctx context.Context, user *models.User, chatJID, xmppID string) error
}

// Plane runs the message-plane operations for one session.
type Plane struct {
	user     *models.User
	idmap    *store.IDMapStore
	mam      *store.MAMStore
	ad       adapter.Adapter
	notifier Notifier

	mu       sync.Mutex
	inFlight map[string]struct{} // legacy ids awaiting their own echo, for duplicate suppression
}

// New builds a Plane for one session.
func New(user *models.User, idmap *store.IDMapStore, mam *store.MAMStore, ad adapter.Adapter, notifier Notifier) *Plane {
	return &Plane{user: user, idmap: idmap, mam: mam, ad: ad, notifier: notifier, inFlight: make(map[string]struct{})}
}

func (p *Plane) idKind(chat Chat) models.IDKind {
	if chat.Room != nil {
		return models.IDKindGroupChat
	}
	return models.IDKindDM
}

// SendText implements send_text: body must be non-empty (spec.md ยง4.5).
func (p *Plane) SendText(ctx context.Context, chat Chat, body, replyTo string) (legacyID string, err error) {
	if body == "" {
		return "", fmt.Errorf("message: send_text: body must not be empty")
	}
	legacyID, err = p.ad.SendText(ctx, p.user, chat.Contact, body)
	if err != nil {
		return "", fmt.Errorf("message: send_text: %w", err)
	}
	p.markInFlight(legacyID)

	xmppID := xid.New().String()
	if _, err := p.idmap.Set(ctx, p.user.PK, xmppID, legacyID, p.idKind(chat)); err != nil {
		return "", err
	}
	stanza := p.notifier.SendMessageStanza(ctx, p.user, chat, xmppID, body, replyTo)
	if err := p.archive(ctx, chat, xmppID, p.user.BareJID, stanza, legacyID, body != ""); err != nil {
		return "", err
	}
	return legacyID, nil
}

// SendFile implements send_file by forwarding url and attachment to the
// adapter as given. It looks up no prior Attachment and uploads nothing
// itself, so nothing here keeps a file from being uploaded more than once.
func (p *Plane) SendFile(ctx context.Context, chat Chat, url string, attachment *models.Attachment, caption string) (legacyID string, err error) {
	legacyID, err = p.ad.SendFile(ctx, p.user, chat.Contact, url, attachment)
	if err != nil {
		return "", fmt.Errorf("message: send_file: %w", err)
	}
	p.markInFlight(legacyID)

	xmppID := xid.New().String()
	if _, err := p.idmap.Set(ctx, p.user.PK, xmppID, legacyID, p.idKind(chat)); err != nil {
		return "", err
	}
	stanza := p.notifier.SendMessageStanza(ctx, p.user, chat, xmppID, caption, "")
	if err := p.archive(ctx, chat, xmppID, p.user.BareJID, stanza, legacyID, caption != ""); err != nil {
		return "", err
	}
	return legacyID, nil
}

// Correct implements correct: legacyID must already be mapped, per spec.md
// ยง4.5's "legacy_id must exist in mapping" precondition.
func (p *Plane) Correct(ctx context.Context, chat Chat, legacyID, newBody string) (newXMPPID string, err error) {
	priorXMPPID, ok, err := p.idmap.XMPPID(ctx, p.user.PK, legacyID, p.idKind(chat))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("message: correct: unknown legacy id %q", legacyID)
	}

	newLegacyID, err := p.ad.Correct(ctx, p.user, chat.Contact, legacyID, newBody)
	if err != nil {
		return "", fmt.Errorf("message: correct: %w", err)
	}

	newXMPPID = xid.New().String()
	if _, err := p.idmap.Set(ctx, p.user.PK, newXMPPID, newLegacyID, p.idKind(chat)); err != nil {
		return "", err
	}
	stanza := p.notifier.SendCorrection(ctx, p.user, chat, newXMPPID, priorXMPPID, newBody)
	if err := p.archive(ctx, chat, newXMPPID, p.user.BareJID, stanza, newLegacyID, newBody != ""); err != nil {
		return "", err
	}
	return newXMPPID, nil
}

// Retract implements retract: legacyID must already be mapped.
func (p *Plane) Retract(ctx context.Context, chat Chat, legacyID string) error {
	xmppID, ok, err := p.idmap.XMPPID(ctx, p.user.PK, legacyID, p.idKind(chat))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message: retract: unknown legacy id %q", legacyID)
	}
	if err := p.ad.Retract(ctx, p.user, chat.Contact, legacyID); err != nil {
		return fmt.Errorf("message: retract: %w", err)
	}
	stanza := p.notifier.SendRetraction(ctx, p.user, chat, xmppID)
	return p.archive(ctx, chat, xmppID, p.user.BareJID, stanza, legacyID, true)
}

// React implements react: emojis is the full resulting set, not a delta;
// duplicates collapse via the map key; an empty set removes the reaction
// (spec.md ยง4.5).
func (p *Plane) React(ctx context.Context, chat Chat, legacyID string, emojis []string) error {
	xmppID, ok, err := p.idmap.XMPPID(ctx, p.user.PK, legacyID, p.idKind(chat))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message: react: unknown legacy id %q", legacyID)
	}
	deduped := dedupe(emojis)
	if err := p.ad.React(ctx, p.user, chat.Contact, legacyID, deduped); err != nil {
		return fmt.Errorf("message: react: %w", err)
	}
	stanza := p.notifier.SendReaction(ctx, p.user, chat, xmppID, deduped)
	return p.archive(ctx, chat, xmppID, p.user.BareJID, stanza, legacyID, true)
}

// Displayed implements displayed: emits a chat-marker and, if the contact
// is MDS-whitelisted, also publishes to the user's MDS node (spec.md ยง4.5).
func (p *Plane) Displayed(ctx context.Context, chat Chat, legacyID string, mdsWhitelisted bool) error {
	xmppID, ok, err := p.idmap.XMPPID(ctx, p.user.PK, legacyID, p.idKind(chat))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("message: displayed: unknown legacy id %q", legacyID)
	}
	if err := p.ad.Displayed(ctx, p.user, chat.Contact, legacyID); err != nil {
		return fmt.Errorf("message: displayed: %w", err)
	}
	p.notifier.SendDisplayedMarker(ctx, p.user, chat, xmppID)
	if mdsWhitelisted {
		if err := p.notifier.PublishMDSDisplayed(ctx, p.user, chatJID(chat), xmppID); err != nil {
			return fmt.Errorf("message: displayed: publish mds: %w", err)
		}
	}
	return nil
}

// chatJID resolves the bare JID a chat speaks as, for operations that need
// a plain string rather than the full Chat (spec.md ยง4.5).
func chatJID(chat Chat) string {
	if chat.Contact != nil {
		return chat.Contact.JID
	}
	if chat.Room != nil {
		return chat.Room.JID
	}
	return ""
}

// HandleIncoming processes a legacy "new message" event, suppressing it if
// it is the round-trip echo of the gateway's own prior send (spec.md
// ยง4.5's duplicate-suppression rule), otherwise mirroring it onto XMPP (as
// an outgoing carbon if it came from the user's own other device) and
// archiving it.
func (p *Plane) HandleIncoming(ctx context.Context, chat Chat, ev adapter.NewMessageEvent, fromSelf bool) error {
	if p.consumeInFlight(ev.LegacyID) {
		return nil // our own echo; drop silently
	}

	xmppID := xid.New().String()
	if _, err := p.idmap.Set(ctx, p.user.PK, xmppID, ev.LegacyID, p.idKind(chat)); err != nil {
		return err
	}

	author := ev.FromLegacyID
	var stanza []byte
	if fromSelf {
		if !p.notifier.SendOutgoingCarbon(ctx, p.user, chat, ev.Text) {
			return nil // no message:outgoing privilege; drop, already logged by the notifier
		}
		author = p.user.BareJID
		stanza = p.notifier.ArchivalStanza(ctx, p.user, chat, xmppID, ev.Text)
	} else {
		stanza = p.notifier.SendMessageStanza(ctx, p.user, chat, xmppID, ev.Text, ev.ReplyToID)
	}
	return p.archive(ctx, chat, xmppID, author, stanza, ev.LegacyID, ev.Text != "")
}

func (p *Plane) markInFlight(legacyID string) {
	if legacyID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[legacyID] = struct{}{}
}

func (p *Plane) consumeInFlight(legacyID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inFlight[legacyID]; ok {
		delete(p.inFlight, legacyID)
		return true
	}
	return false
}

// archive stores an archivable stanza in MAM, keyed by Room. Only room
// chats are archived: a chat with no Room (1:1) is skipped. archivable
// mirrors spec.md
// ยง4.5's rule: body non-empty, or retraction, or reaction; stanza is the
// literal bytes placed on (or built for) the wire, nil if the notifier
// failed to produce one.
func (p *Plane) archive(ctx context.Context, chat Chat, xmppID, authorJID string, stanza []byte, legacyID string, archivable bool) error {
	if chat.roomPK() == 0 || !archivable || len(stanza) == 0 {
		return nil
	}
	return p.mam.Append(ctx, &models.ArchivedMessage{
		RoomPK:    chat.roomPK(),
		StanzaID:  xmppID,
		AuthorJID: authorJID,
		Stanza:    stanza,
		LegacyID:  legacyID,
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
