// Package pubsub is the PEP Broadcaster (spec.md ยง4.10, C10): avatar,
// nickname and vCard4 personal-eventing publication on capable presence,
// plus MDS whitelist-then-publish.
package pubsub

import (
	"context"
	"sync"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// Node names this package reacts to on inbound capable presence (spec.md
// ยง4.10: "+notify for a node in {avatar:metadata, nick, vcard4}").
const (
	NodeAvatarMetadata = "urn:xmpp:avatar:metadata"
	NodeAvatarData     = "urn:xmpp:avatar:data"
	NodeNick           = "http://jabber.org/protocol/nick"
	NodeVCard4         = "urn:xmpp:vcard4"
	NodeMDS            = "urn:xmpp:mds:displayed:0"
)

// watchedNodes is NodeAvatarMetadata/NodeNick/NodeVCard4 as a set, for
// filtering inbound disco +notify feature lists.
var watchedNodes = map[string]bool{
	NodeAvatarMetadata: true,
	NodeNick:           true,
	NodeVCard4:         true,
}

// Notifier is the slice of the Stanza Dispatcher the Broadcaster needs to
// emit wire stanzas: a headline message carrying a pubsub event item for
// ordinary PEP nodes, and privileged IQs for acting on the user's own PEP
// service for MDS (spec.md ยง4.10, ยง6's privileged-entity extension).
type Notifier interface {
	// PublishAvatarMetadata emits an avatar:metadata item as though from
	// contact, to recipient. hash == "" means "no avatar" (nil metadata).
	PublishAvatarMetadata(ctx context.Context, contactJID, recipientJID, hash string, bytes int, width, height int) error
	// PublishAvatarData emits the matching avatar:data item (the raw image,
	// base64, keyed by the same hash) in response to a pubsub fetch, or
	// proactively alongside metadata.
	PublishAvatarData(ctx context.Context, contactJID, recipientJID, hash string, imageBytes []byte) error
	// PublishNick emits a nickname item.
	PublishNick(ctx context.Context, contactJID, recipientJID, nickname string) error
	// PublishVCard4 emits a vCard4 item.
	PublishVCard4(ctx context.Context, contactJID, recipientJID string, vcard []byte) error

	// WhitelistMDSNode issues the two privileged pubsub-owner IQs (access
	// model + affiliation) that grant the component whitelist access to the
	// user's MDS node, impersonating user (spec.md ยง4.10).
	WhitelistMDSNode(ctx context.Context, user *models.User) error
	// PublishMDSDisplayed issues a privileged pubsub publish to the user's
	// own MDS node, impersonating user.
	PublishMDSDisplayed(ctx context.Context, user *models.User, chatJID, xmppMsgID string) error
}

// AvatarInfo is the current avatar of a Contact or Room, as resolved by
// pkg/avatar.
type AvatarInfo struct {
	Hash          string // "" means no avatar
	Bytes         []byte
	Width, Height int
}

// Broadcaster runs PEP publication for one session.
type Broadcaster struct {
	user     *models.User
	notifier Notifier

	mu             sync.Mutex
	mdsWhitelisted bool // best-effort per-session cache: one MDS node per user
}

// New builds a Broadcaster for one session.
func New(user *models.User, notifier Notifier) *Broadcaster {
	return &Broadcaster{user: user, notifier: notifier}
}

// OnCapablePresence reacts to an inbound presence advertising caps, publishing
// the current item for every watched node the capability set names
// (spec.md ยง4.10).
func (b *Broadcaster) OnCapablePresence(ctx context.Context, contactJID, recipientJID string, features []string, avatar AvatarInfo, nickname string, vcard []byte) error {
	for _, f := range features {
		if !watchedNodes[f] {
			continue
		}
		if err := b.publishNode(ctx, f, contactJID, recipientJID, avatar, nickname, vcard); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broadcaster) publishNode(ctx context.Context, node, contactJID, recipientJID string, avatar AvatarInfo, nickname string, vcard []byte) error {
	switch node {
	case NodeAvatarMetadata:
		return b.notifier.PublishAvatarMetadata(ctx, contactJID, recipientJID, avatar.Hash, len(avatar.Bytes), avatar.Width, avatar.Height)
	case NodeNick:
		return b.notifier.PublishNick(ctx, contactJID, recipientJID, nickname)
	case NodeVCard4:
		return b.notifier.PublishVCard4(ctx, contactJID, recipientJID, vcard)
	}
	return nil
}

// PublishAvatarUpdate proactively pushes a changed avatar (e.g. after
// pkg/avatar resolves a new one) to recipientJID, which must already have
// expressed interest via +notify.
func (b *Broadcaster) PublishAvatarUpdate(ctx context.Context, contactJID, recipientJID string, avatar AvatarInfo) error {
	if err := b.notifier.PublishAvatarMetadata(ctx, contactJID, recipientJID, avatar.Hash, len(avatar.Bytes), avatar.Width, avatar.Height); err != nil {
		return err
	}
	if avatar.Hash == "" {
		return nil
	}
	return b.notifier.PublishAvatarData(ctx, contactJID, recipientJID, avatar.Hash, avatar.Bytes)
}

// NotifyDisplayed whitelists the user's MDS node on first use this session,
// then publishes the displayed marker to it. Whitelisting failures are
// logged by the Notifier and treated as non-fatal here (spec.md ยง4.10).
func (b *Broadcaster) NotifyDisplayed(ctx context.Context, chatJID, xmppMsgID string) error {
	if !b.MDSWhitelisted() {
		if err := b.notifier.WhitelistMDSNode(ctx, b.user); err != nil {
			return nil // logged upstream by the Notifier; MDS is best-effort
		}
		b.markWhitelisted()
	}
	return b.notifier.PublishMDSDisplayed(ctx, b.user, chatJID, xmppMsgID)
}

// MDSWhitelisted reports whether WhitelistMDSNode has already succeeded this
// session, so callers (e.g. a read-marker event arriving before any outgoing
// Displayed call) can decide whether publishing to the MDS node is safe
// without re-issuing the privileged IQs themselves.
func (b *Broadcaster) MDSWhitelisted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mdsWhitelisted
}

func (b *Broadcaster) markWhitelisted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mdsWhitelisted = true
}
