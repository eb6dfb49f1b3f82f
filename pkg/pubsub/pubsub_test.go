package pubsub_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/pubsub"
)

type recordingNotifier struct {
	avatarMeta   int
	avatarData   int
	nicks        int
	vcards       int
	whitelists   int
	mdsPublishes int
	failWhitelist bool
}

func (n *recordingNotifier) PublishAvatarMetadata(ctx context.Context, contactJID, recipientJID, hash string, bytes, width, height int) error {
	n.avatarMeta++
	return nil
}

func (n *recordingNotifier) PublishAvatarData(ctx context.Context, contactJID, recipientJID, hash string, imageBytes []byte) error {
	n.avatarData++
	return nil
}

func (n *recordingNotifier) PublishNick(ctx context.Context, contactJID, recipientJID, nickname string) error {
	n.nicks++
	return nil
}

func (n *recordingNotifier) PublishVCard4(ctx context.Context, contactJID, recipientJID string, vcard []byte) error {
	n.vcards++
	return nil
}

func (n *recordingNotifier) WhitelistMDSNode(ctx context.Context, user *models.User) error {
	n.whitelists++
	if n.failWhitelist {
		return errors.New("pubsub-owner IQ rejected")
	}
	return nil
}

func (n *recordingNotifier) PublishMDSDisplayed(ctx context.Context, user *models.User, chatJID, xmppMsgID string) error {
	n.mdsPublishes++
	return nil
}

func TestOnCapablePresencePublishesOnlyWatchedNodes(t *testing.T) {
	ctx := context.Background()
	user := &models.User{PK: 1, BareJID: "alice@example.com"}
	notifier := &recordingNotifier{}
	b := pubsub.New(user, notifier)

	err := b.OnCapablePresence(ctx, "contact@gateway.example.com", "alice@example.com/phone",
		[]string{pubsub.NodeAvatarMetadata, pubsub.NodeNick, "urn:xmpp:unrelated:0"},
		pubsub.AvatarInfo{Hash: "abc123", Bytes: []byte{1, 2, 3}, Width: 100, Height: 100}, "Bob", nil)
	require.NoError(t, err)
	require.Equal(t, 1, notifier.avatarMeta)
	require.Equal(t, 1, notifier.nicks)
	require.Equal(t, 0, notifier.vcards)
}

func TestPublishAvatarUpdateSkipsDataWhenNoAvatar(t *testing.T) {
	ctx := context.Background()
	user := &models.User{PK: 1, BareJID: "carol@example.com"}
	notifier := &recordingNotifier{}
	b := pubsub.New(user, notifier)

	require.NoError(t, b.PublishAvatarUpdate(ctx, "contact@gateway.example.com", "carol@example.com/laptop", pubsub.AvatarInfo{}))
	require.Equal(t, 1, notifier.avatarMeta)
	require.Equal(t, 0, notifier.avatarData, "no avatar means metadata only, per spec")
}

func TestNotifyDisplayedWhitelistsOnlyOncePerSession(t *testing.T) {
	ctx := context.Background()
	user := &models.User{PK: 1, BareJID: "dave@example.com"}
	notifier := &recordingNotifier{}
	b := pubsub.New(user, notifier)

	require.NoError(t, b.NotifyDisplayed(ctx, "room@conference.example.com", "xmpp-1"))
	require.NoError(t, b.NotifyDisplayed(ctx, "room@conference.example.com", "xmpp-2"))
	require.Equal(t, 1, notifier.whitelists)
	require.Equal(t, 2, notifier.mdsPublishes)
}

func TestNotifyDisplayedTreatsWhitelistFailureAsNonFatal(t *testing.T) {
	ctx := context.Background()
	user := &models.User{PK: 1, BareJID: "erin@example.com"}
	notifier := &recordingNotifier{failWhitelist: true}
	b := pubsub.New(user, notifier)

	err := b.NotifyDisplayed(ctx, "room@conference.example.com", "xmpp-1")
	require.NoError(t, err)
	require.Equal(t, 0, notifier.mdsPublishes, "publish is skipped this round, but the caller isn't told it failed")
}
