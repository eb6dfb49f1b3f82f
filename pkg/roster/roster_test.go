package roster_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/roster"
	"github.com/slidge-im/slidge-go/pkg/store"
)

type recordingNotifier struct {
	pushed     int
	subscribed int
}

func (n *recordingNotifier) PushRosterItem(ctx context.Context, user *models.User, contact *models.Contact, group string) error {
	n.pushed++
	return nil
}

func (n *recordingNotifier) SendSubscribe(ctx context.Context, user *models.User, contact *models.Contact) error {
	n.subscribed++
	return nil
}

func (n *recordingNotifier) SendContactPresence(ctx context.Context, user *models.User, contact *models.Contact, p models.PresenceTuple) error {
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestByLegacyIDCreatesSkeletonAndCachesIdentity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "romeo@example.com", nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	contacts := roster.New(user, "gateway.example.com", s.Contacts, nil, notifier, true, "")

	first, err := contacts.ByLegacyID(ctx, "legacy-42")
	require.NoError(t, err)
	require.False(t, first.Updated)

	second, err := contacts.ByLegacyID(ctx, "legacy-42")
	require.NoError(t, err)
	require.Same(t, first, second)

	byJID, err := contacts.ByJID(ctx, first.JID)
	require.NoError(t, err)
	require.Same(t, first, byJID)
}

func TestAddToRosterUsesPushWhenPrivilegeGranted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "juliet@example.com", nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	contacts := roster.New(user, "gateway.example.com", s.Contacts, nil, notifier, true, "")
	ct, err := contacts.ByLegacyID(ctx, "legacy-1")
	require.NoError(t, err)

	require.NoError(t, contacts.AddToRoster(ctx, ct))
	require.Equal(t, 1, notifier.pushed)
	require.Equal(t, 0, notifier.subscribed)
	require.True(t, ct.AddedToRoster)

	// A second call must be a no-op: already on the roster.
	require.NoError(t, contacts.AddToRoster(ctx, ct))
	require.Equal(t, 1, notifier.pushed)
}

func TestAddToRosterFallsBackToSubscribeWithoutPrivilege(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "tybalt@example.com", nil)
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	contacts := roster.New(user, "gateway.example.com", s.Contacts, nil, notifier, false, "")
	ct, err := contacts.ByLegacyID(ctx, "legacy-2")
	require.NoError(t, err)

	require.NoError(t, contacts.AddToRoster(ctx, ct))
	require.Equal(t, 0, notifier.pushed)
	require.Equal(t, 1, notifier.subscribed)
}
