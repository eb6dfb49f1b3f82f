package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	s, err := store.Open(ctx, "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestUserCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	u, err := s.Users.Create(ctx, "juliet@example.com", map[string]string{"token": "abc"})
	require.NoError(t, err)
	require.NotZero(t, u.PK)

	got, err := s.Users.Get(ctx, "juliet@example.com")
	require.NoError(t, err)
	require.Equal(t, u.PK, got.PK)
	require.Equal(t, "abc", got.LegacyModuleData["token"])

	missing, err := s.Users.Get(ctx, "nobody@example.com")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestContactUpsertIsIdempotentUnderConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u, err := s.Users.Create(ctx, "romeo@example.com", nil)
	require.NoError(t, err)

	first, err := s.Contacts.Upsert(ctx, u.PK, "legacy-1", "legacy-1@gw.example.com")
	require.NoError(t, err)

	// Simulates a second, concurrent discovery of the same legacy contact:
	// the unique (user_fk, legacy_id) constraint fires and Upsert must fall
	// back to returning the row the first call created, not error.
	second, err := s.Contacts.Upsert(ctx, u.PK, "legacy-1", "legacy-1@gw.example.com")
	require.NoError(t, err)
	require.Equal(t, first.PK, second.PK)

	all, err := s.Contacts.All(ctx, u.PK)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestRoomUpsertEnforcesSingleUserParticipant(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u, err := s.Users.Create(ctx, "mercutio@example.com", nil)
	require.NoError(t, err)

	room, err := s.Rooms.Upsert(ctx, u.PK, "room-1", "room-1@conference.example.com", models.MUCTypeGroup)
	require.NoError(t, err)

	p1, err := s.Participants.Upsert(ctx, room.PK, "mercutio", true)
	require.NoError(t, err)

	// A second is_user=true participant in the same room must resolve back
	// to p1 via the partial unique index fallback, never create a second row.
	p2, err := s.Participants.Upsert(ctx, room.PK, "mercutio-alt-nick", true)
	require.NoError(t, err)
	require.Equal(t, p1.PK, p2.PK)

	all, err := s.Participants.All(ctx, room.PK)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestIDMapBijection(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u, err := s.Users.Create(ctx, "benvolio@example.com", nil)
	require.NoError(t, err)

	legacyID, err := s.IDMap.Set(ctx, u.PK, "xmpp-stanza-1", "legacy-msg-1", models.IDKindDM)
	require.NoError(t, err)
	require.Equal(t, "legacy-msg-1", legacyID)

	gotLegacy, ok, err := s.IDMap.LegacyID(ctx, u.PK, "xmpp-stanza-1", models.IDKindDM)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "legacy-msg-1", gotLegacy)

	gotXMPP, ok, err := s.IDMap.XMPPID(ctx, u.PK, "legacy-msg-1", models.IDKindDM)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xmpp-stanza-1", gotXMPP)

	// Re-Set with the same xmppID must resolve to the already-mapped
	// legacy id rather than erroring or creating a conflicting row.
	resolved, err := s.IDMap.Set(ctx, u.PK, "xmpp-stanza-1", "legacy-msg-DIFFERENT", models.IDKindDM)
	require.NoError(t, err)
	require.Equal(t, "legacy-msg-1", resolved)
}

func TestMAMPageOrderingAndAfterID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u, err := s.Users.Create(ctx, "tybalt@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, u.PK, "room-2", "room-2@conference.example.com", models.MUCTypeChannel)
	require.NoError(t, err)

	base := int64(1000)
	for i, id := range []string{"s1", "s2", "s3"} {
		err := s.MAM.Append(ctx, &models.ArchivedMessage{
			RoomPK:    room.PK,
			StanzaID:  id,
			Timestamp: time.UnixMilli(base + int64(i)),
			AuthorJID: "tybalt@example.com",
			Stanza:    []byte("<message/>"),
		})
		require.NoError(t, err)
	}

	page, complete, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, []string{"s1", "s2", "s3"}, stanzaIDs(page))

	after, complete, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK, AfterID: "s1"})
	require.NoError(t, err)
	require.True(t, complete)
	require.Equal(t, []string{"s2", "s3"}, stanzaIDs(after))

	lastPage, complete, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK, Before: true, Max: 2})
	require.NoError(t, err)
	require.False(t, complete)
	require.Equal(t, []string{"s2", "s3"}, stanzaIDs(lastPage))
}

func TestMAMUpsertUpdatesInPlaceByLegacyID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	u, err := s.Users.Create(ctx, "benvolio@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, u.PK, "room-3", "room-3@conference.example.com", models.MUCTypeChannel)
	require.NoError(t, err)

	require.NoError(t, s.MAM.Upsert(ctx, &models.ArchivedMessage{
		RoomPK:    room.PK,
		StanzaID:  "m1",
		Timestamp: time.UnixMilli(1000),
		AuthorJID: "benvolio@example.com",
		Stanza:    []byte("first draft"),
		LegacyID:  "legacy-m1",
	}))
	require.NoError(t, s.MAM.Upsert(ctx, &models.ArchivedMessage{
		RoomPK:    room.PK,
		StanzaID:  "m1",
		Timestamp: time.UnixMilli(2000),
		AuthorJID: "benvolio@example.com",
		Stanza:    []byte("corrected"),
		LegacyID:  "legacy-m1",
	}))

	page, _, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.Len(t, page, 1, "same legacy id must update in place, not duplicate")
	require.Equal(t, "corrected", string(page[0].Stanza))
	require.Equal(t, int64(2000), page[0].Timestamp.UnixMilli())
}

func stanzaIDs(msgs []*models.ArchivedMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.StanzaID
	}
	return out
}
