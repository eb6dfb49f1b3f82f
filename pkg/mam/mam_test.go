package mam_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/gaterr"
	"github.com/slidge-im/slidge-go/pkg/mam"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestPageReturnsFirstAndLast(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, err := s.Users.Create(ctx, "alice@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, u.PK, "room-1", "room-1@conference.example.com", models.MUCTypeChannel)
	require.NoError(t, err)

	base := int64(1000)
	for i, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, s.MAM.Append(ctx, &models.ArchivedMessage{
			RoomPK: room.PK, StanzaID: id, Timestamp: time.UnixMilli(base + int64(i)), AuthorJID: "alice@example.com",
			Stanza: []byte("hi"),
		}))
	}

	archive := mam.New(s.MAM)
	res, err := archive.Page(ctx, mam.Request{RoomPK: room.PK})
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, "s1", res.First)
	require.Equal(t, "s3", res.Last)
	require.Len(t, res.Messages, 3)
}

func TestPageRejectsUnknownBoundaryID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	u, err := s.Users.Create(ctx, "bob@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, u.PK, "room-2", "room-2@conference.example.com", models.MUCTypeChannel)
	require.NoError(t, err)

	archive := mam.New(s.MAM)
	_, err = archive.Page(ctx, mam.Request{RoomPK: room.PK, AfterID: "never-archived"})
	require.Error(t, err)
	gatErr, ok := gaterr.As(err)
	require.True(t, ok)
	require.Equal(t, gaterr.KindNotFound, gatErr.Kind)
}
