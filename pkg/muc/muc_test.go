package muc_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/muc"
	"github.com/slidge-im/slidge-go/pkg/store"
)

type fakeAdapter struct {
	adapter.Adapter
	participants []adapter.ParticipantInfo
	backfillMsgs []adapter.BackfillMessage

	backfillAfter, backfillBefore string
}

func (a *fakeAdapter) UpdateRoomInfo(ctx context.Context, user *models.User, room *models.Room) error {
	return nil
}

func (a *fakeAdapter) FillParticipants(ctx context.Context, user *models.User, room *models.Room, max int, yield func(adapter.ParticipantInfo) error) error {
	for _, p := range a.participants {
		if err := yield(p); err != nil {
			return err
		}
	}
	return nil
}

func (a *fakeAdapter) Backfill(ctx context.Context, user *models.User, room *models.Room, after, before string) ([]adapter.BackfillMessage, error) {
	a.backfillAfter, a.backfillBefore = after, before
	return a.backfillMsgs, nil
}

func (a *fakeAdapter) OnSetSubject(ctx context.Context, user *models.User, room *models.Room, subject string) error {
	return nil
}

type recordingNotifier struct {
	occupantPresences int
	selfPresences     int
	subjects          int
}

func (n *recordingNotifier) SendOccupantPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string) {
	n.occupantPresences++
}

func (n *recordingNotifier) SendSelfPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string, statusCodes []int) {
	n.selfPresences++
}

func (n *recordingNotifier) SendSubject(ctx context.Context, user *models.User, room *models.Room, subject string, setter *models.Participant) {
	n.subjects++
}

func (n *recordingNotifier) SendArchivedMessage(ctx context.Context, user *models.User, room *models.Room, m *models.ArchivedMessage) {
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestJoinFillsParticipantsAndSendsPresences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "alice@example.com", nil)
	require.NoError(t, err)

	ad := &fakeAdapter{participants: []adapter.ParticipantInfo{
		{Nickname: "bob", Affiliation: models.AffiliationMember, Role: models.RoleParticipant},
		{Nickname: "carol", Affiliation: models.AffiliationMember, Role: models.RoleParticipant},
	}}
	notifier := &recordingNotifier{}
	bk := muc.New(user, "gateway.example.com", s.Rooms, s.Participants, s.MAM, ad, notifier)

	room, err := bk.ByJID(ctx, "room-1@conference.example.com")
	require.NoError(t, err)

	require.NoError(t, bk.Join(ctx, room, "alice", "phone"))
	require.Equal(t, 2, notifier.occupantPresences)
	require.Equal(t, 1, notifier.selfPresences)

	self, err := s.Participants.TheUser(ctx, room.PK)
	require.NoError(t, err)
	require.Equal(t, "phone", self.Resource)

	updated, err := s.Rooms.ByJID(ctx, user.PK, room.JID)
	require.NoError(t, err)
	_, hasPhone := updated.UserResources["phone"]
	require.True(t, hasPhone)
}

func TestBackfillIsIdempotentByLegacyID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "dave@example.com", nil)
	require.NoError(t, err)

	ad := &fakeAdapter{backfillMsgs: []adapter.BackfillMessage{
		{LegacyID: "m1", FromLegacyID: "dave", Text: "hi", When: time.Unix(1000, 0)},
	}}
	notifier := &recordingNotifier{}
	bk := muc.New(user, "gateway.example.com", s.Rooms, s.Participants, s.MAM, ad, notifier)
	room, err := bk.ByJID(ctx, "room-2@conference.example.com")
	require.NoError(t, err)

	require.NoError(t, bk.Join(ctx, room, "dave", "laptop"))
	require.NoError(t, bk.Join(ctx, room, "dave", "laptop"))

	page, _, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.Len(t, page, 1)
}

func TestBackfillAnchorsOnNewestArchivedWithNoLiveTraffic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "judy@example.com", nil)
	require.NoError(t, err)

	room, err := s.Rooms.Upsert(ctx, user.PK, "room-5", "room-5@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.MAM.Upsert(ctx, &models.ArchivedMessage{
		RoomPK: room.PK, StanzaID: "s100", Timestamp: past, LegacyID: "100", Stanza: []byte("<message/>"),
	}))
	require.NoError(t, s.MAM.Upsert(ctx, &models.ArchivedMessage{
		RoomPK: room.PK, StanzaID: "s200", Timestamp: past.Add(time.Minute), LegacyID: "200", Stanza: []byte("<message/>"),
	}))

	ad := &fakeAdapter{}
	notifier := &recordingNotifier{}
	bk := muc.New(user, "gateway.example.com", s.Rooms, s.Participants, s.MAM, ad, notifier)

	require.NoError(t, bk.Join(ctx, room, "judy", "phone"))
	require.Equal(t, "200", ad.backfillAfter, "after must be the newest archived-before-session row")
	require.Equal(t, "", ad.backfillBefore, "before must stay empty until a live message arrives this session")
}

func TestSetSubjectRejectedWhenUnsupported(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "erin@example.com", nil)
	require.NoError(t, err)

	ad := &fakeAdapter{}
	notifier := &recordingNotifier{}
	bk := muc.New(user, "gateway.example.com", s.Rooms, s.Participants, s.MAM, ad, notifier)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-3", "room-3@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)
	room.MUCType = "unsupported_type"

	err = bk.SetSubject(ctx, room, "hello", 0, time.Now())
	require.Error(t, err)
}

func TestListAffiliationsFiltersByAffiliation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "fred@example.com", nil)
	require.NoError(t, err)

	ad := &fakeAdapter{participants: []adapter.ParticipantInfo{
		{Nickname: "gina", Affiliation: models.AffiliationOwner, Role: models.RoleModerator},
		{Nickname: "hank", Affiliation: models.AffiliationMember, Role: models.RoleParticipant},
		{Nickname: "ivy", Affiliation: models.AffiliationMember, Role: models.RoleParticipant},
	}}
	notifier := &recordingNotifier{}
	bk := muc.New(user, "gateway.example.com", s.Rooms, s.Participants, s.MAM, ad, notifier)
	room, err := bk.ByJID(ctx, "room-4@conference.example.com")
	require.NoError(t, err)
	require.NoError(t, bk.Join(ctx, room, "fred", "desktop"))

	members, err := bk.ListAffiliations(ctx, room, models.AffiliationMember)
	require.NoError(t, err)
	require.Len(t, members, 2)

	owners, err := bk.ListAffiliations(ctx, room, models.AffiliationOwner)
	require.NoError(t, err)
	require.Len(t, owners, 1)
	require.Equal(t, "gina", owners[0].Nickname)
}
