package message_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/message"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

type stubAdapter struct {
	adapter.Adapter
	sentTexts  []string
	nextLegacy string
}

func (a *stubAdapter) SendText(ctx context.Context, user *models.User, contact *models.Contact, text string) (string, error) {
	a.sentTexts = append(a.sentTexts, text)
	return a.nextLegacy, nil
}

func (a *stubAdapter) Correct(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID, newText string) (string, error) {
	return legacyMsgID + "-edit", nil
}

func (a *stubAdapter) Retract(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID string) error {
	return nil
}

func (a *stubAdapter) React(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID string, emojis []string) error {
	return nil
}

func (a *stubAdapter) Displayed(ctx context.Context, user *models.User, contact *models.Contact, legacyMsgID string) error {
	return nil
}

type recordingNotifier struct {
	stanzas     int
	corrections int
	retractions int
	reactions   [][]string
	markers     int
	mdsPubs     int
	carbonOK    bool
}

func (n *recordingNotifier) SendMessageStanza(ctx context.Context, user *models.User, chat message.Chat, xmppID, body, replyTo string) []byte {
	n.stanzas++
	return []byte("<message><body>" + body + "</body></message>")
}
func (n *recordingNotifier) SendCorrection(ctx context.Context, user *models.User, chat message.Chat, newXMPPID, priorXMPPID, newBody string) []byte {
	n.corrections++
	return []byte("<message><body>" + newBody + "</body></message>")
}
func (n *recordingNotifier) SendRetraction(ctx context.Context, user *models.User, chat message.Chat, xmppID string) []byte {
	n.retractions++
	return []byte("<message><retract/></message>")
}
func (n *recordingNotifier) SendReaction(ctx context.Context, user *models.User, chat message.Chat, targetXMPPID string, emojis []string) []byte {
	n.reactions = append(n.reactions, emojis)
	return []byte("<message><reactions/></message>")
}
func (n *recordingNotifier) SendDisplayedMarker(ctx context.Context, user *models.User, chat message.Chat, xmppID string) {
	n.markers++
}
func (n *recordingNotifier) SendOutgoingCarbon(ctx context.Context, user *models.User, chat message.Chat, body string) bool {
	return n.carbonOK
}
func (n *recordingNotifier) ArchivalStanza(ctx context.Context, user *models.User, chat message.Chat, xmppID, body string) []byte {
	return []byte("<message><body>" + body + "</body></message>")
}
func (n *recordingNotifier) PublishMDSDisplayed(ctx context.Context, user *models.User, chatJID, xmppID string) error {
	n.mdsPubs++
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), "sqlite3", "file::memory:?cache=shared", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestSendTextRejectsEmptyBody(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "alice@example.com", nil)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "m1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)

	_, err = p.SendText(ctx, message.Chat{}, "", "")
	require.Error(t, err)
}

func TestSendTextMapsAndEmits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "bob@example.com", nil)
	require.NoError(t, err)

	room, err := s.Rooms.Upsert(ctx, user.PK, "room-1", "room-1@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "legacy-1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)

	legacyID, err := p.SendText(ctx, message.Chat{Room: room}, "hello", "")
	require.NoError(t, err)
	require.Equal(t, "legacy-1", legacyID)
	require.Equal(t, 1, notifier.stanzas)
	require.Equal(t, []string{"hello"}, ad.sentTexts)

	page, _, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "legacy-1", page[0].LegacyID)
}

func TestCorrectFailsForUnknownLegacyID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "carol@example.com", nil)
	require.NoError(t, err)

	ad := &stubAdapter{}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)

	_, err = p.Correct(ctx, message.Chat{}, "never-sent", "new text")
	require.Error(t, err)
}

func TestCorrectUpdatesMappingAndEmitsReplace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "dave@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-2", "room-2@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "m1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)

	_, err = p.SendText(ctx, message.Chat{Room: room}, "v1", "")
	require.NoError(t, err)

	newXMPPID, err := p.Correct(ctx, message.Chat{Room: room}, "m1", "v2")
	require.NoError(t, err)
	require.NotEmpty(t, newXMPPID)
	require.Equal(t, 1, notifier.corrections)

	resolved, ok, err := s.IDMap.XMPPID(ctx, user.PK, "m1-edit", models.IDKindGroupChat)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, newXMPPID, resolved)
}

func TestRetractArchivesStanza(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "ivy@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-7", "room-7@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "m1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)
	_, err = p.SendText(ctx, message.Chat{Room: room}, "hi", "")
	require.NoError(t, err)

	require.NoError(t, p.Retract(ctx, message.Chat{Room: room}, "m1"))
	require.Equal(t, 1, notifier.retractions)

	page, _, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.Len(t, page, 2, "the original send_text and the retraction must both be archived")
	require.Contains(t, string(page[1].Stanza), "retract")
}

func TestReactArchivesStanza(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "jack@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-8", "room-8@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "m1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)
	_, err = p.SendText(ctx, message.Chat{Room: room}, "hi", "")
	require.NoError(t, err)

	require.NoError(t, p.React(ctx, message.Chat{Room: room}, "m1", []string{"ใŸ‘"}))

	page, _, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.Len(t, page, 2, "the original send_text and the reaction must both be archived")
	require.Contains(t, string(page[1].Stanza), "reactions")
}

func TestReactDedupesEmojis(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "erin@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-3", "room-3@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "m1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)
	_, err = p.SendText(ctx, message.Chat{Room: room}, "hi", "")
	require.NoError(t, err)

	require.NoError(t, p.React(ctx, message.Chat{Room: room}, "m1", []string{"ใŸ‘", "ใŸ‘", "โ™ฅ"}))
	require.Len(t, notifier.reactions, 1)
	require.ElementsMatch(t, []string{"ใŸ‘", "โ™ฅ"}, notifier.reactions[0])
}

func TestDisplayedPublishesMDSOnlyWhenWhitelisted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "frank@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-4", "room-4@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "m1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)
	_, err = p.SendText(ctx, message.Chat{Room: room}, "hi", "")
	require.NoError(t, err)

	require.NoError(t, p.Displayed(ctx, message.Chat{Room: room}, "m1", false))
	require.Equal(t, 1, notifier.markers)
	require.Equal(t, 0, notifier.mdsPubs)

	require.NoError(t, p.Displayed(ctx, message.Chat{Room: room}, "m1", true))
	require.Equal(t, 1, notifier.mdsPubs)
}

func TestHandleIncomingSuppressesOwnEcho(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "grace@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-5", "room-5@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{nextLegacy: "echo-1"}
	notifier := &recordingNotifier{}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)

	_, err = p.SendText(ctx, message.Chat{Room: room}, "sent by us", "")
	require.NoError(t, err)
	require.Equal(t, 1, notifier.stanzas)

	err = p.HandleIncoming(ctx, message.Chat{Room: room}, adapter.NewMessageEvent{LegacyID: "echo-1", Text: "sent by us"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, notifier.stanzas, "echo of our own send must not be re-emitted")
}

func TestHandleIncomingFromOtherDeviceRequiresCarbonPrivilege(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user, err := s.Users.Create(ctx, "heidi@example.com", nil)
	require.NoError(t, err)
	room, err := s.Rooms.Upsert(ctx, user.PK, "room-6", "room-6@conference.example.com", models.MUCTypeChannelNonAnonymous)
	require.NoError(t, err)

	ad := &stubAdapter{}
	notifier := &recordingNotifier{carbonOK: false}
	p := message.New(user, s.IDMap, s.MAM, ad, notifier)

	err = p.HandleIncoming(ctx, message.Chat{Room: room}, adapter.NewMessageEvent{LegacyID: "other-device-1", Text: "hi"}, true)
	require.NoError(t, err)
	require.Equal(t, 0, notifier.stanzas)

	page, _, err := s.MAM.Page(ctx, store.Query{RoomPK: room.PK})
	require.NoError(t, err)
	require.Empty(t, page, "dropped carbon must not be archived either")
}
