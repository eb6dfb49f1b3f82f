// Package muc is Bookmarks & MUCs (spec.md ยง4.4, C4): per-session Room
// bookmarks, participant fill, history backfill, and subject handling.
package muc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/slidge-im/slidge-go/pkg/adapter"
	"github.com/slidge-im/slidge-go/pkg/mam"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
	"github.com/slidge-im/slidge-go/pkg/xmppid"
)

// MaxParticipantsFill bounds how many occupants FillParticipants requests
// per join, the configured cap spec.md ยง4.4 step 3 refers to.
const MaxParticipantsFill = 1000

// Notifier is the slice of the Stanza Dispatcher Bookmarks needs to emit
// MUC presence and message stanzas (spec.md ยง4.4 steps 4-5).
type Notifier interface {
	SendOccupantPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string)
	SendSelfPresence(ctx context.Context, user *models.User, room *models.Room, p *models.Participant, toResource string, statusCodes []int)
	SendSubject(ctx context.Context, user *models.User, room *models.Room, subject string, setter *models.Participant)
	SendArchivedMessage(ctx context.Context, user *models.User, room *models.Room, m *models.ArchivedMessage)
}

// Bookmarks is one session's Room collection.
type Bookmarks struct {
	user            *models.User
	componentDomain string
	rooms           *store.RoomStore
	participants    *store.ParticipantStore
	mam             *store.MAMStore
	ad              adapter.Adapter
	notifier        Notifier
	sessionStart    time.Time

	mu     sync.Mutex
	byPK   map[int64]*models.Room
	byJID  map[string]*models.Room
}

// New builds a Bookmarks collection for one session. sessionStart marks the
// archived/live boundary backfill uses: any MAM row timestamped before it
// was archived in a prior session, anything from it onward was received
// live during this one (spec.md ยง4.4).
func New(user *models.User, componentDomain string, rooms *store.RoomStore, participants *store.ParticipantStore, mam *store.MAMStore, ad adapter.Adapter, notifier Notifier) *Bookmarks {
	return &Bookmarks{
		user: user, componentDomain: componentDomain, rooms: rooms, participants: participants,
		mam: mam, ad: ad, notifier: notifier, sessionStart: time.Now(),
		byPK: make(map[int64]*models.Room), byJID: make(map[string]*models.Room),
	}
}

func (b *Bookmarks) cache(r *models.Room) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byPK[r.PK] = r
	b.byJID[r.JID] = r
}

// ByJID resolves the Room for a bare MUC JID, creating a skeleton (legacy
// id taken from the escaped localpart) if unknown (spec.md ยง4.4 step 1).
func (b *Bookmarks) ByJID(ctx context.Context, bareJID string) (*models.Room, error) {
	b.mu.Lock()
	if r, ok := b.byJID[bareJID]; ok {
		b.mu.Unlock()
		return r, nil
	}
	b.mu.Unlock()

	existing, err := b.rooms.ByJID(ctx, b.user.PK, bareJID)
	if err != nil {
		return nil, fmt.Errorf("muc: lookup %s: %w", bareJID, err)
	}
	if existing != nil {
		b.cache(existing)
		return existing, nil
	}

	j, err := jid.Parse(bareJID)
	if err != nil {
		return nil, fmt.Errorf("muc: parse %s: %w", bareJID, err)
	}
	legacyID := xmppid.LegacyID(j)
	created, err := b.rooms.Upsert(ctx, b.user.PK, legacyID, bareJID, models.MUCTypeGroup)
	if err != nil {
		return nil, fmt.Errorf("muc: create skeleton for %s: %w", bareJID, err)
	}
	b.cache(created)
	return created, nil
}

// ByLegacyID resolves (creating if necessary) the Room for a legacy group
// id, the counterpart of roster.Contacts.ByLegacyID used when an inbound
// adapter event names a group by its legacy id rather than its JID.
func (b *Bookmarks) ByLegacyID(ctx context.Context, legacyID string) (*models.Room, error) {
	j, err := xmppid.ContactJID(legacyID, b.componentDomain)
	if err != nil {
		return nil, fmt.Errorf("muc: build synthetic jid for %s: %w", legacyID, err)
	}
	return b.ByJID(ctx, j.String())
}

// Join runs the full join sequence: update_info, fill_participants, send
// all presences, self-presence with status codes 110+210, backfill
// history, then send the subject (spec.md ยง4.4 steps 2-5).
func (b *Bookmarks) Join(ctx context.Context, room *models.Room, nickname, resource string) error {
	if err := b.ad.UpdateRoomInfo(ctx, b.user, room); err != nil {
		return fmt.Errorf("muc: update_info: %w", err)
	}

	if !room.ParticipantsFilled {
		if err := b.fillParticipants(ctx, room); err != nil {
			return fmt.Errorf("muc: fill_participants: %w", err)
		}
	}

	self, err := b.participants.Upsert(ctx, room.PK, nickname, true)
	if err != nil {
		return fmt.Errorf("muc: join as user: %w", err)
	}
	if err := b.participants.SetResource(ctx, self.PK, resource); err != nil {
		return err
	}
	self.Resource = resource

	all, err := b.participants.All(ctx, room.PK)
	if err != nil {
		return err
	}
	for _, p := range all {
		if p.PK == self.PK {
			continue
		}
		b.notifier.SendOccupantPresence(ctx, b.user, room, p, resource)
	}
	b.notifier.SendSelfPresence(ctx, b.user, room, self, resource, []int{110, 210})

	if err := b.backfill(ctx, room); err != nil {
		return fmt.Errorf("muc: backfill: %w", err)
	}

	if room.Subject != "" {
		var setter *models.Participant
		if room.SubjectSetterPK != 0 {
			setter, _ = b.participantByPK(ctx, room, room.SubjectSetterPK)
		}
		b.notifier.SendSubject(ctx, b.user, room, room.Subject, setter)
	}

	return b.rooms.AddUserResource(ctx, room, resource)
}

func (b *Bookmarks) participantByPK(ctx context.Context, room *models.Room, pk int64) (*models.Participant, error) {
	all, err := b.participants.All(ctx, room.PK)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.PK == pk {
			return p, nil
		}
	}
	return nil, nil
}

func (b *Bookmarks) fillParticipants(ctx context.Context, room *models.Room) error {
	err := b.ad.FillParticipants(ctx, b.user, room, MaxParticipantsFill, func(info adapter.ParticipantInfo) error {
		p, err := b.participants.Upsert(ctx, room.PK, info.Nickname, false)
		if err != nil {
			return err
		}
		if err := b.participants.SetAffiliationRole(ctx, p.PK, info.Affiliation, info.Role); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	return b.rooms.SetParticipantsFilled(ctx, room.PK, true)
}

// backfill implements the history backfill algorithm: compute the newest
// archived message with a known legacy id as "after" and the oldest
// already-received live message with a known legacy id as "before", ask
// the adapter to fill the gap, then archive the result idempotently by
// legacy id (spec.md ยง4.4). Page rows come back oldest-first, so among rows
// archived before this session the last one visited is the newest; before
// only ever latches onto the first row received live since sessionStart.
func (b *Bookmarks) backfill(ctx context.Context, room *models.Room) error {
	page, _, err := b.mam.Page(ctx, store.Query{RoomPK: room.PK})
	if err != nil {
		return err
	}

	var after, before string
	for _, m := range page {
		if m.LegacyID == "" {
			continue
		}
		if m.Timestamp.Before(b.sessionStart) {
			after = m.LegacyID
			continue
		}
		if before == "" {
			before = m.LegacyID
		}
	}

	msgs, err := b.ad.Backfill(ctx, b.user, room, after, before)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		archived := &models.ArchivedMessage{
			RoomPK:    room.PK,
			StanzaID:  m.LegacyID,
			Timestamp: m.When,
			AuthorJID: m.FromLegacyID,
			Stanza:    mam.BuildGroupMessageStanza(room.JID, m.FromLegacyID, m.LegacyID, m.Text),
			LegacyID:  m.LegacyID,
		}
		if err := b.mam.Upsert(ctx, archived); err != nil {
			return err
		}
	}
	return nil
}

// SetSubject changes a room's subject through the adapter, rejecting the
// request outright if the MUC type doesn't support one (spec.md ยง4.4).
// setterPK must be 0 or the PK of a Participant belonging to room; pkg/muc
// owns that invariant since pkg/store can't enforce it at the schema level
// (see migrations/00001_initial.sql).
func (b *Bookmarks) SetSubject(ctx context.Context, room *models.Room, subject string, setterPK int64, when time.Time) error {
	if !room.MUCType.HasSubject() {
		return fmt.Errorf("muc: room %s does not support a subject", room.JID)
	}
	if setterPK != 0 {
		setter, err := b.participantByPK(ctx, room, setterPK)
		if err != nil {
			return err
		}
		if setter == nil {
			return fmt.Errorf("muc: subject setter %d is not a participant of %s", setterPK, room.JID)
		}
	}
	if err := b.ad.OnSetSubject(ctx, b.user, room, subject); err != nil {
		return err
	}
	if err := b.rooms.SetSubject(ctx, room.PK, subject, setterPK, when); err != nil {
		return err
	}
	room.Subject, room.SubjectSetterPK, room.SubjectDate = subject, setterPK, when
	return nil
}

// ListAffiliations answers a muc#admin affiliation-listing query: every
// Participant of room currently holding aff, for the admin UI's
// member/owner/admin/outcast rosters (spec.md ยง6). Unlike the rest of
// Bookmarks this never touches the adapter -- affiliation is a purely local
// Participant attribute, and upstream's muc_admin.py handler is read-only
// (it registers no "set" counterpart, so neither does this).
func (b *Bookmarks) ListAffiliations(ctx context.Context, room *models.Room, aff models.Affiliation) ([]*models.Participant, error) {
	all, err := b.participants.All(ctx, room.PK)
	if err != nil {
		return nil, err
	}
	var out []*models.Participant
	for _, p := range all {
		if p.Affiliation == aff {
			out = append(out, p)
		}
	}
	return out, nil
}

// KickOnError removes resource from room's joined-resource set. pkg/dispatch
// calls it when that resource sends an unavailable presence to the room.
func (b *Bookmarks) KickOnError(ctx context.Context, room *models.Room, resource string) error {
	return b.rooms.RemoveUserResource(ctx, room, resource)
}

// KickableErrorConditions is the set spec.md ยง4.4 names: a message bounced
// with one of these conditions means the resource is gone, not that the
// room itself failed.
var KickableErrorConditions = map[string]bool{
	"gone": true, "internal-server-error": true, "item-not-found": true,
	"jid-malformed": true, "recipient-unavailable": true, "redirect": true,
	"remote-server-not-found": true, "remote-server-timeout": true,
	"service-unavailable": true, "malformed-error": true,
}
