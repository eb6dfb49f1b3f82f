package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// ContactStore persists Contact rows (spec.md ยง3, ยง4.3).
type ContactStore struct {
	db *dbutil.Database
}

const contactColumns = `pk, user_fk, legacy_id, jid, nickname, avatar_fk, is_friend, added_to_roster,
	client_type, presence_last_seen, presence_type, presence_status, presence_show, updated, extra`

func scanContact(row dbutil.Scannable) (*models.Contact, error) {
	var c models.Contact
	var avatarFK sql.NullInt64
	var lastSeen int64
	var pType, pStatus, pShow, extra string
	err := row.Scan(
		&c.PK, &c.UserPK, &c.LegacyID, &c.JID, &c.Nickname, &avatarFK, &c.IsFriend, &c.AddedToRoster,
		&c.ClientType, &lastSeen, &pType, &pStatus, &pShow, &c.Updated, &extra,
	)
	if err != nil {
		return nil, err
	}
	c.AvatarPK = avatarFK.Int64
	if lastSeen != 0 || pType != "" || pStatus != "" || pShow != "" {
		c.CachedPresence = &models.PresenceTuple{PType: pType, PStatus: pStatus, PShow: pShow}
	}
	if err := json.Unmarshal([]byte(extra), &c.Extra); err != nil {
		return nil, fmt.Errorf("store: decode contact.extra: %w", err)
	}
	return &c, nil
}

// ByLegacyID returns the contact with the given legacy id for userPK, or
// nil if none exists yet.
func (s *ContactStore) ByLegacyID(ctx context.Context, userPK int64, legacyID string) (*models.Contact, error) {
	row := s.db.QueryRow(ctx, "SELECT "+contactColumns+" FROM contact WHERE user_fk=$1 AND legacy_id=$2", userPK, legacyID)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// ByJID returns the contact with the given bare JID for userPK, or nil if
// none exists. spec.md ยง8 requires this and ByLegacyID to always resolve to
// the same row for a given (user, legacy_id)/(user, jid) pair; both read
// from the same unique-constrained table so that holds by construction.
func (s *ContactStore) ByJID(ctx context.Context, userPK int64, bareJID string) (*models.Contact, error) {
	row := s.db.QueryRow(ctx, "SELECT "+contactColumns+" FROM contact WHERE user_fk=$1 AND jid=$2", userPK, bareJID)
	c, err := scanContact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// All returns every contact belonging to a user, for roster fill.
func (s *ContactStore) All(ctx context.Context, userPK int64) ([]*models.Contact, error) {
	rows, err := s.db.Query(ctx, "SELECT "+contactColumns+" FROM contact WHERE user_fk=$1", userPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert creates a skeleton contact row for (userPK, legacyID, jid) if one
// doesn't exist yet, following the upsert-with-fallback pattern spec.md
// ยง4.8 mandates for rows contended concurrently on startup: attempt
// insert, and on a unique-constraint violation fetch and return the row a
// concurrent caller just created instead of erroring.
func (s *ContactStore) Upsert(ctx context.Context, userPK int64, legacyID, bareJID string) (*models.Contact, error) {
	res, err := s.db.Exec(ctx,
		"INSERT INTO contact (user_fk, legacy_id, jid) VALUES ($1, $2, $3)",
		userPK, legacyID, bareJID,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return s.ByLegacyID(ctx, userPK, legacyID)
		}
		return nil, err
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Contact{PK: pk, UserPK: userPK, LegacyID: legacyID, JID: bareJID}, nil
}

// UpdateProfile is called once the adapter has populated name/avatar/type
// for a skeleton contact; it flips Updated to true so the contact becomes
// visible over the wire (spec.md ยง4.3).
func (s *ContactStore) UpdateProfile(ctx context.Context, pk int64, nickname string, avatarPK int64, clientType models.ClientType) error {
	var avatarArg any
	if avatarPK != 0 {
		avatarArg = avatarPK
	}
	_, err := s.db.Exec(ctx,
		"UPDATE contact SET nickname=$1, avatar_fk=$2, client_type=$3, updated=1 WHERE pk=$4",
		nickname, avatarArg, clientType, pk,
	)
	return err
}

// SetFriend records whether the contact is a mutual/friend relationship
// (as opposed to e.g. a one-sided legacy follow).
func (s *ContactStore) SetFriend(ctx context.Context, pk int64, isFriend bool) error {
	_, err := s.db.Exec(ctx, "UPDATE contact SET is_friend=$1 WHERE pk=$2", isFriend, pk)
	return err
}

// SetAddedToRoster records that the roster-push (or presence-subscribe
// fallback) for this contact has been sent (spec.md ยง4.3).
func (s *ContactStore) SetAddedToRoster(ctx context.Context, pk int64, added bool) error {
	_, err := s.db.Exec(ctx, "UPDATE contact SET added_to_roster=$1 WHERE pk=$2", added, pk)
	return err
}

// SetPresence persists the last broadcast presence tuple so restarts don't
// flap (spec.md ยง4.3).
func (s *ContactStore) SetPresence(ctx context.Context, pk int64, p models.PresenceTuple) error {
	_, err := s.db.Exec(ctx,
		"UPDATE contact SET presence_last_seen=$1, presence_type=$2, presence_status=$3, presence_show=$4 WHERE pk=$5",
		p.LastSeen.UnixMilli(), p.PType, p.PStatus, p.PShow, pk,
	)
	return err
}
