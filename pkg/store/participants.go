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

// ParticipantStore persists Participant rows, their hats, and the
// many-to-many hat catalogue (spec.md ยง3, ยง4.4).
type ParticipantStore struct {
	db *dbutil.Database
}

const participantColumns = `pk, room_fk, contact_fk, is_user, affiliation, role, nickname,
	resource, presence_sent, extra`

func scanParticipant(row dbutil.Scannable) (*models.Participant, error) {
	var p models.Participant
	var contactFK sql.NullInt64
	var extra string
	err := row.Scan(&p.PK, &p.RoomPK, &contactFK, &p.IsUser, &p.Affiliation, &p.Role,
		&p.Nickname, &p.Resource, &p.PresenceSent, &extra)
	if err != nil {
		return nil, err
	}
	p.ContactPK = contactFK.Int64
	if err := json.Unmarshal([]byte(extra), &p.Extra); err != nil {
		return nil, fmt.Errorf("store: decode participant.extra: %w", err)
	}
	return &p, nil
}

// ByNickname returns the participant with the given nickname in a room, or
// nil if none exists. Nickname is the MUC occupant-JID resource, so it is
// the natural lookup key for incoming presence/message routing (spec.md
// ยง4.4).
func (s *ParticipantStore) ByNickname(ctx context.Context, roomPK int64, nickname string) (*models.Participant, error) {
	row := s.db.QueryRow(ctx, "SELECT "+participantColumns+" FROM participant WHERE room_fk=$1 AND nickname=$2", roomPK, nickname)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err == nil {
		if err := s.loadHats(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, err
}

// ByContact returns the participant backed by a given Contact within a
// room, or nil if the contact is not (yet) an occupant.
func (s *ParticipantStore) ByContact(ctx context.Context, roomPK, contactPK int64) (*models.Participant, error) {
	row := s.db.QueryRow(ctx, "SELECT "+participantColumns+" FROM participant WHERE room_fk=$1 AND contact_fk=$2", roomPK, contactPK)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err == nil {
		if err := s.loadHats(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, err
}

// TheUser returns the is_user=true participant for a room, or nil if the
// gateway user hasn't joined. At most one such row can exist per room, by
// the participant_one_user_per_room partial unique index.
func (s *ParticipantStore) TheUser(ctx context.Context, roomPK int64) (*models.Participant, error) {
	row := s.db.QueryRow(ctx, "SELECT "+participantColumns+" FROM participant WHERE room_fk=$1 AND is_user", roomPK)
	p, err := scanParticipant(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err == nil {
		if err := s.loadHats(ctx, p); err != nil {
			return nil, err
		}
	}
	return p, err
}

// All returns every participant in a room.
func (s *ParticipantStore) All(ctx context.Context, roomPK int64) ([]*models.Participant, error) {
	rows, err := s.db.Query(ctx, "SELECT "+participantColumns+" FROM participant WHERE room_fk=$1", roomPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, p := range out {
		if err := s.loadHats(ctx, p); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Upsert creates a participant row for a room/nickname pair if one doesn't
// already exist (spec.md ยง4.8's upsert-with-fallback pattern). Inserting a
// second is_user=true row for the same room fails the
// participant_one_user_per_room partial unique index and falls back to
// TheUser, so callers never need to check for an existing self-occupant
// before joining.
func (s *ParticipantStore) Upsert(ctx context.Context, roomPK int64, nickname string, isUser bool) (*models.Participant, error) {
	res, err := s.db.Exec(ctx,
		"INSERT INTO participant (room_fk, nickname, is_user) VALUES ($1, $2, $3)",
		roomPK, nickname, isUser,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			if isUser {
				return s.TheUser(ctx, roomPK)
			}
			return s.ByNickname(ctx, roomPK, nickname)
		}
		return nil, err
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Participant{PK: pk, RoomPK: roomPK, Nickname: nickname, IsUser: isUser}, nil
}

// SetContact links a participant to a Contact row once the adapter
// resolves the occupant's legacy identity (initially unknown for
// anonymous channel participants).
func (s *ParticipantStore) SetContact(ctx context.Context, pk, contactPK int64) error {
	_, err := s.db.Exec(ctx, "UPDATE participant SET contact_fk=$1 WHERE pk=$2", contactPK, pk)
	return err
}

// SetAffiliationRole updates standing (spec.md ยง4.4).
func (s *ParticipantStore) SetAffiliationRole(ctx context.Context, pk int64, aff models.Affiliation, role models.Role) error {
	_, err := s.db.Exec(ctx, "UPDATE participant SET affiliation=$1, role=$2 WHERE pk=$3", aff, role, pk)
	return err
}

// SetResource records the gateway-user resource occupying this
// participant slot (only meaningful when IsUser).
func (s *ParticipantStore) SetResource(ctx context.Context, pk int64, resource string) error {
	_, err := s.db.Exec(ctx, "UPDATE participant SET resource=$1 WHERE pk=$2", resource, pk)
	return err
}

// SetPresenceSent records that initial presence has gone out for this
// occupant, so a reconnect doesn't re-announce everyone (spec.md ยง4.4).
func (s *ParticipantStore) SetPresenceSent(ctx context.Context, pk int64, sent bool) error {
	_, err := s.db.Exec(ctx, "UPDATE participant SET presence_sent=$1 WHERE pk=$2", sent, pk)
	return err
}

// Remove deletes a participant row (occupant left/was kicked).
func (s *ParticipantStore) Remove(ctx context.Context, pk int64) error {
	_, err := s.db.Exec(ctx, "DELETE FROM participant WHERE pk=$1", pk)
	return err
}

// hatByURI looks up (or lazily creates) the catalogue row for a hat URI,
// since hats are shared across participants (spec.md ยง3: XEP-0317).
func (s *ParticipantStore) hatByURI(ctx context.Context, uri, title string) (int64, error) {
	var pk int64
	err := s.db.QueryRow(ctx, "SELECT pk FROM hat WHERE uri=$1", uri).Scan(&pk)
	if err == nil {
		return pk, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := s.db.Exec(ctx, "INSERT INTO hat (title, uri) VALUES ($1, $2)", title, uri)
	if err != nil {
		if IsUniqueViolation(err) {
			return s.hatByURI(ctx, uri, title)
		}
		return 0, err
	}
	return res.LastInsertId()
}

// SetHats replaces the full set of hats worn by a participant.
func (s *ParticipantStore) SetHats(ctx context.Context, participantPK int64, hats []models.Hat) error {
	return WithTx(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.db.Exec(ctx, "DELETE FROM participant_hat WHERE participant_fk=$1", participantPK); err != nil {
			return err
		}
		for _, h := range hats {
			hatPK, err := s.hatByURI(ctx, h.URI, h.Title)
			if err != nil {
				return err
			}
			if _, err := s.db.Exec(ctx,
				"INSERT INTO participant_hat (participant_fk, hat_fk) VALUES ($1, $2)", participantPK, hatPK,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *ParticipantStore) loadHats(ctx context.Context, p *models.Participant) error {
	rows, err := s.db.Query(ctx,
		`SELECT hat.pk, hat.uri, hat.title FROM hat
		 JOIN participant_hat ON participant_hat.hat_fk = hat.pk
		 WHERE participant_hat.participant_fk = $1`, p.PK)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var h models.Hat
		if err := rows.Scan(&h.PK, &h.URI, &h.Title); err != nil {
			return err
		}
		p.Hats = append(p.Hats, h)
	}
	return rows.Err()
}
