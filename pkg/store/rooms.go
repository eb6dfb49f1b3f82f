package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// RoomStore persists Room rows (spec.md ยง3, ยง4.4).
type RoomStore struct {
	db *dbutil.Database
}

const roomColumns = `pk, user_fk, legacy_id, jid, name, description, subject, subject_setter_fk,
	subject_date, muc_type, user_resources, participants_filled, n_participants, extra`

func scanRoom(row dbutil.Scannable) (*models.Room, error) {
	var r models.Room
	var setterFK, nParticipants sql.NullInt64
	var subjectDate int64
	var resourcesJSON, extra string
	err := row.Scan(
		&r.PK, &r.UserPK, &r.LegacyID, &r.JID, &r.Name, &r.Description, &r.Subject, &setterFK,
		&subjectDate, &r.MUCType, &resourcesJSON, &r.ParticipantsFilled, &nParticipants, &extra,
	)
	if err != nil {
		return nil, err
	}
	r.SubjectSetterPK = setterFK.Int64
	if subjectDate != 0 {
		r.SubjectDate = time.UnixMilli(subjectDate).UTC()
	}
	if nParticipants.Valid {
		n := int(nParticipants.Int64)
		r.NParticipants = &n
	}
	var resources []string
	if err := json.Unmarshal([]byte(resourcesJSON), &resources); err != nil {
		return nil, fmt.Errorf("store: decode room.user_resources: %w", err)
	}
	r.UserResources = make(map[string]struct{}, len(resources))
	for _, res := range resources {
		r.UserResources[res] = struct{}{}
	}
	if err := json.Unmarshal([]byte(extra), &r.Extra); err != nil {
		return nil, fmt.Errorf("store: decode room.extra: %w", err)
	}
	return &r, nil
}

// ByLegacyID returns the room with the given legacy id for userPK, or nil.
func (s *RoomStore) ByLegacyID(ctx context.Context, userPK int64, legacyID string) (*models.Room, error) {
	row := s.db.QueryRow(ctx, "SELECT "+roomColumns+" FROM room WHERE user_fk=$1 AND legacy_id=$2", userPK, legacyID)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// ByJID returns the room with the given bare JID for userPK, or nil.
func (s *RoomStore) ByJID(ctx context.Context, userPK int64, bareJID string) (*models.Room, error) {
	row := s.db.QueryRow(ctx, "SELECT "+roomColumns+" FROM room WHERE user_fk=$1 AND jid=$2", userPK, bareJID)
	r, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// All returns every room belonging to a user, for bookmark fill.
func (s *RoomStore) All(ctx context.Context, userPK int64) ([]*models.Room, error) {
	rows, err := s.db.Query(ctx, "SELECT "+roomColumns+" FROM room WHERE user_fk=$1", userPK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Upsert creates a skeleton room row if one doesn't already exist,
// following the same upsert-with-fallback pattern as ContactStore.Upsert
// (spec.md ยง4.8).
func (s *RoomStore) Upsert(ctx context.Context, userPK int64, legacyID, bareJID string, mucType models.MUCType) (*models.Room, error) {
	res, err := s.db.Exec(ctx,
		"INSERT INTO room (user_fk, legacy_id, jid, muc_type) VALUES ($1, $2, $3, $4)",
		userPK, legacyID, bareJID, mucType,
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
	return &models.Room{
		PK: pk, UserPK: userPK, LegacyID: legacyID, JID: bareJID, MUCType: mucType,
		UserResources: map[string]struct{}{},
	}, nil
}

// UpdateProfile sets the name/description/participant-count fields
// populated once the adapter has filled in the room.
func (s *RoomStore) UpdateProfile(ctx context.Context, pk int64, name, description string, nParticipants *int) error {
	var nArg any
	if nParticipants != nil {
		nArg = *nParticipants
	}
	_, err := s.db.Exec(ctx, "UPDATE room SET name=$1, description=$2, n_participants=$3 WHERE pk=$4", name, description, nArg, pk)
	return err
}

// SetSubject updates the room subject and, if setterPK is non-zero,
// records the Participant that set it. Callers MUST pass a setterPK that
// is either 0 or the PK of a Participant belonging to this same room
// (spec.md ยง3); pkg/store cannot enforce this at the schema level since
// room.subject_setter_fk carries no FK constraint (see migrations
// 00001_initial.sql), so pkg/muc is responsible for the check.
func (s *RoomStore) SetSubject(ctx context.Context, pk int64, subject string, setterPK int64, when time.Time) error {
	var setterArg any
	if setterPK != 0 {
		setterArg = setterPK
	}
	_, err := s.db.Exec(ctx, "UPDATE room SET subject=$1, subject_setter_fk=$2, subject_date=$3 WHERE pk=$4",
		subject, setterArg, when.UnixMilli(), pk)
	return err
}

// SetParticipantsFilled marks that a full roster fetch has completed for
// this room, so later joins don't retrigger a full backfill (spec.md ยง4.4).
func (s *RoomStore) SetParticipantsFilled(ctx context.Context, pk int64, filled bool) error {
	_, err := s.db.Exec(ctx, "UPDATE room SET participants_filled=$1 WHERE pk=$2", filled, pk)
	return err
}

// AddUserResource records that the gateway user's resource has joined this
// room (a user may have more than one resource joined at once).
func (s *RoomStore) AddUserResource(ctx context.Context, room *models.Room, resource string) error {
	room.UserResources[resource] = struct{}{}
	return s.saveResources(ctx, room)
}

// RemoveUserResource records that a resource has left the room.
func (s *RoomStore) RemoveUserResource(ctx context.Context, room *models.Room, resource string) error {
	delete(room.UserResources, resource)
	return s.saveResources(ctx, room)
}

func (s *RoomStore) saveResources(ctx context.Context, room *models.Room) error {
	resources := make([]string, 0, len(room.UserResources))
	for r := range room.UserResources {
		resources = append(resources, r)
	}
	raw, err := json.Marshal(resources)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, "UPDATE room SET user_resources=$1 WHERE pk=$2", string(raw), room.PK)
	return err
}
