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

// UserStore persists models.User rows.
type UserStore struct {
	db *dbutil.Database
}

func scanUser(row dbutil.Scannable) (*models.User, error) {
	var u models.User
	var regDate int64
	var legacyData, prefs string
	err := row.Scan(&u.PK, &u.BareJID, &regDate, &legacyData, &prefs, &u.AvatarHash)
	if err != nil {
		return nil, err
	}
	u.RegistrationDate = time.UnixMilli(regDate).UTC()
	if err := json.Unmarshal([]byte(legacyData), &u.LegacyModuleData); err != nil {
		return nil, fmt.Errorf("store: decode legacy_module_data: %w", err)
	}
	if err := json.Unmarshal([]byte(prefs), &u.Preferences); err != nil {
		return nil, fmt.Errorf("store: decode preferences: %w", err)
	}
	return &u, nil
}

const userColumns = "pk, bare_jid, registration_date, legacy_module_data, preferences, avatar_hash"

// Get returns the user with the given bare JID, or nil if none exists.
func (s *UserStore) Get(ctx context.Context, bareJID string) (*models.User, error) {
	row := s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM user WHERE bare_jid=$1", bareJID)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// GetByPK returns the user with the given primary key, or nil if none exists.
func (s *UserStore) GetByPK(ctx context.Context, pk int64) (*models.User, error) {
	row := s.db.QueryRow(ctx, "SELECT "+userColumns+" FROM user WHERE pk=$1", pk)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return u, err
}

// All returns every registered user, for the startup login sweep.
func (s *UserStore) All(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.Query(ctx, "SELECT "+userColumns+" FROM user")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Create inserts a new user row. Registration (C7) calls this once a
// registration form has been validated by the adapter.
func (s *UserStore) Create(ctx context.Context, bareJID string, legacyModuleData map[string]string) (*models.User, error) {
	if legacyModuleData == nil {
		legacyModuleData = map[string]string{}
	}
	legacyJSON, err := json.Marshal(legacyModuleData)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.Exec(ctx,
		"INSERT INTO user (bare_jid, registration_date, legacy_module_data, preferences) VALUES ($1, $2, $3, '{}')",
		bareJID, now.UnixMilli(), string(legacyJSON),
	)
	if err != nil {
		return nil, err
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.User{
		PK:               pk,
		BareJID:          bareJID,
		RegistrationDate: now,
		LegacyModuleData: legacyModuleData,
		Preferences:      map[string]string{},
	}, nil
}

// SetLegacyModuleData overwrites the adapter-opaque module data blob, used
// by two-factor and QR registration flows to stash intermediate state.
func (s *UserStore) SetLegacyModuleData(ctx context.Context, pk int64, data map[string]string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, "UPDATE user SET legacy_module_data=$1 WHERE pk=$2", string(raw), pk)
	return err
}

// SetPreferences overwrites the user's preference map, recorded by the
// registration flow's final preferences form (spec.md ยง4.7).
func (s *UserStore) SetPreferences(ctx context.Context, pk int64, prefs map[string]string) error {
	if prefs == nil {
		prefs = map[string]string{}
	}
	raw, err := json.Marshal(prefs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, "UPDATE user SET preferences=$1 WHERE pk=$2", string(raw), pk)
	return err
}

// SetAvatarHash records the gateway's own avatar hash (as opposed to a
// contact's), used for the user's self-avatar if the adapter exposes one.
func (s *UserStore) SetAvatarHash(ctx context.Context, pk int64, hash string) error {
	_, err := s.db.Exec(ctx, "UPDATE user SET avatar_hash=$1 WHERE pk=$2", hash, pk)
	return err
}

// Delete removes the user row. Cascades (ON DELETE CASCADE) remove every
// Contact, Room, Participant, Attachment, and id-mapping row owned by this
// user (spec.md ยง3: "removal cascades to all owned entities").
func (s *UserStore) Delete(ctx context.Context, pk int64) error {
	_, err := s.db.Exec(ctx, "DELETE FROM user WHERE pk=$1", pk)
	return err
}
