package store

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// IDMapStore persists the XMPP-stanza-id <-> legacy-message-id bijection
// (xmpp_legacy_id) and the fan-out set used for a legacy id that
// corresponds to more than one XMPP stanza id, e.g. a single legacy edit
// touching several previously-fanned-out group messages (xmpp_legacy_id_multi).
// One map exists per (user, IDKind) namespace (spec.md ยง3, ยง4.5).
type IDMapStore struct {
	db *dbutil.Database
}

// LegacyID looks up the legacy id mapped to an XMPP stanza id, returning
// ("", false) if unmapped.
func (s *IDMapStore) LegacyID(ctx context.Context, userPK int64, xmppID string, kind models.IDKind) (string, bool, error) {
	var legacyID string
	err := s.db.QueryRow(ctx,
		"SELECT legacy_id FROM xmpp_legacy_id WHERE user_fk=$1 AND xmpp_id=$2 AND kind=$3",
		userPK, xmppID, kind,
	).Scan(&legacyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return legacyID, true, nil
}

// XMPPID looks up the XMPP stanza id mapped to a legacy id, returning
// ("", false) if unmapped. Together with LegacyID this forms the bijection
// spec.md ยง8 requires: Set(x, l) followed by XMPPID(l) == x and
// LegacyID(x) == l always hold for the same (user, kind) namespace.
func (s *IDMapStore) XMPPID(ctx context.Context, userPK int64, legacyID string, kind models.IDKind) (string, bool, error) {
	var xmppID string
	err := s.db.QueryRow(ctx,
		"SELECT xmpp_id FROM xmpp_legacy_id WHERE user_fk=$1 AND legacy_id=$2 AND kind=$3",
		userPK, legacyID, kind,
	).Scan(&xmppID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return xmppID, true, nil
}

// Set records a new (xmppID, legacyID) pair, following the
// upsert-with-fallback pattern: if either side of the pair already has a
// mapping (a concurrent insert under the same unique constraint), the
// existing legacy id wins and is returned instead of erroring.
func (s *IDMapStore) Set(ctx context.Context, userPK int64, xmppID, legacyID string, kind models.IDKind) (string, error) {
	_, err := s.db.Exec(ctx,
		"INSERT INTO xmpp_legacy_id (user_fk, xmpp_id, legacy_id, kind) VALUES ($1, $2, $3, $4)",
		userPK, xmppID, legacyID, kind,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			existing, ok, getErr := s.LegacyID(ctx, userPK, xmppID, kind)
			if getErr != nil {
				return "", getErr
			}
			if ok {
				return existing, nil
			}
			return legacyID, nil
		}
		return "", err
	}
	return legacyID, nil
}

// AddMulti records one more XMPP stanza id fanned out from a single legacy
// id, e.g. a group message mirrored to several 1:1 XMPP threads (spec.md
// ยง4.5).
func (s *IDMapStore) AddMulti(ctx context.Context, userPK int64, legacyID, xmppID string, kind models.IDKind) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO xmpp_legacy_id_multi (user_fk, legacy_id, kind, xmpp_id) VALUES ($1, $2, $3, $4)",
		userPK, legacyID, kind, xmppID,
	)
	if err != nil && IsUniqueViolation(err) {
		return nil
	}
	return err
}

// ListMulti returns every XMPP stanza id fanned out from a legacy id, used
// to apply a correction/retraction/reaction to all of them at once.
func (s *IDMapStore) ListMulti(ctx context.Context, userPK int64, legacyID string, kind models.IDKind) ([]string, error) {
	rows, err := s.db.Query(ctx,
		"SELECT xmpp_id FROM xmpp_legacy_id_multi WHERE user_fk=$1 AND legacy_id=$2 AND kind=$3",
		userPK, legacyID, kind,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
