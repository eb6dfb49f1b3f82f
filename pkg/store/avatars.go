package store

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// AvatarStore persists content-addressed Avatar rows (spec.md ยง3, ยง4.9).
type AvatarStore struct {
	db *dbutil.Database
}

const avatarColumns = "pk, hash, filename, height, width, url, etag, last_modified, legacy_id"

func scanAvatar(row dbutil.Scannable) (*models.Avatar, error) {
	var a models.Avatar
	err := row.Scan(&a.PK, &a.Hash, &a.Filename, &a.Height, &a.Width, &a.URL, &a.ETag, &a.LastModified, &a.LegacyID)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ByHash looks up an avatar by its content hash first, the dedup lookup
// spec.md ยง4.9 requires before ever re-decoding image bytes.
func (s *AvatarStore) ByHash(ctx context.Context, hash string) (*models.Avatar, error) {
	row := s.db.QueryRow(ctx, "SELECT "+avatarColumns+" FROM avatar WHERE hash=$1", hash)
	a, err := scanAvatar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// ByLegacyID looks up the avatar last fetched for a given legacy-file id, so
// the HTTP-caching ETag/Last-Modified pair can be replayed on a conditional
// GET even when the bytes turn out unchanged (spec.md ยง4.9).
func (s *AvatarStore) ByLegacyID(ctx context.Context, legacyID string) (*models.Avatar, error) {
	row := s.db.QueryRow(ctx, "SELECT "+avatarColumns+" FROM avatar WHERE legacy_id=$1", legacyID)
	a, err := scanAvatar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// Put inserts a new avatar row. Avatar rows are never mutated in place
// (spec.md ยง3); re-hashing a modified image always goes through Put again
// with the new hash.
func (s *AvatarStore) Put(ctx context.Context, a *models.Avatar) (int64, error) {
	res, err := s.db.Exec(ctx,
		`INSERT INTO avatar (hash, filename, height, width, url, etag, last_modified, legacy_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.Hash, a.Filename, a.Height, a.Width, a.URL, a.ETag, a.LastModified, a.LegacyID,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateCacheHeaders refreshes the ETag/Last-Modified pair for an avatar
// fetched again via the same legacy_id, without creating a new row (used on
// a 304 Not Modified response).
func (s *AvatarStore) UpdateCacheHeaders(ctx context.Context, pk int64, etag, lastModified string) error {
	_, err := s.db.Exec(ctx, "UPDATE avatar SET etag=$1, last_modified=$2 WHERE pk=$3", etag, lastModified, pk)
	return err
}

// PruneUnreferenced deletes avatar rows no Contact.avatar_fk or
// User.avatar_hash points at anymore, and returns the number removed.
// Content-addressed avatar rows are only ever appended (spec.md ยง3), so
// this periodic sweep is the only thing that ever reclaims one (spec.md
// ยง4.9, ยง9's scheduled maintenance passes).
func (s *AvatarStore) PruneUnreferenced(ctx context.Context) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM avatar
		WHERE pk NOT IN (SELECT avatar_fk FROM contact WHERE avatar_fk IS NOT NULL)
		  AND hash NOT IN (SELECT avatar_hash FROM user WHERE avatar_hash IS NOT NULL AND avatar_hash != '')`,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
