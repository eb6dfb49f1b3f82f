package store

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// AttachmentStore persists upload results for legacy files so a resend (or
// a second message referencing the same legacy attachment) can skip the
// re-upload (spec.md ยง3, ยง4.9).
type AttachmentStore struct {
	db *dbutil.Database
}

const attachmentColumns = "pk, user_fk, legacy_file_id, url, sims, sfs"

func scanAttachment(row dbutil.Scannable) (*models.Attachment, error) {
	var a models.Attachment
	err := row.Scan(&a.PK, &a.UserPK, &a.LegacyFileID, &a.URL, &a.SIMS, &a.SFS)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ByLegacyFileID returns the attachment previously uploaded for a legacy
// file id, or nil if it hasn't been uploaded yet.
func (s *AttachmentStore) ByLegacyFileID(ctx context.Context, userPK int64, legacyFileID string) (*models.Attachment, error) {
	row := s.db.QueryRow(ctx, "SELECT "+attachmentColumns+" FROM attachment WHERE user_fk=$1 AND legacy_file_id=$2", userPK, legacyFileID)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

// Put records a completed upload, following the upsert-with-fallback
// pattern (spec.md ยง4.8): a concurrent upload of the same legacy file
// resolves to whichever row won the race.
func (s *AttachmentStore) Put(ctx context.Context, userPK int64, legacyFileID, url, sims, sfs string) (*models.Attachment, error) {
	res, err := s.db.Exec(ctx,
		"INSERT INTO attachment (user_fk, legacy_file_id, url, sims, sfs) VALUES ($1, $2, $3, $4, $5)",
		userPK, legacyFileID, url, sims, sfs,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return s.ByLegacyFileID(ctx, userPK, legacyFileID)
		}
		return nil, err
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &models.Attachment{PK: pk, UserPK: userPK, LegacyFileID: legacyFileID, URL: url, SIMS: sims, SFS: sfs}, nil
}
