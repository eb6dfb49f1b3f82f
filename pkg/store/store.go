// Package store is the Persistence Store (spec.md ยง4.8, C8). It exposes
// typed sub-stores over a single SQL database, opened and migrated with
// go.mau.fi/util/dbutil the same way the teacher's memory/textfs stores do.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/store/migrations"
)

// Store owns the database handle and every entity sub-store.
type Store struct {
	DB *dbutil.Database

	Users        *UserStore
	Avatars      *AvatarStore
	Contacts     *ContactStore
	Rooms        *RoomStore
	Participants *ParticipantStore
	Attachments  *AttachmentStore
	IDMap        *IDMapStore
	MAM          *MAMStore
}

// Open opens (creating if necessary) the SQL database at dsn and migrates
// it to the latest schema revision.
func Open(ctx context.Context, dialect, dsn string, log zerolog.Logger) (*Store, error) {
	rawDB, err := sql.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dialect, err)
	}
	db, err := dbutil.NewWithDB(rawDB, dialect)
	if err != nil {
		return nil, fmt.Errorf("store: wrap db: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "db").Logger())
	db.UpgradeTable = migrations.Table
	if err := db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("store: upgrade schema: %w", err)
	}
	s := &Store{DB: db}
	s.Users = &UserStore{db: db}
	s.Avatars = &AvatarStore{db: db}
	s.Contacts = &ContactStore{db: db}
	s.Rooms = &RoomStore{db: db}
	s.Participants = &ParticipantStore{db: db}
	s.Attachments = &AttachmentStore{db: db}
	s.IDMap = &IDMapStore{db: db}
	s.MAM = &MAMStore{db: db}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.DB.RawDB.Close()
}

// WithTx runs fn inside a reentrant transaction scope (spec.md ยง4.8):
// nested calls reuse the outer transaction; the outermost call commits on
// success or rolls back on error. dbutil.Database.Transaction already
// provides this reentrancy by stashing the *sql.Tx on the context, so every
// sub-store method that needs transactional semantics just calls this
// instead of managing a *sql.Tx directly.
func WithTx(ctx context.Context, db *dbutil.Database, fn func(ctx context.Context) error) error {
	return db.Transaction(ctx, fn)
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// the trigger condition for the upsert-with-fallback pattern (spec.md
// ยง4.8) used by Contacts.Upsert, Rooms.Upsert, and IDMap.Set.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// mattn/go-sqlite3 reports constraint violations as *sqlite3.Error with
	// ExtendedCode in the SQLITE_CONSTRAINT family; comparing the message
	// suffix keeps this package from importing the driver's internal error
	// type directly, since dbutil already wraps/unwraps driver errors for
	// us in ways that vary across dbutil releases.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
