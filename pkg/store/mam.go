package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/slidge-im/slidge-go/pkg/models"
)

// MAMStore persists archived_message rows and implements the query engine
// backing Message Archive Management (spec.md ยง4.5, XEP-0313).
type MAMStore struct {
	db *dbutil.Database
}

const archivedMessageColumns = "pk, room_fk, stanza_id, timestamp, author_jid, stanza, legacy_id"

func scanArchivedMessage(row dbutil.Scannable) (*models.ArchivedMessage, error) {
	var m models.ArchivedMessage
	var ts int64
	err := row.Scan(&m.PK, &m.RoomPK, &m.StanzaID, &ts, &m.AuthorJID, &m.Stanza, &m.LegacyID)
	if err != nil {
		return nil, err
	}
	m.Timestamp = time.UnixMilli(ts).UTC()
	return &m, nil
}

// Append archives one message. Duplicate stanza_id within the same room is
// silently ignored: MAM archival is best-effort and a retried append
// (e.g. after a carbon and the original both land) must not error.
func (s *MAMStore) Append(ctx context.Context, m *models.ArchivedMessage) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO archived_message (room_fk, stanza_id, timestamp, author_jid, stanza, legacy_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.RoomPK, m.StanzaID, m.Timestamp.UnixMilli(), m.AuthorJID, m.Stanza, m.LegacyID,
	)
	if err != nil && IsUniqueViolation(err) {
		return nil
	}
	return err
}

// Upsert archives m, updating the row in place if legacy_id already names
// one in this room rather than inserting a duplicate (spec.md ยง4.4: a
// backfilled message whose legacy id collides with an already-archived one
// must update, not duplicate). m.LegacyID == "" always inserts, matching
// Append's behavior for live traffic that has no legacy id yet.
func (s *MAMStore) Upsert(ctx context.Context, m *models.ArchivedMessage) error {
	if m.LegacyID == "" {
		return s.Append(ctx, m)
	}
	existing, err := s.ByLegacyID(ctx, m.RoomPK, m.LegacyID)
	if err != nil {
		return err
	}
	if existing == nil {
		return s.Append(ctx, m)
	}
	_, err = s.db.Exec(ctx,
		`UPDATE archived_message SET stanza_id=$1, timestamp=$2, author_jid=$3, stanza=$4 WHERE pk=$5`,
		m.StanzaID, m.Timestamp.UnixMilli(), m.AuthorJID, m.Stanza, existing.PK,
	)
	if err != nil && IsUniqueViolation(err) {
		return nil // concurrent insert raced us to the same stanza_id; fine
	}
	return err
}

// ByLegacyID looks up the archived copy of a message by its legacy id, used
// to attach reactions/corrections/retractions to the right stanza_id.
func (s *MAMStore) ByLegacyID(ctx context.Context, roomPK int64, legacyID string) (*models.ArchivedMessage, error) {
	row := s.db.QueryRow(ctx, "SELECT "+archivedMessageColumns+" FROM archived_message WHERE room_fk=$1 AND legacy_id=$2", roomPK, legacyID)
	m, err := scanArchivedMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// Query is one XEP-0313 archive request (spec.md ยง4.5). A nil/zero field
// means "unconstrained" for that filter.
type Query struct {
	RoomPK     int64
	Start, End time.Time   // RSM/MAM time window
	AfterID    string      // exclusive lower bound by stanza_id
	BeforeID   string      // exclusive upper bound by stanza_id
	IDs        []string    // specific stanza_id allow-list ("ids" filter)
	With       string      // restrict to messages authored by this JID
	Before     bool        // RSM <before/> paging: return the LAST N matching, ascending order preserved
	Max        int         // RSM max, 0 = unlimited
}

// Page runs a Query and returns the matching messages in ascending
// timestamp order, plus whether more results exist beyond what Max
// returned (spec.md ยง4.5's "complete" flag).
func (s *MAMStore) Page(ctx context.Context, q Query) (msgs []*models.ArchivedMessage, complete bool, err error) {
	where := []string{"room_fk = $1"}
	args := []any{q.RoomPK}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if !q.Start.IsZero() {
		where = append(where, "timestamp >= "+arg(q.Start.UnixMilli()))
	}
	if !q.End.IsZero() {
		where = append(where, "timestamp <= "+arg(q.End.UnixMilli()))
	}
	if q.With != "" {
		where = append(where, "author_jid = "+arg(q.With))
	}
	if len(q.IDs) > 0 {
		placeholders := make([]string, len(q.IDs))
		for i, id := range q.IDs {
			placeholders[i] = arg(id)
		}
		where = append(where, "stanza_id IN ("+strings.Join(placeholders, ", ")+")")
	}
	if q.AfterID != "" {
		afterTS, afterPK, ok, err := s.stanzaOrdinal(ctx, q.RoomPK, q.AfterID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			where = append(where, fmt.Sprintf("(timestamp, pk) > (%s, %s)", arg(afterTS), arg(afterPK)))
		}
	}
	if q.BeforeID != "" {
		beforeTS, beforePK, ok, err := s.stanzaOrdinal(ctx, q.RoomPK, q.BeforeID)
		if err != nil {
			return nil, false, err
		}
		if ok {
			where = append(where, fmt.Sprintf("(timestamp, pk) < (%s, %s)", arg(beforeTS), arg(beforePK)))
		}
	}

	order := "ASC"
	if q.Before {
		// RSM <before/> with no <id/> (last-page request): walk backwards
		// from the newest message, then re-ascend for the returned slice.
		order = "DESC"
	}

	query := "SELECT " + archivedMessageColumns + " FROM archived_message WHERE " +
		strings.Join(where, " AND ") + " ORDER BY timestamp " + order + ", pk " + order

	limit := q.Max
	if limit > 0 {
		query += " LIMIT " + arg(limit+1)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanArchivedMessage(rows)
		if err != nil {
			return nil, false, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	complete = true
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[:limit]
		complete = false
	}
	if q.Before {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, complete, nil
}

func (s *MAMStore) stanzaOrdinal(ctx context.Context, roomPK int64, stanzaID string) (ts, pk int64, ok bool, err error) {
	err = s.db.QueryRow(ctx, "SELECT timestamp, pk FROM archived_message WHERE room_fk=$1 AND stanza_id=$2", roomPK, stanzaID).
		Scan(&ts, &pk)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return ts, pk, true, nil
}
