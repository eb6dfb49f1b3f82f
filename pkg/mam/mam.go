// Package mam exposes the Message Archive Management query surface (spec.md
// ยง4.5, ยง6, XEP-0313) over pkg/store's MAMStore: RSM paging, boundary-id
// resolution and item-not-found mapping. Archival itself (Append/Upsert) is
// driven directly by pkg/message and pkg/muc against the store.
package mam

import (
	"context"
	"time"

	"github.com/slidge-im/slidge-go/pkg/gaterr"
	"github.com/slidge-im/slidge-go/pkg/models"
	"github.com/slidge-im/slidge-go/pkg/store"
)

// Request is one XEP-0313 `<query/>` plus its `<set/>` (RSM) as decoded by
// the dispatcher; it is a thin rename of store.Query so pkg/dispatch does
// not need to import pkg/store directly for archive queries.
type Request struct {
	RoomPK     int64
	Start, End time.Time
	AfterID    string
	BeforeID   string
	IDs        []string
	With       string
	Before     bool
	Max        int
}

// Result is one page of archived messages plus the RSM metadata the
// dispatcher needs to build the `<fin/>` element.
type Result struct {
	Messages []*models.ArchivedMessage
	Complete bool
	First    string // stanza_id of Messages[0], "" if empty
	Last     string // stanza_id of Messages[len-1], "" if empty
}

// Archive runs MAM queries for one room.
type Archive struct {
	room *store.MAMStore
}

// New builds an Archive backed by store.
func New(mam *store.MAMStore) *Archive {
	return &Archive{room: mam}
}

// Page resolves req against the archive. A non-empty AfterID/BeforeID that
// names no archived stanza is item-not-found (spec.md ยง4.5's boundary-id
// requirement), not silently ignored.
func (a *Archive) Page(ctx context.Context, req Request) (Result, error) {
	if req.AfterID != "" {
		if ok, err := a.exists(ctx, req.RoomPK, req.AfterID); err != nil {
			return Result{}, err
		} else if !ok {
			return Result{}, gaterr.NotFound("mam: after-id %q not archived in this room", req.AfterID)
		}
	}
	if req.BeforeID != "" {
		if ok, err := a.exists(ctx, req.RoomPK, req.BeforeID); err != nil {
			return Result{}, err
		} else if !ok {
			return Result{}, gaterr.NotFound("mam: before-id %q not archived in this room", req.BeforeID)
		}
	}

	msgs, complete, err := a.room.Page(ctx, store.Query{
		RoomPK: req.RoomPK, Start: req.Start, End: req.End,
		AfterID: req.AfterID, BeforeID: req.BeforeID, IDs: req.IDs,
		With: req.With, Before: req.Before, Max: req.Max,
	})
	if err != nil {
		return Result{}, gaterr.Internal(err, "mam: page query")
	}

	res := Result{Messages: msgs, Complete: complete}
	if len(msgs) > 0 {
		res.First = msgs[0].StanzaID
		res.Last = msgs[len(msgs)-1].StanzaID
	}
	return res, nil
}

func (a *Archive) exists(ctx context.Context, roomPK int64, stanzaID string) (bool, error) {
	msgs, _, err := a.room.Page(ctx, store.Query{RoomPK: roomPK, IDs: []string{stanzaID}})
	if err != nil {
		return false, gaterr.Internal(err, "mam: resolve boundary id")
	}
	return len(msgs) > 0, nil
}
