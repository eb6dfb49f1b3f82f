// Package migrations holds the gateway's append-only, ordered schema
// upgrades (spec.md ยง4.8: "Schema migrations are append-only, ordered, and
// replayable; each migration is identified by a stable revision id and
// references its predecessor"). Each numbered .sql file is one revision;
// go.mau.fi/util/dbutil replays unapplied revisions in order inside a
// version table it manages itself.
package migrations

import (
	"embed"

	"go.mau.fi/util/dbutil"
)

//go:embed *.sql
var rawUpgrades embed.FS

// Table is the ordered upgrade table for the gateway's persistence store.
// pkg/store registers it against the opened database before issuing any
// queries.
var Table dbutil.UpgradeTable

func init() {
	Table.RegisterFS(rawUpgrades)
}
