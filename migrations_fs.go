package iap

import (
	"embed"
	"io/fs"
)

// migrationsFS holds the ledger, runtime config and webhook delivery schema,
// with SQLite alternatives under data/sql/migrations/sqlite.
//
//go:embed data/sql/migrations/*.sql data/sql/migrations/sqlite/*.sql
var migrationsFS embed.FS

// GetMigrationsFS returns the full embedded migration tree.
func GetMigrationsFS() fs.FS {
	return migrationsFS
}
