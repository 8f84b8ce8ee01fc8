package migrations

import "embed"

// Files exposes embedded SQL migration files. Postgres migrations live at the
// root, SQLite migrations under sqlite/; both are applied lexicographically.
//
//go:embed *.sql sqlite/*.sql
var Files embed.FS
