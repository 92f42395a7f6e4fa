// Package migrations embeds the SQL schema files for both storage backends.
//
// Files run in lexical order and are tracked in a schema_migrations table so
// each applies at most once. The sqlite and postgres directories carry the
// same logical schema in their respective dialects.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var root embed.FS

// SQLite returns the migration filesystem for the embedded backend.
func SQLite() fs.FS {
	sub, err := fs.Sub(root, "sqlite")
	if err != nil {
		panic(err)
	}
	return sub
}

// Postgres returns the migration filesystem for the server backend.
func Postgres() fs.FS {
	sub, err := fs.Sub(root, "postgres")
	if err != nil {
		panic(err)
	}
	return sub
}
