// Package migrations embeds the SQL schema of the store.
package migrations

import (
	"embed"
)

//go:embed *.sql
var FS embed.FS

// InitUp is the schema applied by postgres.Migrate.
const InitUp = "001_init.up.sql"
