// Package migrations embeds the SQL schema applied by the postgres store at
// startup. Files run in lexical order and are recorded in schema_migrations.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
