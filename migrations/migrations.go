// Package migrations embeds the SQL schema for the engine's postgres
// tables, applied by cmd/migrate.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
