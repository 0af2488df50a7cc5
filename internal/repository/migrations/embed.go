// Package migrations embeds the PostgreSQL schema migrations.
package migrations

import "embed"

// FS contains the goose migrations for the users schema.
//
//go:embed *.sql
var FS embed.FS
