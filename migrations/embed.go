// Package migrations embeds the SQL files that build the bot's SQLite schema.
package migrations

import "embed"

// FS holds the numbered up/down migration files.
//
//go:embed *.sql
var FS embed.FS
