package migrations

import "embed"

// FS contains embedded SQLite migrations for scheduling storage.
//
//go:embed *.sql
var FS embed.FS
