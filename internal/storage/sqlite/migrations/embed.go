package migrations

import "embed"

// FS contains embedded SQLite migrations for lobby storage.
//
//go:embed *.sql
var FS embed.FS
