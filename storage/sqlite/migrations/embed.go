package migrations

import "embed"

// FS contains embedded SQLite migrations for pokeshell storage.
//
//go:embed *.sql
var FS embed.FS
