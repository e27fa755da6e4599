package migrations

import "embed"

// FS contains the embedded object store migrations.
//
//go:embed *.sql
var FS embed.FS
