// Package migrations embeds the goose SQL migrations.
package migrations

import "embed"

// FS holds every *.sql migration, named <version>_<name>.sql.
//
//go:embed *.sql
var FS embed.FS
