// Package migrations embeds the goose SQL migrations for the local
// satchel database.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
