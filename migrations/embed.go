// Package migrations embeds the goose SQL migrations for the trigger worker.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
