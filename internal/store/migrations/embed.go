// Package migrations embeds the record store schema migrations.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
