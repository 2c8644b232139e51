// Package migrations embeds the goose SQL migrations for the install
// ledger.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
