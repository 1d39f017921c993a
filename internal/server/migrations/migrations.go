// Package migrations embeds the authd PostgreSQL schema.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
