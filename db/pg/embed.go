// Package pg embeds the Postgres migrations so the binary can migrate without the source tree.
package pg

import "embed"

//go:embed *.sql
var Migrations embed.FS
