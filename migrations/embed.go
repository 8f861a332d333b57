// Package migrations embeds the rule engine's SQL schema files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
