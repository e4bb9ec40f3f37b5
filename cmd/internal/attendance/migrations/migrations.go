// Package migrations embeds the SQL schema applied by goose.
package migrations

import "embed"

// FS holds the versioned goose migrations. Tables live in the "attend" schema.
//
//go:embed *.sql
var FS embed.FS
